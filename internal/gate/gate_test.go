package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_WaitReturnsLastNotify(t *testing.T) {
	cases := [][]bool{
		{true},
		{false},
		{true, false},
		{false, true},
		{true, true, false},
	}
	for _, seq := range cases {
		g := New()
		for _, s := range seq {
			g.Notify(s)
		}
		assert.Equal(t, seq[len(seq)-1], g.Wait(), "sequence %v", seq)

		g.mu.Lock()
		ready := g.ready
		g.mu.Unlock()
		assert.False(t, ready, "ready must reset after Wait")
	}
}

func TestGate_WaitBlocksUntilNotify(t *testing.T) {
	g := New()
	got := make(chan bool, 1)
	go func() { got <- g.Wait() }()

	select {
	case <-got:
		t.Fatal("Wait returned before Notify")
	case <-time.After(30 * time.Millisecond):
	}

	g.Notify(true)
	select {
	case v := <-got:
		assert.True(t, v)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Notify")
	}
}

func TestGate_Reusable(t *testing.T) {
	g := New()
	g.Notify(true)
	require.True(t, g.Wait())

	go func() {
		time.Sleep(10 * time.Millisecond)
		g.Notify(false)
	}()
	require.False(t, g.Wait())
}

func TestGate_WaitContextCancelled(t *testing.T) {
	g := New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	assert.False(t, g.WaitContext(ctx))

	g.Notify(true)
	assert.True(t, g.WaitContext(context.Background()))
}
