package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/loykin/portalctl/internal/stream"
	"github.com/loykin/portalctl/internal/stream/streamtest"
	"github.com/loykin/portalctl/pkg/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const target = "Contoso.App_1.0.0.0_x64__8wekyb3d8bbwe"

type closeCounter struct{ n atomic.Int32 }

func (c *closeCounter) Close() error { c.n.Add(1); return nil }

func snapshot(running bool, names ...string) client.ProcessSnapshot {
	var s client.ProcessSnapshot
	for i, n := range names {
		s.Processes = append(s.Processes, client.Process{ImageName: "app.exe", PackageFullName: n, ProcessID: uint32(100 + i), IsRunning: running})
	}
	return s
}

func start(t *testing.T, m *Monitor, tr *streamtest.Transport) {
	t.Helper()
	go func() { _ = m.Run(context.Background()) }()
	tr.Open(context.Background())
	require.Equal(t, stream.StateListening, m.State())
}

func waitDone(t *testing.T, m *Monitor) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not finish")
	}
}

func TestMonitor_SilentTargetShutsDownOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := streamtest.New(false)
	var shutdowns atomic.Int32
	m := New(tr, nil, Options{
		TargetPackage: target,
		SteadyDelay:   5 * time.Second,
		StopOnClose:   true,
		Shutdown:      func() { shutdowns.Add(1) },
		Clock:         clock,
	})
	start(t, m, tr)

	require.NoError(t, tr.PushJSON(snapshot(true, target)))
	for i := 0; i < 6; i++ {
		require.NoError(t, tr.PushJSON(snapshot(true, "Other.App_1.0.0.0_x64__x")))
		clock.Advance(time.Second)
	}

	assert.Eventually(t, func() bool { return shutdowns.Load() == 1 }, time.Second, 5*time.Millisecond)
	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), shutdowns.Load())
	assert.True(t, m.Fired())

	require.NoError(t, m.Close())
	waitDone(t, m)
}

func TestMonitor_RunningTargetSlidesWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := streamtest.New(false)
	var shutdowns atomic.Int32
	m := New(tr, nil, Options{
		TargetPackage: target,
		SteadyDelay:   5 * time.Second,
		StopOnClose:   true,
		Shutdown:      func() { shutdowns.Add(1) },
		Clock:         clock,
	})
	start(t, m, tr)

	for i := 0; i < 10; i++ {
		require.NoError(t, tr.PushJSON(snapshot(true, target)))
		clock.Advance(4 * time.Second)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), shutdowns.Load())
	assert.False(t, m.Fired())

	require.NoError(t, tr.PushJSON(snapshot(false, target)))
	clock.Advance(5 * time.Second)
	assert.Eventually(t, func() bool { return shutdowns.Load() == 1 }, time.Second, 5*time.Millisecond)

	_ = m.Close()
	waitDone(t, m)
}

func TestMonitor_AnySnapshotKeepsAliveWithoutStopOnClose(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := streamtest.New(false)
	var shutdowns atomic.Int32
	m := New(tr, nil, Options{
		TargetPackage: target,
		SteadyDelay:   5 * time.Second,
		Shutdown:      func() { shutdowns.Add(1) },
		Clock:         clock,
	})
	start(t, m, tr)

	for i := 0; i < 5; i++ {
		require.NoError(t, tr.PushJSON(snapshot(false)))
		clock.Advance(4 * time.Second)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), shutdowns.Load())

	_ = m.Close()
	waitDone(t, m)
}

func TestMonitor_InitialGraceExpiryClosesPairedSession(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := streamtest.New(false)
	paired := &closeCounter{}
	m := New(tr, paired, Options{TargetPackage: target, Clock: clock})
	start(t, m, tr)

	clock.Advance(DefaultInitialDelay - time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, m.Fired())

	clock.Advance(time.Second)
	waitDone(t, m)
	assert.True(t, m.Fired())
	assert.Equal(t, stream.StateClosed, m.State())
	assert.Equal(t, int32(1), paired.n.Load())
	assert.Equal(t, 1, tr.Closes())
}

func TestMonitor_CloseIdempotent(t *testing.T) {
	tr := streamtest.New(false)
	paired := &closeCounter{}
	m := New(tr, paired, Options{TargetPackage: target, Clock: clockwork.NewFakeClock()})
	start(t, m, tr)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	waitDone(t, m)
	require.NoError(t, m.Close())

	assert.Equal(t, int32(1), paired.n.Load())
	assert.Equal(t, 1, tr.Closes())
	assert.False(t, m.Fired())
}

func TestMonitor_CloseBeforeRun(t *testing.T) {
	m := New(streamtest.New(false), nil, Options{Clock: clockwork.NewFakeClock()})
	require.NoError(t, m.Close())
	waitDone(t, m)
	assert.NoError(t, m.Run(context.Background()))
	assert.Equal(t, stream.StateClosed, m.State())
}

func TestMonitor_TransportErrorFails(t *testing.T) {
	tr := streamtest.New(false)
	paired := &closeCounter{}
	m := New(tr, paired, Options{TargetPackage: target, Clock: clockwork.NewFakeClock()})
	errc := make(chan error, 1)
	go func() { errc <- m.Run(context.Background()) }()
	tr.Open(context.Background())

	boom := errors.New("socket closed")
	tr.Fail(boom)
	waitDone(t, m)

	assert.ErrorIs(t, <-errc, boom)
	assert.ErrorIs(t, m.Err(), boom)
	assert.Equal(t, stream.StateFailed, m.State())
	assert.Equal(t, int32(1), paired.n.Load())
}

func TestMonitor_MalformedSnapshotIgnored(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := streamtest.New(false)
	var shutdowns atomic.Int32
	m := New(tr, nil, Options{TargetPackage: target, Shutdown: func() { shutdowns.Add(1) }, Clock: clock})
	start(t, m, tr)

	tr.Push([]byte("[oops"))
	assert.Equal(t, stream.StateListening, m.State())
	_ = m.Close()
	waitDone(t, m)
	assert.Equal(t, int32(0), shutdowns.Load())
}
