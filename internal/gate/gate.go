// Package gate provides the startup rendezvous between a stream session and
// the controller waiting to act on it.
package gate

import (
	"context"
	"sync"
)

// Gate blocks waiters until the owning session reports readiness.
// It has no timeout of its own; the owner calls Notify(false) from a guard timer.
type Gate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ready  bool
	status bool
}

func New() *Gate {
	g := &Gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Notify records status and wakes every waiter.
func (g *Gate) Notify(status bool) {
	g.mu.Lock()
	g.ready = true
	g.status = status
	g.mu.Unlock()
	g.cond.Broadcast()
}

// Wait blocks until Notify and returns the most recent status.
// ready is reset so the gate can serve the next rendezvous.
func (g *Gate) Wait() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for !g.ready {
		g.cond.Wait()
	}
	g.ready = false
	return g.status
}

// WaitContext is Wait that also returns false once ctx is done.
func (g *Gate) WaitContext(ctx context.Context) bool {
	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.cond.Broadcast()
	})
	defer stop()

	g.mu.Lock()
	defer g.mu.Unlock()
	for !g.ready {
		if ctx.Err() != nil {
			return false
		}
		g.cond.Wait()
	}
	g.ready = false
	return g.status
}
