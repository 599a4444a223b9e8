// Package streamtest provides an in-memory stream.Transport for session tests.
package streamtest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/loykin/portalctl/internal/stream"
)

// Transport is a scripted stream. Messages are injected with Push and the
// stream ends on Close, context cancellation or Fail.
type Transport struct {
	// AutoOpen makes Run call OnOpen right away.
	AutoOpen bool

	mu      sync.Mutex
	h       stream.Handler
	sent    []string
	sendErr error
	closes  int

	running   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	errc      chan error
}

func New(autoOpen bool) *Transport {
	return &Transport{
		AutoOpen: autoOpen,
		running:  make(chan struct{}),
		closed:   make(chan struct{}),
		errc:     make(chan error, 1),
	}
}

func (f *Transport) Run(ctx context.Context, h stream.Handler) error {
	f.mu.Lock()
	f.h = h
	f.mu.Unlock()
	close(f.running)
	if f.AutoOpen {
		h.OnOpen(ctx)
	}
	select {
	case <-f.closed:
		h.OnClose()
		return nil
	case <-ctx.Done():
		h.OnClose()
		return nil
	case err := <-f.errc:
		h.OnError(err)
		return err
	}
}

func (f *Transport) Send(msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *Transport) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// Running is closed once Run has been entered.
func (f *Transport) Running() <-chan struct{} { return f.running }

// Open delivers OnOpen for transports created without AutoOpen.
func (f *Transport) Open(ctx context.Context) {
	<-f.running
	f.handler().OnOpen(ctx)
}

// Push delivers a raw message.
func (f *Transport) Push(data []byte) {
	<-f.running
	f.handler().OnMessage(data)
}

// PushJSON marshals v and delivers it.
func (f *Transport) PushJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.Push(data)
	return nil
}

// Fail ends Run with err.
func (f *Transport) Fail(err error) { f.errc <- err }

// SetSendError makes every later Send fail.
func (f *Transport) SetSendError(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

// Sent returns every message written so far.
func (f *Transport) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// Closes returns how many times Close was called.
func (f *Transport) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *Transport) handler() stream.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.h
}
