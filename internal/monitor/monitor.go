// Package monitor watches process snapshots pushed by the device and shuts the
// run down when the target package goes silent.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/loykin/portalctl/internal/deadline"
	"github.com/loykin/portalctl/internal/metrics"
	"github.com/loykin/portalctl/internal/stream"
	"github.com/loykin/portalctl/pkg/client"
)

const (
	DefaultInitialDelay = 20 * time.Second
	DefaultSteadyDelay  = 5 * time.Second
)

// Options configures a Monitor.
type Options struct {
	TargetPackage string
	// InitialDelay is the grace period after the stream opens.
	InitialDelay time.Duration
	// SteadyDelay is the sliding window once the target has been seen.
	SteadyDelay time.Duration
	// StopOnClose treats a target that is present but not running as stopped.
	// When false every snapshot keeps the watchdog alive.
	StopOnClose bool
	// Shutdown replaces the default watchdog action of closing the monitor
	// and its paired session.
	Shutdown func()

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Monitor is a process-snapshot stream session with a sliding watchdog.
type Monitor struct {
	transport stream.Transport
	opts      Options
	logger    *slog.Logger

	state   stream.StateMachine
	timer   *deadline.Timer
	started atomic.Bool
	fired   atomic.Bool

	mu     sync.Mutex
	paired io.Closer
	cancel context.CancelFunc
	err    error

	doneOnce sync.Once
	done     chan struct{}
}

// New returns a Monitor over t. paired, if not nil, is closed together with the monitor.
func New(t stream.Transport, paired io.Closer, opts Options) *Monitor {
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultInitialDelay
	}
	if opts.SteadyDelay <= 0 {
		opts.SteadyDelay = DefaultSteadyDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Monitor{
		transport: t,
		opts:      opts,
		paired:    paired,
		logger:    opts.Logger.With("session", "monitor", "package", opts.TargetPackage),
		timer:     deadline.New(opts.Clock),
		done:      make(chan struct{}),
	}
	m.state.OnChange = func(from, to stream.State) {
		metrics.RecordStateTransition("monitor", from.String(), to.String())
		m.logger.Debug("state change", "from", from, "to", to)
	}
	return m
}

// State returns the current state.
func (m *Monitor) State() stream.State { return m.state.Get() }

// Done is closed once the monitor stopped.
func (m *Monitor) Done() <-chan struct{} { return m.done }

// Fired reports whether the watchdog expired.
func (m *Monitor) Fired() bool { return m.fired.Load() }

// Err returns the transport error that failed the monitor, if any.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Run connects and blocks until the monitor is closed or the stream ends.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("monitor already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	if !m.state.SetIf(stream.StateConnecting, stream.StateIdle) {
		m.finish()
		return nil
	}
	err := m.transport.Run(ctx, m)
	m.finish()
	return err
}

// Close stops the watchdog, the stream and the paired session. It is idempotent.
func (m *Monitor) Close() error {
	if !m.state.SetIf(stream.StateClosing, stream.StateIdle, stream.StateConnecting, stream.StateOpen, stream.StateListening) {
		return nil
	}
	m.timer.Cancel()
	_ = m.transport.Close()

	m.mu.Lock()
	paired, cancel := m.paired, m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if paired != nil {
		_ = paired.Close()
	}
	if !m.started.Load() {
		m.finish()
	}
	return nil
}

// OnOpen arms the initial grace window.
func (m *Monitor) OnOpen(context.Context) {
	if !m.state.SetIf(stream.StateOpen, stream.StateConnecting) {
		return
	}
	m.timer.Arm(m.opts.InitialDelay, m.expire)
	m.state.SetIf(stream.StateListening, stream.StateOpen)
	m.logger.Info("process monitor armed", "initial_delay", m.opts.InitialDelay, "steady_delay", m.opts.SteadyDelay)
}

// OnMessage slides the watchdog window when the snapshot keeps the target alive.
func (m *Monitor) OnMessage(data []byte) {
	if m.state.Get() != stream.StateListening {
		return
	}
	var snap client.ProcessSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		m.logger.Warn("dropping malformed snapshot", "error", err)
		return
	}
	metrics.IncSnapshot()
	if m.keepsAlive(snap) {
		m.timer.Arm(m.opts.SteadyDelay, m.expire)
	}
}

// keepsAlive mirrors the device tool's rule: without stop-on-close every
// snapshot counts, otherwise the target must be present and running.
func (m *Monitor) keepsAlive(snap client.ProcessSnapshot) bool {
	if !m.opts.StopOnClose {
		return true
	}
	p, ok := snap.Find(m.opts.TargetPackage)
	return ok && p.IsRunning
}

func (m *Monitor) OnClose() { m.finish() }

func (m *Monitor) OnError(err error) {
	if m.state.Get() == stream.StateClosing {
		m.finish()
		return
	}
	m.logger.Error("process monitor failed", "error", err)
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
	_ = m.Close()
	m.state.Set(stream.StateFailed)
}

func (m *Monitor) expire() {
	if !m.fired.CompareAndSwap(false, true) {
		return
	}
	metrics.IncWatchdogFire(m.opts.TargetPackage)
	m.logger.Info("process went silent, shutting down", "package", m.opts.TargetPackage)
	if m.opts.Shutdown != nil {
		m.opts.Shutdown()
		return
	}
	_ = m.Close()
}

func (m *Monitor) finish() {
	m.doneOnce.Do(func() {
		m.timer.Cancel()
		m.state.Set(stream.StateClosed)
		close(m.done)
	})
}
