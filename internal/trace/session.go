package trace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/loykin/portalctl/internal/deadline"
	"github.com/loykin/portalctl/internal/gate"
	"github.com/loykin/portalctl/internal/metrics"
	"github.com/loykin/portalctl/internal/stream"
	"github.com/loykin/portalctl/pkg/client"
)

// KernelProcessProvider is the preferred name of the kernel process provider.
const KernelProcessProvider = "Microsoft-Windows-Kernel-Process"

const (
	DefaultOpenTimeout         = 5 * time.Second
	DefaultProcessStartTimeout = 15 * time.Second
)

var (
	// ErrProcessNotActive reports that no start of the target was seen in time.
	ErrProcessNotActive = errors.New("process not active")
	// ErrNoKernelProvider reports that the device exposes no process provider.
	ErrNoKernelProvider = errors.New("kernel process provider not found")
)

// ProviderRegistry lists the trace providers registered on the device.
type ProviderRegistry interface {
	Providers(ctx context.Context) ([]client.Provider, error)
}

// EventSink receives events that are not consumed by process tracking.
// Handle reports whether the event was accepted.
type EventSink interface {
	Handle(e Event) bool
}

// Options configures a Session.
type Options struct {
	// Providers are GUIDs enabled in order once the stream opens.
	Providers []string
	// EnableLevel, when positive, is appended to every enable command.
	EnableLevel int
	// TargetPackage is the package full name whose process is tracked.
	TargetPackage string
	// KnownPID pre-binds the target process, for attaching to a running app.
	KnownPID uint32

	OpenTimeout         time.Duration
	ProcessStartTimeout time.Duration

	// OnProcessStart is called once when the target PID is bound from a kernel event.
	OnProcessStart func(pid uint32)

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Result is the terminal outcome of a session.
type Result struct {
	// Terminated is set when a kernel ProcessStop for the bound PID was seen.
	Terminated bool
	ExitCode   int
	Message    string
	PID        uint32
	Err        error
}

// Session streams trace events from the device, optionally tracking the
// lifetime of one package's process through the kernel provider.
type Session struct {
	transport stream.Transport
	registry  ProviderRegistry
	gate      *gate.Gate
	sink      EventSink
	opts      Options
	logger    *slog.Logger

	state    stream.StateMachine
	timer    *deadline.Timer
	pid      PIDBinding
	gateOnce sync.Once
	started  atomic.Bool

	mu         sync.Mutex
	monitor    io.Closer
	kernelName string
	result     Result
	hasResult  bool
	cancel     context.CancelFunc

	doneOnce sync.Once
	done     chan struct{}
}

// NewSession creates a session and arms its open guard timer.
// g may be nil when nobody waits for readiness.
func NewSession(t stream.Transport, registry ProviderRegistry, g *gate.Gate, sink EventSink, opts Options) *Session {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = DefaultOpenTimeout
	}
	if opts.ProcessStartTimeout <= 0 {
		opts.ProcessStartTimeout = DefaultProcessStartTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Session{
		transport: t,
		registry:  registry,
		gate:      g,
		sink:      sink,
		opts:      opts,
		logger:    opts.Logger.With("session", "trace"),
		timer:     deadline.New(opts.Clock),
		done:      make(chan struct{}),
	}
	s.state.OnChange = func(from, to stream.State) {
		metrics.RecordStateTransition("trace", from.String(), to.String())
		s.logger.Debug("state change", "from", from, "to", to)
	}
	if opts.KnownPID != 0 {
		s.pid.BindIfAbsent(opts.KnownPID)
	}
	s.timer.Arm(opts.OpenTimeout, s.onOpenTimeout)
	return s
}

// SetMonitor pairs a sibling session that is closed when this one fails.
func (s *Session) SetMonitor(m io.Closer) {
	s.mu.Lock()
	s.monitor = m
	s.mu.Unlock()
}

// State returns the current state.
func (s *Session) State() stream.State { return s.state.Get() }

// PID returns the bound target pid, zero when unbound.
func (s *Session) PID() uint32 { return s.pid.Load() }

// Done is closed once the session reached Closed or Failed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Result returns the outcome recorded so far.
func (s *Session) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Run connects and blocks until the stream ends.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("trace session already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	if !s.state.SetIf(stream.StateConnecting, stream.StateIdle) {
		s.finish()
		return nil
	}
	err := s.transport.Run(ctx, s)
	s.finish()
	return err
}

// Close ends the session. Closing an already closed session is a no-op.
func (s *Session) Close() error {
	if !s.state.SetIf(stream.StateClosing, stream.StateIdle, stream.StateConnecting, stream.StateOpen, stream.StateListening) {
		return nil
	}
	s.timer.Cancel()
	s.notifyGate(false)
	_ = s.transport.Close()
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if !s.started.Load() {
		s.finish()
	}
	return nil
}

// OnOpen enables the configured providers and, when tracking a target, the
// kernel process provider. Readiness is reported only after all of them are enabled.
func (s *Session) OnOpen(ctx context.Context) {
	if !s.state.SetIf(stream.StateOpen, stream.StateConnecting) {
		return
	}
	s.timer.Cancel()

	for _, guid := range s.opts.Providers {
		if err := s.enable(guid); err != nil {
			s.fail(err)
			return
		}
	}

	if s.opts.TargetPackage != "" {
		p, err := s.resolveKernelProvider(ctx)
		if err != nil {
			s.fail(err)
			return
		}
		if err := s.enable(p.GUID); err != nil {
			s.fail(err)
			return
		}
		if s.pid.Load() == 0 {
			s.timer.Arm(s.opts.ProcessStartTimeout, s.onProcessStartTimeout)
		}
	}

	if !s.state.SetIf(stream.StateListening, stream.StateOpen) {
		return
	}
	s.logger.Info("trace session open", "providers", len(s.opts.Providers), "target", s.opts.TargetPackage)
	s.notifyGate(true)
}

// OnMessage dispatches one event batch.
func (s *Session) OnMessage(data []byte) {
	if s.state.Get() != stream.StateListening {
		return
	}
	batch, err := ParseBatch(data)
	if err != nil {
		s.logger.Warn("dropping malformed batch", "error", err)
		return
	}
	metrics.IncTraceBatch()
	for _, e := range batch.Events {
		consumed, stop := s.track(e)
		if stop {
			return
		}
		if consumed {
			continue
		}
		forwarded := false
		if s.sink != nil {
			forwarded = s.sink.Handle(e)
		}
		metrics.IncTraceEvent(e.ProviderName, forwarded)
	}
}

// OnClose handles a local close or the end of the stream.
func (s *Session) OnClose() { s.finish() }

// OnError fails the session unless it was already closing.
func (s *Session) OnError(err error) {
	if s.state.Get() == stream.StateClosing {
		s.finish()
		return
	}
	s.fail(err)
}

// track applies the kernel process rules. consumed means the event belonged
// to the target; stop means the session terminated.
func (s *Session) track(e Event) (consumed, stop bool) {
	if s.opts.TargetPackage == "" || !s.isKernel(e) {
		return false, false
	}
	switch e.TaskName {
	case TaskProcessStart:
		if e.PackageFullName == s.opts.TargetPackage && s.pid.BindIfAbsent(e.PID()) {
			s.timer.Cancel()
			s.logger.Info("target process started", "pid", e.PID(), "package", e.PackageFullName)
			if s.opts.OnProcessStart != nil {
				s.opts.OnProcessStart(e.PID())
			}
			return true, false
		}
	case TaskProcessStop:
		bound := s.pid.Load()
		if bound != 0 && e.PID() == bound {
			s.terminate(bound, e)
			return true, true
		}
	}
	return false, false
}

func (s *Session) terminate(pid uint32, e Event) {
	s.pid.Release(pid)
	code := 0
	if e.ExitCode != nil {
		code = *e.ExitCode
	}
	s.setResult(Result{Terminated: true, ExitCode: code, Message: e.Message, PID: pid})
	metrics.IncProcessExit(s.opts.TargetPackage)
	s.logger.Info("target process exited", "pid", pid, "exit_code", code, "message", e.Message)
	_ = s.Close()
}

func (s *Session) isKernel(e Event) bool {
	s.mu.Lock()
	name := s.kernelName
	s.mu.Unlock()
	if name == "" {
		name = KernelProcessProvider
	}
	return strings.EqualFold(e.ProviderName, name)
}

func (s *Session) resolveKernelProvider(ctx context.Context) (client.Provider, error) {
	if s.registry == nil {
		return client.Provider{}, ErrNoKernelProvider
	}
	providers, err := s.registry.Providers(ctx)
	if err != nil {
		return client.Provider{}, fmt.Errorf("list providers: %w", err)
	}
	p, ok := FindKernelProvider(providers)
	if !ok {
		return client.Provider{}, ErrNoKernelProvider
	}
	s.mu.Lock()
	s.kernelName = p.Name
	s.mu.Unlock()
	return p, nil
}

// FindKernelProvider picks the process provider: an exact name match first,
// otherwise the first provider whose name mentions "process".
func FindKernelProvider(providers []client.Provider) (client.Provider, bool) {
	for _, p := range providers {
		if strings.EqualFold(p.Name, KernelProcessProvider) {
			return p, true
		}
	}
	for _, p := range providers {
		if strings.Contains(strings.ToLower(p.Name), "process") {
			return p, true
		}
	}
	return client.Provider{}, false
}

func (s *Session) enable(guid string) error {
	cmd := "provider " + guid + " enable"
	if s.opts.EnableLevel > 0 {
		cmd = fmt.Sprintf("%s %d", cmd, s.opts.EnableLevel)
	}
	if err := s.transport.Send(cmd); err != nil {
		return fmt.Errorf("enable provider %s: %w", guid, err)
	}
	s.logger.Debug("provider enabled", "guid", guid)
	return nil
}

func (s *Session) onOpenTimeout() {
	st := s.state.Get()
	if st != stream.StateIdle && st != stream.StateConnecting {
		return
	}
	s.logger.Warn("trace session did not open in time", "timeout", s.opts.OpenTimeout)
	s.notifyGate(false)
}

func (s *Session) onProcessStartTimeout() {
	if s.pid.Load() != 0 {
		return
	}
	s.logger.Warn("no process start observed, stopping trace", "package", s.opts.TargetPackage, "timeout", s.opts.ProcessStartTimeout)
	s.setResult(Result{Err: ErrProcessNotActive})
	_ = s.Close()
}

func (s *Session) fail(err error) {
	if s.state.Get() == stream.StateClosing {
		// a local close raced the failing operation
		return
	}
	s.logger.Error("trace session failed", "error", err)
	s.setResult(Result{Err: err})
	s.timer.Cancel()
	s.state.Set(stream.StateFailed)
	s.notifyGate(false)

	s.mu.Lock()
	m := s.monitor
	cancel := s.cancel
	s.mu.Unlock()
	if m != nil {
		_ = m.Close()
	}
	_ = s.transport.Close()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) finish() {
	s.doneOnce.Do(func() {
		s.timer.Cancel()
		s.state.Set(stream.StateClosed)
		s.notifyGate(false)
		close(s.done)
	})
}

func (s *Session) notifyGate(status bool) {
	if s.gate == nil {
		return
	}
	s.gateOnce.Do(func() { s.gate.Notify(status) })
}

func (s *Session) setResult(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasResult {
		return
	}
	s.result = r
	s.hasResult = true
}
