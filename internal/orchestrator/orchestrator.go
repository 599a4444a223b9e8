// Package orchestrator sequences deploy, start, stop and the live trace and
// process monitoring of a run against one device.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/portalctl/internal/app"
	"github.com/loykin/portalctl/internal/gate"
	"github.com/loykin/portalctl/internal/history"
	"github.com/loykin/portalctl/internal/monitor"
	"github.com/loykin/portalctl/internal/stream"
	"github.com/loykin/portalctl/internal/trace"
	"github.com/loykin/portalctl/pkg/client"
)

// Apps is the lifecycle controller the orchestrator drives.
type Apps interface {
	Lookup(ctx context.Context, key, value string, cached bool) (client.Package, bool, error)
	RunningPID(ctx context.Context, key, value string) (uint32, error)
	Start(ctx context.Context, key, value string) error
	Stop(ctx context.Context, key, value string) error
	Uninstall(ctx context.Context, key, value string) error
	Deploy(ctx context.Context, req app.DeployRequest) error
}

// Device is the part of the device client used directly by the orchestrator.
type Device interface {
	trace.ProviderRegistry
	InstalledPackages(ctx context.Context) ([]client.Package, error)
	RunningProcesses(ctx context.Context) (client.ProcessSnapshot, error)
	DialStream(ctx context.Context, path string) (*websocket.Conn, error)
}

// TransportFactory opens the stream served on a device path.
type TransportFactory func(path string) stream.Transport

// StartFunc launches the app once the trace session is ready.
type StartFunc func(ctx context.Context) error

// Target identifies an installed package by a raw record field, e.g.
// PackageFamilyName. An empty Value traces without tracking a process.
type Target struct {
	Key   string
	Value string
}

// TraceOptions configures the trace session of a run.
type TraceOptions struct {
	Providers   []string
	EnableLevel int
	// Levels and Channels filter printed events. Empty admits all.
	Levels              []int
	Channels            []string
	NoTimestamp         bool
	OpenTimeout         time.Duration
	ProcessStartTimeout time.Duration
}

// MonitorOptions configures the process liveness watchdog.
type MonitorOptions struct {
	InitialDelay time.Duration
	SteadyDelay  time.Duration
	StopOnClose  bool
}

type Options struct {
	Trace   TraceOptions
	Monitor MonitorOptions

	// Out receives printed trace events and the package list. Defaults to stdout.
	Out io.Writer
	// History, if set, receives run events.
	History history.Sink
	// Transport overrides how streams are opened.
	Transport TransportFactory

	Clock  clockwork.Clock
	Logger *slog.Logger
}

type Orchestrator struct {
	dev    Device
	apps   Apps
	opts   Options
	logger *slog.Logger
}

func New(dev Device, apps Apps, opts Options) *Orchestrator {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{dev: dev, apps: apps, opts: opts, logger: opts.Logger}
}

// Deploy installs a package.
func (o *Orchestrator) Deploy(ctx context.Context, req app.DeployRequest) error {
	err := o.apps.Deploy(ctx, req)
	o.record(ctx, "", history.Event{Type: history.EventDeploy, Package: req.Value, Message: summary(err, req.Version.String())})
	return err
}

// Uninstall removes a package.
func (o *Orchestrator) Uninstall(ctx context.Context, t Target) error {
	err := o.apps.Uninstall(ctx, t.Key, t.Value)
	o.record(ctx, "", history.Event{Type: history.EventUninstall, Package: t.Value, Message: summary(err, "")})
	return err
}

// Start launches a package without monitoring it.
func (o *Orchestrator) Start(ctx context.Context, t Target) error {
	err := o.apps.Start(ctx, t.Key, t.Value)
	o.record(ctx, "", history.Event{Type: history.EventAppStart, Package: t.Value, Message: summary(err, "")})
	return err
}

// Stop terminates a package.
func (o *Orchestrator) Stop(ctx context.Context, t Target) error {
	err := o.apps.Stop(ctx, t.Key, t.Value)
	o.record(ctx, "", history.Event{Type: history.EventAppStop, Package: t.Value, Message: summary(err, "")})
	return err
}

// Run stops the target if it is active, then attaches with the app start as
// the start callback.
func (o *Orchestrator) Run(ctx context.Context, t Target) error {
	if err := o.Stop(ctx, t); err != nil {
		return err
	}
	return o.Attach(ctx, t, func(ctx context.Context) error {
		return o.apps.Start(ctx, t.Key, t.Value)
	})
}

// Attach opens the trace session, waits for it to be ready, calls start and
// then watches the target until it exits, goes silent or ctx is cancelled.
//
// The bound process's own exit is reported as *ExitError. A watchdog shutdown
// and a cancelled ctx return nil. Every session opened here is closed before
// Attach returns.
func (o *Orchestrator) Attach(ctx context.Context, t Target, start StartFunc) (err error) {
	runID := uuid.NewString()
	log := o.logger.With("run_id", runID)

	var (
		pkg      string
		knownPID uint32
	)
	if t.Value != "" {
		rec, ok, err := o.apps.Lookup(ctx, t.Key, t.Value, false)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s=%q: %w", t.Key, t.Value, app.ErrNotInstalled)
		}
		pkg = rec.FullName
		if start == nil {
			if knownPID, err = o.apps.RunningPID(ctx, t.Key, t.Value); err != nil {
				return err
			}
		}
	}

	g := gate.New()
	printer := trace.NewPrinter(o.opts.Out, trace.NewFilter(o.opts.Trace.Levels, o.opts.Trace.Channels), o.opts.Trace.NoTimestamp)
	ts := trace.NewSession(o.transport(client.PathTraceSession), o.dev, g, printer, trace.Options{
		Providers:           o.opts.Trace.Providers,
		EnableLevel:         o.opts.Trace.EnableLevel,
		TargetPackage:       pkg,
		KnownPID:            knownPID,
		OpenTimeout:         o.opts.Trace.OpenTimeout,
		ProcessStartTimeout: o.opts.Trace.ProcessStartTimeout,
		OnProcessStart: func(pid uint32) {
			o.record(context.WithoutCancel(ctx), runID, history.Event{Type: history.EventProcessStart, Package: pkg, PID: pid})
		},
		Clock:  o.opts.Clock,
		Logger: log,
	})

	var (
		loops errgroup.Group
		mon   *monitor.Monitor
	)
	defer func() {
		_ = ts.Close()
		if mon != nil {
			_ = mon.Close()
		}
		_ = loops.Wait()
		o.finish(context.WithoutCancel(ctx), runID, pkg, ts, mon, err)
	}()

	loops.Go(func() error { return ts.Run(ctx) })
	if !g.WaitContext(ctx) {
		if ctx.Err() != nil {
			return nil
		}
		if res := ts.Result(); res.Err != nil {
			return fmt.Errorf("%w: %w", ErrTraceNotStarted, res.Err)
		}
		return ErrTraceNotStarted
	}
	o.record(ctx, runID, history.Event{Type: history.EventTraceOpen, Package: pkg})

	if start != nil {
		if err := start(ctx); err != nil {
			return err
		}
	}

	if pkg != "" {
		mon = monitor.New(o.transport(client.PathProcesses), ts, monitor.Options{
			TargetPackage: pkg,
			InitialDelay:  o.opts.Monitor.InitialDelay,
			SteadyDelay:   o.opts.Monitor.SteadyDelay,
			StopOnClose:   o.opts.Monitor.StopOnClose,
			Clock:         o.opts.Clock,
			Logger:        log,
		})
		ts.SetMonitor(mon)
		loops.Go(func() error { return mon.Run(ctx) })
	}

	select {
	case <-ts.Done():
	case <-ctx.Done():
		return nil
	}
	return o.outcome(ts, mon)
}

// outcome maps the terminal state of a run to its error.
func (o *Orchestrator) outcome(ts *trace.Session, mon *monitor.Monitor) error {
	res := ts.Result()
	switch {
	case res.Terminated:
		if res.ExitCode == 0 {
			return nil
		}
		return &ExitError{Code: res.ExitCode, Message: res.Message}
	case res.Err != nil:
		return fmt.Errorf("trace session: %w", res.Err)
	case mon != nil && mon.Fired():
		return nil
	case mon != nil && mon.Err() != nil:
		return fmt.Errorf("process monitor: %w", mon.Err())
	}
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, runID, pkg string, ts *trace.Session, mon *monitor.Monitor, err error) {
	res := ts.Result()
	if res.Terminated {
		code := res.ExitCode
		o.record(ctx, runID, history.Event{Type: history.EventProcessExit, Package: pkg, PID: res.PID, ExitCode: &code, Message: res.Message})
	}
	if mon != nil && mon.Fired() {
		o.record(ctx, runID, history.Event{Type: history.EventWatchdog, Package: pkg})
	}
	o.record(ctx, runID, history.Event{Type: history.EventRunEnd, Package: pkg, Message: summary(err, "")})
}

// List prints the installed packages and whether each one is running.
func (o *Orchestrator) List(ctx context.Context) error {
	pkgs, err := o.dev.InstalledPackages(ctx)
	if err != nil {
		return fmt.Errorf("list installed packages: %w", err)
	}
	snap, err := o.dev.RunningProcesses(ctx)
	if err != nil {
		return fmt.Errorf("list running processes: %w", err)
	}
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })

	tw := tabwriter.NewWriter(o.opts.Out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tFAMILY\tVERSION\tRUNNING\tFULL NAME")
	for _, p := range pkgs {
		running := "-"
		if proc, ok := snap.Find(p.FullName); ok {
			running = "no"
			if proc.IsRunning {
				running = fmt.Sprintf("yes (%d)", proc.ProcessID)
			}
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.Name, p.FamilyName, p.Version, running, p.FullName)
	}
	return tw.Flush()
}

func (o *Orchestrator) transport(path string) stream.Transport {
	if o.opts.Transport != nil {
		return o.opts.Transport(path)
	}
	return stream.NewConn(func(ctx context.Context) (*websocket.Conn, error) {
		return o.dev.DialStream(ctx, path)
	}, o.logger)
}

func (o *Orchestrator) record(ctx context.Context, runID string, e history.Event) {
	if o.opts.History == nil {
		return
	}
	e.RunID = runID
	if e.RunID == "" {
		e.RunID = uuid.NewString()
	}
	e.OccurredAt = o.opts.Clock.Now().UTC()
	if err := o.opts.History.Send(ctx, e); err != nil {
		o.logger.Warn("history sink failed", "event", e.Type, "error", err)
	}
}

func summary(err error, ok string) string {
	var exit *ExitError
	switch {
	case err == nil:
		return ok
	case errors.As(err, &exit):
		return fmt.Sprintf("exit %d", exit.Code)
	}
	return err.Error()
}
