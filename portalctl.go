// Package portalctl drives apps on a device through its management portal:
// deploy, start and stop them, and trace a run until the app exits.
package portalctl

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/portalctl/internal/app"
	"github.com/loykin/portalctl/internal/history"
	"github.com/loykin/portalctl/internal/history/factory"
	"github.com/loykin/portalctl/internal/metrics"
	"github.com/loykin/portalctl/internal/orchestrator"
	"github.com/loykin/portalctl/pkg/client"
)

// Re-export core types for external consumers.

type ClientConfig = client.Config

type Target = orchestrator.Target

type DeployRequest = app.DeployRequest

type TraceOptions = orchestrator.TraceOptions

type MonitorOptions = orchestrator.MonitorOptions

type ExitError = orchestrator.ExitError

type Version = client.Version

type HistorySink = history.Sink

type HistoryEvent = history.Event

var (
	ErrTraceNotStarted = orchestrator.ErrTraceNotStarted
	ErrNotInstalled    = app.ErrNotInstalled
)

func ParseVersion(s string) (Version, error) { return client.ParseVersion(s) }

// Options configures a Runner. Zero durations take the package defaults.
type Options struct {
	Trace   TraceOptions
	Monitor MonitorOptions

	PollInterval time.Duration
	PollTimeout  time.Duration

	// Out receives progress lines, trace events and listings.
	Out     io.Writer
	History HistorySink
	Logger  *slog.Logger
}

// Runner is a thin facade over the app controller and run orchestrator of one device.
type Runner struct {
	inner *orchestrator.Orchestrator
}

// New returns a Runner for the device in cc. It fails when the TLS files in
// cc cannot be loaded.
func New(cc ClientConfig, opts Options) (*Runner, error) {
	if _, err := cc.TLSConfig(); err != nil {
		return nil, err
	}
	cl := client.New(cc)
	apps := app.NewController(cl, app.Options{
		PollInterval: opts.PollInterval,
		PollTimeout:  opts.PollTimeout,
		Out:          opts.Out,
		Logger:       opts.Logger,
	})
	return &Runner{inner: orchestrator.New(cl, apps, orchestrator.Options{
		Trace:   opts.Trace,
		Monitor: opts.Monitor,
		Out:     opts.Out,
		History: opts.History,
		Logger:  opts.Logger,
	})}, nil
}

func (r *Runner) Deploy(ctx context.Context, req DeployRequest) error {
	return r.inner.Deploy(ctx, req)
}
func (r *Runner) Uninstall(ctx context.Context, t Target) error { return r.inner.Uninstall(ctx, t) }
func (r *Runner) Start(ctx context.Context, t Target) error     { return r.inner.Start(ctx, t) }
func (r *Runner) Stop(ctx context.Context, t Target) error      { return r.inner.Stop(ctx, t) }
func (r *Runner) Run(ctx context.Context, t Target) error       { return r.inner.Run(ctx, t) }
func (r *Runner) List(ctx context.Context) error                { return r.inner.List(ctx) }

// Attach traces the device, following t's running process when t is set.
func (r *Runner) Attach(ctx context.Context, t Target) error { return r.inner.Attach(ctx, t, nil) }

// NewHistorySinks opens one sink per DSN. See the factory package for the
// supported schemes.
func NewHistorySinks(dsns []string) (HistorySink, func() error, error) {
	return factory.NewSinks(dsns)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
