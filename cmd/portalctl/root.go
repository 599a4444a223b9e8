package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/loykin/portalctl/internal/app"
	"github.com/loykin/portalctl/internal/config"
	"github.com/loykin/portalctl/internal/history"
	"github.com/loykin/portalctl/internal/history/factory"
	"github.com/loykin/portalctl/internal/logger"
	"github.com/loykin/portalctl/internal/metrics"
	"github.com/loykin/portalctl/internal/orchestrator"
	"github.com/loykin/portalctl/internal/trace"
	"github.com/loykin/portalctl/pkg/client"
)

// cli carries what every command needs once configuration is loaded.
type cli struct {
	v          *viper.Viper
	configPath string
	stdout     io.Writer

	cfg     *config.Config
	logger  *slog.Logger
	client  *client.Client
	apps    *app.Controller
	history history.Sink
	closers []func() error
}

// buildRoot creates the root command and binds the persistent flags to config keys.
func buildRoot(stdout io.Writer) *cobra.Command {
	c := &cli{v: config.New(), stdout: stdout}

	root := &cobra.Command{
		Use:   "portalctl",
		Short: "Deploy, run and trace apps on a device portal",
		Long: `portalctl deploys packages to a device through its management portal,
starts and stops them, and streams the device event trace while watching the
app's process until it exits.

Examples:
  portalctl deploy --value=Contoso.Viewer_8wekyb3d8bbwe --package=viewer.msix --version=1.2.0.0
  portalctl run --value=Contoso.Viewer_8wekyb3d8bbwe --stop-on-close
  portalctl attach --guids={9bd3ba0d-5cf3-4a8c-8d14-0b06d2a1c4f3}
  portalctl list --url=https://10.0.0.5:11443`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "", "path to a TOML or YAML config file (optional)")
	pf.String("url", "", "device portal URL")
	pf.Duration("timeout", 0, "request timeout")
	pf.Bool("insecure", true, "skip TLS certificate verification")
	pf.String("user", "", "portal user name")
	pf.String("password", "", "portal password")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-file", "", "write JSON logs to this rotated file instead of stderr")
	pf.StringSlice("history", nil, "history sink DSN, repeatable (sqlite://, postgres://, clickhouse://, opensearch://)")
	pf.String("metrics-addr", "", "serve Prometheus metrics on this address")
	bindFlags(c.v, pf, map[string]string{
		"device.url":      "url",
		"device.timeout":  "timeout",
		"device.insecure": "insecure",
		"device.user":     "user",
		"device.password": "password",
		"log.level":       "log-level",
		"log.file":        "log-file",
		"history.dsn":     "history",
		"metrics.addr":    "metrics-addr",
	})

	root.AddCommand(
		createDeployCommand(c),
		createUninstallCommand(c),
		createRunCommand(c),
		createAttachCommand(c),
		createStartCommand(c),
		createStopCommand(c),
		createListCommand(c),
	)
	return root
}

// bindFlags binds config keys to flags so that a flag set on the command line
// overrides the file and environment.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			panic(err) // flag names are static
		}
	}
}

// setup loads the configuration and builds the logger, history sinks, metrics
// server and device client.
func (c *cli) setup(ctx context.Context) error {
	cfg, err := config.Load(c.v, c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg

	log, closer, err := logger.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	c.logger = log
	c.closers = append(c.closers, closer.Close)
	slog.SetDefault(log)

	if len(cfg.History.DSNs) > 0 {
		sinks, closeSinks, err := factory.NewSinks(cfg.History.DSNs)
		if err != nil {
			return fmt.Errorf("open history sinks: %w", err)
		}
		c.history = sinks
		c.closers = append(c.closers, closeSinks)
	}

	if cfg.Metrics.Addr != "" {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
		c.closers = append(c.closers, func() error {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		})
	}

	cc, err := clientConfig(cfg.Device, log)
	if err != nil {
		return err
	}
	c.client = client.New(cc)
	c.apps = app.NewController(c.client, app.Options{
		PollInterval: cfg.Poll.Interval,
		PollTimeout:  cfg.Poll.Timeout,
		Out:          c.stdout,
		Logger:       log,
	})
	return nil
}

// orchestrator builds the run orchestrator. Printed trace lines are mirrored
// to the rotated trace log when one is configured.
func (c *cli) orchestrator() (*orchestrator.Orchestrator, error) {
	levels := make([]int, 0, len(c.cfg.Trace.LogLevels))
	for _, s := range c.cfg.Trace.LogLevels {
		l, err := trace.ParseLevel(s)
		if err != nil {
			return nil, err
		}
		levels = append(levels, l)
	}

	out := c.stdout
	if c.cfg.Trace.MirrorFile != "" {
		mirror := c.cfg.Log.Rotating(c.cfg.Trace.MirrorFile)
		c.closers = append(c.closers, mirror.Close)
		out = io.MultiWriter(c.stdout, mirror)
	}

	return orchestrator.New(c.client, c.apps, orchestrator.Options{
		Trace: orchestrator.TraceOptions{
			Providers:           c.cfg.Trace.GUIDs,
			Levels:              levels,
			Channels:            c.cfg.Trace.Channels,
			NoTimestamp:         c.cfg.Trace.NoTimestamp,
			OpenTimeout:         c.cfg.Trace.OpenTimeout,
			ProcessStartTimeout: c.cfg.Trace.ProcessStartTimeout,
		},
		Monitor: orchestrator.MonitorOptions{
			InitialDelay: c.cfg.Monitor.InitialDelay,
			SteadyDelay:  c.cfg.Monitor.SteadyDelay,
			StopOnClose:  c.cfg.Monitor.StopOnClose,
		},
		Out:     out,
		History: c.history,
		Logger:  c.logger,
	}), nil
}

// runE wraps a command body with setup and cleanup.
func (c *cli) runE(fn func(ctx context.Context) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) (err error) {
		ctx := cmd.Context()
		defer func() {
			if cerr := c.close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		if err := c.setup(ctx); err != nil {
			return err
		}
		return fn(ctx)
	}
}

// close releases everything setup opened, last opened first.
func (c *cli) close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// clientConfig maps device settings onto the portal client. A configured CA
// certificate turns verification back on even though insecure defaults to true.
func clientConfig(d config.DeviceConfig, log *slog.Logger) (client.Config, error) {
	insecure := d.Insecure && d.CACert == ""
	cc := client.Config{
		BaseURL:  d.URL,
		Timeout:  d.Timeout,
		Username: d.Username,
		Password: d.Password,
		Insecure: insecure,
		Logger:   log,
	}
	if d.CACert != "" || d.CertFile != "" || d.KeyFile != "" {
		cc.TLS = &client.TLSClientConfig{
			Enabled:    true,
			CACert:     d.CACert,
			ClientCert: d.CertFile,
			ClientKey:  d.KeyFile,
		}
	}
	if _, err := cc.TLSConfig(); err != nil {
		return client.Config{}, fmt.Errorf("device TLS: %w", err)
	}
	return cc, nil
}
