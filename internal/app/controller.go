// Package app drives the installed-application lifecycle on a device:
// lookup, start, stop, uninstall and deploy.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/loykin/portalctl/internal/metrics"
	"github.com/loykin/portalctl/pkg/client"
)

const (
	DefaultPollInterval = 250 * time.Millisecond
	DefaultPollTimeout  = 30 * time.Second

	// lookupCacheTTL bounds how long a cached lookup may reuse the last package list.
	lookupCacheTTL = time.Second
)

// Device is the subset of the device client the controller needs.
type Device interface {
	InstalledPackages(ctx context.Context) ([]client.Package, error)
	RunningProcesses(ctx context.Context) (client.ProcessSnapshot, error)
	StartApp(ctx context.Context, relativeID, fullName string) error
	StopApp(ctx context.Context, fullName string) error
	Uninstall(ctx context.Context, fullName string) error
	Install(ctx context.Context, req client.InstallRequest) error
	InstallState(ctx context.Context) (client.InstallState, bool, error)
}

// Options configures a Controller.
type Options struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
	// Out receives the status lines. Defaults to stdout.
	Out    io.Writer
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Controller performs lifecycle operations against one device.
type Controller struct {
	dev    Device
	opts   Options
	clock  clockwork.Clock
	logger *slog.Logger

	mu       sync.Mutex
	cache    []client.Package
	cachedAt time.Time
}

func NewController(dev Device, opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Controller{dev: dev, opts: opts, clock: opts.Clock, logger: opts.Logger}
}

// Lookup returns the single installed package whose raw field key equals value.
// With cached set it may reuse the package list of the previous lookup if it is
// younger than a second.
func (c *Controller) Lookup(ctx context.Context, key, value string, cached bool) (client.Package, bool, error) {
	pkgs, err := c.packages(ctx, cached)
	if err != nil {
		return client.Package{}, false, err
	}
	var (
		match client.Package
		count int
	)
	for _, p := range pkgs {
		if v, ok := p.Field(key); ok && v == value {
			match = p
			count++
		}
	}
	switch {
	case count > 1:
		return client.Package{}, false, &AmbiguousLookupError{Key: key, Value: value, Count: count}
	case count == 0:
		return client.Package{}, false, nil
	}
	return match, true, nil
}

func (c *Controller) packages(ctx context.Context, cached bool) ([]client.Package, error) {
	if cached {
		c.mu.Lock()
		pkgs, at := c.cache, c.cachedAt
		c.mu.Unlock()
		if pkgs != nil && c.clock.Since(at) < lookupCacheTTL {
			return pkgs, nil
		}
	}
	pkgs, err := c.dev.InstalledPackages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list installed packages: %w", err)
	}
	c.mu.Lock()
	c.cache, c.cachedAt = pkgs, c.clock.Now()
	c.mu.Unlock()
	return pkgs, nil
}

// IsInstalled reports whether a package matches key/value.
func (c *Controller) IsInstalled(ctx context.Context, key, value string) (bool, error) {
	_, ok, err := c.Lookup(ctx, key, value, false)
	return ok, err
}

// IsRunning reports whether the matching package has a process with the running flag set.
func (c *Controller) IsRunning(ctx context.Context, key, value string) (bool, error) {
	p, ok, err := c.process(ctx, key, value)
	return ok && p.IsRunning, err
}

// IsActive reports whether the matching package appears in the process list at all.
func (c *Controller) IsActive(ctx context.Context, key, value string) (bool, error) {
	_, ok, err := c.process(ctx, key, value)
	return ok, err
}

// RunningPID returns the process id of the matching package, or zero.
func (c *Controller) RunningPID(ctx context.Context, key, value string) (uint32, error) {
	p, ok, err := c.process(ctx, key, value)
	if !ok {
		return 0, err
	}
	return p.ProcessID, err
}

func (c *Controller) process(ctx context.Context, key, value string) (client.Process, bool, error) {
	rec, ok, err := c.Lookup(ctx, key, value, true)
	if err != nil || !ok {
		return client.Process{}, false, err
	}
	return c.processOf(ctx, rec)
}

func (c *Controller) processOf(ctx context.Context, rec client.Package) (client.Process, bool, error) {
	snap, err := c.dev.RunningProcesses(ctx)
	if err != nil {
		return client.Process{}, false, fmt.Errorf("list running processes: %w", err)
	}
	p, ok := snap.Find(rec.FullName)
	return p, ok, nil
}

// Start launches the matching package, stopping it first when it is active,
// and waits until the device reports it running.
func (c *Controller) Start(ctx context.Context, key, value string) (err error) {
	st := newStatusLine(c.opts.Out, "Starting", value)
	defer c.observe("start", st, c.clock.Now(), &err)

	rec, err := c.require(ctx, key, value)
	if err != nil {
		return err
	}
	if _, active, err := c.processOf(ctx, rec); err != nil {
		return err
	} else if active {
		st.note("stopping running instance")
		if err := c.stop(ctx, rec); err != nil {
			return err
		}
	}
	c.logger.Info("starting app", "package", rec.FullName)
	if err := c.dev.StartApp(ctx, rec.RelativeID, rec.FullName); err != nil {
		return fmt.Errorf("start %s: %w", rec.FullName, err)
	}
	return c.poll(ctx, "app to run", func(ctx context.Context) (bool, error) {
		p, ok, err := c.processOf(ctx, rec)
		return ok && p.IsRunning, err
	})
}

// Stop terminates the matching package. It succeeds without a request when the
// package is not active.
func (c *Controller) Stop(ctx context.Context, key, value string) (err error) {
	st := newStatusLine(c.opts.Out, "Stopping", value)
	defer c.observe("stop", st, c.clock.Now(), &err)

	rec, err := c.require(ctx, key, value)
	if err != nil {
		return err
	}
	return c.stop(ctx, rec)
}

func (c *Controller) stop(ctx context.Context, rec client.Package) error {
	if _, active, err := c.processOf(ctx, rec); err != nil || !active {
		return err
	}
	c.logger.Info("stopping app", "package", rec.FullName)
	if err := c.dev.StopApp(ctx, rec.FullName); err != nil {
		return fmt.Errorf("stop %s: %w", rec.FullName, err)
	}
	return c.poll(ctx, "app to stop", func(ctx context.Context) (bool, error) {
		p, ok, err := c.processOf(ctx, rec)
		return !(ok && p.IsRunning), err
	})
}

// Uninstall removes the matching package and waits until it is no longer listed.
func (c *Controller) Uninstall(ctx context.Context, key, value string) (err error) {
	st := newStatusLine(c.opts.Out, "Uninstalling", value)
	defer c.observe("uninstall", st, c.clock.Now(), &err)

	rec, err := c.require(ctx, key, value)
	if err != nil {
		return err
	}
	return c.uninstall(ctx, key, value, rec)
}

func (c *Controller) uninstall(ctx context.Context, key, value string, rec client.Package) error {
	if !rec.CanUninstall {
		return fmt.Errorf("%s: %w", rec.FullName, ErrNotUninstallable)
	}
	c.logger.Info("uninstalling package", "package", rec.FullName)
	if err := c.dev.Uninstall(ctx, rec.FullName); err != nil {
		return fmt.Errorf("uninstall %s: %w", rec.FullName, err)
	}
	return c.poll(ctx, "package removal", func(ctx context.Context) (bool, error) {
		_, ok, err := c.Lookup(ctx, key, value, false)
		return !ok, err
	})
}

func (c *Controller) require(ctx context.Context, key, value string) (client.Package, error) {
	rec, ok, err := c.Lookup(ctx, key, value, false)
	if err != nil {
		return client.Package{}, err
	}
	if !ok {
		return client.Package{}, fmt.Errorf("%s=%q: %w", key, value, ErrNotInstalled)
	}
	return rec, nil
}

var errPending = errors.New("pending")

// poll evaluates cond every poll interval until it holds, errors or the poll
// timeout elapses.
func (c *Controller) poll(ctx context.Context, what string, cond func(context.Context) (bool, error)) error {
	pctx, cancel := context.WithTimeout(ctx, c.opts.PollTimeout)
	defer cancel()

	b := backoff.WithContext(backoff.NewConstantBackOff(c.opts.PollInterval), pctx)
	err := backoff.Retry(func() error {
		ok, err := cond(pctx)
		if err != nil {
			if pctx.Err() != nil {
				return pctx.Err()
			}
			return backoff.Permanent(err)
		}
		if !ok {
			return errPending
		}
		return nil
	}, b)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errPending)) {
		return fmt.Errorf("waiting for %s: %w", what, ErrTimeout)
	}
	return err
}

func (c *Controller) observe(op string, st *statusLine, start time.Time, errp *error) {
	ok := *errp == nil
	metrics.ObserveAppOperation(op, ok, c.clock.Since(start).Seconds())
	if ok {
		st.done()
		return
	}
	st.fail(*errp)
	c.logger.Error("app operation failed", "op", op, "error", *errp)
}
