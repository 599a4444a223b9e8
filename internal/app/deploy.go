package app

import (
	"context"
	"fmt"

	"github.com/loykin/portalctl/pkg/client"
)

// DeployRequest describes a package deployment. Key and Value identify the
// package once installed, e.g. PackageFamilyName and its value.
type DeployRequest struct {
	Key          string
	Value        string
	Version      client.Version
	Package      string
	Dependencies []string
	Certificate  string
	// Force uninstalls an equal or newer installed version instead of refusing.
	Force bool
}

// Deploy uploads and installs a package, then verifies the installed version.
// An installed version equal to or newer than the requested one is refused with
// a VersionConflictError before anything is uploaded, unless Force is set.
func (c *Controller) Deploy(ctx context.Context, req DeployRequest) (err error) {
	st := newStatusLine(c.opts.Out, "Deploying", req.Value)
	defer c.observe("deploy", st, c.clock.Now(), &err)

	rec, installed, err := c.Lookup(ctx, req.Key, req.Value, false)
	if err != nil {
		return err
	}
	if installed && rec.Version.Compare(req.Version) >= 0 {
		if !req.Force {
			return &VersionConflictError{Installed: rec.Version, Requested: req.Version}
		}
		st.note("removing " + rec.Version.String())
		if err := c.uninstall(ctx, req.Key, req.Value, rec); err != nil {
			return err
		}
	}

	c.logger.Info("uploading package", "package", req.Package, "dependencies", len(req.Dependencies), "version", req.Version.String())
	err = c.dev.Install(ctx, client.InstallRequest{
		Package:      req.Package,
		Dependencies: req.Dependencies,
		Certificate:  req.Certificate,
		Progress:     st.progress,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", req.Package, err)
	}

	st.note("installing")
	var state client.InstallState
	err = c.poll(ctx, "installation", func(ctx context.Context) (bool, error) {
		s, done, err := c.dev.InstallState(ctx)
		state = s
		return done, err
	})
	if err != nil {
		return err
	}
	if !state.Success {
		return &InstallError{Code: state.Code, CodeText: state.CodeText, Reason: state.Reason}
	}

	after, ok, err := c.Lookup(ctx, req.Key, req.Value, false)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s=%q after install: %w", req.Key, req.Value, ErrNotInstalled)
	}
	if after.Version.Compare(req.Version) != 0 {
		return fmt.Errorf("%w: installed %s, requested %s", ErrVersionMismatch, after.Version, req.Version)
	}
	c.logger.Info("package deployed", "package", after.FullName, "version", after.Version.String())
	return nil
}
