package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/loykin/portalctl/internal/app"
	"github.com/loykin/portalctl/internal/orchestrator"
	"github.com/loykin/portalctl/pkg/client"
)

// DefaultKey is the package record field matched when --key is not given.
const DefaultKey = "PackageFamilyName"

// TargetFlags select an installed package by one of its record fields.
type TargetFlags struct {
	Key   string
	Value string
}

func (f TargetFlags) target() orchestrator.Target {
	return orchestrator.Target{Key: f.Key, Value: f.Value}
}

// DeployFlags holds flags for the deploy command.
type DeployFlags struct {
	TargetFlags
	Package      string
	Dependencies []string
	Certificate  string
	Version      string
	Force        bool
}

func addTargetFlags(cmd *cobra.Command, f *TargetFlags, required bool) {
	cmd.Flags().StringVar(&f.Key, "key", DefaultKey, "package record field to match")
	cmd.Flags().StringVar(&f.Value, "value", "", "value of the matched field")
	if required {
		if err := cmd.MarkFlagRequired("value"); err != nil {
			panic(err)
		}
	}
}

// addTraceFlags adds the trace and watchdog flags of run and attach. They are
// bound to config keys when the command runs, since both commands share keys.
func addTraceFlags(cmd *cobra.Command, c *cli) {
	fs := cmd.Flags()
	fs.StringSlice("guids", nil, "trace provider GUIDs to enable")
	fs.StringSlice("channels", nil, "only print events from these provider names")
	fs.StringSlice("log-levels", nil, "only print events at these levels (numbers or names)")
	fs.Bool("no-timestamp", false, "omit event timestamps")
	fs.Duration("delay", 0, "grace period before the first process snapshot is required")
	fs.Bool("stop-on-close", false, "stop once the target is no longer running")
	fs.String("trace-log", "", "mirror printed events to this rotated file")

	cmd.PreRun = func(cmd *cobra.Command, _ []string) {
		bindFlags(c.v, cmd.Flags(), map[string]string{
			"trace.guids":           "guids",
			"trace.channels":        "channels",
			"trace.log_levels":      "log-levels",
			"trace.no_timestamp":    "no-timestamp",
			"monitor.initial_delay": "delay",
			"monitor.stop_on_close": "stop-on-close",
			"trace.mirror_file":     "trace-log",
		})
	}
}

func createDeployCommand(c *cli) *cobra.Command {
	flags := &DeployFlags{}
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Install a package",
		Long: `Upload a package with its dependencies and optional certificate, wait for
the installation to finish and verify the installed version.

An installed version equal to or newer than --version is refused unless
--force is given, in which case it is uninstalled first.

Examples:
  portalctl deploy --value=Contoso.Viewer_8wekyb3d8bbwe --package=viewer.msix --version=1.2.0.0
  portalctl deploy --value=Contoso.Viewer_8wekyb3d8bbwe --package=viewer.msix --version=1.2.0.0 \
    --dependency=vclibs.appx --certificate=viewer.cer --force`,
		RunE: c.runE(func(ctx context.Context) error {
			version, err := client.ParseVersion(flags.Version)
			if err != nil {
				return err
			}
			orch, err := c.orchestrator()
			if err != nil {
				return err
			}
			return orch.Deploy(ctx, app.DeployRequest{
				Key:          flags.Key,
				Value:        flags.Value,
				Version:      version,
				Package:      flags.Package,
				Dependencies: flags.Dependencies,
				Certificate:  flags.Certificate,
				Force:        flags.Force,
			})
		}),
	}
	addTargetFlags(cmd, &flags.TargetFlags, true)
	cmd.Flags().StringVar(&flags.Package, "package", "", "package file (required)")
	cmd.Flags().StringArrayVar(&flags.Dependencies, "dependency", nil, "dependency package file, repeatable")
	cmd.Flags().StringVar(&flags.Certificate, "certificate", "", "signing certificate file")
	cmd.Flags().StringVar(&flags.Version, "version", "", "version being installed, e.g. 1.2.0.0 (required)")
	cmd.Flags().BoolVar(&flags.Force, "force", false, "uninstall an equal or newer installed version first")
	for _, name := range []string{"package", "version"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}
	return cmd
}

func createUninstallCommand(c *cli) *cobra.Command {
	flags := &TargetFlags{}
	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove an installed package",
		RunE: c.runE(func(ctx context.Context) error {
			orch, err := c.orchestrator()
			if err != nil {
				return err
			}
			return orch.Uninstall(ctx, flags.target())
		}),
	}
	addTargetFlags(cmd, flags, true)
	return cmd
}

func createRunCommand(c *cli) *cobra.Command {
	flags := &TargetFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Restart an app and trace it until it exits",
		Long: `Stop the app if it is active, open the trace session, start the app and
follow its process. The command exits with the app's exit code when the device
reports it, and with 0 when the app goes silent.

Examples:
  portalctl run --value=Contoso.Viewer_8wekyb3d8bbwe
  portalctl run --value=Contoso.Viewer_8wekyb3d8bbwe --log-levels=error,warning --stop-on-close`,
		RunE: c.runE(func(ctx context.Context) error {
			orch, err := c.orchestrator()
			if err != nil {
				return err
			}
			return orch.Run(ctx, flags.target())
		}),
	}
	addTargetFlags(cmd, flags, true)
	addTraceFlags(cmd, c)
	return cmd
}

func createAttachCommand(c *cli) *cobra.Command {
	flags := &TargetFlags{}
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Trace the device, following a running app when one is given",
		Long: `Open the trace session without starting anything. With --value the app's
running process is followed like in run; without it events are printed until
interrupted.

Examples:
  portalctl attach --guids={9bd3ba0d-5cf3-4a8c-8d14-0b06d2a1c4f3}
  portalctl attach --value=Contoso.Viewer_8wekyb3d8bbwe`,
		RunE: c.runE(func(ctx context.Context) error {
			orch, err := c.orchestrator()
			if err != nil {
				return err
			}
			return orch.Attach(ctx, flags.target(), nil)
		}),
	}
	addTargetFlags(cmd, flags, false)
	addTraceFlags(cmd, c)
	return cmd
}

func createStartCommand(c *cli) *cobra.Command {
	flags := &TargetFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start an app, restarting it when it is already active",
		RunE: c.runE(func(ctx context.Context) error {
			orch, err := c.orchestrator()
			if err != nil {
				return err
			}
			return orch.Start(ctx, flags.target())
		}),
	}
	addTargetFlags(cmd, flags, true)
	return cmd
}

func createStopCommand(c *cli) *cobra.Command {
	flags := &TargetFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop an app",
		RunE: c.runE(func(ctx context.Context) error {
			orch, err := c.orchestrator()
			if err != nil {
				return err
			}
			return orch.Stop(ctx, flags.target())
		}),
	}
	addTargetFlags(cmd, flags, true)
	return cmd
}

func createListCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed packages and their processes",
		RunE: c.runE(func(ctx context.Context) error {
			orch, err := c.orchestrator()
			if err != nil {
				return err
			}
			return orch.List(ctx)
		}),
	}
}
