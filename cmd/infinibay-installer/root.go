package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/config"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/executor"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/hostinfo"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/logger"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/metrics"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/orchestrator"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/phases"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/recovery"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/tui"
)

type rootFlags struct {
	verbose    bool
	dryRun     bool
	configPath string
	osRelease  string
}

type installOptions struct {
	Config  *config.Installation
	Rebuild bool
}

var installCmdRunner = runInstall

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cfg := config.Default()
	opts := installOptions{Config: cfg}

	cmd := &cobra.Command{
		Use:   "infinibay-installer",
		Short: "Install Infinibay and its dependencies on this host",
		Long: `Installs system packages, prepares PostgreSQL and libvirt, builds the
Infinibay projects and starts the backend and frontend services.

Every step checks the host first, so re-running after a failure or an
interrupt continues where the previous run stopped.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, flags, cfg); err != nil {
				return err
			}
			cfg.DryRun = flags.dryRun
			cfg.Verbose = flags.verbose
			return installCmdRunner(cmd.Context(), cmd, flags, opts)
		},
	}

	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable verbose logging")
	cmd.PersistentFlags().BoolVar(&flags.dryRun, "dry-run", false, "Preview execution without making changes")
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to a YAML configuration file; flags override it")
	cmd.PersistentFlags().StringVar(&flags.osRelease, "os-release", hostinfo.DefaultPath, "os-release file used for OS detection")
	cmd.PersistentFlags().MarkHidden("os-release") //nolint:errcheck

	bindInstallationFlags(cmd.PersistentFlags(), cfg)
	cmd.Flags().BoolVar(&opts.Rebuild, "rebuild", false, "Run install and compile steps even for up-to-date projects")

	cmd.AddCommand(newVerifyCmd(flags, cfg))
	cmd.AddCommand(newInitCmd(flags))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindInstallationFlags(fs *pflag.FlagSet, cfg *config.Installation) {
	fs.StringVar(&cfg.InstallDir, "install-dir", cfg.InstallDir, "Installation directory")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Data directory for ISOs, disks and sockets (defaults to the install dir)")
	fs.StringVar(&cfg.DBHost, "db-host", cfg.DBHost, "PostgreSQL host")
	fs.IntVar(&cfg.DBPort, "db-port", cfg.DBPort, "PostgreSQL port")
	fs.StringVar(&cfg.DBUser, "db-user", cfg.DBUser, "PostgreSQL role for the backend")
	fs.StringVar(&cfg.DBPassword, "db-password", cfg.DBPassword, "PostgreSQL password (generated when empty)")
	fs.StringVar(&cfg.DBName, "db-name", cfg.DBName, "PostgreSQL database name")
	fs.StringVar(&cfg.HostIP, "host-ip", cfg.HostIP, "IP address advertised to browsers (detected when empty)")
	fs.StringVar(&cfg.NetworkName, "network-name", cfg.NetworkName, "libvirt network for virtual machines")
	fs.StringVar(&cfg.BridgeName, "bridge-name", cfg.BridgeName, "Bridge interface for virtual machines")
	fs.IntVar(&cfg.BackendPort, "backend-port", cfg.BackendPort, "Backend API port")
	fs.IntVar(&cfg.FrontendPort, "frontend-port", cfg.FrontendPort, "Frontend web port")
	fs.BoolVar(&cfg.UseLocalRepos, "use-local-repos", cfg.UseLocalRepos, "Build from existing checkouts instead of cloning")
	fs.StringVar(&cfg.LocalReposDir, "local-repos-dir", cfg.LocalReposDir, "Directory holding the local checkouts")
	fs.BoolVar(&cfg.SkipVirtio, "skip-virtio", cfg.SkipVirtio, "Do not download the VirtIO driver ISO")
	fs.StringVar(&cfg.MetricsFile, "metrics-file", cfg.MetricsFile, "Write Prometheus textfile metrics to this path")
	fs.BoolVar(&cfg.NonInteractive, "non-interactive", cfg.NonInteractive, "Fail instead of waiting for manual intervention")
}

// loadConfig overlays the config file onto cfg while keeping any value set
// explicitly on the command line.
func loadConfig(cmd *cobra.Command, flags *rootFlags, cfg *config.Installation) error {
	if flags.configPath == "" {
		return nil
	}

	explicit := map[string]string{}
	cmd.Flags().Visit(func(f *pflag.Flag) { explicit[f.Name] = f.Value.String() })

	if err := config.LoadFile(flags.configPath, cfg); err != nil {
		return newCommandError("load configuration", flags.configPath, err, "Check the file against 'infinibay-installer init' output")
	}
	for name, value := range explicit {
		if err := cmd.Flags().Set(name, value); err != nil {
			return fmt.Errorf("reapply --%s: %w", name, err)
		}
	}
	return nil
}

// prepare detects the host and resolves generated values. It is shared by
// the install and verify commands.
func prepare(ctx context.Context, flags *rootFlags, cfg *config.Installation, stderr io.Writer) (context.Context, *logger.Logger, error) {
	log, err := logger.New(logger.Options{Level: logger.LevelFor(flags.verbose), AutoDetect: true, Writer: stderr})
	if err != nil {
		return ctx, nil, err
	}
	log, _ = log.WithRunID()
	ctx = logger.WithContext(ctx, log)

	info, err := hostinfo.Detect(flags.osRelease)
	if err != nil {
		return ctx, log, newCommandError("detect operating system", flags.osRelease, err, "Run on Ubuntu 23.10+ or Fedora 37+")
	}
	if !info.Supported() {
		return ctx, log, newCommandError("check operating system", info.String(),
			fmt.Errorf("minimum supported version is %s", info.MinimumVersion()),
			"Run on Ubuntu 23.10+ or Fedora 37+")
	}
	cfg.OS = info

	if err := config.Resolve(ctx, cfg, nil); err != nil {
		return ctx, log, newCommandError("validate configuration", "invalid settings", err, "Fix the flags or config file values listed above")
	}

	log.WithFields(cfg.Masked()).With("os", info.String()).Debug("resolved configuration")
	return ctx, log, nil
}

func runInstall(ctx context.Context, cmd *cobra.Command, flags *rootFlags, opts installOptions) error {
	cfg := opts.Config
	ctx, log, err := prepare(ctx, flags, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if !cfg.DryRun && os.Geteuid() != 0 {
		return newCommandError("start installation", "not running as root", fmt.Errorf("euid %d", os.Geteuid()),
			"Run with sudo, or pass --dry-run to preview")
	}

	printer := tui.NewPrinter(cmd.OutOrStdout())
	printer.Info(fmt.Sprintf("Installing Infinibay on %s into %s", cfg.OS, cfg.InstallDir))

	recorder := metrics.New()
	deps := &phases.Deps{
		Config:    cfg,
		Exec:      executor.New(log),
		Recovery:  recorder.InstrumentChannel(recovery.Select(cfg.NonInteractive, os.Stdin, os.Stdout)),
		Printer:   printer,
		Observers: []resource.Observer{recorder},
		Nodes:     recorder,
		Rebuild:   opts.Rebuild,
	}
	orch := orchestrator.New(phases.New(deps),
		orchestrator.WithPrinter(printer),
		orchestrator.WithObserver(recorder),
		orchestrator.WithDryRun(cfg.DryRun),
	)

	runErr := orch.Run(ctx)
	if cfg.MetricsFile != "" && !cfg.DryRun {
		if err := recorder.WriteTextfile(cfg.MetricsFile); err != nil {
			log.Warn(fmt.Sprintf("could not write metrics to %s: %v", cfg.MetricsFile, err))
		}
	}
	if runErr != nil {
		log.WithFields(map[string]any{"state": string(orch.State()), "phase": orch.Current()}).Error(runErr, "installation stopped")
	}
	return runErr
}
