package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/config"
)

// DefaultConfigPath is where init writes unless --output is given.
const DefaultConfigPath = "/etc/infinibay/installer.yaml"

// wizardAnswers holds the form values as typed; numeric fields are parsed
// when applied.
type wizardAnswers struct {
	InstallDir   string
	DBUser       string
	DBName       string
	DBPassword   string
	HostIP       string
	NetworkName  string
	BackendPort  string
	FrontendPort string
	SkipVirtio   bool
}

func answersFrom(cfg *config.Installation) *wizardAnswers {
	return &wizardAnswers{
		InstallDir:   cfg.InstallDir,
		DBUser:       cfg.DBUser,
		DBName:       cfg.DBName,
		DBPassword:   cfg.DBPassword,
		HostIP:       cfg.HostIP,
		NetworkName:  cfg.NetworkName,
		BackendPort:  strconv.Itoa(cfg.BackendPort),
		FrontendPort: strconv.Itoa(cfg.FrontendPort),
		SkipVirtio:   cfg.SkipVirtio,
	}
}

// apply copies the answers onto cfg.
func (a *wizardAnswers) apply(cfg *config.Installation) error {
	backend, err := parsePort(a.BackendPort)
	if err != nil {
		return fmt.Errorf("backend port: %w", err)
	}
	frontend, err := parsePort(a.FrontendPort)
	if err != nil {
		return fmt.Errorf("frontend port: %w", err)
	}

	cfg.InstallDir = strings.TrimSpace(a.InstallDir)
	cfg.DBUser = strings.TrimSpace(a.DBUser)
	cfg.DBName = strings.TrimSpace(a.DBName)
	cfg.DBPassword = a.DBPassword
	cfg.HostIP = strings.TrimSpace(a.HostIP)
	cfg.NetworkName = strings.TrimSpace(a.NetworkName)
	cfg.BackendPort = backend
	cfg.FrontendPort = frontend
	cfg.SkipVirtio = a.SkipVirtio
	return nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("%d is outside 1-65535", port)
	}
	return port, nil
}

func validatePort(s string) error {
	_, err := parsePort(s)
	return err
}

func validateRequired(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("required")
	}
	return nil
}

type initOptions struct {
	Output string
	Force  bool
}

var wizardRunner = runWizard

func newInitCmd(root *rootFlags) *cobra.Command {
	opts := initOptions{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create an installer configuration file interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if root.configPath != "" {
				if err := config.LoadFile(root.configPath, cfg); err != nil {
					return newCommandError("load configuration", root.configPath, err, "Fix or remove the existing file")
				}
			}

			answers := answersFrom(cfg)
			if err := wizardRunner(cmd.Context(), answers); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					return newCommandError("create configuration", "wizard cancelled", err, "Run 'infinibay-installer init' again")
				}
				return err
			}
			return writeConfig(cmd, opts, cfg, answers)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", DefaultConfigPath, "Where to write the configuration")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "Overwrite an existing file")

	return cmd
}

func writeConfig(cmd *cobra.Command, opts initOptions, cfg *config.Installation, answers *wizardAnswers) error {
	if err := answers.apply(cfg); err != nil {
		return newCommandError("create configuration", "invalid answer", err, "Run the wizard again")
	}
	if cfg.DBPassword == "" {
		pw, err := config.GeneratePassword(config.PasswordLength)
		if err != nil {
			return err
		}
		cfg.DBPassword = pw
	}
	if err := config.Validate(withPlaceholderIP(cfg)); err != nil {
		return newCommandError("create configuration", "invalid settings", err, "Run the wizard again")
	}
	if !opts.Force && fileExists(opts.Output) {
		return newCommandError("write configuration", opts.Output, errors.New("file already exists"), "Pass --force to overwrite it")
	}
	if err := config.SaveFile(opts.Output, cfg); err != nil {
		return newCommandError("write configuration", opts.Output, err, "Check the directory permissions or pick another --output")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\nRun: sudo infinibay-installer --config %s\n", opts.Output, opts.Output)
	return nil
}

// withPlaceholderIP validates a copy where an empty host IP, which the
// installer detects at run time, does not fail the required rule.
func withPlaceholderIP(cfg *config.Installation) *config.Installation {
	c := *cfg
	if c.HostIP == "" {
		c.HostIP = config.FallbackHostIP
	}
	return &c
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func runWizard(ctx context.Context, a *wizardAnswers) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Installation directory").
				Description("Where the projects are cloned and built").
				Value(&a.InstallDir).
				Validate(validateRequired),
			huh.NewInput().
				Title("Host IP").
				Description("Address browsers use to reach Infinibay. Leave empty to detect it at install time.").
				Placeholder("auto").
				Value(&a.HostIP),
		).Title("Installation"),
		huh.NewGroup(
			huh.NewInput().
				Title("Database user").
				Value(&a.DBUser).
				Validate(validateRequired),
			huh.NewInput().
				Title("Database name").
				Value(&a.DBName).
				Validate(validateRequired),
			huh.NewInput().
				Title("Database password").
				Description("Leave empty to generate one").
				EchoMode(huh.EchoModePassword).
				Value(&a.DBPassword),
		).Title("PostgreSQL"),
		huh.NewGroup(
			huh.NewInput().
				Title("libvirt network").
				Value(&a.NetworkName).
				Validate(validateRequired),
			huh.NewInput().
				Title("Backend port").
				Value(&a.BackendPort).
				Validate(validatePort),
			huh.NewInput().
				Title("Frontend port").
				Value(&a.FrontendPort).
				Validate(validatePort),
			huh.NewConfirm().
				Title("Skip the VirtIO driver ISO?").
				Description("Windows guests need it; it can be added later").
				Value(&a.SkipVirtio),
		).Title("Services"),
	).RunWithContext(ctx)
}
