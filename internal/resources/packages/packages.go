// Package packages installs distribution packages through apt or dnf.
package packages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/executor"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/hostinfo"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/logger"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

const (
	installTimeout = 30 * time.Minute
	refreshTimeout = 5 * time.Minute
	queryTimeout   = 30 * time.Second
)

// Ubuntu and Fedora package sets.
var (
	Ubuntu = []string{
		"nodejs", "npm",
		"postgresql", "postgresql-contrib",
		"qemu-kvm", "libvirt-daemon-system", "libvirt-clients", "bridge-utils", "virtinst", "virt-manager", "cpu-checker",
		"rustc", "cargo", "build-essential", "pkg-config", "libvirt-dev", "libssl-dev",
		"btrfs-progs",
	}
	Fedora = []string{
		"nodejs", "npm",
		"postgresql", "postgresql-server",
		"qemu-kvm", "libvirt", "libvirt-client", "bridge-utils", "virt-install", "virt-manager",
		"rust", "cargo", "gcc", "gcc-c++", "make", "pkg-config", "libvirt-devel", "openssl-devel",
		"btrfs-progs",
	}
)

// For returns the package set for the detected family.
func For(family hostinfo.Family) ([]string, error) {
	switch family {
	case hostinfo.Ubuntu:
		return Ubuntu, nil
	case hostinfo.Fedora:
		return Fedora, nil
	default:
		return nil, fmt.Errorf("no package set for %s", family)
	}
}

// Set is a group of packages that must all be installed.
type Set struct {
	Manager  string
	Packages []string
	Exec     executor.Executor
}

var (
	_ resource.Resource  = (*Set)(nil)
	_ resource.Describer = (*Set)(nil)
	_ resource.Hinter    = (*Set)(nil)
)

func (s *Set) Name() string { return "packages" }

func (s *Set) Describe() string {
	return fmt.Sprintf("install packages with %s: %s", s.Manager, strings.Join(s.Packages, " "))
}

func (s *Set) Hints() []string {
	return []string{executor.FormatCommand(s.installArgv(s.Packages))}
}

func (s *Set) Probe(ctx context.Context) (resource.Evaluation, error) {
	missing, err := s.Missing(ctx)
	if err != nil {
		return resource.Evaluation{}, err
	}
	if len(missing) == 0 {
		return resource.Evaluation{State: resource.PresentCorrect, Message: fmt.Sprintf("%d packages installed", len(s.Packages))}, nil
	}
	return resource.Evaluation{
		State:   resource.Missing,
		Message: "not installed: " + strings.Join(missing, ", "),
		Diff:    "install " + strings.Join(missing, " "),
	}, nil
}

// Missing queries the package database for each package.
func (s *Set) Missing(ctx context.Context) ([]string, error) {
	var missing []string
	for _, name := range s.Packages {
		ok, err := s.installed(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

func (s *Set) installed(ctx context.Context, name string) (bool, error) {
	var argv []string
	switch s.Manager {
	case "apt":
		argv = []string{"dpkg-query", "-W", "-f=${Status}", name}
	case "dnf":
		argv = []string{"rpm", "-q", name}
	default:
		return false, fmt.Errorf("unsupported package manager %q", s.Manager)
	}
	res, err := s.Exec.Execute(ctx, argv, executor.Options{CaptureOutput: true, Timeout: queryTimeout})
	if err != nil {
		return false, err
	}
	if !res.Success {
		return false, nil
	}
	if s.Manager == "apt" {
		return strings.Contains(res.Stdout, "install ok installed"), nil
	}
	return true, nil
}

func (s *Set) Create(ctx context.Context) error {
	missing, err := s.Missing(ctx)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}

	logger.FromContext(ctx).With("packages", strings.Join(missing, " ")).Info(fmt.Sprintf("installing %d packages", len(missing)))
	argv := s.installArgv(missing)
	res, err := s.Exec.Execute(ctx, argv, executor.Options{
		Timeout: installTimeout,
		Env:     map[string]string{"DEBIAN_FRONTEND": "noninteractive"},
	})
	if err := executor.Check(res, err); err != nil {
		return classifyInstall(executor.FormatCommand(argv), res, err)
	}
	return nil
}

func (s *Set) Update(ctx context.Context) error { return s.Create(ctx) }

func (s *Set) installArgv(pkgs []string) []string {
	if s.Manager == "dnf" {
		return append([]string{"dnf", "install", "-y"}, pkgs...)
	}
	return append([]string{"apt-get", "install", "-y"}, pkgs...)
}

// Refresh updates the package index. dnf check-update exits 100 when updates
// are available, which is not a failure.
func Refresh(ctx context.Context, exec executor.Executor, manager string) error {
	argv := []string{"apt-get", "update"}
	if manager == "dnf" {
		argv = []string{"dnf", "check-update"}
	}
	res, err := exec.Execute(ctx, argv, executor.Options{Timeout: refreshTimeout, CaptureOutput: true})
	if err != nil {
		return err
	}
	if res.Success || (manager == "dnf" && res.ExitCode == 100) {
		return nil
	}
	return apperrors.NewTransientError(executor.FormatCommand(argv), &executor.ExitError{Result: res})
}

func classifyInstall(command string, res executor.Result, err error) error {
	out := res.PrimaryOutput()
	switch {
	case strings.Contains(out, "Unable to locate package"), strings.Contains(out, "No match for argument"):
		return apperrors.NewFatalError(command, err, "a required package is not available in the configured repositories",
			"apt-cache policy <package>  # or: dnf info <package>")
	case strings.Contains(out, "Could not get lock"), strings.Contains(out, "Temporary failure"),
		strings.Contains(out, "Failed to download"), strings.Contains(out, "Cannot download"):
		return apperrors.NewTransientError(command, err)
	}
	if _, ok := err.(*executor.ExitError); ok {
		return apperrors.NewTransientError(command, err)
	}
	return err
}
