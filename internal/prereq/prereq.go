// Package prereq checks the toolchain the later phases rely on.
package prereq

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/blang/semver"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/executor"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/logger"
	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

// MinNodeMajor is the oldest Node.js the projects build with.
const MinNodeMajor = 16

// KVMDevice is the hardware acceleration device node.
const KVMDevice = "/dev/kvm"

const versionTimeout = 10 * time.Second

// Required commands after the Dependencies phase, keyed to the package that
// provides them on each manager.
var Required = map[string]map[string]string{
	"node":               {"apt": "nodejs", "dnf": "nodejs"},
	"npm":                {"apt": "npm", "dnf": "npm"},
	"psql":               {"apt": "postgresql", "dnf": "postgresql"},
	"virsh":              {"apt": "libvirt-clients", "dnf": "libvirt-client"},
	"qemu-system-x86_64": {"apt": "qemu-kvm", "dnf": "qemu-kvm"},
	"rustc":              {"apt": "rustc", "dnf": "rust"},
	"cargo":              {"apt": "cargo", "dnf": "cargo"},
}

// Checker runs the checks. Zero-value fields fall back to the host.
type Checker struct {
	Exec     executor.Executor
	Manager  string
	LookPath func(string) (string, error)
	Stat     func(string) (os.FileInfo, error)
}

func (c *Checker) lookPath(name string) (string, error) {
	if c.LookPath != nil {
		return c.LookPath(name)
	}
	return exec.LookPath(name)
}

func (c *Checker) stat(name string) (os.FileInfo, error) {
	if c.Stat != nil {
		return c.Stat(name)
	}
	return os.Stat(name)
}

// Commands requires every command in Required to be on PATH.
func (c *Checker) Commands(ctx context.Context) error {
	names := make([]string, 0, len(Required))
	for name := range Required {
		names = append(names, name)
	}
	sort.Strings(names)

	var missing, pkgs []string
	for _, name := range names {
		if _, err := c.lookPath(name); err != nil {
			missing = append(missing, name)
			pkgs = append(pkgs, Required[name][c.Manager])
			continue
		}
		logger.FromContext(ctx).Debug("found " + name)
	}
	if len(missing) == 0 {
		return nil
	}

	install := "apt-get install -y "
	if c.Manager == "dnf" {
		install = "dnf install -y "
	}
	return apperrors.NewFatalError("check required commands",
		fmt.Errorf("missing commands: %s", strings.Join(missing, ", ")),
		"required tools are not on PATH after package installation",
		"sudo "+install+strings.Join(pkgs, " "))
}

// NodeVersion returns the installed Node.js version and warns when it is
// older than MinNodeMajor.
func (c *Checker) NodeVersion(ctx context.Context) (semver.Version, error) {
	res, err := c.Exec.Execute(ctx, []string{"node", "--version"}, executor.Options{CaptureOutput: true, Timeout: versionTimeout})
	if err := executor.Check(res, err); err != nil {
		return semver.Version{}, err
	}
	v, err := semver.ParseTolerant(strings.TrimSpace(res.Stdout))
	if err != nil {
		logger.FromContext(ctx).Warn(fmt.Sprintf("could not parse node version %q", strings.TrimSpace(res.Stdout)))
		return semver.Version{}, nil
	}
	if v.Major < MinNodeMajor {
		logger.FromContext(ctx).Warn(fmt.Sprintf("Node.js %s detected; Infinibay requires %d or newer", v, MinNodeMajor))
	}
	return v, nil
}

// KVM reports whether hardware virtualization is usable. It never fails the
// run: VMs still work without acceleration, only slower.
func (c *Checker) KVM(ctx context.Context) bool {
	log := logger.FromContext(ctx)
	if _, err := c.lookPath("kvm-ok"); err == nil {
		res, err := c.Exec.Execute(ctx, []string{"kvm-ok"}, executor.Options{CaptureOutput: true, Timeout: versionTimeout})
		if err == nil && strings.Contains(res.Stdout, "KVM acceleration can be used") {
			log.Debug("kvm-ok reports acceleration available")
			return true
		}
	}
	if _, err := c.stat(KVMDevice); err == nil {
		return true
	}
	log.Warn("KVM is not available; enable VT-x/AMD-V in firmware and reboot for hardware acceleration")
	return false
}
