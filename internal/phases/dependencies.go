package phases

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/hostinfo"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/logger"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/prereq"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resources/files"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resources/libvirt"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resources/packages"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resources/postgres"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resources/systemd"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/retry"
	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

const (
	refreshAttempts = 3
	refreshDelay    = 5 * time.Second
	installAttempts = 3
	installDelay    = 10 * time.Second
)

// SystemServices must be running before the database and build phases.
var SystemServices = []string{"postgresql", "libvirtd"}

// Dependencies installs system packages and prepares PostgreSQL, libvirt
// and the data directories.
type Dependencies struct {
	d          *Deps
	managerErr error

	packages *packages.Set
	checker  *prereq.Checker
	cluster  *postgres.Cluster
	services []*systemd.Service
	group    *systemd.GroupMember
	network  *libvirt.Network
	dirs     []*files.Dir
	pool     *libvirt.Pool
}

// NewDependencies builds the phase from d.Config.
func NewDependencies(d *Deps) *Dependencies {
	cfg := d.Config
	p := &Dependencies{d: d}

	manager, err := cfg.OS.PackageManager()
	if err == nil {
		var pkgs []string
		pkgs, err = packages.For(cfg.OS.Family)
		p.packages = &packages.Set{Manager: manager, Packages: pkgs, Exec: d.Exec}
	}
	p.managerErr = err

	p.checker = &prereq.Checker{Exec: d.Exec, Manager: manager, LookPath: d.LookPath, Stat: d.Stat}
	if cfg.OS.Family == hostinfo.Fedora {
		p.cluster = &postgres.Cluster{DataDir: d.ClusterDir, Exec: d.Exec}
	}
	for _, unit := range SystemServices {
		p.services = append(p.services, &systemd.Service{Unit: unit, Exec: d.Exec, Sleep: d.Sleep})
	}
	if cfg.SudoUser != "" && cfg.SudoUser != "root" {
		p.group = &systemd.GroupMember{User: cfg.SudoUser, Group: "libvirt", Exec: d.Exec}
	}
	p.network = &libvirt.Network{Preferred: cfg.NetworkName, Exec: d.Exec}
	for _, dir := range cfg.DataDirs() {
		p.dirs = append(p.dirs, &files.Dir{Path: dir})
	}
	p.pool = &libvirt.Pool{Path: cfg.DisksDir(), Exec: d.Exec}
	return p
}

func (p *Dependencies) Name() string { return "Dependencies" }

func (p *Dependencies) Describe() []string {
	lines := describeAll("Would install system dependencies", p.Resources(context.Background()))
	return append(lines, fmt.Sprintf("check required commands: %s", requiredCommands()))
}

// Resources lists every resource in reconcile order.
func (p *Dependencies) Resources(context.Context) []resource.Resource {
	var rs []resource.Resource
	if p.packages != nil {
		rs = append(rs, p.packages)
	}
	if p.cluster != nil {
		rs = append(rs, p.cluster)
	}
	for _, s := range p.services {
		rs = append(rs, s)
	}
	if p.group != nil {
		rs = append(rs, p.group)
	}
	rs = append(rs, p.network)
	for _, d := range p.dirs {
		rs = append(rs, d)
	}
	return append(rs, p.pool)
}

func (p *Dependencies) Run(ctx context.Context) error {
	cfg := p.d.Config
	pr := p.d.printer()
	if p.managerErr != nil {
		return apperrors.NewFatalError("detect package manager", p.managerErr,
			fmt.Sprintf("%s is not supported", cfg.OS), "cat /etc/os-release")
	}

	if err := p.installPackages(ctx); err != nil {
		return err
	}

	pr.Info("Checking required commands")
	if err := p.checker.Commands(ctx); err != nil {
		return err
	}
	if v, err := p.checker.NodeVersion(ctx); err != nil {
		pr.Warn(fmt.Sprintf("could not determine Node.js version: %v", err))
	} else if v.Major > 0 {
		pr.Detail("Node.js " + v.String())
	}

	pr.Info("Starting system services")
	if p.cluster != nil {
		if _, err := p.d.require(ctx, p.cluster, "PostgreSQL cluster could not be initialized"); err != nil {
			return err
		}
	}
	for _, s := range p.services {
		if _, err := p.d.require(ctx, s, fmt.Sprintf("%s could not be started", s.Unit)); err != nil {
			return err
		}
	}
	if p.group != nil {
		if _, err := p.d.optional(ctx, p.group); err != nil {
			return err
		}
	}

	pr.Info("Configuring libvirt")
	if ok, err := p.d.optional(ctx, p.network); err != nil {
		return err
	} else if ok && p.network.Selected() != cfg.NetworkName {
		logger.FromContext(ctx).Info(fmt.Sprintf("using libvirt network %s instead of %s", p.network.Selected(), cfg.NetworkName))
		cfg.NetworkName = p.network.Selected()
	}
	for _, d := range p.dirs {
		if _, err := p.d.require(ctx, d, "data directory could not be created"); err != nil {
			return err
		}
	}
	if _, err := p.d.optional(ctx, p.pool); err != nil {
		return err
	}

	if !p.checker.KVM(ctx) {
		pr.Warn("KVM acceleration is not available; virtual machines will run slowly")
	}
	return nil
}

// installPackages refreshes the index and installs only when something is
// missing, so a converged host sees no package manager writes.
func (p *Dependencies) installPackages(ctx context.Context) error {
	pr := p.d.printer()
	missing, err := p.packages.Missing(ctx)
	if err != nil {
		return apperrors.Fatal("query packages", err, "could not query the package database")
	}
	if len(missing) == 0 {
		pr.Detail(fmt.Sprintf("%d system packages already installed", len(p.packages.Packages)))
		return nil
	}

	pr.Info("Refreshing package index")
	err = retry.Do(ctx, func(ctx context.Context) error {
		return packages.Refresh(ctx, p.d.Exec, p.packages.Manager)
	}, p.d.retryOpts("refresh package index", refreshAttempts, refreshDelay)...)
	if errors.Is(err, apperrors.ErrInterrupted) {
		return err
	}
	if err != nil {
		pr.Warn(fmt.Sprintf("package index refresh failed, continuing with the cached index: %v", err))
	}

	pr.Info(fmt.Sprintf("Installing %d system packages", len(missing)))
	err = retry.Do(ctx, func(ctx context.Context) error {
		_, err := p.d.reconcile(ctx, p.packages)
		return err
	}, p.d.retryOpts("install packages", installAttempts, installDelay)...)
	if err == nil || errors.Is(err, apperrors.ErrInterrupted) {
		return err
	}
	return apperrors.Fatal("install packages", err, "system packages could not be installed", p.packages.Hints()...)
}

func requiredCommands() string {
	names := make([]string, 0, len(prereq.Required))
	for name := range prereq.Required {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
