package phases

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/config"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resources/files"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resources/libvirt"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resources/prisma"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resources/systemd"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resources/virtio"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/tui/components"
)

// DefaultVirtioPath is written to the backend .env when no ISO is available.
const DefaultVirtioPath = "/var/lib/libvirt/driver/virtio-win-0.1.229.iso"

const (
	backendUnit  = "infinibay-backend"
	frontendUnit = "infinibay-frontend"
	npmStart     = "/usr/bin/npm run start"
)

// Services writes configuration, applies migrations and starts the
// Infinibay units.
type Services struct {
	d          *Deps
	tokenKey   string
	iso        *virtio.ISO
	migrations *prisma.Migrations
	setup      *prisma.Setup
	frontend   *files.EnvFile
	units      []*systemd.UnitFile
	services   []*systemd.Service
}

// NewServices builds the phase from d.Config.
func NewServices(d *Deps) *Services {
	cfg := d.Config
	p := &Services{d: d}

	// Only used when the backend .env has no TOKENKEY yet.
	p.tokenKey, _ = config.GeneratePassword(32)

	if !cfg.SkipVirtio {
		p.iso = virtio.New(cfg.ISOPermanentDir())
		p.iso.Client = d.HTTPClient
		p.iso.MinBytes = d.VirtioMinBytes
		if d.VirtioURL != "" {
			p.iso.URL = d.VirtioURL
		}
		if d.VirtioSearch != nil {
			p.iso.Search = d.VirtioSearch
		}
	}

	p.frontend = &files.EnvFile{
		Path: filepath.Join(cfg.FrontendDir(), ".env"),
		Mode: 0o644,
		Vars: []files.EnvVar{
			{Section: "Backend API URLs", Key: "NEXT_PUBLIC_BACKEND_HOST", Value: cfg.BackendURL()},
			{Key: "NEXT_PUBLIC_GRAPHQL_API_URL", Value: cfg.GraphQLURL()},
		},
	}
	p.migrations = &prisma.Migrations{
		Dir:         cfg.BackendDir(),
		DatabaseURL: cfg.DatabaseURL(),
		Exec:        d.Exec,
		DBHost:      cfg.DBHost,
		DBUser:      cfg.DBUser,
		DBName:      cfg.DBName,
	}
	p.setup = &prisma.Setup{
		Dir:             cfg.BackendDir(),
		DatabaseURL:     cfg.DatabaseURL(),
		Exec:            d.Exec,
		Troubleshooting: p.migrations.Hints(),
	}

	for _, spec := range []systemd.UnitSpec{
		{Name: backendUnit, Description: "Infinibay Backend API Server", WorkDir: cfg.BackendDir(), ExecStart: npmStart},
		{Name: frontendUnit, Description: "Infinibay Frontend Web Interface", WorkDir: cfg.FrontendDir(), ExecStart: npmStart},
	} {
		p.units = append(p.units, systemd.NewUnitFile(d.Exec, spec, d.UnitDir))
		p.services = append(p.services, &systemd.Service{Unit: spec.Name, Exec: d.Exec, Sleep: d.Sleep})
	}
	return p
}

func (p *Services) Name() string { return "Services" }

func (p *Services) Describe() []string {
	var rs []resource.Resource
	if p.iso != nil {
		rs = append(rs, p.iso)
	}
	rs = append(rs, p.backendEnv(DefaultVirtioPath), p.frontend, p.migrations, p.setup)
	for _, u := range p.units {
		rs = append(rs, u)
	}
	for _, s := range p.services {
		rs = append(rs, s)
	}
	return describeAll("Would create services and configuration", rs)
}

// Resources probes the ISO to learn which path the backend .env should
// carry; the probe is read-only.
func (p *Services) Resources(ctx context.Context) []resource.Resource {
	var rs []resource.Resource
	if p.iso != nil {
		rs = append(rs, p.iso)
	}
	rs = append(rs, p.backendEnv(p.virtioPath(ctx)), p.frontend, p.migrations, p.setup)
	for _, u := range p.units {
		rs = append(rs, u)
	}
	for _, s := range p.services {
		rs = append(rs, s)
	}
	return rs
}

func (p *Services) virtioPath(ctx context.Context) string {
	if p.iso == nil {
		return DefaultVirtioPath
	}
	eval, err := p.iso.Probe(ctx)
	if err != nil || eval.State != resource.PresentCorrect {
		return DefaultVirtioPath
	}
	return p.iso.Path()
}

func (p *Services) Run(ctx context.Context) error {
	cfg := p.d.Config
	pr := p.d.printer()

	isoPath := DefaultVirtioPath
	if p.iso == nil {
		pr.Info("Skipping VirtIO driver ISO")
	} else {
		pr.Info("Setting up VirtIO driver ISO")
		ok, err := p.d.optional(ctx, p.iso)
		if err != nil {
			return err
		}
		if ok {
			isoPath = p.iso.Path()
		} else {
			pr.Warn("Windows guests will need the VirtIO ISO installed manually")
		}
	}

	pr.Info("Generating configuration files")
	backendOut, err := p.d.require(ctx, p.backendEnv(isoPath), "backend .env could not be written")
	if err != nil {
		return err
	}
	frontendOut, err := p.d.require(ctx, p.frontend, "frontend .env could not be written")
	if err != nil {
		return err
	}

	pr.Info("Running backend setup")
	migrated, err := p.d.reconcile(ctx, p.migrations)
	if err != nil {
		return err
	}
	p.setup.Stale = migrated.Mutated()
	if _, err := p.d.reconcile(ctx, p.setup); err != nil {
		return err
	}

	pr.Info("Creating systemd services")
	changed := map[string]bool{
		backendUnit:  backendOut.Mutated(),
		frontendUnit: frontendOut.Mutated(),
	}
	for i, u := range p.units {
		out, err := p.d.require(ctx, u, "systemd unit could not be installed")
		if err != nil {
			return err
		}
		name := p.services[i].Unit
		changed[name] = changed[name] || out.Mutated()
	}

	pr.Info("Starting services")
	for _, s := range p.services {
		out, err := p.d.require(ctx, s, fmt.Sprintf("%s failed to start", s.Unit))
		if err != nil {
			return err
		}
		if out.Action == resource.ActionNone && changed[s.Unit] {
			pr.Info(fmt.Sprintf("Restarting %s to pick up new configuration", s.Unit))
			if err := s.Restart(ctx); err != nil {
				return err
			}
			if _, err := p.d.require(ctx, s, fmt.Sprintf("%s failed to restart", s.Unit)); err != nil {
				return err
			}
		}
	}

	pr.Blank()
	pr.Summary(Summary(cfg, p.iso == nil))
	return nil
}

// backendEnv is the backend .env. TOKENKEY survives rewrites so existing
// sessions stay valid.
func (p *Services) backendEnv(isoPath string) *files.EnvFile {
	cfg := p.d.Config
	return &files.EnvFile{
		Path: filepath.Join(cfg.BackendDir(), ".env"),
		Mode: 0o600,
		Vars: []files.EnvVar{
			{Section: "Database", Key: "DATABASE_URL", Value: cfg.DatabaseURL(), Quote: true},
			{Section: "CORS", Key: "FRONTEND_URL", Value: "*", Quote: true},
			{Section: "JWT", Key: "TOKENKEY", Value: p.tokenKey, Quote: true},
			{Section: "Server", Key: "PORT", Value: strconv.Itoa(cfg.BackendPort)},
			{Section: "Security", Key: "BCRYPT_ROUNDS", Value: "10"},
			{Section: "InfiniService RPC", Key: "RPC_URL", Value: "http://localhost:9090", Quote: true},
			{Section: "Virtualization", Key: "VIRTIO_WIN_ISO_PATH", Value: isoPath, Quote: true},
			{Section: "Application Configuration", Key: "APP_HOST", Value: cfg.HostIP},
			{Key: "INFINIBAY_BASE_DIR", Value: cfg.InstallDir},
			{Key: "INFINIBAY_ISO_DIR", Value: cfg.ISODir()},
			{Key: "INFINIBAY_ISO_TEMP_DIR", Value: cfg.ISOTempDir()},
			{Key: "INFINIBAY_ISO_PERMANENT_DIR", Value: cfg.ISOPermanentDir()},
			{Key: "INFINIBAY_STORAGE_POOL_NAME", Value: libvirt.DefaultPool},
			{Key: "INFINIBAY_WALLPAPERS_DIR", Value: cfg.WallpapersDir()},
			{Section: "Graphics and Network", Key: "GRAPHIC_HOST", Value: cfg.HostIP},
			{Key: "BRIDGE_NAME", Value: cfg.BridgeName},
		},
		Preserve: []string{"TOKENKEY"},
		Footer: `# Timeouts (uncomment to customize)
# LIBVIRT_CONNECT_TIMEOUT=30000
# LIBVIRT_OPERATION_TIMEOUT=60000
# VM_START_TIMEOUT=120000
# VM_SHUTDOWN_TIMEOUT=60000
`,
	}
}

// Summary is the report printed after a successful installation.
func Summary(cfg *config.Installation, skippedVirtio bool) components.Summary {
	notes := []string{
		"Services start automatically on boot",
		"Backend .env contains secrets (DATABASE_URL, TOKENKEY)",
		fmt.Sprintf("Open firewall ports %d (frontend) and %d (backend)", cfg.FrontendPort, cfg.BackendPort),
	}
	if skippedVirtio {
		notes = append(notes, "VirtIO ISO was skipped; install it before creating Windows VMs")
	}
	return components.Summary{
		Title: "Infinibay installation completed",
		Sections: []components.Section{
			{Heading: "Installation", Lines: []string{
				"Directory: " + cfg.InstallDir,
				"Host IP: " + cfg.HostIP,
				"Bridge: " + cfg.BridgeName,
				"Network: " + cfg.NetworkName,
			}},
			{Heading: "Access URLs", Lines: []string{
				"Frontend: " + cfg.FrontendURL(),
				"Backend API: " + cfg.BackendURL(),
				"GraphQL: " + cfg.GraphQLURL(),
			}},
			{Heading: "Database (save these credentials)", Lines: []string{
				fmt.Sprintf("Host: %s:%d", cfg.DBHost, cfg.DBPort),
				"Database: " + cfg.DBName,
				"User: " + cfg.DBUser,
				"Password: " + cfg.DBPassword,
			}},
			{Heading: "Service management", Lines: []string{
				"systemctl status infinibay-backend infinibay-frontend",
				"journalctl -u infinibay-backend -f",
				"systemctl restart infinibay-backend infinibay-frontend",
				"systemctl stop infinibay-backend infinibay-frontend",
			}},
			{Heading: "Next steps", Lines: []string{
				"1. Open " + cfg.FrontendURL(),
				"2. Create the first admin account",
				"3. Configure the network bridge if needed",
				"4. Create virtual machines",
			}},
			{Heading: "Notes", Lines: notes},
		},
	}
}
