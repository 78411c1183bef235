package phases

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/build"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/config"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/executor"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/executor/executortest"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/hostinfo"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/ownership"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/recovery"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/retry"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/tui"
)

// readOnly lists command prefixes that only query the host. The permission
// check's scratch table is created and dropped in the same call sequence, so
// psql as the application role counts as a query.
var readOnly = []string{
	"dpkg-query", "node --version", "kvm-ok",
	"systemctl is-active", "systemctl is-enabled", "id -nG",
	"virsh net-list", "virsh pool-info",
	"sudo -u postgres psql", "psql -X",
	"npx prisma migrate status",
}

var (
	createRole = regexp.MustCompile(`CREATE ROLE (\w+) WITH LOGIN PASSWORD '((?:[^']|'')*)'`)
	alterRole  = regexp.MustCompile(`ALTER ROLE (\w+) WITH LOGIN PASSWORD '((?:[^']|'')*)'`)
	createDB   = regexp.MustCompile(`CREATE DATABASE (\w+) OWNER (\w+);`)
	alterDB    = regexp.MustCompile(`ALTER DATABASE (\w+) OWNER TO (\w+);`)
	roleLookup = regexp.MustCompile(`FROM pg_roles WHERE rolname = '(\w+)'`)
	dbLookup   = regexp.MustCompile(`FROM pg_database WHERE datname = '(\w+)'`)
)

type unitState struct {
	active, enabled bool
}

// host emulates an Ubuntu machine behind an executortest.Fake.
type host struct {
	mu sync.Mutex

	installed map[string]bool
	units     map[string]*unitState
	groups    map[string][]string
	nets      map[string]bool
	pool      unitState
	poolDef   bool

	pgUp     bool
	pings    int
	roles    map[string]string
	dbs      map[string]string
	ddl      []string
	migrated bool

	fake *executortest.Fake
}

func newHost() *host {
	h := &host{
		installed: map[string]bool{},
		units:     map[string]*unitState{},
		groups:    map[string][]string{"alice": {"alice", "sudo"}},
		nets:      map[string]bool{},
		pgUp:      true,
		roles:     map[string]string{},
		dbs:       map[string]string{},
		fake:      executortest.New(),
	}
	h.install()
	return h
}

func (h *host) setPG(up bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pgUp = up
}

func (h *host) ddlCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ddl)
}

func (h *host) pingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pings
}

func ok(out string) (executor.Result, error) { return executor.Result{Success: true, Stdout: out}, nil }

func fail(code int, stderr string) (executor.Result, error) {
	return executor.Result{ExitCode: code, Stderr: stderr}, nil
}

func touch(dir string, rel string, mode os.FileMode) error {
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("x"), mode)
}

func (h *host) install() {
	f := h.fake
	lock := func(fn func(argv []string, opts executor.Options) (executor.Result, error)) executortest.Handler {
		return func(argv []string, opts executor.Options) (executor.Result, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			return fn(argv, opts)
		}
	}

	f.On("dpkg-query", lock(func(argv []string, _ executor.Options) (executor.Result, error) {
		if h.installed[argv[len(argv)-1]] {
			return ok("install ok installed")
		}
		return fail(1, "dpkg-query: no packages found")
	}))
	f.On("apt-get install", lock(func(argv []string, _ executor.Options) (executor.Result, error) {
		for _, p := range argv[3:] {
			h.installed[p] = true
		}
		return ok("")
	}))
	f.On("node --version", executortest.OK("v20.11.1\n"))
	f.On("kvm-ok", executortest.OK("INFO: /dev/kvm exists\nKVM acceleration can be used\n"))

	f.On("systemctl", lock(func(argv []string, _ executor.Options) (executor.Result, error) {
		if len(argv) < 3 {
			return ok("")
		}
		u := h.units[argv[2]]
		if u == nil {
			u = &unitState{}
			h.units[argv[2]] = u
		}
		switch argv[1] {
		case "is-active":
			if u.active {
				return ok("active\n")
			}
			return executor.Result{ExitCode: 3, Stdout: "inactive\n"}, nil
		case "is-enabled":
			if u.enabled {
				return ok("enabled\n")
			}
			return executor.Result{ExitCode: 1, Stdout: "disabled\n"}, nil
		case "enable":
			u.enabled = true
		case "start", "restart":
			u.active = true
		}
		return ok("")
	}))

	f.On("id -nG", lock(func(argv []string, _ executor.Options) (executor.Result, error) {
		return ok(strings.Join(h.groups[argv[2]], " ") + "\n")
	}))
	f.On("usermod -aG", lock(func(argv []string, _ executor.Options) (executor.Result, error) {
		h.groups[argv[3]] = append(h.groups[argv[3]], argv[2])
		return ok("")
	}))

	f.On("virsh", lock(func(argv []string, _ executor.Options) (executor.Result, error) {
		switch argv[1] {
		case "net-list":
			var b strings.Builder
			b.WriteString(" Name      State    Autostart   Persistent\n----------------------------------------------\n")
			for name, active := range h.nets {
				state := "inactive"
				if active {
					state = "active"
				}
				b.WriteString(" " + name + "   " + state + "   yes   yes\n")
			}
			return ok(b.String())
		case "net-define":
			h.nets["infinibay"] = false
		case "net-start":
			h.nets[argv[2]] = true
		case "pool-info":
			if !h.poolDef {
				return fail(1, "error: failed to get pool 'infinibay'")
			}
			state, auto := "inactive", "no"
			if h.pool.active {
				state = "running"
			}
			if h.pool.enabled {
				auto = "yes"
			}
			return ok("Name:           infinibay\nState:          " + state + "\nAutostart:      " + auto + "\n")
		case "pool-define-as":
			h.poolDef = true
		case "pool-start":
			h.pool.active = true
		case "pool-autostart":
			h.pool.enabled = true
		}
		return ok("")
	}))

	f.On("sudo -u postgres psql", lock(func(_ []string, opts executor.Options) (executor.Result, error) {
		sql := readStdin(opts)
		if !h.pgUp {
			if strings.Contains(sql, "version()") {
				h.pings++
			}
			return fail(2, `psql: error: connection to server on socket "/var/run/postgresql/.s.PGSQL.5432" failed: No such file or directory`)
		}
		switch {
		case strings.Contains(sql, "version()"):
			h.pings++
			return ok("PostgreSQL 16.2\n")
		case strings.HasPrefix(sql, "SHOW hba_file"):
			return ok("/etc/postgresql/16/main/pg_hba.conf\n")
		case roleLookup.MatchString(sql):
			if _, exists := h.roles[roleLookup.FindStringSubmatch(sql)[1]]; exists {
				return ok("1\n")
			}
			return ok("")
		case dbLookup.MatchString(sql):
			return ok(h.dbs[dbLookup.FindStringSubmatch(sql)[1]] + "\n")
		case createRole.MatchString(sql):
			m := createRole.FindStringSubmatch(sql)
			h.roles[m[1]] = strings.ReplaceAll(m[2], "''", "'")
		case alterRole.MatchString(sql):
			m := alterRole.FindStringSubmatch(sql)
			h.roles[m[1]] = strings.ReplaceAll(m[2], "''", "'")
		case createDB.MatchString(sql):
			m := createDB.FindStringSubmatch(sql)
			h.dbs[m[1]] = m[2]
		case alterDB.MatchString(sql):
			m := alterDB.FindStringSubmatch(sql)
			h.dbs[m[1]] = m[2]
		default:
			return ok("")
		}
		h.ddl = append(h.ddl, sql)
		return ok("")
	}))
	f.On("psql -X", lock(func(argv []string, opts executor.Options) (executor.Result, error) {
		_ = readStdin(opts)
		user := ""
		for i, a := range argv {
			if a == "-U" && i+1 < len(argv) {
				user = argv[i+1]
			}
		}
		if pw, exists := h.roles[user]; !h.pgUp || !exists || pw != opts.Env["PGPASSWORD"] {
			return fail(2, `psql: error: FATAL:  password authentication failed for user "`+user+`"`)
		}
		return ok("1\n")
	}))

	f.On("npm install", func(_ []string, opts executor.Options) (executor.Result, error) {
		return executor.Result{Success: true}, touch(opts.Dir, "node_modules/dep/index.js", 0o644)
	})
	f.On("npm run build", func(_ []string, opts executor.Options) (executor.Result, error) {
		return executor.Result{Success: true}, touch(opts.Dir, "libvirt-node.linux-x64-gnu.node", 0o644)
	})
	f.On("npm pack", func(_ []string, opts executor.Options) (executor.Result, error) {
		return executor.Result{Success: true}, touch(opts.Dir, build.LibvirtNodePackage, 0o644)
	})
	f.On("npx prisma generate", func(_ []string, opts executor.Options) (executor.Result, error) {
		return executor.Result{Success: true}, touch(opts.Dir, "node_modules/.prisma/client/index.js", 0o644)
	})
	f.On("cargo build", func(_ []string, opts executor.Options) (executor.Result, error) {
		return executor.Result{Success: true}, touch(opts.Dir, "target/release/infiniservice", 0o755)
	})
	f.On("npx prisma migrate status", lock(func([]string, executor.Options) (executor.Result, error) {
		if h.migrated {
			return ok("Database schema is up to date!\n")
		}
		return executor.Result{ExitCode: 1, Stdout: "Following migration have not yet been applied:\n20240101000000_init\n"}, nil
	}))
	f.On("npx prisma migrate deploy", lock(func([]string, executor.Options) (executor.Result, error) {
		h.migrated = true
		return ok("")
	}))
}

func readStdin(opts executor.Options) string {
	if opts.Stdin == nil {
		return ""
	}
	data, _ := io.ReadAll(opts.Stdin)
	return strings.TrimSpace(string(data))
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) count(d time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, got := range s.delays {
		if got == d {
			n++
		}
	}
	return n
}

type outcomes struct {
	mu  sync.Mutex
	all []resource.Outcome
}

func (o *outcomes) ObserveReconcile(out resource.Outcome, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.all = append(o.all, out)
}

func (o *outcomes) mutated() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var names []string
	for _, out := range o.all {
		if out.Mutated() {
			names = append(names, out.Resource)
		}
	}
	return names
}

func (o *outcomes) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.all = nil
}

type env struct {
	root     string
	cfg      *config.Installation
	host     *host
	deps     *Deps
	out      *bytes.Buffer
	sleeps   *sleepRecorder
	outcomes *outcomes
	channel  *recovery.Scripted
}

func newEnv(t *testing.T) *env {
	t.Helper()

	root := t.TempDir()
	cfg := config.Default()
	cfg.OS = hostinfo.Info{ID: "ubuntu", Family: hostinfo.Ubuntu, Version: "24.04", Major: 24, Minor: 4, PrettyName: "Ubuntu 24.04 LTS"}
	cfg.InstallDir = filepath.Join(root, "opt", "infinibay")
	cfg.DBPassword = "s3cr'et"
	cfg.HostIP = "10.0.0.5"
	cfg.SudoUser = "alice"

	iso := filepath.Join(root, "virtio-win.iso")
	require.NoError(t, os.WriteFile(iso, []byte("virtio-iso-image"), 0o644))

	h := newHost()
	for _, p := range []string{"nodejs", "npm"} {
		h.installed[p] = true
	}

	var out bytes.Buffer
	sleeps := &sleepRecorder{}
	obs := &outcomes{}
	ch := &recovery.Scripted{}
	d := &Deps{
		Config:    cfg,
		Exec:      h.fake,
		Recovery:  ch,
		Printer:   tui.NewPrinter(&out),
		Observers: []resource.Observer{obs},
		Ownership: &ownership.Guard{
			Stat:   func(string) (ownership.Record, error) { return ownership.Record{UID: 1000, GID: 1000}, nil },
			Lchown: func(string, int, int) error { return nil },
		},
		RetryOptions: []retry.Option{retry.WithSleeper(sleeps.sleep)},
		LookPath:     func(name string) (string, error) { return "/usr/bin/" + name, nil },
		ReadFile: func(string) ([]byte, error) {
			return []byte("local all postgres peer\nhost all all 127.0.0.1/32 scram-sha-256\n"), nil
		},
		UnitDir:        filepath.Join(root, "systemd"),
		VirtioSearch:   []string{iso},
		VirtioMinBytes: 8,
		Sleep:          sleeps.sleep,
		Source: func(p *build.Project) resource.Resource {
			return &resource.Funcs{
				ID: "checkout " + p.Name,
				ProbeFunc: func(context.Context) (resource.Evaluation, error) {
					return resource.Evaluation{State: resource.PresentCorrect, Message: p.Dir}, nil
				},
			}
		},
	}
	return &env{root: root, cfg: cfg, host: h, deps: d, out: &out, sleeps: sleeps, outcomes: obs, channel: ch}
}

func (e *env) runAll(t *testing.T) {
	t.Helper()
	for _, p := range New(e.deps) {
		require.NoError(t, p.Run(context.Background()), p.Name())
	}
}
