package postgres

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/executor"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/hostinfo"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/logger"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

// Fallback pg_hba.conf locations when the server does not report one.
const (
	ubuntuHBAPattern = "/etc/postgresql/*/main/pg_hba.conf"
	fedoraHBAPath    = "/var/lib/pgsql/data/pg_hba.conf"

	permissionProbeTable = "_installer_test"
)

// HBAReport is the result of inspecting pg_hba.conf.
type HBAReport struct {
	Path         string
	PasswordAuth bool
}

// CheckHBA locates pg_hba.conf and reports whether any rule uses password
// authentication. It only warns; the login probe is authoritative.
func (c *Client) CheckHBA(ctx context.Context, family hostinfo.Family, read func(string) ([]byte, error)) (HBAReport, error) {
	if read == nil {
		read = os.ReadFile
	}

	var report HBAReport
	res, err := c.Admin(ctx, "SHOW hba_file;", queryTimeout)
	if err == nil && res.Success {
		report.Path = firstLine(res.Stdout)
	}
	if report.Path == "" {
		report.Path = fallbackHBA(family)
	}
	if report.Path == "" {
		return report, fmt.Errorf("could not locate pg_hba.conf")
	}

	data, err := read(report.Path)
	if err != nil {
		return report, fmt.Errorf("read %s: %w", report.Path, err)
	}
	report.PasswordAuth = hasPasswordAuth(string(data))

	log := logger.FromContext(ctx).With("path", report.Path)
	if report.PasswordAuth {
		log.Debug("pg_hba.conf allows password authentication")
	} else {
		log.Warn("pg_hba.conf has no md5 or scram-sha-256 rule; the backend may fail to authenticate")
	}
	return report, nil
}

func fallbackHBA(family hostinfo.Family) string {
	if family == hostinfo.Fedora {
		return fedoraHBAPath
	}
	matches, _ := filepath.Glob(ubuntuHBAPattern)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1]
}

func hasPasswordAuth(conf string) bool {
	for _, line := range strings.Split(conf, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		switch fields[0] {
		case "local", "host", "hostssl", "hostnossl":
		default:
			continue
		}
		for _, f := range fields[3:] {
			if f == "md5" || f == "scram-sha-256" || f == "password" {
				return true
			}
		}
	}
	return false
}

// VerifyPermissions creates and drops a scratch table as the application role.
func (c *Client) VerifyPermissions(ctx context.Context) error {
	grant := fmt.Sprintf(`sudo -u postgres psql -c "GRANT ALL PRIVILEGES ON DATABASE %s TO %s;"`, c.Database, c.User)
	for _, sql := range []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id SERIAL PRIMARY KEY);", permissionProbeTable),
		fmt.Sprintf("DROP TABLE IF EXISTS %s;", permissionProbeTable),
	} {
		res, err := c.AsRole(ctx, c.Database, sql)
		if err := executor.Check(res, err); err != nil {
			return apperrors.NewFatalError("verify database permissions", err,
				fmt.Sprintf("role %s cannot create tables in %s", c.User, c.Database), grant)
		}
	}
	return nil
}

// DefaultClusterDir is the Fedora cluster data directory.
const DefaultClusterDir = "/var/lib/pgsql/data"

// Cluster is an initialized PostgreSQL data directory. Fedora ships the
// server without one.
type Cluster struct {
	DataDir string
	Exec    executor.Executor
}

var (
	_ resource.Resource  = (*Cluster)(nil)
	_ resource.Describer = (*Cluster)(nil)
	_ resource.Hinter    = (*Cluster)(nil)
)

func (c *Cluster) Name() string { return "postgres cluster" }

func (c *Cluster) Describe() string { return "initialize postgresql cluster in " + c.dir() }

func (c *Cluster) Hints() []string {
	return []string{"sudo postgresql-setup --initdb", "sudo ls -l " + c.dir()}
}

func (c *Cluster) dir() string {
	if c.DataDir == "" {
		return DefaultClusterDir
	}
	return c.DataDir
}

func (c *Cluster) Probe(context.Context) (resource.Evaluation, error) {
	versionFile := filepath.Join(c.dir(), "PG_VERSION")
	if _, err := os.Stat(versionFile); err != nil {
		if os.IsNotExist(err) {
			return resource.Evaluation{State: resource.Missing, Message: versionFile + " not found", Diff: c.Describe()}, nil
		}
		return resource.Evaluation{}, err
	}
	return resource.Evaluation{State: resource.PresentCorrect, Message: "cluster initialized in " + c.dir()}, nil
}

func (c *Cluster) Create(ctx context.Context) error {
	res, err := c.Exec.Execute(ctx, []string{"postgresql-setup", "--initdb"}, executor.Options{CaptureOutput: true, Timeout: ddlTimeout * 4})
	return executor.Check(res, err)
}

func (c *Cluster) Update(ctx context.Context) error { return c.Create(ctx) }
