// Package config resolves the installation settings shared by every phase.
package config

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/hostinfo"
)

// Defaults applied before the config file and flags.
const (
	DefaultInstallDir   = "/opt/infinibay"
	DefaultDBHost       = "localhost"
	DefaultDBPort       = 5432
	DefaultDBUser       = "infinibay"
	DefaultDBName       = "infinibay"
	DefaultNetworkName  = "default"
	DefaultBridgeName   = "virbr0"
	DefaultBackendPort  = 4000
	DefaultFrontendPort = 3000
)

// Installation is resolved once at startup and then read by every phase.
type Installation struct {
	OS hostinfo.Info `yaml:"-"`

	InstallDir string `yaml:"install_dir" validate:"required,abspath"`
	DataDir    string `yaml:"data_dir,omitempty" validate:"omitempty,abspath"`

	DBHost     string `yaml:"db_host" validate:"required,hostname_rfc1123"`
	DBPort     int    `yaml:"db_port" validate:"min=1,max=65535"`
	DBUser     string `yaml:"db_user" validate:"required,pgident"`
	DBPassword string `yaml:"db_password,omitempty" validate:"required"`
	DBName     string `yaml:"db_name" validate:"required,pgident"`

	HostIP       string `yaml:"host_ip,omitempty" validate:"required,ipv4"`
	NetworkName  string `yaml:"network_name" validate:"required"`
	BridgeName   string `yaml:"bridge_name" validate:"required"`
	BackendPort  int    `yaml:"backend_port" validate:"min=1,max=65535"`
	FrontendPort int    `yaml:"frontend_port" validate:"min=1,max=65535,nefield=BackendPort"`

	UseLocalRepos bool   `yaml:"use_local_repos,omitempty"`
	LocalReposDir string `yaml:"local_repos_dir,omitempty" validate:"required_if=UseLocalRepos true,omitempty,abspath"`

	SkipVirtio  bool   `yaml:"skip_virtio,omitempty"`
	MetricsFile string `yaml:"metrics_file,omitempty" validate:"omitempty,abspath"`

	DryRun         bool   `yaml:"-"`
	Verbose        bool   `yaml:"-"`
	NonInteractive bool   `yaml:"-"`
	SudoUser       string `yaml:"-"`
}

// Default returns an Installation populated with defaults only.
func Default() *Installation {
	return &Installation{
		InstallDir:   DefaultInstallDir,
		DBHost:       DefaultDBHost,
		DBPort:       DefaultDBPort,
		DBUser:       DefaultDBUser,
		DBName:       DefaultDBName,
		NetworkName:  DefaultNetworkName,
		BridgeName:   DefaultBridgeName,
		BackendPort:  DefaultBackendPort,
		FrontendPort: DefaultFrontendPort,
	}
}

// Data returns the data root, which defaults to the install dir.
func (c *Installation) Data() string {
	if c.DataDir == "" {
		return c.InstallDir
	}
	return c.DataDir
}

// SourceDir is where project lives: under the local repos dir when
// UseLocalRepos is set, otherwise under the install dir.
func (c *Installation) SourceDir(project string) string {
	if c.UseLocalRepos && c.LocalReposDir != "" {
		return filepath.Join(c.LocalReposDir, project)
	}
	return filepath.Join(c.InstallDir, project)
}

func (c *Installation) BackendDir() string { return c.SourceDir("backend") }
func (c *Installation) FrontendDir() string { return c.SourceDir("frontend") }
func (c *Installation) InfiniserviceDir() string { return c.SourceDir("infiniservice") }
func (c *Installation) LibvirtNodeDir() string { return c.SourceDir("libvirt-node") }

func (c *Installation) ISODir() string { return filepath.Join(c.Data(), "iso") }
func (c *Installation) ISOPermanentDir() string { return filepath.Join(c.Data(), "iso", "permanent") }
func (c *Installation) ISOTempDir() string { return filepath.Join(c.Data(), "iso", "temp") }
func (c *Installation) DisksDir() string { return filepath.Join(c.Data(), "disks") }
func (c *Installation) UEFIDir() string { return filepath.Join(c.Data(), "uefi") }
func (c *Installation) SocketsDir() string { return filepath.Join(c.Data(), "sockets") }
func (c *Installation) WallpapersDir() string { return filepath.Join(c.Data(), "wallpapers") }

// DataDirs lists every directory the services expect under the data root.
func (c *Installation) DataDirs() []string {
	return []string{
		c.ISODir(), c.ISOPermanentDir(), c.ISOTempDir(),
		c.DisksDir(), c.UEFIDir(), c.SocketsDir(), c.WallpapersDir(),
	}
}

// DatabaseURL is the connection string handed to Prisma. The password is
// userinfo-escaped so it parses back unchanged.
func (c *Installation) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgresql",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     net.JoinHostPort(c.DBHost, strconv.Itoa(c.DBPort)),
		Path:     "/" + c.DBName,
		RawQuery: "schema=public",
	}
	return u.String()
}

func (c *Installation) BackendURL() string { return fmt.Sprintf("http://%s:%d", c.HostIP, c.BackendPort) }
func (c *Installation) FrontendURL() string { return fmt.Sprintf("http://%s:%d", c.HostIP, c.FrontendPort) }
func (c *Installation) GraphQLURL() string { return c.BackendURL() + "/graphql" }

// Masked returns the settings for logging with secrets hidden.
func (c *Installation) Masked() map[string]any {
	masked := "****"
	if c.DBPassword == "" {
		masked = ""
	}
	return map[string]any{
		"os":            c.OS.PrettyName,
		"install_dir":   c.InstallDir,
		"data_dir":      c.Data(),
		"db_host":       c.DBHost,
		"db_port":       c.DBPort,
		"db_user":       c.DBUser,
		"db_password":   masked,
		"db_name":       c.DBName,
		"host_ip":       c.HostIP,
		"network_name":  c.NetworkName,
		"bridge_name":   c.BridgeName,
		"backend_port":  c.BackendPort,
		"frontend_port": c.FrontendPort,
		"local_repos":   c.UseLocalRepos,
		"skip_virtio":   c.SkipVirtio,
		"dry_run":       c.DryRun,
	}
}

// RunAs is the user that owns build output, empty when not run via sudo.
func (c *Installation) RunAs() string {
	return c.SudoUser
}
