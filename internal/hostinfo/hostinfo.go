// Package hostinfo classifies the running Linux distribution.
package hostinfo

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// DefaultPath is where distributions publish their identity.
const DefaultPath = "/etc/os-release"

// Family groups distributions that share a package manager.
type Family string

const (
	Ubuntu  Family = "ubuntu"
	Fedora  Family = "fedora"
	Unknown Family = "unknown"
)

// Info is the parsed identity of the host.
type Info struct {
	Family     Family
	ID         string
	IDLike     string
	Version    string
	Major      int
	Minor      int
	Name       string
	PrettyName string
}

// Detect reads and parses path (DefaultPath when empty).
func Detect(path string) (Info, error) {
	if path == "" {
		path = DefaultPath
	}
	f, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("cannot detect OS: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads os-release formatted KEY=VALUE lines. The format is a
// subset of dotenv, quoting and comments included.
func Parse(r io.Reader) (Info, error) {
	values, err := godotenv.Parse(r)
	if err != nil {
		return Info{}, fmt.Errorf("read os-release: %w", err)
	}

	info := Info{
		ID:         strings.ToLower(values["ID"]),
		IDLike:     strings.ToLower(values["ID_LIKE"]),
		Version:    orDefault(values["VERSION_ID"], "0.0"),
		Name:       orDefault(values["NAME"], "Unknown"),
		PrettyName: orDefault(values["PRETTY_NAME"], "Unknown Linux"),
	}
	info.Family = classify(info.ID, info.IDLike)
	info.Major, info.Minor = parseVersion(info.Version)
	return info, nil
}

func classify(id, idLike string) Family {
	switch {
	case id == "ubuntu":
		return Ubuntu
	case id == "fedora":
		return Fedora
	case strings.Contains(idLike, "debian"), strings.Contains(idLike, "ubuntu"):
		return Ubuntu
	case strings.Contains(idLike, "rhel"), strings.Contains(idLike, "fedora"):
		return Fedora
	default:
		return Unknown
	}
}

func parseVersion(v string) (int, int) {
	majorStr, minorStr, _ := strings.Cut(v, ".")
	major, err := strconv.Atoi(majorStr)
	if err != nil {
		return 0, 0
	}
	minor, err := strconv.Atoi(minorStr)
	if err != nil {
		minor = 0
	}
	return major, minor
}

// Supported reports whether the host meets the minimum version:
// Ubuntu 23.10 or Fedora 37.
func (i Info) Supported() bool {
	switch i.Family {
	case Ubuntu:
		return i.Major > 23 || (i.Major == 23 && i.Minor >= 10)
	case Fedora:
		return i.Major >= 37
	default:
		return false
	}
}

// MinimumVersion is the human readable minimum for the family.
func (i Info) MinimumVersion() string {
	switch i.Family {
	case Ubuntu:
		return "23.10"
	case Fedora:
		return "37"
	default:
		return "unknown"
	}
}

// PackageManager returns apt or dnf.
func (i Info) PackageManager() (string, error) {
	switch i.Family {
	case Ubuntu:
		return "apt", nil
	case Fedora:
		return "dnf", nil
	default:
		return "", fmt.Errorf("unsupported OS %q", i.ID)
	}
}

func (i Info) String() string {
	return i.PrettyName
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
