package config

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/logger"
)

const (
	// PasswordLength is the length of generated database passwords.
	PasswordLength = 32
	// FallbackHostIP is used when no address can be detected.
	FallbackHostIP = "192.168.1.100"

	passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// IPDetector returns the primary IPv4 address of the host.
type IPDetector func() (string, error)

// Resolve fills generated and detected values that were not set explicitly,
// then validates the result.
func Resolve(ctx context.Context, cfg *Installation, detect IPDetector) error {
	log := logger.FromContext(ctx)

	if cfg.DBPassword == "" {
		if pw, ok := StoredPassword(cfg); ok {
			cfg.DBPassword = pw
			log.Debug("reusing database password from the backend env file")
		} else {
			pw, err := GeneratePassword(PasswordLength)
			if err != nil {
				return fmt.Errorf("generate database password: %w", err)
			}
			cfg.DBPassword = pw
			log.Debug("generated database password")
		}
	}

	if cfg.HostIP == "" {
		if detect == nil {
			detect = DetectHostIP
		}
		ip, err := detect()
		if err != nil || ip == "" {
			log.WithFields(map[string]any{"fallback": FallbackHostIP}).Warn(fmt.Sprintf("could not detect host IP (%v); pass --host-ip to override", err))
			ip = FallbackHostIP
		}
		cfg.HostIP = ip
	}

	if cfg.SudoUser == "" {
		if u := strings.TrimSpace(os.Getenv("SUDO_USER")); u != "root" {
			cfg.SudoUser = u
		}
	}

	return Validate(cfg)
}

// StoredPassword returns the password a previous run wrote into the backend
// .env, provided its DATABASE_URL still names the configured role.
func StoredPassword(cfg *Installation) (string, bool) {
	env, err := godotenv.Read(filepath.Join(cfg.BackendDir(), ".env"))
	if err != nil {
		return "", false
	}
	u, err := url.Parse(env["DATABASE_URL"])
	if err != nil || u.User == nil || u.User.Username() != cfg.DBUser {
		return "", false
	}
	pw, ok := u.User.Password()
	return pw, ok && pw != ""
}

// GeneratePassword returns a random alphanumeric password. Symbols are left
// out so the value is safe in SQL literals, env files and URLs alike.
func GeneratePassword(length int) (string, error) {
	if length < 1 {
		return "", fmt.Errorf("invalid password length %d", length)
	}
	max := big.NewInt(int64(len(passwordAlphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = passwordAlphabet[n.Int64()]
	}
	return string(out), nil
}

// DetectHostIP finds the address used for outbound traffic, then falls back to
// the first global unicast interface address.
func DetectHostIP() (string, error) {
	if conn, err := net.Dial("udp4", "8.8.8.8:80"); err == nil {
		addr, _ := conn.LocalAddr().(*net.UDPAddr)
		_ = conn.Close()
		if addr != nil && usableIP(addr.IP) {
			return addr.IP.String(), nil
		}
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("list interface addresses: %w", err)
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if usableIP(ipNet.IP) {
			return ipNet.IP.To4().String(), nil
		}
	}
	return "", fmt.Errorf("no global IPv4 address found")
}

// usableIP rejects loopback and the default docker bridge.
func usableIP(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil || v4.IsLoopback() || !v4.IsGlobalUnicast() {
		return false
	}
	return !(v4[0] == 172 && v4[1] == 17)
}
