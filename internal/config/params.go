// Package config loads and saves per-profile TunnelParams from the fixed
// key=value profile file format, and resolves the environment/XDG paths
// the connector daemon and its clients use.
package config

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"backend/internal/model"
)

// Load reads a profile file into TunnelParams, starting from
// model.DefaultTunnelParams and overwriting only the keys present in the
// file. Unknown keys are ignored (profiles written by a newer client
// shouldn't break an older one).
func Load(path string) (*model.TunnelParams, error) {
	params := model.DefaultTunnelParams()
	params.ConfigFile = path

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open profile: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.Trim(strings.TrimSpace(v), `"`)
		if v == "" {
			continue
		}
		applyField(params, k, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	return params, nil
}

func applyField(p *model.TunnelParams, key, value string) {
	switch key {
	case "profile-id":
		if id, err := uuid.Parse(value); err == nil {
			p.ProfileID = id
		}
	case "server-name":
		p.ServerName = value
	case "user-name":
		p.UserName = value
	case "password":
		if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
			p.Password = string(decoded)
		}
	case "log-level":
		p.LogLevel = value
	case "search-domains":
		p.SearchDomains = splitCSV(value)
	case "ignore-search-domains":
		p.IgnoreSearchDomains = splitCSV(value)
	case "default-route":
		p.DefaultRoute = parseBool(value)
	case "no-routing":
		p.NoRouting = parseBool(value)
	case "add-routes":
		p.AddRoutes = parseNets(value)
	case "ignore-routes":
		p.IgnoreRoutes = parseNets(value)
	case "no-dns":
		p.NoDNS = parseBool(value)
	case "no-cert-check":
		p.NoCertCheck = parseBool(value)
	case "ignore-server-cert":
		p.IgnoreServerCert = parseBool(value)
	case "tunnel-type":
		if strings.EqualFold(value, "ssl") {
			p.TunnelType = model.TunnelTypeSsl
		} else {
			p.TunnelType = model.TunnelTypeIpsec
		}
	case "transport-type":
		switch strings.ToLower(value) {
		case "tcpt":
			p.TransportType = model.TransportTcpt
		case "native":
			p.TransportType = model.TransportNativeXfrm
		default:
			p.TransportType = model.TransportUdpNatT
		}
	case "ca-cert":
		p.CACert = value
	case "login-type":
		p.LoginType = value
	case "client-cert":
		p.ClientCert = value
	case "cert-password":
		p.CertPassword = value
	case "cert-id":
		p.CertID = value
	case "if-name":
		p.IfName = value
	case "no-keychain":
		p.NoKeychain = parseBool(value)
	case "server-prompt":
		p.ServerPrompt = parseBool(value)
	case "esp-lifetime":
		p.EspLifetime = parseSeconds(value, model.DefaultEspLifetime)
	case "ike-lifetime":
		p.IkeLifetime = parseSeconds(value, model.DefaultIkeLifetime)
	case "ip-lease-time":
		p.IPLeaseTime = parseSeconds(value, model.DefaultIPLeaseTime)
	case "set-routing-domains":
		p.SetRoutingDomains = parseBool(value)
	case "ike-persist":
		p.IkePersist = parseBool(value)
	case "client-mode":
		p.ClientMode = value
	case "keepalive-enabled":
		p.KeepaliveEnabled = parseBool(value)
	case "port-knock":
		if host, portStr, err := net.SplitHostPort(value); err == nil {
			if port, err2 := strconv.ParseUint(portStr, 10, 16); err2 == nil {
				p.PortKnock = &model.SocketAddr{IP: net.ParseIP(host), Port: uint16(port)}
			}
		}
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseNets(v string) []*net.IPNet {
	var out []*net.IPNet
	for _, s := range splitCSV(v) {
		if _, n, err := net.ParseCIDR(s); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func parseBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

func parseSeconds(v string, fallback time.Duration) time.Duration {
	secs, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

// Save writes params back to its ConfigFile path in the same key=value
// format Load reads, base64-encoding the password at rest.
func Save(p *model.TunnelParams) error {
	var b strings.Builder

	fmt.Fprintf(&b, "profile-id=%s\n", p.ProfileID)
	fmt.Fprintf(&b, "server-name=%s\n", p.ServerName)
	fmt.Fprintf(&b, "user-name=%s\n", p.UserName)
	fmt.Fprintf(&b, "password=%s\n", base64.StdEncoding.EncodeToString([]byte(p.Password)))
	fmt.Fprintf(&b, "search-domains=%s\n", strings.Join(p.SearchDomains, ","))
	fmt.Fprintf(&b, "ignore-search-domains=%s\n", strings.Join(p.IgnoreSearchDomains, ","))
	fmt.Fprintf(&b, "default-route=%t\n", p.DefaultRoute)
	fmt.Fprintf(&b, "no-routing=%t\n", p.NoRouting)
	fmt.Fprintf(&b, "add-routes=%s\n", joinNets(p.AddRoutes))
	fmt.Fprintf(&b, "ignore-routes=%s\n", joinNets(p.IgnoreRoutes))
	fmt.Fprintf(&b, "no-dns=%t\n", p.NoDNS)
	fmt.Fprintf(&b, "no-cert-check=%t\n", p.NoCertCheck)
	fmt.Fprintf(&b, "ignore-server-cert=%t\n", p.IgnoreServerCert)
	fmt.Fprintf(&b, "tunnel-type=%s\n", p.TunnelType)
	fmt.Fprintf(&b, "transport-type=%s\n", p.TransportType)
	if p.CACert != "" {
		fmt.Fprintf(&b, "ca-cert=%s\n", p.CACert)
	}
	fmt.Fprintf(&b, "login-type=%s\n", p.LoginType)
	if p.ClientCert != "" {
		fmt.Fprintf(&b, "client-cert=%s\n", p.ClientCert)
	}
	if p.CertPassword != "" {
		fmt.Fprintf(&b, "cert-password=%s\n", p.CertPassword)
	}
	if p.CertID != "" {
		fmt.Fprintf(&b, "cert-id=%s\n", p.CertID)
	}
	if p.IfName != "" {
		fmt.Fprintf(&b, "if-name=%s\n", p.IfName)
	}
	fmt.Fprintf(&b, "no-keychain=%t\n", p.NoKeychain)
	fmt.Fprintf(&b, "server-prompt=%t\n", p.ServerPrompt)
	fmt.Fprintf(&b, "esp-lifetime=%d\n", int64(p.EspLifetime.Seconds()))
	fmt.Fprintf(&b, "ike-lifetime=%d\n", int64(p.IkeLifetime.Seconds()))
	fmt.Fprintf(&b, "ip-lease-time=%d\n", int64(p.IPLeaseTime.Seconds()))
	fmt.Fprintf(&b, "set-routing-domains=%t\n", p.SetRoutingDomains)
	fmt.Fprintf(&b, "ike-persist=%t\n", p.IkePersist)
	fmt.Fprintf(&b, "client-mode=%s\n", p.ClientMode)
	fmt.Fprintf(&b, "keepalive-enabled=%t\n", p.KeepaliveEnabled)
	if p.PortKnock != nil {
		fmt.Fprintf(&b, "port-knock=%s\n", p.PortKnock.String())
	}

	if err := os.MkdirAll(filepath.Dir(p.ConfigFile), 0o700); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	return os.WriteFile(p.ConfigFile, []byte(b.String()), 0o600)
}

func joinNets(nets []*net.IPNet) string {
	parts := make([]string, len(nets))
	for i, n := range nets {
		parts[i] = n.String()
	}
	return strings.Join(parts, ",")
}

// DefaultConfigDir returns the per-user profile directory, following the
// same XDG-first convention the connector's other persisted paths use.
func DefaultConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "snx-go")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "snx-go")
	}
	return filepath.Join(home, ".config", "snx-go")
}

// DefaultProfilePath returns the default profile file path for a bare
// "-config" flag with no explicit path.
func DefaultProfilePath() string {
	return filepath.Join(DefaultConfigDir(), "snx-go.conf")
}
