package wgx

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config models a wg-quick configuration file. The same shape travels over
// the admission API as the tunnel envelope handed to a requester.
type Config struct {
	Interface Interface `json:"wgInterface"`
	Peers     []Peer    `json:"peers"`
}

// Interface is the [Interface] section.
type Interface struct {
	PrivateKey string   `json:"privateKey,omitempty"`
	Address    []string `json:"address"`
	ListenPort int      `json:"listenPort,omitempty"`
}

// Peer is one [Peer] section. Name is provider-side bookkeeping carried as
// a comment line in the file; it never crosses the wire.
type Peer struct {
	Name                string   `json:"-"`
	PublicKey           string   `json:"publicKey"`
	AllowedIPs          []string `json:"allowedIps"`
	Endpoint            string   `json:"endpoint,omitempty"`
	PersistentKeepalive int      `json:"persistentKeepalive,omitempty"`
}

// Render produces the wg-quick file representation.
func Render(cfg Config) string {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	if len(cfg.Interface.Address) > 0 {
		fmt.Fprintf(&b, "Address = %s\n", strings.Join(cfg.Interface.Address, ", "))
	}
	if cfg.Interface.ListenPort > 0 {
		fmt.Fprintf(&b, "ListenPort = %d\n", cfg.Interface.ListenPort)
	}
	if cfg.Interface.PrivateKey != "" {
		fmt.Fprintf(&b, "PrivateKey = %s\n", cfg.Interface.PrivateKey)
	}

	for _, p := range cfg.Peers {
		b.WriteString("\n")
		if p.Name != "" {
			fmt.Fprintf(&b, "# Name = %s\n", p.Name)
		}
		b.WriteString("[Peer]\n")
		fmt.Fprintf(&b, "PublicKey = %s\n", p.PublicKey)
		if len(p.AllowedIPs) > 0 {
			fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(p.AllowedIPs, ", "))
		}
		if p.Endpoint != "" {
			fmt.Fprintf(&b, "Endpoint = %s\n", p.Endpoint)
		}
		if p.PersistentKeepalive > 0 {
			fmt.Fprintf(&b, "PersistentKeepalive = %d\n", p.PersistentKeepalive)
		}
	}
	return b.String()
}

// Parse reads the wg-quick file representation back into a Config.
func Parse(data string) (Config, error) {
	var cfg Config
	var cur *Peer
	section := ""
	pendingName := ""

	for _, raw := range strings.Split(data, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			comment := strings.TrimSpace(strings.TrimPrefix(line, "#"))
			if k, v, ok := splitKV(comment); ok && strings.EqualFold(k, "Name") {
				pendingName = v
			}
			continue
		}
		switch {
		case strings.EqualFold(line, "[Interface]"):
			section = "interface"
			cur = nil
			continue
		case strings.EqualFold(line, "[Peer]"):
			section = "peer"
			cfg.Peers = append(cfg.Peers, Peer{Name: pendingName})
			pendingName = ""
			cur = &cfg.Peers[len(cfg.Peers)-1]
			continue
		case strings.HasPrefix(line, "["):
			return Config{}, fmt.Errorf("unknown section %q", line)
		}

		key, value, ok := splitKV(line)
		if !ok {
			return Config{}, fmt.Errorf("malformed line %q", line)
		}

		switch section {
		case "interface":
			switch {
			case strings.EqualFold(key, "Address"):
				cfg.Interface.Address = splitList(value)
			case strings.EqualFold(key, "PrivateKey"):
				cfg.Interface.PrivateKey = value
			case strings.EqualFold(key, "ListenPort"):
				port, err := strconv.Atoi(value)
				if err != nil {
					return Config{}, fmt.Errorf("bad ListenPort %q", value)
				}
				cfg.Interface.ListenPort = port
			}
		case "peer":
			switch {
			case strings.EqualFold(key, "PublicKey"):
				cur.PublicKey = value
			case strings.EqualFold(key, "AllowedIPs"):
				cur.AllowedIPs = splitList(value)
			case strings.EqualFold(key, "Endpoint"):
				cur.Endpoint = value
			case strings.EqualFold(key, "PersistentKeepalive"):
				sec, err := strconv.Atoi(value)
				if err != nil {
					return Config{}, fmt.Errorf("bad PersistentKeepalive %q", value)
				}
				cur.PersistentKeepalive = sec
			}
		default:
			return Config{}, fmt.Errorf("directive %q outside any section", key)
		}
	}
	return cfg, nil
}

// ReadConfig loads and parses a config file.
func ReadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(string(data))
}

// WriteConfig atomically writes a config file with owner-only permissions.
// A crash leaves either the previous file or the new one, never a torn file.
func WriteConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return atomicWriteFile(path, []byte(Render(cfg)), 0o600)
}

// InterfaceName derives the interface name wg-quick would use for a config path.
func InterfaceName(configPath string) string {
	return strings.TrimSuffix(filepath.Base(configPath), ".conf")
}

func splitKV(line string) (string, string, bool) {
	i := strings.Index(line, "=")
	if i < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]), true
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
