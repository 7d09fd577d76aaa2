package wgx

import (
	"fmt"
	"strconv"
	"strings"

	"tunneld/internal/execx"
)

// Driver wraps the host WireGuard toolchain (wg, wg-quick). It is the only
// place tunnel commands are issued; the Runner is injectable for unit tests.
type Driver struct {
	r execx.Runner
}

func NewDriver(r execx.Runner) *Driver {
	if r == nil {
		r = execx.NewOSRunner()
	}
	return &Driver{r: r}
}

// InterfaceUp brings the interface up from its config file.
func (d *Driver) InterfaceUp(configPath string) error {
	return d.r.Run("wg-quick", "up", configPath)
}

// InterfaceDown tears the interface down. Already-down interfaces are not
// an error so callers can toggle down-then-up to reset stale state.
func (d *Driver) InterfaceDown(configPath string) error {
	err := d.r.Run("wg-quick", "down", configPath)
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "is not a WireGuard interface") ||
		strings.Contains(err.Error(), "does not exist") {
		return nil
	}
	return err
}

// AddPeer installs a peer on the live interface without a restart.
func (d *Driver) AddPeer(iface, publicKey string, allowedIPs []string) error {
	if publicKey == "" {
		return fmt.Errorf("public key is required")
	}
	return d.r.Run("wg", "set", iface,
		"peer", publicKey,
		"allowed-ips", strings.Join(allowedIPs, ","))
}

// RemovePeer removes a peer from the live interface.
func (d *Driver) RemovePeer(iface, publicKey string) error {
	if publicKey == "" {
		return fmt.Errorf("public key is required")
	}
	return d.r.Run("wg", "set", iface, "peer", publicKey, "remove")
}

// Handshakes returns public key -> last handshake unix epoch for an
// interface. Peers that never completed a handshake report 0.
func (d *Driver) Handshakes(iface string) (map[string]int64, error) {
	if iface == "" {
		return nil, fmt.Errorf("interface name is required")
	}
	out, err := d.r.Output("wg", "show", iface, "latest-handshakes")
	if err != nil {
		return nil, err
	}
	return ParseHandshakes(out), nil
}

// ParseHandshakes parses `wg show <iface> latest-handshakes` output:
// one "<public-key>\t<epoch>" pair per line.
func ParseHandshakes(out string) map[string]int64 {
	handshakes := map[string]int64{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		epoch, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		handshakes[fields[0]] = epoch
	}
	return handshakes
}
