package requester

import (
	"fmt"

	"tunneld/internal/execx"
)

// probeConnectivity sends a single ICMP echo through the fresh tunnel to
// the provider's overlay address. Best-effort: callers log failures and
// continue.
func probeConnectivity(r execx.Runner, serverIP string) error {
	if serverIP == "" {
		return fmt.Errorf("no server ip in register response")
	}
	return r.Run("ping", "-c", "1", "-W", "2", serverIP)
}
