package provider

import (
	"context"
	"fmt"
	"log"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tunneld/internal/config"
	"tunneld/internal/ippool"
	"tunneld/internal/peers"
	"tunneld/internal/stunutil"
	"tunneld/internal/wgx"
)

// Manager owns the provider end of the tunnel: the address pool, the peer
// table and the interface. It is the single writer of both.
type Manager struct {
	cfg        config.Provider
	driver     *wgx.Driver
	pool       *ippool.Pool
	table      *peers.Table
	serverPub  string
	endpoint   string
	configPath string

	// mu linearizes peer registration against name resolution; the
	// allocate-release-add-persist sequence must not interleave.
	mu sync.Mutex
}

// NewManager initializes provider state: address pool with reserved leases,
// server key pair (reused from an existing config file when present),
// announce endpoint, interface bring-up, and the persisted peer table.
func NewManager(cfg config.Provider, driver *wgx.Driver) (*Manager, error) {
	if err := config.ValidateProvider(cfg); err != nil {
		return nil, err
	}

	pool, err := ippool.New(cfg.VPNIPRange)
	if err != nil {
		return nil, err
	}
	if err := pool.Lease(pool.NetworkAddr()); err != nil {
		return nil, err
	}
	if err := pool.Lease(pool.GatewayAddr()); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.WGConfigDir, 0o700); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:        cfg,
		driver:     driver,
		pool:       pool,
		configPath: filepath.Join(cfg.WGConfigDir, cfg.WGInterface+".conf"),
	}

	if err := m.ensureServerConfig(); err != nil {
		return nil, err
	}
	if err := m.resolveEndpoint(); err != nil {
		return nil, err
	}

	// Toggle down-then-up so a restart does not inherit stale interface state.
	if err := driver.InterfaceDown(m.configPath); err != nil {
		log.Printf("interface down %s: %v", m.configPath, err)
	}
	if err := driver.InterfaceUp(m.configPath); err != nil {
		return nil, fmt.Errorf("interface up %s: %w", m.configPath, err)
	}

	table, err := peers.Load(m.configPath, cfg.WGInterface, driver)
	if err != nil {
		return nil, err
	}
	m.table = table
	for _, p := range table.All() {
		if err := pool.Reclaim(p.IP); err != nil {
			return nil, fmt.Errorf("reclaim %s for peer %s: %w", p.IP, p.Name, err)
		}
	}
	log.Printf("provider ready: subnet=%s gateway=%s endpoint=%s peers=%d",
		pool.Prefix(), pool.GatewayAddr(), m.endpoint, len(table.All()))

	return m, nil
}

// RegisterPeer admits (or re-admits) a peer and returns the tunnel envelope
// for the requester. Same name and key is idempotent; same name with a new
// key rotates: a fresh address is allocated, then the old record is removed
// and its address released before the new record is installed.
func (m *Manager) RegisterPeer(publicKey, name string) (wgx.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, registered := m.table.Get(name)
	if registered && existing.PublicKey == publicKey {
		return m.clientConfig(existing.IP), nil
	}

	// Allocate while a rotated-away record still holds its address, so a
	// rotation always lands on a fresh address.
	ip, err := m.pool.Allocate()
	if err != nil {
		return wgx.Config{}, err
	}
	if registered {
		log.Printf("rotating key for peer %s", name)
		if err := m.removePeerLocked(name); err != nil {
			m.pool.Release(ip)
			return wgx.Config{}, err
		}
	}
	if err := m.table.Add(peers.Peer{Name: name, PublicKey: publicKey, IP: ip}); err != nil {
		m.pool.Release(ip)
		return wgx.Config{}, err
	}
	log.Printf("registered peer %s at %s", name, ip)
	return m.clientConfig(ip), nil
}

// RemovePeer deletes a peer record and releases its address.
func (m *Manager) RemovePeer(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removePeerLocked(name)
}

// IPFromName resolves a peer name to its overlay address.
func (m *Manager) IPFromName(name string) (netip.Addr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.table.Get(name)
	if !ok {
		return netip.Addr{}, false
	}
	return p.IP, true
}

// ServerIP is the provider's own overlay address.
func (m *Manager) ServerIP() netip.Addr {
	return m.pool.GatewayAddr()
}

func (m *Manager) removePeerLocked(name string) error {
	p, ok := m.table.Get(name)
	if !ok {
		return fmt.Errorf("peer %s not registered", name)
	}
	if err := m.table.Delete(name); err != nil {
		return err
	}
	m.pool.Release(p.IP)
	return nil
}

func (m *Manager) clientConfig(ip netip.Addr) wgx.Config {
	return wgx.Config{
		Interface: wgx.Interface{
			Address: []string{ip.String() + "/32"},
		},
		Peers: []wgx.Peer{{
			PublicKey:           m.serverPub,
			AllowedIPs:          []string{m.pool.Prefix().String()},
			Endpoint:            m.endpoint,
			PersistentKeepalive: config.DefaultKeepaliveSec,
		}},
	}
}

// ensureServerConfig reuses the key pair from an existing config file or
// generates a fresh one and writes the interface scaffold.
func (m *Manager) ensureServerConfig() error {
	if _, err := os.Stat(m.configPath); err == nil {
		cfg, err := wgx.ReadConfig(m.configPath)
		if err != nil {
			return fmt.Errorf("parse %s: %w", m.configPath, err)
		}
		if cfg.Interface.PrivateKey == "" {
			return fmt.Errorf("%s has no private key", m.configPath)
		}
		pub, err := wgx.DerivePublicKey(cfg.Interface.PrivateKey)
		if err != nil {
			return fmt.Errorf("%s private key: %w", m.configPath, err)
		}
		m.serverPub = pub
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	priv, err := wgx.GeneratePrivateKey()
	if err != nil {
		return err
	}
	pub, err := wgx.DerivePublicKey(priv)
	if err != nil {
		return err
	}

	scaffold := wgx.Config{
		Interface: wgx.Interface{
			PrivateKey: priv,
			Address:    []string{fmt.Sprintf("%s/%d", m.pool.GatewayAddr(), m.pool.Prefix().Bits())},
			ListenPort: m.cfg.VPNPort,
		},
	}
	if err := wgx.WriteConfig(m.configPath, scaffold); err != nil {
		return err
	}
	m.serverPub = pub
	log.Printf("generated server key pair, scaffold written to %s", m.configPath)
	return nil
}

// resolveEndpoint uses the configured announce endpoint, falling back to
// STUN discovery of the public address.
func (m *Manager) resolveEndpoint() error {
	if m.cfg.VPNEndpointAnnounce != "" {
		m.endpoint = m.cfg.VPNEndpointAnnounce
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	endpoint, err := stunutil.DetectEndpoint(ctx, m.cfg.STUNServers, m.cfg.VPNPort, 5*time.Second)
	if err != nil {
		return fmt.Errorf("VPN_ENDPOINT_ANNOUNCE unset and STUN detection failed: %w", err)
	}
	log.Printf("announce endpoint detected via STUN: %s", endpoint)
	m.endpoint = endpoint
	return nil
}
