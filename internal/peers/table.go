package peers

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"tunneld/internal/wgx"
)

// RootName is the sentinel peer name serving the apex announcement domain.
const RootName = "$root$"

// Peer is one authoritative record: logical name, key and overlay address.
type Peer struct {
	Name      string
	PublicKey string
	IP        netip.Addr
}

// Table maps peer names to records. The tunnel config file is the backing
// store: every mutation updates the in-memory map, patches the live
// interface, and rewrites the file atomically. Single writer; the mutex
// guards both the map and the derived file write.
type Table struct {
	mu     sync.Mutex
	path   string
	iface  string
	driver *wgx.Driver
	server wgx.Interface
	byName map[string]Peer
}

// Load parses the config file at path and rebuilds the table. A peer without
// a name comment or a parseable allowed address, or a duplicate name, makes
// Load fail; a provider config is never expected to contain either.
func Load(path, iface string, driver *wgx.Driver) (*Table, error) {
	cfg, err := wgx.ReadConfig(path)
	if err != nil {
		return nil, err
	}

	t := &Table{
		path:   path,
		iface:  iface,
		driver: driver,
		server: cfg.Interface,
		byName: map[string]Peer{},
	}
	for _, p := range cfg.Peers {
		if p.Name == "" {
			return nil, fmt.Errorf("peer %s has no name in %s", p.PublicKey, path)
		}
		if len(p.AllowedIPs) == 0 {
			return nil, fmt.Errorf("peer %s has no allowed ips in %s", p.Name, path)
		}
		prefix, err := netip.ParsePrefix(p.AllowedIPs[0])
		if err != nil {
			return nil, fmt.Errorf("peer %s allowed ip %q: %w", p.Name, p.AllowedIPs[0], err)
		}
		if _, dup := t.byName[p.Name]; dup {
			return nil, fmt.Errorf("duplicate peer name %s in %s", p.Name, path)
		}
		t.byName[p.Name] = Peer{Name: p.Name, PublicKey: p.PublicKey, IP: prefix.Addr()}
	}
	return t, nil
}

// Get returns the record for name.
func (t *Table) Get(name string) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byName[name]
	return p, ok
}

// Has reports whether name is registered.
func (t *Table) Has(name string) bool {
	_, ok := t.Get(name)
	return ok
}

// All returns every record, ordered by overlay address.
func (t *Table) All() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sortedLocked()
}

// Add installs a record: in-memory map, live interface, then config file.
// The file reflects the post-mutation map when Add returns.
func (t *Table) Add(p Peer) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byName[p.Name]; ok {
		return fmt.Errorf("peer %s already registered", p.Name)
	}
	t.byName[p.Name] = p

	if err := t.driver.AddPeer(t.iface, p.PublicKey, []string{hostCIDR(p.IP)}); err != nil {
		delete(t.byName, p.Name)
		return fmt.Errorf("add peer %s to %s: %w", p.Name, t.iface, err)
	}
	if err := t.persistLocked(); err != nil {
		delete(t.byName, p.Name)
		return err
	}
	return nil
}

// Delete removes a record from the map, the live interface and the file.
func (t *Table) Delete(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.byName[name]
	if !ok {
		return fmt.Errorf("peer %s not registered", name)
	}
	delete(t.byName, name)

	if err := t.driver.RemovePeer(t.iface, p.PublicKey); err != nil {
		t.byName[name] = p
		return fmt.Errorf("remove peer %s from %s: %w", name, t.iface, err)
	}
	if err := t.persistLocked(); err != nil {
		t.byName[name] = p
		return err
	}
	return nil
}

func (t *Table) persistLocked() error {
	cfg := wgx.Config{Interface: t.server}
	for _, p := range t.sortedLocked() {
		cfg.Peers = append(cfg.Peers, wgx.Peer{
			Name:       p.Name,
			PublicKey:  p.PublicKey,
			AllowedIPs: []string{hostCIDR(p.IP)},
		})
	}
	return wgx.WriteConfig(t.path, cfg)
}

func (t *Table) sortedLocked() []Peer {
	out := make([]Peer, 0, len(t.byName))
	for _, p := range t.byName {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP.Less(out[j].IP) })
	return out
}

func hostCIDR(addr netip.Addr) string {
	return addr.String() + "/32"
}
