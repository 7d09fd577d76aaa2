package ippool

import (
	"errors"
	"fmt"
	"net/netip"
)

var (
	// ErrExhausted is returned by Allocate when no host address remains.
	ErrExhausted = errors.New("address pool exhausted")
	// ErrLeased is returned by Lease for an address that is already taken.
	ErrLeased = errors.New("address already leased")
	// ErrOutOfRange is returned for addresses outside the pool subnet.
	ErrOutOfRange = errors.New("address outside pool subnet")
)

// Pool hands out host addresses within an IPv4 subnet. The network address
// and the first host (reserved for the provider itself) are never allocated.
type Pool struct {
	prefix netip.Prefix
	leased map[netip.Addr]bool
}

// New builds a pool over cidr. Oversized subnets are rejected so a
// misconfigured range cannot turn allocation into a multi-million address
// scan; overlays here are small.
func New(cidr string) (*Pool, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("parse subnet %q: %w", cidr, err)
	}
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("subnet %q must be IPv4", cidr)
	}
	if size(prefix) > 1_048_576 {
		return nil, fmt.Errorf("subnet %q is too large (size=%d)", cidr, size(prefix))
	}
	return &Pool{
		prefix: prefix.Masked(),
		leased: map[netip.Addr]bool{},
	}, nil
}

// Prefix returns the pool subnet.
func (p *Pool) Prefix() netip.Prefix {
	return p.prefix
}

// NetworkAddr is the subnet's network address (reserved).
func (p *Pool) NetworkAddr() netip.Addr {
	return p.prefix.Addr()
}

// GatewayAddr is the lowest host address (reserved for the provider).
func (p *Pool) GatewayAddr() netip.Addr {
	return addOffset(p.prefix.Addr(), 1)
}

// Lease marks addr as taken. It fails on addresses outside the subnet and
// on addresses that are already leased.
func (p *Pool) Lease(addr netip.Addr) error {
	if !p.prefix.Contains(addr) {
		return fmt.Errorf("%w: %s not in %s", ErrOutOfRange, addr, p.prefix)
	}
	if p.leased[addr] {
		return fmt.Errorf("%w: %s", ErrLeased, addr)
	}
	p.leased[addr] = true
	return nil
}

// Reclaim leases addr, tolerating an existing lease. Used when rebuilding
// pool state from persisted peers at startup.
func (p *Pool) Reclaim(addr netip.Addr) error {
	if !p.prefix.Contains(addr) {
		return fmt.Errorf("%w: %s not in %s", ErrOutOfRange, addr, p.prefix)
	}
	p.leased[addr] = true
	return nil
}

// Allocate returns the lowest unleased host address, skipping the network
// address and the provider's reserved host.
func (p *Pool) Allocate() (netip.Addr, error) {
	n := size(p.prefix)
	for i := 2; i < n-1; i++ { // skip network, gateway and broadcast
		addr := addOffset(p.prefix.Addr(), uint32(i))
		if !p.leased[addr] {
			p.leased[addr] = true
			return addr, nil
		}
	}
	return netip.Addr{}, ErrExhausted
}

// Release returns addr to the pool.
func (p *Pool) Release(addr netip.Addr) {
	delete(p.leased, addr)
}

// Leased reports whether addr is currently taken.
func (p *Pool) Leased(addr netip.Addr) bool {
	return p.leased[addr]
}

func size(prefix netip.Prefix) int {
	return 1 << uint(32-prefix.Bits())
}

func addOffset(base netip.Addr, offset uint32) netip.Addr {
	v := base.As4()
	val := uint32(v[0])<<24 | uint32(v[1])<<16 | uint32(v[2])<<8 | uint32(v[3])
	val += offset
	return netip.AddrFrom4([4]byte{byte(val >> 24), byte(val >> 16), byte(val >> 8), byte(val)})
}
