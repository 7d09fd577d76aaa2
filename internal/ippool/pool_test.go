package ippool

import (
	"errors"
	"net/netip"
	"testing"
)

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	addr, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("ParseAddr(%s): %v", s, err)
	}
	return addr
}

func newPool(t *testing.T, cidr string) *Pool {
	t.Helper()
	p, err := New(cidr)
	if err != nil {
		t.Fatalf("New(%s): %v", cidr, err)
	}
	return p
}

func TestAllocate_SkipsReserved(t *testing.T) {
	t.Parallel()

	p := newPool(t, "10.0.0.0/24")
	if err := p.Lease(p.NetworkAddr()); err != nil {
		t.Fatalf("Lease network: %v", err)
	}
	if err := p.Lease(p.GatewayAddr()); err != nil {
		t.Fatalf("Lease gateway: %v", err)
	}

	ip, err := p.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if ip != mustAddr(t, "10.0.0.2") {
		t.Fatalf("ip=%s", ip)
	}

	ip2, err := p.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if ip2 != mustAddr(t, "10.0.0.3") {
		t.Fatalf("ip2=%s", ip2)
	}
}

func TestAllocate_ReusesReleased(t *testing.T) {
	t.Parallel()

	p := newPool(t, "10.0.0.0/24")
	first, _ := p.Allocate()
	second, _ := p.Allocate()
	p.Release(first)

	again, err := p.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if again != first {
		t.Fatalf("again=%s want %s (second=%s)", again, first, second)
	}
}

func TestAllocate_Exhausted(t *testing.T) {
	t.Parallel()

	// /30 has hosts .1 and .2; .1 is the reserved gateway, .3 broadcast.
	p := newPool(t, "10.0.0.0/30")
	ip, err := p.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if ip != mustAddr(t, "10.0.0.2") {
		t.Fatalf("ip=%s", ip)
	}

	if _, err := p.Allocate(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("err=%v", err)
	}
}

func TestLease_Errors(t *testing.T) {
	t.Parallel()

	p := newPool(t, "10.0.0.0/24")
	addr := mustAddr(t, "10.0.0.7")
	if err := p.Lease(addr); err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if err := p.Lease(addr); !errors.Is(err, ErrLeased) {
		t.Fatalf("err=%v", err)
	}
	if err := p.Lease(mustAddr(t, "192.168.1.1")); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("err=%v", err)
	}
}

func TestReclaim_Idempotent(t *testing.T) {
	t.Parallel()

	p := newPool(t, "10.0.0.0/24")
	addr := mustAddr(t, "10.0.0.5")
	if err := p.Reclaim(addr); err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if err := p.Reclaim(addr); err != nil {
		t.Fatalf("second Reclaim: %v", err)
	}
	if !p.Leased(addr) {
		t.Fatal("addr not leased")
	}
}

func TestNew_Rejects(t *testing.T) {
	t.Parallel()

	if _, err := New("not-a-cidr"); err == nil {
		t.Fatal("expected error for malformed cidr")
	}
	if _, err := New("fd00::/64"); err == nil {
		t.Fatal("expected error for IPv6")
	}
	if _, err := New("10.0.0.0/8"); err == nil {
		t.Fatal("expected error for oversized subnet")
	}
}
