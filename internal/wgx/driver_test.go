package wgx

import (
	"errors"
	"strings"
	"testing"

	"tunneld/internal/execx"
)

type recordRunner struct {
	cmds   []string
	runErr error
	output string
	outErr error
}

func (r *recordRunner) Run(name string, args ...string) error {
	r.cmds = append(r.cmds, name+" "+strings.Join(args, " "))
	return r.runErr
}

func (r *recordRunner) Output(name string, args ...string) (string, error) {
	r.cmds = append(r.cmds, name+" "+strings.Join(args, " "))
	return r.output, r.outErr
}

var _ execx.Runner = (*recordRunner)(nil)

func TestDriver_PeerVerbs(t *testing.T) {
	t.Parallel()

	rr := &recordRunner{}
	d := NewDriver(rr)

	if err := d.AddPeer("wg0", "pkA", []string{"10.0.0.2/32"}); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if err := d.RemovePeer("wg0", "pkA"); err != nil {
		t.Fatalf("RemovePeer: %v", err)
	}

	want := []string{
		"wg set wg0 peer pkA allowed-ips 10.0.0.2/32",
		"wg set wg0 peer pkA remove",
	}
	for i, w := range want {
		if rr.cmds[i] != w {
			t.Fatalf("cmd[%d]=%q want %q", i, rr.cmds[i], w)
		}
	}
}

func TestDriver_RejectsEmptyKey(t *testing.T) {
	t.Parallel()

	d := NewDriver(&recordRunner{})
	if err := d.AddPeer("wg0", "", nil); err == nil {
		t.Fatal("expected error")
	}
	if err := d.RemovePeer("wg0", ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestDriver_DownTolerantOfMissingInterface(t *testing.T) {
	t.Parallel()

	rr := &recordRunner{runErr: errors.New("wg-quick: `wg9' is not a WireGuard interface")}
	d := NewDriver(rr)
	if err := d.InterfaceDown("/etc/wireguard/wg9.conf"); err != nil {
		t.Fatalf("InterfaceDown: %v", err)
	}

	rr2 := &recordRunner{runErr: errors.New("permission denied")}
	if err := NewDriver(rr2).InterfaceDown("/etc/wireguard/wg0.conf"); err == nil {
		t.Fatal("expected error to surface")
	}
}

func TestParseHandshakes(t *testing.T) {
	t.Parallel()

	out := "pkA\t1700000000\npkB\t0\n\nnot a line\n"
	hs := ParseHandshakes(out)
	if len(hs) != 2 {
		t.Fatalf("handshakes=%v", hs)
	}
	if hs["pkA"] != 1700000000 {
		t.Fatalf("pkA=%d", hs["pkA"])
	}
	if hs["pkB"] != 0 {
		t.Fatalf("pkB=%d", hs["pkB"])
	}
}

func TestDriver_Handshakes(t *testing.T) {
	t.Parallel()

	rr := &recordRunner{output: "pkA\t42"}
	d := NewDriver(rr)
	hs, err := d.Handshakes("wg0")
	if err != nil {
		t.Fatalf("Handshakes: %v", err)
	}
	if hs["pkA"] != 42 {
		t.Fatalf("hs=%v", hs)
	}
	if rr.cmds[0] != "wg show wg0 latest-handshakes" {
		t.Fatalf("cmd=%q", rr.cmds[0])
	}
}
