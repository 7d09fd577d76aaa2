package requester

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tunneld/internal/api"
	"tunneld/internal/execx"
	"tunneld/internal/wgx"
)

func TestParseProvider_RoundTrip(t *testing.T) {
	t.Parallel()

	in := Provider{BackendURL: "https://p.example.com", UserID: "alice", Signature: "sig"}
	out, err := ParseProvider(in.String())
	if err != nil {
		t.Fatalf("ParseProvider: %v", err)
	}
	if out != in {
		t.Fatalf("out=%+v want %+v", out, in)
	}
}

func TestParseProvider_Rejects(t *testing.T) {
	t.Parallel()

	cases := []string{
		"",
		"https://p.example.com,alice",
		"https://p.example.com,alice,sig,extra",
		"ftp://p.example.com,alice,sig",
		"p.example.com,alice,sig",
		"https://p.example.com,,sig",
		"https://p.example.com,alice,",
	}
	for _, c := range cases {
		if _, err := ParseProvider(c); err == nil {
			t.Fatalf("ParseProvider(%q) should fail", c)
		}
	}
}

func TestConfigPath_InterfaceNameFits(t *testing.T) {
	t.Parallel()

	cfg := testRequesterConfig()
	cfg.WGConfigDir = "/etc/tunneld/wireguard"
	s := NewSupervisor(cfg, wgx.NewDriver(&quietRunner{}), &quietRunner{})

	path := s.ConfigPath("https://a-rather-long-provider-hostname.example.com")
	iface := wgx.InterfaceName(path)
	if len(iface) > 15 {
		t.Fatalf("interface name %q exceeds kernel limit", iface)
	}
	// Deterministic and distinct per URL.
	if path != s.ConfigPath("https://a-rather-long-provider-hostname.example.com") {
		t.Fatal("path is not deterministic")
	}
	if path == s.ConfigPath("https://other.example.com") {
		t.Fatal("distinct providers share a config path")
	}
}

type quietRunner struct {
	mu   sync.Mutex
	cmds []string
}

func (r *quietRunner) Run(name string, args ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, name+" "+strings.Join(args, " "))
	return nil
}

func (r *quietRunner) Output(name string, args ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, name+" "+strings.Join(args, " "))
	return "", nil
}

func (r *quietRunner) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cmds...)
}

var _ execx.Runner = (*quietRunner)(nil)

// fakeProvider serves the admission and routing endpoints a requester needs.
func fakeProvider(t *testing.T, routeCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	serverKey, err := wgx.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	serverPub, _ := wgx.DerivePublicKey(serverKey)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/ping", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/router/api/version", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(api.VersionResponse{Version: 2})
	})
	mux.HandleFunc("/api/register", func(w http.ResponseWriter, r *http.Request) {
		var req api.RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VPNPublicKey == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(api.RegisterResponse{
			WGConfig: wgx.Config{
				Interface: wgx.Interface{Address: []string{"10.0.0.2/32"}},
				Peers: []wgx.Peer{{
					PublicKey:           serverPub,
					AllowedIPs:          []string{"10.0.0.0/24"},
					Endpoint:            "vpn.example.com:51820",
					PersistentKeepalive: 60,
				}},
			},
			ServerIP:     "10.0.0.1",
			ServerDomain: "example.com",
			DomainName:   "alice",
			Domain:       "alice.example.com",
			RouteIP:      "192.168.1.5",
			RoutePort:    443,
		})
	})
	mux.HandleFunc("/router/api/routes/", func(w http.ResponseWriter, r *http.Request) {
		routeCalls.Add(1)
		_ = json.NewEncoder(w).Encode(api.RoutesResponse{Message: "ok"})
	})
	return httptest.NewServer(mux)
}

func TestSupervisor_StartThenStop(t *testing.T) {
	t.Parallel()

	var routeCalls atomic.Int32
	backend := fakeProvider(t, &routeCalls)
	defer backend.Close()

	cfg := testRequesterConfig()
	cfg.WGConfigDir = t.TempDir()
	cfg.KeyDir = t.TempDir()
	cfg.RouteRefreshSec = 600 // keep the loop quiet during the test

	runner := &quietRunner{}
	s := NewSupervisor(cfg, wgx.NewDriver(runner), runner)
	s.exit = func(code int) { t.Errorf("unexpected exit(%d)", code) }

	prov := Provider{BackendURL: backend.URL, UserID: "alice", Signature: "sig"}
	s.Reconcile([]string{prov.String()})

	path := s.ConfigPath(backend.URL)
	waitFor(t, 5*time.Second, func() bool {
		_, err := os.Stat(path)
		return err == nil && routeCalls.Load() >= 1
	})

	tunnelCfg, err := wgx.ReadConfig(path)
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if tunnelCfg.Interface.PrivateKey == "" {
		t.Fatal("private key not injected into tunnel config")
	}
	if len(tunnelCfg.Interface.Address) != 1 || tunnelCfg.Interface.Address[0] != "10.0.0.2/32" {
		t.Fatalf("address=%v", tunnelCfg.Interface.Address)
	}

	// The interface only came up after registration, with a down first to
	// clear leftover state, and the connectivity probe ran.
	waitFor(t, 2*time.Second, func() bool {
		cmds := runner.snapshot()
		return indexOf(cmds, "wg-quick up "+path) > indexOf(cmds, "wg-quick down "+path) &&
			indexOf(cmds, "ping -c 1 -W 2 10.0.0.1") >= 0
	})

	s.StopAll()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("config file still present after stop: %v", err)
	}
	cmds := runner.snapshot()
	if indexOf(cmds, "wg-quick up "+path) > lastIndexOf(cmds, "wg-quick down "+path) {
		t.Fatalf("interface not brought down on stop: %v", cmds)
	}
}

func TestSupervisor_UnparseableProviderIsFatal(t *testing.T) {
	t.Parallel()

	cfg := testRequesterConfig()
	cfg.WGConfigDir = t.TempDir()
	cfg.KeyDir = t.TempDir()

	runner := &quietRunner{}
	s := NewSupervisor(cfg, wgx.NewDriver(runner), runner)

	var gotCode atomic.Int32
	s.exit = func(code int) { gotCode.Store(int32(code)) }

	s.Reconcile([]string{"not-a-provider-string"})
	if gotCode.Load() != ExitStartFailure {
		t.Fatalf("exit code=%d want %d", gotCode.Load(), ExitStartFailure)
	}
}

func TestSupervisor_ReconcileStopsVanished(t *testing.T) {
	t.Parallel()

	var routeCalls atomic.Int32
	backend := fakeProvider(t, &routeCalls)
	defer backend.Close()

	cfg := testRequesterConfig()
	cfg.WGConfigDir = t.TempDir()
	cfg.KeyDir = t.TempDir()
	cfg.RouteRefreshSec = 600

	runner := &quietRunner{}
	s := NewSupervisor(cfg, wgx.NewDriver(runner), runner)
	s.exit = func(code int) { t.Errorf("unexpected exit(%d)", code) }

	prov := Provider{BackendURL: backend.URL, UserID: "alice", Signature: "sig"}
	s.Reconcile([]string{prov.String()})

	path := s.ConfigPath(backend.URL)
	waitFor(t, 5*time.Second, func() bool {
		_, err := os.Stat(path)
		return err == nil
	})

	// The provider disappears from the declarative set.
	s.Reconcile(nil)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("config file still present: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func indexOf(cmds []string, want string) int {
	for i, c := range cmds {
		if c == want {
			return i
		}
	}
	return -1
}

func lastIndexOf(cmds []string, want string) int {
	idx := -1
	for i, c := range cmds {
		if c == want {
			idx = i
		}
	}
	return idx
}

func TestTeardown_BestEffort(t *testing.T) {
	t.Parallel()

	cfg := testRequesterConfig()
	cfg.WGConfigDir = t.TempDir()
	cfg.KeyDir = t.TempDir()

	runner := &quietRunner{}
	s := NewSupervisor(cfg, wgx.NewDriver(runner), runner)

	path := s.ConfigPath("https://p.example.com")
	if err := wgx.WriteConfig(path, wgx.Config{Interface: wgx.Interface{Address: []string{"10.0.0.2/32"}}}); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}

	s.Teardown("https://p.example.com,alice,sig")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("config file still present: %v", err)
	}
	if indexOf(runner.snapshot(), "wg-quick down "+path) < 0 {
		t.Fatal("interface not brought down")
	}

	// Absent file and unparseable string are quiet no-ops.
	s.Teardown("https://p.example.com,alice,sig")
	s.Teardown("garbage")
}
