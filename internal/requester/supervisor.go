package requester

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tunneld/internal/api"
	"tunneld/internal/config"
	"tunneld/internal/execx"
	"tunneld/internal/provider"
	"tunneld/internal/wgx"
)

// ExitStartFailure is the process exit code for an unrecoverable tunnel
// start. The reconcile loop has no safe recovery; a supervisor restart
// re-reads the declarative config and retries from scratch.
const ExitStartFailure = 51

// Provider is one parsed connection string.
type Provider struct {
	BackendURL string
	UserID     string
	Signature  string
}

// ParseProvider splits "<backendUrl>,<userId>,<signature>". All three
// fields are required and the URL must carry an http(s) scheme.
func ParseProvider(s string) (Provider, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return Provider{}, fmt.Errorf("provider string %q: want <backendUrl>,<userId>,<signature>", s)
	}
	p := Provider{
		BackendURL: strings.TrimSpace(parts[0]),
		UserID:     strings.TrimSpace(parts[1]),
		Signature:  strings.TrimSpace(parts[2]),
	}
	if !strings.HasPrefix(p.BackendURL, "http://") && !strings.HasPrefix(p.BackendURL, "https://") {
		return Provider{}, fmt.Errorf("provider string %q: backend url must be http or https", s)
	}
	if p.UserID == "" || p.Signature == "" {
		return Provider{}, fmt.Errorf("provider string %q: userId and signature are required", s)
	}
	return p, nil
}

func (p Provider) String() string {
	return p.BackendURL + "," + p.UserID + "," + p.Signature
}

// Supervisor drives one tunnel per configured provider: probe, version
// gate, registration, tunnel bring-up, route announcement and liveness
// supervision. Reconcile converges the running set onto the declared set.
type Supervisor struct {
	cfg       config.Requester
	driver    *wgx.Driver
	runner    execx.Runner
	keys      *KeyStore
	announcer *Announcer
	watcher   *Watcher

	mu     sync.Mutex
	active map[string]*tunnelRun

	// exit is swappable so tests can observe the fatal path.
	exit func(code int)
}

type tunnelRun struct {
	cancel context.CancelFunc
}

func NewSupervisor(cfg config.Requester, driver *wgx.Driver, runner execx.Runner) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		driver:    driver,
		runner:    runner,
		keys:      NewKeyStore(cfg.KeyDir),
		announcer: NewAnnouncer(cfg),
		active:    map[string]*tunnelRun{},
		exit:      os.Exit,
	}
	s.watcher = NewWatcher(driver, cfg.HandshakePollInterval(), cfg.HandshakeThreshold(), s.Restart)
	return s
}

// Reconcile converges on the declared provider set: vanished providers are
// stopped before new ones start, so a string that disappears and reappears
// in one delta observes a clean slate.
func (s *Supervisor) Reconcile(providers []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	declared := map[string]bool{}
	for _, p := range providers {
		declared[p] = true
	}

	for p := range s.active {
		if !declared[p] {
			s.stopLocked(p)
		}
	}
	for _, p := range providers {
		if _, ok := s.active[p]; !ok {
			s.startLocked(p)
		}
	}

	if len(s.active) > 0 {
		s.watcher.Start()
	} else {
		s.watcher.Stop()
	}
}

// Restart cycles one provider's tunnel. Invoked by the handshake watcher
// when the tunnel goes silent.
func (s *Supervisor) Restart(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[p]; !ok {
		return
	}
	s.stopLocked(p)
	s.startLocked(p)
}

// StopAll tears down every active tunnel.
func (s *Supervisor) StopAll() {
	s.Reconcile(nil)
}

// Teardown brings down one provider's tunnel and removes its config
// without the tunnel having been started by this process. Used by the
// operator teardown command.
func (s *Supervisor) Teardown(p string) {
	prov, err := ParseProvider(p)
	if err != nil {
		log.Printf("teardown %q: %v", p, err)
		return
	}
	path := s.ConfigPath(prov.BackendURL)
	if err := s.driver.InterfaceDown(path); err != nil {
		log.Printf("interface down %s: %v", path, err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("remove %s: %v", path, err)
	}
}

// ConfigPath derives the tunnel config path for a provider URL. The file
// base doubles as the interface name, which the kernel caps at 15
// characters, so it is a short URL hash rather than the sanitized URL.
func (s *Supervisor) ConfigPath(backendURL string) string {
	return filepath.Join(s.cfg.WGConfigDir, "wgr-"+hashName(backendURL)+".conf")
}

func (s *Supervisor) startLocked(p string) {
	prov, err := ParseProvider(p)
	if err != nil {
		log.Printf("cannot start provider: %v", err)
		s.exit(ExitStartFailure)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.active[p] = &tunnelRun{cancel: cancel}
	go s.run(ctx, p, prov)
}

// stopLocked cancels any in-flight start, then tears down: refresh loop,
// watcher registration, interface, config file. Teardown errors are logged
// and swallowed.
func (s *Supervisor) stopLocked(p string) {
	run, ok := s.active[p]
	if !ok {
		return
	}
	run.cancel()
	delete(s.active, p)

	prov, err := ParseProvider(p)
	if err != nil {
		log.Printf("stop %q: %v", p, err)
		return
	}

	s.announcer.StopRefreshLoop(prov)
	s.watcher.Remove(p)

	path := s.ConfigPath(prov.BackendURL)
	if err := s.driver.InterfaceDown(path); err != nil {
		log.Printf("interface down %s: %v", path, err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("remove %s: %v", path, err)
	}
	log.Printf("stopped tunnel for %s", prov.BackendURL)
}

// run performs the start sequence for one provider. The interface only
// comes up after a successful register response. Unrecoverable failures
// terminate the process with ExitStartFailure.
func (s *Supervisor) run(ctx context.Context, key string, prov Provider) {
	client := api.NewClient(prov.BackendURL)

	// Probe availability until the provider answers.
	for {
		probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := client.Ping(probeCtx)
		cancel()
		if err == nil {
			break
		}
		log.Printf("provider %s unreachable: %v", prov.BackendURL, err)
		if !sleepCtx(ctx, s.cfg.RetryInterval()) {
			return
		}
	}

	// Gate on protocol revision. Older providers get the long migration
	// backoff instead of a hard failure.
	for {
		versionCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		v, err := client.Version(versionCtx)
		cancel()
		if err != nil {
			log.Printf("version check for %s: %v", prov.BackendURL, err)
			if !sleepCtx(ctx, s.cfg.RetryInterval()) {
				return
			}
			continue
		}
		if v < provider.ProtocolVersion {
			log.Printf("provider %s speaks version %d, waiting for migration to %d",
				prov.BackendURL, v, provider.ProtocolVersion)
			if !sleepCtx(ctx, s.cfg.ProviderRetryInterval()) {
				return
			}
			continue
		}
		break
	}

	keys, err := s.keys.GetOrGenerate(prov.BackendURL)
	if err != nil {
		s.fatal(ctx, fmt.Errorf("key pair for %s: %w", prov.BackendURL, err))
		return
	}

	regCtx, cancelReg := context.WithTimeout(ctx, 30*time.Second)
	reg, err := client.Register(regCtx, api.RegisterRequest{
		UserID:        prov.UserID,
		VPNPublicKey:  keys.Public,
		AuthToken:     prov.Signature,
		ClientVersion: provider.ProtocolVersion,
	})
	cancelReg()
	if err != nil {
		s.fatal(ctx, fmt.Errorf("register with %s: %w", prov.BackendURL, err))
		return
	}

	tunnelCfg := reg.WGConfig
	tunnelCfg.Interface.PrivateKey = keys.Private
	path := s.ConfigPath(prov.BackendURL)
	if err := wgx.WriteConfig(path, tunnelCfg); err != nil {
		s.fatal(ctx, fmt.Errorf("persist tunnel config %s: %w", path, err))
		return
	}

	// Down first tolerates leftover state from a previous run.
	if err := s.driver.InterfaceDown(path); err != nil {
		log.Printf("interface down %s: %v", path, err)
	}
	if err := s.driver.InterfaceUp(path); err != nil {
		s.fatal(ctx, fmt.Errorf("interface up %s: %w", path, err))
		return
	}
	if ctx.Err() != nil {
		return
	}

	if err := probeConnectivity(s.runner, reg.ServerIP); err != nil {
		log.Printf("connectivity probe to %s: %v", reg.ServerIP, err)
	}

	announceCtx, cancelAnnounce := context.WithTimeout(ctx, 30*time.Second)
	err = s.announcer.Register(announceCtx, prov, reg.RoutePort, reg.RouteIP)
	cancelAnnounce()
	if err != nil {
		// The tunnel still carries traffic; only edge failover is lost.
		log.Printf("route registration with %s failed: %v", prov.BackendURL, err)
	} else {
		s.announcer.StartRefreshLoop(prov, reg.RoutePort, reg.RouteIP)
	}

	if ctx.Err() != nil {
		return
	}
	s.watcher.Add(key, path)
	log.Printf("tunnel up: provider=%s domain=%s address=%v",
		prov.BackendURL, reg.Domain, tunnelCfg.Interface.Address)
}

// fatal terminates the process unless the failure raced a deliberate stop.
func (s *Supervisor) fatal(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	log.Printf("unrecoverable tunnel start failure: %v", err)
	s.exit(ExitStartFailure)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
