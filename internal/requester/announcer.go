package requester

import (
	"context"
	"log"
	"sync"
	"time"

	"tunneld/internal/api"
	"tunneld/internal/config"
)

// routeSource tags published routes so the backend can atomically replace
// any prior tunnel-sourced routes for the same user.
const routeSource = "tunnel"

// Announcer registers dual-scheme route records with each provider's
// routing backend and keeps them fresh on a per-provider refresh loop.
type Announcer struct {
	cfg config.Requester

	mu    sync.Mutex
	loops map[string]*refreshLoop
}

type refreshLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewAnnouncer(cfg config.Requester) *Announcer {
	return &Announcer{
		cfg:   cfg,
		loops: map[string]*refreshLoop{},
	}
}

// Register publishes the route pair for one tunnel: HTTPS on the port the
// provider designated, plain HTTP alongside it, both pointing at the
// provider's internal gateway.
func (a *Announcer) Register(ctx context.Context, prov Provider, routePort int, routeIP string) error {
	client := api.NewClient(prov.BackendURL)
	_, err := client.PublishRoutes(ctx, prov.UserID, prov.Signature, a.buildRoutes(routeIP, routePort))
	return err
}

// StartRefreshLoop re-publishes the routes on the configured interval until
// StopRefreshLoop. Starting an already-running loop restarts it.
func (a *Announcer) StartRefreshLoop(prov Provider, routePort int, routeIP string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := prov.String()
	if loop, ok := a.loops[key]; ok {
		loop.cancel()
		<-loop.done
	}

	ctx, cancel := context.WithCancel(context.Background())
	loop := &refreshLoop{cancel: cancel, done: make(chan struct{})}
	a.loops[key] = loop

	go func() {
		defer close(loop.done)
		ticker := time.NewTicker(a.cfg.RouteRefreshInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// A failed refresh never tears the tunnel down; the
				// backend keeps the previous records until its TTL.
				callCtx, cancelCall := context.WithTimeout(ctx, 30*time.Second)
				if err := a.Register(callCtx, prov, routePort, routeIP); err != nil {
					log.Printf("route refresh for %s failed: %v", prov.BackendURL, err)
				}
				cancelCall()
			}
		}
	}()
}

// StopRefreshLoop cancels the loop for a provider and waits for it to exit.
func (a *Announcer) StopRefreshLoop(prov Provider) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := prov.String()
	loop, ok := a.loops[key]
	if !ok {
		return
	}
	loop.cancel()
	<-loop.done
	delete(a.loops, key)
}

func (a *Announcer) buildRoutes(routeIP string, routePort int) []api.Route {
	httpsRoute := api.Route{
		IP:       routeIP,
		Port:     routePort,
		Priority: a.cfg.RoutePriority,
		Scheme:   "https",
		Source:   routeSource,
	}
	if a.cfg.HealthCheckPath != "" {
		httpsRoute.HealthCheck = &api.HealthCheck{
			Path: a.cfg.HealthCheckPath,
			Host: a.cfg.HealthCheckHost,
		}
	}
	httpRoute := api.Route{
		IP:       routeIP,
		Port:     a.cfg.RoutingTargetPortHTTP,
		Priority: a.cfg.RoutePriority,
		Scheme:   "http",
		Source:   routeSource,
	}
	return []api.Route{httpsRoute, httpRoute}
}
