package requester

import (
	"context"
	"log"
	"sync"
	"time"

	"tunneld/internal/wgx"
)

// Watcher polls handshake timestamps for every registered tunnel and fires
// the restart callback when a tunnel goes silent past the threshold. One
// background goroutine covers all providers; reads never mutate interface
// state.
type Watcher struct {
	driver    *wgx.Driver
	interval  time.Duration
	threshold time.Duration
	restart   func(provider string)

	mu      sync.Mutex
	entries map[string]*watchEntry
	cancel  context.CancelFunc
	done    chan struct{}

	now func() time.Time
}

type watchEntry struct {
	configPath string
	// graceFrom delays staleness for peers that never completed a
	// handshake: a freshly configured tunnel reports epoch 0 until the
	// first exchange.
	graceFrom time.Time
}

func NewWatcher(driver *wgx.Driver, interval, threshold time.Duration, restart func(provider string)) *Watcher {
	return &Watcher{
		driver:    driver,
		interval:  interval,
		threshold: threshold,
		restart:   restart,
		entries:   map[string]*watchEntry{},
		now:       time.Now,
	}
}

// Add registers (or re-registers) a provider's tunnel config for watching.
func (w *Watcher) Add(provider, configPath string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[provider] = &watchEntry{
		configPath: configPath,
		graceFrom:  w.now(),
	}
}

// Remove deregisters a provider. Unknown providers are a no-op.
func (w *Watcher) Remove(provider string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, provider)
}

// Start launches the poll loop. Starting a running watcher is a no-op.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.poll()
			}
		}
	}(w.done)
}

// Stop halts the poll loop and waits for it to exit. Stopping a stopped
// watcher is a no-op.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Watcher) poll() {
	for provider, entry := range w.snapshot() {
		if w.tunnelStale(provider, entry) {
			log.Printf("tunnel for %s is silent, restarting", provider)
			go w.restart(provider)
			// Reset grace so the restart gets a full threshold before the
			// watcher fires again.
			w.Add(provider, entry.configPath)
		}
	}
}

func (w *Watcher) tunnelStale(provider string, entry *watchEntry) bool {
	iface := wgx.InterfaceName(entry.configPath)
	handshakes, err := w.driver.Handshakes(iface)
	if err != nil {
		// Read failures are events, not watcher death; the next tick retries.
		log.Printf("handshake read for %s (%s): %v", provider, iface, err)
		return false
	}

	now := w.now()
	for _, epoch := range handshakes {
		if epoch == 0 {
			if now.Sub(entry.graceFrom) > w.threshold {
				return true
			}
			continue
		}
		if now.Sub(time.Unix(epoch, 0)) > w.threshold {
			return true
		}
	}
	return false
}

func (w *Watcher) snapshot() map[string]*watchEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]*watchEntry, len(w.entries))
	for k, v := range w.entries {
		out[k] = v
	}
	return out
}
