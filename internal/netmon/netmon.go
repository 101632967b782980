// Package netmon tracks whether the process can reach the network.
package netmon

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/usememos/chatsync/internal/metrics"
)

const defaultProbeInterval = 30 * time.Second

// Monitor holds the online/offline state. It starts online.
type Monitor struct {
	mu       sync.RWMutex
	online   bool
	watchers map[int]func(online bool)
	nextID   int
	logger   *slog.Logger
}

func New(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Online.Set(1)
	return &Monitor{
		online:   true,
		watchers: make(map[int]func(bool)),
		logger:   logger,
	}
}

func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set applies a connectivity transition. Watchers are called only when the
// state changes.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(bool), 0, len(m.watchers))
	for _, fn := range m.watchers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	if online {
		metrics.Online.Set(1)
		m.logger.Info("network is back online")
	} else {
		metrics.Online.Set(0)
		m.logger.Warn("network is offline")
	}
	for _, fn := range fns {
		fn(online)
	}
}

// Watch registers fn for transitions.
func (m *Monitor) Watch(fn func(online bool)) (unwatch func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

// Prober feeds the result of periodic HEAD requests into a Monitor.
type Prober struct {
	Monitor  *Monitor
	URL      string
	Interval time.Duration
	Client   *http.Client
}

// Run probes once immediately, then every Interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: interval / 2}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p.Monitor.Set(p.probe(ctx, client))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Prober) probe(ctx context.Context, client *http.Client) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down is not a connectivity change.
			return p.Monitor.Online()
		}
		return false
	}
	resp.Body.Close()
	// Any answer means the network is reachable.
	return true
}
