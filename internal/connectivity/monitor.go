// Package connectivity tracks whether the ledger is reachable and signals
// the moments it becomes reachable again.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Monitor struct {
	mu          sync.Mutex
	online      bool
	subscribers map[int]chan struct{}
	nextID      int
}

func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online, subscribers: map[int]chan struct{}{}}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the current reachability and reports whether this call was a
// restored edge (offline to online). Subscribers are notified on that edge.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	restored := online && !m.online
	if online != m.online {
		log.Info().Bool("online", online).Msg("connectivity: state changed")
	}
	m.online = online
	if !restored {
		return false
	}
	for _, ch := range m.subscribers {
		// Buffer of one: a pending signal already covers this edge.
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return true
}

// Subscribe returns a channel receiving one value per restored edge and a
// func to stop the subscription. Edges arriving while a previous signal is
// still unread are coalesced.
func (m *Monitor) Subscribe() (<-chan struct{}, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan struct{}, 1)
	m.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			m.mu.Unlock()
		})
	}
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober feeds the monitor from periodic ledger health checks.
type Prober struct {
	pinger   Pinger
	monitor  *Monitor
	interval time.Duration
	timeout  time.Duration
}

func NewProber(pinger Pinger, monitor *Monitor, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := interval / 2
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &Prober{pinger: pinger, monitor: monitor, interval: interval, timeout: timeout}
}

// ProbeOnce pings the ledger and updates the monitor.
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(pingCtx)
	if err != nil {
		log.Debug().Err(err).Msg("connectivity: probe failed")
	}
	p.monitor.Set(err == nil)
	return err == nil
}

// Run probes immediately, then on every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.ProbeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}
