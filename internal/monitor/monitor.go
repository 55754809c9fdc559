// Package monitor keeps a logged-on session healthy: it sends the periodic
// idle ping, expires silent peers and notices when the network goes away or
// comes back.
package monitor

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"lanchat/internal/config"
	"lanchat/internal/directory"
	"lanchat/internal/models"
	"lanchat/internal/network"
)

// Session is what the monitor drives.
type Session interface {
	SendIdle(ctx context.Context) error
	// PeerTimedOut is called after p was removed for being silent too long.
	PeerTimedOut(p *models.Peer)
	// Reconnect brings the network back up and announces the session again.
	Reconnect(ctx context.Context) error
}

type Monitor struct {
	config  config.Config
	net     network.Network
	dir     *directory.Directory
	session Session

	lastLoopback atomic.Int64
	linkEvents   chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.Config, n network.Network, dir *directory.Directory, s Session) *Monitor {
	m := &Monitor{
		config:     cfg,
		net:        n,
		dir:        dir,
		session:    s,
		linkEvents: make(chan struct{}, 1),
	}
	m.Loopback()
	n.AddStatusListener(m)
	return m
}

// Loopback records that one of our own multicasts came back.
func (m *Monitor) Loopback() {
	m.lastLoopback.Store(time.Now().UnixNano())
}

func (m *Monitor) BeforeNetworkUp() {}

func (m *Monitor) NetworkUp() { m.Loopback() }

func (m *Monitor) NetworkDown() {}

// LinkChanged schedules a network check outside the regular ticks.
func (m *Monitor) LinkChanged() {
	select {
	case m.linkEvents <- struct{}{}:
	default:
	}
}

// Start runs the monitor until Stop. Starting a running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.Loopback()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()

	if err := watchLinks(ctx, m.LinkChanged); err != nil {
		log.Printf("[MONITOR] Link events unavailable, polling only: %v", err)
	}
}

// Stop ends the monitor and waits for its goroutine.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.config.IdleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Tick(ctx, now)
		case <-m.linkEvents:
			m.CheckNetwork(ctx, time.Now())
		}
	}
}

// Tick does one round of pinging, sweeping and checking.
func (m *Monitor) Tick(ctx context.Context, now time.Time) {
	if m.CheckNetwork(ctx, now) {
		sendCtx, cancel := context.WithTimeout(ctx, m.config.SendTimeout)
		if err := m.session.SendIdle(sendCtx); err != nil {
			log.Printf("[MONITOR] Idle ping: %v", err)
		}
		cancel()
	}
	m.Sweep(now)
}

// Sweep flags peers silent for IdleThreshold and removes those silent for
// LogoffThreshold. It returns the removed peers.
func (m *Monitor) Sweep(now time.Time) []*models.Peer {
	var gone []*models.Peer
	for _, p := range m.dir.Peers() {
		if p.IsMe() {
			continue
		}
		silent := now.Sub(p.LastActivity())
		switch {
		case silent >= m.config.LogoffThreshold:
			if removed, ok := m.dir.Remove(p.Code()); ok {
				log.Printf("[MONITOR] %s(%d) silent for %s, logging off", p.Nick(), p.Code(), silent.Round(time.Second))
				gone = append(gone, removed)
			}
		case silent >= m.config.IdleThreshold && !p.Idle():
			m.dir.Update(p.Code(), func(p *models.Peer) { p.SetIdle(true) })
		}
	}
	for _, p := range gone {
		m.session.PeerTimedOut(p)
	}
	return gone
}

// CheckNetwork disconnects a broken network and reconnects a lost one. It
// reports whether the network is up afterwards.
func (m *Monitor) CheckNetwork(ctx context.Context, now time.Time) bool {
	if m.net.Connected() {
		stale := now.Sub(time.Unix(0, m.lastLoopback.Load()))
		switch {
		case !m.net.Usable():
			log.Printf("[MONITOR] Network interface is gone, disconnecting")
		case stale >= m.config.LoopbackTimeout:
			log.Printf("[MONITOR] No loopback for %s, disconnecting", stale.Round(time.Second))
		default:
			return true
		}
		m.net.Disconnect()
	}

	if !m.net.Usable() {
		return false
	}
	if err := m.session.Reconnect(ctx); err != nil {
		log.Printf("[MONITOR] Reconnect failed: %v", err)
		return false
	}
	log.Printf("[MONITOR] Network is back")
	return true
}
