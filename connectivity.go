package fieldsync

import (
	"context"
	"sync"
	"time"

	"github.com/fieldsync/fieldsync/logging"
)

// Prober checks whether the remote store is currently reachable.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// RemoteProber probes connectivity through a RemoteStore's Ping.
func RemoteProber(remote RemoteStore) Prober {
	return ProberFunc(func(ctx context.Context) bool {
		return remote.Ping(ctx) == nil
	})
}

// Monitor observes network reachability and raises edge-triggered
// online/offline events. Platform-level signals feed SetOnline directly; a
// periodic probe catches silently-stale signals. Going offline never
// interrupts in-flight remote operations.
type Monitor struct {
	prober   Prober
	interval time.Duration
	logger   *logging.Logger

	mu        sync.Mutex
	online    bool
	onOnline  []func()
	onOffline []func()
	stop      chan struct{}
	started   bool
}

// MonitorConfig configures a connectivity Monitor.
type MonitorConfig struct {
	// Prober is consulted every ProbeInterval. Optional: without one the
	// monitor is driven purely by SetOnline.
	Prober Prober
	// ProbeInterval defaults to 15 seconds.
	ProbeInterval time.Duration
	// AssumeOnline sets the initial state.
	AssumeOnline bool
}

// NewMonitor creates a connectivity monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	interval := cfg.ProbeInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		prober:   cfg.Prober,
		interval: interval,
		online:   cfg.AssumeOnline,
		logger:   logging.WithComponent("connectivity"),
	}
}

// IsOnline reports the last observed reachability state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnOnline registers a callback fired on each Offline→Online transition.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = append(m.onOnline, fn)
}

// OnOffline registers a callback fired on each Online→Offline transition.
func (m *Monitor) OnOffline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOffline = append(m.onOffline, fn)
}

// SetOnline records a reachability observation and fires transition
// callbacks when the state actually changed.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	var callbacks []func()
	if online {
		callbacks = append(callbacks, m.onOnline...)
	} else {
		callbacks = append(callbacks, m.onOffline...)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity transition", "online", online)
	for _, fn := range callbacks {
		fn()
	}
}

// Start begins periodic probing. It is a no-op without a prober or when
// already started.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.prober == nil {
		m.mu.Unlock()
		return
	}
	m.started = true
	stopChan := make(chan struct{})
	m.stop = stopChan
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopChan:
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, m.interval)
				online := m.prober.Probe(probeCtx)
				cancel()
				m.SetOnline(online)
			}
		}
	}()
}

// Stop halts periodic probing. Registered callbacks remain usable via
// SetOnline.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.started = false
	close(m.stop)
	m.stop = nil
}
