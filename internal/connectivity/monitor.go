// Package connectivity tracks whether the remote mirror is reachable and
// tells the rest of the console when that changes.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/ambulink/ambulink/internal/logging"
)

// Prober checks that the remote answers
type Prober interface {
	Ping(ctx context.Context) error
}

// ProberFunc adapts a function into a Prober
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Ping(ctx context.Context) error { return f(ctx) }

// Listener is called on every online/offline transition, in registration order
type Listener func(online bool)

// Config configures a Monitor
type Config struct {
	Prober  Prober        // nil means only manual SetOnline signals are used
	Timeout time.Duration // per probe, default 5s
	Logger  *logging.Logger
}

type state int

const (
	unknown state = iota
	up
	down
)

// Monitor holds the current connectivity state
type Monitor struct {
	prober  Prober
	timeout time.Duration
	log     *logging.Logger

	mu        sync.Mutex
	state     state
	changedAt time.Time
	listeners []Listener

	// serializes transitions so listeners see them in order
	notify sync.Mutex
}

// New creates a monitor in the unknown state
func New(cfg Config) *Monitor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &Monitor{
		prober:  cfg.Prober,
		timeout: cfg.Timeout,
		log:     cfg.Logger.WithField("component", "connectivity"),
	}
}

// OnChange registers a transition listener
func (m *Monitor) OnChange(fn Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Online reports the last known state; unknown counts as offline
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == up
}

// Known reports whether any probe or signal has been seen yet
func (m *Monitor) Known() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state != unknown
}

// Since returns when the current state was entered
func (m *Monitor) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changedAt
}

// SetOnline records a manual connectivity signal. Listeners run only when
// the state actually changes, including the first signal.
func (m *Monitor) SetOnline(online bool) {
	m.notify.Lock()
	defer m.notify.Unlock()

	next := down
	if online {
		next = up
	}

	m.mu.Lock()
	if m.state == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	m.changedAt = time.Now()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if online {
		m.log.Info("connection restored")
	} else {
		m.log.Warn("connection lost, switching to offline mode")
	}
	for _, fn := range listeners {
		fn(online)
	}
}

// Check probes the remote once and records the outcome. It returns the
// probe error, or nil when no prober is configured.
func (m *Monitor) Check(ctx context.Context) error {
	if m.prober == nil {
		return nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.prober.Ping(probeCtx)
	if err != nil && ctx.Err() != nil {
		// Shutdown, not an outage.
		return ctx.Err()
	}
	if err != nil {
		m.log.WithError(err).Debug("probe failed")
	}
	m.SetOnline(err == nil)
	return err
}
