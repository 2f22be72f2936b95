// Package connectivity provides reachability monitoring for the sync engine.
// The monitor watches transport-level connectivity, not application success,
// and emits edge-triggered events on transitions.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is an edge-triggered reachability transition.
type Event string

const (
	EventBecameReachable   Event = "became-reachable"
	EventBecameUnreachable Event = "became-unreachable"
)

// ProbeFunc reports whether the authority is reachable at transport level.
// Implementations must respect the context deadline.
type ProbeFunc func(ctx context.Context) bool

// Monitor maintains a boolean reachable state derived from periodic probes.
// A transition to reachable is announced only after a settling delay, so a
// flapping link does not trigger wasted sync attempts. A transition to
// unreachable is announced immediately; it never cancels an in-flight cycle,
// it only prevents new ones from starting.
type Monitor struct {
	probe       ProbeFunc
	interval    time.Duration
	settleDelay time.Duration
	logger      *zap.Logger

	mu          sync.Mutex
	reachable   bool
	settling    bool
	subscribers []chan Event

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewMonitor creates a Monitor. The initial state is unreachable until the
// first successful probe.
func NewMonitor(probe ProbeFunc, interval, settleDelay time.Duration, logger *zap.Logger) *Monitor {
	return &Monitor{
		probe:       probe,
		interval:    interval,
		settleDelay: settleDelay,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// Subscribe returns a channel receiving reachability events. Slow consumers
// miss intermediate edges rather than blocking the monitor.
func (m *Monitor) Subscribe() <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Event, 4)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// IsReachable returns the current settled reachability state.
func (m *Monitor) IsReachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable
}

// Start begins probing until the context is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		// Probe once immediately so startup state does not wait a full tick.
		m.Observe(m.runProbe(ctx))

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Observe(m.runProbe(ctx))
			}
		}
	}()
}

// Stop halts probing and waits for the probe goroutine to exit.
func (m *Monitor) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) runProbe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	return m.probe(probeCtx)
}

// Observe feeds one reachability observation into the monitor. Exposed so
// tests and platform integrations can inject transitions directly instead of
// waiting on the probe loop.
func (m *Monitor) Observe(up bool) {
	m.mu.Lock()

	if up == m.reachable {
		m.mu.Unlock()
		return
	}

	if !up {
		m.reachable = false
		m.settling = false
		m.mu.Unlock()
		m.logger.Info("connectivity lost")
		m.emit(EventBecameUnreachable)
		return
	}

	// Transition to reachable: hold the edge through the settling delay so
	// we do not sync against a connection still negotiating.
	if m.settling {
		m.mu.Unlock()
		return
	}
	m.settling = true
	m.mu.Unlock()

	m.logger.Info("connectivity detected, settling",
		zap.Duration("settle_delay", m.settleDelay))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		timer := time.NewTimer(m.settleDelay)
		defer timer.Stop()
		select {
		case <-m.stopCh:
			return
		case <-timer.C:
		}

		m.mu.Lock()
		if !m.settling {
			// Link dropped during the settle window.
			m.mu.Unlock()
			return
		}
		m.settling = false
		m.reachable = true
		m.mu.Unlock()

		m.logger.Info("connectivity settled")
		m.emit(EventBecameReachable)
	}()
}

func (m *Monitor) emit(event Event) {
	m.mu.Lock()
	subs := make([]chan Event, len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}
