// Package connectivity derives a single "network available" signal from host
// network callbacks and forwards its transitions to the native engine and to
// local subscribers.
package connectivity

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rennerdo30/bifrost-tunnel/internal/logging"
	"github.com/rennerdo30/bifrost-tunnel/internal/metrics"
)

// Monitor errors.
var (
	ErrAlreadyRegistered = errors.New("connectivity monitor already registered")
	ErrNotRegistered     = errors.New("connectivity monitor not registered")
	ErrClosed            = errors.New("connectivity monitor closed")
)

// Monitor tracks available networks. Every mutation and the notifications
// it causes happen under one lock, so observers never see a state older
// than the network set.
type Monitor struct {
	bridge  Bridge
	metrics *metrics.Collector
	logger  *slog.Logger

	mu          sync.Mutex
	networks    map[int]Network
	connected   bool
	session     Session
	source      Source
	subscribers map[uint64]chan Event
	nextSubID   uint64
	closed      bool
}

// MonitorOption configures the monitor.
type MonitorOption func(*Monitor)

// WithMetrics records connectivity metrics.
func WithMetrics(c *metrics.Collector) MonitorOption {
	return func(m *Monitor) {
		m.metrics = c
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMonitor creates a monitor that starts disconnected with no networks.
// bridge may be nil when no native engine is attached.
func NewMonitor(bridge Bridge, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		bridge:      bridge,
		logger:      logging.WithComponent("connectivity"),
		networks:    make(map[int]Network),
		subscribers: make(map[uint64]chan Event),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register subscribes the monitor to src. The lock is not held while the
// source starts, so a source may deliver its initial networks synchronously.
func (m *Monitor) Register(src Source) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case m.source != nil:
		m.mu.Unlock()
		return ErrAlreadyRegistered
	}
	m.source = src
	m.mu.Unlock()

	if err := src.Start(m); err != nil {
		m.mu.Lock()
		if m.source == src {
			m.source = nil
		}
		m.mu.Unlock()
		return err
	}

	m.logger.Debug("connectivity monitor registered")
	return nil
}

// Unregister cancels the subscription and forgets all tracked networks.
func (m *Monitor) Unregister() error {
	m.mu.Lock()
	src := m.source
	if src == nil {
		m.mu.Unlock()
		return ErrNotRegistered
	}
	m.source = nil
	m.mu.Unlock()

	// Closing the source waits for its callbacks, which take the lock.
	err := src.Close()

	m.mu.Lock()
	clear(m.networks)
	m.update()
	m.mu.Unlock()

	m.logger.Debug("connectivity monitor unregistered")
	return err
}

// OnAvailable records n as usable.
func (m *Monitor) OnAvailable(n Network) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.networks[n.Index] = n
	m.logger.Debug("network available", "index", n.Index, "name", n.Name, "ipv4", n.IPv4, "ipv6", n.IPv6)
	m.update()
}

// OnLost forgets n.
func (m *Monitor) OnLost(n Network) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if _, ok := m.networks[n.Index]; !ok {
		return
	}
	delete(m.networks, n.Index)
	m.logger.Debug("network lost", "index", n.Index, "name", n.Name)
	m.update()
}

// IsConnected reports whether any network is available.
func (m *Monitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// State returns the per-family availability.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state()
}

// Networks returns a snapshot of the tracked networks.
func (m *Monitor) Networks() []Network {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Network, 0, len(m.networks))
	for _, n := range m.networks {
		out = append(out, n)
	}
	return out
}

// SetSession attaches the native session handle. NoSession detaches it.
func (m *Monitor) SetSession(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = s
}

// Subscribe returns a channel receiving an Event per transition. A
// subscriber that falls behind by more than buf events misses events.
// The returned function cancels the subscription and closes the channel.
func (m *Monitor) Subscribe(buf int) (<-chan Event, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Event, buf)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		close(ch)
		return ch, func() {}
	}
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = ch

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(c)
		}
	}
}

// Close unregisters the source if needed, closes all subscriptions and
// destroys the native sender. Calls after the first return ErrClosed.
func (m *Monitor) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	registered := m.source != nil
	m.mu.Unlock()

	var err error
	if registered {
		if uerr := m.Unregister(); uerr != nil && !errors.Is(uerr, ErrNotRegistered) {
			err = uerr
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true
	for id, ch := range m.subscribers {
		delete(m.subscribers, id)
		close(ch)
	}
	if m.session != NoSession && m.bridge != nil {
		m.bridge.DestroySender(m.session)
		m.logger.Debug("native sender destroyed", "session", m.session)
	}
	m.session = NoSession
	return err
}

func (m *Monitor) state() State {
	var s State
	for _, n := range m.networks {
		s.IPv4 = s.IPv4 || n.IPv4
		s.IPv6 = s.IPv6 || n.IPv6
	}
	return s
}

// update recomputes the connected flag and notifies on a transition. Must
// be called with mu held.
func (m *Monitor) update() {
	m.metrics.SetAvailableNetworks(len(m.networks))

	connected := len(m.networks) > 0
	if connected == m.connected {
		return
	}
	m.connected = connected
	m.metrics.RecordConnectivity(connected)
	m.logger.Info("connectivity changed", "connected", connected, "networks", len(m.networks))

	if m.session != NoSession && m.bridge != nil {
		m.bridge.NotifyConnectivityChange(connected, m.session)
		m.metrics.RecordBridgeNotification()
	}

	ev := Event{
		Connected: connected,
		State:     m.state(),
		Networks:  len(m.networks),
		Time:      time.Now(),
	}
	for _, ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
			m.metrics.RecordObserverDrop()
		}
	}
}
