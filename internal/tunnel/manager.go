// Package tunnel owns the tunnel device: it builds the interface through the
// host platform, hands the descriptor to the tunnel engine and guarantees that
// at most one descriptor is live at a time.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/rennerdo30/bifrost-tunnel/internal/logging"
	"github.com/rennerdo30/bifrost-tunnel/internal/metrics"
)

// DefaultUpTimeout bounds how long device creation waits for the engine to
// report the interface routable.
const DefaultUpTimeout = 30 * time.Second

// Manager owns the active tunnel device. All operations are serialized by a
// single lock, so a creation in progress never races with a close or a
// stale mark.
type Manager struct {
	platform  Platform
	engine    Engine
	metrics   *metrics.Collector
	logger    *slog.Logger
	upTimeout time.Duration
	metered   bool

	mu     sync.Mutex
	active Result
	config Config
	stale  bool
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithMetrics records device lifecycle metrics.
func WithMetrics(c *metrics.Collector) ManagerOption {
	return func(m *Manager) {
		m.metrics = c
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithUpTimeout bounds the wait for the engine to report the device up.
func WithUpTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.upTimeout = d
		}
	}
}

// WithMetered sets the metered-network hint passed to the platform.
func WithMetered(metered bool) ManagerOption {
	return func(m *Manager) {
		m.metered = metered
	}
}

// NewManager creates a manager with the engine's default configuration as
// the current config and no active device.
func NewManager(platform Platform, engine Engine, opts ...ManagerOption) *Manager {
	m := &Manager{
		platform:  platform,
		engine:    engine,
		logger:    logging.WithComponent("tunnel"),
		upTimeout: DefaultUpTimeout,
		config:    engine.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetTun returns a device configured with cfg. If the active device is open,
// not stale and was built from an equal config, it is returned unchanged.
// Otherwise a new device is created and the previous one released.
func (m *Manager) GetTun(cfg Config) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.Equal(m.config) && isOpen(m.active) && !m.stale {
		m.metrics.RecordReuse()
		return m.active
	}

	result := m.createDevice(cfg)
	m.config = cfg.Clone()
	m.stale = false
	m.setActive(result)
	return result
}

// CreateTun recreates the device from the current config unconditionally.
func (m *Manager) CreateTun() Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := m.createDevice(m.config)
	m.stale = false
	m.setActive(result)
	return result
}

// RecreateTunIfOpen rebuilds the device with cfg only if a device is
// currently open. It returns the new result, or nil if nothing was done.
func (m *Manager) RecreateTunIfOpen(cfg Config) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !isOpen(m.active) {
		m.logger.Debug("tunnel not open, skipping recreate")
		return nil
	}

	result := m.createDevice(cfg)
	m.config = cfg.Clone()
	m.stale = false
	m.setActive(result)
	return result
}

// CloseTun releases the active device, if any.
func (m *Manager) CloseTun() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setActive(nil)
}

// MarkTunAsStale forces the next GetTun to rebuild the device even if the
// config is unchanged.
func (m *Manager) MarkTunAsStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stale = true
	m.metrics.RecordStale()
	m.logger.Info("tunnel marked stale")
}

// Bypass protects a socket from being routed through the tunnel.
func (m *Manager) Bypass(fd int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ok := m.platform.Protect(fd)
	m.metrics.RecordBypass(ok)
	if !ok {
		m.logger.Warn("failed to bypass socket", "fd", fd)
	}
	return ok
}

// Status is a point-in-time view of the manager.
type Status struct {
	Kind      ResultKind `json:"kind,omitempty"`
	Open      bool       `json:"open"`
	Stale     bool       `json:"stale"`
	Interface string     `json:"interface,omitempty"`
	Config    Config     `json:"config"`
}

// Status returns a snapshot of the manager state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		Stale:  m.stale,
		Config: m.config.Clone(),
	}
	if m.active != nil {
		s.Kind = m.active.Kind()
		s.Open = m.active.IsOpen()
		if d := m.active.Descriptor(); d != nil {
			s.Interface = d.Name()
		}
	}
	return s
}

// setActive installs next as the active result and releases the descriptor
// held by the previous one. Must be called with mu held.
func (m *Manager) setActive(next Result) {
	prev := m.active
	m.active = next

	if isOpen(prev) && prev != next {
		m.release(prev.Descriptor(), isOpen(next))
	}
}

func (m *Manager) release(d Descriptor, stillActive bool) {
	if d == nil {
		return
	}
	if err := d.Close(); err != nil {
		m.logger.Warn("failed to close tunnel descriptor", "interface", d.Name(), "error", err)
	} else {
		m.logger.Debug("tunnel descriptor released", "interface", d.Name())
	}
	m.metrics.RecordRelease(stillActive)
}

// rejections collects parameters the platform refused while building.
type rejections struct {
	dns        []netip.Addr
	ipv6Addrs  []netip.Addr
	ipv6Routes []Route
	ipv6DNS    []netip.Addr
}

func (r *rejections) ipv6() bool {
	return len(r.ipv6Addrs) > 0 || len(r.ipv6Routes) > 0 || len(r.ipv6DNS) > 0
}

// createDevice builds, establishes and waits for a new device. Must be
// called with mu held.
func (m *Manager) createDevice(cfg Config) Result {
	result := m.buildDevice(cfg)
	m.metrics.RecordCreation(string(result.Kind()), result.IsOpen())

	switch r := result.(type) {
	case *Success:
		m.logger.Info("tunnel device created", "interface", r.Device.Name(), "mtu", cfg.MTU)
	case *InvalidDNSServers:
		m.logger.Warn("tunnel device created with rejected DNS servers",
			"interface", r.Device.Name(), "rejected", r.Rejected)
	case *InvalidIPv6Config:
		m.logger.Warn("tunnel device created with rejected IPv6 configuration",
			"interface", r.Device.Name(),
			"addresses", r.Addresses,
			"routes", r.Routes,
			"dns_servers", r.DNSServers,
		)
	case *PermissionDenied:
		m.logger.Error("tunnel permission not granted")
	case *DeviceError:
		m.logger.Error("failed to create tunnel device", "error", r.Err)
	}
	return result
}

func (m *Manager) buildDevice(cfg Config) Result {
	if !m.platform.HasPermission() {
		return &PermissionDenied{}
	}

	b := m.platform.NewBuilder()
	var rej rejections

	for _, addr := range cfg.Addresses {
		if err := b.AddAddress(addr, hostPrefixLen(addr)); err != nil {
			if addr.Is6() && errors.Is(err, ErrIPv6Unsupported) {
				rej.ipv6Addrs = append(rej.ipv6Addrs, addr)
				continue
			}
			return &DeviceError{Err: fmt.Errorf("add address %s: %w", addr, err)}
		}
	}

	for _, addr := range cfg.DNSServers {
		if err := b.AddDNSServer(addr); err != nil {
			if addr.Is6() && errors.Is(err, ErrIPv6Unsupported) {
				rej.ipv6DNS = append(rej.ipv6DNS, addr)
				continue
			}
			m.logger.Warn("DNS server rejected", "address", addr, "error", err)
			rej.dns = append(rej.dns, addr)
		}
	}

	for _, route := range cfg.Routes {
		if err := b.AddRoute(route.Address, route.PrefixLen); err != nil {
			if route.IsIPv6() && errors.Is(err, ErrIPv6Unsupported) {
				rej.ipv6Routes = append(rej.ipv6Routes, route)
				continue
			}
			return &DeviceError{Err: fmt.Errorf("add route %s: %w", route, err)}
		}
	}

	if cfg.ExcludedApps != nil {
		for _, app := range cfg.ExcludedApps {
			if err := b.AddDisallowedApplication(app); err != nil {
				m.logger.Warn("failed to exclude application", "app", app, "error", err)
			}
		}
	}

	if err := b.SetMTU(cfg.MTU); err != nil {
		return &DeviceError{Err: fmt.Errorf("set MTU: %w", err)}
	}
	if err := b.SetBlocking(false); err != nil {
		return &DeviceError{Err: fmt.Errorf("set non-blocking: %w", err)}
	}
	if err := b.SetMetered(m.metered); err != nil && !errors.Is(err, ErrUnsupported) {
		m.logger.Debug("failed to apply metered hint", "error", err)
	}

	iface, err := b.Establish()
	if err != nil {
		return &DeviceError{Err: fmt.Errorf("establish: %w", err)}
	}
	if iface == nil {
		return &DeviceError{Err: errors.New("establish: platform returned no interface")}
	}

	device, err := iface.Detach()
	if err != nil {
		if cerr := iface.Close(); cerr != nil {
			m.logger.Debug("failed to close interface after detach error", "error", cerr)
		}
		return &DeviceError{Err: fmt.Errorf("detach descriptor: %w", err)}
	}

	if err := m.waitForTunnelUp(device, cfg.HasIPv6() && len(rej.ipv6Addrs) == 0); err != nil {
		if cerr := device.Close(); cerr != nil {
			m.logger.Debug("failed to close descriptor after wait error", "error", cerr)
		}
		return &DeviceError{Err: err}
	}

	switch {
	case rej.ipv6():
		return &InvalidIPv6Config{
			Addresses:  rej.ipv6Addrs,
			Routes:     rej.ipv6Routes,
			DNSServers: rej.ipv6DNS,
			Device:     device,
		}
	case len(rej.dns) > 0:
		return &InvalidDNSServers{Rejected: rej.dns, Device: device}
	default:
		return &Success{Device: device}
	}
}

func (m *Manager) waitForTunnelUp(device Descriptor, ipv6Enabled bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.upTimeout)
	defer cancel()

	start := time.Now()
	err := m.engine.WaitForTunnelUp(ctx, device.Fd(), ipv6Enabled)
	m.metrics.RecordTunnelUpWait(time.Since(start))
	if err != nil {
		return fmt.Errorf("wait for tunnel up: %w", err)
	}
	return nil
}
