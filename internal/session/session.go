// Package session ties the tunnel manager and the connectivity monitor to
// one engine session and disposes of both deterministically.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rennerdo30/bifrost-tunnel/internal/connectivity"
	"github.com/rennerdo30/bifrost-tunnel/internal/engine"
	"github.com/rennerdo30/bifrost-tunnel/internal/logging"
	"github.com/rennerdo30/bifrost-tunnel/internal/metrics"
	"github.com/rennerdo30/bifrost-tunnel/internal/tunnel"
	"github.com/rennerdo30/bifrost-tunnel/internal/util"
)

// Session errors.
var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotStarted     = errors.New("session not started")
	ErrClosed         = errors.New("session closed")

	// ErrTunnelUnavailable is returned when the device could not be
	// created. The accompanying result tells why.
	ErrTunnelUnavailable = errors.New("tunnel unavailable")
)

// Engine is the native engine as seen by the session owner.
type Engine interface {
	engine.Bridge
	NewSession() connectivity.Session
}

// Session owns one tunnel manager and one connectivity monitor.
type Session struct {
	engine  Engine
	source  connectivity.Source
	manager *tunnel.Manager
	monitor *connectivity.Monitor
	logger  *slog.Logger

	tunnelConfig *tunnel.Config
	managerOpts  []tunnel.ManagerOption
	monitorOpts  []connectivity.MonitorOption

	mu         sync.Mutex
	handle     connectivity.Session
	started    bool
	registered bool
	closed     bool
	startedAt  time.Time
}

// Option configures a session.
type Option func(*Session)

// WithTunnelConfig sets the configuration used at Start. Without it the
// engine default is used.
func WithTunnelConfig(cfg tunnel.Config) Option {
	return func(s *Session) {
		c := cfg.Clone()
		s.tunnelConfig = &c
	}
}

// WithMetrics records metrics for both components.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Session) {
		s.managerOpts = append(s.managerOpts, tunnel.WithMetrics(c))
		s.monitorOpts = append(s.monitorOpts, connectivity.WithMetrics(c))
	}
}

// WithUpTimeout bounds the wait for the tunnel to come up.
func WithUpTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.managerOpts = append(s.managerOpts, tunnel.WithUpTimeout(d))
	}
}

// WithMetered passes the metered-network hint to the platform.
func WithMetered(metered bool) Option {
	return func(s *Session) {
		s.managerOpts = append(s.managerOpts, tunnel.WithMetered(metered))
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a session. source may be nil, in which case connectivity is
// not observed.
func New(platform tunnel.Platform, eng Engine, source connectivity.Source, opts ...Option) *Session {
	s := &Session{
		engine: eng,
		source: source,
		logger: logging.WithComponent("session"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.manager = tunnel.NewManager(platform, eng, s.managerOpts...)
	s.monitor = connectivity.NewMonitor(eng, s.monitorOpts...)
	return s
}

// Manager returns the tunnel manager.
func (s *Session) Manager() *tunnel.Manager {
	return s.manager
}

// Monitor returns the connectivity monitor.
func (s *Session) Monitor() *connectivity.Monitor {
	return s.monitor
}

// Start observes connectivity, attaches an engine session and brings the
// tunnel up. A result that is not open is returned together with
// ErrTunnelUnavailable; the session stays started so the caller can retry.
func (s *Session) Start(ctx context.Context) (tunnel.Result, error) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return nil, ErrClosed
	case s.started:
		s.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	// The session is attached first so the initial networks reach the engine.
	s.handle = s.engine.NewSession()
	s.monitor.SetSession(s.handle)

	if s.source != nil {
		if err := s.monitor.Register(s.source); err != nil {
			s.monitor.SetSession(connectivity.NoSession)
			s.engine.DestroySender(s.handle)
			s.handle = connectivity.NoSession
			s.mu.Unlock()
			return nil, util.WrapError(err, "register connectivity source")
		}
		s.registered = true
	}

	s.started = true
	s.startedAt = time.Now()
	s.logger.Info("session started", "session", s.handle, "observing", s.registered)

	cfg := s.engine.DefaultConfig()
	if s.tunnelConfig != nil {
		cfg = s.tunnelConfig.Clone()
	}
	s.mu.Unlock()

	// The manager serializes device operations itself.
	return s.report(s.manager.GetTun(cfg))
}

// Apply rebuilds the tunnel with cfg if it is open. A closed tunnel stays
// closed and nil is returned.
func (s *Session) Apply(cfg tunnel.Config) (tunnel.Result, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	result := s.manager.RecreateTunIfOpen(cfg)
	if result == nil {
		s.logger.Info("tunnel not open, configuration not applied")
		return nil, nil
	}
	return s.report(result)
}

// Recreate rebuilds the tunnel from the current configuration.
func (s *Session) Recreate() (tunnel.Result, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.report(s.manager.CreateTun())
}

// MarkStale forces the next configuration to rebuild the tunnel.
func (s *Session) MarkStale() error {
	if err := s.ready(); err != nil {
		return err
	}
	s.manager.MarkTunAsStale()
	return nil
}

// CloseTunnel releases the tunnel device and keeps the session running.
func (s *Session) CloseTunnel() error {
	if err := s.ready(); err != nil {
		return err
	}
	s.manager.CloseTun()
	return nil
}

// Status is a point-in-time view of the session.
type Status struct {
	Session      connectivity.Session `json:"session"`
	Started      bool                 `json:"started"`
	Uptime       string               `json:"uptime,omitempty"`
	Tunnel       tunnel.Status        `json:"tunnel"`
	Connectivity Connectivity         `json:"connectivity"`
}

// Connectivity is the monitor part of Status.
type Connectivity struct {
	Connected bool                   `json:"connected"`
	State     connectivity.State     `json:"state"`
	Networks  []connectivity.Network `json:"networks"`
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		Session: s.handle,
		Started: s.started && !s.closed,
	}
	if st.Started {
		st.Uptime = time.Since(s.startedAt).Round(time.Second).String()
	}
	s.mu.Unlock()

	st.Tunnel = s.manager.Status()
	st.Connectivity = s.Connectivity()
	return st
}

// Connectivity returns the monitor state.
func (s *Session) Connectivity() Connectivity {
	return Connectivity{
		Connected: s.monitor.IsConnected(),
		State:     s.monitor.State(),
		Networks:  s.monitor.Networks(),
	}
}

// Close releases the tunnel, stops observing connectivity and destroys the
// engine sender. Every step runs even if an earlier one fails.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.closed = true

	errs := util.NewMultiError()
	s.manager.CloseTun()
	if err := s.monitor.Close(); err != nil {
		errs.Add(util.WrapError(err, "close connectivity monitor"))
	}
	s.registered = false

	if err := errs.Err(); err != nil {
		s.logger.Warn("session closed with errors", "session", s.handle, "error", err)
		return err
	}
	s.logger.Info("session closed", "session", s.handle)
	return nil
}

func (s *Session) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return ErrClosed
	case !s.started:
		return ErrNotStarted
	}
	return nil
}

// report logs remediation hints and turns hard failures into errors.
func (s *Session) report(result tunnel.Result) (tunnel.Result, error) {
	switch r := result.(type) {
	case *tunnel.PermissionDenied:
		s.logger.Error("tunnel permission missing, grant CAP_NET_ADMIN and retry")
		return result, fmt.Errorf("%w: %s", ErrTunnelUnavailable, r.Kind())
	case *tunnel.DeviceError:
		if util.IsTimeout(r.Err) {
			s.logger.Error("tunnel interface did not come up in time, retry later", "error", r.Err)
		} else {
			s.logger.Error("tunnel device could not be created, retry later", "error", r.Err)
		}
		return result, fmt.Errorf("%w: %w", ErrTunnelUnavailable, r)
	case *tunnel.InvalidDNSServers, *tunnel.InvalidIPv6Config:
		s.logger.Warn("tunnel is up with degraded configuration", "kind", result.Kind())
	}
	return result, nil
}
