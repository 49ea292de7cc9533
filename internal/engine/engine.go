// Package engine is the boundary to the native tunnel engine. Local is an
// in-process engine that answers the boundary calls on its own.
package engine

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rennerdo30/bifrost-tunnel/internal/connectivity"
	"github.com/rennerdo30/bifrost-tunnel/internal/logging"
	"github.com/rennerdo30/bifrost-tunnel/internal/tunnel"
)

// DefaultPollInterval is how often Local checks the interface while
// waiting for it to come up.
const DefaultPollInterval = 50 * time.Millisecond

// ErrUnknownSession is returned for a session handle Local never issued
// or already destroyed.
var ErrUnknownSession = errors.New("unknown engine session")

// Bridge is every call the native engine exposes to the platform side.
type Bridge interface {
	tunnel.Engine
	connectivity.Bridge
}

// SessionInfo is what Local knows about one sender.
type SessionInfo struct {
	ID            connectivity.Session `json:"id"`
	Connected     bool                 `json:"connected"`
	Notifications int                  `json:"notifications"`
	LastChange    time.Time            `json:"last_change,omitzero"`
}

// Local implements Bridge in process.
type Local struct {
	defaults     tunnel.Config
	pollInterval time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	next     connectivity.Session
	sessions map[connectivity.Session]*SessionInfo
}

// LocalOption configures Local.
type LocalOption func(*Local)

// WithPollInterval sets how often the interface state is polled.
func WithPollInterval(d time.Duration) LocalOption {
	return func(l *Local) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) LocalOption {
	return func(l *Local) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLocal creates an engine whose default tunnel configuration is
// defaults.
func NewLocal(defaults tunnel.Config, opts ...LocalOption) *Local {
	l := &Local{
		defaults:     defaults.Clone(),
		pollInterval: DefaultPollInterval,
		logger:       logging.WithComponent("engine"),
		sessions:     make(map[connectivity.Session]*SessionInfo),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DefaultConfig returns a copy of the configured defaults.
func (l *Local) DefaultConfig() tunnel.Config {
	return l.defaults.Clone()
}

// NewSession allocates a sender handle. Handles are never zero.
func (l *Local) NewSession() connectivity.Session {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.next++
	id := l.next
	l.sessions[id] = &SessionInfo{ID: id}
	l.logger.Debug("engine session created", "session", id)
	return id
}

// NotifyConnectivityChange records the latest connectivity for session.
func (l *Local) NotifyConnectivityChange(connected bool, session connectivity.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, ok := l.sessions[session]
	if !ok {
		l.logger.Warn("connectivity change for unknown session", "session", session, "connected", connected)
		return
	}
	info.Connected = connected
	info.Notifications++
	info.LastChange = time.Now()
	l.logger.Info("engine notified of connectivity change", "session", session, "connected", connected)
}

// DestroySender releases session. Destroying an unknown session is logged
// and otherwise ignored.
func (l *Local) DestroySender(session connectivity.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.sessions[session]; !ok {
		l.logger.Warn("destroy for unknown session", "session", session)
		return
	}
	delete(l.sessions, session)
	l.logger.Debug("engine session destroyed", "session", session)
}

// Session returns a snapshot of session.
func (l *Local) Session(session connectivity.Session) (SessionInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, ok := l.sessions[session]
	if !ok {
		return SessionInfo{}, ErrUnknownSession
	}
	return *info, nil
}
