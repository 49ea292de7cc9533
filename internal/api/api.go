// Package api provides the local REST control API of the tunnel daemon.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rennerdo30/bifrost-tunnel/internal/connectivity"
	"github.com/rennerdo30/bifrost-tunnel/internal/logging"
	"github.com/rennerdo30/bifrost-tunnel/internal/ratelimit"
	"github.com/rennerdo30/bifrost-tunnel/internal/session"
	"github.com/rennerdo30/bifrost-tunnel/internal/tunnel"
	"github.com/rennerdo30/bifrost-tunnel/internal/version"
)

// Controller is the session surface the API drives.
type Controller interface {
	Status() session.Status
	Connectivity() session.Connectivity
	Recreate() (tunnel.Result, error)
	MarkStale() error
	CloseTunnel() error
}

// EventSource publishes connectivity transitions.
type EventSource interface {
	Subscribe(buf int) (<-chan connectivity.Event, func())
}

// Config holds API configuration.
type Config struct {
	Session             Controller
	Events              EventSource
	Metrics             http.Handler
	Token               string
	WebSocketMaxClients int
	EventBuffer         int
	ControlRate         ratelimit.Config
}

// API provides the REST API.
type API struct {
	session     Controller
	events      EventSource
	metrics     http.Handler
	token       string
	maxWSConns  int
	eventBuffer int
	control     *ratelimit.TokenBucket
	wsConns     atomic.Int64
}

// New creates a new API server.
func New(cfg Config) *API {
	a := &API{
		session:     cfg.Session,
		events:      cfg.Events,
		metrics:     cfg.Metrics,
		token:       cfg.Token,
		maxWSConns:  cfg.WebSocketMaxClients,
		eventBuffer: cfg.EventBuffer,
	}
	if cfg.ControlRate.Enabled() {
		a.control = ratelimit.NewTokenBucket(cfg.ControlRate.RequestsPerSecond, cfg.ControlRate.BurstSize)
	}
	return a
}

// Handler returns the HTTP handler for the API.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(securityHeadersMiddleware)

	if a.metrics != nil {
		r.Handle("/metrics", a.metrics)
	}

	r.Group(func(r chi.Router) {
		if a.token != "" {
			r.Use(a.authMiddleware)
		}

		// Streams are long-lived and stay outside the request timeout.
		if a.events != nil {
			a.addWebSocketRoutes(r)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			a.addAPIRoutes(r)
		})
	})

	return r
}

func (a *API) addAPIRoutes(r chi.Router) {
	r.Get("/api/v1/health", a.handleHealth)
	r.Get("/api/v1/version", a.handleVersion)
	r.Get("/api/v1/status", a.handleStatus)
	r.Get("/api/v1/connectivity", a.handleConnectivity)

	// Device operations are shared by all clients and throttled together.
	r.Route("/api/v1/tunnel", func(r chi.Router) {
		r.Use(ratelimit.Middleware(a.control))
		r.Post("/recreate", a.handleRecreate)
		r.Post("/stale", a.handleStale)
		r.Post("/close", a.handleClose)
	})
}

func (a *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token == "" {
			// WebSocket clients cannot always set headers.
			token = r.URL.Query().Get("token")
		}
		token = strings.TrimPrefix(token, "Bearer ")

		if subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestLogger attaches a request-scoped logger to the context and logs
// each completed request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.WithContext(r.Context(), logging.WithComponent("api"))
		ctx = logging.ContextWith(ctx,
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))

		logging.DebugContext(ctx, "request handled",
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

// securityHeadersMiddleware adds common security headers to all responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	st := a.session.Status()
	if !st.Started || !st.Tunnel.Open {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (a *API) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.GetInfo())
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.session.Status())
}

func (a *API) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.session.Connectivity())
}

// ResultResponse is the JSON form of a tunnel creation result.
type ResultResponse struct {
	Kind      tunnel.ResultKind `json:"kind"`
	Open      bool              `json:"open"`
	Interface string            `json:"interface,omitempty"`
	Rejected  []string          `json:"rejected,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func newResultResponse(result tunnel.Result, err error) ResultResponse {
	resp := ResultResponse{
		Kind: result.Kind(),
		Open: result.IsOpen(),
	}
	if d := result.Descriptor(); d != nil {
		resp.Interface = d.Name()
	}
	switch r := result.(type) {
	case *tunnel.InvalidDNSServers:
		for _, addr := range r.Rejected {
			resp.Rejected = append(resp.Rejected, addr.String())
		}
	case *tunnel.InvalidIPv6Config:
		for _, addr := range r.Addresses {
			resp.Rejected = append(resp.Rejected, addr.String())
		}
		for _, route := range r.Routes {
			resp.Rejected = append(resp.Rejected, route.String())
		}
		for _, addr := range r.DNSServers {
			resp.Rejected = append(resp.Rejected, addr.String())
		}
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func (a *API) handleRecreate(w http.ResponseWriter, r *http.Request) {
	result, err := a.session.Recreate()
	if result == nil {
		writeSessionError(w, err)
		return
	}
	if err != nil {
		logging.WarnContext(r.Context(), "tunnel recreate failed", "kind", result.Kind(), "error", err)
	}
	writeJSON(w, http.StatusOK, newResultResponse(result, err))
}

func (a *API) handleStale(w http.ResponseWriter, r *http.Request) {
	if err := a.session.MarkStale(); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "tunnel marked stale"})
}

func (a *API) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := a.session.CloseTunnel(); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "tunnel closed"})
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeError(w, http.StatusInternalServerError, "no result")
	case errors.Is(err, session.ErrNotStarted), errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
