package api

import (
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/websocket"

	"github.com/rennerdo30/bifrost-tunnel/internal/logging"
)

// Event types sent on the connectivity stream.
const (
	EventSnapshot = "connectivity.snapshot"
	EventChange   = "connectivity.change"
	EventError    = "error"
)

// EventMessage is one frame of the connectivity stream.
type EventMessage struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

func newEventMessage(eventType string, data any) EventMessage {
	return EventMessage{
		Type:      eventType,
		Timestamp: time.Now().Format(time.RFC3339),
		Data:      data,
	}
}

func (a *API) addWebSocketRoutes(r chi.Router) {
	r.Handle("/api/v1/connectivity/events", websocket.Handler(a.serveEvents))
}

// serveEvents streams a snapshot followed by every connectivity transition.
// Text frames "ping" are answered with "pong".
func (a *API) serveEvents(ws *websocket.Conn) {
	defer ws.Close()
	logger := logging.WithComponent("api")

	if n := a.wsConns.Add(1); a.maxWSConns > 0 && n > int64(a.maxWSConns) {
		a.wsConns.Add(-1)
		_ = websocket.JSON.Send(ws, newEventMessage(EventError, "too many clients"))
		logger.Warn("rejected event stream client", "limit", a.maxWSConns)
		return
	}
	defer a.wsConns.Add(-1)

	events, cancel := a.events.Subscribe(a.eventBuffer)
	defer cancel()

	var sendMu sync.Mutex
	send := func(v any) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		if s, ok := v.(string); ok {
			return websocket.Message.Send(ws, s)
		}
		return websocket.JSON.Send(ws, v)
	}

	if err := send(newEventMessage(EventSnapshot, a.session.Connectivity())); err != nil {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			var msg string
			if err := websocket.Message.Receive(ws, &msg); err != nil {
				return
			}
			if msg == "ping" {
				if err := send("pong"); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := send(newEventMessage(EventChange, ev)); err != nil {
				logger.Debug("event stream client gone", "error", err)
				return
			}
		}
	}
}
