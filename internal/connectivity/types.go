package connectivity

import "time"

// Session is the native engine's handle for routing connectivity
// notifications. The zero value means no session is attached.
type Session uint64

// NoSession is the detached session handle.
const NoSession Session = 0

// Network is a host network that can reach the internet and is not itself
// a VPN path.
type Network struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	IPv4  bool   `json:"ipv4"`
	IPv6  bool   `json:"ipv6"`
}

// State is the consolidated per-family availability.
type State struct {
	IPv4 bool `json:"ipv4"`
	IPv6 bool `json:"ipv6"`
}

// AnyAvailable reports whether either family is usable.
func (s State) AnyAvailable() bool {
	return s.IPv4 || s.IPv6
}

// Event is published to subscribers on every change of the connected flag.
type Event struct {
	Connected bool      `json:"connected"`
	State     State     `json:"state"`
	Networks  int       `json:"networks"`
	Time      time.Time `json:"time"`
}

// Handler receives host network callbacks. Implementations must accept
// concurrent calls.
type Handler interface {
	OnAvailable(n Network)
	OnLost(n Network)
}

// Source is the host's network-observation API. Start begins delivering
// callbacks for networks with internet capability that are not VPN paths.
// Close stops delivery; no callback runs after Close returns.
type Source interface {
	Start(h Handler) error
	Close() error
}

// Bridge is the native engine boundary used by the monitor.
type Bridge interface {
	// NotifyConnectivityChange is a fire-and-forget signal.
	NotifyConnectivityChange(connected bool, session Session)

	// DestroySender releases native resources tied to session.
	DestroySender(session Session)
}
