package tunnel

import (
	"context"
	"errors"
	"net/netip"
)

// Errors a Builder may return for a single parameter. They are outcomes the
// manager handles per call; any other error aborts device creation.
var (
	// ErrInvalidDNSServer means the platform refused a DNS server address.
	ErrInvalidDNSServer = errors.New("DNS server rejected by platform")

	// ErrIPv6Unsupported means the platform refused an IPv6 parameter
	// because IPv6 is unavailable on the host.
	ErrIPv6Unsupported = errors.New("IPv6 not supported by platform")

	// ErrUnsupported means the platform does not implement an optional
	// setting (e.g. the metered hint). The setting is skipped.
	ErrUnsupported = errors.New("setting not supported by platform")
)

// Platform is the host's tunnel-builder API.
type Platform interface {
	// HasPermission reports whether the process may currently create
	// tunnel interfaces.
	HasPermission() bool

	// NewBuilder starts describing a new interface.
	NewBuilder() Builder

	// Protect excludes the given socket from the tunnel so its traffic
	// uses the underlying network. It reports whether that succeeded.
	Protect(fd int) bool
}

// Builder accumulates interface parameters and establishes the interface.
// Validation of individual parameters is platform-defined.
type Builder interface {
	AddAddress(addr netip.Addr, prefixLen int) error
	AddDNSServer(addr netip.Addr) error
	AddRoute(addr netip.Addr, prefixLen int) error
	AddDisallowedApplication(app string) error
	SetMTU(mtu int) error
	SetBlocking(blocking bool) error
	SetMetered(metered bool) error

	// Establish creates the interface. A nil Interface with a nil error
	// means the platform declined without further detail.
	Establish() (Interface, error)
}

// Interface is an established interface still owned by the platform.
type Interface interface {
	// Detach transfers ownership of the raw descriptor to the caller.
	Detach() (Descriptor, error)

	// Close releases the interface without detaching.
	Close() error
}

// Descriptor is an open tunnel device handle owned by the caller.
type Descriptor interface {
	// Fd returns the raw file descriptor.
	Fd() int

	// Name returns the interface name, if known.
	Name() string

	// Close releases the descriptor. Calling Close more than once is a
	// programming error.
	Close() error
}

// Engine is the part of the native tunnel engine the manager talks to.
type Engine interface {
	// DefaultConfig supplies the configuration used before any explicit
	// settings exist.
	DefaultConfig() Config

	// WaitForTunnelUp blocks until the interface behind fd is routable or
	// ctx expires.
	WaitForTunnelUp(ctx context.Context, fd int, ipv6Enabled bool) error
}
