//go:build !linux

package platform

import (
	"log/slog"
	"net/netip"

	"github.com/rennerdo30/bifrost-tunnel/internal/connectivity"
	"github.com/rennerdo30/bifrost-tunnel/internal/tunnel"
	"github.com/rennerdo30/bifrost-tunnel/internal/util"
)

// Host is unavailable on this operating system.
type Host struct{}

// HostOption configures the host.
type HostOption func(*Host)

// WithHostLogger is accepted for API parity.
func WithHostLogger(*slog.Logger) HostOption {
	return func(*Host) {}
}

// New always fails on this operating system.
func New(Options, ...HostOption) (*Host, error) {
	return nil, util.ErrNotSupported
}

func (h *Host) HasPermission() bool        { return false }
func (h *Host) NewBuilder() tunnel.Builder { return unsupportedBuilder{} }
func (h *Host) Protect(int) bool           { return false }

type unsupportedBuilder struct{}

func (unsupportedBuilder) AddAddress(netip.Addr, int) error      { return util.ErrNotSupported }
func (unsupportedBuilder) AddDNSServer(netip.Addr) error         { return util.ErrNotSupported }
func (unsupportedBuilder) AddRoute(netip.Addr, int) error        { return util.ErrNotSupported }
func (unsupportedBuilder) AddDisallowedApplication(string) error { return util.ErrNotSupported }
func (unsupportedBuilder) SetMTU(int) error                      { return util.ErrNotSupported }
func (unsupportedBuilder) SetBlocking(bool) error                { return util.ErrNotSupported }
func (unsupportedBuilder) SetMetered(bool) error                 { return tunnel.ErrUnsupported }
func (unsupportedBuilder) Establish() (tunnel.Interface, error)  { return nil, util.ErrNotSupported }

// NetlinkSource is unavailable on this operating system.
type NetlinkSource struct{}

// NewNetlinkSource returns a source whose Start always fails.
func NewNetlinkSource(string) *NetlinkSource {
	return &NetlinkSource{}
}

func (s *NetlinkSource) Start(connectivity.Handler) error { return util.ErrNotSupported }
func (s *NetlinkSource) Close() error                     { return nil }
