// Package platform implements the host tunnel-builder and network
// observation APIs on top of the kernel's TUN driver and rtnetlink.
package platform

import (
	"bytes"
	"fmt"
	"net/netip"
	"os"
	"os/user"
	"strconv"

	"github.com/miekg/dns"

	"github.com/rennerdo30/bifrost-tunnel/internal/tunnel"
)

// Defaults for Options.
const (
	DefaultNameTemplate = "bifrost%d"
	DefaultTable        = 0xbf00
	DefaultBypassMark   = 0xbf01
	DefaultRulePriority = 5200
	mainTable           = 254
	disableIPv6Path     = "/proc/sys/net/ipv6/conf/all/disable_ipv6"
	resolvConfPath      = "/etc/resolv.conf"
)

// Addresses of the systemd-resolved stub listeners.
var resolvedStubs = []netip.Addr{
	netip.MustParseAddr("127.0.0.53"),
	netip.MustParseAddr("127.0.0.54"),
}

// Options configures the host platform.
type Options struct {
	// NameTemplate is passed to the kernel as the interface name; a %d is
	// replaced with the first free index.
	NameTemplate string `yaml:"name_template" json:"name_template"`

	// Table is the routing table holding the tunnel routes.
	Table int `yaml:"table" json:"table"`

	// BypassMark is the fwmark set on protected sockets.
	BypassMark uint32 `yaml:"bypass_mark" json:"bypass_mark"`

	// RulePriority is the priority of the first installed ip rule.
	RulePriority int `yaml:"rule_priority" json:"rule_priority"`

	// Resolvectl is the path of the systemd-resolved CLI used for DNS.
	// Empty means look it up in PATH.
	Resolvectl string `yaml:"resolvectl,omitempty" json:"resolvectl,omitempty"`
}

// DefaultOptions returns the default platform options.
func DefaultOptions() Options {
	return Options{
		NameTemplate: DefaultNameTemplate,
		Table:        DefaultTable,
		BypassMark:   DefaultBypassMark,
		RulePriority: DefaultRulePriority,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.NameTemplate == "" {
		o.NameTemplate = d.NameTemplate
	}
	if o.Table == 0 {
		o.Table = d.Table
	}
	if o.BypassMark == 0 {
		o.BypassMark = d.BypassMark
	}
	if o.RulePriority == 0 {
		o.RulePriority = d.RulePriority
	}
	return o
}

// DeviceError describes a failed step while building the device.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("tunnel device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// checkDNSServer applies the kernel-side rules for resolver addresses.
func checkDNSServer(addr netip.Addr) error {
	switch {
	case !addr.IsValid():
		return fmt.Errorf("invalid address: %w", tunnel.ErrInvalidDNSServer)
	case addr.IsUnspecified(), addr.IsMulticast(), addr.IsLoopback(),
		addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return fmt.Errorf("%s is not a routable resolver: %w", addr, tunnel.ErrInvalidDNSServer)
	}
	return nil
}

// lookupUID resolves an application identifier to a user id. Numeric
// identifiers are taken as UIDs, anything else as a user name.
func lookupUID(app string) (uint32, error) {
	if uid, err := strconv.ParseUint(app, 10, 32); err == nil {
		return uint32(uid), nil
	}
	u, err := user.Lookup(app)
	if err != nil {
		return 0, fmt.Errorf("resolve application %q: %w", app, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("resolve application %q: uid %q: %w", app, u.Uid, err)
	}
	return uint32(uid), nil
}

// ipv6Disabled reports whether the sysctl at path disables IPv6. A missing
// file means the kernel was built without IPv6.
func ipv6Disabled(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return os.IsNotExist(err)
	}
	return string(bytes.TrimSpace(data)) == "1"
}

// usesResolvedStub reports whether the resolver configuration at path sends
// queries to systemd-resolved. Only then do per-link DNS servers reach
// applications that read resolv.conf.
func usesResolvedStub(path string) (bool, error) {
	cfg, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return false, err
	}
	for _, server := range cfg.Servers {
		addr, err := netip.ParseAddr(server)
		if err != nil {
			continue
		}
		for _, stub := range resolvedStubs {
			if addr == stub {
				return true, nil
			}
		}
	}
	return false, nil
}

// checkPrefix validates an address and prefix length pair.
func checkPrefix(addr netip.Addr, prefixLen int) (netip.Prefix, error) {
	if !addr.IsValid() {
		return netip.Prefix{}, fmt.Errorf("invalid address")
	}
	p := netip.PrefixFrom(addr, prefixLen)
	if !p.IsValid() {
		return netip.Prefix{}, fmt.Errorf("invalid prefix length %d for %s", prefixLen, addr)
	}
	return p, nil
}
