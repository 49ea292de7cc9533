package tunnel

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
)

// Default and limit values for the tunnel MTU.
const (
	DefaultMTU = 1280
	MinMTU     = 576
	MaxMTU     = 65535
)

// Config describes the tunnel device to build. A Config is treated as an
// immutable value: the manager compares configs with Equal to decide whether
// a request needs a new device.
type Config struct {
	// Addresses are the local addresses assigned to the interface.
	Addresses []netip.Addr `yaml:"addresses" json:"addresses"`

	// DNSServers are handed to the platform as the interface's resolvers.
	DNSServers []netip.Addr `yaml:"dns_servers" json:"dns_servers"`

	// Routes are sent through the tunnel.
	Routes []Route `yaml:"routes" json:"routes"`

	// ExcludedApps lists application identifiers whose traffic bypasses the
	// tunnel. Nil means no exclusion list is applied at all.
	ExcludedApps []string `yaml:"excluded_apps,omitempty" json:"excluded_apps,omitempty"`

	// MTU of the interface.
	MTU int `yaml:"mtu" json:"mtu"`
}

// Equal reports whether two configs describe the same device.
func (c Config) Equal(other Config) bool {
	return c.MTU == other.MTU &&
		slices.Equal(c.Addresses, other.Addresses) &&
		slices.Equal(c.DNSServers, other.DNSServers) &&
		slices.Equal(c.Routes, other.Routes) &&
		slices.Equal(c.ExcludedApps, other.ExcludedApps)
}

// HasIPv6 reports whether any address or route is IPv6.
func (c Config) HasIPv6() bool {
	for _, addr := range c.Addresses {
		if addr.Is6() {
			return true
		}
	}
	for _, route := range c.Routes {
		if route.IsIPv6() {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the config.
func (c Config) Clone() Config {
	return Config{
		Addresses:    slices.Clone(c.Addresses),
		DNSServers:   slices.Clone(c.DNSServers),
		Routes:       slices.Clone(c.Routes),
		ExcludedApps: slices.Clone(c.ExcludedApps),
		MTU:          c.MTU,
	}
}

// Validate validates the tunnel configuration and fills in defaults.
func (c *Config) Validate() error {
	if len(c.Addresses) == 0 {
		return errors.New("at least one tunnel address is required")
	}
	for _, addr := range c.Addresses {
		if !addr.IsValid() {
			return errors.New("invalid tunnel address")
		}
	}
	for _, addr := range c.DNSServers {
		if !addr.IsValid() {
			return errors.New("invalid DNS server address")
		}
	}
	for _, route := range c.Routes {
		if err := route.Validate(); err != nil {
			return err
		}
	}
	for _, app := range c.ExcludedApps {
		if app == "" {
			return errors.New("excluded application identifier must not be empty")
		}
	}

	if c.MTU <= 0 {
		c.MTU = DefaultMTU
	}
	if c.MTU > MaxMTU {
		return fmt.Errorf("MTU too large: %d (max %d)", c.MTU, MaxMTU)
	}
	if c.MTU < MinMTU {
		return fmt.Errorf("MTU too small: %d (min %d)", c.MTU, MinMTU)
	}

	return nil
}

// Route is a destination network sent through the tunnel.
type Route struct {
	Address   netip.Addr
	PrefixLen int
}

// NewRoute creates a route from a prefix.
func NewRoute(prefix netip.Prefix) Route {
	return Route{Address: prefix.Addr(), PrefixLen: prefix.Bits()}
}

// ParseRoute parses a route in CIDR notation (e.g. "0.0.0.0/0").
func ParseRoute(s string) (Route, error) {
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return Route{}, fmt.Errorf("invalid route: %w", err)
	}
	return NewRoute(prefix), nil
}

// MustParseRoute is like ParseRoute but panics on error.
func MustParseRoute(s string) Route {
	r, err := ParseRoute(s)
	if err != nil {
		panic(err)
	}
	return r
}

// IsIPv6 reports whether the route destination is an IPv6 network.
func (r Route) IsIPv6() bool {
	return r.Address.Is6()
}

// Prefix returns the route as a netip.Prefix.
func (r Route) Prefix() netip.Prefix {
	return netip.PrefixFrom(r.Address, r.PrefixLen)
}

// Validate checks the destination and prefix length.
func (r Route) Validate() error {
	if !r.Address.IsValid() {
		return errors.New("invalid route address")
	}
	if r.PrefixLen < 0 || r.PrefixLen > r.Address.BitLen() {
		return fmt.Errorf("invalid prefix length %d for route %s", r.PrefixLen, r.Address)
	}
	return nil
}

// String returns the route in CIDR notation.
func (r Route) String() string {
	return r.Prefix().String()
}

// MarshalText implements encoding.TextMarshaler.
func (r Route) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Route) UnmarshalText(text []byte) error {
	parsed, err := ParseRoute(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// hostPrefixLen returns the prefix length used when assigning addr to the
// interface. Addresses are validated before they reach the builder, so any
// other family is a programming error.
func hostPrefixLen(addr netip.Addr) int {
	switch {
	case addr.Is4():
		return 32
	case addr.Is6():
		return 128
	default:
		panic(fmt.Sprintf("tunnel: unsupported address family for %v", addr))
	}
}
