package platform

import (
	"maps"
	"slices"
	"strings"

	"github.com/rennerdo30/bifrost-tunnel/internal/connectivity"
)

// vpnLinkTypes are link kinds that carry tunnelled traffic.
var vpnLinkTypes = map[string]bool{
	"tuntap":    true,
	"tun":       true,
	"wireguard": true,
	"ipip":      true,
	"sit":       true,
	"gre":       true,
	"ip6tnl":    true,
	"vti":       true,
	"xfrm":      true,
}

// linkInfo is the per-link view the availability rules work on.
type linkInfo struct {
	Index     int
	Name      string
	Type      string
	Up        bool
	Loopback  bool
	HasIPv4   bool
	HasIPv6   bool
	DefaultV4 bool
	DefaultV6 bool
}

// evaluate reports whether a link counts as a usable network, and with which
// families. A family is usable when the link carries a global address and
// the default route of that family.
func evaluate(l linkInfo, ownPrefix string) (connectivity.Network, bool) {
	if !l.Up || l.Loopback || vpnLinkTypes[l.Type] {
		return connectivity.Network{}, false
	}
	if ownPrefix != "" && strings.HasPrefix(l.Name, ownPrefix) {
		return connectivity.Network{}, false
	}
	n := connectivity.Network{
		Index: l.Index,
		Name:  l.Name,
		IPv4:  l.HasIPv4 && l.DefaultV4,
		IPv6:  l.HasIPv6 && l.DefaultV6,
	}
	return n, n.IPv4 || n.IPv6
}

// diffNetworks returns the networks to announce as available (new or
// changed) and the ones to announce as lost.
func diffNetworks(prev, next map[int]connectivity.Network) (available, lost []connectivity.Network) {
	for _, idx := range slices.Sorted(maps.Keys(next)) {
		if old, ok := prev[idx]; !ok || old != next[idx] {
			available = append(available, next[idx])
		}
	}
	for _, idx := range slices.Sorted(maps.Keys(prev)) {
		if _, ok := next[idx]; !ok {
			lost = append(lost, prev[idx])
		}
	}
	return available, lost
}

// namePrefix returns the fixed part of an interface name template.
func namePrefix(template string) string {
	if i := strings.IndexByte(template, '%'); i >= 0 {
		return template[:i]
	}
	return template
}
