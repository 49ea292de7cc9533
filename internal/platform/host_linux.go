//go:build linux

package platform

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"sync"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/rennerdo30/bifrost-tunnel/internal/logging"
	"github.com/rennerdo30/bifrost-tunnel/internal/tunnel"
)

const tunCloneDevice = "/dev/net/tun"

// Host is the Linux tunnel-builder API.
type Host struct {
	opts       Options
	logger     *slog.Logger
	ipv6Path   string
	resolvConf string

	// Rules are shared between the outgoing and the incoming device while
	// a replacement is in progress, so they are reference counted.
	rulesMu sync.Mutex
	rules   map[string]*ruleRef
}

type ruleRef struct {
	rule *netlink.Rule
	refs int
}

// HostOption configures the host.
type HostOption func(*Host)

// WithHostLogger sets a custom logger.
func WithHostLogger(logger *slog.Logger) HostOption {
	return func(h *Host) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// New returns the host platform. It fails if the kernel has no TUN driver.
func New(opts Options, hostOpts ...HostOption) (*Host, error) {
	if _, err := os.Stat(tunCloneDevice); err != nil {
		return nil, &DeviceError{Op: "probe", Err: err}
	}
	h := &Host{
		opts:       opts.withDefaults(),
		logger:     logging.WithComponent("platform"),
		ipv6Path:   disableIPv6Path,
		resolvConf: resolvConfPath,
		rules:      make(map[string]*ruleRef),
	}
	for _, opt := range hostOpts {
		opt(h)
	}
	return h, nil
}

// HasPermission reports whether CAP_NET_ADMIN is in the effective set.
func (h *Host) HasPermission() bool {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		h.logger.Warn("failed to read process capabilities", "error", err)
		return false
	}
	return data[0].Effective&(1<<unix.CAP_NET_ADMIN) != 0
}

// NewBuilder starts describing a new interface.
func (h *Host) NewBuilder() tunnel.Builder {
	return &builder{
		host:     h,
		noIPv6:   ipv6Disabled(h.ipv6Path),
		blocking: true,
	}
}

// Protect marks the socket so the bypass rule routes it through the main
// table.
func (h *Host) Protect(fd int) bool {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, int(h.opts.BypassMark)); err != nil {
		h.logger.Debug("failed to set socket mark", "fd", fd, "error", err)
		return false
	}
	return true
}

// acquireRule installs r unless an identical rule is already held.
func (h *Host) acquireRule(r *netlink.Rule) (string, error) {
	key := ruleKey(r)

	h.rulesMu.Lock()
	defer h.rulesMu.Unlock()

	if ref, ok := h.rules[key]; ok {
		ref.refs++
		return key, nil
	}
	if err := netlink.RuleAdd(r); err != nil {
		return "", &DeviceError{Op: "add rule", Err: fmt.Errorf("%s: %w", r, err)}
	}
	h.rules[key] = &ruleRef{rule: r, refs: 1}
	return key, nil
}

// releaseRule deletes the rule behind key once its last holder is gone.
func (h *Host) releaseRule(key string) error {
	h.rulesMu.Lock()
	defer h.rulesMu.Unlock()

	ref, ok := h.rules[key]
	if !ok {
		return nil
	}
	ref.refs--
	if ref.refs > 0 {
		return nil
	}
	delete(h.rules, key)
	if err := netlink.RuleDel(ref.rule); err != nil {
		return &DeviceError{Op: "delete rule", Err: fmt.Errorf("%s: %w", ref.rule, err)}
	}
	return nil
}

func ruleKey(r *netlink.Rule) string {
	uid := "-"
	if r.UIDRange != nil {
		uid = fmt.Sprintf("%d-%d", r.UIDRange.Start, r.UIDRange.End)
	}
	return fmt.Sprintf("%d/%d/%d/%#x/%s/%d", r.Family, r.Priority, r.Table, r.Mark, uid, r.SuppressPrefixlen)
}

// tunnelRules returns the policy rules for one address family, in priority
// order: protected sockets and excluded users use the main table, local
// non-default routes win, and everything else goes to the tunnel table.
func (h *Host) tunnelRules(family int, uids []uint32) []*netlink.Rule {
	prio := h.opts.RulePriority
	var rules []*netlink.Rule

	mark := netlink.NewRule()
	mark.Family = family
	mark.Priority = prio
	mark.Mark = h.opts.BypassMark
	mark.Table = mainTable
	rules = append(rules, mark)

	for _, uid := range uids {
		r := netlink.NewRule()
		r.Family = family
		r.Priority = prio + 1
		r.UIDRange = netlink.NewRuleUIDRange(uid, uid)
		r.Table = mainTable
		rules = append(rules, r)
	}

	suppress := netlink.NewRule()
	suppress.Family = family
	suppress.Priority = prio + 2
	suppress.Table = mainTable
	suppress.SuppressPrefixlen = 0
	rules = append(rules, suppress)

	tun := netlink.NewRule()
	tun.Family = family
	tun.Priority = prio + 3
	tun.Table = h.opts.Table
	rules = append(rules, tun)

	return rules
}

func familyOf(addr netip.Addr) int {
	if addr.Is4() {
		return netlink.FAMILY_V4
	}
	return netlink.FAMILY_V6
}
