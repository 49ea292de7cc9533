//go:build linux

package platform

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/rennerdo30/bifrost-tunnel/internal/connectivity"
	"github.com/rennerdo30/bifrost-tunnel/internal/logging"
)

// settleDelay coalesces bursts of netlink updates into one rescan.
const settleDelay = 100 * time.Millisecond

// NetlinkSource observes links, addresses and routes and reports networks
// that reach the internet without going through a tunnel.
type NetlinkSource struct {
	logger    *slog.Logger
	ownPrefix string
	settle    time.Duration

	mu      sync.Mutex
	done    chan struct{}
	wg      sync.WaitGroup
	handler connectivity.Handler
	known   map[int]connectivity.Network
}

// NewNetlinkSource creates a source that ignores interfaces created from
// nameTemplate in addition to tunnel link types.
func NewNetlinkSource(nameTemplate string) *NetlinkSource {
	if nameTemplate == "" {
		nameTemplate = DefaultNameTemplate
	}
	return &NetlinkSource{
		logger:    logging.WithComponent("netlink-source"),
		ownPrefix: namePrefix(nameTemplate),
		settle:    settleDelay,
		known:     make(map[int]connectivity.Network),
	}
}

// Start subscribes to rtnetlink and reports the current networks before
// returning.
func (s *NetlinkSource) Start(h connectivity.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return errors.New("netlink source already started")
	}
	done := make(chan struct{})

	links := make(chan netlink.LinkUpdate, 16)
	addrs := make(chan netlink.AddrUpdate, 16)
	routes := make(chan netlink.RouteUpdate, 16)

	if err := netlink.LinkSubscribe(links, done); err != nil {
		close(done)
		return &DeviceError{Op: "subscribe links", Err: err}
	}
	if err := netlink.AddrSubscribe(addrs, done); err != nil {
		close(done)
		return &DeviceError{Op: "subscribe addresses", Err: err}
	}
	if err := netlink.RouteSubscribe(routes, done); err != nil {
		s.logger.Warn("route subscription unavailable, default route changes are picked up with link events", "error", err)
		routes = nil
	}

	s.done = done
	s.handler = h
	s.rescan()

	s.wg.Add(1)
	go s.run(done, links, addrs, routes)
	return nil
}

// Close stops the subscriptions and waits for the event loop to exit.
func (s *NetlinkSource) Close() error {
	s.mu.Lock()
	done := s.done
	s.done = nil
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	close(done)
	s.wg.Wait()

	s.mu.Lock()
	s.handler = nil
	clear(s.known)
	s.mu.Unlock()
	return nil
}

func (s *NetlinkSource) run(done <-chan struct{}, links chan netlink.LinkUpdate, addrs chan netlink.AddrUpdate, routes chan netlink.RouteUpdate) {
	defer s.wg.Done()

	timer := time.NewTimer(s.settle)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-done:
			return
		case _, ok := <-links:
			if !ok {
				links = nil
				continue
			}
			timer.Reset(s.settle)
		case _, ok := <-addrs:
			if !ok {
				addrs = nil
				continue
			}
			timer.Reset(s.settle)
		case u, ok := <-routes:
			if !ok {
				routes = nil
				continue
			}
			if isDefaultRoute(u.Route) {
				timer.Reset(s.settle)
			}
		case <-timer.C:
			s.mu.Lock()
			if s.handler != nil {
				s.rescan()
			}
			s.mu.Unlock()
		}
	}
}

// rescan rebuilds the network set and reports the difference. Must be
// called with mu held.
func (s *NetlinkSource) rescan() {
	infos, err := collectLinks()
	if err != nil {
		s.logger.Warn("failed to read network state", "error", err)
		return
	}

	next := make(map[int]connectivity.Network)
	for _, info := range infos {
		if n, ok := evaluate(info, s.ownPrefix); ok {
			next[n.Index] = n
		}
	}

	available, lost := diffNetworks(s.known, next)
	s.known = next
	for _, n := range lost {
		s.handler.OnLost(n)
	}
	for _, n := range available {
		s.handler.OnAvailable(n)
	}
}

func collectLinks() ([]linkInfo, error) {
	links, err := netlink.LinkList()
	if err != nil && !errors.Is(err, netlink.ErrDumpInterrupted) {
		return nil, err
	}

	defaults := make(map[int]map[int]bool)
	for _, family := range []int{netlink.FAMILY_V4, netlink.FAMILY_V6} {
		routes, err := netlink.RouteList(nil, family)
		if err != nil && !errors.Is(err, netlink.ErrDumpInterrupted) {
			return nil, err
		}
		for _, r := range routes {
			if !isDefaultRoute(r) {
				continue
			}
			for _, idx := range routeLinks(r) {
				if defaults[idx] == nil {
					defaults[idx] = make(map[int]bool)
				}
				defaults[idx][family] = true
			}
		}
	}

	infos := make([]linkInfo, 0, len(links))
	for _, link := range links {
		attrs := link.Attrs()
		info := linkInfo{
			Index:     attrs.Index,
			Name:      attrs.Name,
			Type:      link.Type(),
			Up:        attrs.Flags&net.FlagUp != 0,
			Loopback:  attrs.Flags&net.FlagLoopback != 0,
			DefaultV4: defaults[attrs.Index][netlink.FAMILY_V4],
			DefaultV6: defaults[attrs.Index][netlink.FAMILY_V6],
		}
		if info.DefaultV4 || info.DefaultV6 {
			addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
			if err != nil && !errors.Is(err, netlink.ErrDumpInterrupted) {
				return nil, err
			}
			for _, a := range addrs {
				if a.Scope != unix.RT_SCOPE_UNIVERSE || a.Flags&unix.IFA_F_TENTATIVE != 0 {
					continue
				}
				if a.IP.To4() != nil {
					info.HasIPv4 = true
				} else {
					info.HasIPv6 = true
				}
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func isDefaultRoute(r netlink.Route) bool {
	if r.Dst == nil {
		return true
	}
	ones, _ := r.Dst.Mask.Size()
	return ones == 0
}

func routeLinks(r netlink.Route) []int {
	if len(r.MultiPath) == 0 {
		return []int{r.LinkIndex}
	}
	out := make([]int, 0, len(r.MultiPath))
	for _, nh := range r.MultiPath {
		out = append(out, nh.LinkIndex)
	}
	return out
}
