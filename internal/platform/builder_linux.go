//go:build linux

package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os/exec"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/rennerdo30/bifrost-tunnel/internal/tunnel"
	"github.com/rennerdo30/bifrost-tunnel/internal/util"
)

const resolvectlTimeout = 5 * time.Second

// builder accumulates interface parameters. Every Add call validates its
// argument immediately so the manager can classify rejections per call.
type builder struct {
	host   *Host
	noIPv6 bool

	addresses []netip.Prefix
	dns       []netip.Addr
	routes    []netip.Prefix
	uids      []uint32
	mtu       int
	blocking  bool
}

func (b *builder) AddAddress(addr netip.Addr, prefixLen int) error {
	if addr.Is6() && b.noIPv6 {
		return fmt.Errorf("address %s: %w", addr, tunnel.ErrIPv6Unsupported)
	}
	p, err := checkPrefix(addr, prefixLen)
	if err != nil {
		return err
	}
	b.addresses = append(b.addresses, p)
	return nil
}

func (b *builder) AddDNSServer(addr netip.Addr) error {
	if addr.Is6() && b.noIPv6 {
		return fmt.Errorf("DNS server %s: %w", addr, tunnel.ErrIPv6Unsupported)
	}
	if err := checkDNSServer(addr); err != nil {
		return err
	}
	b.dns = append(b.dns, addr)
	return nil
}

func (b *builder) AddRoute(addr netip.Addr, prefixLen int) error {
	if addr.Is6() && b.noIPv6 {
		return fmt.Errorf("route %s/%d: %w", addr, prefixLen, tunnel.ErrIPv6Unsupported)
	}
	p, err := checkPrefix(addr, prefixLen)
	if err != nil {
		return err
	}
	b.routes = append(b.routes, p.Masked())
	return nil
}

func (b *builder) AddDisallowedApplication(app string) error {
	uid, err := lookupUID(app)
	if err != nil {
		return err
	}
	b.uids = append(b.uids, uid)
	return nil
}

func (b *builder) SetMTU(mtu int) error {
	if mtu < 576 || mtu > 65535 {
		return fmt.Errorf("MTU %d out of range", mtu)
	}
	b.mtu = mtu
	return nil
}

func (b *builder) SetBlocking(blocking bool) error {
	b.blocking = blocking
	return nil
}

func (b *builder) SetMetered(bool) error {
	return tunnel.ErrUnsupported
}

// Establish creates the TUN device and applies the accumulated parameters.
// On failure everything installed so far is removed.
func (b *builder) Establish() (tunnel.Interface, error) {
	fd, name, err := openTUN(b.host.opts.NameTemplate)
	if err != nil {
		return nil, err
	}
	dev := &device{host: b.host, fd: fd, name: name}

	if err := b.configure(dev); err != nil {
		if cerr := dev.teardown(); cerr != nil {
			b.host.logger.Debug("failed to tear down partial device", "interface", name, "error", cerr)
		}
		return nil, err
	}

	b.host.logger.Info("tunnel interface established",
		"interface", name,
		"addresses", len(b.addresses),
		"routes", len(b.routes),
		"excluded_uids", len(b.uids),
	)
	return &iface{dev: dev, blocking: b.blocking}, nil
}

func (b *builder) configure(dev *device) error {
	link, err := netlink.LinkByName(dev.name)
	if err != nil {
		return &DeviceError{Op: "lookup link", Err: err}
	}
	if b.mtu > 0 {
		if err := netlink.LinkSetMTU(link, b.mtu); err != nil {
			return &DeviceError{Op: "set MTU", Err: err}
		}
	}
	for _, p := range b.addresses {
		if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: toIPNet(p)}); err != nil {
			return &DeviceError{Op: "add address", Err: fmt.Errorf("%s: %w", p, err)}
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return &DeviceError{Op: "link up", Err: err}
	}

	families := make(map[int]bool)
	for _, p := range b.routes {
		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Dst:       toIPNet(p),
			Table:     b.host.opts.Table,
		}
		if p.Addr().Is4() {
			route.Scope = netlink.SCOPE_LINK
		}
		// Replace takes over the route from a device being swapped out.
		if err := netlink.RouteReplace(route); err != nil {
			return &DeviceError{Op: "add route", Err: fmt.Errorf("%s: %w", p, err)}
		}
		families[familyOf(p.Addr())] = true
	}

	for _, family := range []int{netlink.FAMILY_V4, netlink.FAMILY_V6} {
		if !families[family] {
			continue
		}
		for _, r := range b.host.tunnelRules(family, b.uids) {
			key, err := b.host.acquireRule(r)
			if err != nil {
				return err
			}
			dev.rules = append(dev.rules, key)
		}
	}

	b.applyDNS(dev.name)
	return nil
}

// applyDNS hands the resolvers to systemd-resolved. Hosts without it keep
// their resolver configuration; this is not fatal.
func (b *builder) applyDNS(name string) {
	if len(b.dns) == 0 {
		return
	}
	path := b.host.opts.Resolvectl
	if path == "" {
		var err error
		if path, err = exec.LookPath("resolvectl"); err != nil {
			b.host.logger.Warn("resolvectl not found, DNS servers not applied", "interface", name)
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolvectlTimeout)
	defer cancel()

	args := []string{"dns", name}
	for _, addr := range b.dns {
		args = append(args, addr.String())
	}
	if out, err := exec.CommandContext(ctx, path, args...).CombinedOutput(); err != nil {
		b.host.logger.Warn("failed to set DNS servers", "interface", name, "error", err, "output", string(out))
		return
	}
	if out, err := exec.CommandContext(ctx, path, "domain", name, "~.").CombinedOutput(); err != nil {
		b.host.logger.Warn("failed to set DNS routing domain", "interface", name, "error", err, "output", string(out))
	}

	stub, err := usesResolvedStub(b.host.resolvConf)
	switch {
	case err != nil:
		b.host.logger.Debug("failed to read resolver configuration", "path", b.host.resolvConf, "error", err)
	case !stub:
		b.host.logger.Warn("resolver configuration bypasses systemd-resolved, tunnel DNS servers may be ignored",
			"path", b.host.resolvConf)
	}
}

// iface is an established device still owned by the platform.
type iface struct {
	dev      *device
	blocking bool
	detached bool
}

func (i *iface) Detach() (tunnel.Descriptor, error) {
	if i.detached {
		return nil, errors.New("descriptor already detached")
	}
	if err := setNonblock(i.dev.fd, !i.blocking); err != nil {
		return nil, &DeviceError{Op: "set blocking mode", Err: err}
	}
	i.detached = true
	return i.dev, nil
}

func (i *iface) Close() error {
	if i.detached {
		return nil
	}
	i.detached = true
	return i.dev.teardown()
}

// device owns the TUN fd and the policy rules installed for it.
type device struct {
	host   *Host
	fd     int
	name   string
	rules  []string
	closed bool
}

func (d *device) Fd() int      { return d.fd }
func (d *device) Name() string { return d.name }

// Close releases the rules and the fd. The kernel removes the link, its
// addresses and its routes once the fd is gone.
func (d *device) Close() error {
	if d.closed {
		return fmt.Errorf("tunnel device %s: %w", d.name, errAlreadyClosed)
	}
	return d.teardown()
}

func (d *device) teardown() error {
	d.closed = true
	errs := util.NewMultiError()
	for i := len(d.rules) - 1; i >= 0; i-- {
		errs.Add(d.host.releaseRule(d.rules[i]))
	}
	d.rules = nil
	errs.Add(closeFd(d.fd))
	return errs.Err()
}

func toIPNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}
