package tunnel

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
)

// fakeDescriptor counts how often it is closed.
type fakeDescriptor struct {
	fd     int
	name   string
	closes atomic.Int32
}

func (d *fakeDescriptor) Fd() int      { return d.fd }
func (d *fakeDescriptor) Name() string { return d.name }
func (d *fakeDescriptor) Close() error {
	d.closes.Add(1)
	return nil
}

type fakeInterface struct {
	desc      *fakeDescriptor
	detachErr error
	closed    bool
}

func (i *fakeInterface) Detach() (Descriptor, error) {
	if i.detachErr != nil {
		return nil, i.detachErr
	}
	return i.desc, nil
}

func (i *fakeInterface) Close() error {
	i.closed = true
	return nil
}

// fakePlatform records every builder call and hands out fresh descriptors.
type fakePlatform struct {
	mu sync.Mutex

	permission  bool
	rejectDNS   map[netip.Addr]bool
	noIPv6      bool
	establishOK bool
	detachErr   error
	protectOK   bool

	builders    []*fakeBuilder
	descriptors []*fakeDescriptor
	interfaces  []*fakeInterface
	protected   []int
	nextFd      int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		permission:  true,
		rejectDNS:   make(map[netip.Addr]bool),
		establishOK: true,
		protectOK:   true,
		nextFd:      10,
	}
}

func (p *fakePlatform) HasPermission() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permission
}

func (p *fakePlatform) NewBuilder() Builder {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := &fakeBuilder{platform: p}
	p.builders = append(p.builders, b)
	return b
}

func (p *fakePlatform) Protect(fd int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.protected = append(p.protected, fd)
	return p.protectOK
}

// creations returns the number of established interfaces.
func (p *fakePlatform) creations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.descriptors)
}

// releases returns the total number of descriptor closes.
func (p *fakePlatform) releases() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, d := range p.descriptors {
		total += int(d.closes.Load())
	}
	return total
}

type fakeBuilder struct {
	platform *fakePlatform

	addresses []netip.Prefix
	dns       []netip.Addr
	routes    []netip.Prefix
	excluded  []string
	mtu       int
	blocking  bool
	metered   bool
}

func (b *fakeBuilder) AddAddress(addr netip.Addr, prefixLen int) error {
	if addr.Is6() && b.platform.noIPv6 {
		return fmt.Errorf("address %s: %w", addr, ErrIPv6Unsupported)
	}
	b.addresses = append(b.addresses, netip.PrefixFrom(addr, prefixLen))
	return nil
}

func (b *fakeBuilder) AddDNSServer(addr netip.Addr) error {
	if addr.Is6() && b.platform.noIPv6 {
		return ErrIPv6Unsupported
	}
	if b.platform.rejectDNS[addr] {
		return fmt.Errorf("bad address %s: %w", addr, ErrInvalidDNSServer)
	}
	b.dns = append(b.dns, addr)
	return nil
}

func (b *fakeBuilder) AddRoute(addr netip.Addr, prefixLen int) error {
	if addr.Is6() && b.platform.noIPv6 {
		return ErrIPv6Unsupported
	}
	b.routes = append(b.routes, netip.PrefixFrom(addr, prefixLen))
	return nil
}

func (b *fakeBuilder) AddDisallowedApplication(app string) error {
	b.excluded = append(b.excluded, app)
	return nil
}

func (b *fakeBuilder) SetMTU(mtu int) error {
	b.mtu = mtu
	return nil
}

func (b *fakeBuilder) SetBlocking(blocking bool) error {
	b.blocking = blocking
	return nil
}

func (b *fakeBuilder) SetMetered(metered bool) error {
	b.metered = metered
	return ErrUnsupported
}

func (b *fakeBuilder) Establish() (Interface, error) {
	p := b.platform
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.establishOK {
		return nil, nil
	}
	d := &fakeDescriptor{fd: p.nextFd, name: fmt.Sprintf("tun%d", len(p.descriptors))}
	p.nextFd++
	p.descriptors = append(p.descriptors, d)
	iface := &fakeInterface{desc: d, detachErr: p.detachErr}
	p.interfaces = append(p.interfaces, iface)
	return iface, nil
}

// fakeEngine answers WaitForTunnelUp from a configurable error.
type fakeEngine struct {
	defaults Config
	waitErr  error
	waits    atomic.Int32
	lastIPv6 atomic.Bool
}

func (e *fakeEngine) DefaultConfig() Config { return e.defaults }

func (e *fakeEngine) WaitForTunnelUp(ctx context.Context, fd int, ipv6Enabled bool) error {
	e.waits.Add(1)
	e.lastIPv6.Store(ipv6Enabled)
	if e.waitErr != nil {
		return e.waitErr
	}
	return ctx.Err()
}
