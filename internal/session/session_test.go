package session

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennerdo30/bifrost-tunnel/internal/connectivity"
	"github.com/rennerdo30/bifrost-tunnel/internal/engine"
	"github.com/rennerdo30/bifrost-tunnel/internal/tunnel"
)

type testDescriptor struct {
	fd     int
	closed int
}

func (d *testDescriptor) Fd() int      { return d.fd }
func (d *testDescriptor) Name() string { return "tun-test" }
func (d *testDescriptor) Close() error {
	d.closed++
	return nil
}

type testInterface struct{ desc *testDescriptor }

func (i *testInterface) Detach() (tunnel.Descriptor, error) { return i.desc, nil }
func (i *testInterface) Close() error                       { return nil }

type testBuilder struct {
	platform *testPlatform
	dns      []netip.Addr
}

func (b *testBuilder) AddAddress(netip.Addr, int) error { return nil }
func (b *testBuilder) AddDNSServer(addr netip.Addr) error {
	if addr == b.platform.badDNS {
		return tunnel.ErrInvalidDNSServer
	}
	b.dns = append(b.dns, addr)
	return nil
}
func (b *testBuilder) AddRoute(netip.Addr, int) error        { return nil }
func (b *testBuilder) AddDisallowedApplication(string) error { return nil }
func (b *testBuilder) SetMTU(int) error                      { return nil }
func (b *testBuilder) SetBlocking(bool) error                { return nil }
func (b *testBuilder) SetMetered(bool) error                 { return tunnel.ErrUnsupported }
func (b *testBuilder) Establish() (tunnel.Interface, error) {
	p := b.platform
	p.mu.Lock()
	defer p.mu.Unlock()
	d := &testDescriptor{fd: 100 + len(p.descriptors)}
	p.descriptors = append(p.descriptors, d)
	return &testInterface{desc: d}, nil
}

type testPlatform struct {
	mu          sync.Mutex
	denied      bool
	badDNS      netip.Addr
	descriptors []*testDescriptor
}

func (p *testPlatform) HasPermission() bool        { return !p.denied }
func (p *testPlatform) NewBuilder() tunnel.Builder { return &testBuilder{platform: p} }
func (p *testPlatform) Protect(int) bool           { return true }

func (p *testPlatform) openDescriptors() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	open := 0
	for _, d := range p.descriptors {
		if d.closed == 0 {
			open++
		}
	}
	return open
}

// testEngine is the in-process engine with an immediate tunnel-up wait.
type testEngine struct {
	*engine.Local
	waitErr error
}

func (e *testEngine) WaitForTunnelUp(context.Context, int, bool) error {
	return e.waitErr
}

type testSource struct {
	networks []connectivity.Network
	startErr error
	closed   int
}

func (s *testSource) Start(h connectivity.Handler) error {
	if s.startErr != nil {
		return s.startErr
	}
	for _, n := range s.networks {
		h.OnAvailable(n)
	}
	return nil
}

func (s *testSource) Close() error {
	s.closed++
	return nil
}

func defaults() tunnel.Config {
	return tunnel.Config{
		Addresses:  []netip.Addr{netip.MustParseAddr("10.64.0.2")},
		DNSServers: []netip.Addr{netip.MustParseAddr("10.64.0.1")},
		Routes:     []tunnel.Route{tunnel.MustParseRoute("0.0.0.0/0")},
		MTU:        1380,
	}
}

func newTestSession(t *testing.T, p *testPlatform, src connectivity.Source, opts ...Option) (*Session, *testEngine) {
	t.Helper()
	eng := &testEngine{Local: engine.NewLocal(defaults())}
	return New(p, eng, src, opts...), eng
}

func TestSession_StartAndClose(t *testing.T) {
	p := &testPlatform{}
	src := &testSource{networks: []connectivity.Network{{Index: 2, Name: "eth0", IPv4: true}}}
	s, eng := newTestSession(t, p, src)

	result, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tunnel.KindSuccess, result.Kind())
	assert.Equal(t, 1, p.openDescriptors())

	st := s.Status()
	assert.True(t, st.Started)
	assert.NotEqual(t, connectivity.NoSession, st.Session)
	assert.True(t, st.Tunnel.Open)
	assert.Equal(t, "tun-test", st.Tunnel.Interface)
	assert.True(t, st.Connectivity.Connected)
	assert.Len(t, st.Connectivity.Networks, 1)

	info, err := eng.Session(st.Session)
	require.NoError(t, err)
	assert.True(t, info.Connected)

	_, err = s.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	require.NoError(t, s.Close())
	assert.Equal(t, 0, p.openDescriptors())
	assert.Equal(t, 1, src.closed)

	_, err = eng.Session(st.Session)
	assert.ErrorIs(t, err, engine.ErrUnknownSession)

	assert.ErrorIs(t, s.Close(), ErrClosed)
	_, err = s.Start(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, s.Status().Started)
}

func TestSession_StartWithConfig(t *testing.T) {
	p := &testPlatform{}
	cfg := defaults()
	cfg.MTU = 1280
	s, _ := newTestSession(t, p, nil, WithTunnelConfig(cfg))

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1280, s.Status().Tunnel.Config.MTU)
	require.NoError(t, s.Close())
}

func TestSession_StartPermissionDenied(t *testing.T) {
	s, _ := newTestSession(t, &testPlatform{denied: true}, nil)

	result, err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrTunnelUnavailable)
	require.NotNil(t, result)
	assert.Equal(t, tunnel.KindPermissionDenied, result.Kind())

	// The session is started and can retry.
	_, err = s.Recreate()
	assert.ErrorIs(t, err, ErrTunnelUnavailable)
	require.NoError(t, s.Close())
}

func TestSession_StartDeviceError(t *testing.T) {
	waitErr := errors.New("engine stalled")
	eng := &testEngine{Local: engine.NewLocal(defaults()), waitErr: waitErr}
	s := New(&testPlatform{}, eng, nil)

	result, err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrTunnelUnavailable)
	assert.ErrorIs(t, err, waitErr)
	assert.Equal(t, tunnel.KindDeviceError, result.Kind())
	require.NoError(t, s.Close())
}

func TestSession_PartialSuccessIsNotAnError(t *testing.T) {
	p := &testPlatform{badDNS: netip.MustParseAddr("10.64.0.1")}
	s, _ := newTestSession(t, p, nil)

	result, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tunnel.KindInvalidDNSServers, result.Kind())
	assert.True(t, result.IsOpen())
	require.NoError(t, s.Close())
}

func TestSession_StartSourceError(t *testing.T) {
	startErr := errors.New("no netlink")
	s, _ := newTestSession(t, &testPlatform{}, &testSource{startErr: startErr})

	_, err := s.Start(context.Background())
	assert.ErrorIs(t, err, startErr)
	assert.False(t, s.Status().Started)
}

func TestSession_StartCancelled(t *testing.T) {
	p := &testPlatform{}
	s, _ := newTestSession(t, p, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Start(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, p.descriptors)
}

func TestSession_NotStarted(t *testing.T) {
	s, _ := newTestSession(t, &testPlatform{}, nil)

	_, err := s.Apply(defaults())
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = s.Recreate()
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, s.MarkStale(), ErrNotStarted)
	assert.ErrorIs(t, s.CloseTunnel(), ErrNotStarted)
}

func TestSession_Apply(t *testing.T) {
	p := &testPlatform{}
	s, _ := newTestSession(t, p, nil)
	_, err := s.Start(context.Background())
	require.NoError(t, err)

	cfg := defaults()
	cfg.MTU = 1420
	result, err := s.Apply(cfg)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Len(t, p.descriptors, 2)
	assert.Equal(t, 1, p.openDescriptors())
	assert.Equal(t, 1420, s.Status().Tunnel.Config.MTU)

	require.NoError(t, s.CloseTunnel())
	result, err = s.Apply(defaults())
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Len(t, p.descriptors, 2)

	require.NoError(t, s.Close())
}

func TestSession_MarkStaleAndRecreate(t *testing.T) {
	p := &testPlatform{}
	s, _ := newTestSession(t, p, nil)
	_, err := s.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.MarkStale())
	assert.True(t, s.Status().Tunnel.Stale)

	_, err = s.Recreate()
	require.NoError(t, err)
	assert.False(t, s.Status().Tunnel.Stale)
	assert.Len(t, p.descriptors, 2)
	assert.Equal(t, 1, p.openDescriptors())

	require.NoError(t, s.Close())
	assert.Equal(t, 0, p.openDescriptors())
}
