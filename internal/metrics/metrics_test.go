package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	m := New()
	require.NotNil(t, m)

	assert.NotNil(t, m.TunnelCreations)
	assert.NotNil(t, m.TunnelFastPath)
	assert.NotNil(t, m.TunnelStaleMarks)
	assert.NotNil(t, m.DescriptorsReleased)
	assert.NotNil(t, m.DescriptorsActive)
	assert.NotNil(t, m.TunnelUpWait)
	assert.NotNil(t, m.BypassCalls)
	assert.NotNil(t, m.ConnectivityTransitions)
	assert.NotNil(t, m.Connected)
	assert.NotNil(t, m.AvailableNetworks)
	assert.NotNil(t, m.BridgeNotifications)
	assert.NotNil(t, m.ObserverDrops)
	assert.NotNil(t, m.Uptime)
	assert.NotNil(t, m.GoRoutines)
	assert.NotNil(t, m.registry)
}

func TestMetricsHandler(t *testing.T) {
	m := New()
	m.TunnelCreations.WithLabelValues("success").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	assert.Equal(t, 200, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "bifrost_tunnel_creations_total"))
	assert.True(t, strings.Contains(body, "go_"))
}

func TestMetricsRegistry(t *testing.T) {
	m := New()

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestCollector_TunnelLifecycle(t *testing.T) {
	m := New()
	c := NewCollector(m)

	c.RecordCreation("success", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TunnelCreations.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DescriptorsActive))

	c.RecordCreation("permission_denied", false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TunnelCreations.WithLabelValues("permission_denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DescriptorsActive))

	c.RecordRelease(false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DescriptorsReleased))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.DescriptorsActive))

	c.RecordReuse()
	c.RecordStale()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TunnelFastPath))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TunnelStaleMarks))

	c.RecordTunnelUpWait(50 * time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(m.TunnelUpWait))
}

func TestCollector_Bypass(t *testing.T) {
	m := New()
	c := NewCollector(m)

	c.RecordBypass(true)
	c.RecordBypass(true)
	c.RecordBypass(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.BypassCalls.WithLabelValues("protected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BypassCalls.WithLabelValues("failed")))
}

func TestCollector_Connectivity(t *testing.T) {
	m := New()
	c := NewCollector(m)

	c.RecordConnectivity(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connected))
	c.RecordConnectivity(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Connected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectivityTransitions.WithLabelValues("connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectivityTransitions.WithLabelValues("disconnected")))

	c.SetAvailableNetworks(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.AvailableNetworks))

	c.RecordBridgeNotification()
	c.RecordObserverDrop()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BridgeNotifications))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ObserverDrops))
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.RecordCreation("success", true)
		c.RecordReuse()
		c.RecordStale()
		c.RecordRelease(false)
		c.RecordTunnelUpWait(time.Second)
		c.RecordBypass(true)
		c.RecordConnectivity(true)
		c.SetAvailableNetworks(1)
		c.RecordBridgeNotification()
		c.RecordObserverDrop()
		c.Start()
		c.Stop()
	})
	assert.Nil(t, c.Metrics())
}

func TestCollector_StartStop(t *testing.T) {
	m := New()
	c := NewCollector(m)

	c.Start()
	c.Start() // second start is a no-op

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.GoRoutines) > 0
	}, time.Second, 10*time.Millisecond)

	c.Stop()
	c.Stop()
}

func TestCollector_SetInterval(t *testing.T) {
	c := NewCollector(New())
	assert.Equal(t, DefaultInterval, c.interval)

	c.SetInterval(0)
	assert.Equal(t, DefaultInterval, c.interval)

	c.SetInterval(time.Minute)
	assert.Equal(t, time.Minute, c.interval)
}
