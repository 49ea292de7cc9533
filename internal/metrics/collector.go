package metrics

import (
	"runtime"
	"sync"
	"time"
)

// Collector updates process metrics periodically and records tunnel and
// connectivity events. A nil *Collector is valid and records nothing, so
// components can take one unconditionally.
type Collector struct {
	metrics   *Metrics
	startTime time.Time
	interval  time.Duration
	ticker    *time.Ticker
	done      chan struct{}
	mu        sync.Mutex
	running   bool
}

// DefaultInterval is how often process metrics are refreshed.
const DefaultInterval = 15 * time.Second

// NewCollector creates a new metrics collector.
func NewCollector(metrics *Metrics) *Collector {
	return &Collector{
		metrics:   metrics,
		startTime: time.Now(),
		interval:  DefaultInterval,
	}
}

// SetInterval changes the refresh interval. It takes effect on the next
// Start.
func (c *Collector) SetInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.interval = d
	}
}

// Metrics returns the underlying metric set.
func (c *Collector) Metrics() *Metrics {
	if c == nil {
		return nil
	}
	return c.metrics
}

// Start starts the metrics collector.
func (c *Collector) Start() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}

	c.running = true
	c.done = make(chan struct{})
	c.ticker = time.NewTicker(c.interval)

	go c.collectLoop(c.done, c.ticker)
}

// Stop stops the metrics collector.
func (c *Collector) Stop() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}

	close(c.done)
	c.ticker.Stop()
	c.running = false
}

func (c *Collector) collectLoop(done <-chan struct{}, ticker *time.Ticker) {
	c.collect()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *Collector) collect() {
	c.metrics.Uptime.Set(time.Since(c.startTime).Seconds())
	c.metrics.GoRoutines.Set(float64(runtime.NumGoroutine()))
}

// RecordCreation records the outcome of a device creation attempt.
// open reports whether the result holds a usable descriptor.
func (c *Collector) RecordCreation(result string, open bool) {
	if c == nil {
		return
	}
	c.metrics.TunnelCreations.WithLabelValues(result).Inc()
	if open {
		c.metrics.DescriptorsActive.Set(1)
	}
}

// RecordReuse records a request served without recreating the device.
func (c *Collector) RecordReuse() {
	if c == nil {
		return
	}
	c.metrics.TunnelFastPath.Inc()
}

// RecordStale records the device being marked stale.
func (c *Collector) RecordStale() {
	if c == nil {
		return
	}
	c.metrics.TunnelStaleMarks.Inc()
}

// RecordRelease records a descriptor being released. active reports whether
// a descriptor is still held afterwards.
func (c *Collector) RecordRelease(active bool) {
	if c == nil {
		return
	}
	c.metrics.DescriptorsReleased.Inc()
	if !active {
		c.metrics.DescriptorsActive.Set(0)
	}
}

// RecordTunnelUpWait records how long the engine took to report the device up.
func (c *Collector) RecordTunnelUpWait(d time.Duration) {
	if c == nil {
		return
	}
	c.metrics.TunnelUpWait.Observe(d.Seconds())
}

// RecordBypass records a socket bypass request.
func (c *Collector) RecordBypass(ok bool) {
	if c == nil {
		return
	}
	outcome := "protected"
	if !ok {
		outcome = "failed"
	}
	c.metrics.BypassCalls.WithLabelValues(outcome).Inc()
}

// RecordConnectivity records a connectivity transition.
func (c *Collector) RecordConnectivity(connected bool) {
	if c == nil {
		return
	}
	state := "disconnected"
	value := 0.0
	if connected {
		state = "connected"
		value = 1.0
	}
	c.metrics.ConnectivityTransitions.WithLabelValues(state).Inc()
	c.metrics.Connected.Set(value)
}

// SetAvailableNetworks records the number of tracked usable networks.
func (c *Collector) SetAvailableNetworks(n int) {
	if c == nil {
		return
	}
	c.metrics.AvailableNetworks.Set(float64(n))
}

// RecordBridgeNotification records a connectivity change forwarded to the engine.
func (c *Collector) RecordBridgeNotification() {
	if c == nil {
		return
	}
	c.metrics.BridgeNotifications.Inc()
}

// RecordObserverDrop records a connectivity event dropped for a slow observer.
func (c *Collector) RecordObserverDrop() {
	if c == nil {
		return
	}
	c.metrics.ObserverDrops.Inc()
}
