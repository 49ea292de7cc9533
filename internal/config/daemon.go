package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rennerdo30/bifrost-tunnel/internal/logging"
	"github.com/rennerdo30/bifrost-tunnel/internal/metrics"
	"github.com/rennerdo30/bifrost-tunnel/internal/platform"
	"github.com/rennerdo30/bifrost-tunnel/internal/ratelimit"
	"github.com/rennerdo30/bifrost-tunnel/internal/tunnel"
	"github.com/rennerdo30/bifrost-tunnel/internal/util"
)

// Config is the configuration of the tunnel daemon.
type Config struct {
	Logging  logging.Config   `yaml:"logging" json:"logging"`
	Tunnel   *tunnel.Config   `yaml:"tunnel,omitempty" json:"tunnel,omitempty"` // nil uses the engine defaults
	Engine   EngineConfig     `yaml:"engine" json:"engine"`
	Platform platform.Options `yaml:"platform" json:"platform"`
	Monitor  MonitorConfig    `yaml:"monitor" json:"monitor"`
	API      APIConfig        `yaml:"api" json:"api"`
	Metrics  MetricsConfig    `yaml:"metrics" json:"metrics"`
	Metered  bool             `yaml:"metered" json:"metered"`
}

// EngineConfig configures the in-process engine.
type EngineConfig struct {
	Defaults     tunnel.Config `yaml:"defaults" json:"defaults"`
	UpTimeout    Duration      `yaml:"up_timeout" json:"up_timeout"`
	PollInterval Duration      `yaml:"poll_interval" json:"poll_interval"`
}

// MonitorConfig configures connectivity observation.
type MonitorConfig struct {
	Enabled     bool `yaml:"enabled" json:"enabled"`
	EventBuffer int  `yaml:"event_buffer" json:"event_buffer"`
}

// APIConfig configures the local control API.
type APIConfig struct {
	Enabled             bool   `yaml:"enabled" json:"enabled"`
	Listen              string `yaml:"listen" json:"listen"`
	Token               string `yaml:"token" json:"token,omitempty"`
	WebSocketMaxClients int    `yaml:"websocket_max_clients" json:"websocket_max_clients"`

	// ControlRate throttles the tunnel recreate, stale and close endpoints.
	ControlRate ratelimit.Config `yaml:"control_rate" json:"control_rate"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled            bool     `yaml:"enabled" json:"enabled"`
	CollectionInterval Duration `yaml:"collection_interval" json:"collection_interval"`
}

// Default values.
const (
	DefaultAPIListen           = "127.0.0.1:7390"
	DefaultEventBuffer         = 16
	DefaultWebSocketMaxClients = 32
)

// DefaultConfig returns a daemon configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Logging: logging.DefaultConfig(),
		Engine: EngineConfig{
			Defaults: tunnel.Config{
				Addresses:  []netip.Addr{netip.MustParseAddr("10.64.0.2")},
				DNSServers: []netip.Addr{netip.MustParseAddr("10.64.0.1")},
				Routes:     []tunnel.Route{tunnel.MustParseRoute("0.0.0.0/0")},
				MTU:        tunnel.DefaultMTU,
			},
			UpTimeout:    Duration(tunnel.DefaultUpTimeout),
			PollInterval: Duration(50 * time.Millisecond),
		},
		Platform: platform.DefaultOptions(),
		Monitor: MonitorConfig{
			Enabled:     true,
			EventBuffer: DefaultEventBuffer,
		},
		API: APIConfig{
			Enabled:             true,
			Listen:              DefaultAPIListen,
			WebSocketMaxClients: DefaultWebSocketMaxClients,
			ControlRate:         ratelimit.Config{RequestsPerSecond: 1, BurstSize: 5},
		},
		Metrics: MetricsConfig{
			Enabled:            true,
			CollectionInterval: Duration(metrics.DefaultInterval),
		},
	}
}

// Validate checks the configuration and fills in defaults for zero values.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return invalid("logging", err)
	}

	if err := c.Engine.Defaults.Validate(); err != nil {
		return invalid("engine defaults", err)
	}
	if c.Tunnel != nil {
		if err := c.Tunnel.Validate(); err != nil {
			return invalid("tunnel", err)
		}
	}
	if c.Engine.UpTimeout < 0 || c.Engine.PollInterval < 0 {
		return invalid("engine", fmt.Errorf("durations must be non-negative"))
	}
	if c.Engine.UpTimeout == 0 {
		c.Engine.UpTimeout = Duration(tunnel.DefaultUpTimeout)
	}
	if c.Engine.PollInterval == 0 {
		c.Engine.PollInterval = Duration(50 * time.Millisecond)
	}

	if c.Monitor.EventBuffer < 0 {
		return invalid("monitor", fmt.Errorf("event_buffer must be non-negative"))
	}
	if c.Monitor.EventBuffer == 0 {
		c.Monitor.EventBuffer = DefaultEventBuffer
	}

	if c.API.Enabled {
		if c.API.Listen == "" {
			c.API.Listen = DefaultAPIListen
		}
		if _, _, err := net.SplitHostPort(c.API.Listen); err != nil {
			return invalid("api", fmt.Errorf("listen must be in host:port format: %w", err))
		}
		if c.API.WebSocketMaxClients <= 0 {
			c.API.WebSocketMaxClients = DefaultWebSocketMaxClients
		}
		if c.API.ControlRate.RequestsPerSecond < 0 || c.API.ControlRate.BurstSize < 0 {
			return invalid("api", fmt.Errorf("control_rate must be non-negative"))
		}
	}

	if c.Metrics.CollectionInterval <= 0 {
		c.Metrics.CollectionInterval = Duration(metrics.DefaultInterval)
	}
	return nil
}

// TunnelConfig returns the configuration the session starts with.
func (c *Config) TunnelConfig() tunnel.Config {
	if c.Tunnel != nil {
		return c.Tunnel.Clone()
	}
	return c.Engine.Defaults.Clone()
}

func invalid(section string, err error) error {
	return fmt.Errorf("%w: %s: %w", util.ErrInvalidConfig, section, err)
}

// Duration is a time.Duration that can be unmarshaled from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the value as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
