package config

import (
	"encoding/json"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/rennerdo30/bifrost-tunnel/internal/ratelimit"
	"github.com/rennerdo30/bifrost-tunnel/internal/tunnel"
	"github.com/rennerdo30/bifrost-tunnel/internal/util"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Nil(t, cfg.Tunnel)
	assert.Equal(t, tunnel.DefaultUpTimeout, cfg.Engine.UpTimeout.Duration())
	assert.Equal(t, DefaultAPIListen, cfg.API.Listen)
	assert.True(t, cfg.Monitor.Enabled)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "bifrost%d", cfg.Platform.NameTemplate)
	assert.True(t, cfg.TunnelConfig().Equal(cfg.Engine.Defaults))
}

func TestLoad(t *testing.T) {
	t.Setenv("BIFROST_TEST_TOKEN", "s3cret")

	content := `
logging:
  level: debug
  format: json
tunnel:
  addresses: [10.70.0.2, "fd70::2"]
  dns_servers: [10.70.0.1]
  routes: [0.0.0.0/0, "::/0"]
  excluded_apps: ["1000"]
  mtu: 1420
engine:
  defaults:
    addresses: [10.64.0.2]
  up_timeout: 10s
api:
  enabled: true
  listen: 127.0.0.1:9000
  token: ${BIFROST_TEST_TOKEN}
metered: true
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg := DefaultConfig()
	require.NoError(t, LoadAndValidate(path, &cfg))

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "s3cret", cfg.API.Token)
	assert.Equal(t, "127.0.0.1:9000", cfg.API.Listen)
	assert.Equal(t, 10*time.Second, cfg.Engine.UpTimeout.Duration())
	assert.True(t, cfg.Metered)

	require.NotNil(t, cfg.Tunnel)
	assert.Equal(t, 1420, cfg.Tunnel.MTU)
	assert.Equal(t, []string{"1000"}, cfg.Tunnel.ExcludedApps)
	assert.True(t, cfg.Tunnel.HasIPv6())

	// Defaults were replaced and validated.
	assert.Equal(t, tunnel.DefaultMTU, cfg.Engine.Defaults.MTU)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.64.0.2")}, cfg.Engine.Defaults.Addresses)

	assert.True(t, cfg.TunnelConfig().Equal(*cfg.Tunnel))
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	err := Load(filepath.Join(dir, "missing.yaml"), &Config{})
	assert.ErrorContains(t, err, "failed to read config file")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("engine: [unclosed"), 0o600))
	err = Load(bad, &Config{})
	assert.ErrorContains(t, err, "failed to parse config file")

	typo := filepath.Join(dir, "typo.yaml")
	require.NoError(t, os.WriteFile(typo, []byte("monitor:\n  enabeld: false\n"), 0o600))
	err = Load(typo, &Config{})
	assert.ErrorContains(t, err, "enabeld")

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	cfg := DefaultConfig()
	require.NoError(t, Load(empty, &cfg))
	assert.Equal(t, DefaultConfig().API.Listen, cfg.API.Listen)

	badRoute := filepath.Join(dir, "route.yaml")
	require.NoError(t, os.WriteFile(badRoute, []byte("tunnel:\n  routes: [not-a-route]\n"), 0o600))
	cfg = DefaultConfig()
	assert.Error(t, Load(badRoute, &cfg))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"bad log level", func(c *Config) { c.Logging.Level = "chatty" }, true},
		{"empty engine defaults", func(c *Config) { c.Engine.Defaults = tunnel.Config{} }, true},
		{"invalid tunnel", func(c *Config) { c.Tunnel = &tunnel.Config{MTU: 1400} }, true},
		{"negative up timeout", func(c *Config) { c.Engine.UpTimeout = Duration(-time.Second) }, true},
		{"negative event buffer", func(c *Config) { c.Monitor.EventBuffer = -1 }, true},
		{"bad api listen", func(c *Config) { c.API.Listen = "localhost" }, true},
		{"negative control rate", func(c *Config) { c.API.ControlRate.RequestsPerSecond = -1 }, true},
		{"control rate disabled", func(c *Config) { c.API.ControlRate = ratelimit.Config{} }, false},
		{"api disabled ignores listen", func(c *Config) {
			c.API.Enabled = false
			c.API.Listen = "localhost"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, util.ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateFillsDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.UpTimeout = 0
	cfg.Engine.PollInterval = 0
	cfg.Monitor.EventBuffer = 0
	cfg.API.Listen = ""
	cfg.API.WebSocketMaxClients = 0
	cfg.Metrics.CollectionInterval = 0

	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultConfig().Engine, cfg.Engine)
	assert.Equal(t, DefaultEventBuffer, cfg.Monitor.EventBuffer)
	assert.Equal(t, DefaultAPIListen, cfg.API.Listen)
	assert.Equal(t, DefaultWebSocketMaxClients, cfg.API.WebSocketMaxClients)
	assert.Equal(t, DefaultConfig().Metrics.CollectionInterval, cfg.Metrics.CollectionInterval)
}

func TestSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.API.Token = "token"

	require.NoError(t, Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded := Config{}
	require.NoError(t, LoadAndValidate(path, &loaded))
	assert.Equal(t, "token", loaded.API.Token)
	assert.Equal(t, cfg.Engine.UpTimeout, loaded.Engine.UpTimeout)
	assert.True(t, cfg.Engine.Defaults.Equal(loaded.Engine.Defaults))
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, yaml.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.Duration())

	out, err := yaml.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, "1m30s\n", string(out))

	assert.Error(t, yaml.Unmarshal([]byte(`"soon"`), &d))

	js, err := json.Marshal(Duration(2 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"2s"`, string(js))

	require.NoError(t, json.Unmarshal([]byte(`""`), &d))
	assert.Equal(t, Duration(0), d)
	require.NoError(t, json.Unmarshal([]byte(`"250ms"`), &d))
	assert.Equal(t, 250*time.Millisecond, d.Duration())
	assert.Error(t, json.Unmarshal([]byte(`5`), &d))
}

func TestValidateConfig_NonValidator(t *testing.T) {
	assert.NoError(t, ValidateConfig(struct{}{}))
}
