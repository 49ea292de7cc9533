// Package main provides the Bifrost tunnel daemon entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rennerdo30/bifrost-tunnel/internal/api"
	clicmd "github.com/rennerdo30/bifrost-tunnel/internal/cli/client"
	"github.com/rennerdo30/bifrost-tunnel/internal/config"
	"github.com/rennerdo30/bifrost-tunnel/internal/connectivity"
	"github.com/rennerdo30/bifrost-tunnel/internal/engine"
	"github.com/rennerdo30/bifrost-tunnel/internal/logging"
	"github.com/rennerdo30/bifrost-tunnel/internal/metrics"
	"github.com/rennerdo30/bifrost-tunnel/internal/platform"
	"github.com/rennerdo30/bifrost-tunnel/internal/session"
	"github.com/rennerdo30/bifrost-tunnel/internal/util"
	"github.com/rennerdo30/bifrost-tunnel/internal/version"
)

const defaultConfigFile = "tunnel-config.yaml"

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "bifrost-tunnel",
		Short: "Bifrost Tunnel Daemon",
		Long:  `Bifrost Tunnel owns the VPN tunnel device and reports underlying network connectivity to the tunnel engine.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile, "config file path")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Full())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(configFile); err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	})

	root.AddCommand(clicmd.NewCommands())

	return root
}

func loadConfig(path string) (config.Config, error) {
	cfg := config.DefaultConfig()
	if err := config.LoadAndValidate(path, &cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// daemon wires the session to the host platform, the engine and the control
// API.
type daemon struct {
	cfg       config.Config
	session   *session.Session
	collector *metrics.Collector
	server    *http.Server
	logger    *slog.Logger
}

func newDaemon(cfg config.Config) (*daemon, error) {
	logger := logging.WithComponent("daemon")

	host, err := platform.New(cfg.Platform, platform.WithHostLogger(logging.WithComponent("platform")))
	if util.IsNotSupported(err) {
		return nil, fmt.Errorf("tunnel devices are not available on this host: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("create platform: %w", err)
	}

	eng := engine.NewLocal(cfg.Engine.Defaults, engine.WithPollInterval(cfg.Engine.PollInterval.Duration()))

	var source connectivity.Source
	if cfg.Monitor.Enabled {
		source = platform.NewNetlinkSource(cfg.Platform.NameTemplate)
	}

	d := &daemon{cfg: cfg, logger: logger}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		d.collector = metrics.NewCollector(m)
		d.collector.SetInterval(cfg.Metrics.CollectionInterval.Duration())
	}

	d.session = session.New(host, eng, source,
		session.WithTunnelConfig(cfg.TunnelConfig()),
		session.WithUpTimeout(cfg.Engine.UpTimeout.Duration()),
		session.WithMetered(cfg.Metered),
		session.WithMetrics(d.collector),
	)

	if cfg.API.Enabled {
		apiCfg := api.Config{
			Session:             d.session,
			Events:              d.session.Monitor(),
			Token:               cfg.API.Token,
			WebSocketMaxClients: cfg.API.WebSocketMaxClients,
			EventBuffer:         cfg.Monitor.EventBuffer,
			ControlRate:         cfg.API.ControlRate,
		}
		if m != nil {
			apiCfg.Metrics = m.Handler()
		}
		d.server = &http.Server{
			Addr:              cfg.API.Listen,
			Handler:           api.New(apiCfg).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return d, nil
}

func (d *daemon) start(ctx context.Context) error {
	d.collector.Start()

	if d.server != nil {
		ln, err := net.Listen("tcp", d.server.Addr)
		if err != nil {
			d.collector.Stop()
			return fmt.Errorf("start API server: %w", err)
		}
		go func() {
			if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("API server failed", "error", err)
			}
		}()
		d.logger.Info("API server listening", "address", ln.Addr().String())
	}

	// An unavailable tunnel is reported but does not stop the daemon; it can
	// be retried through the API.
	if _, err := d.session.Start(ctx); err != nil && !errors.Is(err, session.ErrTunnelUnavailable) {
		_ = d.stop(context.Background())
		return fmt.Errorf("start session: %w", err)
	}
	return nil
}

func (d *daemon) reload(path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.Logging); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	result, err := d.session.Apply(cfg.TunnelConfig())
	if err != nil {
		return err
	}
	if result != nil {
		d.logger.Info("tunnel configuration applied", "result", result.Kind())
	}
	d.cfg = cfg
	return nil
}

func (d *daemon) stop(ctx context.Context) error {
	errs := util.NewMultiError()
	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			errs.Add(fmt.Errorf("shutdown API server: %w", err))
		}
	}
	if err := d.session.Close(); err != nil && !errors.Is(err, session.ErrClosed) {
		errs.Add(err)
	}
	d.collector.Stop()
	return errs.Err()
}

func run(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logging.Setup(cfg.Logging); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logging.Close()

	d, err := newDaemon(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	if err := d.start(ctx); err != nil {
		return err
	}
	logging.Info("Bifrost tunnel daemon started", "version", version.Short())

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			logging.Info("Received SIGHUP, reloading configuration")
			if err := d.reload(configFile); err != nil {
				logging.Error("Config reload failed", "error", err)
			}
		case syscall.SIGINT, syscall.SIGTERM:
			logging.Info("Received shutdown signal", "signal", sig.String())
			cancel()
			return d.stop(context.Background())
		}
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
