// Package main implements the entry point for the telemetry bridge:
// a state-first integration hub brokering telemetry and control
// between a Companion Satellite control surface server and any number
// of WebSocket application clients.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/FiLORUX/bitfocus-telemetry-bridge/buttons"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/clientserver"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/config"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/gui"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/health"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/message"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/metric"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/router"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/satellite"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/state"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/subscription"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "telemetry-bridge"
)

const shutdownTimeout = 15 * time.Second

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(1)
		}
	}()

	if err := run(); err != nil {
		slog.Error("bridge failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return err
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cliCfg.Validate {
		fmt.Println("Configuration is valid")
		fmt.Println(config.Describe(cfg))
		return nil
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	slog.Info("starting telemetry bridge",
		"version", Version,
		"config_path", cliCfg.ConfigPath)

	return runBridge(cfg, logger)
}

// runBridge wires the hub together, starts every component, and
// blocks until a shutdown signal arrives.
func runBridge(cfg *config.Config, logger *slog.Logger) error {
	// Core structures share one clock and factory so sequence
	// counters stay per-source.
	factory := message.NewFactory(nil)
	store := state.NewStore(nil, logger)
	subs := subscription.NewManager(nil)

	metricsReg := metric.NewRegistry()
	bridgeMetrics, err := metric.NewBridgeMetrics(metricsReg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	rt := router.NewRouter(store, subs, factory,
		router.WithLogger(logger),
		router.WithObserver(bridgeMetrics),
	)

	if err := metric.RegisterStatsGauges(metricsReg, func() (int, int, int, int) {
		s := rt.Stats()
		return s.StateEntries, s.Subscriptions, s.PendingCommands, s.Targets
	}); err != nil {
		return fmt.Errorf("register stats gauges: %w", err)
	}

	adapter, err := satellite.NewAdapter(cfg.Satellite(), rt,
		satellite.WithLogger(logger),
		satellite.WithReconnectObserver(bridgeMetrics.UpstreamReconnect),
	)
	if err != nil {
		return fmt.Errorf("create satellite adapter: %w", err)
	}

	clientSrv, err := clientserver.NewServer(cfg.Transport(), rt,
		clientserver.WithLogger(logger),
		clientserver.WithServerVersion(Version),
		clientserver.WithObserver(bridgeMetrics),
	)
	if err != nil {
		return fmt.Errorf("create client server: %w", err)
	}

	buttonsAdapter := buttons.NewAdapter(rt, logger)

	monitor := newHealthMonitor(rt, adapter, clientSrv)

	guiSrv, err := gui.NewServer(
		gui.Config{
			Host:        cfg.Observability.Host,
			Port:        cfg.Observability.Port,
			EnableGUI:   cfg.Observability.EnableGUI,
			CORSOrigins: cfg.Observability.CORSOrigins,
		},
		gui.Dependencies{
			Router:   rt,
			Sessions: clientSrv.Sessions,
			Health:   monitor,
			Metrics:  metricsReg.Handler(),
			Version:  Version,
		},
		logger,
	)
	if err != nil {
		return fmt.Errorf("create observability server: %w", err)
	}

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	components := []component{
		{"buttons", buttonsAdapter.Start, buttonsAdapter.Stop},
		{"satellite", adapter.Start, adapter.Stop},
		{"client-server", clientSrv.Start, clientSrv.Stop},
		{"observability", guiSrv.Start, guiSrv.Stop},
	}

	started := make([]component, 0, len(components))
	for _, c := range components {
		if err := c.start(signalCtx); err != nil {
			stopAll(started, logger)
			rt.Shutdown()
			return fmt.Errorf("start %s: %w", c.name, err)
		}
		slog.Info("component started", "component", c.name)
		started = append(started, c)
	}

	slog.Info("telemetry bridge running")
	<-signalCtx.Done()
	slog.Info("shutdown signal received")

	stopAll(started, logger)
	rt.Shutdown()

	slog.Info("telemetry bridge shutdown complete")
	return nil
}

// component pairs a lifecycle with its name for startup and reverse
// shutdown ordering.
type component struct {
	name  string
	start func(context.Context) error
	stop  func(time.Duration) error
}

// stopAll stops components in reverse start order.
func stopAll(components []component, logger *slog.Logger) {
	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		if err := c.stop(shutdownTimeout); err != nil {
			logger.Error("component stop failed", "component", c.name, "error", err)
		} else {
			logger.Info("component stopped", "component", c.name)
		}
	}
}

// newHealthMonitor registers the bridge dependency checkers.
func newHealthMonitor(rt *router.Router, adapter *satellite.Adapter, clientSrv *clientserver.Server) *health.Monitor {
	monitor := health.NewMonitor()

	monitor.Register("router", func(context.Context) health.Status {
		s := rt.Stats()
		return health.NewHealthy(fmt.Sprintf("%d targets, %d pending", s.Targets, s.PendingCommands))
	})

	monitor.Register("upstream", func(context.Context) health.Status {
		switch adapter.State() {
		case satellite.StateConnected:
			return health.NewHealthy("connected")
		case satellite.StateConnecting, satellite.StateReconnecting:
			return health.NewDegraded(adapter.State().String())
		default:
			return health.NewUnhealthy(adapter.State().String())
		}
	})

	monitor.Register("clients", func(context.Context) health.Status {
		return health.NewHealthy(fmt.Sprintf("%d connected", clientSrv.SessionCount()))
	})

	return monitor
}
