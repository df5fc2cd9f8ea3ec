package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fieldgate/internal/config"
	"fieldgate/internal/control"
	"fieldgate/internal/device"
	"fieldgate/internal/logging"
	"fieldgate/internal/monitor"
	"fieldgate/internal/poll"
	"fieldgate/internal/reload"
	"fieldgate/internal/rules"
	"fieldgate/internal/state"
	"fieldgate/internal/transport"
	"fieldgate/telemetry"
)

func main() {
	cfgPath := flag.String("config", "fieldgate.yaml", "Path to configuration file")
	healthcheck := flag.Bool("healthcheck", false, "Run a health check and exit")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	flag.Parse()

	if *healthcheck {
		if err := executeHealthCheck(*cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *configCheck {
		os.Exit(executeConfigCheck(cfg))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	collector, err := newTelemetryCollector(cfg.Telemetry)
	if err != nil {
		logger.Warn().Err(err).Msg("telemetry disabled")
		collector = telemetry.Noop()
	}

	if err := run(ctx, *cfgPath, cfg, collector, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("gateway stopped with error")
	}
}

func run(ctx context.Context, cfgPath string, cfg *config.Config, collector telemetry.Collector, logger zerolog.Logger) error {
	manager := transport.NewManager()
	registry := device.NewRegistry()
	defer registry.Close()
	cache := state.NewCache()

	history, closeHistory, err := newHistory(cfg.History)
	if err != nil {
		return err
	}
	defer closeHistory()

	engine, err := rules.NewEngine(cfg.Rules, logger)
	if err != nil {
		return err
	}

	poller := poll.NewService(registry, cache, history, engine, collector, logger)
	go poller.Run(ctx)

	source := &fileSource{path: cfgPath}
	mon := monitor.NewService(source, registry, poller, manager.Dial, collector, logger)
	if err := mon.SetSpeed(cfg.Monitor.Speed, cfg.Monitor.IntervalMS); err != nil {
		return err
	}
	if err := mon.Start(ctx); err != nil {
		return err
	}
	defer mon.Stop()

	defer poller.StopAll()
	for _, id := range registry.IDs() {
		d, err := registry.Get(id)
		if err != nil {
			continue
		}
		if interval := d.PollInterval(); interval > 0 {
			if err := poller.Start(id, interval); err != nil {
				logger.Error().Err(err).Str("device", id).Msg("failed to start poll job")
			}
		}
	}

	ctrl := control.NewService(registry, nil, collector, logger)

	if cfg.Telemetry.Listen != "" {
		mux := http.NewServeMux()
		if cfg.Telemetry.Enabled {
			mux.Handle("/metrics", promhttp.Handler())
		}
		surface := &admin{mon: mon, ctrl: ctrl, poller: poller, cache: cache, logger: logger}
		surface.register(mux)
		serveHTTP(ctx, cfg.Telemetry.Listen, mux, logger)
	}

	watcher, err := reload.NewWatcher(cfgPath)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	logger.Info().Int("devices", len(cfg.Devices)).Msg("gateway running")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			changed, err := watcher.Check()
			if err != nil {
				logger.Error().Err(err).Msg("failed to check configuration changes")
				continue
			}
			if len(changed) == 0 {
				continue
			}
			logger.Info().Strs("files", changed).Msg("configuration changed, re-scanning devices")
			if err := mon.ForceInit(); err != nil {
				logger.Error().Err(err).Msg("device re-scan failed")
			}
			if err := watcher.Update(cfgPath); err != nil {
				logger.Error().Err(err).Msg("failed to update watcher state")
			}
		}
	}
}

// fileSource re-reads the configuration file on every scan so devices added
// after startup are picked up by ForceInit.
type fileSource struct {
	path string
}

func (s *fileSource) Devices() ([]config.DeviceConfig, error) {
	cfg, err := config.Load(s.path)
	if err != nil {
		return nil, err
	}
	return cfg.Devices, nil
}

func newHistory(cfg config.HistoryConfig) (state.HistoryWriter, func(), error) {
	if cfg.Path == "" {
		return state.NoopHistory(), func() {}, nil
	}
	file, err := state.OpenFileHistory(cfg.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open history sink: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}

func serveHTTP(ctx context.Context, listen string, mux *http.ServeMux, logger zerolog.Logger) {
	server := &http.Server{Addr: listen, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http listener failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}

func executeHealthCheck(path string) error {
	_, err := config.Load(path)
	return err
}

func executeConfigCheck(cfg *config.Config) int {
	if len(cfg.Devices) == 0 {
		fmt.Println("No devices configured.")
		return 0
	}
	for _, dev := range cfg.Devices {
		status := "disabled"
		if dev.Enabled {
			status = "enabled"
		}
		parameters := 0
		for _, point := range dev.DataPoints {
			parameters += len(point.Parser.Parameters)
		}
		fmt.Printf("Device %q (%s)\n", dev.ID, status)
		fmt.Printf("  Connection: %s\n", describeConnection(dev.Connection))
		fmt.Printf("  Parameters: %d\n", parameters)
	}
	fmt.Println("Configuration check completed successfully.")
	return 0
}

func describeConnection(conn config.ConnectionConfig) string {
	if strings.EqualFold(conn.Type, "serial") {
		return fmt.Sprintf("serial %s @%d unit %d", conn.Serial, conn.BaudRate, conn.UnitID)
	}
	return fmt.Sprintf("tcp %s:%d unit %d", conn.Host, conn.Port, conn.UnitID)
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "prometheus":
		collector, err := telemetry.NewPrometheusCollector(nil)
		if err != nil {
			return nil, err
		}
		return collector, nil
	default:
		return telemetry.Noop(), fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
}
