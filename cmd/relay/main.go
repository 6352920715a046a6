package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/gateway"
	"github.com/wudi/relay/internal/history"
	"github.com/wudi/relay/internal/logging"
	"github.com/wudi/relay/internal/metrics"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/relay.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("relay %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("starting relay",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Int("endpoints", len(cfg.Endpoints)),
		zap.Int("origins", len(cfg.Origins)),
	)

	collector := metrics.NewCollector()

	store, err := history.NewStore(cfg.History)
	if err != nil {
		logging.Error("failed to initialize history store", zap.Error(err))
		os.Exit(1)
	}
	recorder := history.NewService(cfg, history.ServiceConfig{
		Store:     store,
		QueueSize: cfg.History.QueueSize,
		OnDrop:    collector.RecordHistoryDrop,
	})
	defer recorder.Stop()

	gw := gateway.New(cfg, gateway.Options{
		Recorder: recorder,
		Metrics:  collector,
	})

	server := gateway.NewServer(gw, cfg)

	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		logging.Error("failed to start config watcher", zap.Error(err))
		os.Exit(1)
	}
	watcher.OnChange(gw.ApplyConfig)
	if err := watcher.Start(); err != nil {
		logging.Error("failed to watch config file", zap.Error(err))
		os.Exit(1)
	}
	defer watcher.Stop()

	// Run until interrupted.
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logging.Error("server failed", zap.Error(err))
		}
	}

	if err := server.Shutdown(); err != nil {
		logging.Error("shutdown error", zap.Error(err))
	}
}
