// Command gcoded is the per-host 3d-printer fleet daemon: it discovers
// serial-attached printers, drives each over its line protocol, and
// republishes state/telemetry over an MQTT broker under a configured topic
// prefix.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gcoded/gcoded/internal/alias"
	"github.com/gcoded/gcoded/internal/broker"
	"github.com/gcoded/gcoded/internal/config"
	"github.com/gcoded/gcoded/internal/daemonbridge"
	"github.com/gcoded/gcoded/internal/detector"
	"github.com/gcoded/gcoded/internal/fswatch"
	"github.com/gcoded/gcoded/internal/logging"
	"github.com/gcoded/gcoded/internal/metrics"
	"github.com/gcoded/gcoded/internal/reactor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gcoded:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadDaemonConfig(os.Args[1:])
	if err != nil {
		return err
	}
	if cfg.PrintHelp {
		fmt.Print(config.DaemonUsage())
		return nil
	}

	logConfig := logging.DefaultConfig()
	if cfg.Verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	m := metrics.New()
	defer m.Stop()

	watcher, err := fswatch.New()
	if err != nil {
		return fmt.Errorf("creating filesystem watcher: %w", err)
	}
	defer watcher.Close()

	aliasStore, err := alias.Open("/var/lib/gcoded/aliases.db", watcher)
	if err != nil {
		return fmt.Errorf("opening alias store: %w", err)
	}
	defer aliasStore.Close()

	realtimePolicy := reactor.Normal
	if cfg.UseRealtimeScheduler {
		realtimePolicy = reactor.Realtime
	}
	realtimeReactor, err := reactor.New(realtimePolicy)
	if err != nil {
		return fmt.Errorf("creating realtime reactor: %w", err)
	}
	defer realtimeReactor.Shutdown()

	normalReactor, err := reactor.New(reactor.Normal)
	if err != nil {
		return fmt.Errorf("creating normal reactor: %w", err)
	}
	defer normalReactor.Shutdown()

	brokerCfg := broker.Config{
		Broker:               cfg.Broker,
		Port:                 cfg.Port,
		ClientID:             cfg.ClientID,
		Username:             cfg.Username,
		Password:             cfg.Password,
		MaxConnectRetries:    cfg.MaxConnectRetries,
		ConnectRetryInterval: time.Duration(cfg.ConnectRetryInterval) * time.Second,
		Verbose:              cfg.Verbose,
		TLS:                  cfg.TLS,
	}
	transport, err := broker.New(brokerCfg, logger, m)
	if err != nil {
		return fmt.Errorf("creating broker transport: %w", err)
	}
	defer transport.Close()

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelConnect()
	if err := transport.Connect(connectCtx); err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}

	bridge := daemonbridge.New(daemonbridge.Config{
		Prefix:   cfg.Prefix,
		ClientID: cfg.ClientID,
	}, transport, aliasStore, m, logger)
	if err := bridge.Start(); err != nil {
		return fmt.Errorf("starting daemon bridge: %w", err)
	}
	defer bridge.Shutdown()

	det, err := detector.New(detector.Config{}, watcher, realtimeReactor, normalReactor, m, logger)
	if err != nil {
		return fmt.Errorf("creating detector: %w", err)
	}
	det.AddListener(bridge)
	if err := det.Scan(); err != nil {
		logger.Warn("gcoded: initial device scan failed", "error", err)
	}

	logger.Info("gcoded: running",
		"broker", cfg.Broker,
		"port", cfg.Port,
		"prefix", cfg.Prefix,
		"client_id", cfg.ClientID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("gcoded: received shutdown signal")
	return nil
}
