// ESPHome HomeKit Bridge - Main application entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kradalby/esphome-homekit/bridge"
	"github.com/kradalby/esphome-homekit/config"
	"github.com/kradalby/esphome-homekit/esphome"
	"github.com/kradalby/esphome-homekit/events"
	"github.com/kradalby/esphome-homekit/homekit"
	"github.com/kradalby/esphome-homekit/logging"
	"github.com/kradalby/esphome-homekit/metrics"
	"github.com/kradalby/esphome-homekit/web"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// closer is a named shutdown step.
type closer struct {
	name  string
	close func() error
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("starting esphome-homekit",
		zap.String("log_level", cfg.LogLevel),
		zap.String("log_format", cfg.LogFormat),
		zap.String("mqtt_broker", cfg.MQTTBroker),
		zap.Int("devices", len(cfg.Devices)),
		zap.Int("hap_port", cfg.HAPPort),
		zap.Int("web_port", cfg.WebPort),
	)

	// Closed in reverse order on shutdown or on a failed start.
	var closers []closer
	shutdown := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			logger.Info("closing " + closers[i].name)
			if err := closers[i].close(); err != nil {
				logger.Warn("close failed", zap.String("component", closers[i].name), zap.Error(err))
			}
		}
		closers = nil
	}
	defer shutdown()

	// Initialize EventBus
	logger.Info("initializing eventbus")
	bus, err := events.New(logger)
	if err != nil {
		return fmt.Errorf("failed to create eventbus: %w", err)
	}
	closers = append(closers, closer{"eventbus", bus.Close})

	// Pairings and remembered modes share the HAP store
	store := homekit.NewStore(cfg)
	targets, err := homekit.NewTargetStore(store, logger)
	if err != nil {
		return fmt.Errorf("failed to open target store: %w", err)
	}

	// Initialize MQTT client when a broker is configured
	var broker bridge.Broker
	if cfg.MQTTBroker != "" {
		logger.Info("initializing mqtt client")
		mqttClient, err := esphome.NewClient(esphome.ClientConfig{
			Broker:           cfg.MQTTBroker,
			ClientID:         cfg.MQTTClientID,
			Username:         cfg.MQTTUsername,
			Password:         cfg.MQTTPassword,
			ConnectTimeout:   cfg.MQTTConnectTimeout,
			ReconnectBackoff: cfg.MQTTReconnectBackoff,
			MaxReconnectWait: cfg.MQTTMaxReconnectWait,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create mqtt client: %w", err)
		}
		broker = mqttClient
	}

	// Initialize bridge; it owns the mqtt client from here on
	logger.Info("initializing device bridge")
	br, err := bridge.New(cfg, logger, bus, broker, targets)
	if err != nil {
		if broker != nil {
			_ = broker.Close()
		}
		return fmt.Errorf("failed to create bridge: %w", err)
	}
	closers = append(closers, closer{"device bridge", br.Close})

	// Initialize metrics
	collector, err := metrics.New(logger, bus)
	if err != nil {
		return fmt.Errorf("failed to create metrics collector: %w", err)
	}
	closers = append(closers, closer{"metrics collector", collector.Close})

	// Initialize HomeKit server
	logger.Info("initializing homekit server")
	homekitServer, err := homekit.New(cfg, logger, bus, store, br.Accessories())
	if err != nil {
		return fmt.Errorf("failed to create homekit server: %w", err)
	}
	closers = append(closers, closer{"homekit server", homekitServer.Close})

	// Initialize Web server
	logger.Info("initializing web server")
	webServer, err := web.New(cfg, logger, bus, collector.Handler())
	if err != nil {
		return fmt.Errorf("failed to create web server: %w", err)
	}
	closers = append(closers, closer{"web server", webServer.Close})

	// Start all services; observers first so the bridge's initial
	// states are seen.
	logger.Info("starting services")

	collector.Start()

	if err := webServer.Start(); err != nil {
		return fmt.Errorf("failed to start web server: %w", err)
	}

	if err := homekitServer.Start(); err != nil {
		return fmt.Errorf("failed to start homekit server: %w", err)
	}

	if err := br.Start(); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}

	logger.Info("esphome-homekit started successfully",
		zap.Int("hap_port", cfg.HAPPort),
		zap.Int("web_port", cfg.WebPort),
	)
	logger.Info("homekit pairing",
		zap.String("pin", cfg.HAPPin),
		zap.String("instructions", "Use the Home app to add the bridge with PIN"),
	)
	logger.Info("web interface",
		zap.String("url", fmt.Sprintf("http://localhost:%d", cfg.WebPort)),
	)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("received shutdown signal",
		zap.String("signal", sig.String()),
	)

	// Graceful shutdown
	logger.Info("shutting down gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		shutdown()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-ctx.Done():
		logger.Warn("shutdown timeout exceeded, forcing exit")
		os.Exit(1)
	}

	return nil
}
