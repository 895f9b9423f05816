// Package homekit provides HomeKit HAP server integration.
//
// Every configured device is exposed as an air conditioner accessory with a
// HeaterCooler service, all served behind one bridge.
package homekit

import (
	"context"
	"fmt"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/kradalby/esphome-homekit/config"
	"github.com/kradalby/esphome-homekit/events"
	"go.uber.org/zap"
	"tailscale.com/util/eventbus"
)

// NewStore opens the HAP store used for pairings and remembered modes.
func NewStore(cfg *config.Config) hap.Store {
	return hap.NewFsStore(cfg.HAPStoragePath)
}

// Server manages the HomeKit HAP server and its accessories.
type Server struct {
	cfg         *config.Config
	logger      *zap.Logger
	bus         *events.Bus
	client      *eventbus.Client
	server      *hap.Server
	bridge      *accessory.Bridge
	accessories []*Accessory
	ctx         context.Context
	cancel      context.CancelFunc
}

// New creates a new HomeKit server serving accs behind a bridge.
func New(cfg *config.Config, logger *zap.Logger, bus *events.Bus, store hap.Store, accs []*Accessory) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("eventbus is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	client, err := bus.Client(events.ClientHomeKit)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to get eventbus client: %w", err)
	}

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		bus:         bus,
		client:      client,
		accessories: accs,
		ctx:         ctx,
		cancel:      cancel,
	}

	info := accessory.Info{
		Name:         cfg.HAPName,
		Manufacturer: "ESPHome",
		Model:        "esphome-homekit",
		SerialNumber: cfg.MQTTClientID,
	}
	s.bridge = accessory.NewBridge(info)
	s.bridge.A.Id = 1

	as := make([]*accessory.A, 0, len(accs))
	for _, a := range accs {
		as = append(as, a.A)
	}

	s.server, err = hap.NewServer(store, s.bridge.A, as...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create HAP server: %w", err)
	}

	s.server.Pin = cfg.HAPPin
	s.server.Addr = fmt.Sprintf(":%d", cfg.HAPPort)

	logger.Info("homekit server created",
		zap.String("name", info.Name),
		zap.Int("accessories", len(accs)),
		zap.String("pin", cfg.HAPPin),
		zap.Int("port", cfg.HAPPort),
	)

	return s, nil
}

// Accessories returns the served accessories.
func (s *Server) Accessories() []*Accessory {
	return s.accessories
}

// Start starts the HAP server.
func (s *Server) Start() error {
	s.logger.Info("starting homekit server")

	go func() {
		if err := s.server.ListenAndServe(s.ctx); err != nil && s.ctx.Err() == nil {
			s.logger.Error("HAP server error", zap.Error(err))
			s.publishConnectionStatus(events.ConnectionStatusFailed, err.Error())
		}
	}()

	s.publishConnectionStatus(events.ConnectionStatusConnected, "")

	s.logger.Info("homekit server started successfully")
	return nil
}

// publishConnectionStatus publishes a connection status event.
func (s *Server) publishConnectionStatus(status events.ConnectionStatus, errMsg string) {
	event := events.ConnectionStatusEvent{
		Component: "homekit",
		Status:    status,
		Error:     errMsg,
	}
	s.bus.PublishConnectionStatus(s.client, event)
}

// Close gracefully shuts down the HomeKit server.
func (s *Server) Close() error {
	s.logger.Info("shutting down homekit server")

	s.publishConnectionStatus(events.ConnectionStatusDisconnected, "")

	s.cancel()

	s.logger.Info("homekit server shut down complete")
	return nil
}
