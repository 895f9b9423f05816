package events

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"tailscale.com/util/eventbus"
)

// ClientName represents a named eventbus client.
type ClientName string

const (
	// ClientESPHome publishes device telemetry and connectivity.
	ClientESPHome ClientName = "esphome"

	// ClientHomeKit is the HomeKit client.
	ClientHomeKit ClientName = "homekit"

	// ClientWeb is the Web server client.
	ClientWeb ClientName = "web"

	// ClientMetrics is the metrics client.
	ClientMetrics ClientName = "metrics"

	// ClientBridge routes commands into accessories and reports dispatches.
	ClientBridge ClientName = "bridge"
)

// Bus manages the eventbus and named clients.
type Bus struct {
	bus       *eventbus.Bus
	clients   map[ClientName]*eventbus.Client
	mu        sync.RWMutex
	logger    *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	lastState map[string]StateUpdateEvent // Per accessory, for deduplication
	stateMu   sync.Mutex                  // Protects lastState
}

// New creates a new eventbus with named clients.
func New(logger *zap.Logger) (*Bus, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	bus := eventbus.New()

	b := &Bus{
		bus:       bus,
		clients:   make(map[ClientName]*eventbus.Client),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		lastState: make(map[string]StateUpdateEvent),
	}

	// Create named clients
	b.createClients()

	logger.Info("eventbus initialized",
		zap.Int("client_count", len(b.clients)),
	)

	return b, nil
}

// createClients creates all named eventbus clients.
func (b *Bus) createClients() {
	clientNames := []ClientName{
		ClientESPHome,
		ClientHomeKit,
		ClientWeb,
		ClientMetrics,
		ClientBridge,
	}

	for _, name := range clientNames {
		client := b.bus.Client(string(name))
		b.clients[name] = client
	}
}

// Client returns the eventbus client for the given name.
func (b *Bus) Client(name ClientName) (*eventbus.Client, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	client, ok := b.clients[name]
	if !ok {
		return nil, fmt.Errorf("client %q not found", name)
	}

	return client, nil
}

// PublishStateUpdate publishes a state update event with deduplication.
// If the event is identical to the last event published for the same
// accessory (ignoring timestamp and source), it is skipped.
func (b *Bus) PublishStateUpdate(client *eventbus.Client, event StateUpdateEvent) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	if last, ok := b.lastState[event.Accessory]; ok && event.Equals(last) {
		b.logger.Debug("skipping duplicate state update event",
			zap.String("source", event.Source),
			zap.String("accessory", event.Accessory),
		)
		return
	}

	b.logger.Debug("publishing state update event",
		zap.String("source", event.Source),
		zap.String("accessory", event.Accessory),
		zap.String("mode", event.Mode),
		zap.Float64p("current_temp", event.CurrentTemperature),
		zap.Float64p("target_temp", event.TargetTemperature),
	)

	publisher := eventbus.Publish[StateUpdateEvent](client)
	defer publisher.Close()
	publisher.Publish(event)

	b.lastState[event.Accessory] = event
}

// LastState returns the last published state of every accessory.
func (b *Bus) LastState() map[string]StateUpdateEvent {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	out := make(map[string]StateUpdateEvent, len(b.lastState))
	for k, v := range b.lastState {
		out[k] = v
	}
	return out
}

// PublishCommand publishes a command event.
func (b *Bus) PublishCommand(client *eventbus.Client, event CommandEvent) {
	b.logger.Debug("publishing command event",
		zap.String("source", event.Source),
		zap.String("accessory", event.Accessory),
		zap.String("command_type", string(event.CommandType)),
	)

	publisher := eventbus.Publish[CommandEvent](client)
	defer publisher.Close()
	publisher.Publish(event)
}

// PublishConnectionStatus publishes a connection status event.
func (b *Bus) PublishConnectionStatus(client *eventbus.Client, event ConnectionStatusEvent) {
	b.logger.Debug("publishing connection status event",
		zap.String("component", event.Component),
		zap.String("accessory", event.Accessory),
		zap.String("status", string(event.Status)),
	)

	publisher := eventbus.Publish[ConnectionStatusEvent](client)
	defer publisher.Close()
	publisher.Publish(event)
}

// PublishDispatch publishes a dispatch event.
func (b *Bus) PublishDispatch(client *eventbus.Client, event DispatchEvent) {
	b.logger.Debug("publishing dispatch event",
		zap.String("accessory", event.Accessory),
		zap.String("mode", event.Mode),
		zap.Bool("succeeded", event.Succeeded()),
	)

	publisher := eventbus.Publish[DispatchEvent](client)
	defer publisher.Close()
	publisher.Publish(event)
}

// Close gracefully shuts down the eventbus.
func (b *Bus) Close() error {
	b.logger.Info("shutting down eventbus")

	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	// Close all clients
	for name, client := range b.clients {
		client.Close()
		delete(b.clients, name)
	}

	b.logger.Info("eventbus shut down complete")
	return nil
}
