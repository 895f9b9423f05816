// Package bridge connects every configured device to its accessory.
//
// For each device it opens an ESPHome link over the native API or the
// shared MQTT broker, builds the reconciliation
// engine and binds it to the HomeKit accessory. Link events are routed into
// the engine and published on the event bus; commands from the web UI are
// routed back into the matching engine.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kradalby/esphome-homekit/climate"
	"github.com/kradalby/esphome-homekit/config"
	"github.com/kradalby/esphome-homekit/esphome"
	"github.com/kradalby/esphome-homekit/events"
	"github.com/kradalby/esphome-homekit/homekit"
	"github.com/kradalby/esphome-homekit/logging"
	"go.uber.org/zap"
	"tailscale.com/util/eventbus"
)

const (
	sourceESPHome = "esphome"
	sourceBridge  = "bridge"

	commandTimeout = 10 * time.Second
)

// Broker is the shared transport of mqtt devices.
type Broker interface {
	esphome.Broker
	Connect(ctx context.Context) error
	OnConnectionChange(fn func(connected bool, err error))
	Close() error
}

// Device is one configured device. Engine is nil when the device could not
// be set up; its accessory then stays not responding.
type Device struct {
	Config    config.Device
	Accessory *homekit.Accessory
	Engine    *climate.Engine

	link esphome.DeviceLink
}

// Bridge owns every device and the broker connection.
type Bridge struct {
	cfg           *config.Config
	logger        *zap.Logger
	bus           *events.Bus
	client        *eventbus.Client
	esphomeClient *eventbus.Client
	broker        Broker
	store         *homekit.TargetStore
	dedup         *logging.Dedup

	devices []*Device
	byID    map[string]*Device

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	reconnectNum int
}

// New builds a device for every entry in cfg.Devices. Devices that fail to
// set up are logged and kept without an engine. broker may be nil when no
// device uses the mqtt transport.
func New(cfg *config.Config, logger *zap.Logger, bus *events.Bus, broker Broker, store *homekit.TargetStore) (*Bridge, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("eventbus is required")
	}
	if broker == nil && cfg.UsesMQTT() {
		return nil, fmt.Errorf("broker is required for mqtt devices")
	}
	if store == nil {
		return nil, fmt.Errorf("target store is required")
	}

	client, err := bus.Client(events.ClientBridge)
	if err != nil {
		return nil, fmt.Errorf("failed to get eventbus client: %w", err)
	}
	esphomeClient, err := bus.Client(events.ClientESPHome)
	if err != nil {
		return nil, fmt.Errorf("failed to get eventbus client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &Bridge{
		cfg:           cfg,
		logger:        logger,
		bus:           bus,
		client:        client,
		esphomeClient: esphomeClient,
		broker:        broker,
		store:         store,
		dedup:         logging.NewDedup(logger),
		byID:          make(map[string]*Device),
		ctx:           ctx,
		cancel:        cancel,
	}

	for _, dev := range cfg.Devices {
		d, err := b.addDevice(dev)
		if err != nil {
			b.dedup.Error("failed to add device", err, zap.String("device", dev.Name))
			continue
		}
		if d.Engine == nil {
			logger.Warn("device is not responding", zap.String("device", dev.Name))
		}
	}

	logger.Info("bridge created", zap.Int("devices", len(b.devices)))

	return b, nil
}

// addDevice registers dev. An error means no accessory could be built; a
// device without an engine is still registered.
func (b *Bridge) addDevice(dev config.Device) (*Device, error) {
	if dev.UniqueID == "" {
		return nil, fmt.Errorf("device has no unique id")
	}
	if _, ok := b.byID[dev.UniqueID]; ok {
		return nil, fmt.Errorf("duplicate unique id %q", dev.UniqueID)
	}

	acc, err := homekit.NewAccessory(b.ctx, dev, b.logger)
	if err != nil {
		return nil, err
	}

	d := &Device{Config: dev, Accessory: acc}
	b.devices = append(b.devices, d)
	b.byID[dev.UniqueID] = d

	if err := b.setupDevice(d); err != nil {
		b.dedup.Error("failed to set up device", err, zap.String("device", dev.Name))
	}

	return d, nil
}

func (b *Bridge) setupDevice(d *Device) error {
	dev := d.Config
	if err := dev.Validate(); err != nil {
		return err
	}

	link, err := b.newLink(dev)
	if err != nil {
		return fmt.Errorf("failed to create link: %w", err)
	}

	id := dev.UniqueID
	engine, err := climate.New(link, d.Accessory, b.logger, climate.Options{
		Name:         dev.Name,
		Capabilities: dev.Capabilities(),
		SetDelay:     dev.SetDelayDuration(),
		LastTarget:   b.store.Get(id),
		OnLastTargetChange: func(mode climate.Mode) {
			if err := b.store.Set(id, mode); err != nil {
				b.dedup.Error("failed to store target state", err, zap.String("device", dev.Name))
			}
		},
		OnDispatch: func(state climate.State, err error) {
			b.publishDispatch(d, state, err)
			b.publishState(d, sourceBridge)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	d.link = link
	d.Engine = engine
	link.SetHandlers(b.handlers(d))
	d.Accessory.Bind(engine)

	return nil
}

// newLink opens the transport dev is configured for.
func (b *Bridge) newLink(dev config.Device) (esphome.DeviceLink, error) {
	if dev.Transport == config.TransportMQTT {
		if b.broker == nil {
			return nil, fmt.Errorf("mqtt transport requires a broker")
		}
		return esphome.NewLink(b.broker, esphome.LinkConfig{
			Name:         dev.Name,
			Topics:       esphome.Topics{Prefix: dev.TopicPrefix, Entity: dev.Entity},
			Capabilities: dev.Capabilities(),
		}, b.logger)
	}

	return esphome.NewNativeLink(esphome.NativeConfig{
		Name:                 dev.Name,
		Address:              dev.Address(),
		EncryptionKey:        dev.EncryptionKey,
		Entity:               dev.Entity,
		Capabilities:         dev.Capabilities(),
		ClientInfo:           b.cfg.APIClientInfo,
		ReconnectInterval:    b.cfg.APIReconnectInterval,
		MaxReconnectInterval: b.cfg.APIMaxReconnectWait,
		PingInterval:         b.cfg.APIPingInterval,
	}, b.logger)
}

// handlers routes link events of d into its engine and the bus.
func (b *Bridge) handlers(d *Device) esphome.Handlers {
	name := d.Config.Name
	return esphome.Handlers{
		OnConnected: func() {
			b.logger.Info("device connected", zap.String("device", name))
			d.Engine.SetConnected(true)
			b.publishDeviceStatus(d, events.ConnectionStatusConnected, "")
			b.publishState(d, sourceESPHome)
		},
		OnDisconnected: func() {
			b.logger.Warn("device disconnected", zap.String("device", name))
			d.Engine.SetConnected(false)
			b.publishDeviceStatus(d, events.ConnectionStatusDisconnected, "")
			b.publishState(d, sourceESPHome)
		},
		OnError: func(err error) {
			b.dedup.Error("device error", err, zap.String("device", name))
		},
		OnState: func(state climate.State) {
			d.Engine.ApplyDevicePush(state)
			b.publishState(d, sourceESPHome)
		},
		OnFirmware: func(version string) {
			b.logger.Info("device firmware", zap.String("device", name), zap.String("version", version))
			d.Accessory.SetFirmware(version)
		},
	}
}

// Devices returns every registered device in configuration order.
func (b *Bridge) Devices() []*Device {
	return b.devices
}

// Device returns the device with the given unique id.
func (b *Bridge) Device(id string) (*Device, bool) {
	d, ok := b.byID[id]
	return d, ok
}

// Accessories returns the accessory of every registered device.
func (b *Bridge) Accessories() []*homekit.Accessory {
	accs := make([]*homekit.Accessory, 0, len(b.devices))
	for _, d := range b.devices {
		accs = append(accs, d.Accessory)
	}
	return accs
}

// Start starts every device link, begins routing commands and connects
// to the broker in the background.
func (b *Bridge) Start() error {
	b.logger.Info("starting bridge")

	ids := make([]string, 0, len(b.devices))
	for _, d := range b.devices {
		ids = append(ids, d.Config.UniqueID)
	}
	if err := b.store.Prune(ids); err != nil {
		b.logger.Warn("failed to prune target states", zap.Error(err))
	}

	if b.broker != nil {
		b.broker.OnConnectionChange(b.handleBrokerChange)
	}

	for _, d := range b.devices {
		if d.link != nil {
			if err := d.link.Start(); err != nil {
				b.dedup.Error("failed to start device link", err, zap.String("device", d.Config.Name))
			}
		}
		b.publishState(d, sourceBridge)
	}

	sub := eventbus.Subscribe[events.CommandEvent](b.client)
	go b.handleCommands(sub)
	if b.broker != nil {
		go b.connect()
	}

	b.logger.Info("bridge started successfully")
	return nil
}

// connect makes the first broker connection. The broker keeps retrying on
// its own after a failed attempt.
func (b *Bridge) connect() {
	b.publishBrokerStatus(events.ConnectionStatusConnecting, "")

	if err := b.broker.Connect(b.ctx); err != nil {
		if b.ctx.Err() != nil {
			return
		}
		b.dedup.Error("failed to connect to broker", err)
		b.publishBrokerStatus(events.ConnectionStatusReconnecting, err.Error())
	}
}

// handleBrokerChange reacts to broker connectivity. Losing the broker
// takes every device offline.
func (b *Bridge) handleBrokerChange(connected bool, err error) {
	if connected {
		b.mu.Lock()
		b.reconnectNum = 0
		b.mu.Unlock()

		b.dedup.Reset()
		b.publishBrokerStatus(events.ConnectionStatusConnected, "")
		return
	}

	b.mu.Lock()
	b.reconnectNum++
	b.mu.Unlock()

	for _, d := range b.devices {
		if l, ok := d.link.(*esphome.Link); ok {
			l.HandleBrokerLost(err)
		}
	}

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	b.publishBrokerStatus(events.ConnectionStatusReconnecting, msg)
}

// handleCommands runs command events on the matching engine.
func (b *Bridge) handleCommands(sub *eventbus.Subscriber[events.CommandEvent]) {
	defer sub.Close()

	b.logger.Info("subscribed to command events")

	for {
		select {
		case event := <-sub.Events():
			// Engine writes block until the debounced flush.
			go b.handleCommand(event)
		case <-b.ctx.Done():
			b.logger.Info("stopping command handler")
			return
		}
	}
}

// handleCommand executes a single command as a user write.
func (b *Bridge) handleCommand(cmd events.CommandEvent) {
	d, ok := b.byID[cmd.Accessory]
	if !ok {
		b.logger.Warn("command for unknown accessory", zap.String("accessory", cmd.Accessory))
		return
	}
	if d.Engine == nil {
		b.logger.Warn("command for unavailable accessory", zap.String("device", d.Config.Name))
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	b.logger.Info("executing command",
		zap.String("device", d.Config.Name),
		zap.String("type", string(cmd.CommandType)),
		zap.String("source", cmd.Source),
	)

	if err := runCommand(ctx, d.Engine, cmd); err != nil {
		b.logger.Error("command failed",
			zap.String("device", d.Config.Name),
			zap.String("type", string(cmd.CommandType)),
			zap.Error(err),
		)
	}
}

// runCommand applies cmd to c.
func runCommand(ctx context.Context, c homekit.Controller, cmd events.CommandEvent) error {
	switch cmd.CommandType {
	case events.CommandTypeSetActive:
		if cmd.Active == nil {
			return fmt.Errorf("set active command missing value")
		}
		return c.SetActive(ctx, *cmd.Active)

	case events.CommandTypeSetTargetState:
		if cmd.TargetState == nil {
			return fmt.Errorf("set target state command missing value")
		}
		target, err := climate.ParseTargetState(*cmd.TargetState)
		if err != nil {
			return err
		}
		return c.SetTargetState(ctx, target)

	case events.CommandTypeSetCoolingThreshold:
		if cmd.Temperature == nil {
			return fmt.Errorf("set cooling threshold command missing temperature")
		}
		return c.SetCoolingThreshold(ctx, climate.OriginUser, *cmd.Temperature)

	case events.CommandTypeSetHeatingThreshold:
		if cmd.Temperature == nil {
			return fmt.Errorf("set heating threshold command missing temperature")
		}
		return c.SetHeatingThreshold(ctx, climate.OriginUser, *cmd.Temperature)

	case events.CommandTypeSetFanSpeed:
		if cmd.FanSpeed == nil {
			return fmt.Errorf("set fan speed command missing value")
		}
		return c.SetFanSpeed(ctx, *cmd.FanSpeed)

	case events.CommandTypeSetSwing:
		if cmd.Swing == nil {
			return fmt.Errorf("set swing command missing value")
		}
		return c.SetSwing(ctx, *cmd.Swing)

	default:
		return fmt.Errorf("unknown command type %q", cmd.CommandType)
	}
}

// StateEvent converts an engine snapshot of d into a bus event.
func StateEvent(d *Device, snap climate.Snapshot) events.StateUpdateEvent {
	event := events.StateUpdateEvent{
		Timestamp:          time.Now(),
		Accessory:          d.Config.UniqueID,
		Name:               d.Config.Name,
		Connected:          snap.Connected,
		Ready:              snap.Ready,
		Active:             snap.Active,
		Mode:               snap.State.Mode.String(),
		CurrentState:       snap.CurrentState.String(),
		CurrentTemperature: snap.State.CurrentTemperature,
		TargetTemperature:  snap.State.TargetTemperature,
	}
	if snap.TargetState != nil {
		event.TargetState = snap.TargetState.String()
	}

	switch {
	case snap.Window != nil:
		event.HeatingThreshold = climate.Ptr(snap.Window.Low)
		event.CoolingThreshold = climate.Ptr(snap.Window.High)
	case snap.State.Mode == climate.ModeCool:
		event.CoolingThreshold = snap.State.TargetTemperature
	case snap.State.Mode == climate.ModeHeat:
		event.HeatingThreshold = snap.State.TargetTemperature
	}

	if fm := snap.State.ActiveFanMode(); fm != nil {
		event.FanMode = fm.String()
	}
	if len(d.Config.SupportedSwingModes) > 0 {
		event.SwingMode = snap.State.SwingMode.String()
	}

	return event
}

func (b *Bridge) publishState(d *Device, source string) {
	var snap climate.Snapshot
	if d.Engine != nil {
		snap = d.Engine.Snapshot()
	}
	event := StateEvent(d, snap)
	event.Source = source

	client := b.client
	if source == sourceESPHome {
		client = b.esphomeClient
	}
	b.bus.PublishStateUpdate(client, event)
}

func (b *Bridge) publishDispatch(d *Device, state climate.State, err error) {
	event := events.DispatchEvent{
		Timestamp:         time.Now(),
		Accessory:         d.Config.UniqueID,
		Mode:              state.Mode.String(),
		TargetTemperature: state.TargetTemperature,
	}
	if fm := state.ActiveFanMode(); fm != nil {
		event.FanMode = fm.String()
	}
	if len(d.Config.SupportedSwingModes) > 0 {
		event.SwingMode = state.SwingMode.String()
	}
	if err != nil {
		event.Error = err.Error()
	}
	b.bus.PublishDispatch(b.client, event)
}

// publishDeviceStatus publishes the connectivity of one device.
func (b *Bridge) publishDeviceStatus(d *Device, status events.ConnectionStatus, errMsg string) {
	b.bus.PublishConnectionStatus(b.esphomeClient, events.ConnectionStatusEvent{
		Timestamp: time.Now(),
		Component: sourceESPHome,
		Accessory: d.Config.UniqueID,
		Status:    status,
		Error:     errMsg,
	})
}

// publishBrokerStatus publishes the connectivity of the broker.
func (b *Bridge) publishBrokerStatus(status events.ConnectionStatus, errMsg string) {
	b.mu.Lock()
	reconnects := b.reconnectNum
	b.mu.Unlock()

	b.bus.PublishConnectionStatus(b.esphomeClient, events.ConnectionStatusEvent{
		Timestamp:  time.Now(),
		Component:  "mqtt",
		Status:     status,
		Error:      errMsg,
		Reconnects: reconnects,
	})
}

// Close stops command routing and disconnects every device and the
// broker.
func (b *Bridge) Close() error {
	b.logger.Info("shutting down bridge")

	b.cancel()

	for _, d := range b.devices {
		if d.link != nil {
			if err := d.link.Close(); err != nil {
				b.logger.Warn("error closing device link", zap.String("device", d.Config.Name), zap.Error(err))
			}
		}
		if d.Engine != nil {
			d.Engine.SetConnected(false)
		}
	}

	if b.broker != nil {
		b.publishBrokerStatus(events.ConnectionStatusDisconnected, "")
		if err := b.broker.Close(); err != nil {
			b.logger.Warn("error closing broker connection", zap.Error(err))
		}
	}

	b.logger.Info("bridge shut down complete")
	return nil
}
