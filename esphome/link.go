package esphome

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/kradalby/esphome-homekit/climate"
	"go.uber.org/zap"
)

// Broker is the subset of Client a Link needs.
type Broker interface {
	Subscribe(topic string, handler MessageHandler) error
	Publish(topic string, payload string) error
}

// DeviceLink is the connection to one device, over either transport.
type DeviceLink interface {
	climate.Sender
	SetHandlers(h Handlers)
	Start() error
	Close() error
}

var (
	_ DeviceLink = (*Link)(nil)
	_ DeviceLink = (*NativeLink)(nil)
)

// Handlers receive link events. Nil handlers are skipped. Handlers run on
// the delivery goroutine of the broker or native session and must not
// block.
type Handlers struct {
	OnConnected    func()
	OnDisconnected func()
	OnError        func(error)
	OnState        func(climate.State)
	OnFirmware     func(string)
}

// LinkConfig identifies one device on the broker.
type LinkConfig struct {
	Name         string
	Topics       Topics
	Capabilities climate.Capabilities
}

// Link connects one climate entity to the broker. It merges per-field
// telemetry into a snapshot and publishes commands.
type Link struct {
	broker Broker
	cfg    LinkConfig
	logger *zap.Logger

	mu        sync.Mutex
	handlers  Handlers
	state     climate.State
	modeKnown bool
	online    bool
	firmware  string
}

// NewLink creates a Link. Call Start to subscribe.
func NewLink(broker Broker, cfg LinkConfig, logger *zap.Logger) (*Link, error) {
	if broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Topics.Prefix == "" || cfg.Topics.Entity == "" {
		return nil, fmt.Errorf("topic prefix and entity are required")
	}

	return &Link{
		broker: broker,
		cfg:    cfg,
		logger: logger.With(zap.String("device", cfg.Name)),
	}, nil
}

// SetHandlers replaces the event handlers.
func (l *Link) SetHandlers(h Handlers) {
	l.mu.Lock()
	l.handlers = h
	l.mu.Unlock()
}

// Start subscribes to the device topics. ESPHome retains its availability
// and state topics, so a snapshot follows shortly after.
func (l *Link) Start() error {
	subs := []struct {
		topic   string
		handler MessageHandler
	}{
		{l.cfg.Topics.Status(), l.handleStatus},
		{l.cfg.Topics.Version(), l.handleVersion},
		{l.cfg.Topics.StateWildcard(), l.handleState},
	}

	for _, s := range subs {
		if err := l.broker.Subscribe(s.topic, s.handler); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", s.topic, err)
		}
	}

	l.logger.Info("device link started",
		zap.String("topic_prefix", l.cfg.Topics.Prefix),
		zap.String("entity", l.cfg.Topics.Entity),
	)
	return nil
}

// Online reports whether the device announced itself online.
func (l *Link) Online() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.online
}

// Firmware returns the last reported firmware version.
func (l *Link) Firmware() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.firmware
}

// Send publishes every field of state as commands.
func (l *Link) Send(state climate.State) error {
	mode, err := EncodeMode(state.Mode)
	if err != nil {
		return err
	}

	type command struct {
		field   string
		payload string
	}
	cmds := []command{{fieldMode, mode}}

	if state.Mode.HasSetpoint() && state.TargetTemperature != nil {
		cmds = append(cmds, command{fieldTargetTemperature, EncodeTemperature(*state.TargetTemperature)})
	}
	if fm := state.ActiveFanMode(); fm != nil {
		fan, err := EncodeFanMode(*fm)
		if err != nil {
			return err
		}
		cmds = append(cmds, command{fieldFanMode, fan})
	}
	if len(l.cfg.Capabilities.SwingModes) > 0 {
		swing, err := EncodeSwingMode(state.SwingMode)
		if err != nil {
			return err
		}
		cmds = append(cmds, command{fieldSwingMode, swing})
	}

	for _, c := range cmds {
		if err := l.broker.Publish(l.cfg.Topics.Command(c.field), c.payload); err != nil {
			return err
		}
	}

	l.logger.Debug("command published",
		zap.String("mode", mode),
		zap.Float64p("target_temperature", state.TargetTemperature),
		zap.Int("fields", len(cmds)),
	)
	return nil
}

// Close marks the device offline. Subscriptions end with the broker.
func (l *Link) Close() error {
	l.mu.Lock()
	l.online = false
	l.mu.Unlock()
	return nil
}

// HandleBrokerLost marks the device offline after the broker connection
// dropped.
func (l *Link) HandleBrokerLost(err error) {
	l.mu.Lock()
	wasOnline := l.online
	l.online = false
	h := l.handlers
	l.mu.Unlock()

	if err != nil && h.OnError != nil {
		h.OnError(fmt.Errorf("%w: %w", ErrNotConnected, err))
	}
	if wasOnline && h.OnDisconnected != nil {
		h.OnDisconnected()
	}
}

func (l *Link) handleStatus(_ string, payload []byte) error {
	p := strings.TrimSpace(string(payload))

	var online bool
	switch p {
	case payloadOnline:
		online = true
	case payloadOffline:
		online = false
	default:
		return fmt.Errorf("unknown availability payload %q", p)
	}

	l.mu.Lock()
	changed := l.online != online
	l.online = online
	h := l.handlers
	l.mu.Unlock()

	if !changed {
		return nil
	}

	l.logger.Info("device availability changed", zap.Bool("online", online))
	if online && h.OnConnected != nil {
		h.OnConnected()
	}
	if !online && h.OnDisconnected != nil {
		h.OnDisconnected()
	}
	return nil
}

func (l *Link) handleVersion(_ string, payload []byte) error {
	version := strings.TrimSpace(string(payload))
	if version == "" {
		return nil
	}

	l.mu.Lock()
	changed := l.firmware != version
	l.firmware = version
	h := l.handlers
	l.mu.Unlock()

	if changed && h.OnFirmware != nil {
		h.OnFirmware(version)
	}
	return nil
}

func (l *Link) handleState(topic string, payload []byte) error {
	field, ok := l.cfg.Topics.Field(topic)
	if !ok {
		return nil
	}

	l.mu.Lock()
	err := l.mergeLocked(field, string(payload))
	var snapshot *climate.State
	if err == nil && l.modeKnown {
		s := l.state.Clone()
		snapshot = &s
	}
	h := l.handlers
	l.mu.Unlock()

	if err != nil {
		err = fmt.Errorf("failed to decode %s: %w", field, err)
		if h.OnError != nil {
			h.OnError(err)
			return nil
		}
		return err
	}
	if snapshot != nil && h.OnState != nil {
		h.OnState(*snapshot)
	}
	return nil
}

// mergeLocked applies one field update to the partial state.
func (l *Link) mergeLocked(field, payload string) error {
	switch field {
	case fieldMode:
		m, err := DecodeMode(payload)
		if err != nil {
			return err
		}
		l.state.Mode = m
		l.modeKnown = true

	case fieldTargetTemperature, fieldCurrentTemperature:
		v, ok, err := DecodeTemperature(payload)
		if err != nil {
			return err
		}
		var p *float64
		if ok {
			p = &v
		}
		if field == fieldTargetTemperature {
			l.state.TargetTemperature = p
		} else {
			l.state.CurrentTemperature = p
		}

	case fieldFanMode:
		f, err := DecodeFanMode(payload)
		if err != nil {
			return err
		}
		caps := l.cfg.Capabilities
		if slices.Contains(caps.CustomFanModes, f) && !slices.Contains(caps.FanModes, f) {
			l.state.FanMode = nil
			l.state.CustomFanMode = &f
		} else {
			l.state.FanMode = &f
			l.state.CustomFanMode = nil
		}

	case fieldSwingMode:
		s, err := DecodeSwingMode(payload)
		if err != nil {
			return err
		}
		l.state.SwingMode = s

	default:
		// action, target_temperature_low and friends are not used.
	}
	return nil
}
