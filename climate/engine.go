package climate

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSetDelay is the debounce interval between the last accessory
// write and the device command.
const DefaultSetDelay = 100 * time.Millisecond

// Sender delivers a full climate state to the device.
type Sender interface {
	Send(State) error
}

// UISink receives accessory values derived from device state.
type UISink interface {
	UpdateActive(active bool)
	UpdateTargetState(state TargetState)
	UpdateCurrentState(state CurrentState)
	UpdateCurrentTemperature(temp float64)
	UpdateCoolingThreshold(temp float64)
	UpdateHeatingThreshold(temp float64)
	UpdateSwing(on bool)
	UpdateFanSpeed(percent float64)
}

// Options configures an Engine.
type Options struct {
	Name         string
	Capabilities Capabilities
	SetDelay     time.Duration

	// LastTarget restores the mode used by a bare "turn on". ModeOff means
	// nothing is remembered.
	LastTarget Mode

	// OnLastTargetChange is called outside the engine lock whenever the
	// remembered mode changes.
	OnLastTargetChange func(Mode)

	// OnDispatch is called after every flush with the state that was sent
	// (or would have been) and the flush result.
	OnDispatch func(State, error)
}

// Snapshot is a point-in-time copy of engine state for display.
type Snapshot struct {
	State        State        `json:"state"`
	Window       *Window      `json:"window,omitempty"`
	Midpoint     *float64     `json:"midpoint,omitempty"`
	LastTarget   Mode         `json:"last_target"`
	Ready        bool         `json:"ready"`
	Connected    bool         `json:"connected"`
	Active       bool         `json:"active"`
	TargetState  *TargetState `json:"target_state,omitempty"`
	CurrentState CurrentState `json:"current_state"`
}

// Engine reconciles one accessory with one device.
type Engine struct {
	name         string
	caps         Capabilities
	delay        time.Duration
	sender       Sender
	sink         UISink
	logger       *zap.Logger
	onLastTarget func(Mode)
	onDispatch   func(State, error)

	// sendMu keeps flushes in order.
	sendMu sync.Mutex

	mu           sync.Mutex
	state        State
	ready        bool
	connected    bool
	window       *Window
	lastMidpoint *float64
	lastTarget   Mode
	fanMode      FanMode
	pending      []chan error
	timer        *time.Timer
	generation   uint64
}

// New creates an Engine. The engine rejects commands until it has seen a
// device snapshot and the device is connected.
func New(sender Sender, sink UISink, logger *zap.Logger, opts Options) (*Engine, error) {
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("ui sink is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	delay := opts.SetDelay
	if delay <= 0 {
		delay = DefaultSetDelay
	}

	lastTarget := opts.LastTarget
	if !lastTarget.HasSetpoint() {
		lastTarget = ModeOff
	}

	return &Engine{
		name:         opts.Name,
		caps:         opts.Capabilities,
		delay:        delay,
		sender:       sender,
		sink:         sink,
		logger:       logger.With(zap.String("accessory", opts.Name)),
		onLastTarget: opts.OnLastTargetChange,
		onDispatch:   opts.OnDispatch,
		lastTarget:   lastTarget,
		fanMode:      FanAuto,
	}, nil
}

// Name returns the accessory name.
func (e *Engine) Name() string {
	return e.name
}

// Capabilities returns the device capabilities the engine was built with.
func (e *Engine) Capabilities() Capabilities {
	return e.caps
}

// SetActive turns the device off, or on in the last remembered mode.
func (e *Engine) SetActive(ctx context.Context, on bool) error {
	e.mu.Lock()
	if on == (e.state.Mode != ModeOff) {
		e.mu.Unlock()
		return nil
	}

	if on {
		if e.lastTarget == ModeOff {
			e.mu.Unlock()
			e.logger.Warn("cannot turn on, no previous mode remembered")
			return nil
		}
		e.setModeLocked(e.lastTarget)
	} else {
		e.setModeLocked(ModeOff)
	}

	e.logger.Info("setting active",
		zap.Bool("active", on),
		zap.Stringer("mode", e.state.Mode),
	)

	done := e.scheduleLocked()
	e.mu.Unlock()

	return wait(ctx, done)
}

// SetTargetState selects AUTO, HEAT or COOL.
func (e *Engine) SetTargetState(ctx context.Context, target TargetState) error {
	mode, ok := ModeForTargetState(target)
	if !ok || !e.caps.SupportsMode(mode) {
		e.logger.Warn("ignoring target state",
			zap.Stringer("target_state", target),
			zap.Error(fmt.Errorf("%w: mode %s", ErrUnsupported, mode)),
		)
		return nil
	}

	e.mu.Lock()
	e.window = nil
	e.lastMidpoint = nil
	e.state.Mode = mode

	var (
		seeded *Window
		seed   chan error
	)
	if mode == ModeAuto {
		w := e.caps.defaultWindow()
		mid := w.Midpoint()
		e.window = &w
		e.lastMidpoint = &mid
		e.state.TargetTemperature = &mid
		seeded = &w

		// The seed dispatch is coalesced with the final one below. An
		// unreachable device is reported once, by the final dispatch.
		if e.reachableLocked() {
			seed = e.scheduleLocked()
		}
	}

	changed := e.rememberLocked(mode)

	e.logger.Info("setting mode",
		zap.Stringer("mode", mode),
	)

	done := e.scheduleLocked()
	lastTarget := e.lastTarget
	e.mu.Unlock()

	if seeded != nil {
		e.sink.UpdateHeatingThreshold(seeded.Low)
		e.sink.UpdateCoolingThreshold(seeded.High)
	}
	if changed {
		e.notifyLastTarget(lastTarget)
	}

	if seed != nil {
		if err := wait(ctx, seed); err != nil {
			return err
		}
	}
	return wait(ctx, done)
}

// SetCoolingThreshold handles a CoolingThresholdTemperature write.
func (e *Engine) SetCoolingThreshold(ctx context.Context, origin Origin, temp float64) error {
	return e.setThreshold(ctx, origin, true, temp)
}

// SetHeatingThreshold handles a HeatingThresholdTemperature write.
func (e *Engine) SetHeatingThreshold(ctx context.Context, origin Origin, temp float64) error {
	return e.setThreshold(ctx, origin, false, temp)
}

func (e *Engine) setThreshold(ctx context.Context, origin Origin, cooling bool, temp float64) error {
	if origin == OriginDevice {
		e.logger.Debug("ignoring threshold echo",
			zap.Bool("cooling", cooling),
			zap.Float64("temperature", temp),
		)
		return nil
	}

	e.mu.Lock()
	if e.state.Mode == ModeAuto {
		w := e.windowLocked()
		if cooling {
			w.High = temp
		} else {
			w.Low = temp
		}
		mid := w.Midpoint()
		e.state.TargetTemperature = &mid
		e.lastMidpoint = &mid

		e.logger.Info("auto window changed",
			zap.Float64("low", w.Low),
			zap.Float64("high", w.High),
			zap.Float64("midpoint", mid),
		)

		done := e.scheduleLocked()
		e.mu.Unlock()
		return wait(ctx, done)
	}

	e.lastMidpoint = nil
	if cur := e.state.TargetTemperature; cur != nil && *cur == temp {
		e.mu.Unlock()
		return nil
	}
	e.state.TargetTemperature = &temp

	e.logger.Info("setting target temperature",
		zap.Float64("temperature", temp),
		zap.Stringer("mode", e.state.Mode),
	)

	done := e.scheduleLocked()
	e.mu.Unlock()
	return wait(ctx, done)
}

// SetSwing turns the louvre swing on or off.
func (e *Engine) SetSwing(ctx context.Context, on bool) error {
	value, ok := e.caps.SwingOnValue()
	if !ok {
		e.logger.Warn("ignoring swing change",
			zap.Error(fmt.Errorf("%w: swing", ErrUnsupported)),
		)
		return nil
	}

	e.mu.Lock()
	if on {
		e.state.SwingMode = value
	} else {
		e.state.SwingMode = SwingOff
	}

	e.logger.Info("setting swing",
		zap.Stringer("swing", e.state.SwingMode),
	)

	done := e.scheduleLocked()
	e.mu.Unlock()
	return wait(ctx, done)
}

// SetFanSpeed handles a RotationSpeed write in percent.
func (e *Engine) SetFanSpeed(ctx context.Context, percent float64) error {
	if percent < 0 || percent > 100 {
		return nil
	}
	mode := FanModeForPercent(percent)

	e.mu.Lock()
	if mode == e.fanMode {
		e.mu.Unlock()
		return nil
	}

	switch {
	case slices.Contains(e.caps.FanModes, mode):
		e.state.FanMode = &mode
		e.state.CustomFanMode = nil
	case slices.Contains(e.caps.CustomFanModes, mode):
		e.state.FanMode = nil
		e.state.CustomFanMode = &mode
	default:
		e.mu.Unlock()
		e.logger.Error("ignoring fan speed",
			zap.Float64("percent", percent),
			zap.Error(fmt.Errorf("%w: fan mode %s", ErrUnsupported, mode)),
		)
		return nil
	}
	e.fanMode = mode

	e.logger.Info("setting fan",
		zap.Stringer("fan_mode", mode),
		zap.Float64("percent", percent),
	)

	done := e.scheduleLocked()
	e.mu.Unlock()
	return wait(ctx, done)
}

// ApplyDevicePush replaces the canonical state with a device snapshot and
// pushes the derived values to the accessory.
func (e *Engine) ApplyDevicePush(snapshot State) {
	s := snapshot.Normalized()

	e.mu.Lock()
	e.state = s
	e.ready = true

	var cooling, heating *float64
	switch s.Mode {
	case ModeAuto:
		if s.TargetTemperature != nil {
			w := e.caps.windowAround(*s.TargetTemperature)
			e.window = &w
			heating = Ptr(e.window.Low)
			cooling = Ptr(e.window.High)
		}
	case ModeCool:
		e.window = nil
		cooling = clonePtr(s.TargetTemperature)
	case ModeHeat:
		e.window = nil
		heating = clonePtr(s.TargetTemperature)
	default:
		e.window = nil
	}

	var fanPercent *float64
	if fm := s.ActiveFanMode(); fm != nil {
		if pct, ok := PercentForFanMode(*fm); ok {
			e.fanMode = *fm
			fanPercent = &pct
		}
	}

	changed := false
	if s.Mode.HasSetpoint() {
		changed = e.rememberLocked(s.Mode)
	}
	lastTarget := e.lastTarget
	e.mu.Unlock()

	e.logger.Debug("device state received",
		zap.Stringer("mode", s.Mode),
		zap.Float64p("target_temperature", s.TargetTemperature),
		zap.Float64p("current_temperature", s.CurrentTemperature),
	)

	if cooling != nil {
		e.sink.UpdateCoolingThreshold(*cooling)
	}
	if heating != nil {
		e.sink.UpdateHeatingThreshold(*heating)
	}
	if s.CurrentTemperature != nil {
		e.sink.UpdateCurrentTemperature(*s.CurrentTemperature)
	}

	e.sink.UpdateActive(s.Mode != ModeOff)
	if target, ok := TargetStateFor(s.Mode); ok {
		e.sink.UpdateTargetState(target)
	}
	e.sink.UpdateCurrentState(CurrentStateFor(s))

	if _, ok := e.caps.SwingOnValue(); ok {
		e.sink.UpdateSwing(s.Mode != ModeOff && s.SwingMode != SwingOff)
	}
	if fanPercent != nil {
		e.sink.UpdateFanSpeed(*fanPercent)
	}

	if changed {
		e.notifyLastTarget(lastTarget)
	}
}

// SetConnected records device connectivity. Going offline rejects every
// queued command.
func (e *Engine) SetConnected(connected bool) {
	e.mu.Lock()
	e.connected = connected
	var rejected []chan error
	if !connected {
		rejected = e.pending
		e.pending = nil
		e.stopTimerLocked()
	}
	e.mu.Unlock()

	if len(rejected) > 0 {
		e.logger.Error("device disconnected, rejecting queued commands",
			zap.Int("pending", len(rejected)),
		)
	}
	for _, ch := range rejected {
		ch <- ErrDeviceUnreachable
	}
}

// Snapshot returns a copy of the current engine state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{
		State:        e.state.Clone(),
		Window:       clonePtr(e.window),
		Midpoint:     clonePtr(e.lastMidpoint),
		LastTarget:   e.lastTarget,
		Ready:        e.ready,
		Connected:    e.connected,
		Active:       e.state.Mode != ModeOff,
		CurrentState: CurrentStateFor(e.state),
	}
	if target, ok := TargetStateFor(e.state.Mode); ok {
		snap.TargetState = &target
	}
	return snap
}

// setModeLocked changes the mode, keeping the AUTO window consistent.
func (e *Engine) setModeLocked(mode Mode) {
	e.state.Mode = mode
	if mode != ModeAuto {
		e.window = nil
	}
}

// windowLocked returns the AUTO window, deriving one from the current
// setpoint (or the defaults) when none is held.
func (e *Engine) windowLocked() *Window {
	if e.window == nil {
		var w Window
		if t := e.state.TargetTemperature; t != nil {
			w = e.caps.windowAround(*t)
		} else {
			w = e.caps.defaultWindow()
		}
		e.window = &w
	}
	return e.window
}

func (e *Engine) rememberLocked(mode Mode) bool {
	if e.lastTarget == mode {
		return false
	}
	e.lastTarget = mode
	return true
}

func (e *Engine) notifyLastTarget(mode Mode) {
	if e.onLastTarget != nil {
		e.onLastTarget(mode)
	}
}

// scheduleLocked queues a waiter and restarts the debounce timer. The
// returned channel receives exactly one result.
func (e *Engine) scheduleLocked() chan error {
	done := make(chan error, 1)
	if !e.reachableLocked() {
		e.logger.Error("cannot send command, device is disconnected")
		done <- ErrDeviceUnreachable
		return done
	}

	e.pending = append(e.pending, done)
	e.stopTimerLocked()
	gen := e.generation
	e.timer = time.AfterFunc(e.delay, func() {
		e.flush(gen)
	})
	return done
}

// reachableLocked reports whether commands can be sent.
func (e *Engine) reachableLocked() bool {
	return e.connected && e.ready
}

// stopTimerLocked cancels any unfired flush. A flush that already fired
// sees a newer generation and does nothing.
func (e *Engine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.generation++
}

func (e *Engine) flush(gen uint64) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.mu.Lock()
	if gen != e.generation {
		e.mu.Unlock()
		return
	}
	waiters := e.pending
	e.pending = nil
	e.timer = nil
	state := e.state.Clone()
	reachable := e.reachableLocked()
	e.mu.Unlock()

	var err error
	if !reachable {
		err = ErrDeviceUnreachable
	} else if sendErr := e.sender.Send(state); sendErr != nil {
		err = fmt.Errorf("%w: %w", ErrDeviceUnreachable, sendErr)
	}

	if err != nil {
		e.logger.Error("failed to send command",
			zap.Error(err),
			zap.Int("waiters", len(waiters)),
		)
	} else {
		e.logger.Debug("command sent",
			zap.Stringer("mode", state.Mode),
			zap.Float64p("target_temperature", state.TargetTemperature),
			zap.Int("waiters", len(waiters)),
		)
	}

	for _, ch := range waiters {
		ch <- err
	}

	if e.onDispatch != nil {
		e.onDispatch(state, err)
	}
}

func wait(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
