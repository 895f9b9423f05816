// Package climate implements the state reconciliation between a HomeKit
// HeaterCooler accessory and an ESPHome climate device.
//
// HomeKit exposes an Active flag, a three-way target state and two
// threshold temperatures. The device has a single mode and a single
// setpoint. An Engine owns the canonical device state for one accessory,
// translates accessory writes into debounced device commands and
// translates device telemetry back into accessory values.
package climate

import (
	"fmt"
	"math"
	"slices"
)

// Mode is the device's climate mode, numbered like the ESPHome native API.
type Mode int

const (
	ModeOff     Mode = 0
	ModeAuto    Mode = 1
	ModeCool    Mode = 2
	ModeHeat    Mode = 3
	ModeFanOnly Mode = 4
	ModeDry     Mode = 5
)

// String returns the lower-case mode name.
func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeAuto:
		return "auto"
	case ModeCool:
		return "cool"
	case ModeHeat:
		return "heat"
	case ModeFanOnly:
		return "fan_only"
	case ModeDry:
		return "dry"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// HasSetpoint reports whether the device honours a target temperature in m.
func (m Mode) HasSetpoint() bool {
	return m == ModeAuto || m == ModeCool || m == ModeHeat
}

// FanMode is the device's fan mode, numbered like the ESPHome native API.
type FanMode int

const (
	FanOn      FanMode = 0
	FanOff     FanMode = 1
	FanAuto    FanMode = 2
	FanLow     FanMode = 3
	FanMedium  FanMode = 4
	FanHigh    FanMode = 5
	FanMiddle  FanMode = 6
	FanFocus   FanMode = 7
	FanDiffuse FanMode = 8
	FanQuiet   FanMode = 9
)

func (f FanMode) String() string {
	switch f {
	case FanOn:
		return "on"
	case FanOff:
		return "off"
	case FanAuto:
		return "auto"
	case FanLow:
		return "low"
	case FanMedium:
		return "medium"
	case FanHigh:
		return "high"
	case FanMiddle:
		return "middle"
	case FanFocus:
		return "focus"
	case FanDiffuse:
		return "diffuse"
	case FanQuiet:
		return "quiet"
	default:
		return fmt.Sprintf("fan(%d)", int(f))
	}
}

// SwingMode is the device's louvre mode. Zero is off; every other value is
// a device specific "on".
type SwingMode int

const (
	SwingOff        SwingMode = 0
	SwingBoth       SwingMode = 1
	SwingVertical   SwingMode = 2
	SwingHorizontal SwingMode = 3
)

func (s SwingMode) String() string {
	switch s {
	case SwingOff:
		return "off"
	case SwingBoth:
		return "both"
	case SwingVertical:
		return "vertical"
	case SwingHorizontal:
		return "horizontal"
	default:
		return fmt.Sprintf("swing(%d)", int(s))
	}
}

// TargetState is the HomeKit TargetHeaterCoolerState value.
type TargetState int

const (
	TargetAuto TargetState = 0
	TargetHeat TargetState = 1
	TargetCool TargetState = 2
)

func (t TargetState) String() string {
	switch t {
	case TargetAuto:
		return "auto"
	case TargetHeat:
		return "heat"
	case TargetCool:
		return "cool"
	default:
		return fmt.Sprintf("target(%d)", int(t))
	}
}

// CurrentState is the HomeKit CurrentHeaterCoolerState value.
type CurrentState int

const (
	CurrentInactive CurrentState = 0
	CurrentIdle     CurrentState = 1
	CurrentHeating  CurrentState = 2
	CurrentCooling  CurrentState = 3
)

func (c CurrentState) String() string {
	switch c {
	case CurrentInactive:
		return "inactive"
	case CurrentIdle:
		return "idle"
	case CurrentHeating:
		return "heating"
	case CurrentCooling:
		return "cooling"
	default:
		return fmt.Sprintf("current(%d)", int(c))
	}
}

// Origin tags where a threshold write came from.
type Origin int

const (
	// OriginUser is a write made by a person through a controller.
	OriginUser Origin = iota
	// OriginDevice is a write that mirrors device telemetry back into the
	// engine. It never produces a device command. The HomeKit facade does
	// not produce it: brutella/hap only calls OnSetRemoteValue for
	// controller writes, never for SetValue from a device push. Callers that
	// replay device values into the engine pass it.
	OriginDevice
)

func (o Origin) String() string {
	if o == OriginDevice {
		return "device"
	}
	return "user"
}

// State is the canonical climate state of one device.
// At most one of FanMode and CustomFanMode is set.
type State struct {
	Mode               Mode      `json:"mode"`
	TargetTemperature  *float64  `json:"target_temperature,omitempty"`
	CurrentTemperature *float64  `json:"current_temperature,omitempty"`
	FanMode            *FanMode  `json:"fan_mode,omitempty"`
	CustomFanMode      *FanMode  `json:"custom_fan_mode,omitempty"`
	SwingMode          SwingMode `json:"swing_mode"`
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	c := s
	c.TargetTemperature = clonePtr(s.TargetTemperature)
	c.CurrentTemperature = clonePtr(s.CurrentTemperature)
	c.FanMode = clonePtr(s.FanMode)
	c.CustomFanMode = clonePtr(s.CustomFanMode)
	return c
}

// Normalized returns a copy of s that satisfies the fan invariant,
// preferring the standard fan mode when both are set. Non-finite
// temperatures are dropped.
func (s State) Normalized() State {
	c := s.Clone()
	if c.FanMode != nil && c.CustomFanMode != nil {
		c.CustomFanMode = nil
	}
	if c.TargetTemperature != nil && !isFinite(*c.TargetTemperature) {
		c.TargetTemperature = nil
	}
	if c.CurrentTemperature != nil && !isFinite(*c.CurrentTemperature) {
		c.CurrentTemperature = nil
	}
	return c
}

// ActiveFanMode returns whichever fan mode is set.
func (s State) ActiveFanMode() *FanMode {
	if s.FanMode != nil {
		return s.FanMode
	}
	return s.CustomFanMode
}

// Window is the pair of HomeKit thresholds that synthesizes one device
// setpoint in AUTO mode.
type Window struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Midpoint is the setpoint sent to the device for w.
func (w Window) Midpoint() float64 {
	return math.Round((w.Low + w.High) / 2)
}

// Capabilities describes what a device supports and how HomeKit should
// present it.
type Capabilities struct {
	Modes          []Mode
	FanModes       []FanMode
	CustomFanModes []FanMode
	SwingModes     []SwingMode

	MinTemperature float64
	MaxTemperature float64

	// AutoLow and AutoHigh seed the window whenever AUTO is selected.
	AutoLow  float64
	AutoHigh float64
}

// Default window and display bounds.
const (
	DefaultAutoLow        = 20.0
	DefaultAutoHigh       = 24.0
	DefaultMinTemperature = 16.0
	DefaultMaxTemperature = 30.0

	// autoSpread is the distance between the reported setpoint and each
	// displayed threshold when the device reports AUTO.
	autoSpread = 2.0
)

// SupportsMode reports whether m may be selected. An empty list allows
// every mode.
func (c Capabilities) SupportsMode(m Mode) bool {
	if len(c.Modes) == 0 {
		return true
	}
	return slices.Contains(c.Modes, m)
}

// ExposesCooling reports whether the CoolingThresholdTemperature
// characteristic is meaningful.
func (c Capabilities) ExposesCooling() bool {
	return c.SupportsMode(ModeCool) || c.SupportsMode(ModeAuto)
}

// ExposesHeating reports whether the HeatingThresholdTemperature
// characteristic is meaningful.
func (c Capabilities) ExposesHeating() bool {
	return c.SupportsMode(ModeHeat) || c.SupportsMode(ModeAuto)
}

// SwingOnValue returns the swing mode used for "swing enabled". Devices
// listing one or no swing modes have no swing control.
func (c Capabilities) SwingOnValue() (SwingMode, bool) {
	if len(c.SwingModes) <= 1 {
		return SwingOff, false
	}
	switch {
	case slices.Contains(c.SwingModes, SwingBoth):
		return SwingBoth, true
	case slices.Contains(c.SwingModes, SwingVertical):
		return SwingVertical, true
	default:
		return SwingHorizontal, true
	}
}

// clamp limits v to the display bounds.
func (c Capabilities) clamp(v float64) float64 {
	lo, hi := c.bounds()
	return math.Min(math.Max(v, lo), hi)
}

func (c Capabilities) bounds() (float64, float64) {
	lo, hi := c.MinTemperature, c.MaxTemperature
	if hi <= lo {
		return DefaultMinTemperature, DefaultMaxTemperature
	}
	return lo, hi
}

// defaultWindow is the clamped window used when AUTO is selected.
func (c Capabilities) defaultWindow() Window {
	low, high := c.AutoLow, c.AutoHigh
	if low == 0 && high == 0 {
		low, high = DefaultAutoLow, DefaultAutoHigh
	}
	return Window{Low: c.clamp(low), High: c.clamp(high)}
}

// windowAround is the display window for a device reported AUTO setpoint.
func (c Capabilities) windowAround(setpoint float64) Window {
	return Window{
		Low:  c.clamp(setpoint - autoSpread),
		High: c.clamp(setpoint + autoSpread),
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
