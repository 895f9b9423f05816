// Package events provides event definitions and eventbus management.
package events

import (
	"time"
)

// EventType represents the type of event.
type EventType string

const (
	// EventTypeStateUpdate is emitted when an accessory's state changes.
	EventTypeStateUpdate EventType = "state_update"

	// EventTypeCommand is emitted when a command is issued to an accessory.
	EventTypeCommand EventType = "command"

	// EventTypeConnectionStatus is emitted when connection status changes.
	EventTypeConnectionStatus EventType = "connection_status"

	// EventTypeDispatch is emitted after a command was sent to a device.
	EventTypeDispatch EventType = "dispatch"
)

// StateUpdateEvent is published when an accessory's state changes.
// Accessory is the device unique id.
type StateUpdateEvent struct {
	Timestamp time.Time
	Source    string // "esphome", "homekit", "web"
	Accessory string
	Name      string

	Connected    bool
	Ready        bool
	Active       bool
	Mode         string // "off", "auto", "cool", "heat", "fan_only", "dry"
	TargetState  string // "auto", "heat", "cool", empty when off
	CurrentState string // "inactive", "idle", "heating", "cooling"

	CurrentTemperature *float64 // Celsius
	TargetTemperature  *float64 // Celsius
	HeatingThreshold   *float64 // Celsius, AUTO window low
	CoolingThreshold   *float64 // Celsius, AUTO window high

	FanMode   string
	SwingMode string
}

// Equals compares two StateUpdateEvent for equality, ignoring Timestamp and Source.
// This is used for event deduplication.
func (e StateUpdateEvent) Equals(other StateUpdateEvent) bool {
	return e.Accessory == other.Accessory &&
		e.Name == other.Name &&
		e.Connected == other.Connected &&
		e.Ready == other.Ready &&
		e.Active == other.Active &&
		e.Mode == other.Mode &&
		e.TargetState == other.TargetState &&
		e.CurrentState == other.CurrentState &&
		floatPtrEqual(e.CurrentTemperature, other.CurrentTemperature) &&
		floatPtrEqual(e.TargetTemperature, other.TargetTemperature) &&
		floatPtrEqual(e.HeatingThreshold, other.HeatingThreshold) &&
		floatPtrEqual(e.CoolingThreshold, other.CoolingThreshold) &&
		e.FanMode == other.FanMode &&
		e.SwingMode == other.SwingMode
}

func floatPtrEqual(a, b *float64) bool {
	const epsilon = 0.01 // Temperature comparison tolerance

	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return abs(*a-*b) < epsilon
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// CommandEvent is published when a command should be executed on an accessory.
type CommandEvent struct {
	Timestamp   time.Time
	Source      string // "web"
	Accessory   string
	CommandType CommandType
	Active      *bool    // For SetActive
	TargetState *string  // For SetTargetState: "auto", "heat", "cool"
	Temperature *float64 // For SetCoolingThreshold and SetHeatingThreshold
	FanSpeed    *float64 // For SetFanSpeed, percent
	Swing       *bool    // For SetSwing
}

// CommandType represents the type of command.
type CommandType string

const (
	// CommandTypeSetActive turns an accessory on or off.
	CommandTypeSetActive CommandType = "set_active"

	// CommandTypeSetTargetState selects auto, heat or cool.
	CommandTypeSetTargetState CommandType = "set_target_state"

	// CommandTypeSetCoolingThreshold sets the cooling threshold.
	CommandTypeSetCoolingThreshold CommandType = "set_cooling_threshold"

	// CommandTypeSetHeatingThreshold sets the heating threshold.
	CommandTypeSetHeatingThreshold CommandType = "set_heating_threshold"

	// CommandTypeSetFanSpeed sets the fan speed in percent.
	CommandTypeSetFanSpeed CommandType = "set_fan_speed"

	// CommandTypeSetSwing enables/disables swing.
	CommandTypeSetSwing CommandType = "set_swing"
)

// ConnectionStatusEvent is published when connection status changes.
// Accessory is empty for process wide components such as the MQTT client.
type ConnectionStatusEvent struct {
	Timestamp  time.Time
	Component  string // "esphome", "homekit", "web"
	Accessory  string
	Status     ConnectionStatus
	Error      string // Empty if no error
	Reconnects int    // Number of reconnection attempts
}

// ConnectionStatus represents the connection status.
type ConnectionStatus string

const (
	// ConnectionStatusDisconnected means not connected.
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"

	// ConnectionStatusConnecting means attempting to connect.
	ConnectionStatusConnecting ConnectionStatus = "connecting"

	// ConnectionStatusConnected means successfully connected.
	ConnectionStatusConnected ConnectionStatus = "connected"

	// ConnectionStatusReconnecting means attempting to reconnect.
	ConnectionStatusReconnecting ConnectionStatus = "reconnecting"

	// ConnectionStatusFailed means connection failed.
	ConnectionStatusFailed ConnectionStatus = "failed"
)

// DispatchEvent is published after a debounced command was flushed to a
// device, successfully or not.
type DispatchEvent struct {
	Timestamp         time.Time
	Accessory         string
	Mode              string
	TargetTemperature *float64
	FanMode           string
	SwingMode         string
	Error             string // Empty if the command was delivered
}

// Succeeded reports whether the command reached the device.
func (e DispatchEvent) Succeeded() bool {
	return e.Error == ""
}
