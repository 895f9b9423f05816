// Package esphome links ESPHome climate devices over the ESPHome native
// API or the ESPHome MQTT component.
//
// NativeLink speaks the native API on port 6053, plaintext or encrypted
// with the Noise_NNpsk0 handshake when the device has an api encryption
// key. It lists the device entities, follows one climate entity and sends
// ClimateCommandRequests.
//
// Link follows the MQTT component. Each device publishes its climate
// entity under
// <topic_prefix>/climate/<entity>/<field>/state and accepts commands on
// the matching /command topics. Availability is published on
// <topic_prefix>/status as "online" or "offline".
package esphome

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kradalby/esphome-homekit/climate"
)

// Climate entity fields.
const (
	fieldMode               = "mode"
	fieldTargetTemperature  = "target_temperature"
	fieldCurrentTemperature = "current_temperature"
	fieldFanMode            = "fan_mode"
	fieldSwingMode          = "swing_mode"
)

// Availability payloads.
const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

// Topics builds the MQTT topics of one climate entity.
type Topics struct {
	Prefix string
	Entity string
}

// Status is the availability topic.
func (t Topics) Status() string {
	return t.Prefix + "/status"
}

// Version is the topic carrying the firmware version.
func (t Topics) Version() string {
	return t.Prefix + "/version"
}

// StateWildcard matches every state topic of the entity.
func (t Topics) StateWildcard() string {
	return fmt.Sprintf("%s/climate/%s/+/state", t.Prefix, t.Entity)
}

// State is the state topic of field.
func (t Topics) State(field string) string {
	return fmt.Sprintf("%s/climate/%s/%s/state", t.Prefix, t.Entity, field)
}

// Command is the command topic of field.
func (t Topics) Command(field string) string {
	return fmt.Sprintf("%s/climate/%s/%s/command", t.Prefix, t.Entity, field)
}

// Field extracts the field from a state topic of this entity.
func (t Topics) Field(topic string) (string, bool) {
	base := fmt.Sprintf("%s/climate/%s/", t.Prefix, t.Entity)
	rest, ok := strings.CutPrefix(topic, base)
	if !ok {
		return "", false
	}
	field, ok := strings.CutSuffix(rest, "/state")
	if !ok || field == "" || strings.Contains(field, "/") {
		return "", false
	}
	return field, true
}

var modeNames = map[climate.Mode]string{
	climate.ModeOff:     "off",
	climate.ModeAuto:    "heat_cool",
	climate.ModeCool:    "cool",
	climate.ModeHeat:    "heat",
	climate.ModeFanOnly: "fan_only",
	climate.ModeDry:     "dry",
}

// EncodeMode returns the ESPHome payload for m.
func EncodeMode(m climate.Mode) (string, error) {
	name, ok := modeNames[m]
	if !ok {
		return "", fmt.Errorf("unknown climate mode %d", int(m))
	}
	return name, nil
}

// DecodeMode parses an ESPHome mode payload. Both "heat_cool" and "auto"
// map to AUTO.
func DecodeMode(payload string) (climate.Mode, error) {
	p := strings.ToLower(strings.TrimSpace(payload))
	if p == "auto" {
		return climate.ModeAuto, nil
	}
	for m, name := range modeNames {
		if name == p {
			return m, nil
		}
	}
	return climate.ModeOff, fmt.Errorf("unknown climate mode %q", payload)
}

// EncodeFanMode returns the ESPHome payload for f.
func EncodeFanMode(f climate.FanMode) (string, error) {
	if f < climate.FanOn || f > climate.FanQuiet {
		return "", fmt.Errorf("unknown fan mode %d", int(f))
	}
	return f.String(), nil
}

// DecodeFanMode parses an ESPHome fan mode payload. Custom fan modes use
// the same names.
func DecodeFanMode(payload string) (climate.FanMode, error) {
	p := strings.ToLower(strings.TrimSpace(payload))
	for f := climate.FanOn; f <= climate.FanQuiet; f++ {
		if f.String() == p {
			return f, nil
		}
	}
	return climate.FanOn, fmt.Errorf("unknown fan mode %q", payload)
}

// EncodeSwingMode returns the ESPHome payload for s.
func EncodeSwingMode(s climate.SwingMode) (string, error) {
	if s < climate.SwingOff || s > climate.SwingHorizontal {
		return "", fmt.Errorf("unknown swing mode %d", int(s))
	}
	return s.String(), nil
}

// DecodeSwingMode parses an ESPHome swing mode payload.
func DecodeSwingMode(payload string) (climate.SwingMode, error) {
	p := strings.ToLower(strings.TrimSpace(payload))
	for s := climate.SwingOff; s <= climate.SwingHorizontal; s++ {
		if s.String() == p {
			return s, nil
		}
	}
	return climate.SwingOff, fmt.Errorf("unknown swing mode %q", payload)
}

// EncodeTemperature formats a temperature the way ESPHome publishes it.
func EncodeTemperature(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

// DecodeTemperature parses a temperature payload. ESPHome publishes "nan"
// for sensors without a reading, which yields ok == false.
func DecodeTemperature(payload string) (float64, bool, error) {
	p := strings.TrimSpace(payload)
	if strings.EqualFold(p, "nan") || p == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(p, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid temperature %q: %w", payload, err)
	}
	return v, true, nil
}
