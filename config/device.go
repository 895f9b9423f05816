package config

import (
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/kradalby/esphome-homekit/climate"
	"gopkg.in/yaml.v3"
)

// DefaultDevicePort is the ESPHome native API port.
const DefaultDevicePort = 6053

// Device transports.
const (
	// TransportAPI talks to the device over the ESPHome native API.
	TransportAPI = "api"
	// TransportMQTT follows the device through the ESPHome mqtt component.
	TransportMQTT = "mqtt"
)

// Device describes one ESPHome climate controller. Field names follow the
// ESPHome climate entity configuration.
type Device struct {
	Name          string `yaml:"name"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	EncryptionKey string `yaml:"encryptionKey"`
	UniqueID      string `yaml:"uniqueId"`
	Transport     string `yaml:"transport"`

	// TopicPrefix is the ESPHome mqtt topic_prefix, Entity the climate
	// object id. Both default to the slugified name. The native API uses
	// Entity to pick the climate entity.
	TopicPrefix string `yaml:"topicPrefix"`
	Entity      string `yaml:"entity"`

	SupportedModes          []int `yaml:"supportedModesList"`
	SupportedFanModes       []int `yaml:"supportedFanModesList"`
	SupportedCustomFanModes []int `yaml:"supportedCustomFanModesList"`
	SupportedSwingModes     []int `yaml:"supportedSwingModesList"`

	VisualMinTemperature        float64 `yaml:"visualMinTemperature"`
	VisualMaxTemperature        float64 `yaml:"visualMaxTemperature"`
	VisualTargetTemperatureStep float64 `yaml:"visualTargetTemperatureStep"`

	AutoLowTemperature  float64 `yaml:"autoLowTemperature"`
	AutoHighTemperature float64 `yaml:"autoHighTemperature"`

	// SetDelay is the command debounce in milliseconds.
	SetDelay int `yaml:"setDelay"`
}

type devicesFile struct {
	Devices []Device `yaml:"devices"`
}

// LoadDevices reads the device list from a YAML file and applies defaults.
func LoadDevices(path string) ([]Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return ParseDevices(data)
}

// ParseDevices decodes a YAML device list and applies defaults.
func ParseDevices(data []byte) ([]Device, error) {
	var f devicesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse devices: %w", err)
	}

	for i := range f.Devices {
		f.Devices[i].ApplyDefaults()
	}

	return f.Devices, nil
}

// ApplyDefaults fills unset fields.
func (d *Device) ApplyDefaults() {
	if d.Port == 0 {
		d.Port = DefaultDevicePort
	}
	if d.Transport == "" {
		d.Transport = TransportAPI
	}
	if d.UniqueID == "" {
		d.UniqueID = d.Host
	}
	if d.TopicPrefix == "" {
		d.TopicPrefix = Slug(d.Name)
	}
	if d.Entity == "" {
		d.Entity = Slug(d.Name)
	}
	if len(d.SupportedModes) == 0 {
		d.SupportedModes = []int{int(climate.ModeAuto), int(climate.ModeCool), int(climate.ModeHeat)}
	}
	if len(d.SupportedFanModes) == 0 && len(d.SupportedCustomFanModes) == 0 {
		d.SupportedFanModes = []int{int(climate.FanAuto), int(climate.FanLow), int(climate.FanMedium), int(climate.FanHigh)}
	}
	if d.VisualMinTemperature == 0 && d.VisualMaxTemperature == 0 {
		d.VisualMinTemperature = climate.DefaultMinTemperature
		d.VisualMaxTemperature = climate.DefaultMaxTemperature
	}
	if d.VisualTargetTemperatureStep == 0 {
		d.VisualTargetTemperatureStep = 1
	}
	if d.AutoLowTemperature == 0 && d.AutoHighTemperature == 0 {
		d.AutoLowTemperature = climate.DefaultAutoLow
		d.AutoHighTemperature = climate.DefaultAutoHigh
	}
	if d.SetDelay == 0 {
		d.SetDelay = int(climate.DefaultSetDelay / time.Millisecond)
	}
}

// Validate checks a single device.
func (d *Device) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("device name is required")
	}
	if d.Host == "" {
		return fmt.Errorf("device %q: host is required", d.Name)
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("device %q: port must be between 1 and 65535, got %d", d.Name, d.Port)
	}
	if d.EncryptionKey != "" {
		key, err := base64.StdEncoding.DecodeString(d.EncryptionKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("device %q: invalid encryptionKey, must be 32 bytes base64 encoded", d.Name)
		}
	}
	switch d.Transport {
	case TransportAPI:
	case TransportMQTT:
		if strings.ContainsAny(d.TopicPrefix, "+#") || strings.ContainsAny(d.Entity, "+#/") {
			return fmt.Errorf("device %q: topic prefix and entity must not contain MQTT wildcards", d.Name)
		}
	default:
		return fmt.Errorf("device %q: unknown transport %q, must be one of: api, mqtt", d.Name, d.Transport)
	}
	for _, m := range d.SupportedModes {
		if !slices.Contains([]int{int(climate.ModeAuto), int(climate.ModeCool), int(climate.ModeHeat)}, m) {
			return fmt.Errorf("device %q: unsupported mode %d in supportedModesList", d.Name, m)
		}
	}
	for _, list := range [][]int{d.SupportedFanModes, d.SupportedCustomFanModes} {
		for _, m := range list {
			if m < int(climate.FanOn) || m > int(climate.FanQuiet) {
				return fmt.Errorf("device %q: unknown fan mode %d", d.Name, m)
			}
		}
	}
	for _, m := range d.SupportedSwingModes {
		if m < int(climate.SwingOff) || m > int(climate.SwingHorizontal) {
			return fmt.Errorf("device %q: unknown swing mode %d", d.Name, m)
		}
	}
	if d.VisualMinTemperature >= d.VisualMaxTemperature {
		return fmt.Errorf("device %q: visualMinTemperature (%v) must be below visualMaxTemperature (%v)",
			d.Name, d.VisualMinTemperature, d.VisualMaxTemperature)
	}
	if d.VisualTargetTemperatureStep <= 0 {
		return fmt.Errorf("device %q: visualTargetTemperatureStep must be positive", d.Name)
	}
	if d.AutoLowTemperature > d.AutoHighTemperature {
		return fmt.Errorf("device %q: autoLowTemperature must not exceed autoHighTemperature", d.Name)
	}
	if d.SetDelay < 0 {
		return fmt.Errorf("device %q: setDelay must not be negative", d.Name)
	}
	return nil
}

// Capabilities converts the device settings for the climate engine.
func (d *Device) Capabilities() climate.Capabilities {
	return climate.Capabilities{
		Modes:          convert[climate.Mode](d.SupportedModes),
		FanModes:       convert[climate.FanMode](d.SupportedFanModes),
		CustomFanModes: convert[climate.FanMode](d.SupportedCustomFanModes),
		SwingModes:     convert[climate.SwingMode](d.SupportedSwingModes),
		MinTemperature: d.VisualMinTemperature,
		MaxTemperature: d.VisualMaxTemperature,
		AutoLow:        d.AutoLowTemperature,
		AutoHigh:       d.AutoHighTemperature,
	}
}

// SetDelayDuration returns the debounce interval.
func (d *Device) SetDelayDuration() time.Duration {
	return time.Duration(d.SetDelay) * time.Millisecond
}

// Address returns the native API address.
func (d *Device) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Slug converts a name to an ESPHome object id.
func Slug(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == ' ':
			return '_'
		default:
			return -1
		}
	}, name)
}

func convert[T ~int](in []int) []T {
	out := make([]T, 0, len(in))
	for _, v := range in {
		out = append(out, T(v))
	}
	return out
}
