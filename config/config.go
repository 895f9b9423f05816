// Package config provides configuration management for the esphome-homekit application.
// Process settings come from environment variables; the device list comes
// from a YAML file named by ESPHK_DEVICES_FILE.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/Netflix/go-env"
)

// Config holds all configuration for the esphome-homekit application.
type Config struct {
	// HomeKit Configuration
	HAPName        string `env:"ESPHK_HAP_NAME,default=ESPHome AC Bridge"`
	HAPPin         string `env:"ESPHK_HAP_PIN,default=00102003"`
	HAPStoragePath string `env:"ESPHK_HAP_STORAGE_PATH,default=/var/lib/esphome-homekit"`
	HAPPort        int    `env:"ESPHK_HAP_PORT,default=12345"`

	// Web Server Configuration
	WebPort        int    `env:"ESPHK_WEB_PORT,default=8080"`
	WebBindAddress string `env:"ESPHK_WEB_BIND_ADDRESS,default=0.0.0.0"`

	// ESPHome Native API Configuration
	APIClientInfo        string        `env:"ESPHK_API_CLIENT_INFO,default=esphome-homekit"`
	APIReconnectInterval time.Duration `env:"ESPHK_API_RECONNECT_INTERVAL,default=5s"`
	APIMaxReconnectWait  time.Duration `env:"ESPHK_API_MAX_RECONNECT_WAIT,default=1m"`
	APIPingInterval      time.Duration `env:"ESPHK_API_PING_INTERVAL,default=20s"`

	// MQTT Connection Configuration. The broker is only required when a
	// device uses the mqtt transport.
	MQTTBroker           string        `env:"ESPHK_MQTT_BROKER"`
	MQTTClientID         string        `env:"ESPHK_MQTT_CLIENT_ID,default=esphome-homekit"`
	MQTTUsername         string        `env:"ESPHK_MQTT_USERNAME"`
	MQTTPassword         string        `env:"ESPHK_MQTT_PASSWORD"`
	MQTTConnectTimeout   time.Duration `env:"ESPHK_MQTT_CONNECT_TIMEOUT,default=10s"`
	MQTTReconnectBackoff time.Duration `env:"ESPHK_MQTT_RECONNECT_BACKOFF,default=5s"`
	MQTTMaxReconnectWait time.Duration `env:"ESPHK_MQTT_MAX_RECONNECT_WAIT,default=5m"`

	// Devices
	DevicesFile string `env:"ESPHK_DEVICES_FILE,required=true"`

	// Logging
	LogLevel  string `env:"ESPHK_LOG_LEVEL,default=info"`
	LogFormat string `env:"ESPHK_LOG_FORMAT,default=json"`

	// Devices is read from DevicesFile by Load.
	Devices []Device
}

// Load reads configuration from environment variables and the device file.
func Load() (*Config, error) {
	var cfg Config

	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	devices, err := LoadDevices(cfg.DevicesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load devices: %w", err)
	}
	cfg.Devices = devices

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the configuration is valid.
// Individual devices are validated by Device.Validate so that one broken
// device does not stop the others.
func (c *Config) Validate() error {
	// Validate HAP pin format (must be 8 digits)
	if len(c.HAPPin) != 8 {
		return fmt.Errorf("HAP pin must be exactly 8 digits, got %d", len(c.HAPPin))
	}
	for _, r := range c.HAPPin {
		if r < '0' || r > '9' {
			return fmt.Errorf("HAP pin must only contain digits")
		}
	}

	// Validate port ranges
	if c.HAPPort < 1 || c.HAPPort > 65535 {
		return fmt.Errorf("HAP port must be between 1 and 65535, got %d", c.HAPPort)
	}
	if c.WebPort < 1 || c.WebPort > 65535 {
		return fmt.Errorf("web port must be between 1 and 65535, got %d", c.WebPort)
	}

	// Validate native API timings
	if c.APIReconnectInterval < time.Second {
		return fmt.Errorf("API reconnect interval must be at least 1 second, got %s", c.APIReconnectInterval)
	}
	if c.APIMaxReconnectWait < c.APIReconnectInterval {
		return fmt.Errorf("API max reconnect wait (%s) must be >= reconnect interval (%s)", c.APIMaxReconnectWait, c.APIReconnectInterval)
	}
	if c.APIPingInterval < time.Second {
		return fmt.Errorf("API ping interval must be at least 1 second, got %s", c.APIPingInterval)
	}

	// Validate broker URL
	if c.MQTTBroker == "" && c.UsesMQTT() {
		return fmt.Errorf("ESPHK_MQTT_BROKER is required when a device uses the mqtt transport")
	}
	if c.MQTTBroker != "" {
		u, err := url.Parse(c.MQTTBroker)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid MQTT broker URL %q", c.MQTTBroker)
		}
		switch u.Scheme {
		case "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss":
		default:
			return fmt.Errorf("unsupported MQTT broker scheme %q", u.Scheme)
		}
	}

	// Validate timing configurations
	if c.MQTTConnectTimeout < time.Second {
		return fmt.Errorf("MQTT connect timeout must be at least 1 second, got %s", c.MQTTConnectTimeout)
	}
	if c.MQTTReconnectBackoff < time.Second {
		return fmt.Errorf("MQTT reconnect backoff must be at least 1 second, got %s", c.MQTTReconnectBackoff)
	}
	if c.MQTTMaxReconnectWait < c.MQTTReconnectBackoff {
		return fmt.Errorf("MQTT max reconnect wait (%s) must be >= reconnect backoff (%s)", c.MQTTMaxReconnectWait, c.MQTTReconnectBackoff)
	}

	// Validate devices
	if len(c.Devices) == 0 {
		return fmt.Errorf("no devices configured")
	}
	names := make(map[string]bool)
	ids := make(map[string]bool)
	for _, d := range c.Devices {
		if names[d.Name] {
			return fmt.Errorf("duplicate device name %q", d.Name)
		}
		names[d.Name] = true
		if d.UniqueID != "" && ids[d.UniqueID] {
			return fmt.Errorf("duplicate device unique id %q", d.UniqueID)
		}
		ids[d.UniqueID] = true
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.LogLevel)
	}

	// Validate log format
	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.LogFormat)
	}

	return nil
}

// UsesMQTT reports whether any device uses the mqtt transport.
func (c *Config) UsesMQTT() bool {
	for _, d := range c.Devices {
		if d.Transport == TransportMQTT {
			return true
		}
	}
	return false
}
