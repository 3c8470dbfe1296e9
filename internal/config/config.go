// Package config handles poolheat configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/poolheat/config.yaml, /etc/poolheat/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "poolheat", "config.yaml"))
	}

	paths = append(paths, "/etc/poolheat/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all poolheat configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	WiFi      WiFiConfig      `yaml:"wifi"`
	Shadow    ShadowConfig    `yaml:"shadow"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Hardware  HardwareConfig  `yaml:"hardware"`
	Heater    HeaterConfig    `yaml:"heater"`
	NTP       NTPConfig       `yaml:"ntp"`
	MDNS      MDNSConfig      `yaml:"mdns"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`
}

// DeviceConfig identifies this controller.
type DeviceConfig struct {
	// ID is the device identifier on the shadow service. When empty a
	// persistent UUID is generated on first start.
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Hostname string `yaml:"hostname"`
	// UTCOffsetSec is applied to wall-clock time after NTP sync.
	UTCOffsetSec int `yaml:"utc_offset_sec"`
	// Offline keeps the device in access-point mode with all cloud
	// logic disabled.
	Offline bool   `yaml:"offline"`
	DataDir string `yaml:"data_dir"`
	// TickMs is the cooperative loop cadence (default 20).
	TickMs int `yaml:"tick_ms"`
}

// WiFiConfig holds station credentials. When SSID is empty the stored
// credentials are used, and provisioning starts if there are none.
type WiFiConfig struct {
	SSID      string `yaml:"ssid"`
	Password  string `yaml:"password"`
	Interface string `yaml:"interface"`
	// APSSID is broadcast while in access-point provisioning.
	APSSID string `yaml:"ap_ssid"`
}

// ShadowConfig selects and configures the device-shadow transport.
type ShadowConfig struct {
	// Transport is "mqtt" or "websocket".
	Transport       string `yaml:"transport"`
	Broker          string `yaml:"broker"`
	AppKey          string `yaml:"app_key"`
	AppSecret       string `yaml:"app_secret"`
	TopicPrefix     string `yaml:"topic_prefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	// EmitTemperature pushes every successful reading as a
	// temperature event.
	EmitTemperature bool `yaml:"emit_temperature"`
}

// WebSocketConfig configures the raw WebSocket API variant.
type WebSocketConfig struct {
	Listen string `yaml:"listen"`
	// TokenHash is a bcrypt hash of the bearer token clients must
	// present. Empty disables authentication.
	TokenHash  string `yaml:"token_hash"`
	MaxClients int    `yaml:"max_clients"`
}

// HardwareConfig describes the pins and sensor.
type HardwareConfig struct {
	RelayActiveLow bool `yaml:"relay_active_low"`
	// RelayGPIO and LEDGPIO are sysfs GPIO numbers; zero means a
	// simulated pin.
	RelayGPIO int    `yaml:"relay_gpio"`
	LEDGPIO   int    `yaml:"led_gpio"`
	GPIORoot  string `yaml:"gpio_root"`
	// SensorDevice is a w1 device directory. Empty selects the mock
	// sensor reporting MockValue.
	SensorDevice string  `yaml:"sensor_device"`
	MockValue    float64 `yaml:"mock_value"`
}

// HeaterConfig bounds the settable heater properties.
type HeaterConfig struct {
	MinTarget         float64 `yaml:"min_target"`
	MaxTarget         float64 `yaml:"max_target"`
	DefaultTarget     float64 `yaml:"default_target"`
	DefaultHysteresis float64 `yaml:"default_hysteresis"`
	// FaultThreshold is the number of consecutive sensor failures
	// before a notification is pushed.
	FaultThreshold int `yaml:"fault_threshold"`
}

// NTPConfig lists time servers tried in order.
type NTPConfig struct {
	Servers []string `yaml:"servers"`
}

// MDNSConfig controls the local service advertisement.
type MDNSConfig struct {
	Service string `yaml:"service"`
	Port    int    `yaml:"port"`
}

// Load reads configuration from a YAML file, expanding ${VAR}
// references, applying defaults and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration for a simulated device.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Device.Hostname == "" {
		c.Device.Hostname = "temperature"
	}
	if c.Device.Name == "" {
		c.Device.Name = "Pool Heater"
	}
	if c.Device.DataDir == "" {
		c.Device.DataDir = "./data"
	}
	if c.Device.TickMs <= 0 {
		c.Device.TickMs = 20
	}
	if c.WiFi.APSSID == "" {
		c.WiFi.APSSID = "SL12345"
	}
	if c.Shadow.Transport == "" {
		c.Shadow.Transport = "mqtt"
	}
	if c.Shadow.TopicPrefix == "" {
		c.Shadow.TopicPrefix = "poolheat"
	}
	if c.Shadow.DiscoveryPrefix == "" {
		c.Shadow.DiscoveryPrefix = "homeassistant"
	}
	if c.WebSocket.Listen == "" {
		c.WebSocket.Listen = ":8266"
	}
	if c.WebSocket.MaxClients <= 0 {
		c.WebSocket.MaxClients = 4
	}
	if c.Hardware.GPIORoot == "" {
		c.Hardware.GPIORoot = "/sys/class/gpio"
	}
	if c.Hardware.MockValue == 0 {
		c.Hardware.MockValue = 26.5
	}
	if c.Heater.MinTarget == 0 && c.Heater.MaxTarget == 0 {
		c.Heater.MinTarget = 10
		c.Heater.MaxTarget = 40
	}
	if c.Heater.DefaultTarget == 0 {
		c.Heater.DefaultTarget = 28
	}
	if c.Heater.DefaultHysteresis == 0 {
		c.Heater.DefaultHysteresis = 0.5
	}
	if c.Heater.FaultThreshold <= 0 {
		c.Heater.FaultThreshold = 10
	}
	if len(c.NTP.Servers) == 0 {
		c.NTP.Servers = []string{"pool.ntp.org", "time.nist.gov"}
	}
	if c.MDNS.Service == "" {
		c.MDNS.Service = "_arduino._tcp"
	}
	if c.MDNS.Port == 0 {
		c.MDNS.Port = 8266
	}
}

// Validate checks for values the controller cannot run with.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	switch c.Shadow.Transport {
	case "mqtt":
		if !c.Device.Offline && c.Shadow.Broker == "" {
			return fmt.Errorf("shadow.broker is required for the mqtt transport")
		}
	case "websocket":
	default:
		return fmt.Errorf("unknown shadow.transport %q (valid: mqtt, websocket)", c.Shadow.Transport)
	}
	if c.Heater.MinTarget >= c.Heater.MaxTarget {
		return fmt.Errorf("heater.min_target (%v) must be below heater.max_target (%v)", c.Heater.MinTarget, c.Heater.MaxTarget)
	}
	if c.Heater.DefaultTarget < c.Heater.MinTarget || c.Heater.DefaultTarget > c.Heater.MaxTarget {
		return fmt.Errorf("heater.default_target %v outside [%v, %v]", c.Heater.DefaultTarget, c.Heater.MinTarget, c.Heater.MaxTarget)
	}
	if c.Device.UTCOffsetSec < -14*3600 || c.Device.UTCOffsetSec > 14*3600 {
		return fmt.Errorf("device.utc_offset_sec %d out of range", c.Device.UTCOffsetSec)
	}
	return nil
}

// Tick returns the loop cadence.
func (c *Config) Tick() time.Duration {
	return time.Duration(c.Device.TickMs) * time.Millisecond
}

// UTCOffset returns the configured offset as a duration.
func (c *Config) UTCOffset() time.Duration {
	return time.Duration(c.Device.UTCOffsetSec) * time.Second
}

// Configured reports whether a cloud key pair is present.
func (c ShadowConfig) Configured() bool {
	return c.AppKey != "" && c.AppSecret != ""
}
