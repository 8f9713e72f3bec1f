// Package config handles configuration loading and management.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/docbliny/bt2mqtt/pkg/logger"
	"github.com/docbliny/bt2mqtt/pkg/utils/macaddr"
)

// Config is the root configuration document.
type Config struct {
	Adapter       AdapterConfig       `yaml:"adapter"`
	Bluetooth     BluetoothConfig     `yaml:"bluetooth"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	SmartBlinds   SmartBlindsConfig   `yaml:"smart_blinds"`
	Logging       logger.Config       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// AdapterConfig selects the local Bluetooth adapter.
type AdapterConfig struct {
	// Name is the adapter short name (e.g. "hci0"). Empty selects the
	// first available adapter.
	Name string `yaml:"name"`
}

// BluetoothConfig holds discovery timing, in seconds.
type BluetoothConfig struct {
	DeviceDiscoveryInterval int `yaml:"device_discovery_interval" validate:"min=1"`
	DeviceDiscoveryTimeout  int `yaml:"device_discovery_timeout" validate:"min=1"`
}

// DiscoveryTimeout returns the discovery timeout as a duration.
func (c BluetoothConfig) DiscoveryTimeout() time.Duration {
	return time.Duration(c.DeviceDiscoveryTimeout) * time.Second
}

// DiscoveryInterval returns the discovery interval as a duration.
func (c BluetoothConfig) DiscoveryInterval() time.Duration {
	return time.Duration(c.DeviceDiscoveryInterval) * time.Second
}

// MQTTConfig holds broker connection settings.
type MQTTConfig struct {
	ClientID string `yaml:"client_id"`
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"min=1,max=65535"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// HomeAssistantConfig controls MQTT auto-discovery publication.
type HomeAssistantConfig struct {
	DiscoveryEnabled bool   `yaml:"discovery_enabled"`
	DiscoveryPrefix  string `yaml:"discovery_prefix"`
}

// SmartBlindsConfig holds fleet-wide retry policy and the blind list.
type SmartBlindsConfig struct {
	// MaxConnectRetries caps reconnect attempts per device; -1 disables
	// the cap entirely.
	MaxConnectRetries    int           `yaml:"max_connect_retries"`
	ConnectRetryInterval int           `yaml:"connect_retry_interval" validate:"min=1"`
	MaxUnlockRetries     int           `yaml:"max_unlock_retries" validate:"min=1"`
	Blinds               []BlindConfig `yaml:"blinds" validate:"dive"`
}

// RetryInterval returns the connect retry interval as a duration.
func (c SmartBlindsConfig) RetryInterval() time.Duration {
	return time.Duration(c.ConnectRetryInterval) * time.Second
}

// BlindConfig identifies one blind. Credentials come either as plain
// mac+passkey or as base64 encoded_mac+encoded_passkey.
type BlindConfig struct {
	Name           string `yaml:"name" validate:"required"`
	Mac            string `yaml:"mac"`
	Passkey        string `yaml:"passkey"`
	EncodedMac     string `yaml:"encoded_mac"`
	EncodedPasskey string `yaml:"encoded_passkey"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Bluetooth: BluetoothConfig{
			DeviceDiscoveryInterval: 30,
			DeviceDiscoveryTimeout:  60,
		},
		MQTT: MQTTConfig{
			Port: 1883,
		},
		HomeAssistant: HomeAssistantConfig{
			DiscoveryEnabled: true,
			DiscoveryPrefix:  "homeassistant",
		},
		SmartBlinds: SmartBlindsConfig{
			MaxConnectRetries:    10,
			ConnectRetryInterval: 5,
			MaxUnlockRetries:     5,
		},
		Logging: logger.Config{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: ":9641",
		},
	}
}

// Load reads the YAML file at path, applies environment overrides,
// validates the result, and resolves encoded credentials.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnv(cfg, os.LookupEnv)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	for i := range cfg.SmartBlinds.Blinds {
		if err := resolveBlind(&cfg.SmartBlinds.Blinds[i]); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Validate validates the configuration.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// resolveBlind normalizes credentials so downstream code always sees a
// canonical MAC and an uppercase hex passkey.
func resolveBlind(b *BlindConfig) error {
	if b.Mac == "" && b.EncodedMac == "" {
		return fmt.Errorf("blind %q: mac or encoded_mac is required", b.Name)
	}
	if b.Passkey == "" && b.EncodedPasskey == "" {
		return fmt.Errorf("blind %q: passkey or encoded_passkey is required", b.Name)
	}

	if b.Mac == "" {
		mac, err := macaddr.DecodeMac(b.EncodedMac)
		if err != nil {
			return fmt.Errorf("blind %q: %w", b.Name, err)
		}
		b.Mac = mac
	}
	mac, err := macaddr.Normalize(b.Mac)
	if err != nil {
		return fmt.Errorf("blind %q: %w", b.Name, err)
	}
	b.Mac = mac

	if b.Passkey == "" {
		passkey, err := macaddr.DecodePasskey(b.EncodedPasskey)
		if err != nil {
			return fmt.Errorf("blind %q: %w", b.Name, err)
		}
		b.Passkey = passkey
	}
	b.Passkey = strings.ToUpper(b.Passkey)

	return nil
}

// ApplyEnv overrides settings from BT2MQTT_<SECTION>_<KEY> variables.
// The lookup function is injected so tests do not mutate the process
// environment.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	setString := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString("BT2MQTT_ADAPTER_NAME", &cfg.Adapter.Name)
	setInt("BT2MQTT_BLUETOOTH_DEVICE_DISCOVERY_INTERVAL", &cfg.Bluetooth.DeviceDiscoveryInterval)
	setInt("BT2MQTT_BLUETOOTH_DEVICE_DISCOVERY_TIMEOUT", &cfg.Bluetooth.DeviceDiscoveryTimeout)
	setString("BT2MQTT_MQTT_CLIENT_ID", &cfg.MQTT.ClientID)
	setString("BT2MQTT_MQTT_HOST", &cfg.MQTT.Host)
	setInt("BT2MQTT_MQTT_PORT", &cfg.MQTT.Port)
	setString("BT2MQTT_MQTT_USERNAME", &cfg.MQTT.Username)
	setString("BT2MQTT_MQTT_PASSWORD", &cfg.MQTT.Password)
	setBool("BT2MQTT_HOMEASSISTANT_DISCOVERY_ENABLED", &cfg.HomeAssistant.DiscoveryEnabled)
	setString("BT2MQTT_HOMEASSISTANT_DISCOVERY_PREFIX", &cfg.HomeAssistant.DiscoveryPrefix)
	setInt("BT2MQTT_SMART_BLINDS_MAX_CONNECT_RETRIES", &cfg.SmartBlinds.MaxConnectRetries)
	setInt("BT2MQTT_SMART_BLINDS_CONNECT_RETRY_INTERVAL", &cfg.SmartBlinds.ConnectRetryInterval)
	setInt("BT2MQTT_SMART_BLINDS_MAX_UNLOCK_RETRIES", &cfg.SmartBlinds.MaxUnlockRetries)
	setString("BT2MQTT_LOGGING_LEVEL", &cfg.Logging.Level)
	setString("BT2MQTT_LOGGING_FORMAT", &cfg.Logging.Format)
	setBool("BT2MQTT_METRICS_ENABLED", &cfg.Metrics.Enabled)
	setString("BT2MQTT_METRICS_LISTEN_ADDRESS", &cfg.Metrics.ListenAddress)
}
