package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/aranet-reader/internal/ble"
	"github.com/chaz8081/aranet-reader/internal/poller"
)

// Config holds all application configuration.
type Config struct {
	Adapter           string `yaml:"adapter"`
	DeviceAddress     string `yaml:"device_address"`
	Transport         string `yaml:"transport"` // "bluez" or "hci"
	DisplayFahrenheit bool   `yaml:"display_fahrenheit"`
	// RefreshIntervalSeconds selects continuous mode; nil means one-shot.
	RefreshIntervalSeconds *uint          `yaml:"refresh_interval_seconds"`
	MetricsListenAddress   string         `yaml:"metrics_listen_address"`
	LogLevel               string         `yaml:"log_level"`
	Timeouts               TimeoutsConfig `yaml:"timeouts"`
	Backoff                BackoffConfig  `yaml:"backoff"`
	Pairing                PairingConfig  `yaml:"pairing"`
	Metrics                MetricsConfig  `yaml:"metrics"`
	MQTT                   MQTTConfig     `yaml:"mqtt"`
}

// TimeoutsConfig bounds each BLE step.
type TimeoutsConfig struct {
	Connect time.Duration `yaml:"connect"`
	Pair    time.Duration `yaml:"pair"`
	Read    time.Duration `yaml:"read"`
}

// BackoffConfig controls retries in continuous mode.
type BackoffConfig struct {
	Initial                time.Duration `yaml:"initial"`
	Max                    time.Duration `yaml:"max"`
	PersistentFailureLimit int           `yaml:"persistent_failure_limit"` // 0 = retry forever
}

// PairingConfig holds pairing settings.
type PairingConfig struct {
	Required bool   `yaml:"required"`
	PIN      string `yaml:"pin"`      // static PIN, takes precedence over pinentry
	Pinentry string `yaml:"pinentry"` // pinentry program used when pin is empty
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	TemperatureUnit string `yaml:"temperature_unit"` // "celsius" or "fahrenheit"
}

// MQTTConfig holds the optional MQTT feed settings. The feed is off when
// Broker is empty.
type MQTTConfig struct {
	Broker             string        `yaml:"broker"`
	Topic              string        `yaml:"topic"`
	ClientID           string        `yaml:"client_id"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	QoS                byte          `yaml:"qos"`
	Retain             bool          `yaml:"retain"`
	MinPublishInterval time.Duration `yaml:"min_publish_interval"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "aranet-reader")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values. DeviceAddress has
// no default and must be configured.
func Default() *Config {
	session := ble.DefaultSessionOptions()
	sched := poller.DefaultOptions()

	return &Config{
		Adapter:   "hci0",
		Transport: ble.TransportBlueZ,
		LogLevel:  "info",
		Timeouts: TimeoutsConfig{
			Connect: session.ConnectTimeout,
			Pair:    session.PairTimeout,
			Read:    session.ReadTimeout,
		},
		Backoff: BackoffConfig{
			Initial: sched.InitialBackoff,
			Max:     sched.MaxBackoff,
		},
		Pairing: PairingConfig{
			Required: true,
			Pinentry: "pinentry",
		},
		Metrics: MetricsConfig{
			TemperatureUnit: "celsius",
		},
		MQTT: MQTTConfig{
			Topic: "aranet/{address}",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in pairing.pinentry is expanded to the user's
// home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Pairing.Pinentry = expandTilde(cfg.Pairing.Pinentry)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Adapter == "" {
		return fmt.Errorf("adapter must not be empty")
	}

	if _, err := ble.ParseAddress(c.Adapter, c.DeviceAddress); err != nil {
		return fmt.Errorf("device_address: %w", err)
	}

	switch c.Transport {
	case ble.TransportBlueZ, ble.TransportHCI:
	default:
		return fmt.Errorf("transport must be %q or %q, got %q", ble.TransportBlueZ, ble.TransportHCI, c.Transport)
	}

	if c.Transport == ble.TransportHCI && c.Pairing.Required {
		return fmt.Errorf("transport %q cannot pair, set pairing.required to false", ble.TransportHCI)
	}

	if c.RefreshIntervalSeconds != nil && *c.RefreshIntervalSeconds == 0 {
		return fmt.Errorf("refresh_interval_seconds must be > 0 when set")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.Timeouts.Connect <= 0 || c.Timeouts.Pair <= 0 || c.Timeouts.Read <= 0 {
		return fmt.Errorf("timeouts.connect, timeouts.pair and timeouts.read must be > 0")
	}

	if c.Backoff.Initial <= 0 {
		return fmt.Errorf("backoff.initial must be > 0")
	}
	if c.Backoff.Max < c.Backoff.Initial {
		return fmt.Errorf("backoff.max (%s) must be >= backoff.initial (%s)", c.Backoff.Max, c.Backoff.Initial)
	}
	if c.Backoff.PersistentFailureLimit < 0 {
		return fmt.Errorf("backoff.persistent_failure_limit must be >= 0")
	}

	switch c.Metrics.TemperatureUnit {
	case "celsius", "fahrenheit":
	default:
		return fmt.Errorf("metrics.temperature_unit must be \"celsius\" or \"fahrenheit\", got %q", c.Metrics.TemperatureUnit)
	}

	if c.MQTT.Broker != "" {
		if c.MQTT.Topic == "" {
			return fmt.Errorf("mqtt.topic must not be empty when mqtt.broker is set")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
		if c.MQTT.MinPublishInterval < 0 {
			return fmt.Errorf("mqtt.min_publish_interval must be >= 0")
		}
	}

	return nil
}

// Continuous reports whether a refresh interval is configured.
func (c *Config) Continuous() bool {
	return c.RefreshIntervalSeconds != nil
}

// RefreshInterval returns the configured refresh interval, zero in one-shot mode.
func (c *Config) RefreshInterval() time.Duration {
	if c.RefreshIntervalSeconds == nil {
		return 0
	}
	return time.Duration(*c.RefreshIntervalSeconds) * time.Second
}

// Address returns the parsed device address.
func (c *Config) Address() (ble.Address, error) {
	return ble.ParseAddress(c.Adapter, c.DeviceAddress)
}

// SessionOptions maps the config onto BLE session options. Continuous mode
// keeps the link open between readings.
func (c *Config) SessionOptions() ble.SessionOptions {
	return ble.SessionOptions{
		ConnectTimeout: c.Timeouts.Connect,
		PairTimeout:    c.Timeouts.Pair,
		ReadTimeout:    c.Timeouts.Read,
		RequirePairing: c.Pairing.Required,
		KeepAlive:      c.Continuous(),
	}
}

// PollerOptions maps the config onto scheduler options.
func (c *Config) PollerOptions() poller.Options {
	return poller.Options{
		Interval:               c.RefreshInterval(),
		InitialBackoff:         c.Backoff.Initial,
		MaxBackoff:             c.Backoff.Max,
		PersistentFailureLimit: c.Backoff.PersistentFailureLimit,
	}
}

// ParseLogLevel maps a log level string to a zapcore.Level.
// Unknown values default to info.
func ParseLogLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

func parseUint(s string) (*uint, error) {
	n, err := strconv.ParseUint(s, 10, 0)
	if err != nil {
		return nil, err
	}
	v := uint(n)
	return &v, nil
}
