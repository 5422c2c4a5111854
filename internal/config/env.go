package config

import (
	"fmt"
	"strconv"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ARANET_"

// ApplyEnv overrides cfg with ARANET_* variables found through lookup,
// usually os.LookupEnv. Unset variables leave the field alone.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"ADAPTER":                  &cfg.Adapter,
		"DEVICE_ADDRESS":           &cfg.DeviceAddress,
		"TRANSPORT":                &cfg.Transport,
		"METRICS_LISTEN_ADDRESS":   &cfg.MetricsListenAddress,
		"LOG_LEVEL":                &cfg.LogLevel,
		"PAIRING_PIN":              &cfg.Pairing.PIN,
		"PAIRING_PINENTRY":         &cfg.Pairing.Pinentry,
		"METRICS_TEMPERATURE_UNIT": &cfg.Metrics.TemperatureUnit,
		"MQTT_BROKER":              &cfg.MQTT.Broker,
		"MQTT_TOPIC":               &cfg.MQTT.Topic,
		"MQTT_CLIENT_ID":           &cfg.MQTT.ClientID,
		"MQTT_USERNAME":            &cfg.MQTT.Username,
		"MQTT_PASSWORD":            &cfg.MQTT.Password,
	}
	for name, field := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*field = v
		}
	}

	bools := map[string]*bool{
		"DISPLAY_FAHRENHEIT": &cfg.DisplayFahrenheit,
		"PAIRING_REQUIRED":   &cfg.Pairing.Required,
		"MQTT_RETAIN":        &cfg.MQTT.Retain,
	}
	for name, field := range bools {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*field = b
	}

	durations := map[string]*time.Duration{
		"CONNECT_TIMEOUT":           &cfg.Timeouts.Connect,
		"PAIR_TIMEOUT":              &cfg.Timeouts.Pair,
		"READ_TIMEOUT":              &cfg.Timeouts.Read,
		"BACKOFF_INITIAL":           &cfg.Backoff.Initial,
		"BACKOFF_MAX":               &cfg.Backoff.Max,
		"MQTT_MIN_PUBLISH_INTERVAL": &cfg.MQTT.MinPublishInterval,
	}
	for name, field := range durations {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*field = d
	}

	if v, ok := lookup(EnvPrefix + "REFRESH_INTERVAL_SECONDS"); ok {
		if v == "" {
			cfg.RefreshIntervalSeconds = nil
		} else {
			n, err := parseUint(v)
			if err != nil {
				return fmt.Errorf("%sREFRESH_INTERVAL_SECONDS: %w", EnvPrefix, err)
			}
			cfg.RefreshIntervalSeconds = n
		}
	}

	if v, ok := lookup(EnvPrefix + "MQTT_QOS"); ok {
		q, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return fmt.Errorf("%sMQTT_QOS: %w", EnvPrefix, err)
		}
		cfg.MQTT.QoS = byte(q)
	}

	return nil
}
