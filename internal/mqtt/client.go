// Package mqtt publishes sensor readings to an MQTT broker.
package mqtt

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	connectTimeout = 30 * time.Second
	disconnectWait = 250 // ms
)

// ClientConfig holds MQTT connection settings.
type ClientConfig struct {
	Broker   string // e.g. tcp://localhost:1883
	ClientID string // defaults to aranet-reader-<uuid>
	Username string
	Password string
}

// DefaultClientID returns a client id unique to this process.
func DefaultClientID() string {
	return "aranet-reader-" + uuid.NewString()
}

// Connect dials the broker. Paho reconnects on its own after a drop, so the
// returned client stays usable for the life of the process.
func Connect(cfg ClientConfig, log *zap.Logger) (mqtt.Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("mqtt connection established", zap.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", zap.String("broker", cfg.Broker), zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt: connect to %s: timed out after %s", cfg.Broker, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, err)
	}
	log.Debug("mqtt client connected", zap.String("client_id", cfg.ClientID))
	return client, nil
}

// Disconnect closes the client, waiting briefly for in-flight work.
func Disconnect(client mqtt.Client) {
	client.Disconnect(disconnectWait)
}
