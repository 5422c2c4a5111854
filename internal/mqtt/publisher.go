package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/chaz8081/aranet-reader/internal/ble/protocol"
)

const (
	// AddressPlaceholder in a topic is replaced by the device MAC.
	AddressPlaceholder = "{address}"

	publishTimeout = 10 * time.Second
)

// publishClient is the part of mqtt.Client the publisher needs.
type publishClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// PublisherConfig configures where and how readings are published.
type PublisherConfig struct {
	Topic   string // may contain {address}
	Address string // device MAC
	QoS     byte
	Retain  bool
	// MinInterval drops readings arriving sooner than this after the last
	// published one. Zero publishes every reading.
	MinInterval time.Duration
}

// Publisher forwards readings from a channel to the broker.
type Publisher struct {
	client  publishClient
	topic   string
	address string
	qos     byte
	retain  bool
	limit   *rate.Limiter
	log     *zap.Logger
}

// NewPublisher creates a publisher on an already connected client.
func NewPublisher(client publishClient, cfg PublisherConfig, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Publisher{
		client:  client,
		topic:   formatTopic(cfg.Topic, cfg.Address),
		address: cfg.Address,
		qos:     cfg.QoS,
		retain:  cfg.Retain,
		log:     log,
	}
	if cfg.MinInterval > 0 {
		p.limit = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	return p
}

// Topic returns the resolved topic.
func (p *Publisher) Topic() string {
	return p.topic
}

// Run publishes readings until ctx is cancelled or the channel is closed.
// Publish failures are logged and do not stop the feed.
func (p *Publisher) Run(ctx context.Context, readings <-chan protocol.Reading) {
	p.log.Info("mqtt publisher started", zap.String("topic", p.topic))
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-readings:
			if !ok {
				return
			}
			if p.limit != nil && !p.limit.Allow() {
				p.log.Debug("reading not published, below min interval")
				continue
			}
			if err := p.Publish(r); err != nil {
				p.log.Warn("publish failed", zap.Error(err))
			}
		}
	}
}

// Publish sends one reading and waits for the broker to accept it.
func (p *Publisher) Publish(r protocol.Reading) error {
	payload, err := json.Marshal(newMessage(p.address, r))
	if err != nil {
		return fmt.Errorf("mqtt: marshal reading: %w", err)
	}

	token := p.client.Publish(p.topic, p.qos, p.retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: publish to %s: timed out after %s", p.topic, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish to %s: %w", p.topic, err)
	}
	p.log.Debug("published reading", zap.String("topic", p.topic), zap.Uint16("co2", r.CO2))
	return nil
}

// message is the JSON document published per reading.
type message struct {
	Time            time.Time `json:"time"`
	Address         string    `json:"address"`
	CO2             uint16    `json:"co2_ppm"`
	TemperatureC    float64   `json:"temperature_celsius"`
	TemperatureF    float64   `json:"temperature_fahrenheit"`
	Humidity        uint8     `json:"humidity_percent"`
	Pressure        float64   `json:"pressure_hpa"`
	Battery         uint8     `json:"battery_percent"`
	Status          string    `json:"status"`
	StatusCode      uint8     `json:"status_code"`
	IntervalSeconds *int      `json:"interval_seconds,omitempty"`
	AgeSeconds      *int      `json:"age_seconds,omitempty"`
}

func newMessage(address string, r protocol.Reading) message {
	m := message{
		Time:         r.Time.UTC(),
		Address:      address,
		CO2:          r.CO2,
		TemperatureC: r.Temperature.Celsius(),
		TemperatureF: r.Temperature.Fahrenheit(),
		Humidity:     r.Humidity,
		Pressure:     r.Pressure.HPa(),
		Battery:      r.Battery,
		Status:       r.Status.String(),
		StatusCode:   uint8(r.Status),
	}
	if r.Interval > 0 {
		interval := int(r.Interval / time.Second)
		age := int(r.Age / time.Second)
		m.IntervalSeconds = &interval
		m.AgeSeconds = &age
	}
	return m
}

// formatTopic replaces the {address} placeholder with the device address.
func formatTopic(pattern, address string) string {
	return strings.ReplaceAll(pattern, AddressPlaceholder, address)
}
