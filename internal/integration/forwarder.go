package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/aircon-ledger/aircon-remote/internal/activity"
	"github.com/aircon-ledger/aircon-remote/internal/config"
	"github.com/aircon-ledger/aircon-remote/internal/models"
	"github.com/aircon-ledger/aircon-remote/internal/projection"
)

const publishTimeout = 5 * time.Second

// Publisher sends one message to the broker
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Close()
}

// StateSource is observed for device state changes
type StateSource interface {
	Subscribe(fn projection.Listener) func()
}

// LogSource is observed for activity appends
type LogSource interface {
	Subscribe(fn activity.Listener) func()
}

type message struct {
	topic    string
	retained bool
	payload  interface{}
}

// Forwarder republishes state snapshots and activity entries to MQTT
type Forwarder struct {
	publisher Publisher
	qos       byte
	retain    bool
	prefix    string

	queue chan message
}

// NewForwarder creates a forwarder publishing under
// <prefix>/<account>/{state,log}
func NewForwarder(publisher Publisher, cfg config.MQTTConfig, account string) *Forwarder {
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	if account != "" {
		prefix += "/" + strings.ToLower(account)
	}
	return &Forwarder{
		publisher: publisher,
		qos:       cfg.QoS,
		retain:    cfg.Retain,
		prefix:    prefix,
		queue:     make(chan message, 256),
	}
}

// StateTopic is where snapshots are published
func (f *Forwarder) StateTopic() string { return f.prefix + "/state" }

// LogTopic is where activity entries are published
func (f *Forwarder) LogTopic() string { return f.prefix + "/log" }

// Start observes state and log and publishes until ctx is done
func (f *Forwarder) Start(ctx context.Context, state StateSource, entries LogSource) error {
	unsubState := state.Subscribe(func(v projection.View) {
		f.enqueue(message{topic: f.StateTopic(), retained: f.retain, payload: v})
	})
	defer unsubState()

	unsubLog := entries.Subscribe(func(entry models.LogEntry) {
		f.enqueue(message{topic: f.LogTopic(), payload: entry})
	})
	defer unsubLog()

	log.Info().Str("prefix", f.prefix).Msg("Integration forwarder started")

	for {
		select {
		case <-ctx.Done():
			f.publisher.Close()
			log.Info().Msg("Integration forwarder stopped")
			return nil
		case m := <-f.queue:
			f.publish(m)
		}
	}
}

func (f *Forwarder) enqueue(m message) {
	select {
	case f.queue <- m:
	default:
		log.Warn().Str("topic", m.topic).Msg("MQTT queue full, dropping message")
	}
}

func (f *Forwarder) publish(m message) {
	data, err := json.Marshal(m.payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal MQTT data")
		return
	}

	if err := f.publisher.Publish(m.topic, f.qos, m.retained, data); err != nil {
		log.Error().
			Err(err).
			Str("topic", m.topic).
			Msg("Failed to publish to MQTT")
		return
	}

	log.Debug().
		Str("topic", m.topic).
		Msg("Data forwarded to MQTT successfully")
}

// MQTTPublisher is a Publisher backed by a paho client
type MQTTPublisher struct {
	client mqtt.Client
}

// NewMQTTPublisher connects to the configured broker
func NewMQTTPublisher(cfg config.MQTTConfig) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("aircon-remote-%d", time.Now().UnixNano())
	}
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("MQTT client connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", cfg.Broker).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		client.Disconnect(0)
		return nil, fmt.Errorf("connect to %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}

	return &MQTTPublisher{client: client}, nil
}

// Publish sends payload and waits for the broker's acknowledgement
func (p *MQTTPublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	return token.Error()
}

// Close disconnects from the broker
func (p *MQTTPublisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
