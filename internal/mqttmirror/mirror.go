// Package mqttmirror republishes entity state changes to an MQTT broker.
//
// Every change is published retained to {prefix}/{entity_id}/state as the
// JSON entity snapshot. The mirror's own availability is kept in
// {prefix}/status, with a last will that marks it offline.
package mqttmirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"openhabsync/internal/entity"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	keepAlive      = 60 * time.Second
	queueSize      = 256
	qos            = 1

	statusOnline  = "online"
	statusOffline = "offline"
)

// ErrTimeout is returned when the broker does not acknowledge in time.
var ErrTimeout = errors.New("mqtt operation timed out")

// Config selects the broker and topic layout.
type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
}

// Publisher sends one retained message.
type Publisher interface {
	Publish(topic string, payload []byte) error
	Close()
}

type message struct {
	topic   string
	payload []byte
}

// Mirror queues entity changes and publishes them from its own goroutine so
// registry writers never wait on the broker.
type Mirror struct {
	pub    Publisher
	prefix string
	logger *zap.Logger
	queue  chan message
}

// New creates a mirror over pub.
func New(pub Publisher, prefix string, logger *zap.Logger) *Mirror {
	return &Mirror{
		pub:    pub,
		prefix: strings.TrimRight(prefix, "/"),
		logger: logger,
		queue:  make(chan message, queueSize),
	}
}

// StateTopic returns the topic an entity's snapshot is published on.
func (m *Mirror) StateTopic(entityID string) string {
	return fmt.Sprintf("%s/%s/state", m.prefix, sanitize(entityID))
}

// StatusTopic returns the availability topic.
func (m *Mirror) StatusTopic() string {
	return StatusTopic(m.prefix)
}

// StatusTopic returns the availability topic for prefix.
func StatusTopic(prefix string) string {
	return strings.TrimRight(prefix, "/") + "/status"
}

// EntityChanged is an entity.ChangeHandler. It never blocks; changes are
// dropped when the queue is full.
func (m *Mirror) EntityChanged(change entity.Change) {
	payload, err := json.Marshal(change.Snapshot)
	if err != nil {
		m.logger.Error("Failed to marshal entity snapshot",
			zap.String("entity_id", change.EntityID),
			zap.Error(err))
		return
	}
	select {
	case m.queue <- message{topic: m.StateTopic(change.EntityID), payload: payload}:
	default:
		m.logger.Warn("MQTT mirror queue full, dropping change",
			zap.String("entity_id", change.EntityID))
	}
}

// PublishAll queues the current snapshot of every entity.
func (m *Mirror) PublishAll(snaps []entity.Snapshot) {
	for _, snap := range snaps {
		m.EntityChanged(entity.Change{EntityID: snap.ID, Snapshot: snap})
	}
}

// Run publishes queued changes until ctx is done, then marks the mirror
// offline and closes the publisher.
func (m *Mirror) Run(ctx context.Context) error {
	m.publish(message{topic: m.StatusTopic(), payload: []byte(statusOnline)})
	for {
		select {
		case msg := <-m.queue:
			m.publish(msg)
		case <-ctx.Done():
			m.publish(message{topic: m.StatusTopic(), payload: []byte(statusOffline)})
			m.pub.Close()
			return nil
		}
	}
}

func (m *Mirror) publish(msg message) {
	if err := m.pub.Publish(msg.topic, msg.payload); err != nil {
		m.logger.Warn("MQTT publish failed",
			zap.String("topic", msg.topic),
			zap.Error(err))
		return
	}
	m.logger.Debug("MQTT published", zap.String("topic", msg.topic))
}

// sanitize replaces characters that are not allowed in topic names.
func sanitize(id string) string {
	return strings.NewReplacer("+", "_", "#", "_", "/", "_").Replace(id)
}

// PahoPublisher publishes through an eclipse paho client.
type PahoPublisher struct {
	client pahomqtt.Client
}

// Dial connects to the broker with a last will on the status topic.
func Dial(cfg Config, logger *zap.Logger) (*PahoPublisher, error) {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetWill(StatusTopic(cfg.TopicPrefix), statusOffline, qos, true)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		logger.Info("MQTT connected", zap.String("broker", cfg.Broker))
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}
	return &PahoPublisher{client: client}, nil
}

// Publish sends a retained QoS 1 message and waits for the acknowledgement.
func (p *PahoPublisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, qos, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return ErrTimeout
	}
	return token.Error()
}

// Close disconnects after letting in-flight messages drain.
func (p *PahoPublisher) Close() {
	p.client.Disconnect(1000)
}
