package notify

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goodtune/kguard/internal/policy"
	"github.com/goodtune/kguard/internal/session"
	"github.com/rs/zerolog"
)

const queueSize = 64

// MQTTConfig holds broker settings
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// Publisher is the subset of an MQTT client the notifier needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Disconnect()
}

// SessionMessage is published on <prefix>/session.
type SessionMessage struct {
	Active    bool              `json:"active"`
	Session   *session.Snapshot `json:"session"`
	Timestamp time.Time         `json:"timestamp"`
}

// LockMessage is published on <prefix>/lock.
type LockMessage struct {
	Reason    policy.LockReason `json:"reason"`
	Timestamp time.Time         `json:"timestamp"`
}

type message struct {
	topic    string
	retained bool
	payload  []byte
}

// MQTTNotifier publishes session snapshots and lock signals. Callbacks only
// enqueue; a worker goroutine performs the network I/O. When the queue is
// full new messages are dropped.
type MQTTNotifier struct {
	publisher Publisher
	prefix    string
	qos       byte
	queue     chan message
	done      chan struct{}
	mu        sync.RWMutex
	closed    bool
	now       func() time.Time
	logger    zerolog.Logger
}

// DialMQTT connects to the broker and returns a notifier.
func DialMQTT(cfg MQTTConfig, logger zerolog.Logger) (*MQTTNotifier, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return NewMQTTNotifier(&pahoPublisher{client: client}, cfg, logger), nil
}

// NewMQTTNotifier creates a notifier over an existing publisher.
func NewMQTTNotifier(publisher Publisher, cfg MQTTConfig, logger zerolog.Logger) *MQTTNotifier {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "kguard"
	}

	n := &MQTTNotifier{
		publisher: publisher,
		prefix:    prefix,
		qos:       cfg.QoS,
		queue:     make(chan message, queueSize),
		done:      make(chan struct{}),
		now:       time.Now,
		logger:    logger.With().Str("component", "notify-mqtt").Logger(),
	}
	go n.run()
	return n
}

// OnSessionUpdate implements monitor.Observer.
func (n *MQTTNotifier) OnSessionUpdate(snap *session.Snapshot) {
	n.enqueue(n.prefix+"/session", true, SessionMessage{
		Active:    snap != nil,
		Session:   snap,
		Timestamp: n.now(),
	})
}

// OnLockRequired implements monitor.LockHandler.
func (n *MQTTNotifier) OnLockRequired(reason policy.LockReason) {
	n.enqueue(n.prefix+"/lock", false, LockMessage{
		Reason:    reason,
		Timestamp: n.now(),
	})
}

// Close drains queued messages and disconnects.
func (n *MQTTNotifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	<-n.done
	n.publisher.Disconnect()
}

func (n *MQTTNotifier) enqueue(topic string, retained bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		n.logger.Error().Err(err).Str("topic", topic).Msg("Failed to encode message")
		return
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}

	select {
	case n.queue <- message{topic: topic, retained: retained, payload: payload}:
	default:
		n.logger.Warn().Str("topic", topic).Msg("MQTT queue full, dropping message")
	}
}

func (n *MQTTNotifier) run() {
	defer close(n.done)
	for msg := range n.queue {
		if err := n.publisher.Publish(msg.topic, n.qos, msg.retained, msg.payload); err != nil {
			n.logger.Warn().Err(err).Str("topic", msg.topic).Msg("Publish failed")
		}
	}
}

type pahoPublisher struct {
	client mqtt.Client
}

func (p *pahoPublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := p.client.Publish(topic, qos, retained, payload)
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}
	return nil
}

func (p *pahoPublisher) Disconnect() {
	p.client.Disconnect(250)
}
