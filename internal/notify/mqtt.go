// Package notify pushes alert events to external channels.
package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"cambanzo/internal/pipeline"
)

// MQTTConfig holds broker settings for the alert publisher
type MQTTConfig struct {
	Broker   string // host:port
	ClientID string
	Topic    string // alerts publish under Topic/<camera_id>
	QoS      byte
	Username string
	Password string
}

// MQTTNotifier publishes alert events as JSON to an MQTT broker. The
// client auto-reconnects; alerts raised while disconnected are dropped
// and counted.
type MQTTNotifier struct {
	cfg    MQTTConfig
	client mqtt.Client

	mu        sync.RWMutex
	connected bool
	published uint64
	dropped   uint64
}

// NewMQTTNotifier creates a notifier for the given broker
func NewMQTTNotifier(cfg MQTTConfig) *MQTTNotifier {
	if cfg.ClientID == "" {
		cfg.ClientID = "cambanzo"
	}
	return &MQTTNotifier{cfg: cfg}
}

// Connect establishes the broker connection
func (n *MQTTNotifier) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", n.cfg.Broker))
	opts.SetClientID(n.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	if n.cfg.Username != "" {
		opts.SetUsername(n.cfg.Username)
		opts.SetPassword(n.cfg.Password)
	}

	opts.OnConnect = func(c mqtt.Client) {
		n.mu.Lock()
		n.connected = true
		n.mu.Unlock()
		log.Printf("[Notify] Connected to MQTT broker %s", n.cfg.Broker)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		n.mu.Lock()
		n.connected = false
		n.mu.Unlock()
		log.Printf("[Notify] MQTT connection lost (%v), auto-reconnecting", err)
	}

	n.client = mqtt.NewClient(opts)

	token := n.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	n.mu.Lock()
	n.connected = true
	n.mu.Unlock()
	return nil
}

// PublishAlert implements sink.Notifier
func (n *MQTTNotifier) PublishAlert(event *pipeline.AlertEvent) {
	n.mu.RLock()
	connected := n.connected
	n.mu.RUnlock()
	if !connected {
		n.mu.Lock()
		n.dropped++
		n.mu.Unlock()
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("[Notify] Failed to marshal alert: %v", err)
		return
	}

	topic := fmt.Sprintf("%s/%s", n.cfg.Topic, event.CameraID)
	token := n.client.Publish(topic, n.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		n.mu.Lock()
		n.dropped++
		n.mu.Unlock()
		log.Printf("[Notify] Publish to %s timed out", topic)
		return
	}
	if err := token.Error(); err != nil {
		n.mu.Lock()
		n.dropped++
		n.mu.Unlock()
		log.Printf("[Notify] Publish to %s failed: %v", topic, err)
		return
	}

	n.mu.Lock()
	n.published++
	n.mu.Unlock()
}

// Stats contains publisher statistics
type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

// GetStats returns publisher statistics
func (n *MQTTNotifier) GetStats() Stats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return Stats{Connected: n.connected, Published: n.published, Dropped: n.dropped}
}

// Disconnect closes the broker connection
func (n *MQTTNotifier) Disconnect() {
	if n.client != nil && n.client.IsConnected() {
		n.client.Disconnect(250)
		log.Printf("[Notify] MQTT disconnected")
	}
	n.mu.Lock()
	n.connected = false
	n.mu.Unlock()
}
