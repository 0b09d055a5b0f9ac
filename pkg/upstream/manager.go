// Copyright 2025 The twinrelay-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package upstream owns the single connection to the upstream MQTT
// broker: connect/reconnect lifecycle, last-will status publication,
// topic subscriptions and outbound publishes. Inbound messages are
// handed to the fan-out loop through a bounded channel; the manager
// never blocks inside a broker callback.
package upstream

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/twinops/twinrelay-go/pkg/config"
	"github.com/twinops/twinrelay-go/pkg/devstore"
	"github.com/twinops/twinrelay-go/pkg/metrics"
)

// DefaultTopics is the fixed topic set subscribed on every (re)connect.
var DefaultTopics = []string{
	"sensors/+/data",
	"devices/+/status",
	"alerts/+/trigger",
	"energy/+/consumption",
	"occupancy/+/data",
	"maintenance/+/updates",
}

// Message is one raw inbound broker message.
type Message struct {
	Topic   string
	Payload []byte
}

// PublishOptions selects quality of service and retention for an
// outbound publish. The zero options are not the defaults; a nil
// options pointer means QoS 1, not retained.
type PublishOptions struct {
	QoS    byte
	Retain bool
}

// Manager maintains exactly one live connection to the upstream broker.
// All publish and subscribe operations are fire-and-forget: failures
// are logged and never surfaced to callers.
type Manager struct {
	cfg      config.BrokerConfig
	clientID string
	store    *devstore.Store
	inbound  chan<- Message

	mu        sync.RWMutex
	client    mqtt.Client
	connected bool
}

// New creates a Manager. Inbound messages are delivered to the given
// channel; when the channel is full the message is dropped and counted.
func New(cfg config.BrokerConfig, store *devstore.Store, inbound chan<- Message) *Manager {
	return &Manager{
		cfg:      cfg,
		clientID: fmt.Sprintf("%s-%s", cfg.ClientIDPrefix, uuid.NewString()),
		store:    store,
		inbound:  inbound,
	}
}

// ClientID returns the identifier this relay announces to the broker.
func (m *Manager) ClientID() string {
	return m.clientID
}

// Connect establishes the broker connection. A retained last-will
// message announcing "offline" is registered on the status topic; on
// every successful (re)connect the manager publishes a retained
// "online" status and subscribes to the default topic set. Connection
// failures are logged and retried at the configured fixed interval;
// Connect itself never blocks on the handshake and never returns an
// error to the caller.
func (m *Manager) Connect() {
	will, err := json.Marshal(m.statusPayload("offline"))
	if err != nil {
		log.Printf("[ERROR] Failed to encode last-will payload: %v", err)
		return
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", m.cfg.Host, m.cfg.Port)).
		SetClientID(m.clientID).
		SetCleanSession(m.cfg.CleanSession).
		SetConnectTimeout(m.cfg.ConnectTimeout.Std()).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(m.cfg.ReconnectInterval.Std()).
		SetMaxReconnectInterval(m.cfg.ReconnectInterval.Std()).
		SetBinaryWill(m.cfg.StatusTopic, will, 1, true).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(m.onConnectionLost).
		SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
			log.Printf("[INFO] MQTT reconnecting to %s:%d", m.cfg.Host, m.cfg.Port)
		})
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}

	m.mu.Lock()
	m.client = mqtt.NewClient(opts)
	client := m.client
	m.mu.Unlock()

	token := client.Connect()
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			log.Printf("[ERROR] MQTT connection error: %v", err)
		}
	}()
}

// Subscribe requests a subscription to a topic pattern. Calling it
// before Connect is a logged no-op. A subscription acknowledgment
// failure is logged and not retried; the caller must re-subscribe.
func (m *Manager) Subscribe(topic string) {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()

	if client == nil {
		log.Printf("[ERROR] MQTT client not connected, cannot subscribe to %s", topic)
		return
	}

	token := client.Subscribe(topic, 1, m.onMessage)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			log.Printf("[ERROR] Error subscribing to %s: %v", topic, err)
			return
		}
		log.Printf("[INFO] Subscribed to: %s", topic)
	}()
}

// Publish sends a JSON-encoded message upstream. Every message is
// stamped with a server-assigned timestamp and a unique messageId,
// overriding anything the caller supplied. Publishing while
// disconnected is a logged no-op; nothing is queued for later delivery.
func (m *Manager) Publish(topic string, data map[string]interface{}, opts *PublishOptions) {
	m.mu.RLock()
	client := m.client
	connected := m.connected
	m.mu.RUnlock()

	if client == nil || !connected {
		log.Printf("[WARN] MQTT client not connected, dropping publish to %s", topic)
		return
	}

	payload, messageID, err := stampMessage(data, time.Now())
	if err != nil {
		log.Printf("[ERROR] Failed to encode message for %s: %v", topic, err)
		return
	}

	qos := byte(1)
	retain := false
	if opts != nil {
		qos = opts.QoS
		retain = opts.Retain
	}

	token := client.Publish(topic, qos, retain, payload)
	metrics.UpstreamPublishesTotal.Inc()
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			log.Printf("[ERROR] Error publishing to %s: %v", topic, err)
			return
		}
		log.Printf("[INFO] Published to %s (messageId=%s)", topic, messageID)
	}()
}

// Disconnect closes the connection cleanly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	client := m.client
	m.connected = false
	m.mu.Unlock()

	metrics.BrokerConnected.Set(0)
	if client != nil {
		client.Disconnect(250)
	}
}

// IsConnected reports whether the broker connection is currently live.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// DeviceData returns the last-known record for a device.
func (m *Manager) DeviceData(deviceID string) (*devstore.Record, error) {
	return m.store.Get(deviceID)
}

// AllDeviceData returns the last-known record of every device.
func (m *Manager) AllDeviceData() []*devstore.Record {
	return m.store.All()
}

func (m *Manager) onConnect(_ mqtt.Client) {
	log.Printf("[INFO] MQTT connected to %s:%d as %s", m.cfg.Host, m.cfg.Port, m.clientID)

	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	metrics.BrokerConnected.Set(1)

	m.Publish(m.cfg.StatusTopic, m.statusPayload("online"), &PublishOptions{QoS: 1, Retain: true})

	// Clean sessions drop broker-side subscription state, so the
	// default set is re-subscribed on every connect.
	for _, topic := range DefaultTopics {
		m.Subscribe(topic)
	}
}

func (m *Manager) onConnectionLost(_ mqtt.Client, err error) {
	log.Printf("[ERROR] MQTT connection lost: %v", err)

	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	metrics.BrokerConnected.Set(0)
}

// onMessage copies the inbound message into the bounded fan-out queue.
// A full queue drops the message rather than blocking the paho
// delivery goroutine.
func (m *Manager) onMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	select {
	case m.inbound <- Message{Topic: msg.Topic(), Payload: payload}:
	default:
		metrics.MessagesDroppedTotal.WithLabelValues("queue_full").Inc()
		log.Printf("[WARN] Inbound queue full, dropping message on %s", msg.Topic())
	}
}

func (m *Manager) statusPayload(status string) map[string]interface{} {
	return map[string]interface{}{
		"clientId":  m.clientID,
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
}

// stampMessage JSON-encodes the payload with a server-assigned
// timestamp and unique messageId, regardless of caller-supplied fields.
func stampMessage(data map[string]interface{}, now time.Time) ([]byte, string, error) {
	stamped := make(map[string]interface{}, len(data)+2)
	for k, v := range data {
		stamped[k] = v
	}
	messageID := uuid.NewString()
	stamped["timestamp"] = now.UTC().Format(time.RFC3339)
	stamped["messageId"] = messageID

	payload, err := json.Marshal(stamped)
	if err != nil {
		return nil, "", err
	}
	return payload, messageID, nil
}
