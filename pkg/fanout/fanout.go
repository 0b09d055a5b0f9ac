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

// Package fanout bridges inbound broker events and session actions to
// addressed outbound messages. It is the only component that decides
// who receives what. Inbound broker messages arrive on a bounded
// channel drained by a single consumer goroutine, so the device state
// store sees one writer; outbound sends are fire-and-forget pushes into
// per-session queues owned by the transport.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/twinops/twinrelay-go/pkg/devstore"
	"github.com/twinops/twinrelay-go/pkg/hooks"
	"github.com/twinops/twinrelay-go/pkg/metrics"
	"github.com/twinops/twinrelay-go/pkg/registry"
	"github.com/twinops/twinrelay-go/pkg/router"
	"github.com/twinops/twinrelay-go/pkg/upstream"
)

// Envelope is the wire shape of every outbound session message.
type Envelope struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// Sender delivers an envelope to one session's outbound queue. Delivery
// is fire-and-forget; a send to a closed or slow session fails silently
// at the transport layer.
type Sender interface {
	Send(sessionID string, env Envelope)
}

// Publisher is the upstream broker surface the fan-out service uses for
// the reverse path (control commands) and connection state queries.
type Publisher interface {
	Publish(topic string, data map[string]interface{}, opts *upstream.PublishOptions)
	Subscribe(topic string)
	IsConnected() bool
}

// Service routes broker events to subscribed sessions and session
// actions to the broker and to other sessions.
type Service struct {
	reg   *registry.Registry
	store *devstore.Store
	pub   Publisher
	sink  hooks.Sink

	inbound <-chan upstream.Message
	quit    chan struct{}
	wg      sync.WaitGroup

	mu     sync.RWMutex
	sender Sender
}

// New creates the fan-out service. The transport attaches itself as the
// Sender once it is constructed.
func New(reg *registry.Registry, store *devstore.Store, pub Publisher, sink hooks.Sink, inbound <-chan upstream.Message) *Service {
	return &Service{
		reg:     reg,
		store:   store,
		pub:     pub,
		sink:    sink,
		inbound: inbound,
		quit:    make(chan struct{}),
	}
}

// AttachSender wires the transport's delivery surface into the service.
func (s *Service) AttachSender(sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = sender
}

// Start launches the inbound consumer loop.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.consumeLoop()
}

// Stop terminates the consumer loop and waits for it to drain.
func (s *Service) Stop() {
	close(s.quit)
	s.wg.Wait()
}

func (s *Service) consumeLoop() {
	defer s.wg.Done()
	for {
		select {
		case msg := <-s.inbound:
			s.handleBrokerMessage(msg)
		case <-s.quit:
			return
		}
	}
}

// handleBrokerMessage classifies one raw broker message, updates the
// device state store, invokes the matching persistence hook and pushes
// sensor data to interested sessions. A malformed payload is logged and
// dropped; the loop always continues.
func (s *Service) handleBrokerMessage(msg upstream.Message) {
	ev, err := router.Route(msg.Topic, msg.Payload, time.Now().UTC())
	if err != nil {
		metrics.MessagesDroppedTotal.WithLabelValues("decode").Inc()
		log.Printf("[ERROR] Error parsing MQTT message: %v", err)
		return
	}
	metrics.MessagesReceivedTotal.WithLabelValues(string(ev.Kind)).Inc()

	// Any payload carrying a deviceId refreshes the state store, even
	// when the topic is unclassified.
	if ev.DeviceID != "" {
		s.store.Upsert(ev.DeviceID, ev.Raw, ev.Timestamp)
		metrics.DevicesTracked.Set(float64(s.store.Len()))
	}

	ctx := context.Background()
	switch ev.Kind {
	case router.KindSensorData:
		if err := s.sink.StoreSensorData(ctx, ev.Sensor); err != nil {
			log.Printf("[ERROR] Sensor data hook failed for %s: %v", ev.DeviceID, err)
		}
		s.pushSensorData(ev)
	case router.KindDeviceStatus:
		if err := s.sink.UpdateDeviceStatus(ctx, ev.Status); err != nil {
			log.Printf("[ERROR] Device status hook failed for %s: %v", ev.DeviceID, err)
		}
	case router.KindAlert:
		if err := s.sink.CreateAlert(ctx, ev.Alert); err != nil {
			log.Printf("[ERROR] Alert hook failed for %s: %v", ev.Alert.ID, err)
		}
	case router.KindEnergyData:
		if err := s.sink.StoreEnergyData(ctx, ev.Energy); err != nil {
			log.Printf("[ERROR] Energy data hook failed for %s: %v", ev.BuildingID, err)
		}
	}
}

// pushSensorData delivers a sensor-data event to every session that
// registered interest in the device. Interests are a one-to-many set;
// subscribers never displace each other.
func (s *Service) pushSensorData(ev *router.InboundEvent) {
	for _, sessionID := range s.reg.SensorSubscribers(ev.DeviceID) {
		s.send(sessionID, Envelope{Event: "sensor-data", Payload: map[string]interface{}{
			"deviceId":  ev.DeviceID,
			"data":      ev.Raw,
			"timestamp": ev.Timestamp,
		}})
	}
}

// Connect registers a new session and sends it the initial unicast
// trio: broker status, a recent-alerts placeholder (real data comes
// from the persistence collaborator) and the device summary.
func (s *Service) Connect(sessionID string, identity *registry.Identity) {
	s.reg.Register(sessionID, identity, time.Now().UTC())
	metrics.SessionsConnected.Set(float64(s.reg.Count()))
	log.Printf("[INFO] Client connected: %s", sessionID)

	now := time.Now().UTC()
	s.send(sessionID, Envelope{Event: "system-status", Payload: map[string]interface{}{
		"mqttConnected": s.pub.IsConnected(),
		"totalClients":  s.reg.Count(),
		"timestamp":     now,
	}})
	s.send(sessionID, Envelope{Event: "recent-alerts", Payload: map[string]interface{}{
		"alerts":    []interface{}{},
		"timestamp": now,
	}})
	s.send(sessionID, Envelope{Event: "device-status-summary", Payload: map[string]interface{}{
		"totalDevices":  s.store.Len(),
		"onlineDevices": s.store.OnlineCount(),
		"timestamp":     now,
	}})
}

// Disconnect removes a session and tells every remaining session.
func (s *Service) Disconnect(sessionID string) {
	if err := s.reg.Unregister(sessionID); err != nil {
		return
	}
	metrics.SessionsConnected.Set(float64(s.reg.Count()))
	log.Printf("[INFO] Client disconnected: %s", sessionID)

	s.broadcastAll(Envelope{Event: "user-disconnected", Payload: map[string]interface{}{
		"userId":    sessionID,
		"timestamp": time.Now().UTC(),
	}})
}

// Dispatch routes one decoded session event to its handler. Unknown
// events and undecodable payloads are logged and ignored; no error ever
// reaches the session.
func (s *Service) Dispatch(sessionID, event string, payload json.RawMessage) {
	switch event {
	case "authenticate":
		s.handleAuthenticate(sessionID)
	case "join-room":
		if room, ok := decodeString(payload); ok {
			s.handleJoinRoom(sessionID, room)
		}
	case "leave-room":
		if room, ok := decodeString(payload); ok {
			s.handleLeaveRoom(sessionID, room)
		}
	case "subscribe-sensor":
		if deviceID, ok := decodeString(payload); ok {
			s.handleSubscribeSensor(sessionID, deviceID)
		}
	case "unsubscribe-sensor":
		if deviceID, ok := decodeString(payload); ok {
			s.handleUnsubscribeSensor(sessionID, deviceID)
		}
	case "bim-update":
		if data, ok := decodeObject(payload); ok {
			s.handleBIMUpdate(sessionID, data)
		}
	case "map-interaction":
		if data, ok := decodeObject(payload); ok {
			s.handleMapInteraction(sessionID, data)
		}
	case "device-control":
		if data, ok := decodeObject(payload); ok {
			s.handleDeviceControl(sessionID, data)
		}
	case "acknowledge-alert":
		if alertID, ok := decodeString(payload); ok {
			s.handleAcknowledgeAlert(sessionID, alertID)
		}
	default:
		log.Printf("[WARN] Unknown event %q from session %s", event, sessionID)
	}
}

// handleAuthenticate reports the identity resolved at connection time.
// Identity is immutable for the session; this event can no longer
// overwrite it.
func (s *Service) handleAuthenticate(sessionID string) {
	sess, err := s.reg.Get(sessionID)
	if err != nil {
		return
	}
	s.send(sessionID, Envelope{Event: "authenticated", Payload: map[string]interface{}{
		"success": sess.Identity != nil,
		"user":    sess.Identity,
	}})
}

func (s *Service) handleJoinRoom(sessionID, room string) {
	sess, err := s.reg.Get(sessionID)
	if err != nil {
		return
	}
	if err := s.reg.JoinRoom(sessionID, room); err != nil {
		return
	}
	log.Printf("[INFO] Client %s joined room: %s", sessionID, room)

	s.broadcastRoom(room, sessionID, Envelope{Event: "user-joined", Payload: map[string]interface{}{
		"userId":    userIDOrNil(sess),
		"username":  usernameOrNil(sess),
		"timestamp": time.Now().UTC(),
	}})
}

func (s *Service) handleLeaveRoom(sessionID, room string) {
	sess, err := s.reg.Get(sessionID)
	if err != nil {
		return
	}
	if err := s.reg.LeaveRoom(sessionID, room); err != nil {
		return
	}
	log.Printf("[INFO] Client %s left room: %s", sessionID, room)

	s.broadcastRoom(room, sessionID, Envelope{Event: "user-left", Payload: map[string]interface{}{
		"userId":    userIDOrNil(sess),
		"username":  usernameOrNil(sess),
		"timestamp": time.Now().UTC(),
	}})
}

// handleSubscribeSensor records the session's interest and asks the
// manager for the device topic. The wildcard default set already covers
// it, so the upstream subscribe is a cheap acknowledgment-only call.
func (s *Service) handleSubscribeSensor(sessionID, deviceID string) {
	if err := s.reg.SubscribeSensor(sessionID, deviceID); err != nil {
		return
	}
	s.pub.Subscribe(fmt.Sprintf("sensors/%s/data", deviceID))
	log.Printf("[INFO] Client %s subscribed to sensor: %s", sessionID, deviceID)
}

// handleUnsubscribeSensor removes only this session's interest. Other
// sessions subscribed to the same device keep receiving data.
func (s *Service) handleUnsubscribeSensor(sessionID, deviceID string) {
	if err := s.reg.UnsubscribeSensor(sessionID, deviceID); err != nil {
		return
	}
	log.Printf("[INFO] Client %s unsubscribed from sensor: %s", sessionID, deviceID)
}

func (s *Service) handleBIMUpdate(sessionID string, data map[string]interface{}) {
	sess, err := s.reg.Get(sessionID)
	if err != nil {
		return
	}
	room := fmt.Sprintf("bim-%s", stringValue(data["modelId"]))
	s.broadcastRoom(room, sessionID, Envelope{Event: "bim-updated", Payload: tagged(data, sess)})
}

func (s *Service) handleMapInteraction(sessionID string, data map[string]interface{}) {
	sess, err := s.reg.Get(sessionID)
	if err != nil {
		return
	}
	room := fmt.Sprintf("map-%s", stringValue(data["facilityId"]))
	s.broadcastRoom(room, sessionID, Envelope{Event: "map-interaction-update", Payload: tagged(data, sess)})
}

// handleDeviceControl publishes the control command upstream and
// notifies the device's room. The two paths are independently
// fire-and-forget; no ordering holds between them. Sessions see the
// notification only if they joined the devices-{id} room themselves.
func (s *Service) handleDeviceControl(sessionID string, data map[string]interface{}) {
	sess, err := s.reg.Get(sessionID)
	if err != nil {
		return
	}
	deviceID := stringValue(data["deviceId"])

	s.pub.Publish(fmt.Sprintf("devices/%s/control", deviceID), map[string]interface{}{
		"command":    data["command"],
		"parameters": data["parameters"],
		"userId":     userIDOrNil(sess),
	}, nil)

	room := fmt.Sprintf("devices-%s", deviceID)
	s.broadcastRoom(room, sessionID, Envelope{Event: "device-control-issued", Payload: tagged(data, sess)})
}

// handleAcknowledgeAlert broadcasts the acknowledgment to every
// session, the sender included. The relay performs no existence check
// and updates no stored alert; persisting the acknowledgment is the
// responsibility of a collaborator observing this broadcast.
func (s *Service) handleAcknowledgeAlert(sessionID, alertID string) {
	sess, err := s.reg.Get(sessionID)
	if err != nil {
		return
	}
	s.broadcastAll(Envelope{Event: "alert-acknowledged", Payload: map[string]interface{}{
		"alertId":        alertID,
		"acknowledgedBy": userIDOrNil(sess),
		"timestamp":      time.Now().UTC(),
	}})
}

// BroadcastSensorData pushes a curated sensor reading to every session.
func (s *Service) BroadcastSensorData(deviceID string, data interface{}) {
	s.broadcastAll(Envelope{Event: "sensor-data", Payload: map[string]interface{}{
		"deviceId":  deviceID,
		"data":      data,
		"timestamp": time.Now().UTC(),
	}})
}

// BroadcastAlert pushes a persisted alert record to every session.
func (s *Service) BroadcastAlert(alert interface{}) {
	s.broadcastAll(Envelope{Event: "new-alert", Payload: map[string]interface{}{
		"alert":     alert,
		"timestamp": time.Now().UTC(),
	}})
}

// BroadcastDeviceStatus pushes a device status change to every session.
func (s *Service) BroadcastDeviceStatus(deviceID string, status interface{}) {
	s.broadcastAll(Envelope{Event: "device-status-update", Payload: map[string]interface{}{
		"deviceId":  deviceID,
		"status":    status,
		"timestamp": time.Now().UTC(),
	}})
}

// BroadcastEnergyData pushes an energy reading to every session.
func (s *Service) BroadcastEnergyData(buildingID string, data interface{}) {
	s.broadcastAll(Envelope{Event: "energy-data", Payload: map[string]interface{}{
		"buildingId": buildingID,
		"data":       data,
		"timestamp":  time.Now().UTC(),
	}})
}

// BroadcastOccupancyData pushes an occupancy reading to every session.
func (s *Service) BroadcastOccupancyData(roomID string, data interface{}) {
	s.broadcastAll(Envelope{Event: "occupancy-data", Payload: map[string]interface{}{
		"roomId":    roomID,
		"data":      data,
		"timestamp": time.Now().UTC(),
	}})
}

func (s *Service) send(sessionID string, env Envelope) {
	s.mu.RLock()
	sender := s.sender
	s.mu.RUnlock()
	if sender == nil {
		return
	}
	metrics.FanoutDeliveriesTotal.WithLabelValues(env.Event).Inc()
	sender.Send(sessionID, env)
}

func (s *Service) broadcastAll(env Envelope) {
	for _, sessionID := range s.reg.All() {
		s.send(sessionID, env)
	}
}

func (s *Service) broadcastRoom(room, excludeID string, env Envelope) {
	for _, sessionID := range s.reg.InRoom(room) {
		if sessionID == excludeID {
			continue
		}
		s.send(sessionID, env)
	}
}

// tagged copies an event payload and stamps it with the receipt time
// and the acting session's user id.
func tagged(data map[string]interface{}, sess *registry.Session) map[string]interface{} {
	out := make(map[string]interface{}, len(data)+2)
	for k, v := range data {
		out[k] = v
	}
	out["timestamp"] = time.Now().UTC()
	out["userId"] = userIDOrNil(sess)
	return out
}

func userIDOrNil(sess *registry.Session) interface{} {
	if sess.Identity == nil {
		return nil
	}
	return sess.Identity.UserID
}

func usernameOrNil(sess *registry.Session) interface{} {
	if sess.Identity == nil {
		return nil
	}
	return sess.Identity.Username
}

func decodeString(payload json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(payload, &s); err != nil {
		log.Printf("[WARN] Expected string payload, got %s", payload)
		return "", false
	}
	return s, true
}

func decodeObject(payload json.RawMessage) (map[string]interface{}, bool) {
	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		log.Printf("[WARN] Expected object payload, got %s", payload)
		return nil, false
	}
	return m, true
}

func stringValue(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
