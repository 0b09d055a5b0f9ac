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

// Package router classifies inbound broker messages by topic and
// extracts a normalized record per message kind. It is pure parsing
// logic with no dependencies on the rest of the relay.
package router

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the class of an inbound broker message.
type Kind string

const (
	KindSensorData   Kind = "sensor-data"
	KindDeviceStatus Kind = "device-status"
	KindAlert        Kind = "alert"
	KindEnergyData   Kind = "energy-data"
	KindUnclassified Kind = "unclassified"
)

// SensorReading is the normalized record for a sensor data message.
type SensorReading struct {
	DeviceID   string      `json:"deviceId"`
	SensorType string      `json:"sensorType"`
	Value      interface{} `json:"value"`
	Unit       string      `json:"unit"`
	Quality    string      `json:"quality"`
	Location   interface{} `json:"location,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// DeviceStatus is the normalized record for a device status message.
type DeviceStatus struct {
	DeviceID string                 `json:"deviceId"`
	Status   string                 `json:"status"`
	LastSeen time.Time              `json:"lastSeen"`
	Metadata map[string]interface{} `json:"metadata"`
}

// Alert is the normalized record for an alert trigger message.
type Alert struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Severity     string    `json:"severity"`
	Message      string    `json:"message"`
	DeviceID     string    `json:"deviceId"`
	Timestamp    time.Time `json:"timestamp"`
	Acknowledged bool      `json:"acknowledged"`
}

// EnergyReading is the normalized record for an energy consumption message.
type EnergyReading struct {
	BuildingID  string                 `json:"buildingId"`
	Consumption interface{}            `json:"consumption"`
	PeakDemand  interface{}            `json:"peakDemand"`
	Cost        interface{}            `json:"cost"`
	Timestamp   time.Time              `json:"timestamp"`
	Breakdown   map[string]interface{} `json:"breakdown"`
}

// InboundEvent is the immutable result of classifying one raw broker
// message. Exactly one of the typed record fields is set for classified
// kinds; all are nil for KindUnclassified. Timestamp is assigned at
// receipt and never trusted from the payload.
type InboundEvent struct {
	Topic      string
	Kind       Kind
	DeviceID   string
	BuildingID string
	Timestamp  time.Time
	Raw        map[string]interface{}

	Sensor *SensorReading
	Status *DeviceStatus
	Alert  *Alert
	Energy *EnergyReading
}

// Classify derives the message kind from the topic string. The matching
// order (data, status, alerts, energy) is fixed and first-match-wins;
// ambiguous topics resolve to the earlier kind. This ordering is the
// deployed behavior and must not change.
func Classify(topic string) Kind {
	switch {
	case strings.Contains(topic, "/data"):
		return KindSensorData
	case strings.Contains(topic, "/status"):
		return KindDeviceStatus
	case strings.Contains(topic, "/alerts"):
		return KindAlert
	case strings.Contains(topic, "/energy"):
		return KindEnergyData
	default:
		return KindUnclassified
	}
}

// Route decodes a raw broker payload, classifies it by topic and builds
// the InboundEvent with its kind-specific normalized record. A non-JSON
// payload returns an error and no event.
func Route(topic string, payload []byte, now time.Time) (*InboundEvent, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("malformed payload on %s: %w", topic, err)
	}

	ev := &InboundEvent{
		Topic:      topic,
		Kind:       Classify(topic),
		DeviceID:   stringField(raw, "deviceId"),
		BuildingID: stringField(raw, "buildingId"),
		Timestamp:  now,
		Raw:        raw,
	}

	switch ev.Kind {
	case KindSensorData:
		ev.Sensor = &SensorReading{
			DeviceID:   ev.DeviceID,
			SensorType: stringField(raw, "type"),
			Value:      raw["value"],
			Unit:       stringField(raw, "unit"),
			Quality:    stringFieldDefault(raw, "quality", "good"),
			Location:   raw["location"],
			Timestamp:  now,
		}
	case KindDeviceStatus:
		ev.Status = &DeviceStatus{
			DeviceID: ev.DeviceID,
			Status:   stringField(raw, "status"),
			LastSeen: now,
			Metadata: mapFieldDefault(raw, "metadata"),
		}
	case KindAlert:
		id := stringField(raw, "alertId")
		if id == "" {
			id = uuid.NewString()
		}
		ev.Alert = &Alert{
			ID:           id,
			Type:         stringField(raw, "type"),
			Severity:     stringField(raw, "severity"),
			Message:      stringField(raw, "message"),
			DeviceID:     ev.DeviceID,
			Timestamp:    now,
			Acknowledged: false,
		}
	case KindEnergyData:
		ev.Energy = &EnergyReading{
			BuildingID:  ev.BuildingID,
			Consumption: raw["consumption"],
			PeakDemand:  raw["peakDemand"],
			Cost:        raw["cost"],
			Timestamp:   now,
			Breakdown:   mapFieldDefault(raw, "breakdown"),
		}
	}

	return ev, nil
}

func stringField(raw map[string]interface{}, key string) string {
	if v, ok := raw[key].(string); ok {
		return v
	}
	return ""
}

func stringFieldDefault(raw map[string]interface{}, key, def string) string {
	if v, ok := raw[key].(string); ok && v != "" {
		return v
	}
	return def
}

func mapFieldDefault(raw map[string]interface{}, key string) map[string]interface{} {
	if v, ok := raw[key].(map[string]interface{}); ok {
		return v
	}
	return map[string]interface{}{}
}
