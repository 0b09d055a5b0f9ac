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

package hooks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/twinops/twinrelay-go/pkg/config"
	"github.com/twinops/twinrelay-go/pkg/router"
)

// KafkaSink publishes every classified record to a single Kafka topic
// as a JSON envelope, keyed by device or building identifier so records
// for the same entity land in the same partition.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink builds the Kafka writer.
func NewKafkaSink(cfg config.KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: cfg.WriteTimeout.Std(),
	}
	return &KafkaSink{writer: writer}, nil
}

// StoreSensorData publishes a sensor reading envelope.
func (s *KafkaSink) StoreSensorData(ctx context.Context, reading *router.SensorReading) error {
	return s.write(ctx, string(router.KindSensorData), reading.DeviceID, reading)
}

// UpdateDeviceStatus publishes a device status envelope.
func (s *KafkaSink) UpdateDeviceStatus(ctx context.Context, status *router.DeviceStatus) error {
	return s.write(ctx, string(router.KindDeviceStatus), status.DeviceID, status)
}

// CreateAlert publishes an alert envelope.
func (s *KafkaSink) CreateAlert(ctx context.Context, alert *router.Alert) error {
	return s.write(ctx, string(router.KindAlert), alert.DeviceID, alert)
}

// StoreEnergyData publishes an energy reading envelope.
func (s *KafkaSink) StoreEnergyData(ctx context.Context, reading *router.EnergyReading) error {
	return s.write(ctx, string(router.KindEnergyData), reading.BuildingID, reading)
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func (s *KafkaSink) write(ctx context.Context, kind, key string, record interface{}) error {
	value, err := json.Marshal(map[string]interface{}{
		"kind":   kind,
		"record": record,
	})
	if err != nil {
		return fmt.Errorf("failed to encode %s record: %w", kind, err)
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("failed to write %s record to kafka: %w", kind, err)
	}
	return nil
}
