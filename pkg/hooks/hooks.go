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

// Package hooks defines the persistence hook contracts the relay hands
// classified inbound events to. Each hook is invoked exactly once per
// matching event; implementations are expected to be durable-storage
// writers supplied by the persistence layer. Hook errors are logged by
// the caller and never propagated back into the relay loop.
package hooks

import (
	"context"
	"fmt"
	"log"

	"github.com/twinops/twinrelay-go/pkg/config"
	"github.com/twinops/twinrelay-go/pkg/router"
)

// Sink receives one call per classified inbound event.
type Sink interface {
	StoreSensorData(ctx context.Context, reading *router.SensorReading) error
	UpdateDeviceStatus(ctx context.Context, status *router.DeviceStatus) error
	CreateAlert(ctx context.Context, alert *router.Alert) error
	StoreEnergyData(ctx context.Context, reading *router.EnergyReading) error
	Close() error
}

// NewSink builds the sink selected by the configuration.
func NewSink(cfg config.HooksConfig) (Sink, error) {
	switch cfg.Sink {
	case "", "log":
		return &LogSink{}, nil
	case "postgres":
		return NewPostgresSink(cfg.Postgres)
	case "kafka":
		return NewKafkaSink(cfg.Kafka)
	default:
		return nil, fmt.Errorf("unknown hook sink %q", cfg.Sink)
	}
}

// LogSink logs every record and stores nothing. It is the default sink
// and preserves the original relay's behavior of deferring durable
// storage to a later collaborator.
type LogSink struct{}

// StoreSensorData logs the reading.
func (s *LogSink) StoreSensorData(_ context.Context, reading *router.SensorReading) error {
	log.Printf("[INFO] Sensor data from %s: type=%s value=%v %s", reading.DeviceID, reading.SensorType, reading.Value, reading.Unit)
	return nil
}

// UpdateDeviceStatus logs the status change.
func (s *LogSink) UpdateDeviceStatus(_ context.Context, status *router.DeviceStatus) error {
	log.Printf("[INFO] Device status for %s: %s", status.DeviceID, status.Status)
	return nil
}

// CreateAlert logs the alert.
func (s *LogSink) CreateAlert(_ context.Context, alert *router.Alert) error {
	log.Printf("[INFO] Alert %s (%s/%s) from %s: %s", alert.ID, alert.Type, alert.Severity, alert.DeviceID, alert.Message)
	return nil
}

// StoreEnergyData logs the reading.
func (s *LogSink) StoreEnergyData(_ context.Context, reading *router.EnergyReading) error {
	log.Printf("[INFO] Energy data for building %s: consumption=%v peak=%v", reading.BuildingID, reading.Consumption, reading.PeakDemand)
	return nil
}

// Close is a no-op.
func (s *LogSink) Close() error { return nil }

// MultiSink fans each hook call out to several sinks, returning the
// first error encountered after all sinks have been called.
type MultiSink []Sink

func (m MultiSink) StoreSensorData(ctx context.Context, reading *router.SensorReading) error {
	var firstErr error
	for _, s := range m {
		if err := s.StoreSensorData(ctx, reading); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m MultiSink) UpdateDeviceStatus(ctx context.Context, status *router.DeviceStatus) error {
	var firstErr error
	for _, s := range m {
		if err := s.UpdateDeviceStatus(ctx, status); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m MultiSink) CreateAlert(ctx context.Context, alert *router.Alert) error {
	var firstErr error
	for _, s := range m {
		if err := s.CreateAlert(ctx, alert); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m MultiSink) StoreEnergyData(ctx context.Context, reading *router.EnergyReading) error {
	var firstErr error
	for _, s := range m {
		if err := s.StoreEnergyData(ctx, reading); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m MultiSink) Close() error {
	var firstErr error
	for _, s := range m {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
