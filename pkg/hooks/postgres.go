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
	"database/sql"
	"context"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/twinops/twinrelay-go/pkg/config"
	"github.com/twinops/twinrelay-go/pkg/router"
)

// PostgresSink writes classified records into four tables, one per
// record kind. Loosely typed payload fields are stored as JSONB.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink opens the database connection and verifies it.
func NewPostgresSink(cfg config.PostgresConfig) (*PostgresSink, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

// StoreSensorData inserts a sensor reading.
func (s *PostgresSink) StoreSensorData(ctx context.Context, reading *router.SensorReading) error {
	value, err := json.Marshal(reading.Value)
	if err != nil {
		return fmt.Errorf("failed to encode sensor value: %w", err)
	}
	location, err := json.Marshal(reading.Location)
	if err != nil {
		return fmt.Errorf("failed to encode sensor location: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sensor_data (device_id, sensor_type, value, unit, quality, location, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		reading.DeviceID, reading.SensorType, value, reading.Unit, reading.Quality, location, reading.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert sensor data: %w", err)
	}
	return nil
}

// UpdateDeviceStatus upserts the device's status row.
func (s *PostgresSink) UpdateDeviceStatus(ctx context.Context, status *router.DeviceStatus) error {
	metadata, err := json.Marshal(status.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode device metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO device_status (device_id, status, last_seen, metadata)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (device_id)
		 DO UPDATE SET status = $2, last_seen = $3, metadata = $4`,
		status.DeviceID, status.Status, status.LastSeen, metadata)
	if err != nil {
		return fmt.Errorf("failed to upsert device status: %w", err)
	}
	return nil
}

// CreateAlert inserts an alert record.
func (s *PostgresSink) CreateAlert(ctx context.Context, alert *router.Alert) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, type, severity, message, device_id, ts, acknowledged)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		alert.ID, alert.Type, alert.Severity, alert.Message, alert.DeviceID, alert.Timestamp, alert.Acknowledged)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// StoreEnergyData inserts an energy reading.
func (s *PostgresSink) StoreEnergyData(ctx context.Context, reading *router.EnergyReading) error {
	breakdown, err := json.Marshal(reading.Breakdown)
	if err != nil {
		return fmt.Errorf("failed to encode energy breakdown: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO energy_data (building_id, consumption, peak_demand, cost, ts, breakdown)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		reading.BuildingID, toFloat(reading.Consumption), toFloat(reading.PeakDemand), toFloat(reading.Cost), reading.Timestamp, breakdown)
	if err != nil {
		return fmt.Errorf("failed to insert energy data: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}

// toFloat coerces a decoded JSON number, passing nil through for NULL.
func toFloat(v interface{}) interface{} {
	if f, ok := v.(float64); ok {
		return f
	}
	return nil
}
