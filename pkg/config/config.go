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

// Package config provides configuration management for the relay,
// covering the upstream broker connection, the realtime transport,
// the device state store and the persistence hook sinks.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration wraps time.Duration so config files can spell intervals as
// "5s" or "1m30s". Plain integers are accepted as nanoseconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		var n int64
		if intErr := unmarshal(&n); intErr == nil {
			*d = Duration(n)
			return nil
		}
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Std().String(), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		*d = Duration(int64(v))
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
}

// MarshalJSON renders the duration in its string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Std().String())
}

// BrokerConfig holds the settings for the single upstream MQTT connection.
type BrokerConfig struct {
	Host              string        `yaml:"host" json:"host"`
	Port              int           `yaml:"port" json:"port"`
	Username          string        `yaml:"username" json:"username"`
	Password          string        `yaml:"password" json:"password"`
	ClientIDPrefix    string        `yaml:"client_id_prefix" json:"client_id_prefix"`
	CleanSession      bool          `yaml:"clean_session" json:"clean_session"`
	ReconnectInterval Duration      `yaml:"reconnect_interval" json:"reconnect_interval"`
	ConnectTimeout    Duration      `yaml:"connect_timeout" json:"connect_timeout"`
	StatusTopic       string        `yaml:"status_topic" json:"status_topic"`
	InboundQueueSize  int           `yaml:"inbound_queue_size" json:"inbound_queue_size"`
}

// TransportConfig holds the settings for the WebSocket listener.
type TransportConfig struct {
	Addr           string        `yaml:"addr" json:"addr"`
	AllowedOrigins []string      `yaml:"allowed_origins" json:"allowed_origins"`
	PingInterval   Duration      `yaml:"ping_interval" json:"ping_interval"`
	WriteTimeout   Duration      `yaml:"write_timeout" json:"write_timeout"`
	MaxMessageSize int64         `yaml:"max_message_size" json:"max_message_size"`
	SendQueueSize  int           `yaml:"send_queue_size" json:"send_queue_size"`
}

// StoreConfig holds the settings for the device state store. Both
// durations default to zero, which keeps records for the process
// lifetime exactly like the original relay.
type StoreConfig struct {
	DeviceExpiry    Duration `yaml:"device_expiry" json:"device_expiry"`
	CleanupInterval Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// PostgresConfig holds the settings for the PostgreSQL hook sink.
type PostgresConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	Database string `yaml:"database" json:"database"`
	SSLMode  string `yaml:"ssl_mode" json:"ssl_mode"`
}

// KafkaConfig holds the settings for the Kafka hook sink.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers" json:"brokers"`
	Topic        string        `yaml:"topic" json:"topic"`
	WriteTimeout Duration `yaml:"write_timeout" json:"write_timeout"`
}

// HooksConfig selects and configures the persistence hook sink fed by
// classified inbound events.
type HooksConfig struct {
	// Sink is one of "log", "postgres" or "kafka".
	Sink     string         `yaml:"sink" json:"sink"`
	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka" json:"kafka"`
}

// Config holds the complete relay configuration.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker" json:"broker"`
	Transport TransportConfig `yaml:"transport" json:"transport"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	Hooks     HooksConfig     `yaml:"hooks" json:"hooks"`

	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
	AdminAddr   string `yaml:"admin_addr" json:"admin_addr"`
}

// DefaultConfig returns a configuration matching the relay's deployed
// defaults: a local broker, a five second reconnect period and a thirty
// second connect timeout.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			Host:              "localhost",
			Port:              1883,
			ClientIDPrefix:    "digital-twin",
			CleanSession:      true,
			ReconnectInterval: Duration(5 * time.Second),
			ConnectTimeout:    Duration(30 * time.Second),
			StatusTopic:       "digital-twin/status",
			InboundQueueSize:  1024,
		},
		Transport: TransportConfig{
			Addr:           ":8090",
			PingInterval:   Duration(30 * time.Second),
			WriteTimeout:   Duration(10 * time.Second),
			MaxMessageSize: 1 << 20,
			SendQueueSize:  256,
		},
		Hooks: HooksConfig{
			Sink: "log",
			Postgres: PostgresConfig{
				Host:    "localhost",
				Port:    5432,
				SSLMode: "disable",
			},
			Kafka: KafkaConfig{
				Topic:        "twinrelay-events",
				WriteTimeout: Duration(10 * time.Second),
			},
		},
		MetricsAddr: ":8082",
		AdminAddr:   ":8083",
	}
}

// LoadConfig loads configuration from a file. An empty path returns the
// default configuration.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		log.Println("[INFO] No config file specified, using default configuration")
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	config := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	log.Printf("[INFO] Loaded configuration from %s", configPath)
	return config, nil
}

// ApplyEnv overlays broker connection settings from the environment.
// The variable names match the ones the dashboard deployment already
// exports for the relay.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("MQTT_HOST"); v != "" {
		c.Broker.Host = v
	}
	if v := os.Getenv("MQTT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("[WARN] Ignoring invalid MQTT_PORT %q: %v", v, err)
		} else {
			c.Broker.Port = port
		}
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.Broker.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.Broker.Password = v
	}
}

// Validate checks the configuration for values the relay cannot run with.
func (c *Config) Validate() error {
	if c.Broker.Host == "" {
		return fmt.Errorf("broker host must not be empty")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker port %d out of range", c.Broker.Port)
	}
	if c.Broker.StatusTopic == "" {
		return fmt.Errorf("broker status topic must not be empty")
	}
	if c.Broker.InboundQueueSize <= 0 {
		return fmt.Errorf("inbound queue size must be positive")
	}
	if c.Transport.SendQueueSize <= 0 {
		return fmt.Errorf("send queue size must be positive")
	}
	switch c.Hooks.Sink {
	case "", "log", "postgres", "kafka":
	default:
		return fmt.Errorf("unknown hook sink %q (supported: log, postgres, kafka)", c.Hooks.Sink)
	}
	return nil
}
