package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	StationID string          `yaml:"station_id"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Messaging MessagingConfig `yaml:"messaging"`
	Web       WebConfig       `yaml:"web"`
	Rental    RentalConfig    `yaml:"rental"`
}

type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // "sqlite" or "postgres"
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MessagingConfig struct {
	Backend             string        `yaml:"backend" json:"backend"` // "mqtt" or "kafka"
	TopicPrefix         string        `yaml:"topic_prefix" json:"topic_prefix"`
	CommandFormat       string        `yaml:"command_format" json:"command_format"` // "text" (OPEN/CLOSE) or "json"
	MQTT                MQTTConfig    `yaml:"mqtt" json:"mqtt"`
	Kafka               KafkaConfig   `yaml:"kafka" json:"kafka"`
	OutboxDrainInterval time.Duration `yaml:"outbox_drain_interval" json:"outbox_drain_interval"`
	OutboxBatchSize     int           `yaml:"outbox_batch_size" json:"outbox_batch_size"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker" json:"broker"`
	ClientID string `yaml:"client_id" json:"client_id"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	QoS      byte   `yaml:"qos" json:"qos"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers"`
	GroupID string   `yaml:"group_id" json:"group_id"`
}

type WebConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	SessionSecret     string `yaml:"session_secret"`
	AdminUser         string `yaml:"admin_user"`
	AdminPasswordHash string `yaml:"admin_password_hash"` // bcrypt
}

type RentalConfig struct {
	UnlockTimeout       time.Duration `yaml:"unlock_timeout"`
	CommandRetries      int           `yaml:"command_retries"`
	BackoffBase         time.Duration `yaml:"backoff_base"`
	BackoffMax          time.Duration `yaml:"backoff_max"`
	ReleaseRetries      int           `yaml:"release_retries"`
	LowBatteryThreshold int           `yaml:"low_battery_threshold"`
	SubscriberBuffer    int           `yaml:"subscriber_buffer"`
	LaneBuffer          int           `yaml:"lane_buffer"`
}

func Defaults() *Config {
	return &Config{
		StationID: "station-1",
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{Path: "lockngo.db"},
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "lockngo",
				User:     "lockngo",
				SSLMode:  "disable",
			},
		},
		Redis: RedisConfig{Address: "localhost:6379"},
		Messaging: MessagingConfig{
			Backend:       "mqtt",
			TopicPrefix:   "lockngo",
			CommandFormat: "text",
			MQTT: MQTTConfig{
				Broker:   "tcp://localhost:1883",
				ClientID: "lockngo-core",
				QoS:      1,
			},
			Kafka: KafkaConfig{
				Brokers: []string{"localhost:9092"},
				GroupID: "lockngo-core",
			},
			OutboxDrainInterval: 2 * time.Second,
			OutboxBatchSize:     100,
		},
		Web: WebConfig{
			Host:      "0.0.0.0",
			Port:      8080,
			AdminUser: "admin",
		},
		Rental: RentalConfig{
			UnlockTimeout:       10 * time.Second,
			CommandRetries:      2,
			BackoffBase:         time.Second,
			BackoffMax:          8 * time.Second,
			ReleaseRetries:      2,
			LowBatteryThreshold: 10,
			SubscriberBuffer:    64,
			LaneBuffer:          32,
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	switch c.Messaging.Backend {
	case "mqtt", "kafka":
	default:
		return fmt.Errorf("config: unsupported messaging backend %q", c.Messaging.Backend)
	}
	switch c.Messaging.CommandFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: unsupported command format %q", c.Messaging.CommandFormat)
	}
	if c.Messaging.TopicPrefix == "" {
		return errors.New("config: messaging.topic_prefix is required")
	}
	if c.Rental.UnlockTimeout <= 0 {
		return errors.New("config: rental.unlock_timeout must be positive")
	}
	if c.Rental.CommandRetries < 0 || c.Rental.ReleaseRetries < 0 {
		return errors.New("config: retry budgets must not be negative")
	}
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("config: web.port %d out of range", c.Web.Port)
	}
	return nil
}

// Save writes the config back to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
