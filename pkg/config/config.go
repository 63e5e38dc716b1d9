// Package config provides configuration handling for flowqueue.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents the application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server"`

	// Queue configuration
	Queue QueueConfig `json:"queue"`

	// Redis configuration, used when the queue type is redis
	Redis RedisConfig `json:"redis"`

	// Handlers configuration
	Handlers HandlersConfig `json:"handlers"`

	// Webhooks configuration
	Webhooks WebhooksConfig `json:"webhooks"`

	// Storage configuration
	Storage StorageConfig `json:"storage"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Host to bind to
	Host string `json:"host"`

	// Port to listen on
	Port int `json:"port"`

	// TLS configuration
	TLS TLSConfig `json:"tls"`
}

// TLSConfig contains TLS settings
type TLSConfig struct {
	// Enabled indicates whether TLS is enabled
	Enabled bool `json:"enabled"`

	// CertFile is the path to the certificate file
	CertFile string `json:"cert_file"`

	// KeyFile is the path to the key file
	KeyFile string `json:"key_file"`
}

// QueueConfig contains queue substrate settings
type QueueConfig struct {
	// Type of substrate to use
	Type string `json:"type"` // "memory", "redis"

	// Queues is the allow-list of queue names workers and the event
	// processor attach to
	Queues []string `json:"queues"`

	// Concurrency is the number of worker goroutines per queue
	Concurrency int `json:"concurrency"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	// Addr is the host:port of the Redis server
	Addr string `json:"addr"`

	// Password for the Redis server, if any
	Password string `json:"password"`

	// DB is the Redis database number
	DB int `json:"db"`
}

// HandlersConfig contains handler discovery settings
type HandlersConfig struct {
	// Directories are scanned for handler script files
	Directories []string `json:"directories"`

	// PluginsDirectory is scanned for plugin packages
	PluginsDirectory string `json:"plugins_directory"`

	// Watch enables hot reloading of handler directories
	Watch bool `json:"watch"`

	// DebounceMS is the hot-reload debounce window in milliseconds
	DebounceMS int `json:"debounce_ms"`
}

// WebhooksConfig contains webhook delivery settings
type WebhooksConfig struct {
	// DeliveryQueue is the dedicated queue delivery tasks run on
	DeliveryQueue string `json:"delivery_queue"`

	// Attempts bounds queue-level redelivery of a failed delivery task
	Attempts int `json:"attempts"`

	// BackoffSeconds is the delay between queue-level redeliveries
	BackoffSeconds int `json:"backoff_seconds"`

	// TimeoutSeconds bounds each outbound POST
	TimeoutSeconds int `json:"timeout_seconds"`

	// Retries is the number of immediate in-process retries per task
	Retries int `json:"retries"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	// Type of storage to use
	Type string `json:"type"` // "memory", "postgres"

	// Postgres configuration
	Postgres PostgresConfig `json:"postgres"`
}

// PostgresConfig contains PostgreSQL settings
type PostgresConfig struct {
	// Host is the database host
	Host string `json:"host"`

	// Port is the database port
	Port int `json:"port"`

	// Database is the database name
	Database string `json:"database"`

	// User is the database user
	User string `json:"user"`

	// Password is the database password
	Password string `json:"password"`

	// SSLMode is the SSL mode
	SSLMode string `json:"ssl_mode"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	// Level is the logging level
	Level string `json:"level"` // "debug", "info", "warn", "error"

	// Format is the log format
	Format string `json:"format"` // "json", "text"
}

// LoadConfig loads the configuration from a file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
			TLS: TLSConfig{
				Enabled: false,
			},
		},
		Queue: QueueConfig{
			Type:        "memory",
			Queues:      []string{"default"},
			Concurrency: 4,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Handlers: HandlersConfig{
			Directories:      []string{"./handlers"},
			PluginsDirectory: "./plugins",
			Watch:            true,
			DebounceMS:       300,
		},
		Webhooks: WebhooksConfig{
			DeliveryQueue:  "webhook-delivery",
			Attempts:       3,
			BackoffSeconds: 30,
			TimeoutSeconds: 10,
			Retries:        2,
		},
		Storage: StorageConfig{
			Type: "memory",
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "flowqueue",
				User:     "flowqueue",
				SSLMode:  "disable",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// SaveConfig saves the configuration to a file
func SaveConfig(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
