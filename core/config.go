package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the telemetry fabric.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithDeviceID("device-temperature_sensor-000"),
//	    WithBrokerHost("mosquitto"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	Broker      BrokerConfig      `yaml:"broker"`
	Device      DeviceConfig      `yaml:"device"`
	Host        HostConfig        `yaml:"host"`
	Stream      StreamConfig      `yaml:"stream"`
	Integration IntegrationConfig `yaml:"integration"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// BrokerConfig contains MQTT broker connection settings shared by every
// process in the fabric (devices, host stack, bridge, integration server).
type BrokerConfig struct {
	Host               string        `yaml:"host" env:"MQTT_BROKER_HOST" default:"mosquitto"`
	Port               int           `yaml:"port" env:"MQTT_BROKER_PORT" default:"8883"`
	Username           string        `yaml:"username" env:"MQTT_USERNAME"`
	Password           string        `yaml:"password" env:"MQTT_PASSWORD"`
	ClientID           string        `yaml:"client_id" env:"MQTT_CLIENT_ID"`
	UseTLS             bool          `yaml:"use_tls" env:"MQTT_USE_TLS" default:"true"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify" env:"MQTT_TLS_INSECURE" default:"false"`
	KeepAlive          time.Duration `yaml:"keep_alive" env:"MQTT_KEEP_ALIVE" default:"60s"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout" env:"MQTT_CONNECT_TIMEOUT" default:"10s"`
	ReconnectCeiling   time.Duration `yaml:"reconnect_ceiling" env:"MQTT_RECONNECT_CEILING" default:"30s"`
	ConnectRetries     int           `yaml:"connect_retries" env:"MQTT_CONNECT_RETRIES" default:"5"`
	InflightWindow     int           `yaml:"inflight_window" env:"MQTT_INFLIGHT_WINDOW" default:"100"`
	QueuedWindow       int           `yaml:"queued_window" env:"MQTT_QUEUED_WINDOW" default:"1000"`
	DispatchWorkers    int           `yaml:"dispatch_workers" env:"MQTT_DISPATCH_WORKERS" default:"4"`
}

// DeviceConfig contains device-side identity and emission settings.
type DeviceConfig struct {
	ID                string        `yaml:"id" env:"DEVICE_ID"`
	Type              string        `yaml:"type" env:"DEVICE_TYPE" default:"temperature_sensor"`
	GroupID           string        `yaml:"group_id" env:"GROUP_ID" default:"IIoT"`
	Namespace         string        `yaml:"namespace" env:"SPARKPLUG_NAMESPACE" default:"spBv1.0"`
	MgmtPrefix        string        `yaml:"mgmt_prefix" env:"MGMT_PREFIX" default:"lwm2m"`
	TelemetryInterval time.Duration `yaml:"telemetry_interval" env:"TELEMETRY_INTERVAL" default:"100ms"`
	MgmtInterval      time.Duration `yaml:"mgmt_interval" env:"MGMT_INTERVAL" default:"5s"`
	LifetimeSeconds   int           `yaml:"lifetime_s" env:"MGMT_LIFETIME_S" default:"3600"`
	BulkMode          bool          `yaml:"bulk_mode" env:"MGMT_BULK_MODE" default:"false"`
	BulkSize          int           `yaml:"bulk_size" env:"MGMT_BULK_SIZE" default:"10"`
	BulkInterval      time.Duration `yaml:"bulk_interval" env:"MGMT_BULK_INTERVAL" default:"50ms"`
	Count             int           `yaml:"count" env:"DEVICE_COUNT" default:"1"`
}

// HostConfig contains host-side processing settings.
type HostConfig struct {
	StaleAfter       time.Duration `yaml:"telemetry_stale_after" env:"TELEMETRY_STALE_AFTER" default:"30s"`
	StaleMultiplier  int           `yaml:"stale_multiplier" env:"TELEMETRY_STALE_MULTIPLIER" default:"3"`
	SweepInterval    time.Duration `yaml:"sweep_interval" env:"HOST_SWEEP_INTERVAL" default:"1s"`
	CommandTimeout   time.Duration `yaml:"command_timeout" env:"COMMAND_TIMEOUT" default:"5s"`
	EventQueueSize   int           `yaml:"event_queue_size" env:"EVENT_QUEUE_SIZE" default:"10000"`
	HTTPListenAddr   string        `yaml:"http_listen_addr" env:"HOST_HTTP_ADDR" default:":8081"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace" env:"SHUTDOWN_GRACE" default:"5s"`
}

// StreamConfig contains durable-stream producer settings. The default
// producer writes Redis Streams; stream topics map one-to-one to keys.
type StreamConfig struct {
	RedisAddr     string            `yaml:"redis_addr" env:"STREAM_REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string            `yaml:"redis_password" env:"STREAM_REDIS_PASSWORD"`
	MaxLen        int64             `yaml:"max_len" env:"STREAM_MAX_LEN" default:"100000"`
	TopicOverride map[string]string `yaml:"topic_override"`
}

// IntegrationConfig contains integration-broker settings.
// StrictParams controls SetDeviceParameters behavior: when true, a single
// non-writable key rejects the whole request; when false, writable keys are
// applied and the rest reported as rejected.
type IntegrationConfig struct {
	DescriptionPath string `yaml:"description_path" env:"DESCRIPTION_PATH" default:"device-profiles/smart-breaker.xml"`
	StrictParams    bool   `yaml:"strict_params" env:"INTEGRATION_STRICT_PARAMS" default:"false"`
	HTTPListenAddr  string `yaml:"http_listen_addr" env:"INTEGRATION_HTTP_ADDR" default:":8084"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" default:"json"`
}

// Option is a functional option for configuring the fabric.
// Options are applied in order and can return an error if the
// configuration is invalid.
type Option func(*Config) error

// DefaultConfig returns a configuration with sensible defaults.
// These defaults can be overridden using functional options or
// environment variables.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			Host:             "mosquitto",
			Port:             8883,
			UseTLS:           true,
			KeepAlive:        60 * time.Second,
			ConnectTimeout:   10 * time.Second,
			ReconnectCeiling: 30 * time.Second,
			ConnectRetries:   5,
			InflightWindow:   100,
			QueuedWindow:     1000,
			DispatchWorkers:  4,
		},
		Device: DeviceConfig{
			Type:              "temperature_sensor",
			GroupID:           "IIoT",
			Namespace:         "spBv1.0",
			MgmtPrefix:        "lwm2m",
			TelemetryInterval: 100 * time.Millisecond,
			MgmtInterval:      5 * time.Second,
			LifetimeSeconds:   3600,
			BulkSize:          10,
			BulkInterval:      50 * time.Millisecond,
			Count:             1,
		},
		Host: HostConfig{
			StaleAfter:     30 * time.Second,
			StaleMultiplier: 3,
			SweepInterval:  time.Second,
			CommandTimeout: 5 * time.Second,
			EventQueueSize: 10000,
			HTTPListenAddr: ":8081",
			ShutdownGrace:  5 * time.Second,
		},
		Stream: StreamConfig{
			RedisAddr: "localhost:6379",
			MaxLen:    100000,
		},
		Integration: IntegrationConfig{
			DescriptionPath: "device-profiles/smart-breaker.xml",
			HTTPListenAddr:  ":8084",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// NewConfig builds a configuration from defaults, environment variables,
// and functional options, in that priority order.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the configuration.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("MQTT_BROKER_HOST"); v != "" {
		c.Broker.Host = v
	}
	if v := os.Getenv("MQTT_BROKER_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MQTT_BROKER_PORT: %w", ErrInvalidConfiguration)
		}
		c.Broker.Port = p
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.Broker.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.Broker.Password = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		c.Broker.ClientID = v
	}
	if v := os.Getenv("MQTT_USE_TLS"); v != "" {
		c.Broker.UseTLS = parseBool(v)
	}
	if v := os.Getenv("MQTT_TLS_INSECURE"); v != "" {
		c.Broker.InsecureSkipVerify = parseBool(v)
	}
	if v := os.Getenv("MQTT_RECONNECT_CEILING"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Broker.ReconnectCeiling = d
		}
	}
	if v := os.Getenv("MQTT_CONNECT_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Broker.ConnectRetries = n
		}
	}
	if v := os.Getenv("MQTT_INFLIGHT_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Broker.InflightWindow = n
		}
	}
	if v := os.Getenv("MQTT_QUEUED_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Broker.QueuedWindow = n
		}
	}
	if v := os.Getenv("MQTT_DISPATCH_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Broker.DispatchWorkers = n
		}
	}

	if v := os.Getenv("DEVICE_ID"); v != "" {
		c.Device.ID = v
	}
	if v := os.Getenv("DEVICE_TYPE"); v != "" {
		c.Device.Type = v
	}
	if v := os.Getenv("GROUP_ID"); v != "" {
		c.Device.GroupID = v
	}
	if v := os.Getenv("SPARKPLUG_NAMESPACE"); v != "" {
		c.Device.Namespace = v
	}
	if v := os.Getenv("MGMT_PREFIX"); v != "" {
		c.Device.MgmtPrefix = v
	}
	if v := os.Getenv("TELEMETRY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Device.TelemetryInterval = d
		}
	}
	if v := os.Getenv("MGMT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Device.MgmtInterval = d
		}
	}
	if v := os.Getenv("MGMT_LIFETIME_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device.LifetimeSeconds = n
		}
	}
	if v := os.Getenv("MGMT_BULK_MODE"); v != "" {
		c.Device.BulkMode = parseBool(v)
	}
	if v := os.Getenv("MGMT_BULK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device.BulkSize = n
		}
	}
	if v := os.Getenv("MGMT_BULK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Device.BulkInterval = d
		}
	}
	if v := os.Getenv("DEVICE_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device.Count = n
		}
	}

	if v := os.Getenv("TELEMETRY_STALE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Host.StaleAfter = d
		}
	}
	if v := os.Getenv("COMMAND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Host.CommandTimeout = d
		}
	}
	if v := os.Getenv("EVENT_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Host.EventQueueSize = n
		}
	}
	if v := os.Getenv("HOST_HTTP_ADDR"); v != "" {
		c.Host.HTTPListenAddr = v
	}

	if v := os.Getenv("STREAM_REDIS_ADDR"); v != "" {
		c.Stream.RedisAddr = v
	}
	if v := os.Getenv("STREAM_REDIS_PASSWORD"); v != "" {
		c.Stream.RedisPassword = v
	}

	if v := os.Getenv("DESCRIPTION_PATH"); v != "" {
		c.Integration.DescriptionPath = v
	}
	if v := os.Getenv("INTEGRATION_STRICT_PARAMS"); v != "" {
		c.Integration.StrictParams = parseBool(v)
	}
	if v := os.Getenv("INTEGRATION_HTTP_ADDR"); v != "" {
		c.Integration.HTTPListenAddr = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	return nil
}

// LoadFromFile merges configuration from a YAML file. File values are
// applied before environment overrides, so callers should invoke this
// before LoadFromEnv when both are used.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, ErrInvalidConfiguration)
	}
	return nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Broker.Host == "" {
		return fmt.Errorf("broker host: %w", ErrMissingConfiguration)
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker port %d: %w", c.Broker.Port, ErrInvalidConfiguration)
	}
	if c.Broker.InflightWindow <= 0 || c.Broker.QueuedWindow <= 0 {
		return fmt.Errorf("publish windows must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Device.TelemetryInterval <= 0 || c.Device.MgmtInterval <= 0 {
		return fmt.Errorf("emission intervals must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Device.BulkSize <= 0 || c.Device.BulkInterval <= 0 {
		return fmt.Errorf("bulk settings must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Host.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive: %w", ErrInvalidConfiguration)
	}
	return nil
}

// WithBrokerHost sets the MQTT broker host
func WithBrokerHost(host string) Option {
	return func(c *Config) error {
		if host == "" {
			return fmt.Errorf("broker host cannot be empty")
		}
		c.Broker.Host = host
		return nil
	}
}

// WithBrokerPort sets the MQTT broker port
func WithBrokerPort(port int) Option {
	return func(c *Config) error {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid broker port %d", port)
		}
		c.Broker.Port = port
		return nil
	}
}

// WithCredentials sets broker username and password
func WithCredentials(username, password string) Option {
	return func(c *Config) error {
		c.Broker.Username = username
		c.Broker.Password = password
		return nil
	}
}

// WithTLS toggles TLS and certificate verification
func WithTLS(enabled, insecureSkipVerify bool) Option {
	return func(c *Config) error {
		c.Broker.UseTLS = enabled
		c.Broker.InsecureSkipVerify = insecureSkipVerify
		return nil
	}
}

// WithDeviceID sets the device identity
func WithDeviceID(id string) Option {
	return func(c *Config) error {
		if id == "" {
			return fmt.Errorf("device id cannot be empty")
		}
		c.Device.ID = id
		return nil
	}
}

// WithDeviceType sets the device type, which selects the telemetry schema
func WithDeviceType(t string) Option {
	return func(c *Config) error {
		c.Device.Type = t
		return nil
	}
}

// WithTelemetryInterval sets the telemetry emission interval
func WithTelemetryInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("telemetry interval must be positive")
		}
		c.Device.TelemetryInterval = d
		return nil
	}
}

// WithBulkMode enables bulk batching on the MGMT path
func WithBulkMode(size int, interval time.Duration) Option {
	return func(c *Config) error {
		if size <= 0 || interval <= 0 {
			return fmt.Errorf("bulk size and interval must be positive")
		}
		c.Device.BulkMode = true
		c.Device.BulkSize = size
		c.Device.BulkInterval = interval
		return nil
	}
}

// WithStrictParams sets the integration strict-parameter policy
func WithStrictParams(strict bool) Option {
	return func(c *Config) error {
		c.Integration.StrictParams = strict
		return nil
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
