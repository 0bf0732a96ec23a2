package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Broker.Host != "mosquitto" {
		t.Errorf("expected broker host mosquitto, got %s", cfg.Broker.Host)
	}
	if cfg.Broker.Port != 8883 {
		t.Errorf("expected broker port 8883, got %d", cfg.Broker.Port)
	}
	if !cfg.Broker.UseTLS {
		t.Error("expected TLS enabled by default")
	}
	if cfg.Broker.InflightWindow != 100 || cfg.Broker.QueuedWindow != 1000 {
		t.Errorf("unexpected publish windows: %d/%d", cfg.Broker.InflightWindow, cfg.Broker.QueuedWindow)
	}
	if cfg.Device.Namespace != "spBv1.0" {
		t.Errorf("expected namespace spBv1.0, got %s", cfg.Device.Namespace)
	}
	if cfg.Device.BulkSize != 10 || cfg.Device.BulkInterval != 50*time.Millisecond {
		t.Errorf("unexpected bulk defaults: %d/%v", cfg.Device.BulkSize, cfg.Device.BulkInterval)
	}
	if cfg.Host.CommandTimeout != 5*time.Second {
		t.Errorf("expected 5s command timeout, got %v", cfg.Host.CommandTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("MQTT_BROKER_HOST", "broker.example.com")
	os.Setenv("MQTT_BROKER_PORT", "1883")
	os.Setenv("MQTT_USE_TLS", "false")
	os.Setenv("DEVICE_ID", "device-pump-003")
	os.Setenv("TELEMETRY_INTERVAL", "250ms")
	os.Setenv("MGMT_BULK_MODE", "true")
	defer func() {
		os.Unsetenv("MQTT_BROKER_HOST")
		os.Unsetenv("MQTT_BROKER_PORT")
		os.Unsetenv("MQTT_USE_TLS")
		os.Unsetenv("DEVICE_ID")
		os.Unsetenv("TELEMETRY_INTERVAL")
		os.Unsetenv("MGMT_BULK_MODE")
	}()

	cfg := DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}

	if cfg.Broker.Host != "broker.example.com" {
		t.Errorf("env broker host not applied: %s", cfg.Broker.Host)
	}
	if cfg.Broker.Port != 1883 {
		t.Errorf("env broker port not applied: %d", cfg.Broker.Port)
	}
	if cfg.Broker.UseTLS {
		t.Error("env TLS disable not applied")
	}
	if cfg.Device.ID != "device-pump-003" {
		t.Errorf("env device id not applied: %s", cfg.Device.ID)
	}
	if cfg.Device.TelemetryInterval != 250*time.Millisecond {
		t.Errorf("env telemetry interval not applied: %v", cfg.Device.TelemetryInterval)
	}
	if !cfg.Device.BulkMode {
		t.Error("env bulk mode not applied")
	}
}

func TestOptionsOverrideEnv(t *testing.T) {
	os.Setenv("MQTT_BROKER_HOST", "from-env")
	defer os.Unsetenv("MQTT_BROKER_HOST")

	cfg, err := NewConfig(
		WithBrokerHost("from-option"),
		WithDeviceID("device-temperature_sensor-000"),
	)
	if err != nil {
		t.Fatalf("NewConfig failed: %v", err)
	}
	if cfg.Broker.Host != "from-option" {
		t.Errorf("option should override env, got %s", cfg.Broker.Host)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
broker:
  host: yaml-broker
  port: 1884
device:
  type: smart_breaker
  bulk_mode: true
integration:
  strict_params: true
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	if err := cfg.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Broker.Host != "yaml-broker" || cfg.Broker.Port != 1884 {
		t.Errorf("yaml broker values not applied: %s:%d", cfg.Broker.Host, cfg.Broker.Port)
	}
	if cfg.Device.Type != "smart_breaker" {
		t.Errorf("yaml device type not applied: %s", cfg.Device.Type)
	}
	if !cfg.Integration.StrictParams {
		t.Error("yaml strict_params not applied")
	}
	// untouched sections keep defaults
	if cfg.Host.CommandTimeout != 5*time.Second {
		t.Errorf("yaml merge clobbered defaults: %v", cfg.Host.CommandTimeout)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty host", func(c *Config) { c.Broker.Host = "" }},
		{"bad port", func(c *Config) { c.Broker.Port = 70000 }},
		{"zero inflight", func(c *Config) { c.Broker.InflightWindow = 0 }},
		{"zero interval", func(c *Config) { c.Device.TelemetryInterval = 0 }},
		{"zero bulk size", func(c *Config) { c.Device.BulkSize = 0 }},
		{"zero command timeout", func(c *Config) { c.Host.CommandTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			} else if !IsConfigurationError(err) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestWithBulkMode(t *testing.T) {
	cfg, err := NewConfig(WithBulkMode(25, 100*time.Millisecond))
	if err != nil {
		t.Fatalf("NewConfig failed: %v", err)
	}
	if !cfg.Device.BulkMode || cfg.Device.BulkSize != 25 {
		t.Errorf("bulk option not applied: %+v", cfg.Device)
	}

	if _, err := NewConfig(WithBulkMode(0, time.Second)); err == nil {
		t.Error("expected error for zero bulk size")
	}
}
