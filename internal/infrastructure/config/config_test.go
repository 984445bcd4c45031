package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
site:
  id: "test-site"
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
api:
  host: "0.0.0.0"
  port: 8090
ble:
  adapter: "h4"
  serial_port: "/dev/ttyACM0"
  baud_rate: 115200
  active: true
  settle_delay_ms: 250
  config_path: "/etc/graylogic/locks"
  filter:
    name_prefixes: ["Nuki_"]
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}
	if cfg.MQTT.Broker.Host != "localhost" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "localhost")
	}
	if cfg.BLE.Adapter != AdapterH4 || cfg.BLE.SerialPort != "/dev/ttyACM0" || cfg.BLE.BaudRate != 115200 {
		t.Errorf("BLE = %+v", cfg.BLE)
	}
	if !cfg.BLE.Active {
		t.Error("BLE.Active = false, want true")
	}
	if got := cfg.BLE.SettleDelay(); got != 250*time.Millisecond {
		t.Errorf("SettleDelay() = %v, want 250ms", got)
	}
	if cfg.BLE.ConfigPath != "/etc/graylogic/locks" {
		t.Errorf("BLE.ConfigPath = %q", cfg.BLE.ConfigPath)
	}
	// Defaults survive where the file is silent.
	if len(cfg.BLE.Filter.BeaconUUIDs) != 1 || cfg.BLE.Filter.BeaconUUIDs[0] != DefaultLockBeaconUUID {
		t.Errorf("BLE.Filter.BeaconUUIDs = %v", cfg.BLE.Filter.BeaconUUIDs)
	}
	if !cfg.BLE.AutoStart {
		t.Error("BLE.AutoStart default lost")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
site:
  id: ""
database:
  path: "/tmp/test.db"
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Error("Load() expected validation error for empty site.id, got nil")
	}
}

func TestDefault(t *testing.T) {
	t.Setenv("GRAYLOGIC_BLE_ADAPTER", AdapterSimulate)

	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if cfg.BLE.Adapter != AdapterSimulate {
		t.Errorf("BLE.Adapter = %q, want simulate", cfg.BLE.Adapter)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config { return defaultConfig() }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(*Config) {}, false},
		{"missing site ID", func(c *Config) { c.Site.ID = "" }, true},
		{"missing database path", func(c *Config) { c.Database.Path = "" }, true},
		{"invalid QoS", func(c *Config) { c.MQTT.QoS = 3 }, true},
		{"invalid port low", func(c *Config) { c.API.Port = 0 }, true},
		{"invalid port high", func(c *Config) { c.API.Port = 70000 }, true},
		{"port ignored when api disabled", func(c *Config) { c.API.Enabled = false; c.API.Port = 0 }, false},
		{"short jwt secret", func(c *Config) { c.API.Auth.JWTSecret = "short" }, true},
		{"jwt secret", func(c *Config) { c.API.Auth.JWTSecret = "0123456789abcdef0123456789abcdef" }, false},
		{"influxdb without url", func(c *Config) { c.InfluxDB.Enabled = true }, true},
		{"influxdb measurements collide", func(c *Config) {
			c.InfluxDB.Enabled = true
			c.InfluxDB.URL = "http://localhost:8086"
			c.InfluxDB.Measurements.Scanner = c.InfluxDB.Measurements.Sighting
		}, true},
		{"unknown adapter", func(c *Config) { c.BLE.Adapter = "usb" }, true},
		{"h4 without port", func(c *Config) { c.BLE.Adapter = AdapterH4 }, true},
		{"h4 with port", func(c *Config) { c.BLE.Adapter = AdapterH4; c.BLE.SerialPort = "/dev/ttyS0" }, false},
		{"h4 zero baud", func(c *Config) { c.BLE.Adapter = AdapterH4; c.BLE.SerialPort = "/dev/ttyS0"; c.BLE.BaudRate = 0 }, true},
		{"negative device id", func(c *Config) { c.BLE.DeviceID = -1 }, true},
		{"negative settle delay", func(c *Config) { c.BLE.SettleDelayMS = -5 }, true},
		{"negative ready timeout", func(c *Config) { c.BLE.ReadyTimeout = -1 }, true},
		{"bad beacon uuid", func(c *Config) { c.BLE.Filter.BeaconUUIDs = []string{"nope"} }, true},
		{"empty filter", func(c *Config) { c.BLE.Filter.BeaconUUIDs = nil }, true},
		{"name prefix only", func(c *Config) {
			c.BLE.Filter.BeaconUUIDs = nil
			c.BLE.Filter.NamePrefixes = []string{"Nuki_"}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
		BLE: BLEConfig{ReadyTimeout: 7, HealthInterval: 15},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
	if got := cfg.BLE.ReadyTimeoutDuration(); got != 7*time.Second {
		t.Errorf("ReadyTimeoutDuration() = %v, want 7s", got)
	}
	if got := cfg.BLE.HealthIntervalDuration(); got != 15*time.Second {
		t.Errorf("HealthIntervalDuration() = %v, want 15s", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("GRAYLOGIC_DATABASE_PATH", "/custom/path.db")
	t.Setenv("GRAYLOGIC_MQTT_HOST", "mqtt.example.com")
	t.Setenv("GRAYLOGIC_MQTT_USERNAME", "testuser")
	t.Setenv("GRAYLOGIC_MQTT_PASSWORD", "testpass")
	t.Setenv("GRAYLOGIC_API_HOST", "192.168.1.1")
	t.Setenv("GRAYLOGIC_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("GRAYLOGIC_JWT_SECRET", "jwt-secret")
	t.Setenv("GRAYLOGIC_BLE_ADAPTER", "h4")
	t.Setenv("GRAYLOGIC_BLE_SERIAL_PORT", "/dev/ttyAMA0")
	t.Setenv("GRAYLOGIC_BLE_DEVICE_ID", "2")

	applyEnvOverrides(cfg)

	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}
	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "mqtt.example.com")
	}
	if cfg.MQTT.Auth.Username != "testuser" {
		t.Errorf("MQTT.Auth.Username = %q, want %q", cfg.MQTT.Auth.Username, "testuser")
	}
	if cfg.MQTT.Auth.Password != "testpass" {
		t.Errorf("MQTT.Auth.Password = %q, want %q", cfg.MQTT.Auth.Password, "testpass")
	}
	if cfg.API.Host != "192.168.1.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "192.168.1.1")
	}
	if cfg.API.Auth.JWTSecret != "jwt-secret" {
		t.Errorf("API.Auth.JWTSecret = %q, want %q", cfg.API.Auth.JWTSecret, "jwt-secret")
	}
	if cfg.InfluxDB.Token != "secret-token" {
		t.Errorf("InfluxDB.Token = %q, want %q", cfg.InfluxDB.Token, "secret-token")
	}
	if cfg.BLE.Adapter != "h4" || cfg.BLE.SerialPort != "/dev/ttyAMA0" || cfg.BLE.DeviceID != 2 {
		t.Errorf("BLE overrides not applied: %+v", cfg.BLE)
	}
}

func TestApplyEnvOverrides_BadDeviceID(t *testing.T) {
	cfg := defaultConfig()
	t.Setenv("GRAYLOGIC_BLE_DEVICE_ID", "hci1")

	applyEnvOverrides(cfg)

	if cfg.BLE.DeviceID != 0 {
		t.Errorf("BLE.DeviceID = %d, want default kept", cfg.BLE.DeviceID)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Site.ID == "" {
		t.Error("defaultConfig should have non-empty Site.ID")
	}
	if cfg.Database.Path == "" {
		t.Error("defaultConfig should have non-empty Database.Path")
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.API.Port != 8090 {
		t.Errorf("defaultConfig API.Port = %d, want 8090", cfg.API.Port)
	}
	if cfg.BLE.Adapter != AdapterHCI {
		t.Errorf("defaultConfig BLE.Adapter = %q, want hci", cfg.BLE.Adapter)
	}
	if cfg.BLE.SettleDelayMS != 500 {
		t.Errorf("defaultConfig BLE.SettleDelayMS = %d, want 500", cfg.BLE.SettleDelayMS)
	}
	if cfg.BLE.ConfigPath != "./config/" {
		t.Errorf("defaultConfig BLE.ConfigPath = %q, want ./config/", cfg.BLE.ConfigPath)
	}
}

// TestLoad_SampleConfig keeps configs/config.yaml loadable and in step with the defaults.
func TestLoad_SampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "..", "configs", "config.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	def := defaultConfig()
	if cfg.BLE.Adapter != def.BLE.Adapter {
		t.Errorf("BLE.Adapter = %q, want %q", cfg.BLE.Adapter, def.BLE.Adapter)
	}
	if cfg.API.Port != def.API.Port {
		t.Errorf("API.Port = %d, want %d", cfg.API.Port, def.API.Port)
	}
	if len(cfg.BLE.Filter.BeaconUUIDs) != 1 || cfg.BLE.Filter.BeaconUUIDs[0] != DefaultLockBeaconUUID {
		t.Errorf("BLE.Filter.BeaconUUIDs = %v", cfg.BLE.Filter.BeaconUUIDs)
	}
}
