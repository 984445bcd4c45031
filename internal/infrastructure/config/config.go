package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Adapter backends.
const (
	AdapterHCI      = "hci"
	AdapterH4       = "h4"
	AdapterSimulate = "simulate"
)

// DefaultLockBeaconUUID is the proximity UUID smart locks advertise.
const DefaultLockBeaconUUID = "a92ee200-5501-11e4-916c-0800200c9a66"

// Config is the root configuration structure for the Gray Logic BLE service.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	BLE       BLEConfig       `yaml:"ble"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
	Auth     APIAuthConfig    `yaml:"auth"`
}

// APIAuthConfig contains bearer token settings for the control endpoints.
// An empty JWTSecret leaves the API open.
type APIAuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`

	Measurements InfluxMeasurements `yaml:"measurements"`
}

// InfluxMeasurements names the measurements the BLE service writes.
type InfluxMeasurements struct {
	Sighting string `yaml:"sighting"`
	Scanner  string `yaml:"scanner"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains file-based logging settings.
type FileLoggingConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// BLEConfig contains the radio and discovery settings.
type BLEConfig struct {
	// Adapter selects the backend: "hci", "h4" or "simulate".
	Adapter string `yaml:"adapter"`

	// DeviceID is the hciN index for the hci backend.
	DeviceID int `yaml:"device_id"`

	// SerialPort and BaudRate configure the h4 backend.
	SerialPort string `yaml:"serial_port"`
	BaudRate   int    `yaml:"baud_rate"`

	// Active starts scanning in active mode.
	Active bool `yaml:"active"`

	// AutoStart starts scanning as soon as the adapter is ready.
	AutoStart bool `yaml:"auto_start"`

	// ReadyTimeout is how long startup waits for the adapter (seconds).
	ReadyTimeout int `yaml:"ready_timeout"`

	// SettleDelayMS is the pause before resuming an interrupted scan.
	SettleDelayMS int `yaml:"settle_delay_ms"`

	// ConfigPath is the directory holding per-lock configuration files.
	ConfigPath string `yaml:"config_path"`

	// HealthInterval is how often bridge health is published (seconds).
	HealthInterval int `yaml:"health_interval"`

	// Debug enables per-advertisement trace logging.
	Debug bool `yaml:"debug"`

	Filter BLEFilterConfig `yaml:"filter"`
}

// BLEFilterConfig selects which advertisements are smart locks.
type BLEFilterConfig struct {
	BeaconUUIDs  []string `yaml:"beacon_uuids"`
	NamePrefixes []string `yaml:"name_prefixes"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_DATABASE_PATH, GRAYLOGIC_BLE_ADAPTER
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration with environment overrides
// applied. Used when no config file is given.
func Default() (*Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Gray Logic",
		},
		Database: DatabaseConfig{
			Path:        "./data/graylogic-ble.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-ble",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
			Measurements: InfluxMeasurements{
				Sighting: "ble_sighting",
				Scanner:  "ble_scanner",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			File: FileLoggingConfig{
				Path:       "./logs/graylogic-ble.log",
				MaxSize:    50,
				MaxBackups: 5,
				MaxAge:     30,
				Compress:   true,
			},
		},
		BLE: BLEConfig{
			Adapter:        AdapterHCI,
			DeviceID:       0,
			BaudRate:       1000000,
			AutoStart:      true,
			ReadyTimeout:   10,
			SettleDelayMS:  500,
			ConfigPath:     "./config/",
			HealthInterval: 30,
			Filter: BLEFilterConfig{
				BeaconUUIDs: []string{DefaultLockBeaconUUID},
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("GRAYLOGIC_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_JWT_SECRET"); v != "" {
		cfg.API.Auth.JWTSecret = v
	}

	// InfluxDB
	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// BLE
	if v := os.Getenv("GRAYLOGIC_BLE_ADAPTER"); v != "" {
		cfg.BLE.Adapter = v
	}
	if v := os.Getenv("GRAYLOGIC_BLE_SERIAL_PORT"); v != "" {
		cfg.BLE.SerialPort = v
	}
	if v := os.Getenv("GRAYLOGIC_BLE_DEVICE_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			cfg.BLE.DeviceID = id
		}
	}
}

// minJWTSecretLength is the shortest accepted HS256 signing secret.
const minJWTSecretLength = 32

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if s := c.API.Auth.JWTSecret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, fmt.Sprintf("api.auth.jwt_secret must be at least %d characters", minJWTSecretLength))
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}
	if m := c.InfluxDB.Measurements; c.InfluxDB.Enabled && m.Sighting != "" && m.Sighting == m.Scanner {
		errs = append(errs, "influxdb.measurements.sighting and scanner must differ")
	}

	errs = append(errs, c.BLE.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (b *BLEConfig) validate() []string {
	var errs []string

	switch b.Adapter {
	case AdapterHCI:
		if b.DeviceID < 0 {
			errs = append(errs, "ble.device_id must not be negative")
		}
	case AdapterH4:
		if b.SerialPort == "" {
			errs = append(errs, "ble.serial_port is required for the h4 adapter")
		}
		if b.BaudRate <= 0 {
			errs = append(errs, "ble.baud_rate must be positive")
		}
	case AdapterSimulate:
	default:
		errs = append(errs, fmt.Sprintf("ble.adapter must be %q, %q or %q", AdapterHCI, AdapterH4, AdapterSimulate))
	}

	if b.ReadyTimeout < 0 {
		errs = append(errs, "ble.ready_timeout must not be negative")
	}
	if b.SettleDelayMS < 0 {
		errs = append(errs, "ble.settle_delay_ms must not be negative")
	}
	for _, s := range b.Filter.BeaconUUIDs {
		if _, err := uuid.Parse(s); err != nil {
			errs = append(errs, fmt.Sprintf("ble.filter.beacon_uuids: invalid uuid %q", s))
		}
	}
	if len(b.Filter.BeaconUUIDs) == 0 && len(b.Filter.NamePrefixes) == 0 {
		errs = append(errs, "ble.filter needs at least one beacon uuid or name prefix")
	}

	return errs
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// ReadyTimeoutDuration returns the adapter readiness timeout as a Duration.
func (b BLEConfig) ReadyTimeoutDuration() time.Duration {
	return time.Duration(b.ReadyTimeout) * time.Second
}

// SettleDelay returns the scan restart delay as a Duration.
func (b BLEConfig) SettleDelay() time.Duration {
	return time.Duration(b.SettleDelayMS) * time.Millisecond
}

// HealthIntervalDuration returns the health publish interval as a Duration.
func (b BLEConfig) HealthIntervalDuration() time.Duration {
	return time.Duration(b.HealthInterval) * time.Second
}
