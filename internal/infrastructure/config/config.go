package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Refresh interval bounds in minutes. Values outside this range are rejected
// at validation time, never clamped.
const (
	MinRefreshIntervalMinutes = 1
	MaxRefreshIntervalMinutes = 60
)

// Config mirrors the melbridge YAML document. Load builds one from
// defaults, then the file, then MELBRIDGE_* environment variables.
type Config struct {
	MELCloud    MELCloudConfig    `yaml:"melcloud"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Database    DatabaseConfig    `yaml:"database"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	API         APIConfig         `yaml:"api"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// MELCloudConfig contains credentials and connection settings for the
// MELCloud service.
type MELCloudConfig struct {
	Email      string `yaml:"email"`
	Password   string `yaml:"password"`
	BaseURL    string `yaml:"base_url"`
	AppVersion string `yaml:"app_version"`
	Language   int    `yaml:"language"`
	// HTTPTimeout is the per-request timeout in seconds.
	HTTPTimeout int `yaml:"http_timeout"`
}

// CoordinatorConfig contains refresh scheduling and reconciliation settings.
type CoordinatorConfig struct {
	// RefreshIntervalMinutes is the periodic refresh cadence. Valid range
	// is 1-60 inclusive; out-of-range values fail validation.
	RefreshIntervalMinutes int `yaml:"refresh_interval_minutes"`

	// BackoffInitialSeconds is the delay before the first retry after a
	// failed refresh cycle. Subsequent failures double the delay.
	BackoffInitialSeconds int `yaml:"backoff_initial_seconds"`

	// BackoffCeilingMinutes caps the retry delay. 0 means "use the
	// configured refresh interval as the ceiling".
	BackoffCeilingMinutes int `yaml:"backoff_ceiling_minutes"`

	// StaleAfterMultiplier marks a device unavailable once the time since
	// its last successful observation exceeds multiplier x interval.
	StaleAfterMultiplier int `yaml:"stale_after_multiplier"`

	// CommandTimeoutMultiplier expires an unconfirmed command once its age
	// exceeds multiplier x interval.
	CommandTimeoutMultiplier int `yaml:"command_timeout_multiplier"`
}

// DatabaseConfig points at the SQLite store and its pragmas.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
	// RetentionDays is how long state history and journal rows are kept
	// before pruning. 0 disables pruning.
	RetentionDays int `yaml:"retention_days"`
}

// MQTTConfig covers the broker session and Home Assistant discovery.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
	Discovery DiscoveryConfig     `yaml:"discovery"`
}

type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig shapes the retry schedule after a broker drop.
// Delays are in seconds; MaxAttempts 0 retries forever.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// DiscoveryConfig contains Home Assistant MQTT discovery settings.
type DiscoveryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Prefix is the discovery topic prefix, "homeassistant" by convention.
	Prefix string `yaml:"prefix"`
}

// APIConfig is the local REST and WebSocket listener.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig enables HTTPS on the API listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig holds the HTTP server timeouts in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig restricts which browser origins may call the API. Empty
// lists are permissive, which fits the default LAN deployment.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig tunes the event stream endpoint. Intervals are in
// seconds.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig is the optional time-series sink, off by default.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads the YAML file at path over the built-in defaults, applies
// environment overrides on top, and validates the result. Environment
// variables follow the pattern MELBRIDGE_SECTION_KEY, for example
// MELBRIDGE_MELCLOUD_EMAIL; they exist so credentials can stay out of
// the file.
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

// defaultConfig is the baseline every load starts from. Credentials are
// deliberately absent; validation insists on them later.
func defaultConfig() *Config {
	return &Config{
		MELCloud: MELCloudConfig{
			BaseURL:     "https://app.melcloud.com/Mitsubishi.Wifi.Client",
			AppVersion:  "1.19.1.1",
			Language:    0,
			HTTPTimeout: 30,
		},
		Coordinator: CoordinatorConfig{
			RefreshIntervalMinutes:   15,
			BackoffInitialSeconds:    60,
			BackoffCeilingMinutes:    0,
			StaleAfterMultiplier:     3,
			CommandTimeoutMultiplier: 2,
		},
		Database: DatabaseConfig{
			Path:          "./data/melbridge.db",
			WALMode:       true,
			BusyTimeout:   5,
			RetentionDays: 30,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "melbridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
			Discovery: DiscoveryConfig{
				Enabled: true,
				Prefix:  "homeassistant",
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
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides layers MELBRIDGE_* environment variables over the
// file values. Only settings that are credentials or vary between
// deployments get an override; everything else belongs in the file.
func applyEnvOverrides(cfg *Config) {
	// MELCloud credentials
	if v := os.Getenv("MELBRIDGE_MELCLOUD_EMAIL"); v != "" {
		cfg.MELCloud.Email = v
	}
	if v := os.Getenv("MELBRIDGE_MELCLOUD_PASSWORD"); v != "" {
		cfg.MELCloud.Password = v
	}
	if v := os.Getenv("MELBRIDGE_MELCLOUD_BASE_URL"); v != "" {
		cfg.MELCloud.BaseURL = v
	}

	// Database
	if v := os.Getenv("MELBRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("MELBRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("MELBRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("MELBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("MELBRIDGE_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("MELBRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("MELBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate rejects impossible configurations with every problem listed
// in one error, so a bad file is fixed in one pass instead of
// whack-a-mole restarts.
func (c *Config) Validate() error {
	var errs []string

	// MELCloud validation
	if c.MELCloud.Email == "" {
		errs = append(errs, "melcloud.email is required (set MELBRIDGE_MELCLOUD_EMAIL environment variable)")
	}
	if c.MELCloud.Password == "" {
		errs = append(errs, "melcloud.password is required (set MELBRIDGE_MELCLOUD_PASSWORD environment variable)")
	}
	if c.MELCloud.BaseURL == "" {
		errs = append(errs, "melcloud.base_url is required")
	}
	if c.MELCloud.HTTPTimeout < 1 {
		errs = append(errs, "melcloud.http_timeout must be at least 1 second")
	}

	// Coordinator validation. The interval range is a hard contract: values
	// outside it are rejected here, never silently clamped.
	if c.Coordinator.RefreshIntervalMinutes < MinRefreshIntervalMinutes ||
		c.Coordinator.RefreshIntervalMinutes > MaxRefreshIntervalMinutes {
		errs = append(errs, fmt.Sprintf(
			"coordinator.refresh_interval_minutes must be between %d and %d",
			MinRefreshIntervalMinutes, MaxRefreshIntervalMinutes))
	}
	if c.Coordinator.BackoffInitialSeconds < 1 {
		errs = append(errs, "coordinator.backoff_initial_seconds must be at least 1")
	}
	if c.Coordinator.BackoffCeilingMinutes < 0 ||
		c.Coordinator.BackoffCeilingMinutes > MaxRefreshIntervalMinutes {
		errs = append(errs, fmt.Sprintf(
			"coordinator.backoff_ceiling_minutes must be between 0 and %d (0 = use refresh interval)",
			MaxRefreshIntervalMinutes))
	}
	if c.Coordinator.StaleAfterMultiplier < 1 {
		errs = append(errs, "coordinator.stale_after_multiplier must be at least 1")
	}
	if c.Coordinator.CommandTimeoutMultiplier < 1 {
		errs = append(errs, "coordinator.command_timeout_multiplier must be at least 1")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// InfluxDB validation (only when enabled)
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Token == "" {
			errs = append(errs, "influxdb.token is required when influxdb is enabled (set MELBRIDGE_INFLUXDB_TOKEN environment variable)")
		}
		if c.InfluxDB.Org == "" {
			errs = append(errs, "influxdb.org is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Duration accessors for the coordinator settings. The YAML keeps
// plain integers with the unit in the name; callers get time.Duration
// and the multiplier arithmetic lives here, in one place.

// RefreshInterval is the periodic poll cadence.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Coordinator.RefreshIntervalMinutes) * time.Minute
}

// BackoffInitial is the delay before the first retry after a failed
// cycle.
func (c *Config) BackoffInitial() time.Duration {
	return time.Duration(c.Coordinator.BackoffInitialSeconds) * time.Second
}

// BackoffCeiling caps the retry delay. A zero ceiling falls back to
// the refresh interval.
func (c *Config) BackoffCeiling() time.Duration {
	if c.Coordinator.BackoffCeilingMinutes == 0 {
		return c.RefreshInterval()
	}
	return time.Duration(c.Coordinator.BackoffCeilingMinutes) * time.Minute
}

// StaleAfter is how long a device may go unobserved before it is
// marked unavailable.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Coordinator.StaleAfterMultiplier) * c.RefreshInterval()
}

// CommandTimeout is how long a pending command waits for cloud
// confirmation before expiring.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Coordinator.CommandTimeoutMultiplier) * c.RefreshInterval()
}
