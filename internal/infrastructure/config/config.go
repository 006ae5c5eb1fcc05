package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Kumo Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Cloud     CloudConfig     `yaml:"cloud"`
	Polling   PollingConfig   `yaml:"polling"`
	Database  DatabaseConfig  `yaml:"database"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// CloudConfig contains Kumo Cloud account and endpoint settings.
type CloudConfig struct {
	// BaseURL is the Kumo Cloud API root. Override for testing only.
	BaseURL string `yaml:"base_url"`

	// Username and Password authenticate against the cloud account.
	// Prefer setting these via KUMOCORE_CLOUD_USERNAME / KUMOCORE_CLOUD_PASSWORD.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// SiteID pins polling to one site. Empty means auto-discover;
	// auto-discovery fails if the account has more than one site.
	SiteID string `yaml:"site_id"`
}

// PollingConfig tunes the coordinator's fetch/merge cycle.
type PollingConfig struct {
	// ScanInterval is the seconds between full poll cycles (30-300).
	ScanInterval int `yaml:"scan_interval"`

	// CommandSettleTime is the seconds to wait after issuing a command
	// before a fresh poll result may override the optimistic cache (0.5-5.0).
	CommandSettleTime float64 `yaml:"command_settle_time"`

	// RateLimitInterval is the minimum seconds between outbound API calls.
	RateLimitInterval float64 `yaml:"rate_limit_interval"`

	// RateLimitRetryDelay is the seconds to wait after the cloud answers
	// 429 before retrying; it doubles per consecutive 429.
	RateLimitRetryDelay float64 `yaml:"rate_limit_retry_delay"`

	// FailureThreshold is the number of consecutive fetch failures before
	// a device is marked unavailable. A single transient error never flips
	// availability.
	FailureThreshold int `yaml:"failure_threshold"`

	// RetryAttempts bounds per-device fetch retries within one cycle.
	RetryAttempts int `yaml:"retry_attempts"`

	// RetryBaseDelay is the initial backoff delay in seconds; it doubles
	// per attempt up to RetryMaxDelay.
	RetryBaseDelay float64 `yaml:"retry_base_delay"`
	RetryMaxDelay  float64 `yaml:"retry_max_delay"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
// The MQTT bridge is optional; the coordinator runs without it.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
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

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB history-recorder settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings for the local API.
type SecurityConfig struct {
	JWT JWTConfig     `yaml:"jwt"`
	API APIAuthConfig `yaml:"api"`
}

// JWTConfig contains JWT token settings for the local API.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// APIAuthConfig contains the credentials exchanged for an API token.
type APIAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: KUMOCORE_SECTION_KEY
// For example: KUMOCORE_CLOUD_PASSWORD, KUMOCORE_DATABASE_PATH
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
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

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Cloud: CloudConfig{
			BaseURL: "https://app-prod.kumocloud.com",
		},
		Polling: PollingConfig{
			ScanInterval:        60,
			CommandSettleTime:   1.0,
			RateLimitInterval:   2.0,
			RateLimitRetryDelay: 60.0,
			FailureThreshold:    3,
			RetryAttempts:       3,
			RetryBaseDelay:      1.0,
			RetryMaxDelay:       30.0,
		},
		Database: DatabaseConfig{
			Path:        "./data/kumocore.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
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
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "kumocore",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: KUMOCORE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Cloud account
	if v := os.Getenv("KUMOCORE_CLOUD_USERNAME"); v != "" {
		cfg.Cloud.Username = v
	}
	if v := os.Getenv("KUMOCORE_CLOUD_PASSWORD"); v != "" {
		cfg.Cloud.Password = v
	}
	if v := os.Getenv("KUMOCORE_CLOUD_SITE_ID"); v != "" {
		cfg.Cloud.SiteID = v
	}

	// Database
	if v := os.Getenv("KUMOCORE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// API
	if v := os.Getenv("KUMOCORE_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// MQTT
	if v := os.Getenv("KUMOCORE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("KUMOCORE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("KUMOCORE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("KUMOCORE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - JWT secret (always override in production)
	if v := os.Getenv("KUMOCORE_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
	if v := os.Getenv("KUMOCORE_API_USERNAME"); v != "" {
		cfg.Security.API.Username = v
	}
	if v := os.Getenv("KUMOCORE_API_PASSWORD"); v != "" {
		cfg.Security.API.Password = v
	}
}

// Polling bounds. The cloud API throttles aggressively, so the floor on
// scan_interval protects the account, not just the service.
const (
	minScanInterval = 30
	maxScanInterval = 300

	minSettleTime = 0.5
	maxSettleTime = 5.0

	minJWTSecretLength = 32
)

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Cloud validation
	if c.Cloud.BaseURL == "" {
		errs = append(errs, "cloud.base_url is required")
	}
	if c.Cloud.Username == "" {
		errs = append(errs, "cloud.username is required (set KUMOCORE_CLOUD_USERNAME)")
	}
	if c.Cloud.Password == "" {
		errs = append(errs, "cloud.password is required (set KUMOCORE_CLOUD_PASSWORD)")
	}

	// Polling validation
	if c.Polling.ScanInterval < minScanInterval || c.Polling.ScanInterval > maxScanInterval {
		errs = append(errs, fmt.Sprintf("polling.scan_interval must be between %d and %d seconds", minScanInterval, maxScanInterval))
	}
	if c.Polling.CommandSettleTime < minSettleTime || c.Polling.CommandSettleTime > maxSettleTime {
		errs = append(errs, fmt.Sprintf("polling.command_settle_time must be between %.1f and %.1f seconds", minSettleTime, maxSettleTime))
	}
	if c.Polling.RateLimitInterval <= 0 {
		errs = append(errs, "polling.rate_limit_interval must be positive")
	}
	if c.Polling.RateLimitRetryDelay <= 0 {
		errs = append(errs, "polling.rate_limit_retry_delay must be positive")
	}
	if c.Polling.FailureThreshold < 1 {
		errs = append(errs, "polling.failure_threshold must be at least 1")
	}
	if c.Polling.RetryAttempts < 1 {
		errs = append(errs, "polling.retry_attempts must be at least 1")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// Security validation - JWT secret is REQUIRED.
	// The API issues commands to physical HVAC equipment; a forgeable
	// token means an attacker controls someone's heating.
	if c.Security.API.Username == "" || c.Security.API.Password == "" {
		errs = append(errs, "security.api.username and security.api.password are required")
	}
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set KUMOCORE_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ScanInterval returns the poll cycle interval as a Duration.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Polling.ScanInterval) * time.Second
}

// CommandSettleTime returns the post-command settle delay as a Duration.
func (c *Config) CommandSettleTime() time.Duration {
	return time.Duration(c.Polling.CommandSettleTime * float64(time.Second))
}

// RateLimitInterval returns the minimum gap between API calls as a Duration.
func (c *Config) RateLimitInterval() time.Duration {
	return time.Duration(c.Polling.RateLimitInterval * float64(time.Second))
}

// RateLimitRetryDelay returns the initial 429 retry wait as a Duration.
func (c *Config) RateLimitRetryDelay() time.Duration {
	return time.Duration(c.Polling.RateLimitRetryDelay * float64(time.Second))
}

// RetryBaseDelay returns the initial fetch-retry backoff as a Duration.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Polling.RetryBaseDelay * float64(time.Second))
}

// RetryMaxDelay returns the backoff cap as a Duration.
func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Polling.RetryMaxDelay * float64(time.Second))
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
