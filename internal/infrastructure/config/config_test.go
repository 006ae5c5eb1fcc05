package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// validConfig returns a minimal configuration that passes Validate.
func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Cloud.Username = "user@example.com"
	cfg.Cloud.Password = "hunter2"
	cfg.Security.JWT.Secret = "test-secret-key-at-least-32-chars!"
	cfg.Security.API.Username = "admin"
	cfg.Security.API.Password = "localpass"
	return cfg
}

func TestLoad_ValidConfig(t *testing.T) {
	// Create a temporary config file
	content := `
cloud:
  username: "user@example.com"
  password: "hunter2"
  site_id: "site-123"
polling:
  scan_interval: 120
  command_settle_time: 2.0
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
api:
  host: "0.0.0.0"
  port: 8080
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
  api:
    username: "admin"
    password: "localpass"
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Cloud.SiteID != "site-123" {
		t.Errorf("Cloud.SiteID = %q, want %q", cfg.Cloud.SiteID, "site-123")
	}

	if cfg.Polling.ScanInterval != 120 {
		t.Errorf("Polling.ScanInterval = %d, want 120", cfg.Polling.ScanInterval)
	}

	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}

	// Defaults survive a partial file
	if cfg.Cloud.BaseURL == "" {
		t.Error("Cloud.BaseURL should default to the production endpoint")
	}
	if cfg.Polling.RateLimitInterval != 2.0 {
		t.Errorf("Polling.RateLimitInterval = %v, want 2.0", cfg.Polling.RateLimitInterval)
	}
	if cfg.Polling.RateLimitRetryDelay != 60.0 {
		t.Errorf("Polling.RateLimitRetryDelay = %v, want 60.0", cfg.Polling.RateLimitRetryDelay)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
cloud:
  username: ""
database:
  path: "/tmp/test.db"
api:
  port: 8080
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected validation error for missing credentials, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing cloud username",
			mutate:  func(c *Config) { c.Cloud.Username = "" },
			wantErr: true,
		},
		{
			name:    "missing cloud password",
			mutate:  func(c *Config) { c.Cloud.Password = "" },
			wantErr: true,
		},
		{
			name:    "scan interval too low",
			mutate:  func(c *Config) { c.Polling.ScanInterval = 29 },
			wantErr: true,
		},
		{
			name:    "scan interval too high",
			mutate:  func(c *Config) { c.Polling.ScanInterval = 301 },
			wantErr: true,
		},
		{
			name:    "scan interval at lower bound",
			mutate:  func(c *Config) { c.Polling.ScanInterval = 30 },
			wantErr: false,
		},
		{
			name:    "scan interval at upper bound",
			mutate:  func(c *Config) { c.Polling.ScanInterval = 300 },
			wantErr: false,
		},
		{
			name:    "settle time too low",
			mutate:  func(c *Config) { c.Polling.CommandSettleTime = 0.4 },
			wantErr: true,
		},
		{
			name:    "settle time too high",
			mutate:  func(c *Config) { c.Polling.CommandSettleTime = 5.1 },
			wantErr: true,
		},
		{
			name:    "zero rate limit interval",
			mutate:  func(c *Config) { c.Polling.RateLimitInterval = 0 },
			wantErr: true,
		},
		{
			name:    "zero rate limit retry delay",
			mutate:  func(c *Config) { c.Polling.RateLimitRetryDelay = 0 },
			wantErr: true,
		},
		{
			name:    "zero failure threshold",
			mutate:  func(c *Config) { c.Polling.FailureThreshold = 0 },
			wantErr: true,
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: true,
		},
		{
			name:    "invalid QoS",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: true,
		},
		{
			name:    "invalid port low",
			mutate:  func(c *Config) { c.API.Port = 0 },
			wantErr: true,
		},
		{
			name:    "invalid port high",
			mutate:  func(c *Config) { c.API.Port = 70000 },
			wantErr: true,
		},
		{
			name:    "missing JWT secret",
			mutate:  func(c *Config) { c.Security.JWT.Secret = "" },
			wantErr: true,
		},
		{
			name:    "JWT secret too short",
			mutate:  func(c *Config) { c.Security.JWT.Secret = "short" },
			wantErr: true,
		},
		{
			name:    "missing API credentials",
			mutate:  func(c *Config) { c.Security.API.Password = "" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Durations(t *testing.T) {
	cfg := &Config{
		Polling: PollingConfig{
			ScanInterval:        60,
			CommandSettleTime:   1.5,
			RateLimitInterval:   2.0,
			RateLimitRetryDelay: 60.0,
			RetryBaseDelay:      1.0,
			RetryMaxDelay:       30.0,
		},
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.ScanInterval(); got != 60*time.Second {
		t.Errorf("ScanInterval() = %v, want 60s", got)
	}

	if got := cfg.CommandSettleTime(); got != 1500*time.Millisecond {
		t.Errorf("CommandSettleTime() = %v, want 1.5s", got)
	}

	if got := cfg.RateLimitInterval(); got != 2*time.Second {
		t.Errorf("RateLimitInterval() = %v, want 2s", got)
	}

	if got := cfg.RateLimitRetryDelay(); got != 60*time.Second {
		t.Errorf("RateLimitRetryDelay() = %v, want 60s", got)
	}

	if got := cfg.RetryMaxDelay(); got != 30*time.Second {
		t.Errorf("RetryMaxDelay() = %v, want 30s", got)
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
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	// Set environment variables
	t.Setenv("KUMOCORE_CLOUD_USERNAME", "env-user@example.com")
	t.Setenv("KUMOCORE_CLOUD_PASSWORD", "env-pass")
	t.Setenv("KUMOCORE_CLOUD_SITE_ID", "env-site")
	t.Setenv("KUMOCORE_DATABASE_PATH", "/custom/path.db")
	t.Setenv("KUMOCORE_MQTT_HOST", "mqtt.example.com")
	t.Setenv("KUMOCORE_MQTT_USERNAME", "testuser")
	t.Setenv("KUMOCORE_MQTT_PASSWORD", "testpass")
	t.Setenv("KUMOCORE_API_HOST", "192.168.1.1")
	t.Setenv("KUMOCORE_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("KUMOCORE_JWT_SECRET", "jwt-secret")

	applyEnvOverrides(cfg)

	if cfg.Cloud.Username != "env-user@example.com" {
		t.Errorf("Cloud.Username = %q, want %q", cfg.Cloud.Username, "env-user@example.com")
	}

	if cfg.Cloud.Password != "env-pass" {
		t.Errorf("Cloud.Password = %q, want %q", cfg.Cloud.Password, "env-pass")
	}

	if cfg.Cloud.SiteID != "env-site" {
		t.Errorf("Cloud.SiteID = %q, want %q", cfg.Cloud.SiteID, "env-site")
	}

	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}

	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "mqtt.example.com")
	}

	if cfg.MQTT.Auth.Username != "testuser" {
		t.Errorf("MQTT.Auth.Username = %q, want %q", cfg.MQTT.Auth.Username, "testuser")
	}

	if cfg.API.Host != "192.168.1.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "192.168.1.1")
	}

	if cfg.InfluxDB.Token != "secret-token" {
		t.Errorf("InfluxDB.Token = %q, want %q", cfg.InfluxDB.Token, "secret-token")
	}

	if cfg.Security.JWT.Secret != "jwt-secret" {
		t.Errorf("Security.JWT.Secret = %q, want %q", cfg.Security.JWT.Secret, "jwt-secret")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Cloud.BaseURL == "" {
		t.Error("defaultConfig should have non-empty Cloud.BaseURL")
	}

	if cfg.Polling.ScanInterval != 60 {
		t.Errorf("defaultConfig Polling.ScanInterval = %d, want 60", cfg.Polling.ScanInterval)
	}

	if cfg.Polling.CommandSettleTime != 1.0 {
		t.Errorf("defaultConfig Polling.CommandSettleTime = %v, want 1.0", cfg.Polling.CommandSettleTime)
	}

	if cfg.Database.Path == "" {
		t.Error("defaultConfig should have non-empty Database.Path")
	}

	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}

	if cfg.API.Port != 8080 {
		t.Errorf("defaultConfig API.Port = %d, want 8080", cfg.API.Port)
	}
}
