package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	originalEnv := os.Getenv("KUMOCORE_CONFIG")
	defer os.Setenv("KUMOCORE_CONFIG", originalEnv)

	os.Setenv("KUMOCORE_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingDatabasePath verifies run fails when database path is empty.
func TestRun_MissingDatabasePath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")

	configContent := `
cloud:
  base_url: "http://127.0.0.1:1"
  username: "test@example.com"
  password: "test-password"
  site_id: "test-site"

database:
  path: ""

mqtt:
  enabled: false

influxdb:
  enabled: false

logging:
  level: info
  format: text
  output: stdout

security:
  jwt:
    secret: "test-secret-for-development-only-0000"
  api:
    username: "admin"
    password: "admin"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	originalEnv := os.Getenv("KUMOCORE_CONFIG")
	defer os.Setenv("KUMOCORE_CONFIG", originalEnv)
	os.Setenv("KUMOCORE_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with empty database path")
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	originalEnv := os.Getenv("KUMOCORE_CONFIG")
	defer os.Setenv("KUMOCORE_CONFIG", originalEnv)

	os.Unsetenv("KUMOCORE_CONFIG")

	path := getConfigPath()
	if path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	originalEnv := os.Getenv("KUMOCORE_CONFIG")
	defer os.Setenv("KUMOCORE_CONFIG", originalEnv)

	expected := "/custom/path/config.yaml"
	os.Setenv("KUMOCORE_CONFIG", expected)

	path := getConfigPath()
	if path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

// TestRun_StartupAndShutdown exercises full startup with MQTT and
// InfluxDB disabled. The cloud base URL points at a closed port, so
// poll cycles fail and are logged without taking the service down.
func TestRun_StartupAndShutdown(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")
	dbPath := filepath.Join(tmpDir, "test.db")

	configContent := `
cloud:
  base_url: "http://127.0.0.1:1"
  username: "test@example.com"
  password: "test-password"
  site_id: "test-site"

database:
  path: "` + dbPath + `"
  wal_mode: true
  busy_timeout: 5

api:
  host: "127.0.0.1"
  port: 18094

mqtt:
  enabled: false

influxdb:
  enabled: false

logging:
  level: error
  format: text
  output: stdout

security:
  jwt:
    secret: "test-secret-for-development-only-0000"
  api:
    username: "admin"
    password: "admin"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	originalEnv := os.Getenv("KUMOCORE_CONFIG")
	defer os.Setenv("KUMOCORE_CONFIG", originalEnv)
	os.Setenv("KUMOCORE_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Errorf("run() = %v, want clean shutdown", err)
	}
}
