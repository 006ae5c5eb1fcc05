// Kumo Core - Mitsubishi Kumo Cloud climate coordinator
//
// This is the main entry point for the Kumo Core service. Kumo Core
// polls the Kumo Cloud API on behalf of local consumers, serving a
// coherent snapshot of every indoor unit over a REST/WebSocket API and
// an optional MQTT bridge, so that one well-behaved poller stands
// between the cloud's aggressive rate limits and everything else on
// the network.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/openkumo/kumo-core/migrations"

	"github.com/openkumo/kumo-core/internal/api"
	"github.com/openkumo/kumo-core/internal/bridge"
	"github.com/openkumo/kumo-core/internal/coordinator"
	"github.com/openkumo/kumo-core/internal/infrastructure/config"
	"github.com/openkumo/kumo-core/internal/infrastructure/database"
	"github.com/openkumo/kumo-core/internal/infrastructure/influxdb"
	"github.com/openkumo/kumo-core/internal/infrastructure/logging"
	"github.com/openkumo/kumo-core/internal/infrastructure/mqtt"
	"github.com/openkumo/kumo-core/internal/kumo"
	"github.com/openkumo/kumo-core/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Kumo Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	if applied, pending, statusErr := db.MigrationStatus(ctx); statusErr == nil {
		log.Info("database migrations complete", "applied", len(applied), "pending", len(pending))
	} else {
		log.Warn("migration status unavailable", "error", statusErr)
	}

	// Token manager backed by SQLite so a restart doesn't force a
	// fresh password login against the cloud.
	tokenStore := kumo.NewSQLiteTokenStore(db, cfg.Cloud.Username)
	tokens := kumo.NewTokenManager(tokenStore, log)
	if loadErr := tokens.Load(ctx); loadErr != nil {
		return fmt.Errorf("loading persisted tokens: %w", loadErr)
	}

	// One limiter gates every outbound call, polls and commands alike.
	limiter := kumo.NewLimiter(cfg.RateLimitInterval())
	cloud := kumo.NewClient(cfg.Cloud, limiter, tokens, log)
	cloud.SetRateLimitRetryDelay(cfg.RateLimitRetryDelay())

	// Coordinator: optimistic command cache, persistent command log,
	// and the poll/merge/publish loop.
	cache := coordinator.NewCommandCache(cfg.CommandSettleTime())
	cmdLog := coordinator.NewCommandLog(db)
	coord := coordinator.New(cloud, cache, cmdLog, coordinator.Options{
		SiteID:           cfg.Cloud.SiteID,
		ScanInterval:     cfg.ScanInterval(),
		SettleTime:       cfg.CommandSettleTime(),
		FailureThreshold: cfg.Polling.FailureThreshold,
		RetryAttempts:    cfg.Polling.RetryAttempts,
		RetryBaseDelay:   cfg.RetryBaseDelay(),
		RetryMaxDelay:    cfg.RetryMaxDelay(),
	}, log)

	go func() {
		if runErr := coord.Run(ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
			log.Error("coordinator stopped", "error", runErr)
		}
	}()
	log.Info("coordinator started",
		"scan_interval", cfg.ScanInterval(),
		"site_id", cfg.Cloud.SiteID,
	)

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})

		// Bridge relays snapshots out and commands in.
		mqttBridge := bridge.New(mqttClient, coord, byte(cfg.MQTT.QoS), log)
		if startErr := mqttBridge.Start(ctx); startErr != nil {
			return fmt.Errorf("starting MQTT bridge: %w", startErr)
		}
		defer func() {
			log.Info("stopping MQTT bridge")
			mqttBridge.Stop()
		}()
		log.Info("MQTT bridge started")
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})

		// Recorder streams snapshot history into InfluxDB.
		recorder := telemetry.New(influxClient, coord, log)
		recorder.Start(ctx)
		defer func() {
			log.Info("stopping telemetry recorder")
			recorder.Stop()
		}()
		log.Info("telemetry recorder started")
	} else {
		log.Info("InfluxDB disabled")
	}

	// Start the REST/WebSocket API server
	server, err := api.New(api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Security:    cfg.Security,
		Logger:      log,
		Coordinator: coord,
		MQTT:        mqttClient,
		DB:          db,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started",
		"addr", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
	)

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server
	// 2. Telemetry recorder + InfluxDB (if enabled)
	// 3. MQTT bridge + client (if enabled)
	// 4. Database

	log.Info("Kumo Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses KUMOCORE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("KUMOCORE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
// The MQTT and InfluxDB clients may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
