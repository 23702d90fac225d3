// melbridge - MELCloud coordinator daemon.
//
// melbridge polls the MELCloud service for Mitsubishi ATA and ATW heat
// pump state, keeps a local device registry, and exposes it three ways:
// MQTT with Home Assistant discovery, a REST API, and a WebSocket event
// stream. Writes become optimistic commands that are reconciled against
// later cloud reads.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/divers33/hass-melcloud-coordinator/migrations"

	"github.com/divers33/hass-melcloud-coordinator/internal/api"
	"github.com/divers33/hass-melcloud-coordinator/internal/bridges/hass"
	"github.com/divers33/hass-melcloud-coordinator/internal/coordinator"
	"github.com/divers33/hass-melcloud-coordinator/internal/device"
	"github.com/divers33/hass-melcloud-coordinator/internal/infrastructure/config"
	"github.com/divers33/hass-melcloud-coordinator/internal/infrastructure/database"
	"github.com/divers33/hass-melcloud-coordinator/internal/infrastructure/influxdb"
	"github.com/divers33/hass-melcloud-coordinator/internal/infrastructure/logging"
	"github.com/divers33/hass-melcloud-coordinator/internal/infrastructure/mqtt"
	"github.com/divers33/hass-melcloud-coordinator/internal/journal"
	"github.com/divers33/hass-melcloud-coordinator/internal/melcloud"
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

// retentionSweepInterval is how often old journal and history rows are
// pruned once retention is enabled.
const retentionSweepInterval = 12 * time.Hour

func main() {
	configFlag := flag.String("config", "", "path to config file")
	flag.Parse()

	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, resolveConfigPath(*configFlag)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resolveConfigPath picks the config file location: the -config flag wins,
// then the MELBRIDGE_CONFIG environment variable, then the default.
func resolveConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if path := os.Getenv("MELBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Construction order: logging, database (+migrations), registry, cloud
// client (+initial login), repositories, influx, coordinator, MQTT + hass
// bridge, API server. Deferred Close calls unwind in reverse.
func run(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting melbridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

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

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Device registry (in-memory; the cloud is the source of truth)
	registry := device.NewRegistry()
	registry.SetLogger(log.With("component", "registry"))

	// MELCloud client with an initial login so credential problems
	// surface at startup instead of on the first poll.
	cloud, err := melcloud.NewClient(cfg.MELCloud)
	if err != nil {
		return fmt.Errorf("creating melcloud client: %w", err)
	}
	cloud.SetLogger(log.With("component", "melcloud"))
	if loginErr := cloud.Login(ctx); loginErr != nil {
		return fmt.Errorf("melcloud login: %w", loginErr)
	}
	log.Info("melcloud authenticated", "email", cfg.MELCloud.Email)

	// Durable sinks
	journalRepo := journal.NewSQLiteRepository(db.DB)
	historyRepo := device.NewSQLiteStateHistoryRepository(db.DB)

	// InfluxDB telemetry (optional)
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
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Refresh coordinator
	coordOpts := coordinator.Options{
		Transport:      cloud,
		Registry:       registry,
		Journal:        journalRepo,
		History:        historyRepo,
		Logger:         log.With("component", "coordinator"),
		Interval:       cfg.RefreshInterval(),
		BackoffInitial: cfg.BackoffInitial(),
		BackoffCeiling: cfg.BackoffCeiling(),
		StaleAfter:     cfg.StaleAfter(),
		CommandTimeout: cfg.CommandTimeout(),
	}
	if influxClient != nil {
		coordOpts.Telemetry = influxClient
	}

	coord, err := coordinator.New(coordOpts)
	if err != nil {
		return fmt.Errorf("creating coordinator: %w", err)
	}
	coord.Start()
	defer func() {
		log.Info("stopping coordinator")
		coord.Close()
	}()

	// Initial inventory poll. A transient cloud failure here is not fatal;
	// the periodic loop retries with backoff.
	if refreshErr := coord.RequestRefresh(ctx); refreshErr != nil {
		log.Warn("initial refresh failed", "error", refreshErr)
	} else {
		log.Info("initial refresh complete", "devices", registry.Count())
	}

	// MQTT + Home Assistant bridge (optional)
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
		mqttClient.SetLogger(log.With("component", "mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})

		bridge, bridgeErr := hass.New(hass.Options{
			Config:      cfg.MQTT,
			Coordinator: coord,
			MQTT:        mqttClient,
			Registry:    registry,
			Logger:      log.With("component", "hass"),
		})
		if bridgeErr != nil {
			return fmt.Errorf("creating hass bridge: %w", bridgeErr)
		}
		if startErr := bridge.Start(); startErr != nil {
			return fmt.Errorf("starting hass bridge: %w", startErr)
		}
		defer func() {
			log.Info("stopping hass bridge")
			bridge.Stop()
		}()
		log.Info("hass bridge started",
			"discovery", cfg.MQTT.Discovery.Enabled,
			"prefix", cfg.MQTT.Discovery.Prefix,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// Local API server (optional)
	if cfg.API.Enabled {
		apiDeps := api.Deps{
			Config:      cfg.API,
			WS:          cfg.WebSocket,
			Logger:      log.With("component", "api"),
			Registry:    registry,
			Coordinator: coord,
			Journal:     journalRepo,
			History:     historyRepo,
			DB:          db,
			Version:     version,
		}
		if mqttClient != nil {
			apiDeps.MQTT = mqttClient
		}
		apiServer, apiErr := api.New(apiDeps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
		log.Info("API server started", "host", cfg.API.Host, "port", cfg.API.Port)
	} else {
		log.Info("API server disabled")
	}

	// Retention sweeps for journal and state history rows
	if cfg.Database.RetentionDays > 0 {
		go retentionLoop(ctx, log, journalRepo, historyRepo,
			time.Duration(cfg.Database.RetentionDays)*24*time.Hour)
	}

	// Verify infrastructure is healthy before declaring readiness
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// API server, hass bridge, MQTT, coordinator, InfluxDB, database.

	log.Info("melbridge stopped")
	return nil
}

// healthCheck verifies infrastructure connections are healthy.
// mqttClient and influxClient may be nil when disabled.
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

// retentionLoop prunes journal and state history rows older than the
// retention window, once at startup and then every sweep interval.
func retentionLoop(ctx context.Context, log *logging.Logger,
	journalRepo *journal.SQLiteRepository, historyRepo *device.SQLiteStateHistoryRepository,
	olderThan time.Duration,
) {
	prune := func() {
		if n, err := journalRepo.Prune(ctx, olderThan); err != nil {
			log.Error("journal prune failed", "error", err)
		} else if n > 0 {
			log.Info("journal pruned", "rows", n)
		}
		if n, err := historyRepo.PruneHistory(ctx, olderThan); err != nil {
			log.Error("state history prune failed", "error", err)
		} else if n > 0 {
			log.Info("state history pruned", "rows", n)
		}
	}

	prune()

	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
