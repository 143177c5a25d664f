// Lightwire Core - DMX to LAN lighting bridge
//
// Lightwire receives ArtNet and sACN universes from a lighting console,
// maps channels onto LAN-controllable fixtures, and delivers the
// resulting commands over UDP/TCP with retries, rate limiting, and a
// persistent queue. It is designed to run unattended next to the
// console: offline-first, SQLite-backed, reloadable with SIGHUP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	_ "github.com/lightwire/lightwire-core/migrations"

	"github.com/lightwire/lightwire-core/internal/bus"
	"github.com/lightwire/lightwire-core/internal/delivery"
	"github.com/lightwire/lightwire-core/internal/infrastructure/config"
	"github.com/lightwire/lightwire-core/internal/infrastructure/database"
	"github.com/lightwire/lightwire-core/internal/infrastructure/influxdb"
	"github.com/lightwire/lightwire-core/internal/infrastructure/logging"
	"github.com/lightwire/lightwire-core/internal/infrastructure/metrics"
	"github.com/lightwire/lightwire-core/internal/infrastructure/mqtt"
	"github.com/lightwire/lightwire-core/internal/ingest"
	"github.com/lightwire/lightwire-core/internal/mapper"
	"github.com/lightwire/lightwire-core/internal/poller"
	"github.com/lightwire/lightwire-core/internal/protocol"
	"github.com/lightwire/lightwire-core/internal/protocol/govee"
	"github.com/lightwire/lightwire-core/internal/store"
	"github.com/lightwire/lightwire-core/internal/supervisor"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/lightwire.toml"

func main() {
	configFlag := pflag.String("config", "", "path to the configuration file")
	config.RegisterFlags(pflag.CommandLine)
	pflag.Parse()

	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, getConfigPath(*configFlag), pflag.CommandLine); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - configPath: Resolved configuration file path
//   - flags: Parsed CLI flag overrides
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, configPath string, flags *pflag.FlagSet) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Lightwire Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath, flags)
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

	if cfg.Database.MigrateOnly {
		log.Info("migrate-only requested, exiting")
		return nil
	}

	m := metrics.New()
	eventBus := bus.New(log)

	protocols := protocol.NewRegistry()
	protocols.Register(govee.New())

	st := store.New(db, eventBus, protocols, log)
	if err := seedDevices(ctx, cfg, st, log); err != nil {
		return fmt.Errorf("seeding device registry: %w", err)
	}

	// Connect to MQTT broker (optional event mirror)
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
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Host, cfg.MQTT.Port),
			"client_id", cfg.MQTT.ClientID,
		)

		mirror := mqtt.NewMirror(mqttClient, eventBus, cfg.MQTT.QoS, log)
		mirror.Start()
		defer mirror.Stop()
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional delivery telemetry)
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

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	// The mapper survives restarts and reloads so its last-sent payload
	// map keeps suppressing duplicate sends.
	mpr := mapper.New(cfg, st, st, eventBus, log, m)

	health := supervisor.NewHealthMonitor(cfg.Supervisor.FailureThreshold, cfg.GetCooldown(), m)
	sup := supervisor.New(health, log)

	if cfg.ArtNet.Enabled {
		sup.Add(renewable("ingest.artnet", func(ctx context.Context) (func(), <-chan error, error) {
			l := ingest.NewArtNetListener(cfg.ArtNet, mpr, log, m)
			if err := l.Start(ctx); err != nil {
				return nil, nil, err
			}
			return l.Stop, l.Err(), nil
		}))
	}

	if cfg.SACN.Enabled {
		// The sACN listener joins one multicast group per mapped universe,
		// so the mapper feeds it the universe set after every rebuild. The
		// current instance is tracked because restarts replace it.
		var sacnMu sync.Mutex
		var sacn *ingest.SACNListener
		mpr.OnUniversesChanged = func(universes []uint16) {
			sacnMu.Lock()
			l := sacn
			sacnMu.Unlock()
			if l != nil {
				l.SetUniverses(universes)
			}
		}
		sup.Add(renewable("ingest.sacn", func(ctx context.Context) (func(), <-chan error, error) {
			l := ingest.NewSACNListener(cfg.SACN, mpr, log, m)
			if err := l.Start(ctx); err != nil {
				return nil, nil, err
			}
			sacnMu.Lock()
			sacn = l
			sacnMu.Unlock()
			l.SetUniverses(mpr.Universes())
			return l.Stop, l.Err(), nil
		}))
	}

	sup.Add(supervisor.Subsystem{Name: "mapper", Start: mpr.Start, Stop: mpr.Stop})

	sup.Add(renewable("delivery", func(context.Context) (func(), <-chan error, error) {
		engine := delivery.New(cfg, st, protocols, eventBus, log, m)
		if influxClient != nil {
			engine.SetTelemetry(influxClient)
		}
		if err := engine.Start(); err != nil {
			return nil, nil, err
		}
		return engine.Stop, nil, nil
	}))

	sup.Add(renewable("poller", func(context.Context) (func(), <-chan error, error) {
		p := poller.New(cfg, st, log, m)
		if err := p.Start(); err != nil {
			return nil, nil, err
		}
		return p.Stop, nil, nil
	}))

	sup.Add(renewable("sweeper", func(context.Context) (func(), <-chan error, error) {
		s := poller.NewSweeper(cfg, st, log, m)
		if err := s.Start(); err != nil {
			return nil, nil, err
		}
		return s.Stop, nil, nil
	}))

	sup.SetReload(func(ctx context.Context) error {
		next, err := config.Load(configPath, flags)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if changed := cfg.RestartRequired(next); len(changed) > 0 {
			return fmt.Errorf("changes to %s require a full restart", strings.Join(changed, ", "))
		}
		*cfg = *next
		if err := seedDevices(ctx, cfg, st, log); err != nil {
			return fmt.Errorf("reseeding device registry: %w", err)
		}
		return nil
	})

	log.Info("initialisation complete")
	if err := sup.Run(ctx); err != nil {
		return err
	}

	log.Info("Lightwire Core stopped")
	return nil
}

// renewable wraps a single-use subsystem so the supervisor can restart
// it: each Start builds a fresh instance, and Err re-resolves to the
// current instance's error channel.
func renewable(name string, start func(ctx context.Context) (stop func(), errs <-chan error, err error)) supervisor.Subsystem {
	var mu sync.Mutex
	var stop func()
	var errs <-chan error
	return supervisor.Subsystem{
		Name: name,
		Start: func(ctx context.Context) error {
			st, e, err := start(ctx)
			if err != nil {
				return err
			}
			mu.Lock()
			stop, errs = st, e
			mu.Unlock()
			return nil
		},
		Stop: func() {
			mu.Lock()
			st := stop
			mu.Unlock()
			if st != nil {
				st()
			}
		},
		Err: func() <-chan error {
			mu.Lock()
			defer mu.Unlock()
			return errs
		},
	}
}

// seedDevices loads manual device declarations from the devices file and
// the inline config entries. Discovered devices in the registry are left
// alone.
func seedDevices(ctx context.Context, cfg *config.Config, st *store.Store, log *logging.Logger) error {
	if cfg.Devices.File != "" {
		n, err := st.SyncManualDevices(ctx, cfg.Devices.File, cfg.Devices.CatalogFile)
		if err != nil {
			return fmt.Errorf("syncing devices file: %w", err)
		}
		log.Info("manual devices synced", "path", cfg.Devices.File, "count", n)
	}

	for _, d := range cfg.Devices.Manual {
		decl := store.ManualDecl{
			ID:           d.ID,
			IP:           d.IP,
			Protocol:     d.Protocol,
			Model:        d.Model,
			Name:         d.Name,
			Description:  d.Description,
			Capabilities: d.Capabilities,
		}
		if err := st.UpsertManual(ctx, decl); err != nil {
			return fmt.Errorf("declaring device %s: %w", d.ID, err)
		}
	}
	if len(cfg.Devices.Manual) > 0 {
		log.Info("inline devices declared", "count", len(cfg.Devices.Manual))
	}
	return nil
}

// getConfigPath returns the configuration file path.
// Precedence: --config flag, LIGHTWIRE_CONFIG environment variable, default.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv("LIGHTWIRE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies the infrastructure connections are healthy.
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
