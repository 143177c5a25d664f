package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
)

// Config is the root configuration structure for Lightwire Core.
// Values are resolved in precedence order:
//
//	defaults -> TOML file -> environment (LIGHTWIRE_*) -> CLI flags
type Config struct {
	Logging    LoggingConfig    `toml:"logging"`
	Database   DatabaseConfig   `toml:"database"`
	ArtNet     ArtNetConfig     `toml:"artnet"`
	SACN       SACNConfig       `toml:"sacn"`
	API        APIConfig        `toml:"api"`
	Mapper     MapperConfig     `toml:"mapper"`
	Delivery   DeliveryConfig   `toml:"delivery"`
	RateLimit  RateLimitConfig  `toml:"rate_limit"`
	Discovery  DiscoveryConfig  `toml:"discovery"`
	Poll       PollConfig       `toml:"poll"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Trace      TraceConfig      `toml:"trace"`
	Devices    DevicesConfig    `toml:"devices"`
	MQTT       MQTTConfig       `toml:"mqtt"`
	InfluxDB   InfluxDBConfig   `toml:"influxdb"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`

	// NoisySampleRate is the fraction (0..1) of high-frequency debug events
	// (per-frame, per-send) that are actually logged.
	NoisySampleRate float64 `toml:"noisy_sample_rate"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `toml:"path"`
	WALMode     bool   `toml:"wal_mode"`
	BusyTimeout int    `toml:"busy_timeout"`

	// MigrateOnly applies pending migrations and exits. Normally set via
	// the --migrate-only flag rather than the config file.
	MigrateOnly bool `toml:"migrate_only"`
}

// ArtNetConfig contains the ArtNet ingest listener settings.
type ArtNetConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`

	// Priority is assigned to every ArtNet frame for source mixing,
	// since the ArtNet wire format carries no priority of its own.
	Priority int `toml:"priority"`
}

// SACNConfig contains the sACN (E1.31) ingest listener settings.
type SACNConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`

	// Multicast joins 239.255.x.y per mapped universe when true.
	Multicast bool `toml:"multicast"`

	// Interface restricts the multicast join to a named interface.
	// Empty picks the system default.
	Interface string `toml:"interface"`
}

// APIConfig carries the management API port. The HTTP surface itself lives
// outside the core; the port is validated here so a reload cannot hand a
// collaborator an unusable value.
type APIConfig struct {
	Port int `toml:"port"`
}

// MapperConfig contains frame translation settings.
type MapperConfig struct {
	// DebounceMs is the per-device hold-off applied to surviving updates.
	DebounceMs int `toml:"debounce_ms"`

	// SourceTimeoutMs is how long a universe's winning source keeps its
	// claim after its last frame before any source may take over.
	SourceTimeoutMs int `toml:"source_timeout_ms"`
}

// DeliveryConfig contains per-device delivery engine settings.
type DeliveryConfig struct {
	DefaultTransport string  `toml:"default_transport"` // "udp" or "tcp"
	DefaultPort      int     `toml:"default_port"`
	SendTimeoutMs    int     `toml:"send_timeout_ms"`
	SendRetries      int     `toml:"send_retries"`
	BackoffBaseMs    int     `toml:"backoff_base_ms"`
	BackoffFactor    float64 `toml:"backoff_factor"`
	BackoffMaxMs     int     `toml:"backoff_max_ms"`
	QueuePollMs      int     `toml:"queue_poll_ms"`
	IdleWaitMs       int     `toml:"idle_wait_ms"`
	OfflineThreshold int     `toml:"offline_threshold"`

	// MaxQueueDepth quarantines the oldest rows once a device's queue
	// exceeds it. 0 disables the guard and leaves the queue unbounded.
	MaxQueueDepth int `toml:"max_queue_depth"`

	// MaxSendRate caps per-device sends per second. 0 disables.
	MaxSendRate float64 `toml:"max_send_rate"`

	// DryRun logs sends instead of touching the network.
	DryRun bool `toml:"dry_run"`
}

// RateLimitConfig contains the global token bucket shared by all delivery
// workers.
type RateLimitConfig struct {
	PerSecond float64 `toml:"per_second"`
	Burst     int     `toml:"burst"`
}

// DiscoveryConfig contains settings consumed by the discovery scanner and
// the Store's staleness sweep.
type DiscoveryConfig struct {
	IntervalSeconds   int `toml:"interval_seconds"`
	ResponseTimeoutMs int `toml:"response_timeout_ms"`
	StaleAfterSeconds int `toml:"stale_after_seconds"`
}

// PollConfig contains the optional device liveness poller settings.
type PollConfig struct {
	Enabled          bool `toml:"enabled"`
	IntervalSeconds  int  `toml:"interval_seconds"`
	TimeoutMs        int  `toml:"timeout_ms"`
	OfflineThreshold int  `toml:"offline_threshold"`
}

// SupervisorConfig contains subsystem circuit-breaker settings.
type SupervisorConfig struct {
	FailureThreshold int `toml:"failure_threshold"`
	CooldownSeconds  int `toml:"cooldown_seconds"`
}

// TraceConfig contains context-id tracing settings.
type TraceConfig struct {
	ContextIDs bool    `toml:"context_ids"`
	SampleRate float64 `toml:"sample_rate"`
}

// DevicesConfig points at the manual device and capability catalog files and
// optionally carries inline manual declarations.
type DevicesConfig struct {
	// File is a YAML file of manual device declarations merged on startup.
	File string `toml:"file"`

	// CatalogFile is a YAML capability catalog keyed by model. Changing it
	// requires a restart (rejected on hot reload).
	CatalogFile string `toml:"catalog_file"`

	// Manual are inline declarations, merged after File entries.
	Manual []ManualDevice `toml:"manual"`
}

// ManualDevice is a manually declared device record.
type ManualDevice struct {
	ID           string         `toml:"id" yaml:"id"`
	IP           string         `toml:"ip" yaml:"ip"`
	Protocol     string         `toml:"protocol" yaml:"protocol"`
	Model        string         `toml:"model" yaml:"model"`
	Name         string         `toml:"name" yaml:"name"`
	Description  string         `toml:"description" yaml:"description"`
	Capabilities map[string]any `toml:"capabilities" yaml:"capabilities"`
}

// MQTTConfig contains the optional MQTT event mirror settings.
type MQTTConfig struct {
	Enabled  bool   `toml:"enabled"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	TLS      bool   `toml:"tls"`
	ClientID string `toml:"client_id"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	QoS      int    `toml:"qos"`
}

// InfluxDBConfig contains the optional telemetry sink settings.
type InfluxDBConfig struct {
	Enabled       bool   `toml:"enabled"`
	URL           string `toml:"url"`
	Token         string `toml:"token"`
	Org           string `toml:"org"`
	Bucket        string `toml:"bucket"`
	BatchSize     int    `toml:"batch_size"`
	FlushInterval int    `toml:"flush_interval"`
}

// Load reads configuration from a TOML file and applies environment
// variable and flag overrides.
//
// Parameters:
//   - path: Path to the TOML configuration file ("" skips the file layer)
//   - flags: Parsed flag set from cmd (nil skips the flag layer)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If the file cannot be read or parsed, or validation fails
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if flags != nil {
		applyFlagOverrides(cfg, flags)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with the documented defaults.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:           "info",
			Format:          "json",
			Output:          "stdout",
			NoisySampleRate: 0.01,
		},
		Database: DatabaseConfig{
			Path:        "./data/lightwire.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		ArtNet: ArtNetConfig{
			Enabled:  true,
			Port:     6454,
			Priority: 100,
		},
		SACN: SACNConfig{
			Enabled: true,
			Port:    5568,
		},
		API: APIConfig{
			Port: 8080,
		},
		Mapper: MapperConfig{
			DebounceMs:      50,
			SourceTimeoutMs: 2500,
		},
		Delivery: DeliveryConfig{
			DefaultTransport: "udp",
			DefaultPort:      4003,
			SendTimeoutMs:    2000,
			SendRetries:      3,
			BackoffBaseMs:    100,
			BackoffFactor:    2.0,
			BackoffMaxMs:     5000,
			QueuePollMs:      500,
			IdleWaitMs:       200,
			OfflineThreshold: 5,
		},
		RateLimit: RateLimitConfig{
			PerSecond: 20,
			Burst:     20,
		},
		Discovery: DiscoveryConfig{
			IntervalSeconds:   300,
			ResponseTimeoutMs: 5000,
			StaleAfterSeconds: 3600,
		},
		Poll: PollConfig{
			Enabled:          false,
			IntervalSeconds:  60,
			TimeoutMs:        3000,
			OfflineThreshold: 3,
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: 5,
			CooldownSeconds:  30,
		},
		Trace: TraceConfig{
			ContextIDs: false,
			SampleRate: 0.1,
		},
		MQTT: MQTTConfig{
			Host:     "localhost",
			Port:     1883,
			ClientID: "lightwire-core",
			QoS:      1,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
	}
}

// applyEnvOverrides applies environment variable overrides. Variables use
// the pattern LIGHTWIRE_KEY with the flat option names from the
// configuration reference.
func applyEnvOverrides(cfg *Config) {
	envString("LIGHTWIRE_DB_PATH", &cfg.Database.Path)
	envBool("LIGHTWIRE_ARTNET_ENABLED", &cfg.ArtNet.Enabled)
	envInt("LIGHTWIRE_ARTNET_PORT", &cfg.ArtNet.Port)
	envInt("LIGHTWIRE_ARTNET_PRIORITY", &cfg.ArtNet.Priority)
	envBool("LIGHTWIRE_SACN_ENABLED", &cfg.SACN.Enabled)
	envInt("LIGHTWIRE_SACN_PORT", &cfg.SACN.Port)
	envInt("LIGHTWIRE_API_PORT", &cfg.API.Port)
	envString("LIGHTWIRE_LOG_LEVEL", &cfg.Logging.Level)
	envBool("LIGHTWIRE_DRY_RUN", &cfg.Delivery.DryRun)
	envString("LIGHTWIRE_DEVICES_FILE", &cfg.Devices.File)
	envString("LIGHTWIRE_CATALOG_FILE", &cfg.Devices.CatalogFile)
	envString("LIGHTWIRE_MQTT_HOST", &cfg.MQTT.Host)
	envString("LIGHTWIRE_MQTT_USERNAME", &cfg.MQTT.Username)
	envString("LIGHTWIRE_MQTT_PASSWORD", &cfg.MQTT.Password)
	envString("LIGHTWIRE_INFLUXDB_TOKEN", &cfg.InfluxDB.Token)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// RegisterFlags registers CLI flag overrides on the given flag set.
// Call before parsing; pass the parsed set to Load.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("db-path", "", "path to the SQLite database file")
	fs.Int("artnet-port", 0, "ArtNet listen port")
	fs.Int("sacn-port", 0, "sACN listen port")
	fs.Int("api-port", 0, "management API port")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.Bool("dry-run", false, "log sends instead of touching the network")
	fs.Bool("migrate-only", false, "apply database migrations and exit")
}

// applyFlagOverrides applies explicitly set CLI flags over the config.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) {
	if fs.Changed("db-path") {
		cfg.Database.Path, _ = fs.GetString("db-path")
	}
	if fs.Changed("artnet-port") {
		cfg.ArtNet.Port, _ = fs.GetInt("artnet-port")
	}
	if fs.Changed("sacn-port") {
		cfg.SACN.Port, _ = fs.GetInt("sacn-port")
	}
	if fs.Changed("api-port") {
		cfg.API.Port, _ = fs.GetInt("api-port")
	}
	if fs.Changed("log-level") {
		cfg.Logging.Level, _ = fs.GetString("log-level")
	}
	if fs.Changed("dry-run") {
		cfg.Delivery.DryRun, _ = fs.GetBool("dry-run")
	}
	if fs.Changed("migrate-only") {
		cfg.Database.MigrateOnly, _ = fs.GetBool("migrate-only")
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of all validation failures, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.ArtNet.Enabled {
		if err := validatePort(c.ArtNet.Port); err != nil {
			errs = append(errs, fmt.Sprintf("artnet.port: %v", err))
		}
	}
	if c.ArtNet.Priority < 1 || c.ArtNet.Priority > 200 {
		errs = append(errs, "artnet.priority must be between 1 and 200")
	}
	if c.SACN.Enabled {
		if err := validatePort(c.SACN.Port); err != nil {
			errs = append(errs, fmt.Sprintf("sacn.port: %v", err))
		}
	}
	if err := validatePort(c.API.Port); err != nil {
		errs = append(errs, fmt.Sprintf("api.port: %v", err))
	}

	if c.Mapper.DebounceMs < 0 {
		errs = append(errs, "mapper.debounce_ms must not be negative")
	}
	if c.Mapper.SourceTimeoutMs < 0 {
		errs = append(errs, "mapper.source_timeout_ms must not be negative")
	}

	switch c.Delivery.DefaultTransport {
	case "udp", "tcp":
	default:
		errs = append(errs, "delivery.default_transport must be udp or tcp")
	}
	if err := validatePort(c.Delivery.DefaultPort); err != nil {
		errs = append(errs, fmt.Sprintf("delivery.default_port: %v", err))
	}
	if c.Delivery.SendRetries < 1 {
		errs = append(errs, "delivery.send_retries must be at least 1")
	}
	if c.Delivery.BackoffFactor < 1 {
		errs = append(errs, "delivery.backoff_factor must be at least 1")
	}
	if c.Delivery.OfflineThreshold < 1 {
		errs = append(errs, "delivery.offline_threshold must be at least 1")
	}
	if c.Delivery.MaxQueueDepth < 0 {
		errs = append(errs, "delivery.max_queue_depth must not be negative")
	}

	if c.RateLimit.PerSecond <= 0 {
		errs = append(errs, "rate_limit.per_second must be positive")
	}
	if c.RateLimit.Burst < 1 {
		errs = append(errs, "rate_limit.burst must be at least 1")
	}

	if c.Poll.Enabled {
		if c.Poll.IntervalSeconds < 1 {
			errs = append(errs, "poll.interval_seconds must be at least 1")
		}
		if c.Poll.OfflineThreshold < 1 {
			errs = append(errs, "poll.offline_threshold must be at least 1")
		}
	}

	if c.Supervisor.FailureThreshold < 1 {
		errs = append(errs, "supervisor.failure_threshold must be at least 1")
	}
	if c.Supervisor.CooldownSeconds < 1 {
		errs = append(errs, "supervisor.cooldown_seconds must be at least 1")
	}

	if c.Trace.SampleRate < 0 || c.Trace.SampleRate > 1 {
		errs = append(errs, "trace.sample_rate must be between 0 and 1")
	}
	if c.Logging.NoisySampleRate < 0 || c.Logging.NoisySampleRate > 1 {
		errs = append(errs, "logging.noisy_sample_rate must be between 0 and 1")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Host == "" {
			errs = append(errs, "mqtt.host is required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
	}
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	for _, d := range c.Devices.Manual {
		if d.ID == "" || d.IP == "" {
			errs = append(errs, "devices.manual entries require id and ip")
			break
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validatePort(p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("must be between 1 and 65535, got %d", p)
	}
	return nil
}

// RestartRequired reports why a hot reload from the receiver to next must
// be rejected. An empty slice means the reload may proceed.
//
// The database path and the capability catalog feed state that cannot be
// swapped under a running Store, so changing either requires a restart.
func (c *Config) RestartRequired(next *Config) []string {
	var reasons []string
	if c.Database.Path != next.Database.Path {
		reasons = append(reasons, "database.path changed")
	}
	if c.Devices.CatalogFile != next.Devices.CatalogFile {
		reasons = append(reasons, "devices.catalog_file changed")
	}
	return reasons
}

// GetDebounce returns the mapper debounce window.
func (c *Config) GetDebounce() time.Duration {
	return time.Duration(c.Mapper.DebounceMs) * time.Millisecond
}

// GetSourceTimeout returns the universe source-claim timeout.
func (c *Config) GetSourceTimeout() time.Duration {
	return time.Duration(c.Mapper.SourceTimeoutMs) * time.Millisecond
}

// GetSendTimeout returns the per-attempt delivery timeout.
func (c *Config) GetSendTimeout() time.Duration {
	return time.Duration(c.Delivery.SendTimeoutMs) * time.Millisecond
}

// GetBackoffBase returns the delivery backoff base delay.
func (c *Config) GetBackoffBase() time.Duration {
	return time.Duration(c.Delivery.BackoffBaseMs) * time.Millisecond
}

// GetBackoffMax returns the delivery backoff ceiling.
func (c *Config) GetBackoffMax() time.Duration {
	return time.Duration(c.Delivery.BackoffMaxMs) * time.Millisecond
}

// GetQueuePollInterval returns the delivery queue poll interval.
func (c *Config) GetQueuePollInterval() time.Duration {
	return time.Duration(c.Delivery.QueuePollMs) * time.Millisecond
}

// GetIdleWait returns the delivery worker idle wait.
func (c *Config) GetIdleWait() time.Duration {
	return time.Duration(c.Delivery.IdleWaitMs) * time.Millisecond
}

// GetPollInterval returns the liveness poll interval.
func (c *Config) GetPollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalSeconds) * time.Second
}

// GetPollTimeout returns the liveness probe timeout.
func (c *Config) GetPollTimeout() time.Duration {
	return time.Duration(c.Poll.TimeoutMs) * time.Millisecond
}

// GetStaleAfter returns the discovery staleness threshold.
func (c *Config) GetStaleAfter() time.Duration {
	return time.Duration(c.Discovery.StaleAfterSeconds) * time.Second
}

// GetCooldown returns the subsystem circuit-breaker cooldown.
func (c *Config) GetCooldown() time.Duration {
	return time.Duration(c.Supervisor.CooldownSeconds) * time.Second
}
