// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/opendata-harvester/internal/harvest"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Plan    PlanConfig         `mapstructure:"plan"`
	Catalog []harvest.Endpoint `mapstructure:"catalog"`
	API     APIConfig          `mapstructure:"api"`
	Lease   LeaseConfig        `mapstructure:"lease"`
	Retry   RetryConfig        `mapstructure:"retry"`
	Worker  WorkerConfig       `mapstructure:"worker"`
	Content ContentConfig      `mapstructure:"content"`
	DB      DBConfig           `mapstructure:"db"`
	Archive ArchiveConfig      `mapstructure:"archive"`
	PubSub  PubSubConfig       `mapstructure:"pubsub"`
	Server  ServerConfig       `mapstructure:"server"`
	Logging LoggingConfig      `mapstructure:"logging"`
}

// PlanConfig describes the date range and environment plans are generated for.
type PlanConfig struct {
	DateRangeStart string `mapstructure:"date_range_start"`
	DateRangeEnd   string `mapstructure:"date_range_end"`
	Environment    string `mapstructure:"environment"`
	ConfigVersion  string `mapstructure:"config_version"`
}

// APIConfig points at the remote data API.
type APIConfig struct {
	BaseURL      string            `mapstructure:"base_url"`
	Timeout      time.Duration     `mapstructure:"timeout"`
	UserAgent    string            `mapstructure:"user_agent"`
	MaxBodyBytes int               `mapstructure:"max_body_bytes"`
	Headers      map[string]string `mapstructure:"headers"`
}

// LeaseConfig controls claim leases and the reaper.
type LeaseConfig struct {
	Duration          time.Duration `mapstructure:"duration"`
	ReapInterval      time.Duration `mapstructure:"reap_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	RetryBudget       int           `mapstructure:"retry_budget"`
}

// RetryConfig shapes per-request retries inside a claim.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// WorkerConfig sizes the worker fleet and the shared request ceiling.
type WorkerConfig struct {
	Count              int           `mapstructure:"count"`
	BatchSize          int           `mapstructure:"batch_size"`
	ConcurrencyCeiling int           `mapstructure:"concurrency_ceiling"`
	RequestsPerSecond  float64       `mapstructure:"requests_per_second"`
	Burst              int           `mapstructure:"burst"`
	IdleWait           time.Duration `mapstructure:"idle_wait"`
}

// ContentConfig tunes payload normalization before hashing.
type ContentConfig struct {
	VolatileKeys []string `mapstructure:"volatile_keys"`
}

// DBConfig controls access to Postgres. An empty DSN selects the in-memory store.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// Archive providers.
const (
	ArchiveGCS   = "gcs"
	ArchiveLocal = "local"
	ArchiveNone  = "none"
)

// ArchiveConfig selects and tunes the archive backend.
type ArchiveConfig struct {
	Provider        string        `mapstructure:"provider"`
	Bucket          string        `mapstructure:"bucket"`
	Prefix          string        `mapstructure:"prefix"`
	BaseDir         string        `mapstructure:"base_dir"`
	CredentialsFile string        `mapstructure:"credentials_file"`
	BatchSize       int           `mapstructure:"batch_size"`
	Interval        time.Duration `mapstructure:"interval"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
}

// PubSubConfig holds metadata for archive notifications. An empty topic disables them.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the HTTP query server.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from defaults, an optional file and HARVESTER_* environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("plan.date_range_start", "")
	v.SetDefault("plan.date_range_end", "")
	v.SetDefault("plan.environment", string(harvest.EnvDev))
	v.SetDefault("plan.config_version", "v1")
	v.SetDefault("api.base_url", "")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.user_agent", "opendata-harvester/0.1")
	v.SetDefault("api.max_body_bytes", 32<<20)
	v.SetDefault("lease.duration", 5*time.Minute)
	v.SetDefault("lease.reap_interval", 30*time.Second)
	v.SetDefault("lease.heartbeat_interval", 0)
	v.SetDefault("lease.retry_budget", 5)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_delay", 500*time.Millisecond)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.batch_size", 1)
	v.SetDefault("worker.concurrency_ceiling", 8)
	v.SetDefault("worker.requests_per_second", 0)
	v.SetDefault("worker.burst", 1)
	v.SetDefault("worker.idle_wait", 5*time.Second)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("archive.provider", ArchiveNone)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.base_dir", "")
	v.SetDefault("archive.credentials_file", "")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("archive.batch_size", 100)
	v.SetDefault("archive.interval", time.Minute)
	v.SetDefault("archive.max_attempts", 3)
	v.SetDefault("archive.base_delay", 500*time.Millisecond)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Lease.Duration <= 0 {
		return fmt.Errorf("lease.duration must be > 0")
	}
	if c.Lease.HeartbeatInterval < 0 || (c.Lease.HeartbeatInterval > 0 && c.Lease.HeartbeatInterval >= c.Lease.Duration) {
		return fmt.Errorf("lease.heartbeat_interval must be shorter than lease.duration")
	}
	if c.Lease.ReapInterval <= 0 {
		return fmt.Errorf("lease.reap_interval must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be > 0")
	}
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("worker.batch_size must be > 0")
	}
	if c.Worker.ConcurrencyCeiling <= 0 {
		return fmt.Errorf("worker.concurrency_ceiling must be > 0")
	}
	if c.Worker.RequestsPerSecond < 0 {
		return fmt.Errorf("worker.requests_per_second must be >= 0")
	}
	if c.API.BaseURL != "" {
		u, err := url.Parse(c.API.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("api.base_url must be an absolute URL")
		}
	}
	if c.Plan.Environment != "" {
		if _, err := harvest.ParseEnvironment(c.Plan.Environment); err != nil {
			return fmt.Errorf("plan.environment: %w", err)
		}
	}
	if err := validateCatalog(c.Catalog); err != nil {
		return err
	}
	switch c.Archive.Provider {
	case ArchiveNone, "":
	case ArchiveGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set when archive.provider is gcs")
		}
	case ArchiveLocal:
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set when archive.provider is local")
		}
	default:
		return fmt.Errorf("archive.provider must be one of gcs, local, none")
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	return nil
}

func validateCatalog(endpoints []harvest.Endpoint) error {
	seen := make(map[string]struct{}, len(endpoints))
	for i, ep := range endpoints {
		if strings.TrimSpace(ep.Name) == "" {
			return fmt.Errorf("catalog[%d].name is required", i)
		}
		if _, dup := seen[ep.Name]; dup {
			return fmt.Errorf("catalog[%d]: duplicate endpoint %q", i, ep.Name)
		}
		seen[ep.Name] = struct{}{}
		switch ep.Granularity {
		case harvest.GranularityDay, harvest.GranularityMonth:
		default:
			return fmt.Errorf("catalog[%d].granularity must be day or month", i)
		}
		if ep.PageSize <= 0 {
			return fmt.Errorf("catalog[%d].page_size must be > 0", i)
		}
	}
	return nil
}

// PlanRange parses the configured plan date range.
func (c Config) PlanRange() (time.Time, time.Time, error) {
	if c.Plan.DateRangeStart == "" || c.Plan.DateRangeEnd == "" {
		return time.Time{}, time.Time{}, errors.New("plan.date_range_start and plan.date_range_end are required")
	}
	start, err := time.Parse(time.DateOnly, c.Plan.DateRangeStart)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse plan.date_range_start: %w", err)
	}
	end, err := time.Parse(time.DateOnly, c.Plan.DateRangeEnd)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse plan.date_range_end: %w", err)
	}
	return start, end, nil
}
