package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Local        LocalConfig     `yaml:"local"`
	Remote       RemoteConfig    `yaml:"remote"`
	Worker       WorkerConfig    `yaml:"worker"`
	Sync         SyncConfig      `yaml:"sync"`
	Heartbeat    HeartbeatConfig `yaml:"heartbeat"`
	Cleanup      CleanupConfig   `yaml:"cleanup"`
	API          APIConfig       `yaml:"api"`
	LogLevel     string          `yaml:"log_level"`
	ShowProgress bool            `yaml:"show_progress"`
}

// LocalConfig selects the local task store
type LocalConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// RemoteConfig points at the shared remote task table
type RemoteConfig struct {
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// WorkerConfig controls task claiming and execution
type WorkerConfig struct {
	ID                 string        `yaml:"id"`
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	ClaimErrorBackoff  time.Duration `yaml:"claim_error_backoff"`
	TaskTimeout        time.Duration `yaml:"task_timeout"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
	MemoryLimitMB      float64       `yaml:"memory_limit_mb"`
	StaleAfter         time.Duration `yaml:"stale_after"`
}

// SyncConfig controls the sync manager
type SyncConfig struct {
	BatchSize         int           `yaml:"batch_size"`
	Interval          time.Duration `yaml:"interval"`
	PushWindow        time.Duration `yaml:"push_window"`
	DefaultLookback   time.Duration `yaml:"default_lookback"`
	ClockSkew         time.Duration `yaml:"clock_skew"`
	HealthWindow      time.Duration `yaml:"health_window"`
	DefaultMaxRetries int           `yaml:"default_max_retries"`
	LockTTL           time.Duration `yaml:"lock_ttl"`
	Redis             RedisConfig   `yaml:"redis"`
}

// RedisConfig enables the shared sync lock when Addr is set
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// HeartbeatConfig controls liveness sampling
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// CleanupConfig controls pruning of old rows
type CleanupConfig struct {
	Retention time.Duration `yaml:"retention"`
	Interval  time.Duration `yaml:"interval"`
	Archive   ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig represents the S3-compatible bucket receiving pruned step logs
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	BatchSize int    `yaml:"batch_size"`
}

// APIConfig controls the admin HTTP server. An empty Listen disables it.
type APIConfig struct {
	Listen string `yaml:"listen"`
	Token  string `yaml:"token"`
}

// Default returns the configuration used before the file and flags apply
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Local: LocalConfig{
			Driver: "sqlite",
			Path:   "./tasksync.db",
		},
		Remote: RemoteConfig{
			Driver: "postgres",
		},
		Worker: WorkerConfig{
			MaxConcurrentTasks: 1,
			PollInterval:       2 * time.Second,
			ClaimErrorBackoff:  10 * time.Second,
			TaskTimeout:        5 * time.Minute,
			RetryDelay:         30 * time.Second,
			MemoryLimitMB:      512,
			StaleAfter:         15 * time.Minute,
		},
		Sync: SyncConfig{
			BatchSize:         50,
			Interval:          30 * time.Second,
			PushWindow:        time.Hour,
			DefaultLookback:   time.Hour,
			ClockSkew:         time.Minute,
			HealthWindow:      5 * time.Minute,
			DefaultMaxRetries: 3,
			LockTTL:           5 * time.Minute,
		},
		Heartbeat: HeartbeatConfig{
			Interval: 30 * time.Second,
		},
		Cleanup: CleanupConfig{
			Retention: 7 * 24 * time.Hour,
			Interval:  30 * time.Minute,
			Archive: ArchiveConfig{
				Prefix:    "execution-steps",
				BatchSize: 1000,
			},
		},
		API: APIConfig{
			Listen: ":8080",
		},
	}
}

// RegisterFlags defines the command line overrides on flags
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("log-level", "info", "Log level (debug/info/warn/error)")
	flags.Bool("show-progress", false, "Show progress display on a terminal")

	flags.String("local-driver", "sqlite", "Local store driver (sqlite/postgres)")
	flags.String("local-path", "./tasksync.db", "SQLite database file")
	flags.String("local-dsn", "", "Local PostgreSQL connection string")

	flags.String("remote-driver", "postgres", "Remote store driver (postgres/sqlite)")
	flags.String("remote-dsn", "", "Remote store connection string")
	flags.Bool("remote-auto-migrate", false, "Create the remote task table if missing")

	flags.String("worker-id", "", "Worker identity (default: generated)")
	flags.Int("concurrency", 1, "Maximum number of tasks executing at once")
	flags.Duration("task-timeout", 5*time.Minute, "Timeout of one task attempt")
	flags.Duration("retry-delay", 30*time.Second, "Base delay between attempts")
	flags.Float64("memory-limit-mb", 512, "Pause claiming above this process memory (0 disables)")

	flags.Int("batch-size", 50, "Rows per sync batch")
	flags.Duration("sync-interval", 30*time.Second, "Interval between incremental syncs")
	flags.String("redis-addr", "", "Redis address for the shared sync lock")

	flags.String("api-listen", ":8080", "Admin API listen address (empty disables)")
	flags.String("api-token", "", "Bearer token required by the admin API")
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("show-progress") {
		cfg.ShowProgress, _ = flags.GetBool("show-progress")
	}

	if flags.Changed("local-driver") {
		cfg.Local.Driver, _ = flags.GetString("local-driver")
	}
	if flags.Changed("local-path") {
		cfg.Local.Path, _ = flags.GetString("local-path")
	}
	if flags.Changed("local-dsn") {
		cfg.Local.DSN, _ = flags.GetString("local-dsn")
	}

	if flags.Changed("remote-driver") {
		cfg.Remote.Driver, _ = flags.GetString("remote-driver")
	}
	if flags.Changed("remote-dsn") {
		cfg.Remote.DSN, _ = flags.GetString("remote-dsn")
	}
	if flags.Changed("remote-auto-migrate") {
		cfg.Remote.AutoMigrate, _ = flags.GetBool("remote-auto-migrate")
	}

	if flags.Changed("worker-id") {
		cfg.Worker.ID, _ = flags.GetString("worker-id")
	}
	if flags.Changed("concurrency") {
		cfg.Worker.MaxConcurrentTasks, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("task-timeout") {
		cfg.Worker.TaskTimeout, _ = flags.GetDuration("task-timeout")
	}
	if flags.Changed("retry-delay") {
		cfg.Worker.RetryDelay, _ = flags.GetDuration("retry-delay")
	}
	if flags.Changed("memory-limit-mb") {
		cfg.Worker.MemoryLimitMB, _ = flags.GetFloat64("memory-limit-mb")
	}

	if flags.Changed("batch-size") {
		cfg.Sync.BatchSize, _ = flags.GetInt("batch-size")
	}
	if flags.Changed("sync-interval") {
		cfg.Sync.Interval, _ = flags.GetDuration("sync-interval")
	}
	if flags.Changed("redis-addr") {
		cfg.Sync.Redis.Addr, _ = flags.GetString("redis-addr")
	}

	if flags.Changed("api-listen") {
		cfg.API.Listen, _ = flags.GetString("api-listen")
	}
	if flags.Changed("api-token") {
		cfg.API.Token, _ = flags.GetString("api-token")
	}

	return nil
}

func (c *Config) validate() error {
	switch c.Local.Driver {
	case "sqlite":
		if c.Local.Path == "" {
			return fmt.Errorf("local path is required for the sqlite driver")
		}
	case "postgres":
		if c.Local.DSN == "" {
			return fmt.Errorf("local dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown local driver %q", c.Local.Driver)
	}

	if c.Remote.Driver != "postgres" && c.Remote.Driver != "sqlite" {
		return fmt.Errorf("unknown remote driver %q", c.Remote.Driver)
	}
	if c.Remote.DSN == "" {
		return fmt.Errorf("remote dsn is required")
	}

	if c.Worker.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("max concurrent tasks must be positive")
	}
	if c.Worker.TaskTimeout <= 0 {
		return fmt.Errorf("task timeout must be positive")
	}
	if c.Worker.RetryDelay < 0 {
		return fmt.Errorf("retry delay cannot be negative")
	}
	if c.Worker.MemoryLimitMB < 0 {
		return fmt.Errorf("memory limit cannot be negative")
	}

	if c.Sync.BatchSize <= 0 || c.Sync.BatchSize > 1000 {
		return fmt.Errorf("batch size must be between 1 and 1000")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync interval must be positive")
	}
	if c.Sync.DefaultMaxRetries < 0 {
		return fmt.Errorf("default max retries cannot be negative")
	}
	if c.Sync.ClockSkew < 0 {
		return fmt.Errorf("clock skew cannot be negative")
	}

	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}

	if c.Cleanup.Retention <= 0 {
		return fmt.Errorf("cleanup retention must be positive")
	}
	if a := c.Cleanup.Archive; a.Enabled {
		if a.Endpoint == "" {
			return fmt.Errorf("archive endpoint is required")
		}
		if a.Bucket == "" {
			return fmt.Errorf("archive bucket is required")
		}
	}

	return nil
}
