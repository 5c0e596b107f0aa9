package config

import (
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultDatabasePath is the default SQLite database location.
	DefaultDatabasePath = "./curator.db"

	// DefaultBusyTimeout is the SQLite busy timeout applied at open.
	DefaultBusyTimeout = "5s"

	// DefaultRetryAttempts is the number of attempts for lock-contended writes.
	DefaultRetryAttempts = 5

	// DefaultRetryBackoff is the initial backoff between write retries.
	DefaultRetryBackoff = "50ms"

	// DefaultScanWorkers is the size of the task worker pool.
	DefaultScanWorkers = 2

	// DefaultProgressEvery is how many files are processed between
	// progress events on a long scan.
	DefaultProgressEvery = 100

	// DefaultMaxTaskRetries bounds explicit task retries.
	DefaultMaxTaskRetries = 3

	// DefaultSchedulerInterval is how often the scheduler loop checks
	// for due schedules.
	DefaultSchedulerInterval = "30s"

	// envPrefix namespaces environment variable overrides.
	envPrefix = "CURATOR"
)

// Config is the root configuration for curator.
type Config struct {
	Global    GlobalConfig     `yaml:"global"`
	Database  DatabaseConfig   `yaml:"database"`
	Scan      ScanConfig       `yaml:"scan"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	API       APIConfig        `yaml:"api"`
	Schedules []ScheduleConfig `yaml:"schedules,omitempty"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver      string         `yaml:"driver"`
	SQLite      SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres    PostgresConfig `yaml:"postgres,omitempty"`
	BusyTimeout string         `yaml:"busy_timeout,omitempty"`
	Retry       RetryConfig    `yaml:"retry,omitempty"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// RetryConfig tunes the bounded retry wrapper around contended writes.
// Both fields are operational knobs, overridable via CURATOR_DB_RETRY_*
// environment variables.
type RetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts,omitempty"`
	Backoff     string `yaml:"backoff,omitempty"`
}

// ScanConfig contains scanning pipeline settings.
type ScanConfig struct {
	Workers        int          `yaml:"workers,omitempty"`
	ProgressEvery  int          `yaml:"progress_every,omitempty"`
	MaxTaskRetries int          `yaml:"max_task_retries,omitempty"`
	TaskTimeout    string       `yaml:"task_timeout,omitempty"`
	Defaults       FilterConfig `yaml:"defaults,omitempty"`
}

// FilterConfig describes discovery filters for a scan root. Size bounds
// accept human-readable values such as "512KB" or "2GB".
type FilterConfig struct {
	Include       []string `yaml:"include,omitempty" json:"include,omitempty"`
	Exclude       []string `yaml:"exclude,omitempty" json:"exclude,omitempty"`
	Extensions    []string `yaml:"extensions,omitempty" json:"extensions,omitempty"`
	MimeTypes     []string `yaml:"mime_types,omitempty" json:"mime_types,omitempty"`
	MinSize       string   `yaml:"min_size,omitempty" json:"min_size,omitempty"`
	MaxSize       string   `yaml:"max_size,omitempty" json:"max_size,omitempty"`
	ModifiedAfter string   `yaml:"modified_after,omitempty" json:"modified_after,omitempty"`
	MaxFiles      int      `yaml:"max_files,omitempty" json:"max_files,omitempty"`
	MaxRuntime    string   `yaml:"max_runtime,omitempty" json:"max_runtime,omitempty"`
}

// SchedulerConfig contains scheduler loop settings.
type SchedulerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval,omitempty"`
}

// ScheduleConfig defines a recurring scan seeded into the store at startup.
type ScheduleConfig struct {
	Name    string       `yaml:"name"`
	Cron    string       `yaml:"cron"`
	Root    string       `yaml:"root"`
	Filters FilterConfig `yaml:"filters,omitempty"`
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	return &cfg, nil
}

// Default returns a configuration with all defaults applied and no
// config file, suitable for one-shot CLI scans.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	return cfg
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultDatabasePath
	}

	if c.Database.BusyTimeout == "" {
		c.Database.BusyTimeout = DefaultBusyTimeout
	}

	if c.Database.Retry.MaxAttempts == 0 {
		c.Database.Retry.MaxAttempts = DefaultRetryAttempts
	}

	if c.Database.Retry.Backoff == "" {
		c.Database.Retry.Backoff = DefaultRetryBackoff
	}

	if c.Scan.Workers == 0 {
		c.Scan.Workers = DefaultScanWorkers
	}

	if c.Scan.ProgressEvery == 0 {
		c.Scan.ProgressEvery = DefaultProgressEvery
	}

	if c.Scan.MaxTaskRetries == 0 {
		c.Scan.MaxTaskRetries = DefaultMaxTaskRetries
	}

	if c.Scheduler.Interval == "" {
		c.Scheduler.Interval = DefaultSchedulerInterval
	}

	if c.API.Server.Listen == "" {
		c.API.Server.Listen = ":8481"
	}
}

// applyEnvOverrides layers CURATOR_* environment variables over the
// operational tunables. Retry and worker parameters are deployment
// knobs, not code constants.
func (c *Config) applyEnvOverrides() {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if n := v.GetInt("DB_RETRY_ATTEMPTS"); n > 0 {
		c.Database.Retry.MaxAttempts = n
	}

	if s := v.GetString("DB_RETRY_BACKOFF"); s != "" {
		c.Database.Retry.Backoff = s
	}

	if s := v.GetString("DB_BUSY_TIMEOUT"); s != "" {
		c.Database.BusyTimeout = s
	}

	if n := v.GetInt("SCAN_WORKERS"); n > 0 {
		c.Scan.Workers = n
	}
}

// cronParser accepts standard 5-field cron expressions.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if _, err := time.ParseDuration(c.Database.BusyTimeout); err != nil {
		return fmt.Errorf("invalid busy_timeout: %w", err)
	}

	if _, err := time.ParseDuration(c.Database.Retry.Backoff); err != nil {
		return fmt.Errorf("invalid retry backoff: %w", err)
	}

	if c.Database.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be at least 1")
	}

	if c.Scan.TaskTimeout != "" {
		if _, err := time.ParseDuration(c.Scan.TaskTimeout); err != nil {
			return fmt.Errorf("invalid task_timeout: %w", err)
		}
	}

	if _, err := time.ParseDuration(c.Scheduler.Interval); err != nil {
		return fmt.Errorf("invalid scheduler interval: %w", err)
	}

	if err := c.Scan.Defaults.Validate(); err != nil {
		return fmt.Errorf("scan defaults: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Schedules))

	for i, sched := range c.Schedules {
		if sched.Name == "" {
			return fmt.Errorf("schedule %d: name is required", i)
		}

		if _, exists := seen[sched.Name]; exists {
			return fmt.Errorf("schedule %d: duplicate name %q", i, sched.Name)
		}

		seen[sched.Name] = struct{}{}

		if sched.Root == "" {
			return fmt.Errorf("schedule %q: root is required", sched.Name)
		}

		if _, err := cronParser.Parse(sched.Cron); err != nil {
			return fmt.Errorf("schedule %q: invalid cron spec: %w", sched.Name, err)
		}

		if err := sched.Filters.Validate(); err != nil {
			return fmt.Errorf("schedule %q: %w", sched.Name, err)
		}
	}

	return nil
}

// Validate checks size, time, and runtime fields for parseability.
func (f *FilterConfig) Validate() error {
	if f.MinSize != "" {
		if _, err := units.FromHumanSize(f.MinSize); err != nil {
			return fmt.Errorf("invalid min_size %q: %w", f.MinSize, err)
		}
	}

	if f.MaxSize != "" {
		if _, err := units.FromHumanSize(f.MaxSize); err != nil {
			return fmt.Errorf("invalid max_size %q: %w", f.MaxSize, err)
		}
	}

	if f.ModifiedAfter != "" {
		if _, err := time.Parse(time.RFC3339, f.ModifiedAfter); err != nil {
			return fmt.Errorf("invalid modified_after %q: %w", f.ModifiedAfter, err)
		}
	}

	if f.MaxRuntime != "" {
		if _, err := time.ParseDuration(f.MaxRuntime); err != nil {
			return fmt.Errorf("invalid max_runtime %q: %w", f.MaxRuntime, err)
		}
	}

	return nil
}

// MinSizeBytes returns the parsed min_size, or 0 when unset.
func (f *FilterConfig) MinSizeBytes() int64 {
	if f.MinSize == "" {
		return 0
	}

	n, err := units.FromHumanSize(f.MinSize)
	if err != nil {
		return 0
	}

	return n
}

// MaxSizeBytes returns the parsed max_size, or 0 when unset.
func (f *FilterConfig) MaxSizeBytes() int64 {
	if f.MaxSize == "" {
		return 0
	}

	n, err := units.FromHumanSize(f.MaxSize)
	if err != nil {
		return 0
	}

	return n
}

// ModifiedAfterTime returns the parsed modified_after bound, or the zero
// time when unset.
func (f *FilterConfig) ModifiedAfterTime() time.Time {
	if f.ModifiedAfter == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339, f.ModifiedAfter)
	if err != nil {
		return time.Time{}
	}

	return t
}

// MaxRuntimeDuration returns the parsed max_runtime, or 0 when unset.
func (f *FilterConfig) MaxRuntimeDuration() time.Duration {
	if f.MaxRuntime == "" {
		return 0
	}

	d, err := time.ParseDuration(f.MaxRuntime)
	if err != nil {
		return 0
	}

	return d
}
