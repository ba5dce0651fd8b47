// Package config loads daemon settings from dojo.yaml, a .env file and the
// environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Broker    BrokerConfig    `yaml:"broker"`
	Notify    NotifyConfig    `yaml:"notify"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Pool      PoolConfig      `yaml:"pool"`
	Analyzer  AnalyzerConfig  `yaml:"analyzer"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port     int    `yaml:"port"`
	Bind     string `yaml:"bind"`
	LogLevel string `yaml:"log_level"`
	// AdminToken guards the admin problem view. Empty disables it.
	AdminToken string `yaml:"-"`
	// SubmitRatePerMinute limits submissions per client. Zero disables it.
	SubmitRatePerMinute int           `yaml:"submit_rate_per_minute"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver      string `yaml:"driver"` // sqlite, postgres
	Path        string `yaml:"path"`
	DatabaseURL string `yaml:"-"`
}

// BrokerConfig selects the verdict event bus.
type BrokerConfig struct {
	Driver        string        `yaml:"driver"` // memory, rabbitmq
	URL           string        `yaml:"-"`
	Workers       int           `yaml:"workers"`
	Prefetch      int           `yaml:"prefetch"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	RelayInterval time.Duration `yaml:"relay_interval"`
	Buffer        int           `yaml:"buffer"`
}

// NotifyConfig selects the status-change fan-out.
type NotifyConfig struct {
	Driver    string `yaml:"driver"` // memory, redis
	RedisAddr string `yaml:"redis_addr"`
	Channel   string `yaml:"channel"`
	Buffer    int    `yaml:"buffer"`
}

// SandboxConfig holds code execution settings.
type SandboxConfig struct {
	Executor       string        `yaml:"executor"` // docker, process
	CompileTimeout time.Duration `yaml:"compile_timeout"`
	KillGrace      time.Duration `yaml:"kill_grace"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	OutputLimit    int           `yaml:"output_limit_bytes"`
	ScratchRoot    string        `yaml:"scratch_root"`
	IsolateNetwork bool          `yaml:"isolate_network"`
	// AllowUnconfined enables the process executor, which does not confine
	// filesystem access. Development only.
	AllowUnconfined bool    `yaml:"allow_unconfined"`
	CPULimit        float64 `yaml:"cpu_limit"`
	PidsLimit       int64   `yaml:"pids_limit"`
}

// PoolConfig holds worker pool settings.
type PoolConfig struct {
	Workers           int           `yaml:"workers"`
	QueueCapacity     int           `yaml:"queue_capacity"`
	FastThreshold     time.Duration `yaml:"fast_threshold"`
	FastWeight        int           `yaml:"fast_weight"`
	SlowWeight        int           `yaml:"slow_weight"`
	InfraRetries      int           `yaml:"infra_retries"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	MaxSourceBytes    int           `yaml:"max_source_bytes"`
}

// AnalyzerConfig holds weakness thresholds.
type AnalyzerConfig struct {
	MinFailureRate float64       `yaml:"min_failure_rate"`
	MinAttempted   int           `yaml:"min_attempted"`
	AbandonAfter   time.Duration `yaml:"abandon_after"`
	RevisionLimit  int           `yaml:"revision_limit"`
}

// SchedulerConfig holds the spaced-repetition parameters.
type SchedulerConfig struct {
	InitialEase     float64 `yaml:"initial_ease"`
	MinEase         float64 `yaml:"min_ease"`
	EaseBonus       float64 `yaml:"ease_bonus"`
	EasePenalty     float64 `yaml:"ease_penalty"`
	MasteryInterval int     `yaml:"mastery_interval_days"`
	MasteryStreak   int     `yaml:"mastery_streak"`
}

// CatalogConfig locates the problem fixtures.
type CatalogConfig struct {
	Path              string        `yaml:"path"`
	AcceptanceRefresh time.Duration `yaml:"acceptance_refresh"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // stdout, otlp
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                8080,
			Bind:                "0.0.0.0",
			LogLevel:            "info",
			SubmitRatePerMinute: 30,
			ShutdownTimeout:     15 * time.Second,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
		},
		Broker: BrokerConfig{
			Driver:        "memory",
			Workers:       2,
			Prefetch:      1,
			RetryDelay:    time.Second,
			RelayInterval: 10 * time.Second,
			Buffer:        1024,
		},
		Notify: NotifyConfig{
			Driver:  "memory",
			Channel: "dojo:submission_events",
			Buffer:  16,
		},
		Sandbox: SandboxConfig{
			Executor:       "docker",
			IsolateNetwork: true,
			CompileTimeout: 10 * time.Second,
			KillGrace:      500 * time.Millisecond,
			PollInterval:   50 * time.Millisecond,
			OutputLimit:    1 << 20,
			CPULimit:       1.0,
			PidsLimit:      64,
		},
		Pool: PoolConfig{
			Workers:           runtime.NumCPU() * 2,
			QueueCapacity:     1000,
			FastThreshold:     5 * time.Second,
			FastWeight:        3,
			SlowWeight:        1,
			InfraRetries:      2,
			RetryInitialDelay: 200 * time.Millisecond,
			RetryMaxDelay:     2 * time.Second,
			MaxSourceBytes:    64 * 1024,
		},
		Analyzer: AnalyzerConfig{
			MinFailureRate: 0.5,
			MinAttempted:   5,
			AbandonAfter:   14 * 24 * time.Hour,
			RevisionLimit:  10,
		},
		Scheduler: SchedulerConfig{
			InitialEase:     2.5,
			MinEase:         1.3,
			EaseBonus:       0.1,
			EasePenalty:     0.2,
			MasteryInterval: 30,
			MasteryStreak:   2,
		},
		Catalog: CatalogConfig{
			Path:              "./problems",
			AcceptanceRefresh: 10 * time.Minute,
		},
		Tracing: TracingConfig{
			Exporter:    "stdout",
			ServiceName: "dojod",
			SampleRatio: 1.0,
		},
	}
}

// Load builds the configuration. A .env file next to the working directory
// is loaded first; path may be empty, in which case only defaults and the
// environment apply. A missing file at path is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnvInt("DOJO_PORT", c.Server.Port)
	c.Server.Bind = getEnv("DOJO_BIND", c.Server.Bind)
	c.Server.LogLevel = getEnv("DOJO_LOG_LEVEL", c.Server.LogLevel)
	c.Server.AdminToken = getEnv("DOJO_ADMIN_TOKEN", c.Server.AdminToken)
	c.Server.SubmitRatePerMinute = getEnvInt("DOJO_SUBMIT_RATE", c.Server.SubmitRatePerMinute)

	c.Storage.Driver = getEnv("DOJO_STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.Path = getEnv("DOJO_DB_PATH", c.Storage.Path)
	c.Storage.DatabaseURL = getEnv("DATABASE_URL", c.Storage.DatabaseURL)

	c.Broker.URL = getEnv("RABBITMQ_URL", c.Broker.URL)
	c.Broker.Driver = getEnv("DOJO_BROKER_DRIVER", c.Broker.Driver)
	c.Broker.RelayInterval = getEnvDuration("DOJO_RELAY_INTERVAL", c.Broker.RelayInterval)

	c.Notify.RedisAddr = getEnv("REDIS_ADDR", c.Notify.RedisAddr)
	c.Notify.Driver = getEnv("DOJO_NOTIFY_DRIVER", c.Notify.Driver)

	c.Sandbox.Executor = getEnv("DOJO_EXECUTOR", c.Sandbox.Executor)
	c.Sandbox.IsolateNetwork = getEnvBool("DOJO_ISOLATE_NETWORK", c.Sandbox.IsolateNetwork)
	c.Sandbox.AllowUnconfined = getEnvBool("DOJO_ALLOW_UNCONFINED", c.Sandbox.AllowUnconfined)
	c.Sandbox.CPULimit = getEnvFloat("DOJO_CPU_LIMIT", c.Sandbox.CPULimit)

	c.Pool.Workers = getEnvInt("DOJO_WORKERS", c.Pool.Workers)
	c.Pool.QueueCapacity = getEnvInt("DOJO_QUEUE_CAPACITY", c.Pool.QueueCapacity)

	c.Catalog.Path = getEnv("DOJO_PROBLEMS_PATH", c.Catalog.Path)
	c.Catalog.AcceptanceRefresh = getEnvDuration("DOJO_ACCEPTANCE_REFRESH", c.Catalog.AcceptanceRefresh)

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		c.Tracing.Enabled = true
		c.Tracing.Exporter = "otlp"
		c.Tracing.Endpoint = endpoint
	}
	c.Tracing.Enabled = getEnvBool("DOJO_TRACING", c.Tracing.Enabled)
	c.Tracing.ServiceName = getEnv("OTEL_SERVICE_NAME", c.Tracing.ServiceName)
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d out of range", c.Server.Port)
	check(oneOf(c.Server.LogLevel, "debug", "info", "warn", "error"), "server.log_level %q is not debug, info, warn or error", c.Server.LogLevel)
	check(c.Server.SubmitRatePerMinute >= 0, "server.submit_rate_per_minute must not be negative")

	check(oneOf(c.Storage.Driver, "sqlite", "postgres"), "storage.driver %q is not sqlite or postgres", c.Storage.Driver)
	check(c.Storage.Driver != "postgres" || c.Storage.DatabaseURL != "", "DATABASE_URL is required for the postgres driver")

	check(oneOf(c.Broker.Driver, "memory", "rabbitmq"), "broker.driver %q is not memory or rabbitmq", c.Broker.Driver)
	check(c.Broker.Driver != "rabbitmq" || c.Broker.URL != "", "RABBITMQ_URL is required for the rabbitmq broker")

	check(oneOf(c.Notify.Driver, "memory", "redis"), "notify.driver %q is not memory or redis", c.Notify.Driver)
	check(c.Notify.Driver != "redis" || c.Notify.RedisAddr != "", "REDIS_ADDR is required for the redis notifier")

	check(oneOf(c.Sandbox.Executor, "process", "docker"), "sandbox.executor %q is not process or docker", c.Sandbox.Executor)
	check(c.Sandbox.Executor != "process" || c.Sandbox.AllowUnconfined, "sandbox.executor process does not confine filesystem access; set sandbox.allow_unconfined for development only")
	check(c.Sandbox.KillGrace > 0, "sandbox.kill_grace must be positive")
	check(c.Sandbox.OutputLimit > 0, "sandbox.output_limit_bytes must be positive")

	check(c.Pool.Workers > 0, "pool.workers must be positive")
	check(c.Pool.QueueCapacity > 0, "pool.queue_capacity must be positive")
	check(c.Pool.FastWeight > 0 && c.Pool.SlowWeight > 0, "pool weights must be positive")
	check(c.Pool.InfraRetries >= 0, "pool.infra_retries must not be negative")

	check(c.Analyzer.MinFailureRate >= 0 && c.Analyzer.MinFailureRate <= 1, "analyzer.min_failure_rate must be within [0, 1]")
	check(c.Analyzer.MinAttempted > 0, "analyzer.min_attempted must be positive")

	check(c.Scheduler.MinEase > 0 && c.Scheduler.MinEase <= c.Scheduler.InitialEase, "scheduler.min_ease must be positive and at most initial_ease")
	check(c.Scheduler.MasteryInterval > 0 && c.Scheduler.MasteryStreak > 0, "scheduler mastery settings must be positive")

	check(c.Catalog.Path != "", "catalog.path is required")
	check(c.Catalog.AcceptanceRefresh >= 0, "catalog.acceptance_refresh must not be negative")

	if c.Tracing.Enabled {
		check(oneOf(c.Tracing.Exporter, "stdout", "otlp"), "tracing.exporter %q is not stdout or otlp", c.Tracing.Exporter)
		check(c.Tracing.SampleRatio >= 0 && c.Tracing.SampleRatio <= 1, "tracing.sample_ratio must be within [0, 1]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// Dir returns the daemon's data directory: DOJO_HOME or ~/.dojo.
func Dir() (string, error) {
	if dir := os.Getenv("DOJO_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".dojo"), nil
}

// EnsureDir creates the data directory and its logs subdirectory.
func EnsureDir() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	for _, sub := range []string{"", "logs"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0755); err != nil {
			return "", fmt.Errorf("create dir %s: %w", path, err)
		}
	}
	return dir, nil
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if strings.EqualFold(v, o) {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
