// Package config loads engine configuration from defaults, an optional YAML
// file, and environment variable overrides, in that order of precedence.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("ghostflow.yaml").
//	    WithEnvPrefix("GHOSTFLOW").
//	    Load()
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	// Log configures structured logging.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Pool configures proxy scoring and eviction.
	Pool PoolConfig `yaml:"pool" env:"POOL"`

	// Tester configures proxy health probing.
	Tester TesterConfig `yaml:"tester" env:"TESTER"`

	// Executor configures flow execution retry budgets and timeouts.
	Executor ExecutorConfig `yaml:"executor" env:"EXECUTOR"`

	// Events configures the in-process event bus.
	Events EventConfig `yaml:"events" env:"EVENTS"`

	// Redis configures the optional snapshot store backend.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database configures the sqlite persistence file.
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths are zap sink URLs.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// EnableCaller annotates entries with the call site.
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// PoolConfig configures proxy selection and scoring.
type PoolConfig struct {
	// Alpha is the EMA weight for outcome scoring.
	Alpha float64 `yaml:"alpha" env:"ALPHA"`
	// DeathThreshold is the consecutive-failure count that kills a proxy.
	DeathThreshold int `yaml:"death_threshold" env:"DEATH_THRESHOLD"`
	// InitialScore seeds untested proxies.
	InitialScore float64 `yaml:"initial_score" env:"INITIAL_SCORE"`
	// Strategy is the default selection strategy.
	Strategy string `yaml:"strategy" env:"STRATEGY"`
}

// TesterConfig configures health probing throughput.
type TesterConfig struct {
	RatePerSecond float64       `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
	Burst         int           `yaml:"burst" env:"BURST"`
	Concurrency   int           `yaml:"concurrency" env:"CONCURRENCY"`
	RetestDead    bool          `yaml:"retest_dead" env:"RETEST_DEAD"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" env:"PROBE_TIMEOUT"`
	// Interval between periodic test runs; zero disables periodic testing.
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
}

// ExecutorConfig configures retry budgets and per-action limits.
type ExecutorConfig struct {
	// MaxActionRetries bounds in-place retries of one failing action.
	MaxActionRetries int `yaml:"max_action_retries" env:"MAX_ACTION_RETRIES"`
	// MaxIdentityRetries bounds identity rotations per execution.
	MaxIdentityRetries int `yaml:"max_identity_retries" env:"MAX_IDENTITY_RETRIES"`
	// MaxIterations bounds total action dispatches per execution.
	MaxIterations int `yaml:"max_iterations" env:"MAX_ITERATIONS"`
	// ActionTimeout bounds one browser call.
	ActionTimeout time.Duration `yaml:"action_timeout" env:"ACTION_TIMEOUT"`
	// ProxyRequired fails identity creation when no proxy is available.
	ProxyRequired bool `yaml:"proxy_required" env:"PROXY_REQUIRED"`
	// Variation is the default replay variation level.
	Variation string `yaml:"variation" env:"VARIATION"`
}

// EventConfig configures the event bus.
type EventConfig struct {
	// BufferSize is the bus channel capacity; events are dropped beyond it.
	BufferSize int `yaml:"buffer_size" env:"BUFFER_SIZE"`
}

// RedisConfig configures the Redis snapshot store.
type RedisConfig struct {
	// Enabled switches the snapshot store from memory to Redis.
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	// KeyPrefix namespaces snapshot keys.
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// SnapshotTTL ages out snapshots of abandoned executions.
	SnapshotTTL time.Duration `yaml:"snapshot_ttl" env:"SNAPSHOT_TTL"`
}

// DatabaseConfig configures sqlite persistence for flows and proxies.
type DatabaseConfig struct {
	// Enabled switches the flow and proxy stores from memory to sqlite.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Path is the sqlite database file.
	Path string `yaml:"path" env:"PATH"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
}

// Loader loads configuration with builder-style options.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the default env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "GHOSTFLOW"}
}

// WithConfigPath sets the YAML file path. A missing file is not an error.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a validation hook run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration: defaults, then YAML file, then env.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation: %w", err)
		}
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// MustLoad loads configuration from path, panicking on error.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("load config: %v", err))
	}
	return cfg
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []string

	if c.Pool.Alpha <= 0 || c.Pool.Alpha > 1 {
		errs = append(errs, "pool.alpha must be in (0, 1]")
	}
	if c.Pool.DeathThreshold <= 0 {
		errs = append(errs, "pool.death_threshold must be positive")
	}
	if c.Executor.MaxIterations <= 0 {
		errs = append(errs, "executor.max_iterations must be positive")
	}
	if c.Executor.MaxActionRetries < 0 || c.Executor.MaxIdentityRetries < 0 {
		errs = append(errs, "executor retry budgets must not be negative")
	}
	if c.Events.BufferSize <= 0 {
		errs = append(errs, "events.buffer_size must be positive")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr required when redis is enabled")
	}
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path required when database is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
