package config

import "time"

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		Log:      DefaultLogConfig(),
		Pool:     DefaultPoolConfig(),
		Tester:   DefaultTesterConfig(),
		Executor: DefaultExecutorConfig(),
		Events:   DefaultEventConfig(),
		Redis:    DefaultRedisConfig(),
		Database: DefaultDatabaseConfig(),
		Metrics:  DefaultMetricsConfig(),
	}
}

// DefaultLogConfig returns default logging settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultPoolConfig returns default proxy pool settings.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Alpha:          0.3,
		DeathThreshold: 3,
		InitialScore:   0.5,
		Strategy:       "weighted",
	}
}

// DefaultTesterConfig returns default health probing settings.
func DefaultTesterConfig() TesterConfig {
	return TesterConfig{
		RatePerSecond: 20,
		Burst:         5,
		Concurrency:   10,
		RetestDead:    true,
		ProbeTimeout:  10 * time.Second,
		Interval:      0,
	}
}

// DefaultExecutorConfig returns default execution settings.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxActionRetries:   2,
		MaxIdentityRetries: 3,
		MaxIterations:      100,
		ActionTimeout:      30 * time.Second,
		ProxyRequired:      true,
		Variation:          "medium",
	}
}

// DefaultEventConfig returns default event bus settings.
func DefaultEventConfig() EventConfig {
	return EventConfig{BufferSize: 256}
}

// DefaultRedisConfig returns default Redis settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:     false,
		Addr:        "localhost:6379",
		DB:          0,
		KeyPrefix:   "ghostflow",
		SnapshotTTL: 24 * time.Hour,
	}
}

// DefaultDatabaseConfig returns default sqlite settings.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Enabled: false,
		Path:    "ghostflow.db",
	}
}

// DefaultMetricsConfig returns default metrics endpoint settings.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled: false,
		Addr:    ":9091",
	}
}
