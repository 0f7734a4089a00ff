// =============================================================================
// 📦 pipeflow 默认配置
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/pipeflow/budget"
	"github.com/BaSui01/pipeflow/checkpoint"
	"github.com/BaSui01/pipeflow/circuitbreaker"
	"github.com/BaSui01/pipeflow/eventbus"
	"github.com/BaSui01/pipeflow/idempotency"
	"github.com/BaSui01/pipeflow/retry"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:      DefaultServerConfig(),
		Log:         DefaultLogConfig(),
		Database:    DefaultDatabaseConfig(),
		Redis:       DefaultRedisConfig(),
		Mongo:       DefaultMongoConfig(),
		Checkpoint:  checkpoint.DefaultConfig(),
		Runner:      DefaultRunnerConfig(),
		Breaker:     circuitbreaker.DefaultConfig(),
		EventBus:    eventbus.DefaultConfig(),
		Budget:      budget.DefaultConfig(),
		Idempotency: DefaultIdempotencyConfig(),
		Tokenizer:   TokenizerConfig{Encoding: "cl100k_base"},
		Executors:   map[string]ExecutorConfig{},
		Templates:   TemplatesConfig{Dir: "templates", PollInterval: 5 * time.Second},
		Telemetry:   DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    50,
		RateLimitBurst:  100,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "pipeflow",
		Password:        "",
		Name:            "pipeflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		TxRetry: retry.Policy{
			MaxRetries:   3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2,
			Jitter:       true,
		},
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultMongoConfig 返回默认 MongoDB 配置
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:            "mongodb://localhost:27017",
		Database:       "pipeflow",
		ConnectTimeout: 10 * time.Second,
	}
}

// DefaultRunnerConfig 返回默认执行参数
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		StepTimeout:   5 * time.Minute,
		MaxLoops:      3,
		DefaultBudget: 5.0,
		HealthTimeout: 3 * time.Second,
		Retry:         retry.DefaultPolicy(),
	}
}

// DefaultIdempotencyConfig 返回默认幂等配置
func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		Backend:   "memory",
		KeyPrefix: "pipeflow:idem:",
		TTL:       idempotency.DefaultTTL,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "pipeflow",
		SampleRate:   0.1,
	}
}
