package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/pipeflow/checkpoint"
)

// --- 默认配置测试 ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, checkpoint.BackendMemory, cfg.Checkpoint.Backend)
	assert.Equal(t, 3, cfg.Runner.MaxLoops)
	assert.Equal(t, 5.0, cfg.Runner.DefaultBudget)
	assert.Equal(t, "memory", cfg.Idempotency.Backend)
	assert.Equal(t, "cl100k_base", cfg.Tokenizer.Encoding)
	assert.NotNil(t, cfg.Executors)
	require.NoError(t, cfg.Validate())
}

// --- 加载测试 ---

func TestLoader_MissingFileKeepsDefaults(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")).
		Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server, cfg.Server)
}

func TestLoader_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeflow.yaml")
	content := `
server:
  http_port: 9000
  allowed_origins: ["https://console.example.com"]
checkpoint:
  backend: database
database:
  driver: sqlite
  name: /tmp/pipeflow.db
runner:
  step_timeout: 45s
  max_loops: 5
  default_budget: 2.5
  retry:
    max_retries: 4
budget:
  alert_threshold: 0.9
  pricing:
    premium: 0.03
executors:
  researcher:
    type: http
    endpoint: http://researcher.internal/execute
    dependency: search-api
    tier: premium
  echo:
    type: static
    text: hello
templates:
  dir: ./defs
  watch: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, []string{"https://console.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, checkpoint.BackendDatabase, cfg.Checkpoint.Backend)
	assert.Equal(t, "/tmp/pipeflow.db", cfg.Database.DSN())
	assert.Equal(t, 45*time.Second, cfg.Runner.StepTimeout)
	assert.Equal(t, 5, cfg.Runner.MaxLoops)
	assert.Equal(t, 2.5, cfg.Runner.DefaultBudget)
	assert.Equal(t, 4, cfg.Runner.Retry.MaxRetries)
	assert.Equal(t, 0.9, cfg.Budget.AlertThreshold)
	assert.Equal(t, 0.03, cfg.Budget.Pricing["premium"])
	require.Len(t, cfg.Executors, 2)
	assert.Equal(t, "search-api", cfg.Executors["researcher"].Dependency)
	assert.Equal(t, "hello", cfg.Executors["echo"].Text)
	assert.True(t, cfg.Templates.Watch)
	// 未出现在文件中的字段保留默认值
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 5*time.Second, cfg.Templates.PollInterval)
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))

	_, err := NewLoader().WithConfigPath(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

// --- 环境变量覆盖测试 ---

func TestLoader_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 9000\n"), 0o600))

	t.Setenv("PIPEFLOW_SERVER_HTTP_PORT", "7070")
	t.Setenv("PIPEFLOW_SERVER_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("PIPEFLOW_RUNNER_STEP_TIMEOUT", "90s")
	t.Setenv("PIPEFLOW_RUNNER_DEFAULT_BUDGET", "12.5")
	t.Setenv("PIPEFLOW_RUNNER_RETRY_MAX_RETRIES", "6")
	t.Setenv("PIPEFLOW_CHECKPOINT_BACKEND", "redis")
	t.Setenv("PIPEFLOW_TELEMETRY_ENABLED", "true")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.HTTPPort)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 90*time.Second, cfg.Runner.StepTimeout)
	assert.Equal(t, 12.5, cfg.Runner.DefaultBudget)
	assert.Equal(t, 6, cfg.Runner.Retry.MaxRetries)
	assert.Equal(t, checkpoint.BackendRedis, cfg.Checkpoint.Backend)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("PF_LOG_LEVEL", "debug")

	cfg, err := NewLoader().WithEnvPrefix("PF").Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("PIPEFLOW_SERVER_HTTP_PORT", "not-a-number")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PIPEFLOW_SERVER_HTTP_PORT")
}

// --- 验证测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Server.HTTPPort = 0 }, "invalid HTTP port"},
		{"unknown backend", func(c *Config) { c.Checkpoint.Backend = "etcd" }, "unknown checkpoint backend"},
		{"bad driver", func(c *Config) {
			c.Checkpoint.Backend = checkpoint.BackendDatabase
			c.Database.Driver = "oracle"
		}, "unsupported database driver"},
		{"mongo without uri", func(c *Config) {
			c.Checkpoint.Backend = checkpoint.BackendMongo
			c.Mongo.URI = ""
		}, "mongo backend requires"},
		{"zero budget", func(c *Config) { c.Runner.DefaultBudget = 0 }, "default_budget"},
		{"negative retries", func(c *Config) { c.Runner.Retry.MaxRetries = -1 }, "max_retries"},
		{"alert threshold", func(c *Config) { c.Budget.AlertThreshold = 1.5 }, "alert_threshold"},
		{"breaker threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }, "failure_threshold"},
		{"idempotency backend", func(c *Config) { c.Idempotency.Backend = "file" }, "idempotency backend"},
		{"http executor without endpoint", func(c *Config) {
			c.Executors["remote"] = ExecutorConfig{Type: "http"}
		}, "executor remote: endpoint is required"},
		{"unknown executor type", func(c *Config) {
			c.Executors["grpc"] = ExecutorConfig{Type: "grpc"}
		}, "unknown type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ValidateCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.HTTPPort = -1
	cfg.Runner.DefaultBudget = -2

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid HTTP port")
	assert.Contains(t, err.Error(), "default_budget")
}

func TestLoader_CustomValidator(t *testing.T) {
	_, err := NewLoader().
		WithValidator(func(c *Config) error {
			if len(c.Executors) == 0 {
				return assert.AnError
			}
			return nil
		}).
		Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}

// --- DSN 测试 ---

func TestDatabaseConfig_DSN(t *testing.T) {
	pg := DefaultDatabaseConfig()
	assert.Equal(t, "host=localhost port=5432 user=pipeflow password= dbname=pipeflow sslmode=disable", pg.DSN())

	my := DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "u", Password: "p", Name: "pf"}
	assert.Equal(t, "u:p@tcp(db:3306)/pf?parseTime=true&multiStatements=true", my.DSN())

	assert.Empty(t, (&DatabaseConfig{Driver: "oracle"}).DSN())
}

func TestMustLoad_Panics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 0\n"), 0o600))
	assert.Panics(t, func() { MustLoad(path) })
}
