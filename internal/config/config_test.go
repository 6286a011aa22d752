package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paiban/continuity/pkg/errors"
	"github.com/paiban/continuity/pkg/model"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const sampleYAML = `
app:
  name: continuity-test
  env: production
  port: 9090
database:
  driver: sqlite3
  path: /tmp/runs.db
solver:
  base_url: http://solver:8080
  timeout: 10s
  max_retries: 5
pipeline:
  default_k: 2
  empty_pool_policy: exclude
  poll_interval: 1s
  max_wait: 10m
auth:
  enabled: true
  keys:
    - name: ops
      key: k-ops
      scopes: [runs:read, runs:write]
mqtt:
  enabled: true
  broker: tcp://mqtt:1883
  qos: 1
`

func TestLoad_YAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.yaml", sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "continuity-test", cfg.App.Name)
	assert.Equal(t, 9090, cfg.App.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "json", cfg.Log.Format, "生产环境默认JSON日志")

	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "/tmp/runs.db", cfg.Database.DSN())

	assert.Equal(t, "http://solver:8080", cfg.Solver.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Solver.Timeout)
	assert.Equal(t, 5, cfg.Solver.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Solver.InitialBackoff)

	assert.Equal(t, 2, cfg.Pipeline.DefaultK)
	assert.Equal(t, model.EmptyPoolExclude, cfg.Pipeline.EmptyPoolPolicy)
	assert.Equal(t, 10*time.Minute, cfg.Pipeline.MaxWait)

	require.Len(t, cfg.Auth.Keys, 1)
	assert.Equal(t, []string{"runs:read", "runs:write"}, cfg.Auth.Keys[0].Scopes)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.Equal(t, "continuity/runs", cfg.MQTT.Topic)
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "config.json", `{"solver":{"base_url":"http://localhost:8081"},"pipeline":{"default_k":4}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Pipeline.DefaultK)
	assert.Equal(t, 64, cfg.Pipeline.RetainedRuns)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "config.yaml", sampleYAML)
	t.Setenv("CONT_SOLVER__BASE_URL", "http://override:9000")
	t.Setenv("CONT_PIPELINE__DEFAULT_K", "5")
	t.Setenv("CONT_DATABASE__DRIVER", "postgres")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://override:9000", cfg.Solver.BaseURL)
	assert.Equal(t, 5, cfg.Pipeline.DefaultK)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Contains(t, cfg.Database.DSN(), "dbname=continuity")
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("CONT_SOLVER__BASE_URL", "http://solver")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Pipeline.DefaultK)
	assert.Equal(t, model.EmptyPoolUnconstrained, cfg.Pipeline.EmptyPoolPolicy)
}

func TestLoad_UnsupportedFormat(t *testing.T) {
	_, err := Load(writeFile(t, "config.toml", "x = 1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeInvalidInput))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"缺少求解器地址", func(c *Config) { c.Solver.BaseURL = "" }, "solver.base_url"},
		{"K小于1", func(c *Config) { c.Pipeline.DefaultK = -1 }, "pipeline.default_k"},
		{"未知空池策略", func(c *Config) { c.Pipeline.EmptyPoolPolicy = "drop" }, "pipeline.empty_pool_policy"},
		{"等待时间过短", func(c *Config) { c.Pipeline.MaxWait = time.Millisecond }, "pipeline.max_wait"},
		{"未知驱动", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"认证无密钥", func(c *Config) { c.Auth.Enabled = true }, "auth.keys"},
		{"MQTT缺少broker", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.broker"},
		{"Influx缺少bucket", func(c *Config) { c.Influx.Enabled = true; c.Influx.URL = "http://influx" }, "influx"},
		{"端口越界", func(c *Config) { c.App.Port = 70000 }, "app.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Solver: SolverConfig{BaseURL: "http://solver"}}
			cfg.SetDefaults()
			require.NoError(t, cfg.Validate())

			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)

			var appErr *errors.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Contains(t, appErr.Fields, tt.field)
		})
	}
}

func TestValidate_LocalSolver(t *testing.T) {
	cfg := &Config{Solver: SolverConfig{Local: true}}
	cfg.SetDefaults()
	assert.NoError(t, cfg.Validate(), "内置求解器不需要 base_url")
}

func TestLoadWith_Override(t *testing.T) {
	cfg, err := LoadWith("", func(c *Config) {
		c.Solver.Local = true
		c.Pipeline.DefaultK = 2
	})
	require.NoError(t, err)
	assert.True(t, cfg.Solver.Local)
	assert.Equal(t, 2, cfg.Pipeline.DefaultK)
}
