package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowhub/internal/engine"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowhub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := readConfig(newViper(""))
	require.NoError(t, err)

	assert.Equal(t, ":4200", cfg.ListenAddr)
	assert.Equal(t, "file:flowhub.db", cfg.DBPath)
	assert.Equal(t, "hub", cfg.HubPrefix)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "pretty", cfg.Log.Format)
	assert.Equal(t, "memory", cfg.Bus.Driver)
	assert.Equal(t, 16, cfg.Engine.MaxConcurrentExecutions)
	assert.Equal(t, 8, cfg.Engine.MaxFanOut)
	assert.Equal(t, "wait_all", cfg.Engine.FanOutPolicy)
	assert.Equal(t, 60*time.Second, cfg.Engine.DefaultStepTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Engine.DefaultApprovalTimeout)
	assert.Equal(t, 3, cfg.Invocation.MaxRetries)
	assert.Equal(t, time.Second, cfg.Invocation.BackoffBase)
	assert.Equal(t, 2.0, cfg.Invocation.BackoffFactor)
	assert.Equal(t, 30*time.Second, cfg.Invocation.BackoffMax)
	assert.Equal(t, 0.5, cfg.Invocation.Jitter)
	assert.Equal(t, 5, cfg.Invocation.BreakerThreshold)
	assert.Equal(t, 30*time.Second, cfg.Invocation.BreakerCooldown)
	assert.Equal(t, time.Minute, cfg.Approvals.SweepInterval)
}

func TestConfigLayers(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":9000"
log:
  level: debug
engine:
  max_fan_out: 4
  default_step_timeout: 5s
invocation:
  max_retries: 1
`)
	t.Setenv("FLOWHUB_ENGINE_MAX_FAN_OUT", "2")
	t.Setenv("FLOWHUB_LOG_FORMAT", "json")

	cfg, err := readConfig(newViper(path))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format, "env overrides default")
	assert.Equal(t, 2, cfg.Engine.MaxFanOut, "env overrides file")
	assert.Equal(t, 5*time.Second, cfg.Engine.DefaultStepTimeout)
	assert.Equal(t, 1, cfg.Invocation.MaxRetries)
	assert.Equal(t, 16, cfg.Engine.MaxConcurrentExecutions, "default kept")
}

func TestFlagsOverrideConfig(t *testing.T) {
	path := writeConfig(t, "db_path: file:from-file.db\n")

	cmd := newServeCmd(&cli{})
	cmd.Flags().String("db", "", "")
	cmd.Flags().String("log-level", "", "")
	require.NoError(t, cmd.Flags().Parse([]string{"--db", "file:from-flag.db", "--listen", ":7000"}))

	v := newViper(path)
	require.NoError(t, bindFlags(v, cmd))
	cfg, err := readConfig(v)
	require.NoError(t, err)

	assert.Equal(t, "file:from-flag.db", cfg.DBPath)
	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.Log.Level, "unset flag leaves lower layers alone")
}

func TestMissingExplicitConfigFile(t *testing.T) {
	_, err := readConfig(newViper(filepath.Join(t.TempDir(), "absent.yaml")))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	defaults, err := readConfig(newViper(""))
	require.NoError(t, err)
	valid := func() Config { return defaults }

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"fan-out", func(c *Config) { c.Engine.MaxFanOut = 0 }, "max_fan_out"},
		{"concurrency", func(c *Config) { c.Engine.MaxConcurrentExecutions = -1 }, "max_concurrent_executions"},
		{"policy", func(c *Config) { c.Engine.FanOutPolicy = "first_wins" }, "fan_out_policy"},
		{"bus driver", func(c *Config) { c.Bus.Driver = "kafka" }, "bus.driver"},
		{"nats url", func(c *Config) { c.Bus.Driver = "nats"; c.Bus.NATSURL = "" }, "nats_url"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"hub prefix", func(c *Config) { c.HubPrefix = "hub.>" }, "hub_prefix"},
		{"jitter", func(c *Config) { c.Invocation.Jitter = 2 }, "jitter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.NoError(t, valid().Validate())
}

func TestEngineAndClientConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := readConfig(newViper(""))
	require.NoError(t, err)

	assert.Equal(t, engine.DefaultConfig(), cfg.engineConfig())

	cc := cfg.clientConfig()
	assert.Equal(t, 3, cc.Retry.MaxRetries)
	assert.Equal(t, 5, cc.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cc.DefaultTimeout)
}

func TestDiffConfigs(t *testing.T) {
	base := Config{ListenAddr: ":4200", DBPath: "file:a.db", Log: LogConfig{Level: "info", Format: "pretty"}}

	d := diffConfigs(base, base)
	assert.False(t, d.LogLevelChanged)
	assert.Empty(t, d.RestartNeeded)

	next := base
	next.Log.Level = "debug"
	next.ListenAddr = ":9000"
	next.Engine.MaxFanOut = 2
	d = diffConfigs(base, next)
	assert.True(t, d.LogLevelChanged)
	assert.Equal(t, []string{"listen_addr", "engine"}, d.RestartNeeded)
}

func TestBuildAppStartsAndCloses(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := readConfig(newViper(""))
	require.NoError(t, err)
	cfg.DBPath = "file:" + filepath.Join(t.TempDir(), "app.db")
	cfg.Log.Format = "json"

	var buf bytes.Buffer
	c := &cli{viper: newViper("")}
	_, logger, err := c.load(&buf)
	require.NoError(t, err)

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, logger)
	require.NoError(t, err)
	require.NoError(t, a.start(ctx))

	wf, err := a.definitions.CreateFromBytes(ctx, []byte(validWorkflowYAML), "yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{wf.TriggerSubject()}, a.router.Patterns())

	a.close()
}
