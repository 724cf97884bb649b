package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/flowhub/internal/agents"
	"github.com/rendis/flowhub/internal/engine"
	"github.com/rendis/flowhub/internal/logging"
)

// Config holds all flowhub server configuration.
// Priority: flags > FLOWHUB_* env vars > flowhub.yaml > defaults.
type Config struct {
	ListenAddr string           `mapstructure:"listen_addr"`
	DBPath     string           `mapstructure:"db_path"`
	HubPrefix  string           `mapstructure:"hub_prefix"`
	Log        LogConfig        `mapstructure:"log"`
	Bus        BusConfig        `mapstructure:"bus"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Invocation InvocationConfig `mapstructure:"invocation"`
	Approvals  ApprovalsConfig  `mapstructure:"approvals"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type BusConfig struct {
	Driver  string `mapstructure:"driver"` // memory | nats
	NATSURL string `mapstructure:"nats_url"`
}

type EngineConfig struct {
	MaxConcurrentExecutions int           `mapstructure:"max_concurrent_executions"`
	MaxFanOut               int           `mapstructure:"max_fan_out"`
	FanOutPolicy            string        `mapstructure:"fan_out_policy"`
	DefaultStepTimeout      time.Duration `mapstructure:"default_step_timeout"`
	DefaultApprovalTimeout  time.Duration `mapstructure:"default_approval_timeout"`
}

type InvocationConfig struct {
	MaxRetries       int           `mapstructure:"max_retries"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffFactor    float64       `mapstructure:"backoff_factor"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	Jitter           float64       `mapstructure:"jitter"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

type ApprovalsConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":4200")
	v.SetDefault("db_path", "file:flowhub.db")
	v.SetDefault("hub_prefix", "hub")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "pretty")
	v.SetDefault("bus.driver", "memory")
	v.SetDefault("bus.nats_url", "nats://127.0.0.1:4222")

	eng := engine.DefaultConfig()
	v.SetDefault("engine.max_concurrent_executions", eng.MaxConcurrentExecutions)
	v.SetDefault("engine.max_fan_out", eng.MaxFanOut)
	v.SetDefault("engine.fan_out_policy", string(eng.FanOutPolicy))
	v.SetDefault("engine.default_step_timeout", eng.DefaultStepTimeout)
	v.SetDefault("engine.default_approval_timeout", eng.DefaultApprovalTimeout)

	retry := agents.DefaultRetryPolicy()
	breaker := agents.DefaultBreakerConfig()
	v.SetDefault("invocation.max_retries", retry.MaxRetries)
	v.SetDefault("invocation.backoff_base", retry.Base)
	v.SetDefault("invocation.backoff_factor", retry.Factor)
	v.SetDefault("invocation.backoff_max", retry.Max)
	v.SetDefault("invocation.jitter", retry.Jitter)
	v.SetDefault("invocation.breaker_threshold", breaker.FailureThreshold)
	v.SetDefault("invocation.breaker_cooldown", breaker.Cooldown)

	v.SetDefault("approvals.sweep_interval", time.Minute)
}

func flowhubDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowhub"
	}
	return filepath.Join(home, ".flowhub")
}

// newViper prepares the layered loader. configFile overrides the search path.
func newViper(configFile string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("flowhub")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(flowhubDir())
	}

	v.SetEnvPrefix("FLOWHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// readConfig reads the config file, if any, and decodes every layer.
// A missing file in the search path is not an error; a missing --config is.
func readConfig(v *viper.Viper) (Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return decodeConfig(v)
}

func decodeConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.HubPrefix == "" || strings.ContainsAny(c.HubPrefix, "*> ") {
		errs = append(errs, fmt.Errorf("hub_prefix %q must be a literal subject token", c.HubPrefix))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "pretty", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	switch c.Bus.Driver {
	case "memory":
	case "nats":
		if c.Bus.NATSURL == "" {
			errs = append(errs, errors.New("bus.nats_url is required for the nats driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bus.driver %q", c.Bus.Driver))
	}
	if c.Engine.MaxConcurrentExecutions <= 0 {
		errs = append(errs, errors.New("engine.max_concurrent_executions must be positive"))
	}
	if c.Engine.MaxFanOut <= 0 {
		errs = append(errs, errors.New("engine.max_fan_out must be positive"))
	}
	switch engine.FanOutPolicy(c.Engine.FanOutPolicy) {
	case engine.WaitAll, engine.FailFast:
	default:
		errs = append(errs, fmt.Errorf("unknown engine.fan_out_policy %q", c.Engine.FanOutPolicy))
	}
	if c.Invocation.MaxRetries < 0 {
		errs = append(errs, errors.New("invocation.max_retries must not be negative"))
	}
	if c.Invocation.Jitter < 0 || c.Invocation.Jitter > 1 {
		errs = append(errs, errors.New("invocation.jitter must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

func (c Config) engineConfig() engine.Config {
	return engine.Config{
		MaxConcurrentExecutions: c.Engine.MaxConcurrentExecutions,
		MaxFanOut:               c.Engine.MaxFanOut,
		FanOutPolicy:            engine.FanOutPolicy(c.Engine.FanOutPolicy),
		DefaultStepTimeout:      c.Engine.DefaultStepTimeout,
		DefaultApprovalTimeout:  c.Engine.DefaultApprovalTimeout,
	}
}

func (c Config) clientConfig() agents.ClientConfig {
	return agents.ClientConfig{
		Retry: agents.RetryPolicy{
			MaxRetries: c.Invocation.MaxRetries,
			Base:       c.Invocation.BackoffBase,
			Factor:     c.Invocation.BackoffFactor,
			Max:        c.Invocation.BackoffMax,
			Jitter:     c.Invocation.Jitter,
		},
		Breaker: agents.BreakerConfig{
			FailureThreshold: c.Invocation.BreakerThreshold,
			Cooldown:         c.Invocation.BreakerCooldown,
		},
		DefaultTimeout: c.Engine.DefaultStepTimeout,
	}
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // keys that only take effect after a restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.Log.Level != new.Log.Level {
		d.LogLevelChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.HubPrefix != new.HubPrefix {
		d.RestartNeeded = append(d.RestartNeeded, "hub_prefix")
	}
	if old.Log.Format != new.Log.Format {
		d.RestartNeeded = append(d.RestartNeeded, "log.format")
	}
	if old.Bus != new.Bus {
		d.RestartNeeded = append(d.RestartNeeded, "bus")
	}
	if old.Engine != new.Engine {
		d.RestartNeeded = append(d.RestartNeeded, "engine")
	}
	if old.Invocation != new.Invocation {
		d.RestartNeeded = append(d.RestartNeeded, "invocation")
	}
	if old.Approvals != new.Approvals {
		d.RestartNeeded = append(d.RestartNeeded, "approvals")
	}
	return d
}
