package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/flowhub/internal/logging"
)

// cli carries state shared by every subcommand.
type cli struct {
	configFile string
	viper      *viper.Viper
	levelVar   slog.LevelVar
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "flowhub",
		Short:         "Event-triggered workflow orchestration for agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			c.viper = newViper(c.configFile)
			return bindFlags(c.viper, cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "config file (default: ./flowhub.yaml or ~/.flowhub/flowhub.yaml)")
	flags.String("db", "", "database path (db_path)")
	flags.String("log-level", "", "log level: debug, info, warn, error (log.level)")
	flags.String("log-format", "", "log format: pretty, json (log.format)")
	flags.String("hub-prefix", "", "subject prefix of hub-internal events (hub_prefix)")

	root.AddCommand(
		newServeCmd(c),
		newMigrateCmd(c),
		newValidateCmd(),
		newMCPCmd(c),
		newVersionCmd(),
	)
	return root
}

// bindFlags binds the persistent flags onto their config keys. Only flags the
// user set override lower layers.
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	bindings := map[string]string{
		"db":         "db_path",
		"log-level":  "log.level",
		"log-format": "log.format",
		"hub-prefix": "hub_prefix",
		"listen":     "listen_addr",
		"bus":        "bus.driver",
		"nats-url":   "bus.nats_url",
	}
	for flag, key := range bindings {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind --%s: %w", flag, err)
		}
	}
	return nil
}

// load reads the layered config and builds the process logger.
func (c *cli) load(w io.Writer) (Config, *slog.Logger, error) {
	cfg, err := readConfig(c.viper)
	if err != nil {
		return Config{}, nil, err
	}
	logger, err := logging.NewLogger(w, logging.Options{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		LevelVar: &c.levelVar,
	})
	if err != nil {
		return Config{}, nil, err
	}
	if used := c.viper.ConfigFileUsed(); used != "" {
		logger.Debug("config loaded", slog.String("file", used))
	}
	return cfg, logger, nil
}
