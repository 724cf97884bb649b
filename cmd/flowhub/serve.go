package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/flowhub/internal/api"
	"github.com/rendis/flowhub/internal/logging"
	"github.com/rendis/flowhub/pkg/mcp"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, trigger router, approval sweeper and engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := c.load(os.Stderr)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().String("listen", "", "HTTP listen address (listen_addr)")
	cmd.Flags().String("bus", "", "bus driver: memory, nats (bus.driver)")
	cmd.Flags().String("nats-url", "", "NATS server URL (bus.nats_url)")
	return cmd
}

func (c *cli) serve(ctx context.Context, cfg Config, logger *slog.Logger) error {
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.start(ctx); err != nil {
		return err
	}
	c.watchConfig(cfg, logger)

	srv := api.NewServer(api.Deps{
		Definitions: a.definitions,
		Engine:      a.engine,
		Approvals:   a.approvals,
		Agents:      a.registry,
		Bus:         a.bus,
		HubPrefix:   cfg.HubPrefix,
		MCP:         a.mcp.HTTPHandler(),
		Logger:      logger.With(slog.String("component", "api")),
	})
	notifier := mcp.NewNotifier(a.mcp.MCPServer(), a.sessions, a.bus, cfg.HubPrefix, logger.With(slog.String("component", "mcp")))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("flowhub listening", slog.String("addr", cfg.ListenAddr), slog.String("version", version))
		return srv.Start(cfg.ListenAddr)
	})
	g.Go(func() error {
		return notifier.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// watchConfig reloads the config file on change. The log level applies in
// place; every other change is reported as needing a restart.
func (c *cli) watchConfig(current Config, logger *slog.Logger) {
	if c.viper.ConfigFileUsed() == "" {
		return
	}
	c.viper.OnConfigChange(func(ev fsnotify.Event) {
		next, err := decodeConfig(c.viper)
		if err != nil {
			logger.Warn("config reload rejected", slog.String("file", ev.Name), slog.String("error", err.Error()))
			return
		}
		d := diffConfigs(current, next)
		if d.LogLevelChanged {
			level, _ := logging.ParseLevel(next.Log.Level)
			c.levelVar.Set(level)
			logger.Info("log level changed", slog.String("level", next.Log.Level))
		}
		if len(d.RestartNeeded) > 0 {
			logger.Warn("config changes need a restart", slog.Any("keys", d.RestartNeeded))
		}
		current = next
	})
	c.viper.WatchConfig()
}
