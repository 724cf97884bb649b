package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rendis/flowhub/internal/agents"
	"github.com/rendis/flowhub/internal/approvals"
	"github.com/rendis/flowhub/internal/bus"
	"github.com/rendis/flowhub/internal/definitions"
	"github.com/rendis/flowhub/internal/engine"
	"github.com/rendis/flowhub/internal/execlog"
	"github.com/rendis/flowhub/internal/expressions"
	"github.com/rendis/flowhub/internal/store"
	"github.com/rendis/flowhub/internal/trigger"
	"github.com/rendis/flowhub/internal/validation"
	"github.com/rendis/flowhub/pkg/mcp"
)

// app is the wired component graph shared by serve and mcp.
type app struct {
	cfg    Config
	logger *slog.Logger

	store       *store.LibSQLStore
	bus         bus.Bus
	recorder    *execlog.Recorder
	registry    *agents.Registry
	client      *agents.Client
	approvals   *approvals.Manager
	sweeper     *approvals.Sweeper
	engine      *engine.Engine
	definitions *definitions.Service
	router      *trigger.Router
	sessions    *mcp.SessionRegistry
	mcp         *mcp.Server
}

// buildApp opens the store, runs migrations and wires every component.
// Nothing is started; call start.
func buildApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	s, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = s
	if err := s.Migrate(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	b, err := openBus(cfg.Bus, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.bus = b

	a.recorder = execlog.NewRecorder(s, b, cfg.HubPrefix, logger.With(slog.String("component", "execlog")))

	schemas, err := validation.NewJSONSchemaValidator()
	if err != nil {
		a.close()
		return nil, err
	}
	outputs := agents.NewOutputValidator(schemas)
	a.registry = agents.NewRegistry(agents.RegistryDeps{
		Store:   s,
		RPC:     agents.NewRPCInvoker(agents.RPCConfig{}),
		Bus:     agents.NewBusInvoker(b, cfg.HubPrefix),
		Outputs: outputs,
		Logger:  logger.With(slog.String("component", "agents")),
	})
	if err := a.registry.Refresh(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("load agents: %w", err)
	}
	a.client = agents.NewClient(a.registry, outputs, cfg.clientConfig(), logger.With(slog.String("component", "invocation")))

	a.approvals = approvals.NewManager(s, a.recorder, logger.With(slog.String("component", "approvals")))
	a.sweeper = approvals.NewSweeper(a.approvals, cfg.Approvals.SweepInterval, logger.With(slog.String("component", "sweeper")))

	a.engine, err = engine.New(cfg.engineConfig(), engine.Deps{
		Store:     s,
		Agents:    a.client,
		Approvals: a.approvals,
		Recorder:  a.recorder,
		Logger:    logger.With(slog.String("component", "engine")),
	})
	if err != nil {
		a.close()
		return nil, err
	}

	validator, err := validation.NewWorkflowValidator(a.registry)
	if err != nil {
		a.close()
		return nil, err
	}
	a.definitions = definitions.NewService(s, validator, logger.With(slog.String("component", "definitions")))

	a.router = trigger.NewRouter(trigger.Config{
		Bus:       b,
		Source:    a.definitions,
		Submitter: a.engine,
		Guards:    expressions.NewExprEngine(),
		HubPrefix: cfg.HubPrefix,
		Logger:    logger.With(slog.String("component", "trigger")),
	})
	a.definitions.OnChange(func(ctx context.Context) {
		if err := a.router.Rebuild(ctx); err != nil {
			a.logger.Error("trigger table rebuild failed", slog.String("error", err.Error()))
		}
	})

	a.sessions = mcp.NewSessionRegistry()
	a.mcp = mcp.NewServer(mcp.ServerDeps{
		Definitions: a.definitions,
		Executions:  a.engine,
		Approvals:   a.approvals,
		Agents:      a.registry,
		Sessions:    a.sessions,
		Logger:      logger.With(slog.String("component", "mcp")),
	})
	return a, nil
}

// start recovers interrupted executions, then opens the trigger router and
// the approval sweeper.
func (a *app) start(ctx context.Context) error {
	n, err := a.engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover executions: %w", err)
	}
	if n > 0 {
		a.logger.Info("executions recovered", slog.Int("count", n))
	}
	if err := a.router.Start(ctx); err != nil {
		return fmt.Errorf("start trigger router: %w", err)
	}
	if err := a.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start approval sweeper: %w", err)
	}
	return nil
}

// close stops components in reverse wiring order. Safe on a partial app.
func (a *app) close() {
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if a.router != nil {
		a.router.Stop()
	}
	if a.engine != nil {
		a.engine.Shutdown()
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.Warn("bus close failed", slog.String("error", err.Error()))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", slog.String("error", err.Error()))
		}
	}
}

func openBus(cfg BusConfig, logger *slog.Logger) (bus.Bus, error) {
	switch cfg.Driver {
	case "", "memory":
		return bus.NewMemoryBus(), nil
	case "nats":
		b, err := bus.NewNATSBus(bus.NATSConfig{
			URL:    cfg.NATSURL,
			Logger: logger.With(slog.String("component", "bus")),
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, errors.New("unknown bus driver " + cfg.Driver)
}
