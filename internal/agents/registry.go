package agents

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rendis/flowhub/internal/bus"
	"github.com/rendis/flowhub/internal/store"
	"github.com/rendis/flowhub/pkg/schema"
)

// Registry maps agent names to their transport descriptors. Reads are served
// from an immutable snapshot that is rebuilt and swapped on every write.
type Registry struct {
	store    store.Store
	rpc      Invoker
	bus      Invoker
	outputs  *OutputValidator
	logger   *slog.Logger
	writeMu  sync.Mutex
	snapshot atomic.Pointer[map[string]*store.Agent]
}

// RegistryDeps holds the Registry's collaborators.
type RegistryDeps struct {
	Store   store.Store
	RPC     Invoker
	Bus     Invoker
	Outputs *OutputValidator
	Logger  *slog.Logger
}

// NewRegistry creates a Registry. Call Refresh to load the snapshot.
func NewRegistry(deps RegistryDeps) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := &Registry{
		store:   deps.Store,
		rpc:     deps.RPC,
		bus:     deps.Bus,
		outputs: deps.Outputs,
		logger:  deps.Logger,
	}
	empty := map[string]*store.Agent{}
	r.snapshot.Store(&empty)
	return r
}

// Refresh reloads the snapshot from the store.
func (r *Registry) Refresh(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.refreshLocked(ctx)
}

func (r *Registry) refreshLocked(ctx context.Context) error {
	all, err := r.store.ListAgents(ctx, store.AgentFilter{})
	if err != nil {
		return schema.Persistence("list agents", err)
	}
	next := make(map[string]*store.Agent, len(all))
	for _, a := range all {
		next[a.Name] = a
	}
	r.snapshot.Store(&next)
	return nil
}

// Register validates def and upserts the agent by name. Re-registering keeps
// the original id.
func (r *Registry) Register(ctx context.Context, def schema.AgentDefinition) (*store.Agent, error) {
	if err := r.validate(def); err != nil {
		return nil, err
	}

	active := true
	if def.Active != nil {
		active = *def.Active
	}
	agent := &store.Agent{
		ID:           uuid.New().String(),
		Name:         def.Name,
		Capabilities: def.Capabilities,
		Transport:    def.Transport,
		OutputSchema: def.OutputSchema,
		Active:       active,
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.store.UpsertAgent(ctx, agent); err != nil {
		return nil, schema.Persistence("upsert agent", err)
	}

	cur := *r.snapshot.Load()
	next := make(map[string]*store.Agent, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[agent.Name] = agent
	r.snapshot.Store(&next)

	r.logger.Info("agent registered",
		slog.String("agent", agent.Name),
		slog.String("transport", string(agent.Transport.Kind)),
		slog.Bool("active", agent.Active),
	)
	return agent, nil
}

func (r *Registry) validate(def schema.AgentDefinition) error {
	if def.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent name is required")
	}
	switch def.Transport.Kind {
	case schema.TransportRPC:
		u, err := url.ParseRequestURI(def.Transport.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"agent %q: invalid rpc endpoint %q", def.Name, def.Transport.Endpoint)
		}
	case schema.TransportBus:
		if err := bus.ValidateSubject(def.Transport.Subject); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "agent %q: %v", def.Name, err)
		}
	default:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"agent %q: transport kind must be rpc or bus, got %q", def.Name, def.Transport.Kind)
	}
	if r.outputs != nil {
		if err := r.outputs.CheckSchema(def.OutputSchema); err != nil {
			return err
		}
	}
	return nil
}

// Has reports whether name is registered. It reads the snapshot only.
func (r *Registry) Has(name string) bool {
	_, ok := (*r.snapshot.Load())[name]
	return ok
}

// Find returns the agent registered under name.
func (r *Registry) Find(ctx context.Context, name string) (*store.Agent, error) {
	if a, ok := (*r.snapshot.Load())[name]; ok {
		return a, nil
	}
	a, err := r.store.GetAgentByName(ctx, name)
	if err != nil {
		return nil, schema.Persistence("get agent", err)
	}
	return a, nil
}

// ListByCapability returns active agents advertising capability.
func (r *Registry) ListByCapability(ctx context.Context, capability string) ([]*store.Agent, error) {
	return r.List(ctx, store.AgentFilter{Capability: capability, ActiveOnly: true})
}

// List returns agents matching filter.
func (r *Registry) List(ctx context.Context, filter store.AgentFilter) ([]*store.Agent, error) {
	agents, err := r.store.ListAgents(ctx, filter)
	if err != nil {
		return nil, schema.Persistence("list agents", err)
	}
	return agents, nil
}

// Resolve returns the agent and the invoker for its transport. An unknown or
// inactive agent is a rejected invocation.
func (r *Registry) Resolve(ctx context.Context, name string) (*Binding, error) {
	agent, err := r.Find(ctx, name)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, schema.NewInvocationError(schema.InvocationRejected, name, "agent is not registered")
		}
		return nil, err
	}
	if !agent.Active {
		return nil, schema.NewInvocationError(schema.InvocationRejected, name, "agent is inactive")
	}

	var inv Invoker
	switch agent.Transport.Kind {
	case schema.TransportRPC:
		inv = r.rpc
	case schema.TransportBus:
		inv = r.bus
	}
	if inv == nil {
		return nil, schema.NewInvocationError(schema.InvocationRejected, name,
			"no invoker for transport %q", agent.Transport.Kind)
	}
	return &Binding{Agent: agent, Invoker: inv}, nil
}
