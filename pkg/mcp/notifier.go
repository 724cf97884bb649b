package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowhub/internal/bus"
	"github.com/rendis/flowhub/internal/execlog"
	"github.com/rendis/flowhub/pkg/schema"
)

// NotificationSender delivers a notification to one MCP session.
// *server.MCPServer satisfies it.
type NotificationSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// Notifier forwards execution events from the bus to the MCP session that
// triggered the execution. Delivery is best-effort.
type Notifier struct {
	sender    NotificationSender
	sessions  *SessionRegistry
	bus       bus.Bus
	hubPrefix string
	logger    *slog.Logger
}

// NewNotifier creates a Notifier. Call Run to start forwarding.
func NewNotifier(sender NotificationSender, sessions *SessionRegistry, b bus.Bus, hubPrefix string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if hubPrefix == "" {
		hubPrefix = "hub"
	}
	return &Notifier{sender: sender, sessions: sessions, bus: b, hubPrefix: hubPrefix, logger: logger}
}

// Run subscribes to every execution event and forwards it until ctx is
// cancelled or the bus closes.
func (n *Notifier) Run(ctx context.Context) error {
	ch, cancel, err := n.bus.Subscribe(ctx, bus.Join(n.hubPrefix, "workflow", ">"))
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			n.forward(msg)
		}
	}
}

func (n *Notifier) forward(msg bus.Message) {
	var ev execlog.Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return
	}
	sessionID, ok := n.sessions.Resolve(ev.ExecutionID, ev.CorrelationID)
	if !ok {
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}
	err := n.sender.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
		"level":  "info",
		"logger": "flowhub",
		"data":   payload,
	})
	switch {
	case errors.Is(err, server.ErrSessionNotFound):
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return
	case err != nil:
		n.logger.Warn("mcp notification failed",
			slog.String("execution_id", ev.ExecutionID),
			slog.String("error", err.Error()),
		)
	}

	switch ev.Event {
	case schema.EventExecutionCompleted, schema.EventExecutionFailed, schema.EventExecutionCancelled:
		n.sessions.Forget(ev.ExecutionID)
	}
}
