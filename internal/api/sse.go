package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rendis/flowhub/internal/execlog"
	"github.com/rendis/flowhub/pkg/schema"
)

const sseKeepAlive = 15 * time.Second

// handleExecutionEvents streams the events of one execution via Server-Sent
// Events. The persisted log is replayed first; live events follow, skipping
// any sequence already sent. The stream ends once a terminal lifecycle event
// has been delivered.
func (s *Server) handleExecutionEvents(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	// Subscribe before reading the log so nothing falls between the two.
	ch, cancel, err := s.deps.Bus.Subscribe(ctx, execlog.Pattern(s.deps.HubPrefix, id))
	if err != nil {
		return err
	}
	defer cancel()

	view, err := s.deps.Engine.Get(ctx, id)
	if err != nil {
		return err
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	var last int64
	for _, entry := range view.Logs {
		data, err := json.Marshal(execlog.Event{
			ExecutionID:   entry.ExecutionID,
			CorrelationID: view.CorrelationID,
			Sequence:      entry.Sequence,
			StepOrder:     entry.StepOrder,
			StepID:        entry.StepID,
			Level:         entry.Level,
			Event:         entry.Event,
			Message:       entry.Message,
			Data:          entry.Data,
			Timestamp:     entry.Timestamp,
		})
		if err != nil {
			continue
		}
		writeEvent(w, entry.Sequence, entry.Event, data)
		last = entry.Sequence
	}
	if view.Status.Terminal() {
		return nil
	}

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			w.Flush()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev execlog.Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				s.deps.Logger.Warn("undecodable execution event", slog.String("subject", msg.Subject))
				continue
			}
			if ev.Sequence != 0 && ev.Sequence <= last {
				continue
			}
			if ev.Sequence > last {
				last = ev.Sequence
			}
			writeEvent(w, ev.Sequence, ev.Event, msg.Payload)
			if terminalEvent(ev.Event) {
				return nil
			}
		}
	}
}

func writeEvent(w *echo.Response, seq int64, event string, data []byte) {
	if seq > 0 {
		fmt.Fprintf(w, "id: %d\n", seq)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	w.Flush()
}

func terminalEvent(event string) bool {
	switch event {
	case schema.EventExecutionCompleted, schema.EventExecutionFailed, schema.EventExecutionCancelled:
		return true
	}
	return false
}
