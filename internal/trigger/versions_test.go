package trigger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowhub/internal/bus"
	"github.com/rendis/flowhub/internal/definitions"
	"github.com/rendis/flowhub/internal/store"
	"github.com/rendis/flowhub/internal/validation"
)

const shipYAML = `
name: ship
trigger:
  subject: orders.shipped
steps:
  - id: label
    order: 1
    agent: labeller
`

func TestRouterRepublishedWorkflowStartsOneExecution(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "router.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })

	v, err := validation.NewWorkflowValidator(nil)
	require.NoError(t, err)
	defs := definitions.NewService(s, v, nil)

	b := bus.NewMemoryBus()
	sub := newFakeSubmitter()
	router := NewRouter(Config{Bus: b, Source: defs, Submitter: sub, HubPrefix: "hub"})
	require.NoError(t, router.Start(ctx))
	t.Cleanup(func() {
		router.Stop()
		_ = b.Close()
	})
	defs.OnChange(func(ctx context.Context) { _ = router.Rebuild(ctx) })

	_, err = defs.CreateFromBytes(ctx, []byte(shipYAML), "yaml")
	require.NoError(t, err)
	v2, err := defs.CreateFromBytes(ctx, []byte(shipYAML), "yaml")
	require.NoError(t, err)

	require.Len(t, router.Match("orders.shipped"), 1)
	require.NoError(t, b.Publish(ctx, "orders.shipped", []byte(`{}`), "c-1"))

	h := &harness{bus: b, submitter: sub, router: router}
	h.waitCalls(t, 1)
	settle()
	assert.Equal(t, 1, sub.started())
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for _, exec := range sub.seen {
		assert.Equal(t, v2.ID, exec.WorkflowID)
	}
}
