package diagram

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowhub/internal/engine"
	"github.com/rendis/flowhub/internal/store"
	"github.com/rendis/flowhub/pkg/schema"
)

func TestRenderMermaidLinear(t *testing.T) {
	m, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	out := RenderMermaid(m)
	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, "%% order-review v2")
	assert.Contains(t, out, `__start__(("Start"))`)
	assert.Contains(t, out, `score["score (scorer)"]`)
	assert.Contains(t, out, `review{{"review (reviewer)"}}`)
	assert.Contains(t, out, "score --> review")
	assert.Contains(t, out, `review -->|"score.value > 10"| ship`)
	assert.NotContains(t, out, "subgraph")
	assert.NotContains(t, out, "class score")
}

func TestRenderMermaidParallel(t *testing.T) {
	m, err := Build(parallelWorkflow(), nil)
	require.NoError(t, err)

	out := RenderMermaid(m)
	assert.Contains(t, out, `subgraph order_2["order 2 (parallel)"]`)
	assert.Contains(t, out, `        left["left (b)"]`)
	assert.Equal(t, 1, strings.Count(out, `left["left (b)"]`))
}

func TestRenderMermaidStatusClasses(t *testing.T) {
	view := &engine.ExecutionView{
		Execution: &store.Execution{ID: "ex-1"},
		Logs: []*store.LogEntry{
			{StepID: "score", Event: schema.EventStepCompleted},
			{StepID: "ship", Event: schema.EventStepSkipped},
		},
		Approvals: []*store.Approval{{StepID: "review", Status: schema.ApprovalPending}},
	}
	m, err := Build(linearWorkflow(), view)
	require.NoError(t, err)

	out := RenderMermaid(m)
	assert.Contains(t, out, "class score succeeded")
	assert.Contains(t, out, "class review awaiting")
	assert.Contains(t, out, "class ship skipped")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "fan_out_a_b", mermaidSafeID("fan-out.a b"))
}

func TestRenderImage(t *testing.T) {
	m, err := Build(parallelWorkflow(), nil)
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), m, FormatPNG)
	require.NoError(t, err)
	require.True(t, len(png) > 8, "PNG should be larger than header")
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])

	svg, err := RenderImage(context.Background(), m, FormatSVG)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
	assert.Contains(t, string(svg), "order 2")

	_, err = RenderImage(context.Background(), m, "gif")
	assert.Error(t, err)
}

func TestImageContentType(t *testing.T) {
	assert.Equal(t, "image/svg+xml", FormatSVG.ContentType())
	assert.Equal(t, "image/png", FormatPNG.ContentType())
}
