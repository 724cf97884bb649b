package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowhub/pkg/schema"
)

func TestExprEngine_Name(t *testing.T) {
	assert.Equal(t, "expr", NewExprEngine().Name())
}

func TestExpr_Guard(t *testing.T) {
	e := NewExprEngine()
	payload := map[string]any{
		"amount": float64(150),
		"items":  []any{map[string]any{"sku": "a"}, map[string]any{"sku": "b"}},
		"tags":   []any{"vip"},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"numeric", `payload.amount > 100`, true},
		{"subject prefix", `subject startsWith "hub.orders"`, true},
		{"correlation", `correlationId == "c-1"`, true},
		{"array predicate", `any(payload.items, .sku == "b")`, true},
		{"membership", `"vip" in payload.tags`, true},
		{"nil coalescing", `(payload.missing ?? 0) == 0`, true},
		{"optional chaining", `payload?.customer?.id == nil`, true},
		{"false", `payload.amount < 10`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Guard(context.Background(), tt.expr, "hub.orders.eu.created", "c-1", payload)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpr_GuardNonBool(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Guard(context.Background(), `payload.amount`, "s", "", map[string]any{"amount": 1})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
}

func TestExpr_GuardRuntimeError(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Guard(context.Background(), `payload.name + 1 > 0`, "s", "", map[string]any{"name": "x"})
	require.Error(t, err)
}

func TestExpr_Compile(t *testing.T) {
	e := NewExprEngine()
	assert.NoError(t, e.Compile(`payload.a == 1`))
	assert.Error(t, e.Compile(`payload.a ==`))
	assert.Error(t, e.Compile(""))
}

func TestExpr_ProgramReusedAcrossPayloadShapes(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	ok, err := e.Guard(ctx, `payload.kind == "a"`, "s", "", map[string]any{"kind": "a"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Guard(ctx, `payload.kind == "a"`, "s", "", map[string]any{"kind": float64(1), "extra": true})
	require.NoError(t, err)
	assert.False(t, ok)
}
