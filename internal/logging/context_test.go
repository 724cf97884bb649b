package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", StepID(ctx))
	assert.Equal(t, "", Agent(ctx))

	ctx = WithExecution(ctx, "ex-1", "wf-1", "corr-1")
	ctx = WithStepID(ctx, "step1")
	ctx = WithAgent(ctx, "scorer")

	assert.Equal(t, "ex-1", ExecutionID(ctx))
	assert.Equal(t, "wf-1", WorkflowID(ctx))
	assert.Equal(t, "corr-1", CorrelationID(ctx))
	assert.Equal(t, "step1", StepID(ctx))
	assert.Equal(t, "scorer", Agent(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithExecution(context.Background(), "ex-abc", "wf-abc", "corr-abc")
	ctx = WithStepID(ctx, "step-x")

	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "execution_id=ex-abc")
	assert.Contains(t, output, "workflow_id=wf-abc")
	assert.Contains(t, output, "correlation_id=corr-abc")
	assert.Contains(t, output, "step_id=step-x")
	assert.NotContains(t, output, "agent=")
	assert.Contains(t, output, "test message")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner)).With("component", "engine")

	ctx := WithAgent(WithExecutionID(context.Background(), "ex-9"), "kyc")
	logger.InfoContext(ctx, "step done")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "ex-9", rec["execution_id"])
	assert.Equal(t, "kyc", rec["agent"])
	assert.Equal(t, "engine", rec["component"])
	assert.NotContains(t, rec, "step_id")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, Options{Level: "warn", Format: "json"})
	require.NoError(t, err)

	logger.Info("hidden")
	logger.WarnContext(WithStepID(context.Background(), "s1"), "shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"step_id":"s1"`)

	buf.Reset()
	text, err := NewLogger(&buf, Options{Level: "debug"})
	require.NoError(t, err)
	text.Debug("colored")
	assert.Contains(t, buf.String(), "colored")

	_, err = NewLogger(&buf, Options{Level: "loud"})
	assert.Error(t, err)
	_, err = NewLogger(&buf, Options{Format: "xml"})
	assert.Error(t, err)
}

func TestNewLoggerLevelVar(t *testing.T) {
	var buf bytes.Buffer
	var lv slog.LevelVar
	logger, err := NewLogger(&buf, Options{Level: "error", Format: "json", LevelVar: &lv})
	require.NoError(t, err)
	assert.Equal(t, slog.LevelError, lv.Level())

	logger.Info("before")
	lv.Set(slog.LevelInfo)
	logger.Info("after")

	out := buf.String()
	assert.NotContains(t, out, "before")
	assert.Contains(t, out, "after")
}
