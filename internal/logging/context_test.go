package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", RunID(ctx))
	assert.Equal(t, "", NodeID(ctx))
	assert.Equal(t, "", AgentID(ctx))

	ctx = WithRunID(ctx, "run-123")
	ctx = WithNodeID(ctx, "fanout")
	ctx = WithAgentID(ctx, "talk_to_document")

	assert.Equal(t, "run-123", RunID(ctx))
	assert.Equal(t, "fanout", NodeID(ctx))
	assert.Equal(t, "talk_to_document", AgentID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithRunID(context.Background(), "run-abc")
	ctx = WithNodeID(ctx, "n1")

	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "run_id=run-abc")
	assert.Contains(t, output, "node_id=n1")
	assert.NotContains(t, output, "agent_id=")
	assert.Contains(t, output, "test message")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithAgentID(WithRunID(context.Background(), "run-9"), "obligations_manager")
	logger.InfoContext(ctx, "dispatch")

	output := buf.String()
	assert.Contains(t, output, "run_id=run-9")
	assert.Contains(t, output, "agent_id=obligations_manager")
	assert.Contains(t, output, "msg=dispatch")
}

func TestCorrelationHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil))).
		With("component", "executor").
		WithGroup("g")

	logger.InfoContext(WithNodeID(context.Background(), "loop1"), "iter", "n", 2)

	output := buf.String()
	assert.Contains(t, output, "component=executor")
	assert.Contains(t, output, "g.n=2")
	assert.Contains(t, output, "g.node_id=loop1")
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger := New("warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown", "error", errors.New("boom"))

	output := buf.String()
	assert.NotContains(t, output, "hidden")
	assert.Contains(t, output, "shown")
	assert.Contains(t, output, "err=boom")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
