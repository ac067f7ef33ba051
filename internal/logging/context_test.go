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

func TestContextIDs(t *testing.T) {
	ctx := WithIDs(context.Background(), "acme:u1:towing", "turn-1", "ask_plate")

	assert.Equal(t, "acme:u1:towing", SessionID(ctx))
	assert.Equal(t, "turn-1", TurnID(ctx))
	assert.Equal(t, "ask_plate", NodeID(ctx))

	assert.Empty(t, SessionID(context.Background()))
}

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithIDs(context.Background(), "acme:u1:towing", "turn-1", "")
	logger.InfoContext(ctx, "turn started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "acme:u1:towing", entry["session_id"])
	assert.Equal(t, "turn-1", entry["turn_id"])
	_, hasNode := entry["node_id"]
	assert.False(t, hasNode)
}

func TestLogWith_OnlyNonEmpty(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithNodeID(context.Background(), "lookup")
	LogWith(ctx, base).Info("node executed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "lookup", entry["node_id"])
	_, hasSession := entry["session_id"]
	assert.False(t, hasSession)
}
