package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContextCarriesRequestAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(New(&buf, "debug", "json"))
	t.Cleanup(func() { slog.SetDefault(prev) })

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithAttrs(ctx, "tenant_id", "acme")
	FromContext(ctx).Info("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "req-1", line["request_id"])
	assert.Equal(t, "acme", line["tenant_id"])
	assert.Equal(t, "req-1", RequestID(ctx))
}

func TestWithAttrsDoesNotLeakToParent(t *testing.T) {
	parent := WithAttrs(context.Background(), "tenant_id", "a")
	child := WithAttrs(parent, "message_id", "m1")

	assert.Len(t, parent.Value(attrsKey{}).([]any), 2)
	assert.Len(t, child.Value(attrsKey{}).([]any), 4)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("anything"))
}
