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

func jsonRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec), buf.String())
	return rec
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

func TestNew_Levels(t *testing.T) {
	ctx := context.Background()
	assert.False(t, New("", "text").Enabled(ctx, slog.LevelDebug))
	assert.True(t, New("debug", "text").Enabled(ctx, slog.LevelDebug))
	assert.False(t, New("error", "json").Enabled(ctx, slog.LevelWarn))
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "info", "JSON").Info("evaluated", "score", 42, "risk_level", "WARNING")

	rec := jsonRecord(t, &buf)
	assert.Equal(t, "evaluated", rec["msg"])
	assert.Equal(t, 42.0, rec["score"])
	assert.Equal(t, "WARNING", rec["risk_level"])
	assert.NotContains(t, rec, "source", "source only at debug level")
}

func TestNewWithWriter_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "info", "json").Info("dispatcher ready",
		"webhook_secret", "s3cr3t",
		"redis_url", "redis://:pw@localhost:6379",
		"transport", "webhook")

	rec := jsonRecord(t, &buf)
	assert.Equal(t, Redacted, rec["webhook_secret"])
	assert.Equal(t, Redacted, rec["redis_url"])
	assert.Equal(t, "webhook", rec["transport"])
}

func TestContextIDs(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))
	assert.Empty(t, EvaluationID(ctx))

	ctx = WithEvaluationID(WithRequestID(ctx, "req-123"), "eval-9")
	assert.Equal(t, "req-123", RequestID(ctx))
	assert.Equal(t, "eval-9", EvaluationID(ctx))
}

func TestFromContext(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))

	custom := Discard()
	assert.Same(t, custom, FromContext(WithLogger(context.Background(), custom)))
}

func TestL_AttachesIDs(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))
	ctx = WithRequestID(WithEvaluationID(ctx, "eval-7"), "req-1")

	L(ctx).Info("scored")

	rec := jsonRecord(t, &buf)
	assert.Equal(t, "eval-7", rec["evaluation_id"])
	assert.Equal(t, "req-1", rec["request_id"])
}

func TestOrDiscard(t *testing.T) {
	assert.NotNil(t, OrDiscard(nil))
	l := Discard()
	assert.Same(t, l, OrDiscard(l))
}
