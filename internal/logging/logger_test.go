package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelInfo, FormatJSON)
	logger.SetOutput(&buf)

	logger.WithCredential(42).WithError(errors.New("rejected")).Warn("credential auto-disabled")

	var entry LogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry.Level)
	assert.Equal(t, "credential auto-disabled", entry.Message)
	assert.Equal(t, float64(42), entry.Fields["credentialId"])
	assert.Equal(t, "rejected", entry.Fields["error"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelWarn, FormatText)
	logger.SetOutput(&buf)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "warn: shown")
}

func TestDerivedLoggerSharesOutput(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger(LevelInfo, FormatText)
	child := parent.WithField("component", "pool")
	parent.SetOutput(&buf)

	child.Info("selected")
	assert.True(t, strings.Contains(buf.String(), `"component":"pool"`))
}

func TestWithFieldDoesNotMutateParent(t *testing.T) {
	parent := NewLogger(LevelInfo, FormatJSON)
	_ = parent.WithField("a", 1)
	assert.Empty(t, parent.fields)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "[EMPTY]", Redact(""))
	assert.Equal(t, "...abc", Redact("abc"))
	assert.Equal(t, "...wxyz", Redact("refresh-token-wxyz"))
}

func TestFromContext(t *testing.T) {
	logger := NewLogger(LevelDebug, FormatJSON)
	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLogLevel(tt.in))
		})
	}
	assert.Equal(t, FormatText, ParseLogFormat("text"))
	assert.Equal(t, FormatJSON, ParseLogFormat("yaml"))
}
