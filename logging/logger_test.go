package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-doc-sync/errors"
)

func TestLogger(t *testing.T) {
	configs := []Config{
		{Level: "debug", Format: "text", Environment: EnvDevelopment, AddSource: true},
		{Level: "info", Format: "json", Environment: EnvProduction, AddSource: false},
	}

	for _, config := range configs {
		t.Run("Environment_"+config.Environment, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(&buf, config)

			logger.Debug("Debug message", slog.String("key", "value"))
			logger.Info("Info message", slog.Int("count", 42))

			testErr := errors.NewStorageError(errors.OpSave, fmt.Errorf("storage error"))
			logger.LogError(context.Background(), testErr, "Operation failed")

			childLogger := logger.WithComponent(Component("test"))
			childLogger.Info("Child logger message")

			err := logger.LogOperation(
				context.Background(),
				Operation("test_op"),
				Component("test_component"),
				func() error {
					time.Sleep(time.Millisecond)
					return nil
				},
			)
			require.NoError(t, err)

			out := buf.String()
			assert.Contains(t, out, "Info message")
			assert.Contains(t, out, "Operation failed")
			assert.Contains(t, out, "operation completed")
			if config.Level == "info" {
				assert.NotContains(t, out, "Debug message")
			} else {
				assert.Contains(t, out, "Debug message")
			}
		})
	}
}

func TestLogErrorRendersSyncError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, Config{Level: "info", Format: "json"})

	err := fmt.Errorf("wrapped: %w", &errors.SyncError{
		Op:        errors.OpLoad,
		Component: "storage/sqlite",
		Code:      errors.ErrCodeStorageFailure,
		Kind:      errors.KindInternal,
		Err:       fmt.Errorf("disk I/O error"),
	})
	logger.LogError(context.Background(), err, "load failed", slog.String("doc_id", "doc1"))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "load failed", record["msg"])
	assert.Equal(t, "doc1", record["doc_id"])

	syncErr, ok := record["sync_error"].(map[string]any)
	require.True(t, ok, "sync_error should be a group")
	assert.Equal(t, "load", syncErr["operation"])
	assert.Equal(t, "storage/sqlite", syncErr["component"])
	assert.Contains(t, record, "caller")
}

func TestDynamicLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, levelVar := NewLoggerWithDynamicLevel(&buf, Config{Level: "info", Format: "text"})

	logger.Debug("hidden")
	assert.False(t, strings.Contains(buf.String(), "hidden"))

	require.True(t, levelVar.SetFromString("debug"))
	logger.Debug("visible")
	assert.Contains(t, buf.String(), "visible")

	assert.False(t, levelVar.SetFromString("loud"))
}

func TestSyncErrorValuer(t *testing.T) {
	syncErr := &errors.SyncError{
		Op:        errors.OpCanSync,
		Component: "test",
		Code:      errors.ErrCodeStorageFailure,
		Kind:      errors.KindInternal,
		Err:       fmt.Errorf("underlying error"),
		Retryable: true,
		Metadata: map[string]interface{}{
			"retry_count": 3,
		},
	}

	logValue := SyncErrorValuer{SyncError: syncErr}.LogValue()
	assert.Equal(t, slog.KindGroup, logValue.Kind())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
	assert.Equal(t, "TRACE", LevelTrace.String())
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("LOG_FORMAT", "")
	t.Setenv("ENVIRONMENT", EnvTest)

	cfg := ApplyEnv(Config{})
	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, "text", cfg.Format)
	assert.Equal(t, EnvTest, cfg.Environment)
}

func TestDiscard(t *testing.T) {
	Discard().Error("nothing to see")
}
