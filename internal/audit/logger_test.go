package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reims/reims-ai/internal/models"
)

func readLines(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]interface{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), sc.Text())
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func newAuditLogger(t *testing.T) (Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	cfg := DefaultConfig()
	cfg.AuditLogPath = path
	cfg.Compress = false

	l, err := NewLogger(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Empty(t, cfg.AppLogPath)
	assert.Empty(t, cfg.AuditLogPath)
	assert.Equal(t, 100, cfg.MaxSize)
}

func TestNewAppLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewAppLogger(DefaultConfig(), &buf)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("ensemble run complete", zap.String("entity", "prop-7"))
	require.NoError(t, logger.Sync())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "ensemble run complete", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "prop-7", entry["entity"])
	assert.Contains(t, entry, "timestamp")
}

func TestNewAppLogger_Console(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Format = "console"
	cfg.Level = "debug"

	logger, err := NewAppLogger(cfg, &buf)
	require.NoError(t, err)
	logger.Debug("scoring", zap.Int("rows", 24))
	require.NoError(t, logger.Sync())

	assert.Contains(t, buf.String(), "DEBUG")
	assert.Contains(t, buf.String(), "scoring")
	assert.Contains(t, buf.String(), `"rows": 24`)
}

func TestNewAppLogger_InvalidSettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "verbose"
	_, err := NewAppLogger(cfg, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")

	cfg = DefaultConfig()
	cfg.Format = "xml"
	_, err = NewAppLogger(cfg, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log format")
}

func TestNewAppLogger_TeesToFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AppLogPath = filepath.Join(t.TempDir(), "app.log")
	cfg.Compress = false

	var buf bytes.Buffer
	logger, err := NewAppLogger(cfg, &buf)
	require.NoError(t, err)
	logger.Warn("detector failed, excluded from ensemble", zap.String("method", "cusum"))
	require.NoError(t, logger.Sync())

	lines := readLines(t, cfg.AppLogPath)
	require.Len(t, lines, 1)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "cusum", lines[0]["method"])
	assert.Contains(t, buf.String(), "detector failed")
}

func TestNewLogger_DisabledWithoutPath(t *testing.T) {
	l, err := NewLogger(DefaultConfig())
	require.NoError(t, err)
	assert.IsType(t, NopLogger{}, l)
	assert.NoError(t, l.LogCachePruned(context.Background(), 3))
	assert.NoError(t, l.Close())
}

func TestLogRunAndAnomalies(t *testing.T) {
	l, path := newAuditLogger(t)
	ctx := context.Background()

	active := models.ConsensusAnomaly{
		Entity:             "prop-7",
		Field:              "operating_expenses",
		Type:               models.AnomalyTypeSpike,
		Representative:     models.Candidate{PeriodKey: "2024-12", Description: "z-score 4.10"},
		EnsembleConfidence: 84,
		MethodsAgreed:      3,
		State:              models.StateActive,
		Impact:             &models.ImpactAssessment{ImpactScore: 63.5},
	}
	suppressed := active
	suppressed.Impact = nil
	suppressed.State = models.StateSuppressed
	suppressed.SuppressionReason = "impact $50.00 below materiality floor $100.00"

	require.NoError(t, l.LogAnomaly(ctx, "run-1", active))
	require.NoError(t, l.LogAnomaly(ctx, "run-1", suppressed))
	require.NoError(t, l.LogRunCompleted(ctx, "run-1", "prop-7", "operating_expenses", 1, 1, 25*time.Millisecond))
	require.NoError(t, l.Sync())

	lines := readLines(t, path)
	require.Len(t, lines, 3)

	assert.Equal(t, string(EventAnomalyActive), lines[0]["message"])
	assert.Equal(t, "run-1", lines[0]["correlation_id"])
	event := lines[0]["event"].(map[string]interface{})
	assert.Equal(t, "2024-12", event["period_key"])
	meta := event["metadata"].(map[string]interface{})
	assert.Equal(t, 63.5, meta["impact_score"])
	assert.Equal(t, "spike", meta["type"])

	assert.Equal(t, string(EventAnomalySuppressed), lines[1]["message"])
	assert.Equal(t, string(ResultSuppressed), lines[1]["result"])
	meta = lines[1]["event"].(map[string]interface{})["metadata"].(map[string]interface{})
	assert.Equal(t, suppressed.SuppressionReason, meta["suppression_reason"])
	assert.NotContains(t, meta, "impact_score")

	assert.Equal(t, string(EventRunCompleted), lines[2]["message"])
	assert.Equal(t, float64(25), lines[2]["event"].(map[string]interface{})["duration_ms"])
}

func TestLogRunFailed(t *testing.T) {
	l, path := newAuditLogger(t)

	require.NoError(t, l.LogRunFailed(context.Background(), "prop-7", "revenue", errors.New("duplicate period_key")))
	require.NoError(t, l.Sync())

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	assert.Equal(t, string(ResultFailure), lines[0]["result"])
	assert.Equal(t, "duplicate period_key", lines[0]["event"].(map[string]interface{})["error"])
}

func TestCorrelationIDFromContext(t *testing.T) {
	l, path := newAuditLogger(t)

	id := GenerateCorrelationID()
	ctx := WithCorrelationID(context.Background(), id)
	assert.Equal(t, id, GetCorrelationID(ctx))
	assert.Empty(t, GetCorrelationID(context.Background()))

	require.NoError(t, l.LogCacheInvalidated(ctx, "prop-7/revenue", "isolation_forest", 2))
	require.NoError(t, l.LogConfigLoaded(ctx, "reims.yaml"))
	require.NoError(t, l.Sync())

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Equal(t, id, line["correlation_id"])
	}
	assert.Equal(t, float64(2), lines[0]["event"].(map[string]interface{})["metadata"].(map[string]interface{})["count"])
}

func TestBufferFullFlush(t *testing.T) {
	l, path := newAuditLogger(t)
	ctx := context.Background()

	for i := 0; i < bufferSize; i++ {
		require.NoError(t, l.LogCachePruned(ctx, i))
	}

	// The 100th event flushes synchronously; no Sync needed.
	assert.Len(t, readLines(t, path), bufferSize)
}

func TestBufferAutoFlush(t *testing.T) {
	l, path := newAuditLogger(t)
	require.NoError(t, l.LogCachePruned(context.Background(), 1))

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && bytes.Contains(data, []byte(EventCachePruned))
	}, 5*time.Second, 50*time.Millisecond)
}

func TestCloseTwice(t *testing.T) {
	l, _ := newAuditLogger(t)
	assert.NoError(t, l.Close())
	assert.NoError(t, l.Close())
}

func TestEventBuilderChain(t *testing.T) {
	e := NewEvent(EventRunFailed).
		WithCorrelationID("run-9").
		WithSubject("prop-1", "revenue").
		WithPeriod("2025-01").
		WithDuration(1500 * time.Millisecond).
		WithMetadata("detectors", 7)

	assert.Equal(t, ResultSuccess, e.Result)
	e.WithError(nil)
	assert.Equal(t, ResultSuccess, e.Result)
	e.WithError(errors.New("boom"))
	assert.Equal(t, ResultFailure, e.Result)
	assert.Equal(t, "boom", e.Error)
	assert.Equal(t, int64(1500), e.DurationMs)
	assert.Equal(t, "prop-1", e.Entity)
	assert.Equal(t, 7, e.Metadata["detectors"])
}
