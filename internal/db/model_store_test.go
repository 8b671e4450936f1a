package db

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reims/reims-ai/internal/modelcache"
	"github.com/reims/reims-ai/internal/models"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var base = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

func record(key, scope, modelType string) *modelcache.Record {
	return &modelcache.Record{
		Key:              key,
		Scope:            scope,
		ModelType:        modelType,
		Payload:          []byte{1, 2, 3, 0, 255},
		TrainingMetadata: json.RawMessage(`{"training_data_size":24}`),
		CreatedAt:        base,
		ExpiresAt:        base.Add(30 * 24 * time.Hour),
		LastUsedAt:       base,
		Active:           true,
	}
}

// ─── SQLite ───────────────────────────────────────────────────────────────────

func TestSQLite_PutGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := record("k1", "prop-1/revenue", "isolation_forest")
	rec.Accuracy = &modelcache.AccuracyMetrics{Accuracy: 0.91, Precision: 0.8, Recall: 0.7, F1: 0.75}
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, rec.Scope, got.Scope)
	assert.Equal(t, rec.ModelType, got.ModelType)
	assert.Equal(t, rec.Payload, got.Payload)
	assert.JSONEq(t, string(rec.TrainingMetadata), string(got.TrainingMetadata))
	require.NotNil(t, got.Accuracy)
	assert.Equal(t, 0.91, got.Accuracy.Accuracy)
	assert.True(t, got.CreatedAt.Equal(rec.CreatedAt))
	assert.True(t, got.ExpiresAt.Equal(rec.ExpiresAt))
	assert.True(t, got.Active)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSQLite_PutOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := record("k1", "a", "knn_density")
	require.NoError(t, s.Put(ctx, rec))
	require.NoError(t, s.Touch(ctx, "k1", base.Add(time.Minute)))
	require.NoError(t, s.Deactivate(ctx, "k1", "corrupt"))

	retrained := record("k1", "a", "knn_density")
	retrained.Payload = []byte{9, 9}
	retrained.CreatedAt = base.Add(time.Hour)
	require.NoError(t, s.Put(ctx, retrained))

	got, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9}, got.Payload)
	assert.True(t, got.Active)
	assert.Empty(t, got.InactiveReason)
	assert.Equal(t, int64(0), got.UseCount)
	assert.True(t, got.CreatedAt.Equal(base.Add(time.Hour)))
}

func TestSQLite_TouchAndDeactivate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, record("k1", "a", "knn_density")))

	used := base.Add(2 * time.Hour)
	require.NoError(t, s.Touch(ctx, "k1", base.Add(time.Hour)))
	require.NoError(t, s.Touch(ctx, "k1", used))

	got, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.UseCount)
	assert.True(t, got.LastUsedAt.Equal(used))

	require.NoError(t, s.Deactivate(ctx, "k1", "checksum mismatch"))
	got, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, "checksum mismatch", got.InactiveReason)

	assert.ErrorIs(t, s.Touch(ctx, "nope", used), models.ErrNotFound)
	assert.ErrorIs(t, s.Deactivate(ctx, "nope", "x"), models.ErrNotFound)
}

func TestSQLite_InvalidateFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, r := range []*modelcache.Record{
		record("k1", "a", "knn_density"),
		record("k2", "a", "isolation_forest"),
		record("k3", "b", "isolation_forest"),
	} {
		require.NoError(t, s.Put(ctx, r))
	}

	n, err := s.Invalidate(ctx, "a", "isolation_forest", "manual")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Invalidate(ctx, "", "isolation_forest", "manual")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "k2 already inactive")

	n, err = s.Invalidate(ctx, "", "", "manual")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, want := range []string{"k1", "k2", "k3"} {
		assert.Equal(t, want, recs[i].Key)
		assert.False(t, recs[i].Active)
	}
}

func TestSQLite_Prune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	live := record("live", "a", "knn_density")
	expired := record("expired", "a", "knn_density")
	expired.ExpiresAt = base.Add(-time.Hour)
	inactive := record("inactive", "b", "knn_density")
	inactive.Active = false
	for _, r := range []*modelcache.Record{live, expired, inactive} {
		require.NoError(t, s.Put(ctx, r))
	}

	n, err := s.Prune(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	recs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "live", recs[0].Key)
}

func TestSQLite_MigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestSQLite_BacksModelCache(t *testing.T) {
	s := newTestStore(t)
	c, err := modelcache.New(s)
	require.NoError(t, err)
	defer c.Close()

	n, err := c.Invalidate(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// ─── PostgreSQL dialect (sqlmock) ─────────────────────────────────────────────

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = mockDB.Close()
	})
	return NewSQLStore(sqlx.NewDb(mockDB, DriverPostgres)), mock
}

func TestPostgres_GetUsesDollarPlaceholders(t *testing.T) {
	s, mock := newMockStore(t)
	cols := []string{"cache_key", "scope", "model_type", "serialized_model", "training_metadata", "accuracy_metrics",
		"created_at", "expires_at", "last_used_at", "use_count", "is_active", "inactive_reason"}

	mock.ExpectQuery(`FROM model_cache WHERE cache_key = \$1`).
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"k1", "prop-1/noi", "knn_density", []byte{7}, `{}`, `{"accuracy":0.8,"precision":0,"recall":0,"f1":0}`,
			"2025-03-01T09:30:00Z", "2025-03-31T09:30:00Z", "2025-03-02 10:00:00+00", 4, true, "",
		))

	got, err := s.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, "prop-1/noi", got.Scope)
	assert.Equal(t, int64(4), got.UseCount)
	assert.Equal(t, 0.8, got.Accuracy.Accuracy)
	assert.True(t, got.LastUsedAt.Equal(time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC)))
}

func TestPostgres_GetNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM model_cache WHERE cache_key = \$1`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"cache_key"}))

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestPostgres_PutUpserts(t *testing.T) {
	s, mock := newMockStore(t)
	rec := record("k1", "a", "isolation_forest")

	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT(cache_key) DO UPDATE SET`)).
		WithArgs("k1", "a", "isolation_forest", rec.Payload, `{"training_data_size":24}`, "",
			rec.CreatedAt, rec.ExpiresAt, rec.LastUsedAt, int64(0), true, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Put(context.Background(), rec))
}

func TestPostgres_InvalidateBuildsFilter(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE model_cache SET is_active = $1, inactive_reason = $2 WHERE is_active = $3 AND scope = $4`)).
		WithArgs(false, "manual", true, "prop-1/noi").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.Invalidate(context.Background(), "prop-1/noi", "", "manual")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPostgres_Migrate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_versions`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM schema_versions WHERE version = $1`)).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`BYTEA`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO schema_versions(version) VALUES($1)`)).
		WithArgs(1).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Migrate(context.Background()))
}

func TestParseTime(t *testing.T) {
	for _, s := range []string{
		"2025-03-01T09:30:00Z",
		"2025-03-01T09:30:00.000000001Z",
		"2025-03-01 09:30:00+00:00",
		"2025-03-01 09:30:00.5+00:00",
		"2025-03-01 09:30:00+00",
		"2025-03-01 09:30:00",
	} {
		got, err := parseTime(s)
		require.NoError(t, err, s)
		assert.Equal(t, 2025, got.Year())
		assert.Equal(t, time.UTC, got.Location())
	}
	_, err := parseTime("yesterday")
	assert.Error(t, err)
}
