package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/reims/reims-ai/internal/modelcache"
	"github.com/reims/reims-ai/internal/models"
)

var _ modelcache.Store = (*SQLStore)(nil)

const modelColumns = `cache_key, scope, model_type, serialized_model, training_metadata, accuracy_metrics,
    created_at, expires_at, last_used_at, use_count, is_active, inactive_reason`

// modelRow mirrors model_cache. Timestamps scan as strings because the two
// drivers disagree on their native type.
type modelRow struct {
	CacheKey         string `db:"cache_key"`
	Scope            string `db:"scope"`
	ModelType        string `db:"model_type"`
	SerializedModel  []byte `db:"serialized_model"`
	TrainingMetadata string `db:"training_metadata"`
	AccuracyMetrics  string `db:"accuracy_metrics"`
	CreatedAt        string `db:"created_at"`
	ExpiresAt        string `db:"expires_at"`
	LastUsedAt       string `db:"last_used_at"`
	UseCount         int64  `db:"use_count"`
	IsActive         bool   `db:"is_active"`
	InactiveReason   string `db:"inactive_reason"`
}

func (r *modelRow) record() (modelcache.Record, error) {
	rec := modelcache.Record{
		Key:            r.CacheKey,
		Scope:          r.Scope,
		ModelType:      r.ModelType,
		Payload:        r.SerializedModel,
		UseCount:       r.UseCount,
		Active:         r.IsActive,
		InactiveReason: r.InactiveReason,
	}
	if r.TrainingMetadata != "" {
		rec.TrainingMetadata = json.RawMessage(r.TrainingMetadata)
	}
	if r.AccuracyMetrics != "" {
		var acc modelcache.AccuracyMetrics
		if err := json.Unmarshal([]byte(r.AccuracyMetrics), &acc); err != nil {
			return rec, fmt.Errorf("decode accuracy_metrics for %s: %w", r.CacheKey, err)
		}
		rec.Accuracy = &acc
	}
	var err error
	if rec.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return rec, err
	}
	if rec.ExpiresAt, err = parseTime(r.ExpiresAt); err != nil {
		return rec, err
	}
	if rec.LastUsedAt, err = parseTime(r.LastUsedAt); err != nil {
		return rec, err
	}
	return rec, nil
}

// ─── modelcache.Store ─────────────────────────────────────────────────────────

func (s *SQLStore) Get(ctx context.Context, key string) (*modelcache.Record, error) {
	var row modelRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+modelColumns+` FROM model_cache WHERE cache_key = ?`), key)
	if isNoRows(err) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get model %s: %w", key, err)
	}
	rec, err := row.record()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Put upserts the full record; a conflicting key is overwritten.
func (s *SQLStore) Put(ctx context.Context, rec *modelcache.Record) error {
	meta := string(rec.TrainingMetadata)
	if meta == "" {
		meta = "{}"
	}
	acc := ""
	if rec.Accuracy != nil {
		raw, err := json.Marshal(rec.Accuracy)
		if err != nil {
			return fmt.Errorf("encode accuracy_metrics: %w", err)
		}
		acc = string(raw)
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
        INSERT INTO model_cache(`+modelColumns+`)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(cache_key) DO UPDATE SET
            scope             = excluded.scope,
            model_type        = excluded.model_type,
            serialized_model  = excluded.serialized_model,
            training_metadata = excluded.training_metadata,
            accuracy_metrics  = excluded.accuracy_metrics,
            created_at        = excluded.created_at,
            expires_at        = excluded.expires_at,
            last_used_at      = excluded.last_used_at,
            use_count         = excluded.use_count,
            is_active         = excluded.is_active,
            inactive_reason   = excluded.inactive_reason
    `),
		rec.Key, rec.Scope, rec.ModelType, rec.Payload, meta, acc,
		rec.CreatedAt.UTC(), rec.ExpiresAt.UTC(), rec.LastUsedAt.UTC(),
		rec.UseCount, rec.Active, rec.InactiveReason,
	)
	if err != nil {
		return fmt.Errorf("upsert model %s: %w", rec.Key, err)
	}
	return nil
}

func (s *SQLStore) Touch(ctx context.Context, key string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE model_cache SET use_count = use_count + 1, last_used_at = ? WHERE cache_key = ?`),
		at.UTC(), key)
	if err != nil {
		return fmt.Errorf("touch model %s: %w", key, err)
	}
	return requireRow(res.RowsAffected())
}

func (s *SQLStore) Deactivate(ctx context.Context, key, reason string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE model_cache SET is_active = ?, inactive_reason = ? WHERE cache_key = ?`),
		false, reason, key)
	if err != nil {
		return fmt.Errorf("deactivate model %s: %w", key, err)
	}
	return requireRow(res.RowsAffected())
}

func (s *SQLStore) Invalidate(ctx context.Context, scope, modelType, reason string) (int, error) {
	where := []string{"is_active = ?"}
	args := []any{false, reason, true}
	if scope != "" {
		where = append(where, "scope = ?")
		args = append(args, scope)
	}
	if modelType != "" {
		where = append(where, "model_type = ?")
		args = append(args, modelType)
	}
	q := `UPDATE model_cache SET is_active = ?, inactive_reason = ? WHERE ` + strings.Join(where, " AND ")
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return 0, fmt.Errorf("invalidate models: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLStore) List(ctx context.Context) ([]modelcache.Record, error) {
	var rows []modelRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+modelColumns+` FROM model_cache ORDER BY cache_key`); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	out := make([]modelcache.Record, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *SQLStore) Prune(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM model_cache WHERE is_active = ? OR expires_at <= ?`),
		false, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune models: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func requireRow(n int64, err error) error {
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}
