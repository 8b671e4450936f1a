package modelcache

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/reims/reims-ai/internal/models"
)

// Package modelcache avoids retraining model-based detectors.
//
// Responsibilities:
//   - Derive a deterministic cache key from scope, model type and config
//   - Serve an active, unexpired trained model when one exists
//   - Train, compress and store on miss; treat undecodable records as a miss
//   - Invalidate by scope/type, decide staleness, prune dead records
//
// Storage is injected through Store. Implementations must make Put an
// atomic upsert per key: two concurrent misses for one key may both train
// and both write, and the last write wins.
//
// Integration Points:
//   - ML: Trainer output is encoded with ml.Encode, decoded with ml.Decode
//   - Pipeline: model detectors call GetOrTrain per (entity, field)
//   - DB: db.SQLStore implements Store for SQLite and PostgreSQL
//   - CLI: cache list / invalidate / prune

// AccuracyMetrics are optional evaluation results recorded with a model.
type AccuracyMetrics struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// Record is one persisted trained model. Everything but the bookkeeping
// fields (UseCount, LastUsedAt, Active, InactiveReason) is immutable once
// stored; retraining overwrites the whole record.
type Record struct {
	Key              string           `json:"cache_key"`
	Scope            string           `json:"scope"`
	ModelType        string           `json:"model_type"`
	Payload          []byte           `json:"serialized_model"`
	TrainingMetadata json.RawMessage  `json:"training_metadata"`
	Accuracy         *AccuracyMetrics `json:"accuracy_metrics,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	ExpiresAt        time.Time        `json:"expires_at"`
	LastUsedAt       time.Time        `json:"last_used_at"`
	UseCount         int64            `json:"use_count"`
	Active           bool             `json:"is_active"`
	InactiveReason   string           `json:"inactive_reason,omitempty"`
}

// Expired reports whether the record is past its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Matches reports whether the record falls under an invalidation filter.
// Empty filter fields match everything.
func (r *Record) Matches(scope, modelType string) bool {
	return (scope == "" || r.Scope == scope) && (modelType == "" || r.ModelType == modelType)
}

// Store persists cache records.
type Store interface {
	// Get returns the record for key, active or not, or models.ErrNotFound.
	Get(ctx context.Context, key string) (*Record, error)

	// Put inserts or fully replaces the record for rec.Key.
	Put(ctx context.Context, rec *Record) error

	// Touch bumps use_count and sets last_used_at.
	Touch(ctx context.Context, key string, at time.Time) error

	// Deactivate marks one record inactive with a reason.
	Deactivate(ctx context.Context, key, reason string) error

	// Invalidate deactivates every active record matching the filter and
	// returns how many changed.
	Invalidate(ctx context.Context, scope, modelType, reason string) (int, error)

	// List returns all records ordered by key.
	List(ctx context.Context) ([]Record, error)

	// Prune deletes records that are inactive or expired at now.
	Prune(ctx context.Context, now time.Time) (int, error)
}

// ─── In-memory store ─────────────────────────────────────────────────────────

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := cloneRecord(rec)
	return &out, nil
}

func (s *MemoryStore) Put(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Key] = cloneRecord(*rec)
	return nil
}

func (s *MemoryStore) Touch(ctx context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return models.ErrNotFound
	}
	rec.UseCount++
	rec.LastUsedAt = at
	s.records[key] = rec
	return nil
}

func (s *MemoryStore) Deactivate(ctx context.Context, key, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return models.ErrNotFound
	}
	rec.Active = false
	rec.InactiveReason = reason
	s.records[key] = rec
	return nil
}

func (s *MemoryStore) Invalidate(ctx context.Context, scope, modelType, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, rec := range s.records {
		if !rec.Active || !rec.Matches(scope, modelType) {
			continue
		}
		rec.Active = false
		rec.InactiveReason = reason
		s.records[k] = rec
		n++
	}
	return n, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) Prune(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, rec := range s.records {
		if !rec.Active || rec.Expired(now) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

func cloneRecord(r Record) Record {
	out := r
	out.Payload = append([]byte(nil), r.Payload...)
	out.TrainingMetadata = append(json.RawMessage(nil), r.TrainingMetadata...)
	if r.Accuracy != nil {
		acc := *r.Accuracy
		out.Accuracy = &acc
	}
	return out
}
