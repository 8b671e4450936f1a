package modelcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/reims/reims-ai/internal/analytics/ml"
	"github.com/reims/reims-ai/internal/metrics"
	"github.com/reims/reims-ai/internal/models"
)

// DefaultTTL is how long a trained model stays usable.
const DefaultTTL = 30 * 24 * time.Hour

// MaxAccuracyDrop is the tolerated fall in accuracy before a model is stale.
const MaxAccuracyDrop = 0.10

// DistributionShiftSigmas is how far, in training standard deviations, the
// mean of fresh data may move before the cached model is considered stale.
const DistributionShiftSigmas = 3.0

// TrainFunc produces a fresh model on a cache miss.
type TrainFunc func(ctx context.Context) (ml.Model, error)

// EvalFunc scores a model against the caller's current data.
type EvalFunc func(ctx context.Context, m ml.Model) (*AccuracyMetrics, error)

// DataProfile summarizes the data a model is trained on or applied to.
type DataProfile struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
}

// ShiftedFrom reports whether p has drifted away from the training profile.
func (p DataProfile) ShiftedFrom(trained DataProfile) bool {
	if trained.StdDev == 0 {
		return p.Mean != trained.Mean || p.StdDev != 0
	}
	if math.Abs(p.Mean-trained.Mean) > DistributionShiftSigmas*trained.StdDev {
		return true
	}
	ratio := p.StdDev / trained.StdDev
	return ratio > 2 || ratio < 0.5
}

// TrainOption supplies the evidence GetOrTrain uses to judge a cached model.
type TrainOption func(*trainOptions)

type trainOptions struct {
	eval    EvalFunc
	profile *DataProfile
}

// WithEvaluation evaluates every model GetOrTrain returns. Freshly trained
// models store the result; cached ones are compared against it.
func WithEvaluation(eval EvalFunc) TrainOption {
	return func(o *trainOptions) { o.eval = eval }
}

// WithDataProfile records the training data profile and retrains when the
// current data no longer matches the cached one.
func WithDataProfile(p DataProfile) TrainOption {
	return func(o *trainOptions) { o.profile = &p }
}

// Cache is the model cache over an injected Store. Safe for concurrent use.
type Cache struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
	enc    *zstd.Encoder
	dec    *zstd.Decoder
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger. The default discards.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// New builds a Cache over store.
func New(store Store, opts ...Option) (*Cache, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	c := &Cache{
		store:  store,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: zap.NewNop(),
		enc:    enc,
		dec:    dec,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Close releases the codec resources. The store is owned by the caller.
func (c *Cache) Close() error {
	c.dec.Close()
	return c.enc.Close()
}

// TTL returns the configured time to live.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Key derives the cache key: hex sha256 over scope, model type and the
// config encoded as JSON (object keys sorted, so map order is irrelevant).
func Key(scope, modelType string, config map[string]any) (string, error) {
	canonical, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("canonicalize model config: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(scope))
	h.Write([]byte{'|'})
	h.Write([]byte(modelType))
	h.Write([]byte{'|'})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Scope is the conventional scope string for one account series.
func Scope(entity, field string) string {
	return entity + "/" + field
}

type trainingMetadata struct {
	TrainingDataSize int            `json:"training_data_size"`
	Config           map[string]any `json:"config"`
	Dimensions       int            `json:"dimensions"`
	Profile          *DataProfile   `json:"profile,omitempty"`
}

// GetOrTrain returns the cached model for (scope, modelType, config) or
// trains, stores and returns a new one. hit reports whether the model came
// from the store. Store failures are logged and degrade to a miss; only a
// training failure is returned as an error. A cached model that
// ShouldInvalidate rejects given the options' evidence is deactivated and
// retrained.
func (c *Cache) GetOrTrain(ctx context.Context, scope string, modelType models.DetectorKind, train TrainFunc, config map[string]any, trainingDataSize int, opts ...TrainOption) (ml.Model, bool, error) {
	key, err := Key(scope, string(modelType), config)
	if err != nil {
		return nil, false, err
	}
	var o trainOptions
	for _, opt := range opts {
		opt(&o)
	}
	log := c.logger.With(zap.String("cache_key", key), zap.String("scope", scope), zap.String("model_type", string(modelType)))

	if m, ok := c.lookup(ctx, key, modelType, o, log); ok {
		return m, true, nil
	}

	start := time.Now()
	m, err := train(ctx)
	metrics.ModelTrainingDuration.WithLabelValues(string(modelType)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ModelTrainingFailuresTotal.WithLabelValues(string(modelType)).Inc()
		if !errors.Is(err, models.ErrModelTraining) && !errors.Is(err, models.ErrInsufficientData) {
			err = fmt.Errorf("%w: %v", models.ErrModelTraining, err)
		}
		return nil, false, err
	}

	var acc *AccuracyMetrics
	if o.eval != nil {
		if acc, err = o.eval(ctx, m); err != nil {
			log.Warn("failed to evaluate trained model", zap.Error(err))
			acc = nil
		}
	}
	meta := trainingMetadata{TrainingDataSize: trainingDataSize, Config: config, Dimensions: m.Dimensions(), Profile: o.profile}
	if err := c.put(ctx, key, scope, modelType, m, meta, acc); err != nil {
		metrics.ModelCacheStoreErrorsTotal.WithLabelValues("put").Inc()
		log.Warn("failed to store trained model", zap.Error(err))
	}
	return m, false, nil
}

// lookup returns a decoded, active, unexpired model for key.
func (c *Cache) lookup(ctx context.Context, key string, modelType models.DetectorKind, o trainOptions, log *zap.Logger) (ml.Model, bool) {
	rec, err := c.store.Get(ctx, key)
	switch {
	case errors.Is(err, models.ErrNotFound):
		metrics.ModelCacheRequestsTotal.WithLabelValues(string(modelType), "miss").Inc()
		return nil, false
	case err != nil:
		metrics.ModelCacheStoreErrorsTotal.WithLabelValues("get").Inc()
		log.Warn("model cache lookup failed, retraining", zap.Error(err))
		return nil, false
	}

	now := c.now()
	if !rec.Active || rec.Expired(now) {
		metrics.ModelCacheRequestsTotal.WithLabelValues(string(modelType), "expired").Inc()
		log.Debug("cached model not usable", zap.Bool("active", rec.Active), zap.Time("expires_at", rec.ExpiresAt))
		return nil, false
	}

	m, err := c.decode(rec.Payload)
	if err != nil {
		metrics.ModelCacheRequestsTotal.WithLabelValues(string(modelType), "corrupt").Inc()
		metrics.ModelCacheInvalidationsTotal.WithLabelValues("corrupt").Inc()
		log.Warn("cached model corrupt, retraining", zap.Error(err))
		if derr := c.store.Deactivate(ctx, key, err.Error()); derr != nil {
			log.Warn("failed to deactivate corrupt model", zap.Error(derr))
		}
		return nil, false
	}

	if stale, reason := c.judge(ctx, rec, m, o, log); stale {
		metrics.ModelCacheRequestsTotal.WithLabelValues(string(modelType), "stale").Inc()
		metrics.ModelCacheInvalidationsTotal.WithLabelValues("stale").Inc()
		log.Info("cached model stale, retraining", zap.String("reason", reason))
		if derr := c.store.Deactivate(ctx, key, reason); derr != nil {
			log.Warn("failed to deactivate stale model", zap.Error(derr))
		}
		return nil, false
	}

	if err := c.store.Touch(ctx, key, now); err != nil {
		metrics.ModelCacheStoreErrorsTotal.WithLabelValues("touch").Inc()
		log.Warn("failed to record model use", zap.Error(err))
	}
	metrics.ModelCacheRequestsTotal.WithLabelValues(string(modelType), "hit").Inc()
	return m, true
}

// judge gathers fresh accuracy and distribution evidence for a decoded
// cached model and runs ShouldInvalidate over it. Without options it only
// applies the age rules.
func (c *Cache) judge(ctx context.Context, rec *Record, m ml.Model, o trainOptions, log *zap.Logger) (bool, string) {
	var fresh *float64
	if o.eval != nil {
		acc, err := o.eval(ctx, m)
		switch {
		case err != nil:
			log.Warn("failed to evaluate cached model", zap.Error(err))
		case acc != nil:
			fresh = &acc.Accuracy
		}
	}
	shifted := false
	if o.profile != nil {
		var meta trainingMetadata
		if err := json.Unmarshal(rec.TrainingMetadata, &meta); err == nil && meta.Profile != nil {
			shifted = o.profile.ShiftedFrom(*meta.Profile)
		}
	}
	return c.ShouldInvalidate(rec, fresh, shifted)
}

func (c *Cache) put(ctx context.Context, key, scope string, modelType models.DetectorKind, m ml.Model, md trainingMetadata, acc *AccuracyMetrics) error {
	raw, err := ml.Encode(m)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encode training metadata: %w", err)
	}
	now := c.now()
	return c.store.Put(ctx, &Record{
		Key:              key,
		Scope:            scope,
		ModelType:        string(modelType),
		Payload:          c.enc.EncodeAll(raw, nil),
		TrainingMetadata: meta,
		Accuracy:         acc,
		CreatedAt:        now,
		ExpiresAt:        now.Add(c.ttl),
		LastUsedAt:       now,
		Active:           true,
	})
}

func (c *Cache) decode(payload []byte) (ml.Model, error) {
	raw, err := c.dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", models.ErrCacheCorruption, err)
	}
	return ml.Decode(raw)
}

// Invalidate deactivates every active record matching scope and modelType
// (empty matches all) and returns the count.
func (c *Cache) Invalidate(ctx context.Context, scope, modelType string) (int, error) {
	n, err := c.store.Invalidate(ctx, scope, modelType, "manual invalidation")
	if err != nil {
		return 0, fmt.Errorf("invalidate models: %w", err)
	}
	metrics.ModelCacheInvalidationsTotal.WithLabelValues("manual").Add(float64(n))
	c.logger.Info("invalidated cached models",
		zap.String("scope", scope), zap.String("model_type", modelType), zap.Int("count", n))
	return n, nil
}

// ShouldInvalidate decides whether rec is stale. newAccuracy may be nil when
// no fresh evaluation exists.
func (c *Cache) ShouldInvalidate(rec *Record, newAccuracy *float64, distributionChanged bool) (bool, string) {
	now := c.now()
	switch {
	case rec.Expired(now):
		return true, "model expired"
	case now.Sub(rec.CreatedAt) > c.ttl:
		return true, fmt.Sprintf("model age %s exceeds ttl %s", now.Sub(rec.CreatedAt).Round(time.Hour), c.ttl)
	case rec.Accuracy != nil && newAccuracy != nil && rec.Accuracy.Accuracy-*newAccuracy > MaxAccuracyDrop:
		return true, fmt.Sprintf("accuracy dropped from %.3f to %.3f", rec.Accuracy.Accuracy, *newAccuracy)
	case distributionChanged:
		return true, "data distribution changed"
	}
	return false, ""
}

// Prune deletes inactive and expired records.
func (c *Cache) Prune(ctx context.Context) (int, error) {
	n, err := c.store.Prune(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("prune models: %w", err)
	}
	metrics.ModelCacheInvalidationsTotal.WithLabelValues("prune").Add(float64(n))
	return n, nil
}

// List returns every stored record.
func (c *Cache) List(ctx context.Context) ([]Record, error) {
	return c.store.List(ctx)
}
