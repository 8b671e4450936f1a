package modelcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reims/reims-ai/internal/analytics/ml"
	"github.com/reims/reims-ai/internal/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var trainingValues = []float64{100, 102, 98, 101, 99, 103, 97, 100, 101, 1000}

type counter struct{ n atomic.Int32 }

func (c *counter) train(ctx context.Context) (ml.Model, error) {
	c.n.Add(1)
	return ml.NewDensityTrainer(3).Train(ctx, ml.Features(trainingValues))
}

func newTestCache(t *testing.T, store Store) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	c, err := New(store, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, clock
}

var cfg = map[string]any{"k": 3}

func TestKey(t *testing.T) {
	a, err := Key("prop-1/revenue", "knn_density", map[string]any{"k": 3, "seed": 7})
	require.NoError(t, err)
	b, err := Key("prop-1/revenue", "knn_density", map[string]any{"seed": 7, "k": 3})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	other, err := Key("prop-1/revenue", "knn_density", map[string]any{"k": 4, "seed": 7})
	require.NoError(t, err)
	assert.NotEqual(t, a, other)

	otherType, err := Key("prop-1/revenue", "isolation_forest", map[string]any{"k": 3, "seed": 7})
	require.NoError(t, err)
	assert.NotEqual(t, a, otherType)

	_, err = Key("s", "t", map[string]any{"bad": func() {}})
	assert.Error(t, err)
}

func TestGetOrTrain_MissThenHit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c, clock := newTestCache(t, store)
	var calls counter

	first, hit, err := c.GetOrTrain(ctx, "prop-1/revenue", models.DetectorDensity, calls.train, cfg, len(trainingValues))
	require.NoError(t, err)
	assert.False(t, hit)

	clock.Advance(time.Hour)
	second, hit, err := c.GetOrTrain(ctx, "prop-1/revenue", models.DetectorDensity, calls.train, cfg, len(trainingValues))
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, int32(1), calls.n.Load())

	for _, p := range ml.Features([]float64{-10, 0, 99.5, 100, 150, 1000, 5000}) {
		assert.Equal(t, first.Score(p), second.Score(p))
	}

	recs, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, int64(1), rec.UseCount)
	assert.True(t, rec.Active)
	assert.Equal(t, "prop-1/revenue", rec.Scope)
	assert.Equal(t, string(models.DetectorDensity), rec.ModelType)
	assert.Equal(t, rec.CreatedAt.Add(DefaultTTL), rec.ExpiresAt)
	assert.Equal(t, clock.Now(), rec.LastUsedAt)
	assert.JSONEq(t, `{"training_data_size":10,"config":{"k":3},"dimensions":1}`, string(rec.TrainingMetadata))
}

func TestGetOrTrain_ExpiredAlwaysRetrains(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCache(t, NewMemoryStore())
	var calls counter

	_, _, err := c.GetOrTrain(ctx, "s", models.DetectorDensity, calls.train, cfg, 10)
	require.NoError(t, err)

	clock.Advance(DefaultTTL)
	_, hit, err := c.GetOrTrain(ctx, "s", models.DetectorDensity, calls.train, cfg, 10)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, int32(2), calls.n.Load())
}

type spyStore struct {
	*MemoryStore
	mu          sync.Mutex
	deactivated []string
}

func (s *spyStore) Deactivate(ctx context.Context, key, reason string) error {
	s.mu.Lock()
	s.deactivated = append(s.deactivated, key)
	s.mu.Unlock()
	return s.MemoryStore.Deactivate(ctx, key, reason)
}

func TestGetOrTrain_CorruptRecordIsAMiss(t *testing.T) {
	ctx := context.Background()
	store := &spyStore{MemoryStore: NewMemoryStore()}
	c, _ := newTestCache(t, store)
	var calls counter

	_, _, err := c.GetOrTrain(ctx, "s", models.DetectorDensity, calls.train, cfg, 10)
	require.NoError(t, err)

	key, err := Key("s", string(models.DetectorDensity), cfg)
	require.NoError(t, err)
	rec, err := store.Get(ctx, key)
	require.NoError(t, err)
	rec.Payload = []byte("not a model")
	require.NoError(t, store.Put(ctx, rec))

	m, hit, err := c.GetOrTrain(ctx, "s", models.DetectorDensity, calls.train, cfg, 10)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.NotNil(t, m)
	assert.Equal(t, []string{key}, store.deactivated)
	assert.Equal(t, int32(2), calls.n.Load())

	// retraining overwrote the corrupt record
	rec, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, rec.Active)
	_, hit, err = c.GetOrTrain(ctx, "s", models.DetectorDensity, calls.train, cfg, 10)
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestGetOrTrain_TrainingFailure(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, NewMemoryStore())

	_, hit, err := c.GetOrTrain(ctx, "s", models.DetectorIsolationForest, func(context.Context) (ml.Model, error) {
		return nil, errors.New("boom")
	}, cfg, 0)
	assert.False(t, hit)
	assert.ErrorIs(t, err, models.ErrModelTraining)

	_, _, err = c.GetOrTrain(ctx, "s", models.DetectorIsolationForest, func(ctx context.Context) (ml.Model, error) {
		return ml.NewIsolationForestTrainer(1).Train(ctx, ml.Features([]float64{1, 2}))
	}, cfg, 2)
	assert.ErrorIs(t, err, models.ErrInsufficientData)

	recs, err := c.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

type failingStore struct{ *MemoryStore }

func (failingStore) Get(context.Context, string) (*Record, error) { return nil, errors.New("store down") }
func (failingStore) Put(context.Context, *Record) error { return errors.New("store down") }

func TestGetOrTrain_StoreFailureDegradesToTraining(t *testing.T) {
	c, _ := newTestCache(t, failingStore{NewMemoryStore()})
	var calls counter

	m, hit, err := c.GetOrTrain(context.Background(), "s", models.DetectorDensity, calls.train, cfg, 10)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.NotNil(t, m)
}

func TestGetOrTrain_ConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c, _ := newTestCache(t, store)
	var calls counter

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, _, err := c.GetOrTrain(ctx, "prop-9/noi", models.DetectorDensity, calls.train, cfg, 10)
			if err == nil && m == nil {
				err = errors.New("nil model")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	recs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Active)
	n := calls.n.Load()
	assert.GreaterOrEqual(t, n, int32(1))
	assert.LessOrEqual(t, n, int32(workers))

	_, hit, err := c.GetOrTrain(ctx, "prop-9/noi", models.DetectorDensity, calls.train, cfg, 10)
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestInvalidateAndPrune(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, NewMemoryStore())
	var calls counter

	for _, scope := range []string{"a/revenue", "b/revenue"} {
		_, _, err := c.GetOrTrain(ctx, scope, models.DetectorDensity, calls.train, cfg, 10)
		require.NoError(t, err)
	}

	n, err := c.Invalidate(ctx, "a/revenue", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.Invalidate(ctx, "a/revenue", "")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "already inactive")

	_, hit, err := c.GetOrTrain(ctx, "b/revenue", models.DetectorDensity, calls.train, cfg, 10)
	require.NoError(t, err)
	assert.True(t, hit)

	pruned, err := c.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	recs, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "b/revenue", recs[0].Scope)

	n, err = c.Invalidate(ctx, "", string(models.DetectorDensity))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func fixedEval(acc float64) EvalFunc {
	return func(context.Context, ml.Model) (*AccuracyMetrics, error) {
		return &AccuracyMetrics{Accuracy: acc, Precision: acc, Recall: 1, F1: acc}, nil
	}
}

func TestGetOrTrain_StoresEvaluation(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, NewMemoryStore())
	var calls counter

	_, _, err := c.GetOrTrain(ctx, "s", models.DetectorDensity, calls.train, cfg, 10, WithEvaluation(fixedEval(0.9)))
	require.NoError(t, err)

	recs, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].Accuracy)
	assert.Equal(t, AccuracyMetrics{Accuracy: 0.9, Precision: 0.9, Recall: 1, F1: 0.9}, *recs[0].Accuracy)
}

func TestGetOrTrain_AccuracyDropRetrains(t *testing.T) {
	ctx := context.Background()
	store := &spyStore{MemoryStore: NewMemoryStore()}
	c, _ := newTestCache(t, store)
	var calls counter

	_, _, err := c.GetOrTrain(ctx, "s", models.DetectorDensity, calls.train, cfg, 10, WithEvaluation(fixedEval(0.9)))
	require.NoError(t, err)

	_, hit, err := c.GetOrTrain(ctx, "s", models.DetectorDensity, calls.train, cfg, 10, WithEvaluation(fixedEval(0.85)))
	require.NoError(t, err)
	assert.True(t, hit, "a small drop keeps the model")

	_, hit, err = c.GetOrTrain(ctx, "s", models.DetectorDensity, calls.train, cfg, 10, WithEvaluation(fixedEval(0.7)))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, int32(2), calls.n.Load())
	assert.Len(t, store.deactivated, 1)

	recs, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Active)
	assert.Equal(t, 0.7, recs[0].Accuracy.Accuracy, "the retrained model carries its own baseline")
}

func TestGetOrTrain_EvaluationFailureKeepsModel(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, NewMemoryStore())
	var calls counter
	broken := func(context.Context, ml.Model) (*AccuracyMetrics, error) {
		return nil, errors.New("labels unavailable")
	}

	_, _, err := c.GetOrTrain(ctx, "s", models.DetectorDensity, calls.train, cfg, 10, WithEvaluation(broken))
	require.NoError(t, err)
	_, hit, err := c.GetOrTrain(ctx, "s", models.DetectorDensity, calls.train, cfg, 10, WithEvaluation(broken))
	require.NoError(t, err)
	assert.True(t, hit)

	recs, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].Accuracy)
}

func TestGetOrTrain_DistributionShiftRetrains(t *testing.T) {
	ctx := context.Background()
	store := &spyStore{MemoryStore: NewMemoryStore()}
	c, _ := newTestCache(t, store)
	var calls counter
	trained := DataProfile{Mean: 100, StdDev: 2}

	_, _, err := c.GetOrTrain(ctx, "s", models.DetectorDensity, calls.train, cfg, 10, WithDataProfile(trained))
	require.NoError(t, err)

	_, hit, err := c.GetOrTrain(ctx, "s", models.DetectorDensity, calls.train, cfg, 10, WithDataProfile(DataProfile{Mean: 103, StdDev: 2.5}))
	require.NoError(t, err)
	assert.True(t, hit)

	_, hit, err = c.GetOrTrain(ctx, "s", models.DetectorDensity, calls.train, cfg, 10, WithDataProfile(DataProfile{Mean: 500, StdDev: 2}))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, int32(2), calls.n.Load())
	require.Len(t, store.deactivated, 1)

	recs, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.JSONEq(t, `{"training_data_size":10,"config":{"k":3},"dimensions":1,"profile":{"mean":500,"stddev":2}}`,
		string(recs[0].TrainingMetadata))
}

func TestDataProfile_ShiftedFrom(t *testing.T) {
	trained := DataProfile{Mean: 100, StdDev: 10}
	tests := []struct {
		name string
		p    DataProfile
		want bool
	}{
		{"same", trained, false},
		{"mean within band", DataProfile{Mean: 125, StdDev: 10}, false},
		{"mean beyond band", DataProfile{Mean: 131, StdDev: 10}, true},
		{"spread doubled", DataProfile{Mean: 100, StdDev: 21}, true},
		{"spread halved", DataProfile{Mean: 100, StdDev: 4}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p.ShiftedFrom(trained))
		})
	}

	flat := DataProfile{Mean: 5}
	assert.False(t, flat.ShiftedFrom(flat))
	assert.True(t, DataProfile{Mean: 5, StdDev: 1}.ShiftedFrom(flat))
}

func TestShouldInvalidate(t *testing.T) {
	c, clock := newTestCache(t, NewMemoryStore())
	now := clock.Now()
	fresh := func() *Record {
		return &Record{CreatedAt: now.Add(-24 * time.Hour), ExpiresAt: now.Add(29 * 24 * time.Hour), Active: true}
	}
	acc := func(v float64) *float64 { return &v }

	tests := []struct {
		name       string
		rec        func() *Record
		newAcc     *float64
		changed    bool
		want       bool
		wantReason string
	}{
		{"fresh", fresh, nil, false, false, ""},
		{"expired", func() *Record { r := fresh(); r.ExpiresAt = now.Add(-time.Minute); return r }, nil, false, true, "model expired"},
		{"too old", func() *Record { r := fresh(); r.CreatedAt = now.Add(-40 * 24 * time.Hour); return r }, nil, false, true, "exceeds ttl"},
		{"accuracy drop", func() *Record { r := fresh(); r.Accuracy = &AccuracyMetrics{Accuracy: 0.9}; return r }, acc(0.75), false, true, "accuracy dropped"},
		{"small accuracy drop", func() *Record { r := fresh(); r.Accuracy = &AccuracyMetrics{Accuracy: 0.9}; return r }, acc(0.85), false, false, ""},
		{"no baseline accuracy", fresh, acc(0.1), false, false, ""},
		{"distribution changed", fresh, nil, true, true, "distribution changed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := c.ShouldInvalidate(tt.rec(), tt.newAcc, tt.changed)
			assert.Equal(t, tt.want, got)
			if tt.wantReason == "" {
				assert.Empty(t, reason)
			} else {
				assert.Contains(t, reason, tt.wantReason)
			}
		})
	}
}

func TestWithTTL(t *testing.T) {
	c, err := New(NewMemoryStore(), WithTTL(time.Hour), WithTTL(-1), WithLogger(nil))
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, time.Hour, c.TTL())
}
