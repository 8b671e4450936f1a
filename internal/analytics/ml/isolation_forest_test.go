package ml

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reims/reims-ai/internal/models"
)

// history is 24 periods of a stable expense line followed by one spike.
func history() []float64 {
	values := make([]float64, 0, 25)
	for i := 0; i < 24; i++ {
		values = append(values, 98+float64(i%5))
	}
	return append(values, 1000)
}

func TestIsolationForest_IsolatesSpike(t *testing.T) {
	rows := Features(history())

	m, err := NewIsolationForestTrainer(42).Train(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, models.DetectorIsolationForest, m.Kind())
	assert.Equal(t, 1, m.Dimensions())

	spike := m.Score(rows[24])
	assert.Greater(t, spike, AnomalyThreshold)
	for i, r := range rows[:24] {
		assert.Less(t, m.Score(r), spike, "row %d", i)
	}
	assert.Equal(t, models.SeverityHigh, Severity(spike))
}

func TestIsolationForest_MultiDimensional(t *testing.T) {
	rows := [][]float64{
		{1.0, 2.0}, {1.1, 2.1}, {0.9, 1.9}, {1.2, 2.2},
		{0.8, 1.8}, {1.0, 2.0}, {1.1, 2.0}, {0.9, 2.1},
	}
	tr := &IsolationForestTrainer{NumTrees: 50, SubSampleSize: 8, Seed: 7}

	m, err := tr.Train(context.Background(), rows)
	require.NoError(t, err)

	normal := m.Score([]float64{1.0, 2.0})
	outlier := m.Score([]float64{10.0, 20.0})
	assert.Greater(t, outlier, normal)
}

func TestIsolationForest_SeedIsDeterministic(t *testing.T) {
	rows := Features(history())
	a, err := NewIsolationForestTrainer(3).Train(context.Background(), rows)
	require.NoError(t, err)
	b, err := NewIsolationForestTrainer(3).Train(context.Background(), rows)
	require.NoError(t, err)

	for _, r := range rows {
		assert.Equal(t, a.Score(r), b.Score(r))
	}
}

func TestIsolationForest_TrainingErrors(t *testing.T) {
	ctx := context.Background()
	tr := NewIsolationForestTrainer(1)

	_, err := tr.Train(ctx, Features([]float64{1, 2, 3}))
	assert.ErrorIs(t, err, models.ErrInsufficientData)

	_, err = tr.Train(ctx, Features([]float64{1, 2, 3, math.NaN(), 5, 6}))
	assert.ErrorIs(t, err, models.ErrModelTraining)

	_, err = tr.Train(ctx, [][]float64{{1}, {2}, {3, 4}, {5}, {6}, {7}})
	assert.ErrorIs(t, err, models.ErrModelTraining)

	bad := &IsolationForestTrainer{NumTrees: 0, SubSampleSize: 10}
	_, err = bad.Train(ctx, Features(history()))
	assert.ErrorIs(t, err, models.ErrModelTraining)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = tr.Train(cctx, Features(history()))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsolationForest_WrongDimensionsScoresNeutral(t *testing.T) {
	m, err := NewIsolationForestTrainer(1).Train(context.Background(), Features(history()))
	require.NoError(t, err)
	assert.Equal(t, 0.5, m.Score([]float64{1, 2}))
	assert.Equal(t, 0.5, (&IsolationForest{}).Score([]float64{1}))
}

func TestAveragePathLength(t *testing.T) {
	assert.Equal(t, 0.0, averagePathLength(1))
	assert.Equal(t, 1.0, averagePathLength(2))
	assert.InDelta(t, 3.75, averagePathLength(10), 0.1)
}

func TestSeverityAndExplain(t *testing.T) {
	assert.Equal(t, models.SeverityLow, Severity(0.5))
	assert.Equal(t, models.SeverityMedium, Severity(0.7))
	assert.Equal(t, models.SeverityHigh, Severity(0.9))
	assert.Contains(t, Explain(0.9), "strong")
	assert.Contains(t, Explain(0.2), "normal")
}

func BenchmarkIsolationForest_Train(b *testing.B) {
	rows := make([][]float64, 1000)
	for i := range rows {
		rows[i] = []float64{float64(i % 100), float64((i * 2) % 100)}
	}
	tr := &IsolationForestTrainer{NumTrees: 10, SubSampleSize: 256, MaxDepth: 10}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = tr.Train(context.Background(), rows)
	}
}
