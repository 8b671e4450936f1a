package ml

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reims/reims-ai/internal/models"
)

func TestDensity_FlagsIsolatedPoint(t *testing.T) {
	rows := Features(history())

	m, err := NewDensityTrainer(0).Train(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, models.DetectorDensity, m.Kind())

	spike := m.Score(rows[24])
	assert.Greater(t, spike, AnomalyThreshold)
	assert.LessOrEqual(t, spike, 1.0)
	for _, r := range rows[:24] {
		assert.Less(t, m.Score(r), spike)
	}
}

func TestDensity_ConstantHistory(t *testing.T) {
	m, err := NewDensityTrainer(3).Train(context.Background(), Features([]float64{5, 5, 5, 5, 5, 5, 5}))
	require.NoError(t, err)

	assert.Equal(t, 0.0, m.Score([]float64{5}))
	assert.Equal(t, 1.0, m.Score([]float64{6}))
}

func TestDensity_KClampedToHistory(t *testing.T) {
	m, err := NewDensityTrainer(50).Train(context.Background(), Features([]float64{1, 2, 3, 4, 5, 6}))
	require.NoError(t, err)
	assert.Equal(t, 5, m.(*DensityModel).K)
}

func TestDensity_TrainingErrors(t *testing.T) {
	_, err := NewDensityTrainer(5).Train(context.Background(), Features([]float64{1, 2}))
	assert.ErrorIs(t, err, models.ErrInsufficientData)
}

func TestParallelScorer_MatchesSerial(t *testing.T) {
	ctx := context.Background()
	values := make([]float64, 300)
	for i := range values {
		values[i] = float64((i*37)%101) + 0.5*float64(i%7)
	}
	rows := Features(values)
	m, err := NewIsolationForestTrainer(11).Train(ctx, rows)
	require.NoError(t, err)

	serial, err := (&ParallelScorer{Workers: 1}).ScoreAll(ctx, m, rows)
	require.NoError(t, err)
	parallel, err := (&ParallelScorer{Workers: 4, MinBatch: 1}).ScoreAll(ctx, m, rows)
	require.NoError(t, err)
	def, err := NewParallelScorer().ScoreAll(ctx, m, rows)
	require.NoError(t, err)

	assert.Equal(t, serial, parallel)
	assert.Equal(t, serial, def)
}

func TestParallelScorer_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := &DensityModel{}

	_, err := (&ParallelScorer{Workers: 1}).ScoreAll(ctx, m, Features([]float64{1, 2, 3}))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = (&ParallelScorer{Workers: 2, MinBatch: 1}).ScoreAll(ctx, m, Features([]float64{1, 2, 3}))
	assert.ErrorIs(t, err, context.Canceled)
}
