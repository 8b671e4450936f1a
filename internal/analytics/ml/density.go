package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/reims/reims-ai/internal/analytics/timeseries"
	"github.com/reims/reims-ai/internal/models"
)

// DensityModel scores points by how far they sit from their nearest
// neighbours in the training set, relative to how far training points
// typically sit from theirs. Features are standardized with the training
// mean and stddev.
type DensityModel struct {
	K        int         `json:"k"`
	Mean     []float64   `json:"mean"`
	Scale    []float64   `json:"scale"`
	Points   [][]float64 `json:"points"`
	Baseline float64     `json:"baseline"`
}

// DensityTrainer fits DensityModels.
type DensityTrainer struct {
	K int
}

// NewDensityTrainer returns a trainer using k neighbours (5 when k <= 0).
func NewDensityTrainer(k int) *DensityTrainer {
	if k <= 0 {
		k = 5
	}
	return &DensityTrainer{K: k}
}

func (t *DensityTrainer) Kind() models.DetectorKind { return models.DetectorDensity }

func (t *DensityTrainer) Params() map[string]any {
	return map[string]any{"k": t.K}
}

func (t *DensityTrainer) Train(ctx context.Context, rows [][]float64) (Model, error) {
	dims, err := validateRows(rows)
	if err != nil {
		if errors.Is(err, models.ErrInsufficientData) {
			return nil, fmt.Errorf("density model needs %d points, got %d: %w", MinTrainPoints, len(rows), err)
		}
		return nil, fmt.Errorf("%w: density model: %v", models.ErrModelTraining, err)
	}

	k := t.K
	if k >= len(rows) {
		k = len(rows) - 1
	}

	m := &DensityModel{
		K:     k,
		Mean:  make([]float64, dims),
		Scale: make([]float64, dims),
	}
	col := make([]float64, len(rows))
	for j := 0; j < dims; j++ {
		for i, r := range rows {
			col[i] = r[j]
		}
		mean, std := timeseries.MeanStdDev(col)
		if std < 1e-12 {
			std = 1
		}
		m.Mean[j], m.Scale[j] = mean, std
	}

	m.Points = make([][]float64, len(rows))
	for i, r := range rows {
		m.Points[i] = m.standardize(r)
	}

	kd := make([]float64, len(m.Points))
	for i, p := range m.Points {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		kd[i] = m.knnDistance(p)
	}
	m.Baseline = timeseries.Median(kd)
	return m, nil
}

func (m *DensityModel) Kind() models.DetectorKind { return models.DetectorDensity }

func (m *DensityModel) Dimensions() int { return len(m.Mean) }

// Score maps the distance ratio r onto r/(r+2).
func (m *DensityModel) Score(x []float64) float64 {
	if len(m.Points) == 0 || len(x) != len(m.Mean) {
		return 0.5
	}
	d := m.knnDistance(m.standardize(x))
	if m.Baseline < 1e-12 {
		if d < 1e-12 {
			return 0
		}
		return 1
	}
	r := d / m.Baseline
	return r / (r + 2)
}

func (m *DensityModel) standardize(x []float64) []float64 {
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = (v - m.Mean[j]) / m.Scale[j]
	}
	return out
}

// knnDistance is the mean distance from p to its k nearest training points.
// One exact match is skipped so training points are not their own
// neighbour.
func (m *DensityModel) knnDistance(p []float64) float64 {
	dists := make([]float64, 0, len(m.Points))
	for _, q := range m.Points {
		dists = append(dists, euclidean(p, q))
	}
	sort.Float64s(dists)
	if len(dists) > 0 && dists[0] == 0 {
		dists = dists[1:]
	}
	k := m.K
	if k > len(dists) {
		k = len(dists)
	}
	if k == 0 {
		return 0
	}
	return timeseries.Mean(dists[:k])
}

func euclidean(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
