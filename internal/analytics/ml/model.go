package ml

import (
	"context"
	"math"

	"github.com/reims/reims-ai/internal/models"
)

// Package ml holds the trainable detectors of the ensemble.
//
// Responsibilities:
//   - Train unsupervised models on one series' history
//   - Score points with a normalized anomaly score in [0, 1]
//   - Serialize trained models losslessly so a cached model scores exactly
//     like the one that was trained
//
// Models:
//
//   1. Isolation Forest
//      - Random axis-aligned splits; anomalies isolate in short paths
//      - score = 2^(-E[h(x)] / c(n)), anomaly above 0.6
//      - Seeded RNG: same data + same seed = same forest
//
//   2. k-NN Density
//      - Mean distance to the k nearest training points, relative to the
//        median of the same statistic over the training set
//      - score = r / (r + 2), anomaly above 0.6 (r > 3)
//
// Integration Points:
//   - Model Cache: trains through Trainer, stores Encode output
//   - Pipeline: wraps a Model as an anomaly.Detector
//   - ParallelScorer: batch scoring across goroutines

// AnomalyThreshold is the score above which a point is anomalous.
const AnomalyThreshold = 0.6

// MinTrainPoints is the shortest history a model will train on.
const MinTrainPoints = 6

// Model is a trained, immutable scorer. Implementations must be safe for
// concurrent Score calls.
type Model interface {
	Kind() models.DetectorKind

	// Score returns the anomaly score of one feature vector in [0, 1].
	Score(features []float64) float64

	// Dimensions is the feature vector length the model was trained on.
	Dimensions() int
}

// Trainer fits a Model of one kind.
type Trainer interface {
	Kind() models.DetectorKind

	// Params is the training configuration. It participates in the model
	// cache key, so two trainers with equal params must produce equivalent
	// models from the same data.
	Params() map[string]any

	// Train fits a model on feature vectors. Fewer than MinTrainPoints rows
	// wraps models.ErrInsufficientData; any other failure wraps
	// models.ErrModelTraining.
	Train(ctx context.Context, rows [][]float64) (Model, error)
}

// Features turns a series of values into one-dimensional feature vectors.
func Features(values []float64) [][]float64 {
	rows := make([][]float64, len(values))
	for i, v := range values {
		rows[i] = []float64{v}
	}
	return rows
}

// Severity maps a model score onto the shared severity scale.
func Severity(score float64) models.Severity {
	switch {
	case score > 0.75:
		return models.SeverityHigh
	case score > 0.65:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// Explain renders a score for humans.
func Explain(score float64) string {
	switch {
	case score > 0.7:
		return "strong anomaly, significantly different from historical pattern"
	case score > AnomalyThreshold:
		return "likely anomaly, deviates from historical behavior"
	case score > 0.5:
		return "borderline, slightly unusual but within normal variation"
	default:
		return "normal, consistent with history"
	}
}

func validateRows(rows [][]float64) (int, error) {
	if len(rows) < MinTrainPoints {
		return 0, models.ErrInsufficientData
	}
	dims := len(rows[0])
	if dims == 0 {
		return 0, errEmptyFeatures
	}
	for _, r := range rows {
		if len(r) != dims {
			return 0, errRaggedFeatures
		}
		for _, v := range r {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return 0, errNonFinite
			}
		}
	}
	return dims, nil
}
