package analytics

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/reims/reims-ai/internal/analytics/anomaly"
	"github.com/reims/reims-ai/internal/analytics/ml"
	"github.com/reims/reims-ai/internal/analytics/timeseries"
	"github.com/reims/reims-ai/internal/modelcache"
	"github.com/reims/reims-ai/internal/models"
)

// ModelDetector adapts an ml.Trainer to the anomaly.Detector interface. The
// model for each (entity, field) comes from the model cache; scoring runs
// through the parallel scorer.
type ModelDetector struct {
	trainer ml.Trainer
	cache   *modelcache.Cache
	scorer  *ml.ParallelScorer
}

var _ anomaly.Detector = (*ModelDetector)(nil)

// NewModelDetector wires trainer to cache. A nil scorer scores serially.
func NewModelDetector(trainer ml.Trainer, cache *modelcache.Cache, scorer *ml.ParallelScorer) *ModelDetector {
	return &ModelDetector{trainer: trainer, cache: cache, scorer: scorer}
}

func (d *ModelDetector) Kind() models.DetectorKind { return d.trainer.Kind() }

// Detect fetches or trains the scope's model and flags every point whose
// anomaly score exceeds ml.AnomalyThreshold. Short series yield an
// insufficient_data run; training failures are returned as errors.
func (d *ModelDetector) Detect(ctx context.Context, s models.Series) (models.DetectionRun, error) {
	kind := d.Kind()
	values := timeseries.Values(s)
	if len(values) < ml.MinTrainPoints {
		return anomaly.NewRun(s, kind, nil, ml.MinTrainPoints), nil
	}

	rows := ml.Features(values)
	train := func(ctx context.Context) (ml.Model, error) {
		return d.trainer.Train(ctx, rows)
	}
	// scores holds the last evaluation, which is always of the model
	// GetOrTrain ends up returning.
	var scores []float64
	eval := func(ctx context.Context, m ml.Model) (*modelcache.AccuracyMetrics, error) {
		out, err := d.scorer.ScoreAll(ctx, m, rows)
		if err != nil {
			return nil, err
		}
		scores = out
		acc := agreement(out, robustOutliers(values))
		return &acc, nil
	}
	mean, std := timeseries.MeanStdDev(values)
	model, _, err := d.cache.GetOrTrain(ctx, modelcache.Scope(s.Entity, s.Field), kind, train, d.trainer.Params(), len(rows),
		modelcache.WithEvaluation(eval),
		modelcache.WithDataProfile(modelcache.DataProfile{Mean: mean, StdDev: std}))
	if errors.Is(err, models.ErrInsufficientData) {
		run := anomaly.NewRun(s, kind, nil, ml.MinTrainPoints)
		run.Status = models.RunStatusInsufficientData
		run.Reason = err.Error()
		return run, nil
	}
	if err != nil {
		return models.DetectionRun{}, err
	}

	if scores == nil {
		if scores, err = d.scorer.ScoreAll(ctx, model, rows); err != nil {
			return models.DetectionRun{}, fmt.Errorf("score %s: %w", kind, err)
		}
	}

	median := timeseries.Median(values)
	var out []models.Candidate
	for i, score := range scores {
		if score <= ml.AnomalyThreshold {
			continue
		}
		p := s.Points[i]
		typ := models.AnomalyTypeSpike
		if p.Value < median {
			typ = models.AnomalyTypeDrop
		}
		out = append(out, models.Candidate{
			Field:         s.Field,
			PeriodKey:     p.PeriodKey,
			Index:         i,
			Type:          typ,
			Severity:      ml.Severity(score),
			Value:         p.Value,
			ExpectedValue: median,
			Statistic:     models.Statistic{Name: models.StatAnomalyScore, Value: score},
			Confidence:    models.Clamp01(score),
			Description: fmt.Sprintf("%s: %s (score %.3f, %.0f%% from median %.2f)",
				kind, ml.Explain(score), score, pctFrom(p.Value, median), median),
		})
	}
	return anomaly.NewRun(s, kind, out, ml.MinTrainPoints), nil
}

func pctFrom(v, base float64) float64 {
	if base == 0 {
		return 0
	}
	return math.Abs(v-base) / math.Abs(base) * 100
}

// robustModifiedZ is the modified z-score cutoff used to label reference
// outliers when evaluating a model.
const robustModifiedZ = 3.5

// robustOutliers labels values whose median-absolute-deviation z-score
// exceeds robustModifiedZ. With no spread every off-median value is an
// outlier.
func robustOutliers(values []float64) []bool {
	med := timeseries.Median(values)
	dev := make([]float64, len(values))
	for i, v := range values {
		dev[i] = math.Abs(v - med)
	}
	mad := timeseries.Median(dev)
	out := make([]bool, len(values))
	for i, d := range dev {
		if mad == 0 {
			out[i] = d > 0
			continue
		}
		out[i] = 0.6745*d/mad > robustModifiedZ
	}
	return out
}

// agreement compares model flags (score above ml.AnomalyThreshold) with
// reference labels. Ratios with an empty denominator are 1 when nothing was
// missed and 0 otherwise.
func agreement(scores []float64, labels []bool) modelcache.AccuracyMetrics {
	var tp, fp, fn, tn float64
	for i, score := range scores {
		flagged := score > ml.AnomalyThreshold
		switch {
		case flagged && labels[i]:
			tp++
		case flagged:
			fp++
		case labels[i]:
			fn++
		default:
			tn++
		}
	}
	ratio := func(num, den float64) float64 {
		if den == 0 {
			if fp+fn == 0 {
				return 1
			}
			return 0
		}
		return num / den
	}
	m := modelcache.AccuracyMetrics{
		Accuracy:  ratio(tp+tn, tp+tn+fp+fn),
		Precision: ratio(tp, tp+fp),
		Recall:    ratio(tp, tp+fn),
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m
}
