package seasonal

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/reims/reims-ai/internal/analytics/anomaly"
	"github.com/reims/reims-ai/internal/analytics/timeseries"
	"github.com/reims/reims-ai/internal/models"
)

// DefaultDeviationThreshold is the residual z above which the latest point is
// flagged.
const DefaultDeviationThreshold = 3.0

// minDetectPoints: three points of history plus the point under review.
const minDetectPoints = 4

// Detector scores the most recent point of a series against its seasonally
// adjusted expectation built from the preceding history.
type Detector struct {
	threshold float64
}

// NewDetector returns a seasonal deviation detector. threshold <= 0 selects
// DefaultDeviationThreshold.
func NewDetector(threshold float64) *Detector {
	if threshold <= 0 {
		threshold = DefaultDeviationThreshold
	}
	return &Detector{threshold: threshold}
}

// Kind implements anomaly.Detector.
func (d *Detector) Kind() models.DetectorKind { return models.DetectorSeasonal }

// Detect implements anomaly.Detector.
func (d *Detector) Detect(ctx context.Context, s models.Series) (models.DetectionRun, error) {
	if err := ctx.Err(); err != nil {
		return models.DetectionRun{}, err
	}
	n := len(s.Points)
	if n < minDetectPoints {
		return anomaly.NewRun(s, d.Kind(), nil, minDetectPoints), nil
	}

	values := timeseries.Values(s)
	dates := timeseries.Dates(s)
	history := values[:n-1]
	var histDates []time.Time
	var target time.Time
	if dates != nil {
		histDates = dates[:n-1]
		target = dates[n-1]
	}

	exp := ExpectedValue(history, histDates, target, true)
	dec := Decompose(history, histDates, exp.Period)
	_, spread := timeseries.MeanStdDev(dec.Residual)
	if spread < 1e-9 {
		_, spread = timeseries.MeanStdDev(history)
	}

	run := anomaly.NewRun(s, d.Kind(), nil, minDetectPoints)
	run.MethodConfidence = exp.Confidence
	if spread == 0 {
		return run, nil
	}

	latest := values[n-1]
	z := (latest - exp.Value) / spread
	absZ := math.Abs(z)
	if absZ <= d.threshold {
		return run, nil
	}

	severity := models.SeverityMedium
	if absZ > 2*d.threshold {
		severity = models.SeverityHigh
	}
	typ := models.AnomalyTypeSpike
	if z < 0 {
		typ = models.AnomalyTypeDrop
	}
	run.Candidates = append(run.Candidates, models.Candidate{
		Field:         s.Field,
		PeriodKey:     s.Points[n-1].PeriodKey,
		Index:         n - 1,
		Type:          typ,
		Severity:      severity,
		Value:         latest,
		ExpectedValue: exp.Value,
		Statistic:     models.Statistic{Name: models.StatResidualZ, Value: z},
		Confidence:    math.Max(0.5, math.Min(0.99, 0.7*absZ/d.threshold)),
		Description: fmt.Sprintf("value %.2f deviates %.2f residual std from seasonal expectation %.2f",
			latest, absZ, exp.Value),
	})
	return run, nil
}
