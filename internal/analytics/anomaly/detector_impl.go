package anomaly

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/reims/reims-ai/internal/analytics/timeseries"
	"github.com/reims/reims-ai/internal/models"
)

// minPoints is the shortest series any statistical detector will look at.
const minPoints = 3

const (
	// holdPoints is how many points after a move are checked to decide
	// whether the new level held.
	holdPoints = 3
	// levelShiftFactor is how far apart, in window stddevs, the levels before
	// and after a volatile window must be for the window to read as a step.
	levelShiftFactor = 1.5
)

// ─── Z-score ─────────────────────────────────────────────────────────────────

// DetectZScore flags points whose leave-one-out z-score exceeds threshold.
// Needs at least three non-zero points and a non-zero series stddev.
func DetectZScore(s models.Series, threshold float64) []models.Candidate {
	if threshold <= 0 {
		threshold = DefaultConfig().ZScoreThreshold
	}
	values := timeseries.Values(s)
	if len(values) < minPoints || timeseries.NonZeroCount(values) < minPoints {
		return nil
	}
	_, seriesStd := timeseries.MeanStdDev(values)
	if seriesStd == 0 {
		return nil
	}

	var out []models.Candidate
	others := make([]float64, 0, len(values)-1)
	for i, v := range values {
		others = others[:0]
		others = append(others, values[:i]...)
		others = append(others, values[i+1:]...)
		mean, std := timeseries.MeanStdDev(others)
		if std < 1e-12 {
			std = seriesStd
		}
		z := (v - mean) / std
		absZ := math.Abs(z)
		if absZ <= threshold {
			continue
		}
		severity := models.SeverityMedium
		if absZ > 4.0 {
			severity = models.SeverityHigh
		}
		out = append(out, models.Candidate{
			Field:         s.Field,
			PeriodKey:     s.Points[i].PeriodKey,
			Index:         i,
			Type:          directionType(v - mean),
			Severity:      severity,
			Value:         v,
			ExpectedValue: mean,
			Statistic:     models.Statistic{Name: models.StatZScore, Value: z},
			Confidence:    ratioConfidence(absZ / threshold),
			Description: fmt.Sprintf("value %.2f is %.2f std deviations from baseline mean %.2f",
				v, absZ, mean),
		})
	}
	return out
}

// ─── Percentage change ───────────────────────────────────────────────────────

// DetectPercentageChange flags period-over-period moves larger than threshold
// percent. The sign of the change is kept on the statistic. A move into a
// level that holds is a level shift, and a move between two opposite large
// swings is volatility; anything else is a spike or drop.
func DetectPercentageChange(s models.Series, threshold float64) []models.Candidate {
	if threshold <= 0 {
		threshold = DefaultConfig().PercentageChangeThreshold
	}
	values := timeseries.Values(s)
	if len(values) < minPoints {
		return nil
	}

	var out []models.Candidate
	for i := 1; i < len(values); i++ {
		prev, curr := values[i-1], values[i]
		if prev == 0 {
			continue
		}
		pct := (curr - prev) / prev * 100
		absPct := math.Abs(pct)
		if absPct <= threshold {
			continue
		}
		severity := models.SeverityMedium
		if absPct > 100 {
			severity = models.SeverityHigh
		}
		typ, desc := directionType(curr-prev), fmt.Sprintf("changed %+.1f%% from %.2f to %.2f", pct, prev, curr)
		switch {
		case levelHeld(values, i):
			typ, desc = models.AnomalyTypeLevelShift, desc+" and held"
		case whipsaw(values, i, pct, threshold):
			typ, desc = models.AnomalyTypeVolatility, desc+" between opposite swings"
		}
		out = append(out, models.Candidate{
			Field:         s.Field,
			PeriodKey:     s.Points[i].PeriodKey,
			Index:         i,
			Type:          typ,
			Severity:      severity,
			Value:         curr,
			ExpectedValue: prev,
			Statistic:     models.Statistic{Name: models.StatPctChange, Value: pct},
			Confidence:    ratioConfidence(absPct / threshold),
			Description:   desc,
		})
	}
	return out
}

// ─── CUSUM ───────────────────────────────────────────────────────────────────

// DetectCUSUM runs a two-sided standardized CUSUM. drift is the slack in
// standard deviations subtracted each step; an alarm fires when either
// cumulative sum exceeds threshold, after which both sums reset.
func DetectCUSUM(s models.Series, threshold, drift float64) []models.Candidate {
	if threshold <= 0 {
		threshold = DefaultConfig().CUSUMThreshold
	}
	if drift < 0 {
		drift = DefaultConfig().CUSUMDrift
	}
	values := timeseries.Values(s)
	if len(values) < minPoints {
		return nil
	}
	mean, std := timeseries.MeanStdDev(values)
	if std == 0 {
		return nil
	}

	var out []models.Candidate
	var sPos, sNeg float64
	for i, v := range values {
		z := (v - mean) / std
		sPos = math.Max(0, sPos+z-drift)
		sNeg = math.Max(0, sNeg-z-drift)
		if sPos <= threshold && sNeg <= threshold {
			continue
		}
		stat := sPos
		if sNeg > sPos {
			stat = -sNeg
		}
		severity := models.SeverityMedium
		if math.Abs(stat) > 2*threshold {
			severity = models.SeverityHigh
		}
		out = append(out, models.Candidate{
			Field:         s.Field,
			PeriodKey:     s.Points[i].PeriodKey,
			Index:         i,
			Type:          models.AnomalyTypeLevelShift,
			Severity:      severity,
			Value:         v,
			ExpectedValue: mean,
			Statistic:     models.Statistic{Name: models.StatCUSUM, Value: stat},
			Confidence:    ratioConfidence(math.Abs(stat) / threshold),
			Description:   fmt.Sprintf("sustained shift from mean %.2f (cusum %.2f)", mean, stat),
		})
		sPos, sNeg = 0, 0
	}
	return out
}

// ─── Rolling volatility ──────────────────────────────────────────────────────

// DetectVolatility flags windows whose rolling stddev is more than twice
// (warning) or three times (critical) the average rolling stddev. lookback
// limits evaluation to the most recent points; 0 means the whole series.
// A volatile window between two stable but distinct levels is reported as a
// level shift.
func DetectVolatility(s models.Series, window, lookback int) []models.Candidate {
	if window < 2 {
		window = DefaultConfig().VolatilityWindow
	}
	values := timeseries.Values(s)
	offset := 0
	if lookback > 0 && lookback < len(values) {
		offset = len(values) - lookback
		values = values[offset:]
	}
	if len(values) < minPoints || len(values) < window {
		return nil
	}

	rolling := make([]float64, 0, len(values)-window+1)
	for end := window - 1; end < len(values); end++ {
		_, std := timeseries.MeanStdDev(values[end-window+1 : end+1])
		rolling = append(rolling, std)
	}
	avg := timeseries.Mean(rolling)
	if avg == 0 {
		return nil
	}

	var out []models.Candidate
	for j, vol := range rolling {
		ratio := vol / avg
		if ratio <= 2 {
			continue
		}
		level, severity := "warning", models.SeverityMedium
		if ratio > 3 {
			level, severity = "critical", models.SeverityHigh
		}
		end := j + window - 1
		idx := end + offset
		typ := models.AnomalyTypeVolatility
		expected := timeseries.Mean(values[end-window+1 : end])
		desc := fmt.Sprintf("%s: rolling volatility %.2fx the series average", level, ratio)
		if before, after, ok := levelsAround(values, end-window+1, end, window); ok && math.Abs(after-before) > levelShiftFactor*vol {
			typ, expected = models.AnomalyTypeLevelShift, before
			desc = fmt.Sprintf("%s: rolling volatility %.2fx the series average from a step %.2f -> %.2f",
				level, ratio, before, after)
		}
		out = append(out, models.Candidate{
			Field:         s.Field,
			PeriodKey:     s.Points[idx].PeriodKey,
			Index:         idx,
			Type:          typ,
			Severity:      severity,
			Value:         values[end],
			ExpectedValue: expected,
			Statistic:     models.Statistic{Name: models.StatVolatilityRatio, Value: ratio},
			Confidence:    ratioConfidence(ratio / 2),
			Description:   desc,
		})
	}
	return out
}

// ─── Detector strategies ─────────────────────────────────────────────────────

type zScoreDetector struct{ threshold float64 }

func (d *zScoreDetector) Kind() models.DetectorKind { return models.DetectorZScore }

func (d *zScoreDetector) Detect(ctx context.Context, s models.Series) (models.DetectionRun, error) {
	return newRun(s, d.Kind(), DetectZScore(s, d.threshold)), nil
}

type percentageChangeDetector struct{ threshold float64 }

func (d *percentageChangeDetector) Kind() models.DetectorKind {
	return models.DetectorPercentageChange
}

func (d *percentageChangeDetector) Detect(ctx context.Context, s models.Series) (models.DetectionRun, error) {
	return newRun(s, d.Kind(), DetectPercentageChange(s, d.threshold)), nil
}

type cusumDetector struct{ threshold, drift float64 }

func (d *cusumDetector) Kind() models.DetectorKind { return models.DetectorCUSUM }

func (d *cusumDetector) Detect(ctx context.Context, s models.Series) (models.DetectionRun, error) {
	return newRun(s, d.Kind(), DetectCUSUM(s, d.threshold, d.drift)), nil
}

type volatilityDetector struct{ window, lookback int }

func (d *volatilityDetector) Kind() models.DetectorKind { return models.DetectorVolatility }

func (d *volatilityDetector) Detect(ctx context.Context, s models.Series) (models.DetectionRun, error) {
	return newRun(s, d.Kind(), DetectVolatility(s, d.window, d.lookback)), nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// NewRun builds a DetectionRun for candidates produced by method. Short series
// are reported as insufficient_data.
func NewRun(s models.Series, method models.DetectorKind, candidates []models.Candidate, minLen int) models.DetectionRun {
	run := models.DetectionRun{
		ID:               uuid.NewString(),
		Entity:           s.Entity,
		Field:            s.Field,
		Method:           method,
		MethodConfidence: SampleConfidence(len(s.Points)),
		Candidates:       candidates,
		Status:           models.RunStatusOK,
	}
	if run.Candidates == nil {
		run.Candidates = []models.Candidate{}
	}
	if len(s.Points) < minLen {
		run.Status = models.RunStatusInsufficientData
		run.Reason = fmt.Sprintf("%v: need at least %d points, got %d", models.ErrInsufficientData, minLen, len(s.Points))
	}
	return run
}

func newRun(s models.Series, method models.DetectorKind, candidates []models.Candidate) models.DetectionRun {
	return NewRun(s, method, candidates, minPoints)
}

// SampleConfidence is the overall trust in a method given n observations:
// 0.7 with almost no history rising to 1.0 at two years of monthly data.
func SampleConfidence(n int) float64 {
	return models.Clamp01(0.7 + 0.3*math.Min(1, float64(n)/24))
}

// ratioConfidence maps how far past its threshold a statistic is (ratio >= 1)
// onto a candidate confidence in [0.5, 0.99].
func ratioConfidence(ratio float64) float64 {
	return math.Max(0.5, math.Min(0.99, ratio*0.7))
}

func directionType(delta float64) models.AnomalyType {
	if delta < 0 {
		return models.AnomalyTypeDrop
	}
	return models.AnomalyTypeSpike
}

// levelHeld reports whether the move into i is a step: the points before
// values[i-1] sit on the old side of the midpoint and the points after i stay
// on the new side. A return from an isolated spike is not a step. Needs at
// least one earlier and two later points.
func levelHeld(values []float64, i int) bool {
	earlier := values[max(0, i-1-holdPoints) : i-1]
	later := values[i+1 : min(len(values), i+1+holdPoints)]
	if len(earlier) < 1 || len(later) < 2 {
		return false
	}
	prev, curr := values[i-1], values[i]
	mid := (prev + curr) / 2
	up := curr > prev
	for _, v := range earlier {
		if (up && v >= mid) || (!up && v <= mid) {
			return false
		}
	}
	for _, v := range later {
		if (up && v <= mid) || (!up && v >= mid) {
			return false
		}
	}
	return true
}

// whipsaw reports whether the move into i, of pct percent, sits between two
// moves of the opposite sign that also exceed threshold.
func whipsaw(values []float64, i int, pct, threshold float64) bool {
	before, ok := pctMove(values, i-1)
	if !ok {
		return false
	}
	after, ok := pctMove(values, i+1)
	if !ok {
		return false
	}
	return math.Abs(before) > threshold && math.Abs(after) > threshold &&
		math.Signbit(before) != math.Signbit(pct) && math.Signbit(after) != math.Signbit(pct)
}

// pctMove is the percentage change into index i.
func pctMove(values []float64, i int) (float64, bool) {
	if i < 1 || i >= len(values) || values[i-1] == 0 {
		return 0, false
	}
	return (values[i] - values[i-1]) / values[i-1] * 100, true
}

// levelsAround returns the means of the window-length segments immediately
// before start and after end. Both segments must be complete.
func levelsAround(values []float64, start, end, window int) (before, after float64, ok bool) {
	if start-window < 0 || end+1+window > len(values) {
		return 0, 0, false
	}
	return timeseries.Mean(values[start-window : start]), timeseries.Mean(values[end+1 : end+1+window]), true
}
