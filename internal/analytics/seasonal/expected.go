package seasonal

import (
	"math"
	"time"

	"github.com/reims/reims-ai/internal/analytics/timeseries"
)

// Expectation is the seasonally adjusted forecast for one target period.
type Expectation struct {
	Value      float64 `json:"value"`
	Trend      float64 `json:"trend_component"`
	Seasonal   float64 `json:"seasonal_component"`
	Confidence float64 `json:"confidence"`
	Period     int     `json:"period"`
	Method     string  `json:"method"`
}

// minAdjustmentHistory is the history needed before a seasonal adjustment
// factor differs from 1.0.
const minAdjustmentHistory = 12

// ExpectedValue estimates the value at target from history: the latest trend
// level plus the average seasonal component of past points at the same cycle
// position. Without dates (or with useSeasonality false) only the trend is
// used. Confidence grows with history, from 0.3 to 0.95 at five years of
// monthly data.
func ExpectedValue(values []float64, dates []time.Time, target time.Time, useSeasonality bool) Expectation {
	n := len(values)
	exp := Expectation{Confidence: historyConfidence(n)}
	if n == 0 {
		exp.Method = MethodMovingAverage
		return exp
	}
	if len(dates) != n {
		dates = nil
	}

	dec := Decompose(values, dates, 0)
	exp.Period = dec.Period
	exp.Method = dec.Method
	exp.Trend = dec.Trend[n-1]

	if useSeasonality && dates != nil && dec.Period >= 2 {
		want := cyclePosition(target, dec.Period)
		var sum float64
		var count int
		for i, d := range dates {
			if cyclePosition(d, dec.Period) == want {
				sum += dec.Seasonal[i]
				count++
			}
		}
		if count > 0 {
			exp.Seasonal = sum / float64(count)
		}
	}
	exp.Value = exp.Trend + exp.Seasonal
	return exp
}

// AdjustmentFactor is the multiplicative seasonal factor for month: 1 plus the
// average monthly seasonal component over the series mean. It is 1.0 with
// fewer than twelve points, a zero mean, or no dates.
func AdjustmentFactor(values []float64, dates []time.Time, month time.Month) float64 {
	if len(values) < minAdjustmentHistory || len(dates) != len(values) {
		return 1.0
	}
	mean := timeseries.Mean(values)
	if math.Abs(mean) < 1e-9 {
		return 1.0
	}

	dec := Decompose(values, dates, 12)
	var sum float64
	var count int
	for i, d := range dates {
		if d.Month() == month {
			sum += dec.Seasonal[i]
			count++
		}
	}
	if count == 0 {
		return 1.0
	}
	return 1 + (sum/float64(count))/mean
}

func historyConfidence(n int) float64 {
	if n < 3 {
		return 0.3
	}
	f := float64(n) / 60
	if f > 1 {
		f = 1
	}
	return 0.3 + 0.65*f
}

// cyclePosition maps a date onto its slot within a cycle of the given length.
func cyclePosition(t time.Time, period int) int {
	switch period {
	case 12:
		return int(t.Month())
	case 4:
		return (int(t.Month()) - 1) / 3
	case 7:
		return int(t.Weekday())
	case 52:
		_, week := t.ISOWeek()
		if week > 52 {
			week = 52
		}
		return week
	default:
		return t.YearDay() % period
	}
}
