package timeseries

import (
	"math"
	"sort"
	"time"
)

// Stats holds summary statistics of a set of values.
type Stats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Q1     float64 `json:"q1"`
	Q3     float64 `json:"q3"`
	Count  int     `json:"count"`
}

// Summarize computes Stats. Standard deviation is the population form.
func Summarize(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mean, std := MeanStdDev(values)
	return Stats{
		Mean:   mean,
		StdDev: std,
		Median: Percentile(sorted, 50),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Q1:     Percentile(sorted, 25),
		Q3:     Percentile(sorted, 75),
		Count:  len(values),
	}
}

// Mean returns the arithmetic mean, 0 for no values.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// MeanStdDev returns mean and population standard deviation.
func MeanStdDev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	mean := Mean(values)
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

// Median of unsorted values.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return Percentile(sorted, 50)
}

// Percentile interpolates the p-th percentile of already sorted data.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100.0 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	w := rank - float64(lo)
	return sorted[lo]*(1-w) + sorted[hi]*w
}

// LinearSlope is the least-squares slope of values against their index.
func LinearSlope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumX2 float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
	}
	denom := n*sumX2 - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// Cadence is the reporting frequency of a series.
type Cadence string

const (
	CadenceDaily     Cadence = "daily"
	CadenceWeekly    Cadence = "weekly"
	CadenceMonthly   Cadence = "monthly"
	CadenceQuarterly Cadence = "quarterly"
	CadenceAnnual    Cadence = "annual"
	CadenceUnknown   Cadence = "unknown"
)

// InferCadence classifies the median gap between consecutive dates.
func InferCadence(dates []time.Time) Cadence {
	if len(dates) < 2 {
		return CadenceUnknown
	}
	gaps := make([]float64, 0, len(dates)-1)
	for i := 1; i < len(dates); i++ {
		gaps = append(gaps, dates[i].Sub(dates[i-1]).Hours()/24)
	}
	days := Median(gaps)
	switch {
	case days <= 0:
		return CadenceUnknown
	case days <= 1.5:
		return CadenceDaily
	case days <= 10:
		return CadenceWeekly
	case days <= 45:
		return CadenceMonthly
	case days <= 120:
		return CadenceQuarterly
	default:
		return CadenceAnnual
	}
}

// SeasonalPeriod maps a cadence to its natural seasonal cycle length.
// Unknown cadence defaults to monthly data (12), the common case for
// financial statements.
func (c Cadence) SeasonalPeriod() int {
	switch c {
	case CadenceDaily:
		return 7
	case CadenceWeekly:
		return 52
	case CadenceQuarterly:
		return 4
	case CadenceAnnual:
		return 1
	default:
		return 12
	}
}
