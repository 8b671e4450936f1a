package seasonal

// Package seasonal separates a financial series into trend, seasonal and
// residual components and derives the seasonally adjusted "expected" value
// used by the detectors and by impact scoring.
//
// Decomposition strategy:
//   - At least two full cycles of history: robust loess decomposition
//     (cycle-subseries smoothing, low-pass filter, trend loess, bisquare
//     robustness weights).
//   - Shorter history: centered moving-average trend, zero seasonal.
//   - Never fails on short input; an empty series yields empty components.
//
// Cycle length is inferred from point dates when not given:
// daily=7, weekly=52, monthly=12, quarterly=4.

import (
	"math"
	"time"

	"github.com/reims/reims-ai/internal/analytics/timeseries"
)

// Method names reported on a decomposition.
const (
	MethodLoess         = "robust_loess"
	MethodMovingAverage = "moving_average"
)

// Decomposition holds the additive components of a series:
// value = trend + seasonal + residual.
type Decomposition struct {
	Trend    []float64 `json:"trend"`
	Seasonal []float64 `json:"seasonal"`
	Residual []float64 `json:"residual"`
	Period   int       `json:"period"`
	Method   string    `json:"method"`
}

const (
	innerIterations  = 2
	robustIterations = 2
	seasonalSpan     = 7
)

// Decompose splits values into trend, seasonal and residual. dates may be
// nil; period <= 0 means infer it from dates.
func Decompose(values []float64, dates []time.Time, period int) Decomposition {
	if period <= 0 {
		period = timeseries.InferCadence(dates).SeasonalPeriod()
	}
	n := len(values)
	d := Decomposition{
		Trend:    make([]float64, n),
		Seasonal: make([]float64, n),
		Residual: make([]float64, n),
		Period:   period,
	}
	if n == 0 {
		d.Method = MethodMovingAverage
		return d
	}

	if period >= 2 && n >= 2*period {
		d.Trend, d.Seasonal = robustLoess(values, period)
		d.Method = MethodLoess
	} else {
		d.Trend = centeredMovingAverage(values, period)
		d.Method = MethodMovingAverage
	}
	for i, v := range values {
		d.Residual[i] = v - d.Trend[i] - d.Seasonal[i]
	}
	return d
}

// robustLoess is a seasonal-trend decomposition by loess with robustness
// iterations.
func robustLoess(y []float64, np int) ([]float64, []float64) {
	n := len(y)
	nl := nextOdd(np)
	nt := nextOdd(int(math.Ceil(1.5 * float64(np) / (1 - 1.5/float64(seasonalSpan)))))

	trend := make([]float64, n)
	season := make([]float64, n)
	robust := ones(n)
	detrended := make([]float64, n)
	deseason := make([]float64, n)

	for outer := 0; outer <= robustIterations; outer++ {
		for inner := 0; inner < innerIterations; inner++ {
			for i := range y {
				detrended[i] = y[i] - trend[i]
			}
			cycle := cycleSubseries(detrended, robust, np)

			low := movingAverage(cycle, np)
			low = movingAverage(low, np)
			low = movingAverage(low, 3)
			low = smooth(low, ones(len(low)), nl)

			for i := range y {
				season[i] = cycle[np+i] - low[i]
				deseason[i] = y[i] - season[i]
			}
			trend = smooth(deseason, robust, nt)
		}
		if outer == robustIterations {
			break
		}
		resid := make([]float64, n)
		for i := range y {
			resid[i] = math.Abs(y[i] - trend[i] - season[i])
		}
		robust = bisquareWeights(resid)
	}
	return trend, season
}

// cycleSubseries smooths each cycle-subseries (all January values, all
// February values, ...) and extends it by one cycle on each side, returning a
// slice of length n+2*np.
func cycleSubseries(x, w []float64, np int) []float64 {
	n := len(x)
	out := make([]float64, n+2*np)
	for j := 0; j < np; j++ {
		var sub, subW []float64
		for k := j; k < n; k += np {
			sub = append(sub, x[k])
			subW = append(subW, w[k])
		}
		m := len(sub)
		for k := -1; k <= m; k++ {
			idx := (k+1)*np + j
			if idx >= len(out) {
				break
			}
			out[idx] = loessAt(sub, subW, seasonalSpan, float64(k))
		}
	}
	return out
}

// smooth evaluates loess with span q at every index of ys.
func smooth(ys, ws []float64, q int) []float64 {
	out := make([]float64, len(ys))
	for i := range ys {
		out[i] = loessAt(ys, ws, q, float64(i))
	}
	return out
}

// loessAt fits a tricube-weighted local line through the q nearest points of
// ys (at integer positions) and evaluates it at x.
func loessAt(ys, ws []float64, q int, x float64) float64 {
	m := len(ys)
	if m == 0 {
		return 0
	}
	if m == 1 {
		return ys[0]
	}
	width := q
	if width > m {
		width = m
	}
	lo := int(math.Round(x)) - width/2
	if lo < 0 {
		lo = 0
	}
	if lo+width > m {
		lo = m - width
	}
	hi := lo + width - 1

	h := math.Max(x-float64(lo), float64(hi)-x)
	if q > m {
		h += float64(q-m) / 2
	}
	h = h*1.001 + 1e-9

	var sw, sx, sy float64
	weights := make([]float64, width)
	for i := lo; i <= hi; i++ {
		u := math.Abs(float64(i)-x) / h
		wt := 0.0
		if u < 1 {
			c := 1 - u*u*u
			wt = c * c * c
		}
		wt *= ws[i]
		weights[i-lo] = wt
		sw += wt
		sx += wt * float64(i)
		sy += wt * ys[i]
	}
	if sw <= 0 {
		nearest := int(math.Round(x))
		if nearest < 0 {
			nearest = 0
		}
		if nearest >= m {
			nearest = m - 1
		}
		return ys[nearest]
	}
	mx, my := sx/sw, sy/sw
	var sxx, sxy float64
	for i := lo; i <= hi; i++ {
		wt := weights[i-lo]
		dx := float64(i) - mx
		sxx += wt * dx * dx
		sxy += wt * dx * (ys[i] - my)
	}
	slope := 0.0
	if sxx > 1e-12 {
		slope = sxy / sxx
	}
	return my + slope*(x-mx)
}

// bisquareWeights down-weights points with large absolute residuals.
func bisquareWeights(absResid []float64) []float64 {
	h := 6 * timeseries.Median(absResid)
	w := make([]float64, len(absResid))
	for i, r := range absResid {
		if h < 1e-8 {
			w[i] = 1
			continue
		}
		u := r / h
		if u < 1 {
			c := 1 - u*u
			w[i] = c * c
		}
	}
	return w
}

// movingAverage returns the trailing means of every full window of size k.
func movingAverage(x []float64, k int) []float64 {
	if k <= 1 || len(x) < k {
		out := make([]float64, len(x))
		copy(out, x)
		return out
	}
	out := make([]float64, len(x)-k+1)
	sum := 0.0
	for i := 0; i < k; i++ {
		sum += x[i]
	}
	out[0] = sum / float64(k)
	for i := k; i < len(x); i++ {
		sum += x[i] - x[i-k]
		out[i-k+1] = sum / float64(k)
	}
	return out
}

// centeredMovingAverage averages a window of roughly one period around each
// point, shrinking the window at the edges.
func centeredMovingAverage(x []float64, period int) []float64 {
	window := period
	if window < 3 {
		window = 3
	}
	half := window / 2
	out := make([]float64, len(x))
	for i := range x {
		lo, hi := i-half, i+half
		if lo < 0 {
			lo = 0
		}
		if hi > len(x)-1 {
			hi = len(x) - 1
		}
		out[i] = timeseries.Mean(x[lo : hi+1])
	}
	return out
}

func nextOdd(v int) int {
	if v < 3 {
		return 3
	}
	if v%2 == 0 {
		return v + 1
	}
	return v
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
