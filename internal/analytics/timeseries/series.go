package timeseries

// Package timeseries provides the in-memory view of a financial series that
// every detector works from.
//
// Responsibilities:
//   - Validate caller-supplied series (ordering, duplicate period keys)
//   - Extract values and dates in series order
//   - Compute summary statistics (mean, stddev, percentiles, trend slope)
//   - Infer reporting cadence from point dates
//
// A series is handed in by the data-access collaborator; this package never
// fetches or stores history.

import (
	"fmt"
	"math"
	"time"

	"github.com/reims/reims-ai/internal/models"
)

// Validate checks that a series can be analyzed: it must name its entity and
// field, have unique period keys, finite values and, where dates are given,
// be in non-decreasing date order.
func Validate(s models.Series) error {
	if s.Entity == "" {
		return fmt.Errorf("series entity is required")
	}
	if s.Field == "" {
		return fmt.Errorf("series field is required")
	}
	seen := make(map[string]struct{}, len(s.Points))
	var last *time.Time
	for i, p := range s.Points {
		if p.PeriodKey == "" {
			return fmt.Errorf("point %d: period_key is required", i)
		}
		if _, dup := seen[p.PeriodKey]; dup {
			return fmt.Errorf("point %d: duplicate period_key %q", i, p.PeriodKey)
		}
		seen[p.PeriodKey] = struct{}{}
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			return fmt.Errorf("point %d (%s): value is not finite", i, p.PeriodKey)
		}
		if p.Date != nil {
			if last != nil && p.Date.Before(*last) {
				return fmt.Errorf("point %d (%s): dates out of order", i, p.PeriodKey)
			}
			last = p.Date
		}
	}
	return nil
}

// Values returns the series values in order.
func Values(s models.Series) []float64 {
	out := make([]float64, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Value
	}
	return out
}

// Dates returns the point dates, or nil if any point lacks one.
func Dates(s models.Series) []time.Time {
	out := make([]time.Time, 0, len(s.Points))
	for _, p := range s.Points {
		if p.Date == nil {
			return nil
		}
		out = append(out, *p.Date)
	}
	return out
}

// NonZeroCount counts points with a non-zero value.
func NonZeroCount(values []float64) int {
	n := 0
	for _, v := range values {
		if v != 0 {
			n++
		}
	}
	return n
}
