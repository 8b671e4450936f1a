package anomaly

import (
	"context"

	"github.com/reims/reims-ai/internal/models"
)

// Package anomaly provides the statistical detectors of the ensemble.
//
// Responsibilities:
//   - Detect outliers and shifts in a single financial series
//   - Emit interpretable candidates (statistic, expected value, confidence)
//   - Degrade gracefully on short or flat series (empty result, never an error)
//
// Philosophy: classical statistics only. No training, deterministic,
// reproducible, fast enough to run on every series on every close.
//
// Detection Algorithms:
//
//   1. Z-Score
//      - Leave-one-out baseline: each point is scored against the others
//      - Flag |z| > threshold (default 3.0); high severity above 4.0
//
//   2. Percentage Change
//      - Signed period-over-period change (curr-prev)/prev*100
//      - Flag |pct| > threshold (default 50); high severity above 100
//
//   3. CUSUM
//      - Two-sided standardized cumulative sum with drift allowance
//      - Catches sustained mean shifts a point test misses
//
//   4. Rolling Volatility
//      - Rolling stddev over a small window vs the series average
//      - 2x average = warning, 3x average = critical
//
// Integration Points:
//   - Pipeline: runs every enabled detector per (entity, field)
//   - Ensemble: consumes DetectionRuns
//   - Seasonal Analyzer: supplies expected values for impact

// Detector is one detection method over one series. Implementations must be
// safe for concurrent use and must report short series as an empty run with
// status insufficient_data rather than an error.
type Detector interface {
	// Kind identifies the method for weighting and reporting.
	Kind() models.DetectorKind

	// Detect analyzes the series and returns a run. An error means the
	// detector failed and should be excluded from the ensemble.
	Detect(ctx context.Context, series models.Series) (models.DetectionRun, error)
}

// Config holds the statistical detector thresholds.
type Config struct {
	ZScoreThreshold           float64
	PercentageChangeThreshold float64
	CUSUMThreshold            float64
	CUSUMDrift                float64
	VolatilityWindow          int
	VolatilityLookback        int
}

// DefaultConfig returns the documented default thresholds.
func DefaultConfig() Config {
	return Config{
		ZScoreThreshold:           3.0,
		PercentageChangeThreshold: 50.0,
		CUSUMThreshold:            3.0,
		CUSUMDrift:                0.5,
		VolatilityWindow:          3,
		VolatilityLookback:        0,
	}
}

// NewStatisticalDetectors returns the four statistical detectors configured
// from cfg, in a stable order.
func NewStatisticalDetectors(cfg Config) []Detector {
	return []Detector{
		&zScoreDetector{threshold: cfg.ZScoreThreshold},
		&percentageChangeDetector{threshold: cfg.PercentageChangeThreshold},
		&cusumDetector{threshold: cfg.CUSUMThreshold, drift: cfg.CUSUMDrift},
		&volatilityDetector{window: cfg.VolatilityWindow, lookback: cfg.VolatilityLookback},
	}
}
