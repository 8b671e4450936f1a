package config

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/reims/reims-ai/internal/models"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error
	errs = append(errs, c.validateDetection()...)
	errs = append(errs, c.validateEnsemble()...)

	if !positive(c.Impact.DSCRCovenantThreshold) {
		errs = append(errs, &ValidationError{
			Field:   "impact.dscr_covenant_threshold",
			Message: fmt.Sprintf("must be a positive number, got %v", c.Impact.DSCRCovenantThreshold),
		})
	}

	errs = append(errs, c.validateModelCache()...)
	errs = append(errs, c.validateLogging()...)

	if c.Server.Addr == "" {
		errs = append(errs, &ValidationError{Field: "server.addr", Message: "is required"})
	}
	if c.Server.DetectRatePerMin < 0 {
		errs = append(errs, &ValidationError{
			Field:   "server.detect_rate_per_min",
			Message: fmt.Sprintf("must be non-negative, got %d", c.Server.DetectRatePerMin),
		})
	}
	return errs
}

// EnabledKinds resolves detection.enabled_detectors. Empty means every
// detector, in the stable order.
func (c *Config) EnabledKinds() ([]models.DetectorKind, error) {
	if len(c.Detection.EnabledDetectors) == 0 {
		return models.AllDetectorKinds(), nil
	}
	out := make([]models.DetectorKind, 0, len(c.Detection.EnabledDetectors))
	seen := make(map[models.DetectorKind]bool)
	for _, name := range c.Detection.EnabledDetectors {
		k, err := models.ParseDetectorKind(strings.ToLower(name))
		if err != nil {
			return nil, &ValidationError{Field: "detection.enabled_detectors", Message: fmt.Sprintf("unknown detector %q", name)}
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out, nil
}

func (c *Config) validateDetection() []error {
	var errs []error
	d := c.Detection

	thresholds := []struct {
		field string
		value float64
	}{
		{"detection.zscore_threshold", d.ZScoreThreshold},
		{"detection.percentage_change_threshold", d.PercentageChangeThreshold},
		{"detection.cusum_threshold", d.CUSUMThreshold},
		{"detection.seasonal_deviation_threshold", d.SeasonalDeviationThreshold},
	}
	for _, t := range thresholds {
		if !positive(t.value) {
			errs = append(errs, &ValidationError{
				Field:   t.field,
				Message: fmt.Sprintf("must be a positive number, got %v", t.value),
			})
		}
	}

	if math.IsNaN(d.CUSUMDrift) || math.IsInf(d.CUSUMDrift, 0) || d.CUSUMDrift < 0 {
		errs = append(errs, &ValidationError{
			Field:   "detection.cusum_drift",
			Message: fmt.Sprintf("must be non-negative, got %v", d.CUSUMDrift),
		})
	}
	if d.VolatilityWindow < 2 {
		errs = append(errs, &ValidationError{
			Field:   "detection.volatility_window",
			Message: fmt.Sprintf("must be at least 2, got %d", d.VolatilityWindow),
		})
	}
	if d.VolatilityLookback < 0 {
		errs = append(errs, &ValidationError{
			Field:   "detection.volatility_lookback",
			Message: fmt.Sprintf("must be non-negative (0 = full history), got %d", d.VolatilityLookback),
		})
	}
	if d.DensityK < 1 {
		errs = append(errs, &ValidationError{
			Field:   "detection.density_k",
			Message: fmt.Sprintf("must be at least 1, got %d", d.DensityK),
		})
	}
	if d.Concurrency < 0 {
		errs = append(errs, &ValidationError{
			Field:   "detection.concurrency",
			Message: fmt.Sprintf("must be non-negative (0 = number of CPUs), got %d", d.Concurrency),
		})
	}
	if _, err := c.EnabledKinds(); err != nil {
		errs = append(errs, err)
	}
	return errs
}

func (c *Config) validateEnsemble() []error {
	var errs []error
	e := c.Ensemble

	if e.MinAgreementCount < 1 {
		errs = append(errs, &ValidationError{
			Field:   "ensemble.min_agreement_count",
			Message: fmt.Sprintf("must be at least 1, got %d", e.MinAgreementCount),
		})
	}

	ratios := []struct {
		field string
		value float64
	}{
		{"ensemble.confidence_threshold", e.ConfidenceThreshold},
		{"ensemble.min_agreement_threshold", e.MinAgreementThreshold},
		{"ensemble.confidence_suppression_floor", e.ConfidenceSuppressionFloor},
		{"ensemble.unknown_detector_weight", e.UnknownDetectorWeight},
	}
	for _, r := range ratios {
		if !unit(r.value) {
			errs = append(errs, &ValidationError{
				Field:   r.field,
				Message: fmt.Sprintf("must be between 0 and 1, got %v", r.value),
			})
		}
	}

	if math.IsNaN(e.MaterialityFloor) || math.IsInf(e.MaterialityFloor, 0) || e.MaterialityFloor < 0 {
		errs = append(errs, &ValidationError{
			Field:   "ensemble.materiality_floor",
			Message: fmt.Sprintf("must be a non-negative dollar amount, got %v", e.MaterialityFloor),
		})
	}

	names := make([]string, 0, len(e.DetectorWeights))
	for name := range e.DetectorWeights {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		field := "ensemble.detector_weights." + name
		if _, err := models.ParseDetectorKind(name); err != nil {
			errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf("unknown detector %q", name)})
			continue
		}
		if w := e.DetectorWeights[name]; !unit(w) {
			errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf("weight must be between 0 and 1, got %v", w)})
		}
	}
	return errs
}

func (c *Config) validateModelCache() []error {
	var errs []error
	mc := c.ModelCache

	switch mc.Backend {
	case BackendMemory:
	case BackendSQLite:
		if mc.SQLitePath == "" {
			errs = append(errs, &ValidationError{
				Field:   "model_cache.sqlite_path",
				Message: "sqlite_path is required when backend is sqlite",
			})
		}
	case BackendPostgres:
		if mc.PostgresURL == "" {
			errs = append(errs, &ValidationError{
				Field:   "model_cache.postgres_url",
				Message: "postgres_url is required when backend is postgres",
			})
		}
	case BackendRedis:
		if mc.RedisAddr == "" {
			errs = append(errs, &ValidationError{
				Field:   "model_cache.redis_addr",
				Message: "redis_addr is required when backend is redis",
			})
		}
	default:
		errs = append(errs, &ValidationError{
			Field:   "model_cache.backend",
			Message: fmt.Sprintf("backend must be one of memory, sqlite, postgres, redis; got %q", mc.Backend),
		})
	}

	if mc.TTLDays < 1 {
		errs = append(errs, &ValidationError{
			Field:   "model_cache.ttl_days",
			Message: fmt.Sprintf("must be at least 1, got %d", mc.TTLDays),
		})
	}
	return errs
}

func (c *Config) validateLogging() []error {
	var errs []error

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("level must be one of debug, info, warn, error; got %q", c.Logging.Level),
		})
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("format must be json or console, got %q", c.Logging.Format),
		})
	}

	if (c.Logging.File != "" || c.Logging.AuditFile != "") && c.Logging.MaxSizeMB < 1 {
		errs = append(errs, &ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max_size_mb must be at least 1 when logging to a file",
		})
	}
	return errs
}

func positive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

func unit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}
