package ensemble

import (
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/reims/reims-ai/internal/metrics"
	"github.com/reims/reims-ai/internal/models"
)

// Package ensemble reconciles the independent detector runs for one
// (entity, field) into consensus anomalies.
//
// Responsibilities:
//   - Hold the per-method reliability weights (Registry)
//   - Group candidates by (field, anomaly type) and score each group
//   - Offer simpler weighted and majority voting strategies
//   - Measure cross-method agreement for an entity/field
//   - Apply OR-logic noise suppression (any weak signal suppresses)
//
// Lifecycle of a group:
//
//	CANDIDATE -> CONSENSUS (agreement and confidence met) -> ACTIVE | SUPPRESSED
//
// Suppression only flags an anomaly; votes and statistics are kept.
//
// Integration Points:
//   - Pipeline: Combine, Agreement and SuppressNoise per run
//   - Config: detector_weights, strict_weights, unknown_detector_weight

// DefaultUnknownWeight is applied to a method without a registered weight
// when the registry is not strict.
const DefaultUnknownWeight = 0.1

// DefaultWeights are the curated reliability coefficients per method.
func DefaultWeights() map[models.DetectorKind]float64 {
	return map[models.DetectorKind]float64{
		models.DetectorZScore:           0.15,
		models.DetectorPercentageChange: 0.12,
		models.DetectorCUSUM:            0.10,
		models.DetectorVolatility:       0.08,
		models.DetectorSeasonal:         0.20,
		models.DetectorIsolationForest:  0.20,
		models.DetectorDensity:          0.15,
	}
}

// Registry maps detector kinds to weights in [0,1]. It is read-only after
// construction and safe for concurrent use.
type Registry struct {
	weights       map[models.DetectorKind]float64
	strict        bool
	unknownWeight float64
	logger        *zap.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithStrict makes an unregistered method a hard error at combine time.
func WithStrict(strict bool) RegistryOption {
	return func(r *Registry) { r.strict = strict }
}

// WithUnknownWeight sets the fallback weight for unregistered methods.
func WithUnknownWeight(w float64) RegistryOption {
	return func(r *Registry) { r.unknownWeight = w }
}

// WithRegistryLogger sets the logger used to warn about unregistered methods.
func WithRegistryLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry starts from DefaultWeights and applies overrides keyed by
// method name. Unknown names and weights outside [0,1] are configuration
// errors.
func NewRegistry(overrides map[string]float64, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		weights:       DefaultWeights(),
		unknownWeight: DefaultUnknownWeight,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if !validWeight(r.unknownWeight) {
		return nil, &models.ConfigurationError{
			Field:   "ensemble.unknown_detector_weight",
			Message: fmt.Sprintf("weight %v outside [0,1]", r.unknownWeight),
		}
	}

	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		kind, err := models.ParseDetectorKind(name)
		if err != nil {
			return nil, &models.ConfigurationError{
				Field:   "ensemble.detector_weights",
				Message: fmt.Sprintf("unknown detector %q", name),
			}
		}
		w := overrides[name]
		if !validWeight(w) {
			return nil, &models.ConfigurationError{
				Field:   "ensemble.detector_weights." + name,
				Message: fmt.Sprintf("weight %v outside [0,1]", w),
			}
		}
		r.weights[kind] = w
	}
	return r, nil
}

func validWeight(w float64) bool {
	return !math.IsNaN(w) && w >= 0 && w <= 1
}

// Weight returns the weight for kind. An unregistered kind is an error in
// strict mode; otherwise it logs a warning and returns the fallback weight.
func (r *Registry) Weight(kind models.DetectorKind) (float64, error) {
	if w, ok := r.weights[kind]; ok {
		return w, nil
	}
	if r.strict {
		return 0, &models.ConfigurationError{
			Field:   "ensemble.detector_weights",
			Message: fmt.Sprintf("no weight registered for detector %q", kind),
		}
	}
	metrics.UnknownDetectorWeightTotal.WithLabelValues(string(kind)).Inc()
	r.logger.Warn("detector has no registered weight, using fallback",
		zap.String("method", string(kind)),
		zap.Float64("weight", r.unknownWeight),
	)
	return r.unknownWeight, nil
}

// Weights returns a copy of the registered weights.
func (r *Registry) Weights() map[models.DetectorKind]float64 {
	out := make(map[models.DetectorKind]float64, len(r.weights))
	for k, w := range r.weights {
		out[k] = w
	}
	return out
}

// Strict reports whether unregistered methods are rejected.
func (r *Registry) Strict() bool { return r.strict }
