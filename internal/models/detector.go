package models

import "fmt"

// DetectorKind identifies a detection method. The set is closed: weights,
// configuration and cache keys are all keyed by these values.
type DetectorKind string

const (
	DetectorZScore           DetectorKind = "z_score"
	DetectorPercentageChange DetectorKind = "percentage_change"
	DetectorCUSUM            DetectorKind = "cusum"
	DetectorVolatility       DetectorKind = "volatility"
	DetectorSeasonal         DetectorKind = "seasonal"
	DetectorIsolationForest  DetectorKind = "isolation_forest"
	DetectorDensity          DetectorKind = "knn_density"
)

// AllDetectorKinds lists every known detector in a stable order.
func AllDetectorKinds() []DetectorKind {
	return []DetectorKind{
		DetectorZScore,
		DetectorPercentageChange,
		DetectorCUSUM,
		DetectorVolatility,
		DetectorSeasonal,
		DetectorIsolationForest,
		DetectorDensity,
	}
}

// ParseDetectorKind validates a configured method name.
func ParseDetectorKind(s string) (DetectorKind, error) {
	for _, k := range AllDetectorKinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", &ConfigurationError{Field: "detector", Message: fmt.Sprintf("unknown detector kind %q", s)}
}

// IsModelBased reports whether the detector needs a trained model.
func (k DetectorKind) IsModelBased() bool {
	return k == DetectorIsolationForest || k == DetectorDensity
}
