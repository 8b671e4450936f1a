package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Package models defines the core data types shared by the detection
// ensemble: series input, per-detector candidates, detection runs, consensus
// anomalies and their impact assessments.
//
// Lifecycle of a finding:
//   1. A detector emits Candidates for one (entity, field) series.
//   2. Candidates are collected into a DetectionRun tagged with the method.
//   3. The ensemble groups candidates from all runs into ConsensusAnomalies.
//   4. Impact and agreement are attached; noise suppression decides between
//      ACTIVE and SUPPRESSED.
//
// Candidates and runs are ephemeral; nothing in this package is persisted.

// Point is one observation of a financial field for a period.
type Point struct {
	PeriodKey string     `json:"period_key"`
	Value     float64    `json:"value"`
	Date      *time.Time `json:"date,omitempty"`
}

// Series is the ordered history of one field for one entity.
type Series struct {
	Entity string  `json:"entity"`
	Field  string  `json:"field"`
	Points []Point `json:"points"`
}

// Severity of a candidate finding.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// AnomalyType classifies what kind of deviation a detector observed. Types are
// shared across detectors so that independent methods can corroborate.
type AnomalyType string

const (
	AnomalyTypeSpike      AnomalyType = "spike"       // value above expectation
	AnomalyTypeDrop       AnomalyType = "drop"        // value below expectation
	AnomalyTypeLevelShift AnomalyType = "level_shift" // sustained mean shift
	AnomalyTypeVolatility AnomalyType = "volatility"  // unusual dispersion
)

// Statistic names recorded on a candidate.
const (
	StatZScore          = "z_score"
	StatPctChange       = "pct_change"
	StatCUSUM           = "cusum_stat"
	StatVolatilityRatio = "volatility_ratio"
	StatAnomalyScore    = "anomaly_score"
	StatResidualZ       = "residual_z"
)

// Statistic is the detector-specific measurement behind a candidate.
type Statistic struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Candidate is a single detector's claim that a point is anomalous.
type Candidate struct {
	Field         string      `json:"field"`
	PeriodKey     string      `json:"period_key"`
	Index         int         `json:"index"`
	Type          AnomalyType `json:"anomaly_type"`
	Severity      Severity    `json:"severity"`
	Value         float64     `json:"value"`
	ExpectedValue float64     `json:"expected_value"`
	Statistic     Statistic   `json:"statistic"`
	Confidence    float64     `json:"confidence"` // 0.0-1.0
	Description   string      `json:"description,omitempty"`
}

// RunStatus reports how a detector run ended.
type RunStatus string

const (
	RunStatusOK               RunStatus = "ok"
	RunStatusInsufficientData RunStatus = "insufficient_data"
	RunStatusFailed           RunStatus = "failed"
)

// DetectionRun is the output of one detector over one series.
type DetectionRun struct {
	ID               string       `json:"id"`
	Entity           string       `json:"entity"`
	Field            string       `json:"field"`
	Method           DetectorKind `json:"method"`
	MethodConfidence float64      `json:"method_confidence"` // 0.0-1.0
	Candidates       []Candidate  `json:"candidates"`
	Status           RunStatus    `json:"status"`
	Reason           string       `json:"reason,omitempty"`
}

// AnomalyState tracks a consensus anomaly through the ensemble.
type AnomalyState string

const (
	StateCandidate  AnomalyState = "CANDIDATE"
	StateConsensus  AnomalyState = "CONSENSUS"
	StateActive     AnomalyState = "ACTIVE"
	StateSuppressed AnomalyState = "SUPPRESSED"
)

// ConsensusAnomaly is a finding corroborated by several detectors. It is keyed
// by (Field, Type) within one entity.
type ConsensusAnomaly struct {
	ID                 string            `json:"id"`
	Entity             string            `json:"entity"`
	Field              string            `json:"field"`
	Type               AnomalyType       `json:"anomaly_type"`
	Representative     Candidate         `json:"representative"`
	WeightedConfidence float64           `json:"weighted_confidence"` // 0.0-1.0
	EnsembleConfidence float64           `json:"ensemble_confidence"` // 0-100
	MethodsAgreed      int               `json:"methods_agreed"`
	DetectionMethods   []DetectorKind    `json:"detection_methods"`
	Votes              []Candidate       `json:"votes"`
	IsConsensus        bool              `json:"is_consensus"`
	State              AnomalyState      `json:"state"`
	Suppressed         bool              `json:"suppressed"`
	SuppressionReason  string            `json:"suppression_reason,omitempty"`
	Agreement          *Agreement        `json:"agreement,omitempty"`
	Impact             *ImpactAssessment `json:"impact,omitempty"`
}

// DetectorDetail describes one detector's participation in an agreement.
type DetectorDetail struct {
	Method  DetectorKind `json:"method"`
	Weight  float64      `json:"weight"`
	Flagged bool         `json:"flagged"`
}

// Agreement measures cross-method corroboration for an (entity, field).
type Agreement struct {
	AgreementPercent float64          `json:"agreement_percent"` // 0.0-1.0
	AgreementCount   int              `json:"agreement_count"`
	TotalDetectors   int              `json:"total_detectors"`
	DetectorDetails  []DetectorDetail `json:"detector_details"`
}

// DSCRProximity describes how close the entity is to its DSCR covenant.
type DSCRProximity struct {
	Current             float64 `json:"current"`
	CovenantThreshold   float64 `json:"covenant_threshold"`
	DistanceToThreshold float64 `json:"distance_to_threshold"`
	IsBreachRisk        bool    `json:"is_breach_risk"`
	DSCRImpact          float64 `json:"dscr_impact"`
	Available           bool    `json:"available"`
}

// ImpactComponents breaks an impact score into its parts.
type ImpactComponents struct {
	Variance float64 `json:"variance"`
	Category float64 `json:"category"`
	DSCR     float64 `json:"dscr"`
}

// ImpactAssessment is the materiality view of a consensus anomaly.
type ImpactAssessment struct {
	AbsoluteVariance        decimal.Decimal  `json:"absolute_variance"`
	ParentTotal             decimal.Decimal  `json:"parent_total"`
	ParentCategoryImpactPct float64          `json:"parent_category_impact_pct"`
	DSCR                    DSCRProximity    `json:"dscr"`
	ImpactScore             float64          `json:"impact_score"` // 0-100
	Components              ImpactComponents `json:"components"`
}

// Clamp01 bounds v to [0,1]. NaN becomes 0.
func Clamp01(v float64) float64 {
	return clamp(v, 0, 1)
}

// Clamp100 bounds v to [0,100]. NaN becomes 0.
func Clamp100(v float64) float64 {
	return clamp(v, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v != v { // NaN
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
