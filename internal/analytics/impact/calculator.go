package impact

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/reims/reims-ai/internal/models"
)

// Package impact converts a consensus anomaly into a materiality score.
//
// Score Dimensions (summed, clamped to 0-100):
//
//  1. Variance (0-40)
//     - |actual - expected| in dollars, 1 point per $250
//
//  2. Parent category (0-30)
//     - variance as a percentage of the parent category total, 3 points per %
//
//  3. DSCR proximity (0-40)
//     - distance = current DSCR - covenant threshold (default 1.25)
//     - 30 if distance < 0.10, 20 if < 0.25, 10 if < 0.50, else 0
//     - up to +10 when variance / annual debt service exceeds 0.10
//
// Dollar arithmetic is done in decimal. Non-finite inputs contribute zero.
//
// Integration Points:
//   - Pipeline: attaches an ImpactAssessment to every consensus anomaly
//   - Ensemble: the materiality floor reads AbsoluteVariance

// DefaultCovenantThreshold is the DSCR covenant most loans carry.
const DefaultCovenantThreshold = 1.25

const (
	maxVariancePoints = 40.0
	dollarsPerPoint   = 250.0
	maxCategoryPoints = 30.0
	pointsPerPercent  = 3.0
	maxDSCRBonus      = 10.0
	dscrBonusPerUnit  = 20.0
	breachDistance    = 0.10
	dscrImpactFloor   = 0.10
)

// Context is the entity-level information needed beyond the anomaly itself.
// Nil fields are unknown.
type Context struct {
	ParentTotal       *decimal.Decimal `json:"parent_total,omitempty"`
	CurrentDSCR       *float64         `json:"current_dscr,omitempty"`
	AnnualDebtService *decimal.Decimal `json:"annual_debt_service,omitempty"`
}

// Calculator scores impact against a DSCR covenant. Safe for concurrent use.
type Calculator struct {
	covenant decimal.Decimal
}

// NewCalculator returns a calculator for the given covenant threshold.
func NewCalculator(covenantThreshold float64) (*Calculator, error) {
	if !finite(covenantThreshold) || covenantThreshold <= 0 {
		return nil, &models.ConfigurationError{
			Field:   "impact.dscr_covenant_threshold",
			Message: fmt.Sprintf("must be a positive number, got %v", covenantThreshold),
		}
	}
	return &Calculator{covenant: decimal.NewFromFloat(covenantThreshold)}, nil
}

// Assess builds the impact assessment for an actual/expected pair.
func (c *Calculator) Assess(actual, expected float64, ic Context) models.ImpactAssessment {
	variance := Variance(actual, expected)
	pct := ParentImpactPct(variance, ic.ParentTotal)
	dscr := c.DSCRProximity(ic.CurrentDSCR, variance, ic.AnnualDebtService)
	score, components := Score(variance, pct, dscr)

	a := models.ImpactAssessment{
		AbsoluteVariance:        variance,
		ParentCategoryImpactPct: pct,
		DSCR:                    dscr,
		ImpactScore:             score,
		Components:              components,
	}
	if ic.ParentTotal != nil {
		a.ParentTotal = *ic.ParentTotal
	}
	return a
}

// AssessAnomaly attaches an assessment built from the representative
// candidate to a.
func (c *Calculator) AssessAnomaly(a *models.ConsensusAnomaly, ic Context) {
	ia := c.Assess(a.Representative.Value, a.Representative.ExpectedValue, ic)
	a.Impact = &ia
}

// Variance is |actual - expected|, zero when either side is not finite.
func Variance(actual, expected float64) decimal.Decimal {
	if !finite(actual) || !finite(expected) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(actual).Sub(decimal.NewFromFloat(expected)).Abs()
}

// ParentImpactPct is variance as a percentage of the parent total; zero when
// the parent is missing or not positive.
func ParentImpactPct(variance decimal.Decimal, parent *decimal.Decimal) float64 {
	if parent == nil || !parent.IsPositive() {
		return 0
	}
	return variance.Mul(decimal.NewFromInt(100)).Div(*parent).InexactFloat64()
}

// DSCRProximity measures distance to the covenant and the share of annual
// debt service the variance represents.
func (c *Calculator) DSCRProximity(current *float64, variance decimal.Decimal, debtService *decimal.Decimal) models.DSCRProximity {
	p := models.DSCRProximity{CovenantThreshold: c.covenant.InexactFloat64()}
	if debtService != nil && debtService.IsPositive() {
		p.DSCRImpact = variance.Div(*debtService).InexactFloat64()
	}
	if current == nil || !finite(*current) {
		return p
	}
	distance := decimal.NewFromFloat(*current).Sub(c.covenant)
	p.Available = true
	p.Current = *current
	p.DistanceToThreshold = distance.InexactFloat64()
	p.IsBreachRisk = distance.LessThan(decimal.NewFromFloat(breachDistance))
	return p
}

// Score combines the three components and clamps the total to [0,100].
func Score(variance decimal.Decimal, parentPct float64, dscr models.DSCRProximity) (float64, models.ImpactComponents) {
	comp := models.ImpactComponents{
		Variance: math.Min(maxVariancePoints, variance.InexactFloat64()/dollarsPerPoint),
		Category: math.Min(maxCategoryPoints, nonNegative(parentPct)*pointsPerPercent),
		DSCR:     dscrPoints(dscr),
	}
	return models.Clamp100(comp.Variance + comp.Category + comp.DSCR), comp
}

// DSCRBand is the banded DSCR component for a distance to the covenant.
func DSCRBand(distance float64) float64 {
	switch {
	case distance < 0.10:
		return 30
	case distance < 0.25:
		return 20
	case distance < 0.50:
		return 10
	default:
		return 0
	}
}

func dscrPoints(p models.DSCRProximity) float64 {
	var points float64
	if p.Available {
		if p.IsBreachRisk {
			points = 30
		} else {
			points = DSCRBand(p.DistanceToThreshold)
		}
	}
	if impact := math.Abs(p.DSCRImpact); finite(impact) && impact > dscrImpactFloor {
		points += math.Min(maxDSCRBonus, impact*dscrBonusPerUnit)
	}
	return points
}

func nonNegative(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return v
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
