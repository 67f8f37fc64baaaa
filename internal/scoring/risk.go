// Package scoring implements the risk and urgency model.
//
// Everything here is a pure function of its inputs. The batch recalculation,
// the API and the observer replica all call into this package, so a score
// computed in one place is reproduced exactly in the others.
package scoring

import (
	"math"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Risk score bounds. 100 is reserved as unreachable and no client is ever risk-free.
const (
	MinRiskScore = 1
	MaxRiskScore = 99
)

// sigmoidSteepness controls how hard the logistic transform pushes values
// away from the 0.5 midpoint.
const sigmoidSteepness = 6.0

// Risk factor names.
const (
	FactorLateDays           = "lateDays"
	FactorOutstandingAtRisk  = "outstandingAtRisk"
	FactorParPerLoan         = "parPerLoan"
	FactorReschedules        = "reschedules"
	FactorPaymentConsistency = "paymentConsistency"
	FactorDelayedInstalments = "delayedInstalments"
)

type riskFactor struct {
	name      string
	value     func(*domain.ClientFacts) float64
	weight    func(*domain.WeightConfiguration) float64
	threshold float64
	inverse   bool
	// floor replaces the normalized value when the raw value is zero but the
	// client still owes money. Zero disables it.
	floor float64
}

var riskFactors = []riskFactor{
	{
		name:      FactorLateDays,
		value:     func(c *domain.ClientFacts) float64 { return c.LateDays },
		weight:    func(w *domain.WeightConfiguration) float64 { return w.RiskLateDays },
		threshold: 90,
		floor:     0.10,
	},
	{
		name:      FactorOutstandingAtRisk,
		value:     func(c *domain.ClientFacts) float64 { return c.OutstandingAtRisk },
		weight:    func(w *domain.WeightConfiguration) float64 { return w.RiskOutstandingAtRisk },
		threshold: 10000,
		floor:     0.05,
	},
	{
		name:      FactorParPerLoan,
		value:     func(c *domain.ClientFacts) float64 { return c.ParPerLoan },
		weight:    func(w *domain.WeightConfiguration) float64 { return w.RiskParPerLoan },
		threshold: 1.0,
		floor:     0.02,
	},
	{
		name:      FactorReschedules,
		value:     func(c *domain.ClientFacts) float64 { return c.CountReschedule },
		weight:    func(w *domain.WeightConfiguration) float64 { return w.RiskReschedules },
		threshold: 5,
	},
	{
		name:      FactorPaymentConsistency,
		value:     func(c *domain.ClientFacts) float64 { return c.PaidInstalments },
		weight:    func(w *domain.WeightConfiguration) float64 { return w.RiskPaymentConsistency },
		threshold: 50,
		inverse:   true,
	},
	{
		name:      FactorDelayedInstalments,
		value:     func(c *domain.ClientFacts) float64 { return c.TotalDelayedInstalments },
		weight:    func(w *domain.WeightConfiguration) float64 { return w.RiskDelayedInstalments },
		threshold: 20,
	},
}

// FactorResult explains one risk factor's contribution.
type FactorResult struct {
	Name         string  `json:"name"`
	RawValue     float64 `json:"rawValue"`
	Normalized   float64 `json:"normalized"`
	FloorApplied bool    `json:"floorApplied"`
	Transformed  float64 `json:"transformed"` // logistic output x100
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// RiskScore converts a client's loan facts into an integer in [1,99].
//
// Risk weights are used as fractions of 100 as configured; they are not
// renormalized against each other. Missing or malformed values count as zero.
func RiskScore(facts *domain.ClientFacts, weights *domain.WeightConfiguration) int {
	score, _ := riskScore(facts, weights)
	return score
}

// RiskFactors returns the per-factor evaluation behind RiskScore.
func RiskFactors(facts *domain.ClientFacts, weights *domain.WeightConfiguration) []FactorResult {
	facts, weights = orEmpty(facts, weights)

	results := make([]FactorResult, 0, len(riskFactors))
	for _, f := range riskFactors {
		results = append(results, evaluateFactor(f, facts, weights))
	}
	return results
}

func riskScore(facts *domain.ClientFacts, weights *domain.WeightConfiguration) (int, bool) {
	facts, weights = orEmpty(facts, weights)

	total := 0.0
	floored := false
	for _, f := range riskFactors {
		r := evaluateFactor(f, facts, weights)
		total += r.Contribution
		floored = floored || r.FloorApplied
	}

	return int(math.Round(clamp(total, MinRiskScore, MaxRiskScore))), floored
}

func evaluateFactor(f riskFactor, facts *domain.ClientFacts, weights *domain.WeightConfiguration) FactorResult {
	raw := finiteNonNegative(f.value(facts))
	weight := finiteNonNegative(f.weight(weights))

	normalized := math.Min(raw, f.threshold) / f.threshold
	if f.inverse {
		normalized = 1 - normalized
	}

	floorApplied := false
	if f.floor > 0 && raw == 0 && facts.HasOutstandingBalance() {
		normalized = f.floor
		floorApplied = true
	}

	transformed := sigmoid(normalized) * 100

	return FactorResult{
		Name:         f.name,
		RawValue:     raw,
		Normalized:   normalized,
		FloorApplied: floorApplied,
		Transformed:  transformed,
		Weight:       weight,
		Contribution: transformed * weight / 100,
	}
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-sigmoidSteepness*(x-0.5)))
}

func orEmpty(facts *domain.ClientFacts, weights *domain.WeightConfiguration) (*domain.ClientFacts, *domain.WeightConfiguration) {
	if facts == nil {
		facts = &domain.ClientFacts{}
	}
	if weights == nil {
		weights = domain.DefaultWeights()
	}
	return facts, weights
}

// finiteNonNegative maps NaN, infinities and negatives to zero.
func finiteNonNegative(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func roundTo(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
