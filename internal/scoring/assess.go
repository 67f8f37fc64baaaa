package scoring

import (
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Assess runs the full model for one client.
func Assess(facts *domain.ClientFacts, weights *domain.WeightConfiguration, now time.Time) *domain.Assessment {
	facts, weights = orEmpty(facts, weights)

	risk, floored := riskScore(facts, weights)
	urgency, breakdown := Compose(facts, weights, now)

	a := &domain.Assessment{
		ClientID:     facts.ID,
		RiskScore:    risk,
		UrgencyScore: urgency,
		Tier:         Classify(urgency),
		Breakdown:    breakdown,
		ComputedAt:   now.UTC(),
	}
	if breakdown.FallbackApplied {
		a.Diagnostics = append(a.Diagnostics, domain.DiagnosticWeightFallback)
	}
	if floored {
		a.Diagnostics = append(a.Diagnostics, domain.DiagnosticRiskFloor)
	}
	return a
}

// AssessAll scores a slice of clients against one configuration and instant.
func AssessAll(clients []*domain.ClientFacts, weights *domain.WeightConfiguration, now time.Time) []*domain.Assessment {
	out := make([]*domain.Assessment, 0, len(clients))
	for _, c := range clients {
		out = append(out, Assess(c, weights, now))
	}
	return out
}
