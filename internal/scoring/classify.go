package scoring

import "github.com/opensource-finance/harrier/internal/domain"

// Tier thresholds, inclusive lower bounds.
const (
	ExtremelyUrgentThreshold  = 60.0
	UrgentThreshold           = 40.0
	ModeratelyUrgentThreshold = 20.0
)

// Classify maps an urgency score to its tier, checking the highest band first.
func Classify(score float64) domain.UrgencyTier {
	switch {
	case score >= ExtremelyUrgentThreshold:
		return domain.TierExtremelyUrgent
	case score >= UrgentThreshold:
		return domain.TierUrgent
	case score >= ModeratelyUrgentThreshold:
		return domain.TierModeratelyUrgent
	default:
		return domain.TierLowUrgency
	}
}
