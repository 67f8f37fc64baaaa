package scoring

import (
	"math"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

const (
	// DefaultDaysSinceInteraction is assumed for clients nobody has visited or
	// called yet, so new clients are not ranked as freshly contacted.
	DefaultDaysSinceInteraction = 30.0

	// DaysSaturation is the recency gap that maps to a fully urgent signal.
	DaysSaturation = 180.0

	// NeutralFeedback is used when no feedback was recorded.
	NeutralFeedback = 3.0

	MinFeedback = 1.0
	MaxFeedback = 5.0
)

// DaysSinceInteraction returns whole days between now and the latest visit or
// phone call. Interactions dated in the future count as today.
func DaysSinceInteraction(facts *domain.ClientFacts, now time.Time) float64 {
	if facts == nil {
		return DefaultDaysSinceInteraction
	}

	var last *time.Time
	for _, t := range []*time.Time{facts.LastVisitDate, facts.LastPhoneCallDate} {
		if t == nil || t.IsZero() {
			continue
		}
		if last == nil || t.After(*last) {
			last = t
		}
	}
	if last == nil {
		return DefaultDaysSinceInteraction
	}

	elapsed := now.Sub(*last)
	if elapsed <= 0 {
		return 0
	}
	return math.Floor(elapsed.Hours() / 24)
}

// FeedbackScore resolves the client's 1-5 feedback rating.
//
// Recorded component ratings are combined with the feedback weight family,
// normalized by its own total. Without components the raw score is used, and
// without either the rating is neutral.
func FeedbackScore(facts *domain.ClientFacts, weights *domain.WeightConfiguration) float64 {
	facts, weights = orEmpty(facts, weights)

	if facts.Feedback != nil {
		if score, ok := componentFeedback(facts.Feedback, weights); ok {
			return score
		}
	}

	score := finiteNonNegative(facts.FeedbackScore)
	if score == 0 {
		return NeutralFeedback
	}
	return clamp(score, MinFeedback, MaxFeedback)
}

func componentFeedback(r *domain.FeedbackRatings, w *domain.WeightConfiguration) (float64, bool) {
	pairs := [][2]float64{
		{r.PaymentWillingness, w.FeedbackPaymentWillingness},
		{r.FinancialSituation, w.FeedbackFinancialSituation},
		{r.Communication, w.FeedbackCommunication},
		{r.Cooperation, w.FeedbackCooperation},
		{r.BusinessOutlook, w.FeedbackBusinessOutlook},
	}

	var weighted, totalWeight, plain float64
	recorded := 0
	for _, p := range pairs {
		rating := finiteNonNegative(p[0])
		if rating == 0 {
			continue
		}
		rating = clamp(rating, MinFeedback, MaxFeedback)
		weight := finiteNonNegative(p[1])

		weighted += rating * weight
		totalWeight += weight
		plain += rating
		recorded++
	}

	if recorded == 0 {
		return 0, false
	}
	if totalWeight <= 0 {
		return clamp(plain/float64(recorded), MinFeedback, MaxFeedback), true
	}
	return clamp(weighted/totalWeight, MinFeedback, MaxFeedback), true
}

// Compose computes the 0-100 urgency score and its breakdown.
//
// The risk score is recomputed from the facts so the result always reflects
// the weights passed in. Urgency weights are clamped to non-negative and, if
// they total zero or less, replaced by the fallback family (25/50/25).
func Compose(facts *domain.ClientFacts, weights *domain.WeightConfiguration, now time.Time) (float64, domain.UrgencyBreakdown) {
	facts, weights = orEmpty(facts, weights)

	risk := float64(RiskScore(facts, weights))
	days := DaysSinceInteraction(facts, now)
	feedback := FeedbackScore(facts, weights)

	configured := [3]float64{
		finite(weights.UrgencyRisk),
		finite(weights.UrgencyDaysSinceInteraction),
		finite(weights.UrgencyFeedback),
	}

	effective := [3]float64{
		finiteNonNegative(weights.UrgencyRisk),
		finiteNonNegative(weights.UrgencyDaysSinceInteraction),
		finiteNonNegative(weights.UrgencyFeedback),
	}
	total := effective[0] + effective[1] + effective[2]

	fallback := total <= 0
	if fallback {
		effective = [3]float64{
			domain.FallbackUrgencyRisk,
			domain.FallbackUrgencyDaysSinceInteraction,
			domain.FallbackUrgencyFeedback,
		}
		total = effective[0] + effective[1] + effective[2]
	}

	raw := [3]float64{risk, days, feedback}
	scaled := [3]float64{
		clamp(risk, 0, 100),
		math.Min(100, days/DaysSaturation*100),
		clamp((MaxFeedback-feedback)*25, 0, 100),
	}
	factors := [3]string{
		domain.FactorRisk,
		domain.FactorDaysSinceInteraction,
		domain.FactorFeedback,
	}

	var composite float64
	var components [3]domain.UrgencyComponent
	for i := range components {
		share := effective[i] / total
		contribution := scaled[i] * share
		composite += contribution

		components[i] = domain.UrgencyComponent{
			Factor:           factors[i],
			RawValue:         raw[i],
			ScaledValue:      roundTo(scaled[i], 2),
			ConfiguredWeight: configured[i],
			NormalizedWeight: roundTo(share*100, 1),
			Contribution:     roundTo(contribution, 2),
		}
	}

	score := roundTo(clamp(composite, 0, 100), 1)

	return score, domain.UrgencyBreakdown{
		Risk:                 components[0],
		DaysSinceInteraction: components[1],
		Feedback:             components[2],
		FallbackApplied:      fallback,
	}
}

// UrgencyScore is Compose without the breakdown.
func UrgencyScore(facts *domain.ClientFacts, weights *domain.WeightConfiguration, now time.Time) float64 {
	score, _ := Compose(facts, weights, now)
	return score
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
