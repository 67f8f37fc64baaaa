package domain

import (
	"time"
)

// UrgencyTier is the classification of an urgency score.
type UrgencyTier string

const (
	TierExtremelyUrgent  UrgencyTier = "EXTREMELY_URGENT"
	TierUrgent           UrgencyTier = "URGENT"
	TierModeratelyUrgent UrgencyTier = "MODERATELY_URGENT"
	TierLowUrgency       UrgencyTier = "LOW_URGENCY"
)

// Rank orders tiers from least (0) to most (3) urgent. Unknown tiers rank -1.
func (t UrgencyTier) Rank() int {
	switch t {
	case TierLowUrgency:
		return 0
	case TierModeratelyUrgent:
		return 1
	case TierUrgent:
		return 2
	case TierExtremelyUrgent:
		return 3
	default:
		return -1
	}
}

// Breakdown factor names.
const (
	FactorRisk                 = "risk"
	FactorDaysSinceInteraction = "daysSinceInteraction"
	FactorFeedback             = "feedback"
)

// UrgencyComponent explains one signal's share of an urgency score.
type UrgencyComponent struct {
	Factor           string  `json:"factor"`
	RawValue         float64 `json:"rawValue"`
	ScaledValue      float64 `json:"scaledValue"`      // 0-100, 100 = most urgent
	ConfiguredWeight float64 `json:"configuredWeight"` // as stored, before fallback
	NormalizedWeight float64 `json:"normalizedWeight"` // share of the family total, x100
	Contribution     float64 `json:"contribution"`
}

// UrgencyBreakdown records how an urgency score was assembled.
// It exists for audit and display and is never fed back into scoring.
type UrgencyBreakdown struct {
	Risk                 UrgencyComponent `json:"risk"`
	DaysSinceInteraction UrgencyComponent `json:"daysSinceInteraction"`
	Feedback             UrgencyComponent `json:"feedback"`

	// FallbackApplied is set when the urgency weights were degenerate and
	// the fallback family was used instead.
	FallbackApplied bool `json:"fallbackApplied"`
}

// Components returns the three components in a fixed order.
func (b *UrgencyBreakdown) Components() []UrgencyComponent {
	return []UrgencyComponent{b.Risk, b.DaysSinceInteraction, b.Feedback}
}

// ContributionTotal sums the three contributions.
func (b *UrgencyBreakdown) ContributionTotal() float64 {
	return b.Risk.Contribution + b.DaysSinceInteraction.Contribution + b.Feedback.Contribution
}

// Assessment is the full scoring outcome for one client.
type Assessment struct {
	ClientID     string           `json:"clientId"`
	RiskScore    int              `json:"riskScore"`
	UrgencyScore float64          `json:"urgencyScore"`
	Tier         UrgencyTier      `json:"tier"`
	Breakdown    UrgencyBreakdown `json:"breakdown"`
	Diagnostics  []string         `json:"diagnostics,omitempty"`
	ComputedAt   time.Time        `json:"computedAt"`
}

// Diagnostic codes attached to assessments.
const (
	DiagnosticWeightFallback = "urgency_weight_fallback"
	DiagnosticRiskFloor      = "risk_baseline_floor"
)

// RecalcStatus is the polled progress record of a portfolio recalculation.
type RecalcStatus struct {
	IsRunning   bool       `json:"isRunning"`
	Progress    int        `json:"progress"`
	Total       int        `json:"total"`
	CurrentStep string     `json:"currentStep"`
	StartTime   *time.Time `json:"startTime,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Failed      int        `json:"failed"`
	Scope       string     `json:"scope,omitempty"`
}

// RecalcError records a client that could not be rescored.
type RecalcError struct {
	ClientID string `json:"clientId"`
	Error    string `json:"error"`
}

// RecalcReport summarises a finished recalculation.
type RecalcReport struct {
	ID          string        `json:"id"`
	Scope       string        `json:"scope"`
	Total       int           `json:"total"`
	Processed   int           `json:"processed"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Fallbacks   int           `json:"fallbacks"`
	Cancelled   bool          `json:"cancelled"`
	Errors      []RecalcError `json:"errors,omitempty"`
	StartedAt   time.Time     `json:"startedAt"`
	CompletedAt time.Time     `json:"completedAt"`
	DurationMs  int64         `json:"durationMs"`
}
