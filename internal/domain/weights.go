package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// WeightConfiguration holds the fourteen model weights, split into the risk,
// urgency and feedback families. Each family is expected to total 100 but
// consumers must cope with any non-negative values.
// It is always replicated as a whole, never as a partial update.
type WeightConfiguration struct {
	// Risk factor weights.
	RiskLateDays           float64 `json:"riskLateDays"`
	RiskOutstandingAtRisk  float64 `json:"riskOutstandingAtRisk"`
	RiskParPerLoan         float64 `json:"riskParPerLoan"`
	RiskReschedules        float64 `json:"riskReschedules"`
	RiskPaymentConsistency float64 `json:"riskPaymentConsistency"`
	RiskDelayedInstalments float64 `json:"riskDelayedInstalments"`

	// Urgency component weights.
	UrgencyRisk                 float64 `json:"urgencyRisk"`
	UrgencyDaysSinceInteraction float64 `json:"urgencyDaysSinceInteraction"`
	UrgencyFeedback             float64 `json:"urgencyFeedback"`

	// Feedback component weights.
	FeedbackPaymentWillingness float64 `json:"feedbackPaymentWillingness"`
	FeedbackFinancialSituation float64 `json:"feedbackFinancialSituation"`
	FeedbackCommunication      float64 `json:"feedbackCommunication"`
	FeedbackCooperation        float64 `json:"feedbackCooperation"`
	FeedbackBusinessOutlook    float64 `json:"feedbackBusinessOutlook"`

	UpdatedAt time.Time `json:"updatedAt,omitempty"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
}

// Fallback urgency weights used when the configured urgency family sums to zero or less.
const (
	FallbackUrgencyRisk                 = 25.0
	FallbackUrgencyDaysSinceInteraction = 50.0
	FallbackUrgencyFeedback             = 25.0
)

// DefaultWeights returns the configuration a scope starts with.
func DefaultWeights() *WeightConfiguration {
	return &WeightConfiguration{
		RiskLateDays:           25,
		RiskOutstandingAtRisk:  20,
		RiskParPerLoan:         20,
		RiskReschedules:        15,
		RiskPaymentConsistency: 10,
		RiskDelayedInstalments: 10,

		UrgencyRisk:                 40,
		UrgencyDaysSinceInteraction: 30,
		UrgencyFeedback:             30,

		FeedbackPaymentWillingness: 30,
		FeedbackFinancialSituation: 25,
		FeedbackCommunication:      15,
		FeedbackCooperation:        15,
		FeedbackBusinessOutlook:    15,
	}
}

// RiskTotal returns the sum of the risk family.
func (w *WeightConfiguration) RiskTotal() float64 {
	return w.RiskLateDays + w.RiskOutstandingAtRisk + w.RiskParPerLoan +
		w.RiskReschedules + w.RiskPaymentConsistency + w.RiskDelayedInstalments
}

// UrgencyTotal returns the sum of the urgency family.
func (w *WeightConfiguration) UrgencyTotal() float64 {
	return w.UrgencyRisk + w.UrgencyDaysSinceInteraction + w.UrgencyFeedback
}

// FeedbackTotal returns the sum of the feedback family.
func (w *WeightConfiguration) FeedbackTotal() float64 {
	return w.FeedbackPaymentWillingness + w.FeedbackFinancialSituation +
		w.FeedbackCommunication + w.FeedbackCooperation + w.FeedbackBusinessOutlook
}

// Fields returns every weight keyed by its JSON name.
func (w *WeightConfiguration) Fields() map[string]float64 {
	return map[string]float64{
		"riskLateDays":                w.RiskLateDays,
		"riskOutstandingAtRisk":       w.RiskOutstandingAtRisk,
		"riskParPerLoan":              w.RiskParPerLoan,
		"riskReschedules":             w.RiskReschedules,
		"riskPaymentConsistency":      w.RiskPaymentConsistency,
		"riskDelayedInstalments":      w.RiskDelayedInstalments,
		"urgencyRisk":                 w.UrgencyRisk,
		"urgencyDaysSinceInteraction": w.UrgencyDaysSinceInteraction,
		"urgencyFeedback":             w.UrgencyFeedback,
		"feedbackPaymentWillingness":  w.FeedbackPaymentWillingness,
		"feedbackFinancialSituation":  w.FeedbackFinancialSituation,
		"feedbackCommunication":       w.FeedbackCommunication,
		"feedbackCooperation":         w.FeedbackCooperation,
		"feedbackBusinessOutlook":     w.FeedbackBusinessOutlook,
	}
}

// DecodeWeights parses a complete weight configuration. Every one of the
// fourteen weights must be present and non-null.
func DecodeWeights(data []byte) (*WeightConfiguration, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("invalid weight payload: %w", err)
	}

	var missing []string
	for name := range (&WeightConfiguration{}).Fields() {
		if raw, ok := fields[name]; !ok || string(raw) == "null" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("weight payload missing %v", missing)
	}

	var w WeightConfiguration
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("invalid weight payload: %w", err)
	}
	return &w, nil
}

// MessageTypeWeightUpdate tags a pushed weight configuration.
const MessageTypeWeightUpdate = "weight_update"

// WeightUpdateMessage is the wire message pushed to connected observers.
type WeightUpdateMessage struct {
	Type string              `json:"type"`
	Data WeightConfiguration `json:"data"`
}

// NewWeightUpdateMessage wraps a configuration for the push channel.
func NewWeightUpdateMessage(w *WeightConfiguration) *WeightUpdateMessage {
	return &WeightUpdateMessage{
		Type: MessageTypeWeightUpdate,
		Data: *w,
	}
}
