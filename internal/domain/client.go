package domain

import (
	"math"
	"time"
)

// ClientFacts is a read-only snapshot of one client's loan state at scoring time.
// Numeric fields that were missing upstream arrive as zero.
type ClientFacts struct {
	ID    string `json:"id"`
	Scope string `json:"scope,omitempty"`
	Name  string `json:"name,omitempty"`

	// Loan indicators
	LateDays                float64 `json:"lateDays"`
	Outstanding             float64 `json:"outstanding"`
	OutstandingAtRisk       float64 `json:"outstandingAtRisk"`
	ParPerLoan              float64 `json:"parPerLoan"`
	CountReschedule         float64 `json:"countReschedule"`
	PaidInstalments         float64 `json:"paidInstalments"`
	TotalDelayedInstalments float64 `json:"totalDelayedInstalments"`

	// Interaction history
	LastVisitDate     *time.Time `json:"lastVisitDate,omitempty"`
	LastPhoneCallDate *time.Time `json:"lastPhoneCallDate,omitempty"`

	// FeedbackScore is the raw 1-5 rating from the last interaction, 0 if unknown.
	FeedbackScore float64 `json:"feedbackScore,omitempty"`

	// Feedback holds per-component ratings when the officer recorded them.
	Feedback *FeedbackRatings `json:"feedback,omitempty"`

	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// FeedbackRatings are 1-5 ratings per feedback component, lower is worse.
// A zero rating means the component was not recorded.
type FeedbackRatings struct {
	PaymentWillingness float64 `json:"paymentWillingness"`
	FinancialSituation float64 `json:"financialSituation"`
	Communication      float64 `json:"communication"`
	Cooperation        float64 `json:"cooperation"`
	BusinessOutlook    float64 `json:"businessOutlook"`
}

// HasOutstandingBalance reports whether the client has an active loan balance.
// An infinite or NaN balance is malformed and counts as none.
func (c *ClientFacts) HasOutstandingBalance() bool {
	return !math.IsInf(c.Outstanding, 0) && c.Outstanding > 0
}
