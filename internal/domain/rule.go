package domain

// ValidationRule is a CEL check applied to a weight configuration.
// The expression evaluates to true when the configuration violates the rule.
type ValidationRule struct {
	ID         string `json:"id"`
	Expression string `json:"expression"`
	Severity   string `json:"severity"` // "error" or "warning"
	Message    string `json:"message"`
}

// Validation severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// ValidationIssue is one violated rule.
type ValidationIssue struct {
	RuleID   string `json:"ruleId"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// ValidationResult groups the issues found for a configuration.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether no error-severity rule fired.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}
