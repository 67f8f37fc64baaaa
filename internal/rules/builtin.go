package rules

import (
	"fmt"
	"sort"

	"github.com/opensource-finance/harrier/internal/domain"
)

// FamilyTolerance is how far a family total may stray from 100 before a warning.
const FamilyTolerance = 0.5

// BuiltinRules returns the rules every validator starts with:
// each weight within [0, 100], and each family summing to about 100.
func BuiltinRules() []*domain.ValidationRule {
	names := make([]string, 0, 14)
	for name := range domain.DefaultWeights().Fields() {
		names = append(names, name)
	}
	sort.Strings(names)

	rules := make([]*domain.ValidationRule, 0, len(names)+4)
	for _, name := range names {
		rules = append(rules, &domain.ValidationRule{
			ID:         "range-" + name,
			Expression: fmt.Sprintf(`w[%q] < 0.0 || w[%q] > 100.0`, name, name),
			Severity:   domain.SeverityError,
			Message:    name + " must be between 0 and 100",
		})
	}

	for _, family := range []string{"risk", "urgency", "feedback"} {
		rules = append(rules, &domain.ValidationRule{
			ID:         family + "-total",
			Expression: fmt.Sprintf(`%s_total < %.1f || %s_total > %.1f`, family, 100-FamilyTolerance, family, 100+FamilyTolerance),
			Severity:   domain.SeverityWarning,
			Message:    family + " weights should sum to 100",
		})
	}

	rules = append(rules, &domain.ValidationRule{
		ID:         "urgency-degenerate",
		Expression: `urgency_total <= 0.0`,
		Severity:   domain.SeverityWarning,
		Message:    "urgency weights sum to zero; fallback weights 25/50/25 will be used",
	})

	return rules
}
