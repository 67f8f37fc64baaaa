// Package rules validates weight configurations with CEL expressions.
package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Validator evaluates validation rules against weight configurations.
// Scoring never depends on it; it only guards what administrators save.
type Validator struct {
	mu    sync.RWMutex
	env   *cel.Env
	rules []*compiledRule
}

type compiledRule struct {
	config  *domain.ValidationRule
	program cel.Program
}

// NewValidator creates a validator with the built-in rules loaded.
func NewValidator() (*Validator, error) {
	// Weights are exposed both as a map keyed by JSON name and as family totals.
	env, err := cel.NewEnv(
		cel.Variable("w", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("risk_total", cel.DoubleType),
		cel.Variable("urgency_total", cel.DoubleType),
		cel.Variable("feedback_total", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	v := &Validator{env: env}
	for _, r := range BuiltinRules() {
		if err := v.LoadRule(r); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// CheckRule compiles a rule without loading it.
func (v *Validator) CheckRule(r *domain.ValidationRule) error {
	if r == nil {
		return fmt.Errorf("validation rule is required")
	}
	_, err := v.compileRule(r)
	return err
}

// LoadRule compiles a rule and adds it, replacing any rule with the same ID.
func (v *Validator) LoadRule(r *domain.ValidationRule) error {
	if r == nil {
		return fmt.Errorf("validation rule is required")
	}
	compiled, err := v.compileRule(r)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for i, existing := range v.rules {
		if existing.config.ID == r.ID {
			v.rules[i] = compiled
			return nil
		}
	}
	v.rules = append(v.rules, compiled)
	return nil
}

// RulesCount returns the number of loaded rules.
func (v *Validator) RulesCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.rules)
}

// Validate evaluates every loaded rule in load order.
// A rule that fails to evaluate is reported as an error.
func (v *Validator) Validate(w *domain.WeightConfiguration) domain.ValidationResult {
	var result domain.ValidationResult
	if w == nil {
		result.Errors = append(result.Errors, domain.ValidationIssue{
			RuleID:   "required",
			Severity: domain.SeverityError,
			Message:  "weight configuration is required",
		})
		return result
	}

	activation := map[string]any{
		"w":              w.Fields(),
		"risk_total":     w.RiskTotal(),
		"urgency_total":  w.UrgencyTotal(),
		"feedback_total": w.FeedbackTotal(),
	}

	v.mu.RLock()
	rules := v.rules
	v.mu.RUnlock()

	for _, r := range rules {
		out, _, err := r.program.Eval(activation)
		if err != nil {
			result.Errors = append(result.Errors, domain.ValidationIssue{
				RuleID:   r.config.ID,
				Severity: domain.SeverityError,
				Message:  fmt.Sprintf("evaluation error: %v", err),
			})
			continue
		}
		if out != types.True {
			continue
		}

		issue := domain.ValidationIssue{
			RuleID:   r.config.ID,
			Severity: r.config.Severity,
			Message:  r.config.Message,
		}
		if r.config.Severity == domain.SeverityError {
			result.Errors = append(result.Errors, issue)
		} else {
			result.Warnings = append(result.Warnings, issue)
		}
	}
	return result
}

func (v *Validator) compileRule(r *domain.ValidationRule) (*compiledRule, error) {
	if r.ID == "" {
		return nil, fmt.Errorf("validation rule id is required")
	}
	if r.Severity != domain.SeverityError && r.Severity != domain.SeverityWarning {
		return nil, fmt.Errorf("rule %s: unknown severity %q", r.ID, r.Severity)
	}

	ast, issues := v.env.Compile(r.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", r.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", r.ID, ast.OutputType())
	}

	program, err := v.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", r.ID, err)
	}

	return &compiledRule{config: r, program: program}, nil
}
