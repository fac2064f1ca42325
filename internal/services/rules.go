package services

import (
	"fmt"

	"signoff/backend/pkg/models"
)

// EvaluateRule reports whether the responses of a step's active revision
// satisfy its completion rule, given the number of workflow assignees
// materialized for the step. It is a pure decision function; it never
// triggers a transition itself.
//
// ALL requires every assignee to have responded, all positively. A lone
// negative does not fail the step early; the step simply stays unsatisfied
// until everyone has responded. Negative responses are informational for
// ANY and K_OF_N.
func EvaluateRule(step *models.TemplateStep, responses []models.Response, assigneeCount int) (bool, error) {
	positive, negative := 0, 0
	for _, r := range responses {
		switch r.Type {
		case models.ResponsePositive:
			positive++
		case models.ResponseNegative:
			negative++
		}
	}
	submitted := positive + negative

	switch step.Rule {
	case models.RuleAll:
		return submitted == assigneeCount && positive == assigneeCount, nil
	case models.RuleAny:
		return positive >= 1, nil
	case models.RuleKOfN:
		if step.KValue == nil {
			// Authoring error caught at step creation; an unset k can never
			// be met.
			return false, nil
		}
		return positive >= *step.KValue, nil
	default:
		return false, fmt.Errorf("unknown completion rule %q", step.Rule)
	}
}
