// Package guard decides whether a proposed transition is legal before it
// is queued. Validators are pure: no side effects, safe for concurrent
// use from every scheduling goroutine.
package guard

import (
	"fmt"

	"fsmhub/internal/models"
)

// Wildcard matches any state or event in a rule.
const Wildcard = "*"

// Result is the outcome of validating a proposed transition.
type Result struct {
	Valid  bool
	Reason string
}

// Rejected builds a failed Result with the given reason.
func Rejected(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

// Valid is the passing Result.
var Valid = Result{Valid: true}

// Validator checks a proposed transition against a policy.
type Validator interface {
	Validate(from, to, event string, tc *models.TransitionContext) Result
}

// Rule permits one transition edge. Any field may be Wildcard.
type Rule struct {
	From  string
	To    string
	Event string
}

func (r Rule) matches(from, to, event string) bool {
	return (r.From == Wildcard || r.From == from) &&
		(r.To == Wildcard || r.To == to) &&
		(r.Event == Wildcard || r.Event == event)
}

// RuleValidator permits transitions listed in its rule set and rejects
// everything else. An empty rule set permits all transitions, so a hub
// configured without a transition table still accepts requests. Custom
// guards attached to the request context are evaluated after the table
// in either case.
//
// The rule slice is copied at construction and never mutated, which is
// what makes concurrent Validate calls safe without locking.
type RuleValidator struct {
	rules []Rule
}

// NewRuleValidator builds a validator over a fixed rule set.
func NewRuleValidator(rules ...Rule) *RuleValidator {
	rs := make([]Rule, len(rules))
	copy(rs, rules)
	return &RuleValidator{rules: rs}
}

// Validate implements Validator.
func (v *RuleValidator) Validate(from, to, event string, tc *models.TransitionContext) Result {
	if from == "" || to == "" {
		return Rejected("from and to states are required")
	}
	if event == "" {
		return Rejected("event is required")
	}

	if len(v.rules) > 0 {
		allowed := false
		for _, r := range v.rules {
			if r.matches(from, to, event) {
				allowed = true
				break
			}
		}
		if !allowed {
			return Rejected("no rule permits %s->%s on event %q", from, to, event)
		}
	}

	if tc != nil {
		for _, g := range tc.Guards {
			if g == nil {
				continue
			}
			if err := g(from, to, event); err != nil {
				return Rejected("guard rejected %s->%s on %q: %v", from, to, event, err)
			}
		}
	}

	return Valid
}

// Chain runs validators in order and rejects on the first failure.
type Chain []Validator

// Validate implements Validator.
func (c Chain) Validate(from, to, event string, tc *models.TransitionContext) Result {
	for _, v := range c {
		if res := v.Validate(from, to, event, tc); !res.Valid {
			return res
		}
	}
	return Valid
}
