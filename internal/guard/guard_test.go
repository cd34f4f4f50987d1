package guard

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fsmhub/internal/models"
)

func TestRuleValidatorAllowsListedTransition(t *testing.T) {
	v := NewRuleValidator(
		Rule{From: "idle", To: "running", Event: "start"},
		Rule{From: "running", To: "stopped", Event: "stop"},
	)

	res := v.Validate("idle", "running", "start", nil)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Reason)
}

func TestRuleValidatorRejectsUnlistedTransition(t *testing.T) {
	v := NewRuleValidator(Rule{From: "idle", To: "running", Event: "start"})

	res := v.Validate("idle", "stopped", "halt", nil)
	require.False(t, res.Valid)
	assert.Contains(t, res.Reason, "no rule permits")
}

func TestRuleValidatorWildcards(t *testing.T) {
	v := NewRuleValidator(Rule{From: Wildcard, To: "failed", Event: Wildcard})

	assert.True(t, v.Validate("running", "failed", "crash", nil).Valid)
	assert.True(t, v.Validate("idle", "failed", "poison", nil).Valid)
	assert.False(t, v.Validate("idle", "running", "start", nil).Valid)
}

func TestEmptyRuleSetPermitsEverything(t *testing.T) {
	v := NewRuleValidator()

	assert.True(t, v.Validate("a", "b", "go", nil).Valid)
}

func TestMissingFieldsRejected(t *testing.T) {
	v := NewRuleValidator()

	assert.False(t, v.Validate("", "b", "go", nil).Valid)
	assert.False(t, v.Validate("a", "", "go", nil).Valid)
	assert.False(t, v.Validate("a", "b", "", nil).Valid)
}

func TestCustomGuardsFromContext(t *testing.T) {
	v := NewRuleValidator()

	tc := models.NewTransitionContext()
	tc.Guards = append(tc.Guards, func(from, to, event string) error {
		if to == "forbidden" {
			return errors.New("target not allowed")
		}
		return nil
	})

	assert.True(t, v.Validate("a", "b", "go", tc).Valid)

	res := v.Validate("a", "forbidden", "go", tc)
	require.False(t, res.Valid)
	assert.Contains(t, res.Reason, "target not allowed")
}

func TestNilGuardSkipped(t *testing.T) {
	v := NewRuleValidator()
	tc := models.NewTransitionContext()
	tc.Guards = append(tc.Guards, nil)

	assert.True(t, v.Validate("a", "b", "go", tc).Valid)
}

func TestChainStopsAtFirstRejection(t *testing.T) {
	open := NewRuleValidator()
	strict := NewRuleValidator(Rule{From: "idle", To: "running", Event: "start"})

	c := Chain{open, strict}
	assert.True(t, c.Validate("idle", "running", "start", nil).Valid)
	assert.False(t, c.Validate("idle", "paused", "pause", nil).Valid)
}

func TestValidateConcurrently(t *testing.T) {
	v := NewRuleValidator(Rule{From: "idle", To: "running", Event: "start"})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.True(t, v.Validate("idle", "running", "start", nil).Valid)
			}
		}()
	}
	wg.Wait()
}
