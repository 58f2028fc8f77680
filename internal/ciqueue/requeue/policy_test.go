package requeue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/armadaproject/ciqueue/internal/ciqueue/queue"
)

func TestPolicy_Allows(t *testing.T) {
	tests := map[string]struct {
		maxRequeues int
		tolerance   float64
		attempts    int
		requeued    int
		total       int
		expected    bool
	}{
		"first failure within budget": {
			maxRequeues: 2,
			tolerance:   0.1,
			attempts:    1,
			requeued:    0,
			total:       100,
			expected:    true,
		},
		"last allowed attempt": {
			maxRequeues: 2,
			tolerance:   0.1,
			attempts:    2,
			requeued:    0,
			total:       100,
			expected:    true,
		},
		"per test limit reached": {
			maxRequeues: 2,
			tolerance:   0.1,
			attempts:    3,
			requeued:    0,
			total:       100,
			expected:    false,
		},
		"global budget exactly reached": {
			maxRequeues: 2,
			tolerance:   0.1,
			attempts:    1,
			requeued:    9,
			total:       100,
			expected:    true,
		},
		"global budget exceeded": {
			maxRequeues: 2,
			tolerance:   0.1,
			attempts:    1,
			requeued:    10,
			total:       100,
			expected:    false,
		},
		"requeues disabled": {
			maxRequeues: 0,
			tolerance:   0,
			attempts:    1,
			requeued:    0,
			total:       100,
			expected:    false,
		},
		"nothing enqueued": {
			maxRequeues: 1,
			tolerance:   1,
			attempts:    1,
			requeued:    0,
			total:       0,
			expected:    false,
		},
		"single test full tolerance": {
			maxRequeues: 1,
			tolerance:   1,
			attempts:    1,
			requeued:    0,
			total:       1,
			expected:    true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			policy := NewPolicy(tc.maxRequeues, tc.tolerance)
			item := queue.Item{TestId: "a", Attempts: tc.attempts}
			state := queue.RunState{Total: tc.total, Requeued: tc.requeued}
			assert.Equal(t, tc.expected, policy.Allows(item, state))
		})
	}
}

// The global budget bounds the number of requeues of a whole run.
func TestPolicy_GlobalBudgetIsNeverExceeded(t *testing.T) {
	policy := NewPolicy(3, 0.05)
	state := queue.RunState{Total: 200}
	for i := 0; i < 1000; i++ {
		if policy.Allows(queue.Item{TestId: "a", Attempts: 1}, state) {
			state.Requeued++
		}
	}
	assert.Equal(t, 10, state.Requeued)
	assert.LessOrEqual(t, float64(state.Requeued)/float64(state.Total), policy.Tolerance)
}
