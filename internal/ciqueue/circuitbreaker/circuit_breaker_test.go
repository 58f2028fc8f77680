package circuitbreaker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker(t *testing.T) {
	tests := map[string]struct {
		max          int
		failures     []bool
		expectedOpen bool
	}{
		"opens at max": {
			max:          3,
			failures:     []bool{true, true, true},
			expectedOpen: true,
		},
		"below max": {
			max:          3,
			failures:     []bool{true, true},
			expectedOpen: false,
		},
		"success resets": {
			max:          3,
			failures:     []bool{true, true, false, true, true},
			expectedOpen: false,
		},
		"disabled": {
			max:          0,
			failures:     []bool{true, true, true, true, true},
			expectedOpen: false,
		},
		"max of one": {
			max:          1,
			failures:     []bool{false, true},
			expectedOpen: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cb := New(tc.max)
			for _, failed := range tc.failures {
				if failed {
					cb.RecordFailure()
				} else {
					cb.RecordSuccess()
				}
			}
			assert.Equal(t, tc.expectedOpen, cb.Open())
		})
	}
}
