package requeue

import (
	"github.com/armadaproject/ciqueue/internal/ciqueue/queue"
)

// Policy decides whether a failed test gets another attempt.
//
// A test may be attempted at most MaxRequeues+1 times, and the build as a whole may requeue at most Tolerance times
// the number of enqueued tests.
type Policy struct {
	MaxRequeues int
	Tolerance   float64
}

func NewPolicy(maxRequeues int, tolerance float64) Policy {
	return Policy{
		MaxRequeues: maxRequeues,
		Tolerance:   tolerance,
	}
}

// Allows is a queue.Decider.
func (p Policy) Allows(item queue.Item, state queue.RunState) bool {
	if p.MaxRequeues <= 0 || state.Total <= 0 {
		return false
	}
	if item.Attempts >= p.MaxRequeues+1 {
		return false
	}
	return float64(state.Requeued+1)/float64(state.Total) <= p.Tolerance
}
