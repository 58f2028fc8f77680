package circuitbreaker

// CircuitBreaker counts consecutive test failures of one worker.
// It opens once the count reaches the configured maximum; a zero maximum disables it.
type CircuitBreaker struct {
	max                 int
	consecutiveFailures int
}

func New(maxConsecutiveFailures int) *CircuitBreaker {
	return &CircuitBreaker{max: maxConsecutiveFailures}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.consecutiveFailures = 0
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.consecutiveFailures++
}

func (cb *CircuitBreaker) ConsecutiveFailures() int {
	return cb.consecutiveFailures
}

// Open returns true if the worker should stop claiming work.
func (cb *CircuitBreaker) Open() bool {
	return cb.max > 0 && cb.consecutiveFailures >= cb.max
}
