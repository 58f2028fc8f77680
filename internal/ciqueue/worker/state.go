package worker

// State of the worker loop. The loop cycles Idle, Claiming, Running and then Acking or Requeuing, until it reaches
// one of the terminal states.
type State int

const (
	Idle State = iota
	Claiming
	Running
	Acking
	Requeuing
	// The queue is exhausted.
	Drained
	// The circuit breaker tripped.
	Unhealthy
	// The time budget elapsed.
	Expired
)

var stateNames = map[State]string{
	Idle:      "idle",
	Claiming:  "claiming",
	Running:   "running",
	Acking:    "acking",
	Requeuing: "requeuing",
	Drained:   "drained",
	Unhealthy: "unhealthy",
	Expired:   "expired",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) Terminal() bool {
	return s == Drained || s == Unhealthy || s == Expired
}
