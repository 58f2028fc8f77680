package configuration

import (
	"github.com/hashicorp/go-multierror"

	"github.com/armadaproject/ciqueue/internal/common/config"
	"github.com/armadaproject/ciqueue/internal/common/queueerrors"
)

// Mode is the ciqueue command a configuration is validated for.
type Mode string

const (
	ModeRun    Mode = "run"
	ModeRetry  Mode = "retry"
	ModeReport Mode = "report"
	ModeBisect Mode = "bisect"
	ModeGrind  Mode = "grind"
)

func (m Mode) usesQueue() bool {
	return m == ModeRun || m == ModeRetry || m == ModeReport
}

func (m Mode) runsTests() bool {
	return m != ModeReport
}

// Validate checks c for mode. Every problem found is reported, as a single *queueerrors.ErrInvalidConfig.
func (c RunConfig) Validate(mode Mode) error {
	result := config.ValidationErrors(config.Validate(c))

	invalid := func(name string, value interface{}, message string) {
		result = multierror.Append(result, &queueerrors.ErrInvalidArgument{
			Name:    name,
			Value:   value,
			Message: message,
		})
	}

	if mode.usesQueue() {
		if c.Queue == "" {
			invalid("queue", "<empty>", "a queue url is required; set --queue or $CI_QUEUE_URL")
		}
		if c.BuildId == "" {
			invalid("build", "<empty>", "a build id is required when it cannot be inferred from the CI environment")
		}
	}
	if mode.runsTests() && c.TestCommand == "" {
		invalid("test-command", "<empty>", "a command running a single test is required")
	}
	if mode == ModeRetry && c.WorkerId == "" {
		invalid("worker", "<empty>", "retry replays the tests of one worker, so a worker id is required")
	}
	if mode == ModeGrind {
		if c.GrindList == "" {
			invalid("grind-list", "<empty>", "grind needs a list of tests")
		}
		if c.GrindCount < 1 {
			invalid("grind-count", c.GrindCount, "grind needs to run each test at least once")
		}
	}
	if mode == ModeBisect && c.FailingTest == "" {
		invalid("failing-test", "<empty>", "bisect needs the identifier of the failing test")
	}

	// Requeues need both a per-test and a global budget.
	if c.MaxRequeues > 0 && c.RequeueTolerance == 0 {
		invalid("requeue-tolerance", c.RequeueTolerance, "must be greater than 0 when --max-requeues is set")
	}
	if c.RequeueTolerance > 0 && c.MaxRequeues == 0 {
		invalid("max-requeues", c.MaxRequeues, "must be greater than 0 when --requeue-tolerance is set")
	}

	if err := result.ErrorOrNil(); err != nil {
		return &queueerrors.ErrInvalidConfig{Err: err}
	}
	return nil
}
