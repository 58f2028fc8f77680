// Package queueerrors contains the errors that can end a ciqueue command. The process entrypoint looks for the error
// types defined in this file and sets the process exit status accordingly.
//
// If several configuration problems are detected at once, the validating function should return a single
// ErrInvalidConfig wrapping a multierror.Error from package github.com/hashicorp/go-multierror so that the user sees
// every problem in one go.
package queueerrors

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// ExitCode is the process exit status of a ciqueue command.
type ExitCode int

const (
	ExitSuccess ExitCode = iota
	ExitTestFailures
	ExitConfigurationError
	ExitWorkerUnhealthy
	ExitTruncated
	ExitStoreUnavailable
	// Any error not classified above, e.g. failing to write the failure file.
	ExitInternalError
)

// ErrInvalidConfig is returned when an option, or a combination of options, is invalid.
// Raised before any work is claimed.
type ErrInvalidConfig struct {
	Err error
}

func (err *ErrInvalidConfig) Error() string {
	return fmt.Sprintf("invalid configuration: %s", err.Err)
}

func (err *ErrInvalidConfig) Unwrap() error {
	return err.Err
}

// ErrInvalidArgument is a single invalid option.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the option referred to, e.g., "requeue-tolerance"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for option %q", err.Value, err.Name)
	} else {
		return fmt.Sprintf("value %v is invalid for option %q; %s", err.Value, err.Name, err.Message)
	}
}

// ErrStoreUnavailable is returned once the queue store has failed more often than the retry bound allows.
type ErrStoreUnavailable struct {
	Op       string
	Attempts uint
	Err      error
}

func (err *ErrStoreUnavailable) Error() string {
	return fmt.Sprintf("queue store unavailable: %s failed after %d attempts: %s", err.Op, err.Attempts, err.Err)
}

func (err *ErrStoreUnavailable) Unwrap() error {
	return err.Err
}

// ErrNotLeader is returned by leader-only store operations when the caller no longer holds leadership,
// typically because a follower took over a stalled population.
type ErrNotLeader struct {
	Owner string
}

func (err *ErrNotLeader) Error() string {
	return fmt.Sprintf("%s is not the leader of this build", err.Owner)
}

// ErrLeaseConflict reports that a lease was lost to another worker before the holder resolved it.
// It is benign: the loser discards its result.
type ErrLeaseConflict struct {
	TestId string
	Owner  string
}

func (err *ErrLeaseConflict) Error() string {
	return fmt.Sprintf("lease on %q held by %s was reclaimed by another worker", err.TestId, err.Owner)
}

// ErrWorkerUnhealthy is returned when the circuit breaker tripped.
type ErrWorkerUnhealthy struct {
	Worker              string
	ConsecutiveFailures int
}

func (err *ErrWorkerUnhealthy) Error() string {
	return fmt.Sprintf("worker %s marked unhealthy after %d consecutive failures", err.Worker, err.ConsecutiveFailures)
}

// ErrTimeBudgetExceeded is returned when a run stops claiming work because max-duration elapsed.
type ErrTimeBudgetExceeded struct {
	Budget  time.Duration
	Elapsed time.Duration
}

func (err *ErrTimeBudgetExceeded) Error() string {
	return fmt.Sprintf("run truncated by time budget: %s elapsed of %s", err.Elapsed, err.Budget)
}

// ErrTestFailures is returned by commands that completed but observed failing tests.
type ErrTestFailures struct {
	Count int
}

func (err *ErrTestFailures) Error() string {
	if err.Count == 1 {
		return "1 test failed"
	}
	return fmt.Sprintf("%d tests failed", err.Count)
}

// ExitCodeFromError maps error types to process exit codes.
// Uses errors.As to look through the chain of errors, as opposed to just considering the topmost error in the chain.
// Truncation and unhealthy workers take precedence over failures because they explain why results are partial.
func ExitCodeFromError(err error) ExitCode {
	if err == nil {
		return ExitSuccess
	}

	// Using {} scopes just to re-use the "e" variable name for each case.
	{
		var e *ErrInvalidConfig
		if errors.As(err, &e) {
			return ExitConfigurationError
		}
	}
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return ExitConfigurationError
		}
	}
	{
		var e *ErrStoreUnavailable
		if errors.As(err, &e) {
			return ExitStoreUnavailable
		}
	}
	{
		var e *ErrWorkerUnhealthy
		if errors.As(err, &e) {
			return ExitWorkerUnhealthy
		}
	}
	{
		var e *ErrTimeBudgetExceeded
		if errors.As(err, &e) {
			return ExitTruncated
		}
	}
	{
		var e *ErrTestFailures
		if errors.As(err, &e) {
			return ExitTestFailures
		}
	}

	return ExitInternalError
}

// IsTransient reports whether err may succeed if the store operation is retried.
// Typed domain errors are answers from the store, not failures to reach it.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	{
		var e *ErrNotLeader
		if errors.As(err, &e) {
			return false
		}
	}
	{
		var e *ErrLeaseConflict
		if errors.As(err, &e) {
			return false
		}
	}
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return false
		}
	}
	return true
}
