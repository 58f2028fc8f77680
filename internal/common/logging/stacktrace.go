package logging

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// StacktraceField is the log field holding the stack of a logged error.
const StacktraceField = "stacktrace"

// Implemented by every error created or wrapped by pkg/errors.
type tracedError interface {
	StackTrace() errors.StackTrace
}

// WithStacktrace adds err to logger, together with the stack recorded where err was created if there is one.
func WithStacktrace(logger *logrus.Entry, err error) *logrus.Entry {
	logger = logger.WithError(err)
	if stack := ExtractStack(err); stack != nil {
		return logger.WithField(StacktraceField, stack)
	}
	return logger
}

// ExtractStack returns the innermost stack trace in the chain of err, or nil.
// Store and runner errors are wrapped several times on their way up, and the innermost frame is the useful one.
func ExtractStack(err error) errors.StackTrace {
	var innermost errors.StackTrace
	for ; err != nil; err = errors.Unwrap(err) {
		if traced, ok := err.(tracedError); ok {
			innermost = traced.StackTrace()
		}
	}
	return innermost
}
