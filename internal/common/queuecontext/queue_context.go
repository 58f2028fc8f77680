// Package queuecontext provides a context.Context that carries the logger of the build, worker and test being
// worked on, so that every log line of a store operation or test run says which build and test it belongs to.
package queuecontext

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	BuildField   = "build"
	WorkerField  = "worker"
	TestField    = "test"
	AttemptField = "attempt"
)

// Context is a context.Context with a contextual logger.
type Context struct {
	context.Context
	Log *logrus.Entry
}

// Background returns an empty context logging through the standard logger.
func Background() *Context {
	return New(context.Background(), logrus.NewEntry(logrus.StandardLogger()))
}

func New(ctx context.Context, log *logrus.Entry) *Context {
	return &Context{
		Context: ctx,
		Log:     log,
	}
}

// WithCancel is analogous to context.WithCancel. The logger is shared with parent.
func WithCancel(parent *Context) (*Context, context.CancelFunc) {
	c, cancel := context.WithCancel(parent.Context)
	return New(c, parent.Log), cancel
}

// WithBuild scopes the logger to the build identified by key.
func WithBuild(parent *Context, key string) *Context {
	return WithLogField(parent, BuildField, key)
}

// WithWorker scopes the logger to one worker of the build.
func WithWorker(parent *Context, workerId string) *Context {
	return WithLogField(parent, WorkerField, workerId)
}

// WithTest scopes the logger to one attempt at a test.
func WithTest(parent *Context, testId string, attempt int) *Context {
	return WithLogFields(parent, logrus.Fields{TestField: testId, AttemptField: attempt})
}

func WithLogField(parent *Context, key string, val interface{}) *Context {
	return New(parent.Context, parent.Log.WithField(key, val))
}

func WithLogFields(parent *Context, fields logrus.Fields) *Context {
	return New(parent.Context, parent.Log.WithFields(fields))
}

// ErrGroup is analogous to errgroup.WithContext. Goroutines of the group log through the logger of ctx.
func ErrGroup(ctx *Context) (*errgroup.Group, *Context) {
	group, goctx := errgroup.WithContext(ctx)
	return group, New(goctx, ctx.Log)
}
