package logging

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure(t *testing.T) {
	tests := map[string]struct {
		config      Config
		expectError bool
		level       logrus.Level
	}{
		"defaults":        {config: Config{Format: "text"}, level: logrus.InfoLevel},
		"debug json":      {config: Config{Level: "debug", Format: "json"}, level: logrus.DebugLevel},
		"upper case text": {config: Config{Level: "warn", Format: "TEXT"}, level: logrus.WarnLevel},
		"bad level":       {config: Config{Level: "loud", Format: "text"}, expectError: true},
		"bad format":      {config: Config{Level: "info", Format: "xml"}, expectError: true},
	}
	defer logrus.SetLevel(logrus.GetLevel())
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := Configure(tc.config, &bytes.Buffer{})
			if tc.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.level, logrus.GetLevel())
		})
	}
}

func TestWithStacktrace(t *testing.T) {
	err := errors.Wrap(errors.New("root cause"), "while claiming")
	entry := WithStacktrace(logrus.NewEntry(logrus.New()), err)
	assert.Equal(t, err, entry.Data[logrus.ErrorKey])
	assert.NotNil(t, entry.Data[StacktraceField])
}

func TestWithStacktrace_NoStack(t *testing.T) {
	entry := WithStacktrace(logrus.NewEntry(logrus.New()), &plainError{})
	_, ok := entry.Data[StacktraceField]
	assert.False(t, ok)
}

type plainError struct{}

func (e *plainError) Error() string { return "plain" }
