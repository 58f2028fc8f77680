package logging

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/weaveworks/promrus"
)

// RegisterPrometheusHook counts log lines per level in the default prometheus registry.
// Must only be called once per process, since the underlying counter can only be registered once.
func RegisterPrometheusHook() error {
	hook, err := promrus.NewPrometheusHook()
	if err != nil {
		return errors.WithStack(err)
	}
	logrus.AddHook(hook)
	return nil
}
