package logging

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

// Config defines console logging for ciqueue commands.
type Config struct {
	// Log level, e.g. info, debug etc
	Level string `mapstructure:"log-level"`
	// Logging format, either text or json
	Format string `mapstructure:"log-format"`
}

func validate(c Config) error {
	_, err := parseLogLevel(c.Level)
	if err != nil {
		return err
	}
	return validateLogFormat(c.Format)
}

func validateLogFormat(f string) error {
	if !validLogFormats[strings.ToLower(f)] {
		formats := maps.Keys(validLogFormats)
		slices.Sort(formats)
		return errors.Errorf("unknown log format %q; valid formats are %s", f, strings.Join(formats, ", "))
	}
	return nil
}

func parseLogLevel(level string) (logrus.Level, error) {
	if level == "" {
		return logrus.InfoLevel, nil
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel, errors.WithStack(err)
	}
	return lvl, nil
}
