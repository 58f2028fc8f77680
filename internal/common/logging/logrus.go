package logging

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Configure sets up the standard logrus logger.  This should be called once at app startup!
// Logs go to out (stderr for the CLI) so that command output on stdout stays machine readable.
func Configure(c Config, out io.Writer) error {
	if err := validate(c); err != nil {
		return err
	}
	level, _ := parseLogLevel(c.Level)
	logrus.SetLevel(level)
	logrus.SetOutput(out)
	if strings.ToLower(c.Format) == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
