package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/ciqueue/cmd/ciqueue/cmd"
	"github.com/armadaproject/ciqueue/internal/common/logging"
	"github.com/armadaproject/ciqueue/internal/common/queueerrors"
)

func main() {
	err := cmd.RootCmd().Execute()
	code := queueerrors.ExitCodeFromError(err)
	switch code {
	case queueerrors.ExitSuccess:
	case queueerrors.ExitTestFailures, queueerrors.ExitTruncated:
		log.Warn(err)
	case queueerrors.ExitConfigurationError:
		log.Error(err)
	default:
		logging.WithStacktrace(log.NewEntry(log.StandardLogger()), err).Error("ciqueue failed")
	}
	os.Exit(int(code))
}
