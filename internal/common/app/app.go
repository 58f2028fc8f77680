package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/ciqueue/internal/common/queuecontext"
)

// CreateContextWithShutdown returns a context that reports done once SIGINT or SIGTERM is received.
// A worker interrupted this way stops at its next store operation; leases it still holds expire and are reclaimed.
func CreateContextWithShutdown() (*queuecontext.Context, context.CancelFunc) {
	ctx, cancel := queuecontext.WithCancel(queuecontext.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(c)
		select {
		case sig := <-c:
			log.Warnf("Received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
