package cmd

import (
	"github.com/spf13/cobra"

	"github.com/armadaproject/ciqueue/internal/ciqueue/circuitbreaker"
	"github.com/armadaproject/ciqueue/internal/ciqueue/configuration"
	"github.com/armadaproject/ciqueue/internal/ciqueue/metrics"
	"github.com/armadaproject/ciqueue/internal/ciqueue/queue"
	"github.com/armadaproject/ciqueue/internal/ciqueue/replay"
	"github.com/armadaproject/ciqueue/internal/common/queuecontext"
)

func (a *App) retryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Replay the failures of a previous run in the same order",
		Long: `Replay the tests that --worker failed in a previous run of the build, in the order it ran them.

The results are recorded to the build, so a subsequent report reflects the retry.`,
		Args: configArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.configure(cmd, configuration.ModeRetry); err != nil {
				return err
			}
			return a.withClient(a.config.WorkerId, func(ctx *queuecontext.Context, client *queue.Client, m *metrics.Metrics) error {
				replayer := replay.NewReplayer(
					client,
					a.workerConfig(a.config.WorkerId),
					a.runner(),
					a.policy(),
					circuitbreaker.New(a.config.MaxConsecutiveFailures),
					m,
					a.Clock,
				)
				result, err := replayer.Run(ctx)
				if err != nil {
					return err
				}
				printRetryResult(a.Out, result)
				return result.Err()
			})
		},
	}
	return cmd
}
