package cmd

import (
	"github.com/spf13/cobra"

	"github.com/armadaproject/ciqueue/internal/ciqueue/configuration"
	"github.com/armadaproject/ciqueue/internal/ciqueue/metrics"
	"github.com/armadaproject/ciqueue/internal/ciqueue/queue"
	"github.com/armadaproject/ciqueue/internal/ciqueue/report"
	"github.com/armadaproject/ciqueue/internal/common/queuecontext"
)

func (a *App) reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Wait for all workers to complete and summarize the test failures",
		Long: `Wait up to --report-timeout for every test of the build to be resolved, then print a summary of the
results recorded by all workers. If the build does not complete in time, the partial summary is printed.`,
		Args: configArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.configure(cmd, configuration.ModeReport); err != nil {
				return err
			}
			return a.withClient("report", func(ctx *queuecontext.Context, client *queue.Client, m *metrics.Metrics) error {
				aggregator := report.NewAggregator(client, a.Clock, a.config.PollInterval, a.config.ReportTimeout)
				summary, err := aggregator.Run(ctx)
				if err != nil {
					return err
				}
				if err := summary.Write(a.Out); err != nil {
					return err
				}
				if a.config.FailureFile != "" {
					if err := report.WriteFailureFile(a.config.FailureFile, summary.Failures); err != nil {
						return err
					}
				}
				return summary.Err()
			})
		},
	}
	return cmd
}
