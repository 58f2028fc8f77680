package cmd

import (
	"github.com/spf13/cobra"

	"github.com/armadaproject/ciqueue/internal/ciqueue/configuration"
	"github.com/armadaproject/ciqueue/internal/ciqueue/grind"
	"github.com/armadaproject/ciqueue/internal/ciqueue/report"
	"github.com/armadaproject/ciqueue/internal/ciqueue/testlist"
	"github.com/armadaproject/ciqueue/internal/common/app"
	"github.com/armadaproject/ciqueue/internal/common/queuecontext"
)

func (a *App) grindCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grind",
		Short: "Run a list of tests many times to surface intermittent failures",
		Long: `Run every test of --grind-list --grind-count times, locally and without a queue.

The whole list runs once per round, so each test always follows the same tests.`,
		Args: configArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.configure(cmd, configuration.ModeGrind); err != nil {
				return err
			}
			testIds, err := testlist.Load([]string{a.config.GrindList}, a.config.LoadPaths)
			if err != nil {
				return err
			}
			ctx, cancel := app.CreateContextWithShutdown()
			defer cancel()
			ctx = queuecontext.WithLogField(ctx, "grindCount", a.config.GrindCount)

			grinder := grind.NewGrinder(a.runner(), a.config.GrindCount, a.config.WorkerId, a.Clock)
			grinder.MaxDuration = a.config.MaxDuration
			result, err := grinder.Run(ctx, testIds)
			printGrindReport(a.Out, result)
			if a.config.FailureFile != "" {
				if err := report.WriteFailureFile(a.config.FailureFile, result.Failures); err != nil {
					return err
				}
			}
			if err != nil {
				return err
			}
			return result.Err()
		},
	}
	return cmd
}
