package cmd

import (
	"github.com/spf13/cobra"

	"github.com/armadaproject/ciqueue/internal/ciqueue/bisect"
	"github.com/armadaproject/ciqueue/internal/ciqueue/configuration"
	"github.com/armadaproject/ciqueue/internal/ciqueue/testlist"
	"github.com/armadaproject/ciqueue/internal/ciqueue/testrunner"
	"github.com/armadaproject/ciqueue/internal/common/app"
)

func (a *App) bisectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bisect [files...]",
		Short: "Bisect a test suite to find global state leaks",
		Long: `Find the test that makes --failing-test fail when it runs earlier in the same process.

Files list the tests in the order they ran when --failing-test failed. Sequences are run through --test-command;
use {tests} in the command to run a whole sequence in one process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.configure(cmd, configuration.ModeBisect); err != nil {
				return err
			}
			testIds, err := testlist.Load(args, a.config.LoadPaths)
			if err != nil {
				return err
			}
			ctx, cancel := app.CreateContextWithShutdown()
			defer cancel()

			runner := a.runner()
			if !runner.RunsSequenceInOneProcess() {
				ctx.Log.Warnf(
					"--test-command has no %s placeholder, so every test runs in its own process; "+
						"only leaks through external state such as files or databases can be found",
					testrunner.TestsPlaceholder)
			}
			result, err := bisect.NewSearch(runner).Run(ctx, testIds, a.config.FailingTest)
			if err != nil {
				return err
			}
			printBisectResult(a.Out, a.config.FailingTest, result)
			return result.Err()
		},
	}
	return cmd
}
