package cmd

import (
	"github.com/spf13/cobra"

	"github.com/armadaproject/ciqueue/internal/ciqueue/circuitbreaker"
	"github.com/armadaproject/ciqueue/internal/ciqueue/configuration"
	"github.com/armadaproject/ciqueue/internal/ciqueue/leader"
	"github.com/armadaproject/ciqueue/internal/ciqueue/metrics"
	"github.com/armadaproject/ciqueue/internal/ciqueue/queue"
	"github.com/armadaproject/ciqueue/internal/ciqueue/requeue"
	"github.com/armadaproject/ciqueue/internal/ciqueue/testlist"
	"github.com/armadaproject/ciqueue/internal/ciqueue/testrunner"
	"github.com/armadaproject/ciqueue/internal/ciqueue/worker"
	"github.com/armadaproject/ciqueue/internal/common/queuecontext"
)

func (a *App) runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [files...]",
		Short: "Run tests from the shared queue",
		Long: `Run tests from the shared queue of the build until it is drained.

Files list one test identifier per line; lines starting with # are ignored. The first worker of the build
shuffles these tests with --seed and fills the queue, so every worker must be given the same files.
Each test is run through --test-command.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.configure(cmd, configuration.ModeRun); err != nil {
				return err
			}
			testIds, err := testlist.Load(args, a.config.LoadPaths)
			if err != nil {
				return err
			}
			owner := a.owner()
			return a.withClient(owner, func(ctx *queuecontext.Context, client *queue.Client, m *metrics.Metrics) error {
				election := leader.NewLeaderElection(client, owner, a.config.PollInterval, a.config.Timeout, a.Clock, m.Status())
				role, err := election.Run(ctx, testIds, a.config.Seed)
				if err != nil {
					return err
				}
				ctx.Log.Infof("Queue ready, running tests as %s", role)

				result, err := a.newWorker(owner, client, m).Run(ctx)
				printWorkerResult(a.Out, result)
				if err != nil {
					return err
				}
				return result.Err()
			})
		},
	}
	return cmd
}

func (a *App) workerConfig(owner string) worker.Config {
	return worker.Config{
		WorkerId:     a.config.WorkerId,
		Owner:        owner,
		LeaseTimeout: a.config.Timeout,
		MaxDuration:  a.config.MaxDuration,
		PollInterval: a.config.PollInterval,
	}
}

func (a *App) runner() *testrunner.CommandRunner {
	return testrunner.NewCommandRunner(a.config.TestCommand, a.config.LoadPaths, a.Clock)
}

func (a *App) policy() requeue.Policy {
	return requeue.NewPolicy(a.config.MaxRequeues, a.config.RequeueTolerance)
}

// newWorker builds the worker loop of this process. owner is the lease owner, shared with leader election.
func (a *App) newWorker(owner string, client *queue.Client, m *metrics.Metrics) *worker.Worker {
	return worker.New(
		a.workerConfig(owner),
		client,
		client,
		a.runner(),
		a.policy(),
		circuitbreaker.New(a.config.MaxConsecutiveFailures),
		m,
		a.Clock,
	)
}
