package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/armadaproject/ciqueue/internal/ciqueue/bisect"
	"github.com/armadaproject/ciqueue/internal/ciqueue/grind"
	"github.com/armadaproject/ciqueue/internal/ciqueue/replay"
	"github.com/armadaproject/ciqueue/internal/ciqueue/worker"
)

func printWorkerResult(out io.Writer, result worker.Result) {
	fmt.Fprintf(out, "Worker %s %s after %s: %d claimed, %d passed, %d failed, %d requeued",
		result.WorkerId, result.State, result.Elapsed.Round(time.Millisecond), result.Claimed, result.Passed, result.Failed, result.Requeued)
	if result.Discarded > 0 {
		fmt.Fprintf(out, ", %d discarded", result.Discarded)
	}
	if result.Released > 0 {
		fmt.Fprintf(out, ", %d released", result.Released)
	}
	fmt.Fprintln(out)
}

func printRetryResult(out io.Writer, result replay.Result) {
	if len(result.Replayed) == 0 {
		fmt.Fprintln(out, "No failures to retry")
		return
	}
	fmt.Fprintf(out, "Retried %s\n", strings.Join(result.Replayed, ", "))
	printWorkerResult(out, result.Worker)
}

func printBisectResult(out io.Writer, failingTest string, result bisect.Result) {
	switch result.Verdict {
	case bisect.Culprit:
		fmt.Fprintf(out, "%s leaks state into %s (%d runs)\n", result.Culprit, failingTest, result.Runs)
	case bisect.FailsAlone:
		fmt.Fprintf(out, "%s fails when run alone; it does not depend on a leak\n", failingTest)
		return
	case bisect.NotReproduced:
		fmt.Fprintf(out, "%s passes after all preceding tests; the failure did not reproduce\n", failingTest)
		return
	case bisect.Inconclusive:
		fmt.Fprintf(out, "No single test reproduces the failure of %s (%d runs)\n", failingTest, result.Runs)
	}
	fmt.Fprintln(out, "Reproducing order:")
	for _, testId := range result.Order {
		fmt.Fprintf(out, "  %s\n", testId)
	}
}

func printGrindReport(out io.Writer, result grind.Report) {
	fmt.Fprintf(out, "Ground %d tests for %d rounds\n", len(result.Stats), result.Rounds)
	for _, stats := range result.Stats {
		marker := ""
		if stats.Flaky() {
			marker = " (flaky)"
		}
		fmt.Fprintf(out, "  %s: %d passed, %d failed%s\n", stats.TestId, stats.Passed, stats.Failed, marker)
	}
	if result.Truncated {
		fmt.Fprintf(out, "Stopped after %s by the time budget\n", result.Budget)
	}
}
