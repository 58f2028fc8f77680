package testrunner

import (
	"bytes"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/armadaproject/ciqueue/internal/common/queuecontext"
)

const (
	// TestPlaceholder is replaced by the shell-quoted test id.
	TestPlaceholder = "{test}"
	// TestsPlaceholder is replaced by the shell-quoted test ids of a whole sequence.
	TestsPlaceholder = "{tests}"

	testEnvVar     = "CIQUEUE_TEST"
	loadPathEnvVar = "CIQUEUE_LOAD_PATH"
	maxOutputBytes = 64 * 1024
)

// CommandRunner runs tests by executing a shell command template. Exit status zero means the test passed.
type CommandRunner struct {
	template  string
	loadPaths []string
	clock     clock.Clock
}

func NewCommandRunner(template string, loadPaths []string, clock clock.Clock) *CommandRunner {
	return &CommandRunner{
		template:  template,
		loadPaths: loadPaths,
		clock:     clock,
	}
}

func (r *CommandRunner) Run(ctx *queuecontext.Context, testId string) (Result, error) {
	command := strings.ReplaceAll(r.template, TestPlaceholder, shellQuote(testId))
	command = strings.ReplaceAll(command, TestsPlaceholder, shellQuote(testId))
	return r.execute(ctx, testId, command)
}

// RunsSequenceInOneProcess reports whether RunSequence hands a whole sequence to one invocation of the command.
func (r *CommandRunner) RunsSequenceInOneProcess() bool {
	return strings.Contains(r.template, TestsPlaceholder)
}

// RunSequence runs every test in one invocation if the template mentions {tests}, otherwise one invocation per test.
func (r *CommandRunner) RunSequence(ctx *queuecontext.Context, testIds []string) (Result, error) {
	if len(testIds) == 0 {
		return Result{}, errors.New("empty test sequence")
	}
	if !r.RunsSequenceInOneProcess() {
		return InOrder(r).RunSequence(ctx, testIds)
	}
	quoted := make([]string, len(testIds))
	for i, testId := range testIds {
		quoted[i] = shellQuote(testId)
	}
	command := strings.ReplaceAll(r.template, TestsPlaceholder, strings.Join(quoted, " "))
	return r.execute(ctx, testIds[len(testIds)-1], command)
}

func (r *CommandRunner) execute(ctx *queuecontext.Context, testId string, command string) (Result, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = append(os.Environ(), testEnvVar+"="+testId)
	if len(r.loadPaths) > 0 {
		cmd.Env = append(cmd.Env, loadPathEnvVar+"="+strings.Join(r.loadPaths, string(os.PathListSeparator)))
	}
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := r.clock.Now()
	err := cmd.Run()
	result := Result{
		TestId:   testId,
		Status:   Passed,
		Duration: r.clock.Since(start),
		Output:   tail(output.String(), maxOutputBytes),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || ctx.Err() != nil {
			return result, errors.Wrapf(err, "error running %s", testId)
		}
		result.Status = Failed
	}
	ctx.Log.WithField("test", testId).Debugf("%s in %s", result.Status, result.Duration)
	return result, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
