package cmd

import (
	"io"
	"os"
	"regexp"

	"github.com/renstrom/shortuuid"
	"github.com/sanity-io/litter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/utils/clock"

	"github.com/armadaproject/ciqueue/internal/ciqueue/ci"
	"github.com/armadaproject/ciqueue/internal/ciqueue/configuration"
	"github.com/armadaproject/ciqueue/internal/ciqueue/metrics"
	"github.com/armadaproject/ciqueue/internal/ciqueue/queue"
	"github.com/armadaproject/ciqueue/internal/common"
	"github.com/armadaproject/ciqueue/internal/common/app"
	"github.com/armadaproject/ciqueue/internal/common/queuecontext"
	"github.com/armadaproject/ciqueue/internal/common/queueerrors"
)

// The queue url may carry a redis password.
var configDumper = litter.Options{FieldExclusions: regexp.MustCompile(`^Queue$`)}

// App carries what every command needs besides its configuration.
type App struct {
	// Destination of summaries and results. Logs go to stderr.
	Out   io.Writer
	Clock clock.Clock
	// Environment lookup used to infer defaults from the CI provider.
	Getenv func(string) string

	v      *viper.Viper
	config configuration.RunConfig
}

func New() *App {
	return &App{
		Out:    os.Stdout,
		Clock:  clock.RealClock{},
		Getenv: os.Getenv,
		v:      viper.New(),
	}
}

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	return New().RootCmd()
}

func (a *App) RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ciqueue",
		Short: "ciqueue distributes the tests of a CI build over many workers through a shared queue.",
		Long: `ciqueue distributes the tests of a CI build over many workers through a shared queue.

Every worker of a build runs "ciqueue run" with the same --queue and --build. The first worker to start shuffles
the tests and fills the queue; all workers then claim tests until the queue is drained. Once they are done,
"ciqueue report" summarises the build.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          configArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &queueerrors.ErrInvalidConfig{Err: err}
	})
	addFlags(cmd)

	cmd.AddCommand(
		a.runCmd(),
		a.retryCmd(),
		a.reportCmd(),
		a.bisectCmd(),
		a.grindCmd(),
	)
	return cmd
}

// configArgs reports positional argument errors as configuration errors.
func configArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := validate(cmd, args); err != nil {
			return &queueerrors.ErrInvalidConfig{Err: err}
		}
		return nil
	}
}

func addFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to a yaml file holding any of the options below.")
	flags.String("queue", "", "Url of the queue store, e.g. redis://host:6379/0 or memory://name. Defaults to $CI_QUEUE_URL.")
	flags.String("build", "", "Unique identifier of the build. Inferred on Buildkite, CircleCI, Heroku CI, Travis and GitHub Actions.")
	flags.String("namespace", "", "Sub-partition of the build, for builds running several independent suites.")
	flags.String("worker", "", "Unique identifier of this worker within the build. Required to retry its failures.")
	flags.String("seed", "", "Seed of the test order shuffle. Defaults to the revision under test.")
	flags.Float64("timeout", configuration.DefaultTimeout.Seconds(), "Seconds a test may run before another worker may claim it.")
	flags.StringSliceP("load-path", "I", nil, "Directories in which relative test list files are looked up.")
	flags.Int("max-requeues", 0, "Number of times a failing test is requeued before its failure is final.")
	flags.Float64("requeue-tolerance", 0, "Requeues allowed over the whole build, as a ratio of its tests, e.g. 0.05 for 5%.")
	flags.Float64("max-duration", 0, "Seconds after which the worker stops claiming tests. Defaults to unbounded.")
	flags.Int("max-consecutive-failures", 0, "Consecutive failures after which the worker is unhealthy and exits. Defaults to disabled.")
	flags.String("failure-file", "", "File the final failures are written to, as JSON.")
	flags.String("grind-list", "", "File listing the tests to grind.")
	flags.Int("grind-count", configuration.DefaultGrindCount, "Number of times each test is run by grind.")
	flags.String("failing-test", "", "Test to bisect the global state leak of.")
	flags.String("test-command", "", "Shell command running one test; {test} is replaced by the test id, {tests} by a sequence of ids.")
	flags.Float64("poll-interval", configuration.DefaultPollInterval.Seconds(), "Seconds between claims while other workers hold the remaining tests.")
	flags.Uint("store-retries", configuration.DefaultStoreRetries, "Attempts at each queue store operation before giving up.")
	flags.Float64("redis-ttl", configuration.DefaultRedisTTL.Seconds(), "Seconds the keys of a build are kept in redis.")
	flags.Float64("report-timeout", configuration.DefaultReportTimeout.Seconds(), "Seconds report waits for the build to complete.")
	flags.String("pushgateway", "", "Url of a prometheus pushgateway metrics are pushed to on exit.")
	flags.String("log-level", "info", "Log level, e.g. debug, info or warn.")
	flags.String("log-format", "text", "Log format, either text or json.")
}

// configure loads and validates the configuration for mode from the config file, environment and flags.
func (a *App) configure(cmd *cobra.Command, mode configuration.Mode) error {
	if err := common.BindCommandlineArguments(a.v, cmd.Flags()); err != nil {
		return err
	}
	configFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	var config configuration.RunConfig
	if err := common.LoadConfig(a.v, &config, configFile); err != nil {
		return err
	}
	if err := common.ConfigureCommandLineLogging(config.Logging); err != nil {
		return err
	}
	config = config.WithCIDefaults(ci.InferFrom(a.Getenv))
	if err := config.Validate(mode); err != nil {
		return err
	}
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("effective configuration:\n%s", configDumper.Sdump(config))
	}
	a.config = config
	return nil
}

// owner returns the configured worker id, or a random one for anonymous workers.
func (a *App) owner() string {
	if a.config.WorkerId != "" {
		return a.config.WorkerId
	}
	return "anonymous-" + shortuuid.New()
}

// withClient dials the queue of the configured build and calls action with a client for it. Metrics recorded
// by action are pushed once it returns.
func (a *App) withClient(workerId string, action func(ctx *queuecontext.Context, client *queue.Client, m *metrics.Metrics) error) error {
	ctx, cancel := app.CreateContextWithShutdown()
	defer cancel()
	partition := a.config.Partition()
	ctx = queuecontext.WithBuild(ctx, partition.Key())

	store, err := queue.Dial(a.config.Queue, partition, a.config.RedisTTL, a.config.RedisConfig())
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("error closing queue store")
		}
	}()

	m := metrics.New(workerId)
	defer a.push(m, workerId)
	client := queue.NewClient(store, a.Clock, m, a.config.StoreRetries, configuration.DefaultStoreBackoff)
	return action(ctx, client, m)
}

func (a *App) push(m *metrics.Metrics, workerId string) {
	if a.config.Pushgateway == "" {
		return
	}
	grouping := map[string]string{
		"build":  a.config.Partition().Key(),
		"worker": workerId,
	}
	if err := m.Push(a.config.Pushgateway, "ciqueue", grouping); err != nil {
		log.WithError(err).Warn("Metrics were not pushed")
	}
}
