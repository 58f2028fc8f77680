package configuration

import (
	"time"

	"github.com/armadaproject/ciqueue/internal/ciqueue/ci"
	"github.com/armadaproject/ciqueue/internal/ciqueue/queue"
	"github.com/armadaproject/ciqueue/internal/common/config"
	"github.com/armadaproject/ciqueue/internal/common/logging"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultStoreRetries  = 5
	DefaultStoreBackoff  = 50 * time.Millisecond
	DefaultRedisTTL      = 8 * time.Hour
	DefaultReportTimeout = 300 * time.Second
	DefaultGrindCount    = 10
)

// RunConfig is the validated configuration of one ciqueue command. It must not be modified once validated.
type RunConfig struct {
	// Url of the queue store, e.g. redis://example.com:6379/0 or memory://local.
	Queue string `mapstructure:"queue"`
	// Identifier shared by every worker of one build.
	BuildId string `mapstructure:"build"`
	// Optional prefix of the build id, for CI builds running several independent suites.
	Namespace string `mapstructure:"namespace"`
	// Identifier of this worker. Needed for retries.
	WorkerId string `mapstructure:"worker"`
	Seed     string `mapstructure:"seed"`
	// Lease duration. A test running longer than this may be picked up by another worker.
	Timeout          time.Duration `mapstructure:"timeout" validate:"gt=0"`
	LoadPaths        []string      `mapstructure:"load-path"`
	MaxRequeues      int           `mapstructure:"max-requeues" validate:"gte=0"`
	RequeueTolerance float64       `mapstructure:"requeue-tolerance" validate:"gte=0,lte=1"`
	// Zero means unbounded.
	MaxDuration time.Duration `mapstructure:"max-duration" validate:"gte=0"`
	// Zero disables the circuit breaker.
	MaxConsecutiveFailures int    `mapstructure:"max-consecutive-failures" validate:"gte=0"`
	FailureFile            string `mapstructure:"failure-file"`
	GrindList              string `mapstructure:"grind-list"`
	GrindCount             int    `mapstructure:"grind-count" validate:"gte=0"`
	FailingTest            string `mapstructure:"failing-test"`

	// Shell command template running one test; {test} is replaced by the test id.
	TestCommand   string        `mapstructure:"test-command"`
	PollInterval  time.Duration `mapstructure:"poll-interval" validate:"gt=0"`
	StoreRetries  uint          `mapstructure:"store-retries" validate:"gte=1"`
	RedisTTL      time.Duration `mapstructure:"redis-ttl" validate:"gt=0"`
	ReportTimeout time.Duration `mapstructure:"report-timeout" validate:"gt=0"`
	Pushgateway   string        `mapstructure:"pushgateway"`

	Logging logging.Config     `mapstructure:",squash"`
	Redis   config.RedisConfig `mapstructure:"redis"`
}

func (c RunConfig) Partition() queue.Partition {
	return queue.Partition{
		BuildId:   c.BuildId,
		Namespace: c.Namespace,
	}
}

// WithCIDefaults fills build, worker and seed from the CI provider when they were not configured.
func (c RunConfig) WithCIDefaults(defaults ci.Defaults) RunConfig {
	if c.BuildId == "" {
		c.BuildId = defaults.BuildId
	}
	if c.WorkerId == "" {
		c.WorkerId = defaults.WorkerId
	}
	if c.Seed == "" {
		c.Seed = defaults.Seed
	}
	return c
}

// RedisConfig returns the configured redis tuning, or the defaults if none was configured.
func (c RunConfig) RedisConfig() config.RedisConfig {
	if c.Redis == (config.RedisConfig{}) {
		return config.DefaultRedisConfig()
	}
	return c.Redis
}
