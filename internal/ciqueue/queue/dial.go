package queue

import (
	"net/url"
	"strings"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/armadaproject/ciqueue/internal/common/config"
	"github.com/armadaproject/ciqueue/internal/common/queueerrors"
)

const (
	redisScheme       = "redis"
	redisTLSScheme    = "rediss"
	memoryScheme      = "memory"
	defaultMemoryName = "default"
)

// Dial opens the Store addressed by queueUrl for partition.
// Supported schemes are redis://, rediss:// and memory://<name>.
func Dial(queueUrl string, partition Partition, ttl time.Duration, redisConfig config.RedisConfig) (Store, error) {
	parsed, err := url.Parse(queueUrl)
	if err != nil {
		return nil, &queueerrors.ErrInvalidArgument{
			Name:    "queue",
			Value:   queueUrl,
			Message: err.Error(),
		}
	}
	switch strings.ToLower(parsed.Scheme) {
	case redisScheme, redisTLSScheme:
		options, err := redisConfig.AsOptions(queueUrl)
		if err != nil {
			return nil, &queueerrors.ErrInvalidArgument{
				Name:    "queue",
				Value:   queueUrl,
				Message: err.Error(),
			}
		}
		return NewRedisStore(redis.NewClient(options), partition, ttl), nil
	case memoryScheme:
		name := parsed.Host + parsed.Path
		if name == "" {
			name = defaultMemoryName
		}
		db, err := SharedMemoryDb(name)
		if err != nil {
			return nil, errors.Wrapf(err, "error creating memory queue %s", name)
		}
		return NewMemoryStore(db, partition), nil
	}
	return nil, &queueerrors.ErrInvalidArgument{
		Name:    "queue",
		Value:   queueUrl,
		Message: "expected a redis://, rediss:// or memory:// url",
	}
}
