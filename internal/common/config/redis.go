package config

import (
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

// RedisConfig tunes the connection made for a redis:// queue URL. Address, password and database come from the URL.
type RedisConfig struct {
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	PoolSize        int
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		MaxRetries:      0,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        4,
	}
}

// AsOptions parses url and overlays the tuning parameters.
func (rc RedisConfig) AsOptions(url string) (*redis.Options, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrapf(err, "error parsing redis url %q", url)
	}
	opts.MaxRetries = rc.MaxRetries
	opts.MinRetryBackoff = rc.MinRetryBackoff
	opts.MaxRetryBackoff = rc.MaxRetryBackoff
	opts.DialTimeout = rc.DialTimeout
	opts.ReadTimeout = rc.ReadTimeout
	opts.WriteTimeout = rc.WriteTimeout
	opts.PoolSize = rc.PoolSize
	return opts, nil
}
