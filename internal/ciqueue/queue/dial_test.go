package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/ciqueue/internal/common/config"
	"github.com/armadaproject/ciqueue/internal/common/queuecontext"
	"github.com/armadaproject/ciqueue/internal/common/queueerrors"
)

func TestDial(t *testing.T) {
	tests := map[string]struct {
		url          string
		expectedType interface{}
		expectError  bool
	}{
		"redis": {
			url:          "redis://localhost:6379/0",
			expectedType: &RedisStore{},
		},
		"rediss": {
			url:          "rediss://:secret@redis.example.com:6380",
			expectedType: &RedisStore{},
		},
		"memory": {
			url:          "memory://dial-test",
			expectedType: &MemoryStore{},
		},
		"unknown scheme": {
			url:         "postgres://localhost/ciqueue",
			expectError: true,
		},
		"not a url": {
			url:         "://nope",
			expectError: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			store, err := Dial(tc.url, testPartition, time.Hour, config.DefaultRedisConfig())
			if tc.expectError {
				var invalid *queueerrors.ErrInvalidArgument
				assert.ErrorAs(t, err, &invalid)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tc.expectedType, store)
			assert.NoError(t, store.Close())
		})
	}
}

func TestDial_MemoryQueuesAreSharedByName(t *testing.T) {
	ctx := queuecontext.Background()
	first, err := Dial("memory://shared-by-name", testPartition, time.Hour, config.DefaultRedisConfig())
	require.NoError(t, err)
	second, err := Dial("memory://shared-by-name", testPartition, time.Hour, config.DefaultRedisConfig())
	require.NoError(t, err)
	other, err := Dial("memory://another-name", testPartition, time.Hour, config.DefaultRedisConfig())
	require.NoError(t, err)

	won, err := first.AcquireLeadership(ctx, "worker-1", baseTime)
	require.NoError(t, err)
	assert.True(t, won)

	record, err := second.Leader(ctx)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", record.Owner)

	record, err = other.Leader(ctx)
	require.NoError(t, err)
	assert.Equal(t, LeaderNone, record.Status)
}
