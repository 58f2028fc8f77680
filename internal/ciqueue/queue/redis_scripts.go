package queue

import (
	"github.com/go-redis/redis"
)

// Every mutating script receives the key TTL in seconds as its last shared argument and refreshes the TTL of the keys
// it touched, so that abandoned builds clean themselves up.
const expirePrelude = `
local function expire(ttl, keys)
	for _, key in ipairs(keys) do
		redis.call('expire', key, ttl)
	end
end
`

// KEYS: leader
// ARGV: owner, now, ttl
var acquireLeadershipScript = redis.NewScript(expirePrelude + `
if redis.call('exists', KEYS[1]) == 1 then
	return 0
end
redis.call('hmset', KEYS[1], 'status', 'setup', 'owner', ARGV[1], 'since', ARGV[2])
expire(ARGV[3], KEYS)
return 1
`)

// KEYS: leader, queue, state, enqueued
// ARGV: stale owner, stale since, owner, now, ttl
var takeOverLeadershipScript = redis.NewScript(expirePrelude + `
local current = redis.call('hmget', KEYS[1], 'status', 'owner', 'since')
if current[1] ~= 'setup' or current[2] ~= ARGV[1] or current[3] ~= ARGV[2] then
	return 0
end
redis.call('hmset', KEYS[1], 'owner', ARGV[3], 'since', ARGV[4])
redis.call('del', KEYS[2], KEYS[4])
redis.call('hset', KEYS[3], 'total', '0')
expire(ARGV[5], KEYS)
return 1
`)

// Ids enqueued before, e.g. by a retried call whose reply was lost, are skipped.
//
// KEYS: leader, queue, state, enqueued
// ARGV: owner, now, ttl, test ids...
var enqueueScript = redis.NewScript(expirePrelude + `
local current = redis.call('hmget', KEYS[1], 'status', 'owner')
if current[1] ~= 'setup' or current[2] ~= ARGV[1] then
	return -1
end
local count = 0
for i = 4, #ARGV do
	if redis.call('sadd', KEYS[4], ARGV[i]) == 1 then
		redis.call('rpush', KEYS[2], ARGV[i])
		count = count + 1
	end
end
redis.call('hset', KEYS[1], 'since', ARGV[2])
local total = redis.call('hincrby', KEYS[3], 'total', tostring(count))
expire(ARGV[3], KEYS)
return total
`)

// KEYS: leader
// ARGV: owner
var markReadyScript = redis.NewScript(`
if redis.call('hget', KEYS[1], 'owner') ~= ARGV[1] then
	return 0
end
redis.call('hset', KEYS[1], 'status', 'ready')
return 1
`)

// Pops the head of the queue, falling back to the oldest expired lease.
// Returns {'claimed', test, attempts}, {'wait'} or {'exhausted'}.
//
// KEYS: leader, queue, running, owners, attempts
// ARGV: now, expiry, token, ttl
var claimScript = redis.NewScript(expirePrelude + `
if redis.call('hget', KEYS[1], 'status') ~= 'ready' then
	return {'wait'}
end
local test = redis.call('lpop', KEYS[2])
if not test then
	local expired = redis.call('zrangebyscore', KEYS[3], '-inf', ARGV[1], 'LIMIT', '0', '1')
	test = expired[1]
end
if not test then
	if redis.call('zcard', KEYS[3]) > 0 then
		return {'wait'}
	end
	return {'exhausted'}
end
redis.call('zadd', KEYS[3], ARGV[2], test)
redis.call('hset', KEYS[4], test, ARGV[3])
local attempts = redis.call('hincrby', KEYS[5], test, '1')
expire(ARGV[4], KEYS)
return {'claimed', test, attempts}
`)

// KEYS: running, owners, processed, state
// ARGV: test, token, ttl
var ackScript = redis.NewScript(expirePrelude + `
if redis.call('hget', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('zrem', KEYS[1], ARGV[1])
redis.call('hdel', KEYS[2], ARGV[1])
if redis.call('sadd', KEYS[3], ARGV[1]) == 1 then
	redis.call('hincrby', KEYS[4], 'processed', '1')
end
expire(ARGV[3], KEYS)
return 1
`)

// KEYS: queue, running, owners, attempts
// ARGV: test, token, ttl
var releaseScript = redis.NewScript(expirePrelude + `
if redis.call('hget', KEYS[3], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('zrem', KEYS[2], ARGV[1])
redis.call('hdel', KEYS[3], ARGV[1])
redis.call('hincrby', KEYS[4], ARGV[1], '-1')
redis.call('lpush', KEYS[1], ARGV[1])
expire(ARGV[3], KEYS)
return 1
`)
