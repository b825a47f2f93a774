package redisqueue

import "github.com/redis/go-redis/v9"

// KEYS: item, pending, active, created, result
// ARGV: def, prio, created, orphan_ms, seq, member, fp, extra
var addScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return {0, redis.call('SCARD', KEYS[3]), redis.call('ZCARD', KEYS[2])}
end
redis.call('HSET', KEYS[1], 'def', ARGV[1], 'status', 'pending', 'prio', ARGV[2], 'created', ARGV[3],
  'orphan_ms', ARGV[4], 'seq', ARGV[5], 'member', ARGV[6], 'attempts', '0')
if ARGV[8] ~= '' then
  redis.call('HSET', KEYS[1], 'extra', ARGV[8])
end
redis.call('ZADD', KEYS[2], 0, ARGV[6])
redis.call('ZADD', KEYS[4], ARGV[3], ARGV[7])
redis.call('DEL', KEYS[5])
return {1, redis.call('SCARD', KEYS[3]), redis.call('ZCARD', KEYS[2])}
`)

// KEYS: item, pending, active, orphan, created
// ARGV: holder, concurrency, now, fp
var retrieveScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'status', 'member', 'orphan_ms')
if v[1] ~= 'pending' then
  return {0}
end
if redis.call('SCARD', KEYS[3]) >= tonumber(ARGV[2]) then
  return {0}
end
redis.call('ZREM', KEYS[2], v[2])
redis.call('ZREM', KEYS[5], ARGV[4])
redis.call('SADD', KEYS[3], ARGV[4])
redis.call('ZADD', KEYS[4], tonumber(ARGV[3]) + tonumber(v[3]), ARGV[4])
redis.call('HSET', KEYS[1], 'status', 'active', 'holder', ARGV[1], 'hb', ARGV[3])
redis.call('HINCRBY', KEYS[1], 'attempts', 1)
return {1, redis.call('SMEMBERS', KEYS[3]), redis.call('ZCARD', KEYS[2]), redis.call('HGETALL', KEYS[1])}
`)

// KEYS: item, orphan
// ARGV: holder, now, fp
var heartbeatScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'status', 'holder', 'orphan_ms')
if not v[1] then
  return -1
end
if v[1] ~= 'active' or (ARGV[1] ~= '' and v[2] ~= ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'hb', ARGV[2])
redis.call('ZADD', KEYS[2], tonumber(ARGV[2]) + tonumber(v[3]), ARGV[3])
return 1
`)

// KEYS: item, pending, active, orphan
// ARGV: holder, orphaned_before, fp
var requeueScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'status', 'holder', 'hb', 'orphan_ms', 'member')
if not v[1] then
  return {-1}
end
if v[1] ~= 'active' or (ARGV[1] ~= '' and v[2] ~= ARGV[1]) then
  return {0}
end
local before = tonumber(ARGV[2])
if before > 0 and tonumber(v[3]) + tonumber(v[4]) >= before then
  return {0}
end
redis.call('SREM', KEYS[3], ARGV[3])
redis.call('ZREM', KEYS[4], ARGV[3])
redis.call('ZADD', KEYS[2], 0, v[5])
redis.call('HSET', KEYS[1], 'status', 'pending')
redis.call('HDEL', KEYS[1], 'holder')
return {1, redis.call('HGETALL', KEYS[1])}
`)

// KEYS: item, pending, active, orphan, created, result
// ARGV: outcome, ttl_ms, require_item, fp, channel
var finishScript = redis.NewScript(`
local all = redis.call('HGETALL', KEYS[1])
if #all == 0 then
  if ARGV[3] == '1' then
    return {-1}
  end
else
  local member = redis.call('HGET', KEYS[1], 'member')
  if member then
    redis.call('ZREM', KEYS[2], member)
  end
  redis.call('SREM', KEYS[3], ARGV[4])
  redis.call('ZREM', KEYS[4], ARGV[4])
  redis.call('ZREM', KEYS[5], ARGV[4])
  redis.call('DEL', KEYS[1])
end
redis.call('SET', KEYS[6], ARGV[1], 'PX', ARGV[2])
redis.call('PUBLISH', ARGV[5], '1')
return {1, all}
`)
