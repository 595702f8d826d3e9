package queue

import "github.com/redis/go-redis/v9"

// The scripts touch message hashes and rate limit buckets they derive from
// ARGV, and every script spans keys of several queues. They assume a single
// Redis node, or a Cluster where the prefix is a hash tag such as
// "{runengine}:" so every key lands in one slot.

// refreshMaster keeps a queue's score in its master queue equal to the score
// of its oldest message, and drops the queue from the master queue when empty.
const refreshMaster = `
local function refreshMaster(queueKey, masterKey, member)
  local oldest = redis.call('ZRANGE', queueKey, 0, 0, 'WITHSCORES')
  if #oldest == 0 then
    redis.call('ZREM', masterKey, member)
  else
    redis.call('ZADD', masterKey, oldest[2], member)
  end
end
`

// KEYS: queue, master, message, queue/env/org/global concurrency sets.
// ARGV: run id, score, queue member, then message hash field/value pairs.
var enqueueScript = redis.NewScript(refreshMaster + `
redis.call('HSET', KEYS[3], unpack(ARGV, 4))
for i = 4, 7 do
  redis.call('SREM', KEYS[i], ARGV[1])
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
refreshMaster(KEYS[1], KEYS[2], ARGV[3])
return 1
`)

// KEYS: queue, master, queue/env/org/global concurrency sets,
// queue/env/org limits, rate limit config.
// ARGV: now (ms), queue member, message key prefix, rate limit bucket prefix,
// scan window.
//
// Admission checks env, org and queue concurrency against their limits, then
// takes the oldest due message whose rate limit bucket has a token, and
// reserves its slot on every axis in the same step.
var dequeueScript = redis.NewScript(refreshMaster + `
local now = tonumber(ARGV[1])

local function atLimit(setKey, limitKey)
  local limit = redis.call('GET', limitKey)
  if not limit then
    return false
  end
  return redis.call('SCARD', setKey) >= tonumber(limit)
end

if atLimit(KEYS[4], KEYS[8]) or atLimit(KEYS[5], KEYS[9]) or atLimit(KEYS[3], KEYS[7]) then
  return false
end

local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[5]))
if #due == 0 then
  refreshMaster(KEYS[1], KEYS[2], ARGV[2])
  return false
end

local chosen = nil
local cfg = redis.call('HMGET', KEYS[10], 'limit', 'period_ms', 'burst')
if not cfg[1] then
  chosen = due[1]
else
  local limit = tonumber(cfg[1])
  local period = tonumber(cfg[2])
  local capacity = limit
  local burst = tonumber(cfg[3]) or 0
  if burst > capacity then
    capacity = burst
  end
  for _, runId in ipairs(due) do
    local bucket = ARGV[4]
    local rlKey = redis.call('HGET', ARGV[3] .. runId, 'rate_limit_key')
    if rlKey and rlKey ~= '' then
      bucket = bucket .. ':' .. rlKey
    end
    local state = redis.call('HMGET', bucket, 'tokens', 'updated')
    local tokens = tonumber(state[1]) or capacity
    local updated = tonumber(state[2]) or now
    if now > updated then
      tokens = math.min(capacity, tokens + (now - updated) * limit / period)
    end
    if tokens >= 1 then
      redis.call('HSET', bucket, 'tokens', tostring(tokens - 1), 'updated', ARGV[1])
      redis.call('PEXPIRE', bucket, math.ceil(period * 2))
      chosen = runId
      break
    end
  end
end

if not chosen then
  return false
end

redis.call('ZREM', KEYS[1], chosen)
for i = 3, 6 do
  redis.call('SADD', KEYS[i], chosen)
end
refreshMaster(KEYS[1], KEYS[2], ARGV[2])
return chosen
`)

// KEYS: queue, master, message, queue/env/org/global concurrency sets.
// ARGV: run id, queue member.
var acknowledgeScript = redis.NewScript(refreshMaster + `
redis.call('ZREM', KEYS[1], ARGV[1])
for i = 4, 7 do
  redis.call('SREM', KEYS[i], ARGV[1])
end
redis.call('DEL', KEYS[3])
refreshMaster(KEYS[1], KEYS[2], ARGV[2])
return 1
`)

// KEYS: queue/env/org/global concurrency sets. ARGV: run id.
var releaseScript = redis.NewScript(`
for i = 1, #KEYS do
  redis.call('SREM', KEYS[i], ARGV[1])
end
return 1
`)
