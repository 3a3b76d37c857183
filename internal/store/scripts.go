package store

import "github.com/redis/go-redis/v9"

// Server-side scripts. Each script is the serialization point for its key:
// Redis executes it atomically, so concurrent admissions for the same bucket
// are totally ordered and read-modify-write races cannot occur.
//
// Numeric results that may be fractional are returned as strings because the
// Redis protocol truncates Lua numbers to integers.

// slidingWindowScript prunes expired entries, sums the surviving costs and
// conditionally records the new entry.
//
// KEYS[1] window zset (member "<id>:<cost>", score = arrival unix ms)
// ARGV: now_ms, window_ms, limit, cost, member_id
// Reply: {allowed, remaining, retry_after_ms}
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)

local sum = 0
local entries = redis.call('ZRANGE', KEYS[1], 0, -1)
for _, member in ipairs(entries) do
  local sep = string.find(member, ':', 1, true)
  sum = sum + tonumber(string.sub(member, sep + 1))
end

if sum + cost > limit then
  local retry = window
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  if oldest[2] ~= nil then
    retry = tonumber(oldest[2]) + window - now
    if retry < 0 then retry = 0 end
  end
  return {0, tostring(limit - sum), tostring(retry)}
end

redis.call('ZADD', KEYS[1], now, ARGV[5] .. ':' .. ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return {1, tostring(limit - sum - cost), '0'}
`)

// tokenBucketScript refills by elapsed time, clamps to capacity+burst and
// conditionally drains the cost. Fractional tokens and costs are supported.
//
// KEYS[1] bucket hash {tokens, ts}
// ARGV: now_ms, capacity, refill_per_ms, burst, cost, idle_ttl_ms
// Reply: {allowed, remaining, retry_after_ms}
var tokenBucketScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local cap = tonumber(ARGV[2]) + tonumber(ARGV[4])
local rate = tonumber(ARGV[3])
local cost = tonumber(ARGV[5])

local tokens = tonumber(redis.call('HGET', KEYS[1], 'tokens'))
local ts = tonumber(redis.call('HGET', KEYS[1], 'ts'))
if tokens == nil or ts == nil then
  tokens = cap
  ts = now
end
if now > ts then
  tokens = math.min(cap, tokens + (now - ts) * rate)
end

local allowed = 0
local retry = 0
if tokens + 1e-9 >= cost then
  tokens = tokens - cost
  allowed = 1
elseif rate > 0 then
  retry = math.ceil((cost - tokens) / rate)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(now))
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return {allowed, tostring(tokens), tostring(retry)}
`)

// inFlightAcquireScript increments the concurrency counter unless it is at cap.
//
// KEYS[1] counter
// ARGV: cap, ttl_ms
// Reply: {acquired, count}
var inFlightAcquireScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur >= tonumber(ARGV[1]) then
  return {0, cur}
end
local count = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return {1, count}
`)

// inFlightReleaseScript decrements the concurrency counter, never below zero.
// The counter can read zero after its TTL expired mid-operation; releasing
// then must not drive it negative.
//
// KEYS[1] counter
// ARGV: ttl_ms
// Reply: count
var inFlightReleaseScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur <= 0 then
  redis.call('SET', KEYS[1], '0', 'PX', ARGV[1])
  return 0
end
local count = redis.call('DECR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return count
`)

// idemBeginScript is the single serialization point for lock acquisition:
// replay terminal records, wait on fresh processing records, acquire (and
// reclaim stale) otherwise.
//
// KEYS[1] record hash
// ARGV: now_ms, max_processing_ms, lock_token, owner, digest, processing_ttl_ms
// Reply: {outcome, ...} where outcome is one of
//
//	'proceed'                       lock acquired on a fresh key
//	'reclaimed'                     lock acquired over a stale processing record
//	'wait', retry_in_ms             another caller holds a fresh lock
//	'replay', status, result        terminal record exists
var idemBeginScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')

if status == 'completed' or status == 'failed' then
  return {'replay', status, redis.call('HGET', KEYS[1], 'result') or ''}
end

local reclaimed = false
if status == 'processing' then
  local now = tonumber(ARGV[1])
  local max = tonumber(ARGV[2])
  local started = tonumber(redis.call('HGET', KEYS[1], 'started_at_ms'))
  if started ~= nil and now - started <= max then
    return {'wait', tostring(started + max - now)}
  end
  reclaimed = true
end

redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1],
  'status', 'processing',
  'lock_token', ARGV[3],
  'owner', ARGV[4],
  'digest', ARGV[5],
  'started_at_ms', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[6])

if reclaimed then
  return {'reclaimed'}
end
return {'proceed'}
`)

// idemCompleteScript writes the terminal state only if the caller still holds
// the lock. A reclaimed-then-reclaimed-again holder with a stale token must
// not overwrite the current holder's result.
//
// KEYS[1] record hash
// ARGV: lock_token, status, result, now_ms, result_ttl_ms
// Reply: 1 if written, 0 on token or state mismatch
var idemCompleteScript = redis.NewScript(`
local token = redis.call('HGET', KEYS[1], 'lock_token')
if token == false or token ~= ARGV[1] then
  return 0
end
if redis.call('HGET', KEYS[1], 'status') ~= 'processing' then
  return 0
end
redis.call('HSET', KEYS[1],
  'status', ARGV[2],
  'result', ARGV[3],
  'completed_at_ms', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)
