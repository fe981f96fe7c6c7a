package redis

const (
	// upsertSessionScript atomically updates a session and the recent index
	upsertSessionScript = `
local session_key = KEYS[1]     -- kguard:session:{sessionID}
local recent_index = KEYS[2]    -- kguard:sessions:recent

local session_id = ARGV[1]
local age_group = ARGV[2]
local started_at = ARGV[3]
local last_observed_at = ARGV[4]
local ended_at = ARGV[5]
local elapsed_minutes = ARGV[6]
local limit_minutes = ARGV[7]
local bedtime = ARGV[8]
local state = ARGV[9]
local end_reason = ARGV[10]
local lock_reason = ARGV[11]
local started_score = tonumber(ARGV[12])
local ttl_seconds = tonumber(ARGV[13])

redis.call('HSET', session_key,
  'id', session_id,
  'age_group', age_group,
  'started_at', started_at,
  'last_observed_at', last_observed_at,
  'ended_at', ended_at,
  'elapsed_minutes', elapsed_minutes,
  'limit_minutes', limit_minutes,
  'bedtime', bedtime,
  'state', state,
  'end_reason', end_reason,
  'lock_reason', lock_reason
)

redis.call('ZADD', recent_index, started_score, session_id)

-- Ended sessions expire; live ones never do
if ended_at ~= '' and ttl_seconds > 0 then
  redis.call('EXPIRE', session_key, ttl_seconds)
else
  redis.call('PERSIST', session_key)
end

return 'OK'
`

	// incrementDailyUsageScript atomically increments or creates daily usage
	incrementDailyUsageScript = `
local usage_key = KEYS[1]     -- kguard:usage:daily:{date}:{ageGroup}
local index_key = KEYS[2]     -- kguard:usage:daily:index:{date}
local dates_key = KEYS[3]     -- kguard:usage:daily:dates

local date = ARGV[1]
local age_group = ARGV[2]
local minutes = tonumber(ARGV[3])
local ttl_seconds = tonumber(ARGV[4])

local exists = redis.call('EXISTS', usage_key)

if exists == 0 then
  redis.call('HSET', usage_key,
    'date', date,
    'age_group', age_group,
    'total_minutes', minutes,
    'sessions', 1
  )
  redis.call('SADD', index_key, age_group)
  redis.call('ZADD', dates_key, 0, date)
  if ttl_seconds > 0 then
    redis.call('EXPIRE', usage_key, ttl_seconds)
    redis.call('EXPIRE', index_key, ttl_seconds)
  end
else
  redis.call('HINCRBY', usage_key, 'total_minutes', minutes)
  redis.call('HINCRBY', usage_key, 'sessions', 1)
end

return 'OK'
`

	// deleteDailyUsageBeforeScript removes every day strictly before the cutoff
	deleteDailyUsageBeforeScript = `
local dates_key = KEYS[1]     -- kguard:usage:daily:dates
local prefix = ARGV[1]        -- kguard:usage:daily:
local cutoff = ARGV[2]

local dates = redis.call('ZRANGEBYLEX', dates_key, '-', '(' .. cutoff)
local deleted = 0

for _, date in ipairs(dates) do
  local index_key = prefix .. 'index:' .. date
  local groups = redis.call('SMEMBERS', index_key)
  for _, group in ipairs(groups) do
    deleted = deleted + redis.call('DEL', prefix .. date .. ':' .. group)
  end
  redis.call('DEL', index_key)
  redis.call('ZREM', dates_key, date)
end

return deleted
`
)
