package redis

const (
	// openSessionScript opens a session unless one is already open for the
	// user. Returns the existing session ID, or '' when a new session was
	// created.
	openSessionScript = `
local open_ptr = KEYS[1]      -- playwarden:session:open:{user}
local session_key = KEYS[2]   -- playwarden:session:{id}
local open_set = KEYS[3]      -- playwarden:sessions:open
local user_index = KEYS[4]    -- playwarden:sessions:user:{user}

local id = ARGV[1]
local user_id = ARGV[2]
local device_id = ARGV[3]
local game = ARGV[4]
local started_at = ARGV[5]
local started_unix = ARGV[6]

local existing = redis.call('GET', open_ptr)
if existing then
  return existing
end

redis.call('HSET', session_key,
  'id', id,
  'user_id', user_id,
  'device_id', device_id,
  'game', game,
  'started_at', started_at,
  'ended_at', '',
  'end_reason', ''
)
redis.call('SET', open_ptr, id)
redis.call('SADD', open_set, id)
redis.call('ZADD', user_index, started_unix, id)

return ''
`

	// setGameScript updates the game on the user's open session. Returns 1
	// when updated, 0 when no session is open.
	setGameScript = `
local open_ptr = KEYS[1]      -- playwarden:session:open:{user}

local game = ARGV[1]
local session_prefix = ARGV[2]

local id = redis.call('GET', open_ptr)
if not id then
  return 0
end

redis.call('HSET', session_prefix .. id, 'game', game)
return 1
`

	// closeSessionScript closes the user's open session and removes it from
	// the open indexes. Returns the session ID, or nil when none is open.
	closeSessionScript = `
local open_ptr = KEYS[1]      -- playwarden:session:open:{user}
local open_set = KEYS[2]      -- playwarden:sessions:open

local ended_at = ARGV[1]
local end_reason = ARGV[2]
local session_prefix = ARGV[3]

local id = redis.call('GET', open_ptr)
if not id then
  return false
end

redis.call('HSET', session_prefix .. id,
  'ended_at', ended_at,
  'end_reason', end_reason
)
redis.call('DEL', open_ptr)
redis.call('SREM', open_set, id)

return id
`
)
