package redis

const (
	// upsertSessionScript atomically writes a session record, bumps its
	// sequence number, and maintains the active index and the per-user
	// active-PAID pointer. Writing a PAID record while another provider
	// holds the pointer returns 'conflict' without touching the record.
	upsertSessionScript = `
local session_key = KEYS[1]   -- meterd:session:{user}:{provider}
local active_set = KEYS[2]    -- meterd:sessions:active
local paid_key = KEYS[3]      -- meterd:paid:{user}

local user_id = ARGV[1]
local provider_id = ARGV[2]
local kind = ARGV[3]
local free_remaining = ARGV[4]
local paid_elapsed = ARGV[5]
local rate_per_minute = ARGV[6]
local epoch = ARGV[7]
local started_at = ARGV[8]
local updated_at = ARGV[9]
local member = ARGV[10]

if kind == 'PAID' then
  local holder = redis.call('GET', paid_key)
  if holder and holder ~= provider_id then
    return {'conflict', holder}
  end
  redis.call('SET', paid_key, provider_id)
else
  -- Leaving PAID releases the pointer so a later paid start elsewhere
  -- is admitted.
  local holder = redis.call('GET', paid_key)
  if holder == provider_id then
    redis.call('DEL', paid_key)
  end
end

local seq = redis.call('HINCRBY', session_key, 'seq', 1)

redis.call('HSET', session_key,
  'user_id', user_id,
  'provider_id', provider_id,
  'kind', kind,
  'free_remaining', free_remaining,
  'paid_elapsed', paid_elapsed,
  'rate_per_minute', rate_per_minute,
  'epoch', epoch,
  'started_at', started_at,
  'updated_at', updated_at
)

if kind == 'FREE' or kind == 'PAID' then
  redis.call('SADD', active_set, member)
else
  redis.call('SREM', active_set, member)
end

return {'ok', tostring(seq)}
`

	// startFreeScript gates the one-shot free trial: the freeused flag is
	// checked and set in the same step as the FREE record write, so two
	// racing starts cannot both consume the trial. The flag lives in its
	// own key and is never reset.
	startFreeScript = `
local session_key = KEYS[1]   -- meterd:session:{user}:{provider}
local active_set = KEYS[2]    -- meterd:sessions:active
local freeused_key = KEYS[3]  -- meterd:freeused:{user}:{provider}

local user_id = ARGV[1]
local provider_id = ARGV[2]
local free_remaining = ARGV[3]
local epoch = ARGV[4]
local started_at = ARGV[5]
local updated_at = ARGV[6]
local member = ARGV[7]

if redis.call('EXISTS', freeused_key) == 1 then
  return {'used'}
end
redis.call('SET', freeused_key, '1')

local seq = redis.call('HINCRBY', session_key, 'seq', 1)

redis.call('HSET', session_key,
  'user_id', user_id,
  'provider_id', provider_id,
  'kind', 'FREE',
  'free_remaining', free_remaining,
  'paid_elapsed', '0',
  'rate_per_minute', '0',
  'epoch', epoch,
  'started_at', started_at,
  'updated_at', updated_at
)

redis.call('SADD', active_set, member)

return {'ok', tostring(seq)}
`

	// debitMinuteScript performs one idempotent minute debit. The marker
	// key encodes the tick id, so a retried or replayed debit for the same
	// minute is absorbed without a second decrement, and a debit that would
	// go negative leaves the balance untouched.
	debitMinuteScript = `
local wallet_key = KEYS[1]    -- meterd:wallet:{user}
local marker_key = KEYS[2]    -- meterd:debit:{user}:{provider}:{epoch}:{minute}

local amount = tonumber(ARGV[1])
local marker_ttl = tonumber(ARGV[2])

if redis.call('EXISTS', marker_key) == 1 then
  local bal = tonumber(redis.call('GET', wallet_key)) or 0
  return {'dup', tostring(bal)}
end

local bal = tonumber(redis.call('GET', wallet_key)) or 0
if bal < amount then
  return {'insufficient', tostring(bal)}
end

bal = redis.call('DECRBY', wallet_key, amount)
redis.call('SET', marker_key, '1', 'EX', marker_ttl)

return {'ok', tostring(bal)}
`

	// releaseLockScript releases a lease only if the caller's token still
	// owns it, so a holder whose lease expired cannot delete a successor's.
	releaseLockScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

	// refreshLockScript extends a lease only while the token still owns it.
	refreshLockScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`
)
