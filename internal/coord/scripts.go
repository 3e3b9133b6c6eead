package coord

// extendLeaderScript implements spec §4.1's extendLeader(key, expectedValue,
// ttlMs): only the current lease holder can extend its own lease. Prevents
// a stale leader from renewing a lease another instance has since acquired.
const extendLeaderScript = `
local cur = redis.call("get", KEYS[1])
if cur == ARGV[1] then
	redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
	return 1
else
	return 0
end
`

// acquireCycleGuardScript implements spec §4.1's acquireCycleGuard(guardKey,
// nowMs, maxAgeMs, ttlSeconds): collapses "is the guard stale?" and "acquire
// it" into a single atomic round trip, closing the TOCTOU window a
// check-then-set pair would leave open (spec §9).
const acquireCycleGuardScript = `
local existing = redis.call("get", KEYS[1])
if existing then
	local age = tonumber(ARGV[1]) - tonumber(existing)
	if age < tonumber(ARGV[2]) then
		return 0
	end
end
-- Either no prior guard or it is stale: the whole check-and-set is one
-- atomic script invocation, so a plain SET here carries the same
-- exclusivity guarantee spec §4.1 asks of "NX" in a non-atomic port.
redis.call("set", KEYS[1], ARGV[1], "EX", tonumber(ARGV[3]))
return 1
`
