package kvstore

import "github.com/dcbickfo/embedpipe/internal/luascript"

var (
	// compareAndDeleteScript deletes KEYS[1] only if it holds ARGV[1].
	compareAndDeleteScript = luascript.New("compare_and_delete",
		`if redis.call("GET",KEYS[1]) == ARGV[1] then return redis.call("DEL",KEYS[1]) else return 0 end`)

	// compareAndSwapScript sets KEYS[1] to ARGV[2] only if it holds ARGV[1].
	// ARGV[3] is the TTL in milliseconds, 0 for none.
	compareAndSwapScript = luascript.New("compare_and_swap", `
		if redis.call("GET", KEYS[1]) ~= ARGV[1] then
			return 0
		end
		local ttl = tonumber(ARGV[3])
		if ttl > 0 then
			redis.call("SET", KEYS[1], ARGV[2], "PX", ttl)
		else
			redis.call("SET", KEYS[1], ARGV[2])
		end
		return 1
	`)

	// setAddExtendScript adds ARGV[2..] to the set at KEYS[1] and raises its
	// TTL to ARGV[1] milliseconds if it is currently lower. Never shortens.
	setAddExtendScript = luascript.New("set_add_extend", `
		local ttl = tonumber(ARGV[1])
		for i = 2, #ARGV do
			redis.call("SADD", KEYS[1], ARGV[i])
		end
		if ttl > 0 then
			local cur = redis.call("PTTL", KEYS[1])
			if cur < ttl then
				redis.call("PEXPIRE", KEYS[1], ttl)
			end
		end
		return 1
	`)

	// windowAdmitScript implements a sliding-window admission on the sorted set
	// at KEYS[1]. ARGV: now ms, window ms, max entries, member.
	// Returns {admitted, count, oldest ms}.
	windowAdmitScript = luascript.New("window_admit", `
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local max = tonumber(ARGV[3])

		redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
		local count = redis.call("ZCARD", key)
		local admitted = 0
		if count < max then
			redis.call("ZADD", key, now, ARGV[4])
			count = count + 1
			admitted = 1
		end

		local oldest = 0
		if count > 0 then
			local first = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
			oldest = tonumber(first[2])
			redis.call("PEXPIRE", key, window)
		end
		return {admitted, count, oldest}
	`)
)
