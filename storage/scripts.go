package storage

// Named atomic scripts. These must run server side as one atomic step;
// approximating them with client side check-then-act reintroduces the races
// the registry and token handshake exist to prevent.
const (
	// ScriptTokenExchange read a key and delete it in a single atomic step
	// (single-use token redemption). Evaluates to nothing when the key is
	// absent or already redeemed.
	ScriptTokenExchange = "token-exchange"

	// ScriptTopicReserve write a value for a key only if absent, and return
	// the now-authoritative value (topic name reservation).
	ScriptTopicReserve = "topic-reserve"
)

var scriptSources = map[string]string{
	ScriptTokenExchange: `local current = redis.call('GET', KEYS[1])
if current then
  redis.call('DEL', KEYS[1])
end
return current`,

	ScriptTopicReserve: `redis.call('SETNX', KEYS[1], ARGV[1])
return redis.call('GET', KEYS[1])`,
}
