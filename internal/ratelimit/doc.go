// Package ratelimit is multi-window sliding log rate limiting for the gateway.
//
// Every client key has three windows, burst (1s), minute and hour, each an
// ordered log of accepted request times. A request is admitted only if every
// window is below its limit, and then it is appended to all three. Rejected
// requests are not recorded, so a client hammering a closed window does not
// extend its own ban.
//
// State lives behind Store:
//   - MemoryStore, sharded per key, the default for a single replica
//   - RedisStore, sorted sets plus a Lua script so replicas share quotas
//   - FailoverStore, redis guarded by a circuit breaker with memory fallback
//
// What this does NOT protect against:
//   - clients that rotate X-Forwarded-For when ClientKey is used without a
//     proxy that overwrites it, see ContextClientIP
//   - distributed attacks across many addresses, beyond MaxClients
package ratelimit
