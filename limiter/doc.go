// Package limiter implements a distributed token bucket rate limiter.
//
// Every bucket is identified by a string key and described by a capacity and a
// window: the bucket holds at most capacity tokens and refills at
// capacity/window tokens per second. Each check consumes one token.
//
//	rl := limiter.New(limiter.NewRedisStore(client))
//	dec, err := rl.Check(ctx, limiter.BuildKey(limiter.DimensionIP, ip, "/api/login"), 5, 60)
//
// # Stores
//
// State lives in a Store. RedisStore keeps one hash per key with the fields
// "tokens" and "last_refill" and runs the whole read/refill/consume/write cycle
// in a single Lua script, so any number of processes sharing one Redis enforce
// one budget per key. Keys expire after twice the window. A denied check writes
// nothing.
//
// MemoryStore applies the same math under a mutex. It is meant for tests,
// single-process deployments and the FailLocal policy.
//
// # Degradation
//
// Check never returns a store error. When the store fails or exceeds the
// operation timeout (1s by default) the configured Policy decides:
//
//   - FailOpen (default) admits the request.
//   - FailClosed rejects it with a retry hint of one window.
//   - FailLocal enforces the limit per process until the store recovers.
//
// Decisions produced this way have Degraded set and are logged at warn level.
// WithBreaker skips the store entirely for a cooldown after a failure.
//
// # Keys
//
// BuildKey and BuildCombinedKey produce "dimension|value|resource" keys. Control
// characters, whitespace, ';' and '|' are stripped from every component and the
// key is truncated to MaxKeyLength bytes, so hostile identities can neither
// break the layout nor collide with other dimensions.
//
// # Rules
//
// Config carries a yaml rule table mapping request paths (exact or regex) to a
// capacity, window and strategy. RateLimiter.Limit applies every matching rule
// using an Extractor to resolve the caller identity from the context.
package limiter
