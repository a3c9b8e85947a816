// Package cache memoizes parameterized read queries behind a time-bounded
// cache with hit accounting and category-scoped invalidation.
//
// # Model
//
// A cached unit is one query execution: a query template (SQL text with
// positional ? placeholders) plus the exact parameter values it ran with.
// [DeriveKey] reduces the pair to a deterministic SHA-256 key, so the same
// query with the same parameters always maps to the same entry and any
// change to the template or a single parameter maps somewhere else.
//
// Parameters are declared with explicit types ([Int], [Float], [Text],
// [Bool], [Bytes], [Decimal], [Null]) and canonicalized before hashing:
// floats render in their shortest exact form, decimals drop trailing zeros,
// and NULL is a marker distinct from the string "null". Two parameter lists
// that would bind identically produce the same key regardless of how the
// caller spelled the values.
//
// # Resolving
//
// [Cache.Resolve] is the single read entry point. It checks the store, and
// on a fresh entry returns the stored payload and bumps the entry's hit
// counter in the background. On a miss (or an entry past its expiry, which
// is deleted lazily at read time) it runs the query through the configured
// [Executor], serializes the result with msgpack, stores it with a TTL, and
// returns the payload. [Resolve] is the generic variant that decodes the
// payload into a concrete type.
//
// Concurrent misses for the same key are allowed to race: each executes the
// query and each writes its result. Stores converge through an atomic
// upsert — last writer wins, the entry's hit count is preserved — so the
// race costs duplicate work, never correctness. There is deliberately no
// request coalescing.
//
// If the store itself fails, Resolve degrades to executing the query
// directly and returns the uncached result; a cache outage slows reads but
// never breaks them. Repeated store failures trip a circuit breaker
// ([github.com/placedex/querycache/resilience]) so a dead store stops
// costing a timeout per read.
//
// # Invalidation
//
// Entries carry an optional category, conventionally "source:qualifier"
// (for example "attractions:spatial"). [Cache.InvalidateCategory] removes
// one category; [Cache.InvalidateSource] removes every category belonging
// to a source, matching the bare source name or any "source:" prefix.
// [Cache.SubscribeInvalidations] wires a cache to a
// [github.com/placedex/querycache/notify.Bus] so committed writes
// invalidate automatically. Invalidation is deliberately coarse: a write
// to a source drops every cached query for that source rather than
// guessing which results the write affected.
//
// # Stores
//
// Three [Store] implementations are provided:
//
//   - [NewMemoryStore] — in-process map guarded by a mutex. Fastest option,
//     lost on restart, not shared across processes.
//
//   - [NewSQLiteStore] — SQLite via [modernc.org/sqlite] (pure Go, no CGO).
//     File-backed databases survive restarts; ":memory:" works for tests.
//     WAL mode is enabled for concurrent read performance, and payloads
//     over a configurable threshold can be stored gzip-compressed
//     ([WithCompressionThreshold]).
//
//   - [NewRedisStore] — Redis hashes via [github.com/redis/go-redis/v9],
//     shared across processes. Expiry additionally uses native Redis TTL.
//     An optional key prefix ([WithPrefix]) namespaces multiple caches on
//     one Redis instance. The caller owns the [redis.Client]; Close does
//     not touch it.
//
// Expired entries never come back from a store read, but they are not
// eagerly reclaimed either: a background sweep ([WithSweepInterval]) and
// [Cache.PurgeExpired] exist purely to free space. Correctness never
// depends on the sweep having run.
//
// # Serialization
//
// Payloads are msgpack ([github.com/vmihailenco/msgpack/v5]). Executor
// results must therefore be msgpack-encodable: primitives, structs with
// exported fields, maps, slices, time.Time. A result that cannot be
// encoded fails the resolve with a [SerializationError] and nothing is
// cached.
package cache
