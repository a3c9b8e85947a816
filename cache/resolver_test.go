package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/placedex/querycache/resilience"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func countingExecutor(calls *atomic.Int64, result any) ExecutorFunc {
	return func(ctx context.Context, query string, params []Param) (any, error) {
		calls.Add(1)
		return result, nil
	}
}

func newTestCache(t *testing.T, store Store, exec Executor, opts ...Option) *Cache {
	t.Helper()
	base := []Option{WithSweepInterval(-1)}
	c := New(context.Background(), store, exec, append(base, opts...)...)
	t.Cleanup(func() { c.Close() })
	return c
}

type poiRow struct {
	ID   int64  `msgpack:"id"`
	Name string `msgpack:"name"`
}

func TestResolveCachesResult(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	rows := []poiRow{{ID: 1, Name: "Belem Tower"}, {ID: 2, Name: "Alfama"}}
	c := newTestCache(t, NewMemoryStore(), countingExecutor(&calls, rows))

	req := Request{
		Query:    "SELECT id, name FROM pois WHERE city = ?",
		Params:   []Param{Text("lisbon")},
		Category: "attractions:pois",
	}

	first, err := c.Resolve(ctx, req)
	require.NoError(t, err)
	second, err := c.Resolve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), calls.Load(), "the second resolve must be served from the cache")

	got, err := Resolve[[]poiRow](ctx, c, req)
	require.NoError(t, err)
	assert.Equal(t, rows, got)
	assert.Equal(t, int64(1), calls.Load())
}

func TestResolveDistinctParams(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	c := newTestCache(t, NewMemoryStore(), countingExecutor(&calls, "rows"))

	query := "SELECT id FROM pois WHERE city = ?"
	_, err := c.Resolve(ctx, Request{Query: query, Params: []Param{Text("lisbon")}})
	require.NoError(t, err)
	_, err = c.Resolve(ctx, Request{Query: query, Params: []Param{Text("porto")}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load(), "different parameters are different cache entries")

	_, err = c.Resolve(ctx, Request{Query: query, Params: []Param{Text("lisbon")}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestResolveHitCount(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	c := newTestCache(t, NewMemoryStore(), countingExecutor(&calls, "rows"))

	req := Request{Query: "SELECT id FROM pois WHERE city = ?", Params: []Param{Text("lisbon")}}
	for i := 0; i < 3; i++ {
		_, err := c.Resolve(ctx, req)
		require.NoError(t, err)
	}

	// Hit updates run in the background; one insert plus two hits.
	require.Eventually(t, func() bool {
		found, hits, err := c.Hits(ctx, req.Query, req.Params)
		return err == nil && found && hits == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResolveHitsUnknownQuery(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, NewMemoryStore(), nil)

	found, hits, err := c.Hits(ctx, "SELECT 1", nil)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, hits)
}

func TestResolveExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	var calls atomic.Int64
	exec := ExecutorFunc(func(ctx context.Context, query string, params []Param) (any, error) {
		return fmt.Sprintf("v%d", calls.Add(1)), nil
	})
	c := newTestCache(t, NewMemoryStore(), exec,
		WithClock(clock.Now), WithDefaultTTL(time.Minute))

	req := Request{Query: "SELECT id FROM pois WHERE city = ?", Params: []Param{Text("lisbon")}}

	got, err := Resolve[string](ctx, c, req)
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	clock.Advance(30 * time.Second)
	got, err = Resolve[string](ctx, c, req)
	require.NoError(t, err)
	assert.Equal(t, "v1", got, "still fresh, still cached")

	clock.Advance(31 * time.Second)
	got, err = Resolve[string](ctx, c, req)
	require.NoError(t, err)
	assert.Equal(t, "v2", got, "expired entries re-execute the query")
	assert.Equal(t, int64(2), calls.Load())
}

func TestResolveTTLOverride(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	var calls atomic.Int64
	c := newTestCache(t, NewMemoryStore(), countingExecutor(&calls, "rows"),
		WithClock(clock.Now), WithDefaultTTL(time.Minute))

	req := Request{Query: "SELECT id FROM pois", TTL: time.Hour}
	_, err := c.Resolve(ctx, req)
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	_, err = c.Resolve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load(), "the per-request TTL outlives the default")
}

func TestResolveConcurrentMissesBothExecute(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	var calls atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, query string, params []Param) (any, error) {
		calls.Add(1)
		started <- struct{}{}
		<-release
		return "shared", nil
	})
	c := newTestCache(t, store, exec)

	req := Request{Query: "SELECT id FROM pois WHERE city = ?", Params: []Param{Text("lisbon")}}
	key, err := DeriveKey(req.Query, req.Params)
	require.NoError(t, err)

	var wg sync.WaitGroup
	payloads := make([][]byte, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payloads[i], errs[i] = c.Resolve(ctx, req)
		}(i)
	}

	// Both goroutines are inside the executor before either finishes:
	// concurrent misses are not coalesced.
	<-started
	<-started
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, payloads[0], payloads[1])
	assert.Equal(t, int64(2), calls.Load())

	found, hits, err := store.Hits(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), hits, "both writes land on a single entry")

	stats, err := store.Stats(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Entries)
}

func TestResolveExecutionFailureNotCached(t *testing.T) {
	ctx := context.Background()
	var fail atomic.Bool
	fail.Store(true)
	var calls atomic.Int64
	exec := ExecutorFunc(func(ctx context.Context, query string, params []Param) (any, error) {
		calls.Add(1)
		if fail.Load() {
			return nil, errors.New("connection reset by peer")
		}
		return "recovered", nil
	})
	c := newTestCache(t, NewMemoryStore(), exec)

	req := Request{Query: "SELECT id FROM pois WHERE city = ?", Params: []Param{Text("lisbon")}}
	_, err := c.Resolve(ctx, req)
	var qerr *QueryExecutionError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, req.Query, qerr.Query)
	assert.ErrorContains(t, err, "connection reset")

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Entries, "a failed execution must not poison the cache")

	fail.Store(false)
	got, err := Resolve[string](ctx, c, req)
	require.NoError(t, err)
	assert.Equal(t, "recovered", got)
	assert.Equal(t, int64(2), calls.Load())
}

func TestResolveParameterErrorsPassThrough(t *testing.T) {
	ctx := context.Background()

	t.Run("arity from executor", func(t *testing.T) {
		exec := ExecutorFunc(func(ctx context.Context, query string, params []Param) (any, error) {
			return nil, &ParameterArityError{Query: query, Placeholders: 2, Params: 1}
		})
		c := newTestCache(t, NewMemoryStore(), exec)

		_, err := c.Resolve(ctx, Request{Query: "SELECT ? + ?", Params: []Param{Int(1)}})
		var aerr *ParameterArityError
		require.ErrorAs(t, err, &aerr)
		assert.Equal(t, 2, aerr.Placeholders)
		assert.Equal(t, 1, aerr.Params)
		var qerr *QueryExecutionError
		assert.False(t, errors.As(err, &qerr), "parameter errors must not be wrapped as execution failures")
	})

	t.Run("mistyped param before execution", func(t *testing.T) {
		var calls atomic.Int64
		c := newTestCache(t, NewMemoryStore(), countingExecutor(&calls, "rows"))

		_, err := c.Resolve(ctx, Request{Query: "SELECT ?", Params: []Param{{Type: TypeInt, Value: "five"}}})
		var perr *ParameterTypeError
		require.ErrorAs(t, err, &perr)
		assert.Zero(t, calls.Load(), "key derivation rejects the request before execution")
	})
}

func TestResolveSerializationError(t *testing.T) {
	ctx := context.Background()
	exec := ExecutorFunc(func(ctx context.Context, query string, params []Param) (any, error) {
		return make(chan int), nil
	})
	c := newTestCache(t, NewMemoryStore(), exec)

	_, err := c.Resolve(ctx, Request{Query: "SELECT 1"})
	var serr *SerializationError
	require.ErrorAs(t, err, &serr)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)
}

func TestResolveNoExecutor(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, NewMemoryStore(), nil)

	_, err := c.Resolve(ctx, Request{Query: "SELECT 1"})
	require.ErrorIs(t, err, ErrNoExecutor)
}

func TestResolveAfterClose(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	c := newTestCache(t, NewMemoryStore(), countingExecutor(&calls, "rows"))
	require.NoError(t, c.Close())

	_, err := c.Resolve(ctx, Request{Query: "SELECT 1"})
	require.ErrorIs(t, err, ErrClosed)
	_, err = c.InvalidateCategory(ctx, "attractions:pois")
	require.ErrorIs(t, err, ErrClosed)
	_, err = c.Stats(ctx)
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, c.Close(), "closing twice is fine")
}

func TestCloseDuringHitUpdates(t *testing.T) {
	// Cache hits schedule their count updates in the background. Closing
	// while a burst of hits is in flight must wait for the updates it
	// admitted and reject the rest; run with -race this also catches a
	// hit update being added to the wait group after Close started waiting.
	ctx := context.Background()
	var calls atomic.Int64
	c := newTestCache(t, NewMemoryStore(), countingExecutor(&calls, "rows"))

	req := Request{Query: "SELECT id FROM pois WHERE city = ?", Params: []Param{Text("lisbon")}}
	_, err := c.Resolve(ctx, req)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, err := c.Resolve(ctx, req); errors.Is(err, ErrClosed) {
					return
				}
			}
		}()
	}
	require.NoError(t, c.Close())
	wg.Wait()

	_, err = c.Resolve(ctx, req)
	require.ErrorIs(t, err, ErrClosed)
}

type flakyStore struct {
	Store
	failGet atomic.Bool
	failPut atomic.Bool
}

func (s *flakyStore) Get(ctx context.Context, key string, now time.Time) (bool, *Entry, error) {
	if s.failGet.Load() {
		return false, nil, errors.New("disk I/O error")
	}
	return s.Store.Get(ctx, key, now)
}

func (s *flakyStore) Put(ctx context.Context, e *Entry) error {
	if s.failPut.Load() {
		return errors.New("disk I/O error")
	}
	return s.Store.Put(ctx, e)
}

func TestResolveStoreReadFailureDegrades(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: NewMemoryStore()}
	store.failGet.Store(true)
	var calls atomic.Int64
	c := newTestCache(t, store, countingExecutor(&calls, "rows"), WithBreaker(nil))

	req := Request{Query: "SELECT id FROM pois WHERE city = ?", Params: []Param{Text("lisbon")}}

	// Reads still answer while the store is down, just without caching.
	for i := 1; i <= 2; i++ {
		_, err := c.Resolve(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, int64(i), calls.Load())
	}

	store.failGet.Store(false)
	_, err := c.Resolve(ctx, req)
	require.NoError(t, err)
	_, err = c.Resolve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(3), calls.Load(), "caching resumes once the store recovers")
}

func TestResolveStoreWriteFailureStillAnswers(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: NewMemoryStore()}
	store.failPut.Store(true)
	var calls atomic.Int64
	c := newTestCache(t, store, countingExecutor(&calls, "rows"), WithBreaker(nil))

	req := Request{Query: "SELECT id FROM pois WHERE city = ?", Params: []Param{Text("lisbon")}}
	_, err := c.Resolve(ctx, req)
	require.NoError(t, err)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Entries, "the failed write stored nothing")

	_, err = c.Resolve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

type brokenStore struct {
	Store
	gets atomic.Int64
}

func (s *brokenStore) Get(ctx context.Context, key string, now time.Time) (bool, *Entry, error) {
	s.gets.Add(1)
	return false, nil, errors.New("store down")
}

func TestResolveBreakerFailsFast(t *testing.T) {
	ctx := context.Background()
	store := &brokenStore{Store: NewMemoryStore()}
	var calls atomic.Int64
	breaker := resilience.NewBreaker(resilience.Config{
		MaxFailures:      3,
		CoolDown:         time.Minute,
		MaxProbes:        1,
		SuccessThreshold: 1,
	})
	c := newTestCache(t, store, countingExecutor(&calls, "rows"), WithBreaker(breaker))

	req := Request{Query: "SELECT id FROM pois WHERE city = ?", Params: []Param{Text("lisbon")}}
	for i := 0; i < 5; i++ {
		_, err := c.Resolve(ctx, req)
		require.NoError(t, err, "every resolve still answers")
	}

	assert.Equal(t, int64(5), calls.Load())
	assert.Equal(t, int64(3), store.gets.Load(), "the open breaker stops hitting the store")
}

func TestCacheSweep(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, testEntry("k1", "", time.Now().Add(-time.Hour), time.Minute)))

	c := New(ctx, store, nil, WithSweepInterval(10*time.Millisecond))
	t.Cleanup(func() { c.Close() })

	require.Eventually(t, func() bool {
		stats, err := store.Stats(ctx, time.Now())
		return err == nil && stats.Entries == 0
	}, 2*time.Second, 10*time.Millisecond, "the sweep reclaims expired entries")
}
