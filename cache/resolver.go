package cache

import (
	"context"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/codes"
)

// Resolve answers req from the cache when it can and by executing the query
// when it cannot. The returned payload is the msgpack encoding of the
// executor's result; use the generic Resolve function to decode it.
//
// A fresh cached entry is returned as-is and its hit counter is incremented
// in the background. A miss (including a lazily expired entry) executes the
// query, stores the result under the derived key with the request's TTL,
// and returns it. Execution failures propagate to the caller and leave the
// cache untouched. Store failures degrade the resolve to a direct,
// uncached execution.
func (c *Cache) Resolve(ctx context.Context, req Request) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	ctx, span := tracer.Start(ctx, "cache.Resolve")
	defer span.End()

	key, err := DeriveKey(req.Query, req.Params)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return nil, err
	}
	fp := templateFingerprint(req.Query)

	found, entry, err := c.storeGet(ctx, key)
	if err != nil {
		// A broken store must not break reads: execute directly and skip
		// caching until the store recovers.
		c.log.Warn("store read failed for query %s, bypassing cache: %s", fp, err)
		span.SetStatus(codes.Ok, "bypass")
		return c.resolveDirect(ctx, req)
	}
	if found {
		c.log.Trace("hit for query %s key %s", fp, key)
		c.touchAsync(key)
		span.SetStatus(codes.Ok, "hit")
		return entry.Payload, nil
	}

	c.log.Trace("miss for query %s key %s", fp, key)
	result, err := c.execute(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return nil, err
	}
	payload, err := msgpack.Marshal(result)
	if err != nil {
		serr := &SerializationError{Err: err}
		span.SetStatus(codes.Error, serr.Error())
		span.RecordError(serr)
		return nil, serr
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = c.cfg.defaultTTL
	}
	now := c.now()
	e := &Entry{
		Key:           key,
		QueryTemplate: req.Query,
		Payload:       payload,
		Category:      req.Category,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		Hits:          1,
	}
	if err := c.storePut(ctx, e); err != nil {
		// The caller still gets their result; losing the cache write only
		// means the next resolve recomputes.
		c.log.Warn("store write failed for query %s: %s", fp, err)
	}
	span.SetStatus(codes.Ok, "miss")
	return payload, nil
}

// Resolve is the typed variant of Cache.Resolve: it decodes the payload
// into T.
func Resolve[T any](ctx context.Context, c *Cache, req Request) (T, error) {
	var result T
	payload, err := c.Resolve(ctx, req)
	if err != nil {
		return result, err
	}
	if err := msgpack.Unmarshal(payload, &result); err != nil {
		var zero T
		return zero, &SerializationError{Err: err}
	}
	return result, nil
}

// resolveDirect executes the query without touching the store.
func (c *Cache) resolveDirect(ctx context.Context, req Request) ([]byte, error) {
	result, err := c.execute(ctx, req)
	if err != nil {
		return nil, err
	}
	payload, err := msgpack.Marshal(result)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	return payload, nil
}

// execute runs the query through the configured executor with the query
// timeout applied. Parameter errors pass through untouched so callers see
// the same error a direct execution would have produced; anything else is
// wrapped in a QueryExecutionError.
func (c *Cache) execute(ctx context.Context, req Request) (any, error) {
	if c.exec == nil {
		return nil, ErrNoExecutor
	}
	if c.cfg.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.queryTimeout)
		defer cancel()
	}
	result, err := c.exec.Execute(ctx, req.Query, req.Params)
	if err != nil {
		var arity *ParameterArityError
		var ptype *ParameterTypeError
		if errors.As(err, &arity) || errors.As(err, &ptype) {
			return nil, err
		}
		return nil, &QueryExecutionError{Query: req.Query, Err: err}
	}
	return result, nil
}
