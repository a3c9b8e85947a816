package cache

import (
	"context"

	"github.com/placedex/querycache/notify"
	"go.opentelemetry.io/otel/codes"
)

// InvalidateCategory removes every entry in the given category and returns
// the number removed. An empty category never matches anything: entries
// stored without a category cannot be invalidated by name.
func (c *Cache) InvalidateCategory(ctx context.Context, category string) (int64, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if category == "" {
		return 0, nil
	}
	ctx, span := tracer.Start(ctx, "cache.InvalidateCategory")
	defer span.End()

	removed, err := c.store.DeleteCategory(ctx, category)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return 0, err
	}
	c.log.Debug("invalidated %d entries in category %s", removed, category)
	span.SetStatus(codes.Ok, "invalidated")
	return removed, nil
}

// InvalidateSource removes every entry whose category belongs to source:
// the category equals source, or starts with source + ":". Dropping the
// whole source is deliberately coarse; re-resolving a dropped entry is
// cheap, serving one stale after a write is not.
func (c *Cache) InvalidateSource(ctx context.Context, source string) (int64, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if source == "" {
		return 0, nil
	}
	ctx, span := tracer.Start(ctx, "cache.InvalidateSource")
	defer span.End()

	removed, err := c.store.DeleteSource(ctx, source)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return 0, err
	}
	c.log.Debug("invalidated %d entries for source %s", removed, source)
	span.SetStatus(codes.Ok, "invalidated")
	return removed, nil
}

// SubscribeInvalidations wires the cache to a write-notification bus: every
// published event invalidates the event's source. Close the returned
// subscription to detach; closing the cache does not close the bus.
func (c *Cache) SubscribeInvalidations(bus notify.Bus) (notify.Subscription, error) {
	return bus.Subscribe(c.ctx, func(ctx context.Context, ev notify.Event) {
		removed, err := c.InvalidateSource(ctx, ev.Source)
		if err != nil {
			c.log.Error("invalidation for source %s failed: %s", ev.Source, err)
			return
		}
		c.log.Debug("write notification %s invalidated %d entries for source %s", ev.ID, removed, ev.Source)
	})
}

// PurgeExpired removes entries past their expiry right now and returns the
// number removed. The background sweep calls the same store operation;
// this exists for callers that want to reclaim space on demand.
func (c *Cache) PurgeExpired(ctx context.Context) (int64, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	ctx, span := tracer.Start(ctx, "cache.PurgeExpired")
	defer span.End()

	removed, err := c.store.PurgeExpired(ctx, c.now())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return 0, err
	}
	c.log.Debug("purged %d expired entries", removed)
	span.SetStatus(codes.Ok, "purged")
	return removed, nil
}

// Clear removes every entry and returns the number removed.
func (c *Cache) Clear(ctx context.Context) (int64, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	ctx, span := tracer.Start(ctx, "cache.Clear")
	defer span.End()

	removed, err := c.store.Clear(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return 0, err
	}
	c.log.Debug("cleared %d entries", removed)
	span.SetStatus(codes.Ok, "cleared")
	return removed, nil
}

// Stats aggregates the store's current contents.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	if c.closed.Load() {
		return Stats{}, ErrClosed
	}
	ctx, span := tracer.Start(ctx, "cache.Stats")
	defer span.End()

	stats, err := c.store.Stats(ctx, c.now())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return Stats{}, err
	}
	span.SetStatus(codes.Ok, "collected")
	return stats, nil
}

// Hits returns the hit counter for the entry a query maps to, without
// resolving it. The bool reports whether such an entry exists.
func (c *Cache) Hits(ctx context.Context, queryTemplate string, params []Param) (bool, int64, error) {
	if c.closed.Load() {
		return false, 0, ErrClosed
	}
	key, err := DeriveKey(queryTemplate, params)
	if err != nil {
		return false, 0, err
	}
	return c.store.Hits(ctx, key)
}
