package notify

import (
	"context"
	"errors"
	"time"
)

// Event represents a committed write against a logical data source.
type Event struct {
	// ID uniquely identifies this notification
	ID string
	// Source is the logical data source that was written, e.g. "attractions"
	Source string
	// At is when the notification was published
	At time.Time
}

// Headers represents notification headers that can be used for both map operations and propagation
type Headers map[string]string

func (h Headers) Get(key string) string {
	return h[key]
}

func (h Headers) Set(key string, value string) {
	h[key] = value
}

func (h Headers) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

// Handler receives write notifications. Handlers must be safe for concurrent
// use: the in-process bus invokes them synchronously from Publish, the Redis
// bus invokes them from a receive goroutine.
type Handler func(ctx context.Context, ev Event)

type Subscription interface {
	// Close stops delivery to this subscription's handler
	Close() error
}

// Bus carries write notifications from the write path to cache invalidation.
type Bus interface {
	// Publish announces that a write against source has committed. Publish
	// once per committed write operation, regardless of how many rows the
	// write touched.
	Publish(ctx context.Context, source string) error
	// Subscribe registers a handler for every subsequent notification
	Subscribe(ctx context.Context, h Handler) (Subscription, error)
	// Close shuts down the bus
	Close() error
}

var ErrClosed = errors.New("notify: bus is closed")
