package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/placedex/querycache/logger"
	"go.opentelemetry.io/otel/trace"
)

type inprocBus struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
	closed   bool
	logger   logger.Logger
}

var _ Bus = (*inprocBus)(nil)

// NewInProcess returns a bus that delivers notifications synchronously inside
// the publishing process. Publish does not return until every subscribed
// handler has run, so a writer that publishes after commit knows invalidation
// has completed before it proceeds.
func NewInProcess(log logger.Logger) Bus {
	return &inprocBus{
		handlers: make(map[int]Handler),
		logger:   log.With(map[string]interface{}{"component": "notify"}),
	}
}

func (b *inprocBus) Publish(ctx context.Context, source string) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	spanCtx, span := tracer.Start(ctx, "Publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	ev := Event{
		ID:     uuid.New().String(),
		Source: source,
		At:     time.Now(),
	}
	b.logger.Trace("publishing write notification for source %s", source)
	for _, h := range handlers {
		h(spanCtx, ev)
	}
	return nil
}

func (b *inprocBus) Subscribe(ctx context.Context, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	return &inprocSubscription{bus: b, id: id}, nil
}

func (b *inprocBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = nil
	return nil
}

type inprocSubscription struct {
	bus *inprocBus
	id  int
}

func (s *inprocSubscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.handlers, s.id)
	return nil
}
