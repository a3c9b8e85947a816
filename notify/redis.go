package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/placedex/querycache/logger"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "querycache.invalidations"

type wireEvent struct {
	ID      string    `msgpack:"id"`
	Source  string    `msgpack:"source"`
	At      time.Time `msgpack:"at"`
	Headers Headers   `msgpack:"headers"`
}

type redisBus struct {
	rdb     *redis.Client
	channel string
	ctx     context.Context
	cancel  context.CancelFunc
	logger  logger.Logger
}

var _ Bus = (*redisBus)(nil)

// NewRedis returns a bus backed by Redis pub/sub so write notifications reach
// cache instances in other processes. The caller retains ownership of rdb;
// Close does not close it.
func NewRedis(ctx context.Context, log logger.Logger, rdb *redis.Client, channel string) Bus {
	if channel == "" {
		channel = DefaultChannel
	}
	ctx, cancel := context.WithCancel(ctx)
	return &redisBus{
		rdb:     rdb,
		channel: channel,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(map[string]interface{}{"component": "notify"}),
	}
}

func (b *redisBus) Publish(ctx context.Context, source string) error {
	ev := wireEvent{
		ID:      uuid.New().String(),
		Source:  source,
		At:      time.Now(),
		Headers: make(Headers),
	}
	// inject the trace context into the headers before starting a span
	propagator.Inject(ctx, ev.Headers)

	spanCtx, span := tracer.Start(ctx, "Publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	payload, err := msgpack.Marshal(ev)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if err := b.rdb.Publish(spanCtx, b.channel, payload).Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	span.SetStatus(codes.Ok, "notification published")
	return nil
}

func (b *redisBus) receive(ctx context.Context, payload []byte, h Handler) {
	var ev wireEvent
	if err := msgpack.Unmarshal(payload, &ev); err != nil {
		b.logger.Error("failed to decode notification: %s", err)
		return
	}
	// extract the trace context from the headers
	spanCtx, span := tracer.Start(
		propagator.Extract(ctx, ev.Headers),
		"Receive",
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	h(spanCtx, Event{ID: ev.ID, Source: ev.Source, At: ev.At})
}

func (b *redisBus) Subscribe(ctx context.Context, h Handler) (Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, b.channel)

	// Wait for the subscription to be established so notifications published
	// immediately after Subscribe returns are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-b.ctx.Done():
				return
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.receive(ctx, []byte(msg.Payload), h)
			}
		}
	}()

	return &redisSubscription{pubsub: pubsub}, nil
}

func (b *redisBus) Close() error {
	b.cancel()
	return nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
