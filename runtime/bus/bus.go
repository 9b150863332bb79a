// Package bus implements the tenant-scoped event bus: a best-effort pub/sub
// channel for live delivery plus a durable, strictly-ordered stream for
// replay. The two are independent: publishing does not append to the stream
// and appending does not deliver to subscribers.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loomwork/loom/runtime/event"
	"github.com/loomwork/loom/runtime/namespace"
	"github.com/loomwork/loom/runtime/telemetry"
)

type (
	// Handler consumes one delivered event. Handlers run on the
	// subscription's goroutine; a returned error is logged and delivery
	// continues.
	Handler func(ctx context.Context, ev event.Event) error

	// Bus is the tenant-scoped event transport.
	Bus interface {
		// Tenant returns the tenant the bus is bound to.
		Tenant() string
		// Publish delivers the event to all current subscribers on the
		// tenant channel and returns the receiver count. No subscriber means
		// the event is dropped. Publishing an event of a different tenant
		// fails with ErrTenantMismatch.
		Publish(ctx context.Context, ev event.Event) (int, error)
		// Subscribe registers an asynchronous handler for events on the
		// tenant channel. With type filters, only matching events are
		// delivered. Close the subscription to stop delivery.
		Subscribe(ctx context.Context, handler Handler, types ...string) (*Subscription, error)
		// PushToStream appends the event to the durable per-tenant log and
		// returns its cursor.
		PushToStream(ctx context.Context, ev event.Event) (string, error)
		// ReadStream replays events strictly after the given cursor, oldest
		// first, up to count. An empty cursor reads from the beginning. The
		// returned cursor resumes the scan.
		ReadStream(ctx context.Context, after string, count int64) ([]event.Event, string, error)
		// StreamLen returns the durable stream's length.
		StreamLen(ctx context.Context) (int64, error)
	}

	// Options configures the Redis bus.
	Options struct {
		// Client is the Redis connection. Required.
		Client *goredis.Client
		// Tenant scopes the channel and stream. Required.
		Tenant string
		// Logger reports handler failures. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// RedisBus is the Redis implementation of Bus.
	RedisBus struct {
		rdb    *goredis.Client
		tenant string
		logger telemetry.Logger
	}

	// Subscription is a handle to one active subscriber.
	Subscription struct {
		pubsub *goredis.PubSub
		done   chan struct{}
		once   sync.Once
	}
)

// ErrTenantMismatch is returned when an event's tenant differs from the
// bus's bound tenant. Always a bug in the caller, never retried.
var ErrTenantMismatch = errors.New("event tenant does not match bus tenant")

// streamField is the stream entry field holding the serialized event.
const streamField = "event"

// New builds a Redis bus bound to one tenant.
func New(opts Options) (*RedisBus, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Tenant == "" {
		return nil, errors.New("tenant is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &RedisBus{rdb: opts.Client, tenant: opts.Tenant, logger: logger}, nil
}

var _ Bus = (*RedisBus)(nil)

// Tenant returns the bound tenant.
func (b *RedisBus) Tenant() string { return b.tenant }

// Publish delivers the event over the tenant channel.
func (b *RedisBus) Publish(ctx context.Context, ev event.Event) (int, error) {
	if ev.TenantID != b.tenant {
		return 0, fmt.Errorf("%w: event %q carries %q, bus is bound to %q",
			ErrTenantMismatch, ev.ID, ev.TenantID, b.tenant)
	}
	payload, err := event.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("publish: %w", err)
	}
	n, err := b.rdb.Publish(ctx, namespace.EventsChannel(b.tenant), payload).Result()
	if err != nil {
		return 0, fmt.Errorf("publish: %w", err)
	}
	return int(n), nil
}

// Subscribe starts a goroutine that decodes and dispatches channel messages
// to the handler until the subscription is closed.
func (b *RedisBus) Subscribe(ctx context.Context, handler Handler, types ...string) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	pubsub := b.rdb.Subscribe(ctx, namespace.EventsChannel(b.tenant))
	// Force the SUBSCRIBE round trip so delivery is live when we return.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	filter := make(map[string]struct{}, len(types))
	for _, t := range types {
		filter[t] = struct{}{}
	}
	sub := &Subscription{pubsub: pubsub, done: make(chan struct{})}
	go b.dispatch(ctx, pubsub.Channel(), sub.done, handler, filter)
	return sub, nil
}

func (b *RedisBus) dispatch(ctx context.Context, ch <-chan *goredis.Message, done <-chan struct{}, handler Handler, filter map[string]struct{}) {
	for {
		select {
		case <-done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ev, err := event.Unmarshal([]byte(msg.Payload))
			if err != nil {
				b.logger.Warn(ctx, "dropping undecodable event",
					"tenant", b.tenant, "err", err.Error())
				continue
			}
			if len(filter) > 0 {
				if _, want := filter[ev.Type]; !want {
					continue
				}
			}
			if err := handler(ctx, ev); err != nil {
				b.logger.Error(ctx, "event handler failed",
					"tenant", b.tenant, "event_id", ev.ID,
					"event_type", ev.Type, "err", err.Error())
			}
		}
	}
}

// PushToStream appends the event to the durable log.
func (b *RedisBus) PushToStream(ctx context.Context, ev event.Event) (string, error) {
	if ev.TenantID != b.tenant {
		return "", fmt.Errorf("%w: event %q carries %q, bus is bound to %q",
			ErrTenantMismatch, ev.ID, ev.TenantID, b.tenant)
	}
	payload, err := event.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("push to stream: %w", err)
	}
	cursor, err := b.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: namespace.EventsStream(b.tenant),
		Values: map[string]interface{}{streamField: string(payload)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("push to stream: %w", err)
	}
	return cursor, nil
}

// ReadStream replays events strictly after the cursor.
func (b *RedisBus) ReadStream(ctx context.Context, after string, count int64) ([]event.Event, string, error) {
	if count <= 0 {
		count = 100
	}
	start := "-"
	if after != "" {
		next, err := cursorAfter(after)
		if err != nil {
			return nil, "", err
		}
		start = next
	}
	entries, err := b.rdb.XRangeN(ctx, namespace.EventsStream(b.tenant), start, "+", count).Result()
	if err != nil {
		return nil, "", fmt.Errorf("read stream: %w", err)
	}
	events := make([]event.Event, 0, len(entries))
	cursor := after
	for _, entry := range entries {
		raw, ok := entry.Values[streamField].(string)
		if !ok {
			return nil, "", fmt.Errorf("read stream: entry %s has no event field", entry.ID)
		}
		ev, err := event.Unmarshal([]byte(raw))
		if err != nil {
			return nil, "", fmt.Errorf("read stream: entry %s: %w", entry.ID, err)
		}
		events = append(events, ev)
		cursor = entry.ID
	}
	return events, cursor, nil
}

// StreamLen returns the durable stream's length.
func (b *RedisBus) StreamLen(ctx context.Context) (int64, error) {
	n, err := b.rdb.XLen(ctx, namespace.EventsStream(b.tenant)).Result()
	if err != nil {
		return 0, fmt.Errorf("stream length: %w", err)
	}
	return n, nil
}

// Close stops delivery and releases the underlying connection. Idempotent.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

// cursorAfter converts an inclusive stream id into the exclusive start of the
// next read by bumping its sequence number.
func cursorAfter(id string) (string, error) {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return "", fmt.Errorf("malformed stream cursor %q", id)
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return "", fmt.Errorf("malformed stream cursor %q: %w", id, err)
	}
	return fmt.Sprintf("%s-%d", ms, n+1), nil
}
