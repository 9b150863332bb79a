package pulse

import (
	"context"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/loomwork/loom/features/stream/pulse/clients/pulse"
	"github.com/loomwork/loom/runtime/event"
)

type (
	// Decoder converts raw Pulse payloads back into events.
	Decoder func([]byte) (event.Event, error)

	// SubscriberOptions configures a Subscriber.
	SubscriberOptions struct {
		// Client consumes Pulse streams. Required.
		Client clientspulse.Client
		// SinkName identifies the consumer group. Defaults to
		// "loom_subscriber".
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes payloads. Defaults to the event wire codec.
		Decoder Decoder
	}

	// Subscriber tails a session stream and emits decoded events.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
		decode Decoder
	}
)

// NewSubscriber builds a Subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "loom_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decode := opts.Decoder
	if decode == nil {
		decode = decodePayload
	}
	return &Subscriber{
		client: opts.Client,
		buffer: buffer,
		name:   name,
		decode: decode,
	}, nil
}

// Subscribe opens a sink on the stream and returns channels for events and
// errors plus a cancel function that stops consumption and closes both
// channels.
func (s *Subscriber) Subscribe(
	ctx context.Context,
	streamID string,
	opts ...streamopts.Sink,
) (<-chan event.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan event.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

// consume reads from the sink, decodes and acks each event. A decode or ack
// failure is reported on errs and ends consumption.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- event.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := s.decode(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}

func decodePayload(payload []byte) (event.Event, error) {
	return event.Unmarshal(payload)
}
