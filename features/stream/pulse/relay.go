// Package pulse mirrors bus events into per-session Pulse streams so
// external consumers (SSE fan-out, audit tails) can follow a session without
// joining the tenant pub/sub channel.
package pulse

import (
	"context"
	"errors"
	"fmt"

	clientspulse "github.com/loomwork/loom/features/stream/pulse/clients/pulse"
	"github.com/loomwork/loom/runtime/bus"
	"github.com/loomwork/loom/runtime/event"
	"github.com/loomwork/loom/runtime/telemetry"
)

type (
	// RelayOptions configures a Relay.
	RelayOptions struct {
		// Bus is the tenant bus to mirror. Required.
		Bus bus.Bus
		// Client publishes to Pulse streams. Required.
		Client clientspulse.Client
		// StreamID derives the target stream from an event. Defaults to
		// "loom:<tenant>:session:<session id>".
		StreamID func(ev event.Event) (string, error)
		// Types filters the mirrored event types. Empty mirrors everything.
		Types []string
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Relay subscribes to the bus and forwards each event to its session
	// stream.
	Relay struct {
		bus      bus.Bus
		client   clientspulse.Client
		streamID func(ev event.Event) (string, error)
		types    []string
		logger   telemetry.Logger
	}
)

// NewRelay builds a Relay.
func NewRelay(opts RelayOptions) (*Relay, error) {
	if opts.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Relay{
		bus:      opts.Bus,
		client:   opts.Client,
		streamID: streamID,
		types:    opts.Types,
		logger:   logger,
	}, nil
}

// Run mirrors bus events until the subscription is closed. The returned
// subscription belongs to the caller.
func (r *Relay) Run(ctx context.Context) (*bus.Subscription, error) {
	return r.bus.Subscribe(ctx, r.Forward, r.types...)
}

// Forward publishes one event to its session stream. Events without a
// session are skipped: there is no stream to address them to.
func (r *Relay) Forward(ctx context.Context, ev event.Event) error {
	if ev.SessionID == "" {
		r.logger.Debug(ctx, "relay skipping sessionless event", "type", ev.Type)
		return nil
	}
	name, err := r.streamID(ev)
	if err != nil {
		return err
	}
	handle, err := r.client.Stream(name)
	if err != nil {
		return err
	}
	payload, err := event.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, ev.Type, payload); err != nil {
		return fmt.Errorf("relay %s to %s: %w", ev.Type, name, err)
	}
	return nil
}

func defaultStreamID(ev event.Event) (string, error) {
	if ev.TenantID == "" {
		return "", errors.New("event missing tenant id")
	}
	return fmt.Sprintf("loom:%s:session:%s", ev.TenantID, ev.SessionID), nil
}
