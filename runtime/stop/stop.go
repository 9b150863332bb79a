// Package stop implements hard session abort: a cooperative, irreversible
// termination signal. Abort writes a fast-lookup marker, mirrors the signal
// into session state, flips the lifecycle to error and announces the abort on
// the bus. Running node code polls the marker and self-terminates.
package stop

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loomwork/loom/runtime/blackboard"
	"github.com/loomwork/loom/runtime/event"
	"github.com/loomwork/loom/runtime/telemetry"
)

type (
	// Publisher is the slice of the event bus the stopper needs.
	Publisher interface {
		Publish(ctx context.Context, ev event.Event) (int, error)
	}

	// Options configures a Stopper.
	Options struct {
		// Store is the tenant blackboard. Required.
		Store blackboard.Store
		// Bus publishes the ABORT announcement. Optional: without it the
		// abort still lands in the store, it just is not broadcast.
		Bus Publisher
		// Logger reports publish failures. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Stopper aborts sessions.
	Stopper struct {
		store  blackboard.Store
		bus    Publisher
		logger telemetry.Logger
	}
)

// New builds a Stopper.
func New(opts Options) (*Stopper, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Stopper{store: opts.Store, bus: opts.Bus, logger: logger}, nil
}

// Abort signals the session to stop. The marker is written first: it is the
// authority IsAborted checks, so once Abort returns nil the session reads as
// aborted even if a later write in the sequence failed and will be repaired
// by a retry. Abort is idempotent.
func (s *Stopper) Abort(ctx context.Context, sessionID, reason string) error {
	if err := s.store.SetAbort(ctx, sessionID, reason); err != nil {
		return fmt.Errorf("abort session %s: %w", sessionID, err)
	}
	if err := s.store.SetState(ctx, sessionID, blackboard.FieldAborted, blackboard.Bool(true)); err != nil {
		return fmt.Errorf("abort session %s: %w", sessionID, err)
	}
	if err := s.store.SetState(ctx, sessionID, blackboard.FieldAbortReason, blackboard.String(reason)); err != nil {
		return fmt.Errorf("abort session %s: %w", sessionID, err)
	}
	if err := s.store.SetState(ctx, sessionID, blackboard.FieldLifecycle, blackboard.String("error")); err != nil {
		return fmt.Errorf("abort session %s: %w", sessionID, err)
	}
	if s.bus == nil {
		return nil
	}
	payload, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return fmt.Errorf("abort session %s: %w", sessionID, err)
	}
	ev, err := event.New(event.TypeAbort, "stopper", s.store.Tenant(),
		event.WithSession(sessionID),
		event.WithPayload(payload),
	)
	if err != nil {
		return fmt.Errorf("abort session %s: %w", sessionID, err)
	}
	if _, err := s.bus.Publish(ctx, ev); err != nil {
		// The abort already took effect through the marker. A lost
		// announcement only delays cooperative observers until their next
		// marker poll.
		s.logger.Warn(ctx, "abort announcement failed",
			"session_id", sessionID, "err", err.Error())
	}
	return nil
}

// IsAborted checks the fast-lookup marker only. It never reads session
// state, so hot-path node code can poll it cheaply.
func (s *Stopper) IsAborted(ctx context.Context, sessionID string) (bool, error) {
	return s.store.IsAborted(ctx, sessionID)
}

// AbortReason returns the recorded reason, if the session was aborted.
func (s *Stopper) AbortReason(ctx context.Context, sessionID string) (string, bool, error) {
	return s.store.AbortReason(ctx, sessionID)
}
