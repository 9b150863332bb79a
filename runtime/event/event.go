// Package event defines the canonical envelope for every message carried by
// the orchestration bus and the durable event stream.
//
// Events are immutable after construction: build them with New, never mutate
// the returned value. The JSON encoding produced by Marshal is the wire
// format shared by the pub/sub channel, the durable stream and external
// consumers.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type (
	// Event is the canonical message envelope. Every field is fixed at
	// construction time; Payload is treated as opaque JSON.
	Event struct {
		// ID is the globally unique event identifier.
		ID string `json:"id"`
		// Type is the upper-case event type (e.g. "STEP_DONE").
		Type string `json:"type"`
		// Source names the component that produced the event.
		Source string `json:"source"`
		// Target names the intended consumer; TargetBroadcast addresses all.
		Target string `json:"target"`
		// Tick is the logical clock value assigned by the producer.
		Tick int64 `json:"tick"`
		// Payload carries the event-specific data, if any.
		Payload json.RawMessage `json:"payload,omitempty"`
		// CreatedAt records when the event was built (UTC).
		CreatedAt time.Time `json:"created_at"`
		// TenantID scopes the event to one tenant.
		TenantID string `json:"tenant_id"`
		// SessionID links the event to a session, when applicable.
		SessionID string `json:"session_id,omitempty"`
		// TraceID propagates an optional distributed-tracing identifier.
		TraceID string `json:"trace_id,omitempty"`
		// Priority orders competing events; 0 is lowest, 10 highest.
		Priority int `json:"priority"`
	}

	// Option customizes an event at construction time.
	Option func(*Event)
)

// Well-known event types emitted by the orchestration core. Node
// implementations and external collaborators may define additional types as
// long as they are upper-case.
const (
	TypeSessionStart  = "SESSION_START"
	TypeSessionEnd    = "SESSION_END"
	TypeStepDone      = "STEP_DONE"
	TypeNeedUserInput = "NEED_USER_INPUT"
	TypeUserConfirm   = "USER_CONFIRM"
	TypeError         = "EVENT_ERROR"
	TypeAbort         = "ABORT"
)

// TargetBroadcast addresses an event to every subscriber on the tenant
// channel.
const TargetBroadcast = "*"

var (
	// ErrInvalidType indicates the event type is empty or not upper-case.
	ErrInvalidType = errors.New("event type must be non-empty and upper-case")
	// ErrInvalidPriority indicates the priority is outside [0, 10].
	ErrInvalidPriority = errors.New("event priority must be between 0 and 10")
	// ErrMissingTenant indicates the event carries no tenant identity.
	ErrMissingTenant = errors.New("event tenant id is required")
)

// New builds a validated event. ID and CreatedAt are assigned here; Target
// defaults to TargetBroadcast.
func New(typ, source, tenantID string, opts ...Option) (Event, error) {
	evt := Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Source:    source,
		Target:    TargetBroadcast,
		CreatedAt: time.Now().UTC(),
		TenantID:  tenantID,
	}
	for _, opt := range opts {
		opt(&evt)
	}
	if err := evt.validate(); err != nil {
		return Event{}, err
	}
	return evt, nil
}

// WithSession associates the event with a session.
func WithSession(sessionID string) Option {
	return func(e *Event) { e.SessionID = sessionID }
}

// WithTarget overrides the broadcast target.
func WithTarget(target string) Option {
	return func(e *Event) { e.Target = target }
}

// WithPayload attaches an opaque JSON payload.
func WithPayload(payload json.RawMessage) Option {
	return func(e *Event) { e.Payload = payload }
}

// WithTick sets the producer's logical clock value.
func WithTick(tick int64) Option {
	return func(e *Event) { e.Tick = tick }
}

// WithPriority sets the event priority (0-10).
func WithPriority(priority int) Option {
	return func(e *Event) { e.Priority = priority }
}

// WithTrace propagates a trace identifier.
func WithTrace(traceID string) Option {
	return func(e *Event) { e.TraceID = traceID }
}

func (e Event) validate() error {
	if e.Type == "" || e.Type != strings.ToUpper(e.Type) {
		return fmt.Errorf("%w: %q", ErrInvalidType, e.Type)
	}
	if e.Priority < 0 || e.Priority > 10 {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, e.Priority)
	}
	if e.TenantID == "" {
		return ErrMissingTenant
	}
	return nil
}

// Marshal serializes the event into its wire format.
func Marshal(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes an event from its wire format and re-validates it, so a
// malformed or tampered envelope is rejected at the boundary rather than
// deep inside a handler.
func Unmarshal(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := evt.validate(); err != nil {
		return Event{}, err
	}
	return evt, nil
}
