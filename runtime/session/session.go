// Package session implements session lifecycle management and the per-step
// dispatch loop. The Manager creates, inherits and terminates sessions; the
// Dispatcher executes the node bound to the session's current state and
// drives the atomic FSM advance off the resulting events.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/loomwork/loom/runtime/blackboard"
	"github.com/loomwork/loom/runtime/bus"
	"github.com/loomwork/loom/runtime/event"
	"github.com/loomwork/loom/runtime/flow"
	"github.com/loomwork/loom/runtime/telemetry"
)

type (
	// ManagerOptions configures a Manager.
	ManagerOptions struct {
		// Store is the tenant blackboard. Required.
		Store blackboard.Store
		// Bus is the tenant event bus. Required.
		Bus bus.Bus
		// Registry records the tenant for background processes. Optional.
		Registry *TenantRegistry
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to a no-op recorder.
		Metrics telemetry.Metrics
	}

	// Manager owns session creation and termination for one tenant.
	Manager struct {
		store    blackboard.Store
		bus      bus.Bus
		registry *TenantRegistry
		logger   telemetry.Logger
		metrics  telemetry.Metrics
	}

	// NodeExecutionError reports an opaque failure from an execution unit.
	NodeExecutionError struct {
		// SessionID is the session the node ran in.
		SessionID string
		// NodeID is the failed node.
		NodeID string
		// Attempt is the attempt that failed.
		Attempt int
		// Err is the underlying failure.
		Err error
	}
)

// Session lifecycle values.
const (
	LifecycleRunning     = "running"
	LifecycleWaitingUser = "waiting_user"
	LifecycleCompleted   = "completed"
	LifecycleError       = "error"
)

// ErrSessionNotFound indicates the session has no lifecycle record in the
// cache. The caller may attempt a cold-store restore and retry.
var ErrSessionNotFound = errors.New("session not found")

// NewManager builds a Manager. When a registry is configured the tenant is
// registered immediately.
func NewManager(ctx context.Context, opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if opts.Store.Tenant() != opts.Bus.Tenant() {
		return nil, fmt.Errorf("store tenant %q does not match bus tenant %q",
			opts.Store.Tenant(), opts.Bus.Tenant())
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	m := &Manager{
		store:    opts.Store,
		bus:      opts.Bus,
		registry: opts.Registry,
		logger:   logger,
		metrics:  metrics,
	}
	if m.registry != nil {
		if err := m.registry.Register(ctx, m.store.Tenant()); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Tenant returns the tenant the manager is bound to.
func (m *Manager) Tenant() string { return m.store.Tenant() }

// StartFlow creates a session for the flow: records flow id, params and
// lifecycle, then announces SESSION_START on the channel and the durable
// stream. It does not run the first step; the dispatcher reacts to the
// announcement.
func (m *Manager) StartFlow(ctx context.Context, f *flow.Flow, params json.RawMessage) (string, error) {
	if f == nil {
		return "", errors.New("flow is required")
	}
	if err := f.Validate(); err != nil {
		return "", err
	}
	sessionID := uuid.NewString()
	if err := m.initSession(ctx, sessionID, f.ID, params); err != nil {
		return "", err
	}
	if err := m.announce(ctx, event.TypeSessionStart, sessionID, nil); err != nil {
		return "", err
	}
	m.metrics.IncCounter(telemetry.MetricSessionsStarted, 1, "tenant", m.Tenant())
	m.logger.Info(ctx, "session started",
		"tenant", m.Tenant(), "session_id", sessionID, "flow_id", f.ID)
	return sessionID, nil
}

// StartSingleNode creates a minimal implicit session around one-shot work:
// the node still gets uniform state tracking and TTL survivability.
func (m *Manager) StartSingleNode(ctx context.Context, nodeID string, params json.RawMessage) (string, error) {
	if nodeID == "" {
		return "", errors.New("node id is required")
	}
	return m.StartFlow(ctx, flow.ImplicitFlow(nodeID), params)
}

// Inherit starts a new flow session that carries over the artifact set of a
// prior session. Only artifact ids are copied; raw key/value state stays
// with the old session.
func (m *Manager) Inherit(ctx context.Context, f *flow.Flow, fromSession string) (string, error) {
	artifactIDs, err := m.store.ListSessionArtifacts(ctx, fromSession)
	if err != nil {
		return "", fmt.Errorf("inherit from %s: %w", fromSession, err)
	}
	sessionID, err := m.StartFlow(ctx, f, nil)
	if err != nil {
		return "", err
	}
	if len(artifactIDs) > 0 {
		if err := m.store.AddArtifactRefs(ctx, sessionID, artifactIDs...); err != nil {
			return "", fmt.Errorf("inherit from %s: %w", fromSession, err)
		}
	}
	return sessionID, nil
}

// Terminate announces SESSION_END and permanently deletes the session from
// the cache. Shared artifact blobs survive for sessions that inherited them.
func (m *Manager) Terminate(ctx context.Context, sessionID string) error {
	if err := m.announce(ctx, event.TypeSessionEnd, sessionID, nil); err != nil {
		return err
	}
	if err := m.store.ClearSession(ctx, sessionID); err != nil {
		return fmt.Errorf("terminate session %s: %w", sessionID, err)
	}
	m.logger.Info(ctx, "session terminated", "tenant", m.Tenant(), "session_id", sessionID)
	return nil
}

// Lifecycle returns the session's lifecycle value.
func (m *Manager) Lifecycle(ctx context.Context, sessionID string) (string, error) {
	v, ok, err := m.store.GetState(ctx, sessionID, blackboard.FieldLifecycle)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	lifecycle, err := v.AsString()
	if err != nil {
		return "", err
	}
	return lifecycle, nil
}

func (m *Manager) initSession(ctx context.Context, sessionID, flowID string, params json.RawMessage) error {
	if err := m.store.SetState(ctx, sessionID, blackboard.FieldFlowID, blackboard.String(flowID)); err != nil {
		return err
	}
	if len(params) > 0 {
		if err := m.store.SetState(ctx, sessionID, blackboard.FieldParams, blackboard.JSON(params)); err != nil {
			return err
		}
	}
	return m.store.SetState(ctx, sessionID, blackboard.FieldLifecycle, blackboard.String(LifecycleRunning))
}

// announce publishes the event and appends it to the durable stream. A
// missing subscriber only loses the live delivery; the stream keeps the
// record.
func (m *Manager) announce(ctx context.Context, typ, sessionID string, payload json.RawMessage) error {
	opts := []event.Option{event.WithSession(sessionID)}
	if len(payload) > 0 {
		opts = append(opts, event.WithPayload(payload))
	}
	ev, err := event.New(typ, "session-manager", m.Tenant(), opts...)
	if err != nil {
		return err
	}
	if _, err := m.bus.PushToStream(ctx, ev); err != nil {
		return err
	}
	if _, err := m.bus.Publish(ctx, ev); err != nil {
		return err
	}
	return nil
}

// Error returns the failure description.
func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %q failed in session %s (attempt %d): %v",
		e.NodeID, e.SessionID, e.Attempt, e.Err)
}

// Unwrap exposes the underlying failure.
func (e *NodeExecutionError) Unwrap() error { return e.Err }
