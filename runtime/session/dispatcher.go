package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/loomwork/loom/runtime/blackboard"
	"github.com/loomwork/loom/runtime/bus"
	"github.com/loomwork/loom/runtime/event"
	"github.com/loomwork/loom/runtime/flow"
	"github.com/loomwork/loom/runtime/fsm"
	"github.com/loomwork/loom/runtime/guard"
	"github.com/loomwork/loom/runtime/node"
	"github.com/loomwork/loom/runtime/retry"
	"github.com/loomwork/loom/runtime/telemetry"
)

type (
	// ActionFunc is a per-state hook invoked after the session enters the
	// state through an atomic advance.
	ActionFunc func(ctx context.Context, sessionID, state string) error

	// DispatcherOptions configures a Dispatcher.
	DispatcherOptions struct {
		// Store is the tenant blackboard. Required.
		Store blackboard.Store
		// Bus is the tenant event bus. Required.
		Bus bus.Bus
		// Flow is the workflow the dispatcher drives. Required.
		Flow *flow.Flow
		// Nodes resolves node ids to executors. Required.
		Nodes *node.Registry
		// Retry decides retry vs dead-letter for failed nodes. Defaults to
		// the default policy.
		Retry *retry.Manager
		// MaxAdvanceRetries bounds re-reads after a lost CAS. Defaults to 3.
		MaxAdvanceRetries int
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to a no-op recorder.
		Metrics telemetry.Metrics
		// Tracer defaults to a no-op tracer.
		Tracer telemetry.Tracer
	}

	// Dispatcher runs the per-step loop for one flow: execute the node bound
	// to the current state, emit the outcome event, advance the FSM and
	// repeat until a wait state or terminal state is reached.
	Dispatcher struct {
		store      blackboard.Store
		eventBus   bus.Bus
		flowDef    *flow.Flow
		engine     *fsm.AtomicEngine
		nodes      *node.Registry
		guard      *guard.Guard
		retries    *retry.Manager
		maxAdvance int
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		tracer     telemetry.Tracer

		mu      sync.RWMutex
		actions map[string]ActionFunc
	}
)

// NewDispatcher builds a dispatcher for one flow.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if opts.Flow == nil {
		return nil, errors.New("flow is required")
	}
	if opts.Nodes == nil {
		return nil, errors.New("node registry is required")
	}
	def, err := opts.Flow.Definition()
	if err != nil {
		return nil, err
	}
	retries := opts.Retry
	if retries == nil {
		retries = retry.NewManager(retry.DefaultPolicy())
	}
	maxAdvance := opts.MaxAdvanceRetries
	if maxAdvance <= 0 {
		maxAdvance = 3
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Dispatcher{
		store:      opts.Store,
		eventBus:   opts.Bus,
		flowDef:    opts.Flow,
		engine:     fsm.NewAtomicEngine(def, opts.Store),
		nodes:      opts.Nodes,
		guard:      guard.New(opts.Store),
		retries:    retries,
		maxAdvance: maxAdvance,
		logger:     logger,
		metrics:    metrics,
		tracer:     tracer,
		actions:    make(map[string]ActionFunc),
	}, nil
}

// Handle registers a per-state action hook. Re-registering replaces the
// previous hook.
func (d *Dispatcher) Handle(state string, fn ActionFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions[state] = fn
}

// Run subscribes the dispatcher to the bus and drives HandleEvent for every
// event addressed to a session. Close the subscription to stop.
func (d *Dispatcher) Run(ctx context.Context) (*bus.Subscription, error) {
	return d.eventBus.Subscribe(ctx, func(ctx context.Context, ev event.Event) error {
		if ev.SessionID == "" {
			return nil
		}
		return d.HandleEvent(ctx, ev)
	})
}

// Dispatch runs the step for the session's current state: resolve the bound
// node, execute it under the idempotency guard and retry policy, persist its
// artifacts and emit the outcome event. States with no bound node are wait
// states; await-input states park the session in waiting_user.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string) error {
	aborted, err := d.store.IsAborted(ctx, sessionID)
	if err != nil {
		return err
	}
	if aborted {
		d.logger.Debug(ctx, "skipping dispatch of aborted session", "session_id", sessionID)
		return nil
	}
	state, err := d.engine.Current(ctx, sessionID)
	if err != nil {
		return err
	}
	nodeID, bound := d.flowDef.NodeFor(state)
	if !bound {
		if d.flowDef.AwaitsInput(state) {
			return d.setLifecycle(ctx, sessionID, LifecycleWaitingUser)
		}
		return nil
	}
	executor, ok := d.nodes.Resolve(nodeID)
	if !ok {
		return fmt.Errorf("state %q is bound to unregistered node %q", state, nodeID)
	}
	return d.executeNode(ctx, sessionID, nodeID, executor)
}

func (d *Dispatcher) executeNode(ctx context.Context, sessionID, nodeID string, executor node.Executor) (err error) {
	ctx, span := d.tracer.Start(ctx, "loom.dispatch.node")
	start := time.Now()
	defer func() {
		d.metrics.RecordTimer(telemetry.MetricNodeDuration, time.Since(start),
			"tenant", d.store.Tenant(), "node_id", nodeID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "node execution failed")
		}
		span.End()
	}()
	params, err := d.sessionParams(ctx, sessionID)
	if err != nil {
		return err
	}
	for {
		permitted, attempt, err := d.guard.ShouldRetry(ctx, sessionID, nodeID, d.retries.Policy().MaxAttempts)
		if err != nil {
			return err
		}
		if !permitted {
			return d.deadLetter(ctx, sessionID, nodeID, d.retries.Policy().MaxAttempts,
				errors.New("attempt budget exhausted"))
		}
		fresh, err := d.guard.BeforeExecute(ctx, sessionID, nodeID, attempt)
		if err != nil {
			return err
		}
		if !fresh {
			// A racing worker already ran this attempt; its recorded outcome
			// stands and its events drive the advance.
			d.logger.Debug(ctx, "attempt already executed",
				"session_id", sessionID, "node_id", nodeID, "attempt", attempt)
			return nil
		}
		res, execErr := executor.Execute(ctx, node.Execution{
			SessionID: sessionID,
			TenantID:  d.store.Tenant(),
			Attempt:   attempt,
			Params:    params,
			Store:     d.store,
		})
		if execErr != nil || res.Status == node.StatusError {
			if execErr == nil {
				execErr = errors.New(res.ErrorMessage)
			}
			if err := d.guard.AfterExecute(ctx, sessionID, nodeID, attempt, string(node.StatusError), nil); err != nil {
				return err
			}
			decision := d.retries.HandleNodeError(sessionID, nodeID, attempt, execErr)
			if decision.Kind == retry.DecisionDeadLetter {
				return d.deadLetter(ctx, sessionID, nodeID, attempt, execErr)
			}
			d.metrics.IncCounter(telemetry.MetricNodeRetries, 1, "tenant", d.store.Tenant())
			d.logger.Warn(ctx, "node failed, retrying",
				"session_id", sessionID, "node_id", nodeID,
				"attempt", attempt, "delay", decision.Delay.String(), "err", execErr.Error())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(decision.Delay):
			}
			continue
		}
		if err := d.guard.AfterExecute(ctx, sessionID, nodeID, attempt, string(res.Status), res.Output); err != nil {
			return err
		}
		for artifactID, data := range res.Artifacts {
			if err := d.store.PushArtifact(ctx, sessionID, artifactID, data); err != nil {
				return fmt.Errorf("persist artifact %q: %w", artifactID, err)
			}
		}
		return d.emitOutcome(ctx, sessionID, nodeID, res)
	}
}

// emitOutcome announces the node result. NextEvents overrides the
// status-derived default when the node wants to steer the flow itself.
func (d *Dispatcher) emitOutcome(ctx context.Context, sessionID, nodeID string, res node.Result) error {
	types := res.NextEvents
	if len(types) == 0 {
		switch res.Status {
		case node.StatusNeedUserInput:
			types = []string{event.TypeNeedUserInput}
		default:
			types = []string{event.TypeStepDone}
		}
	}
	for _, typ := range types {
		if err := d.announce(ctx, typ, sessionID, nodeID, res.Output); err != nil {
			return err
		}
	}
	return nil
}

// deadLetter records the exhausted step, flips the session to error and
// announces EVENT_ERROR so flows with an error edge can still advance.
func (d *Dispatcher) deadLetter(ctx context.Context, sessionID, nodeID string, attempt int, cause error) error {
	if err := d.guard.AfterExecute(ctx, sessionID, nodeID, attempt, guard.StatusDeadLetter, nil); err != nil {
		return err
	}
	if err := d.setLifecycle(ctx, sessionID, LifecycleError); err != nil {
		return err
	}
	d.metrics.IncCounter(telemetry.MetricDeadLetters, 1, "tenant", d.store.Tenant())
	execErr := &NodeExecutionError{SessionID: sessionID, NodeID: nodeID, Attempt: attempt, Err: cause}
	d.logger.Error(ctx, "node dead-lettered",
		"session_id", sessionID, "node_id", nodeID, "attempt", attempt, "err", cause.Error())
	if err := d.announce(ctx, event.TypeError, sessionID, nodeID, nil); err != nil {
		return err
	}
	return execErr
}

// HandleEvent reacts to one bus event: SESSION_START dispatches the first
// step, transition events advance the FSM atomically and dispatch whatever
// the new state requires. Aborted sessions are never advanced.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev event.Event) error {
	switch ev.Type {
	case event.TypeAbort, event.TypeSessionEnd:
		return nil
	}
	aborted, err := d.store.IsAborted(ctx, ev.SessionID)
	if err != nil {
		return err
	}
	if aborted {
		d.logger.Debug(ctx, "ignoring event for aborted session",
			"session_id", ev.SessionID, "event_type", ev.Type)
		return nil
	}
	if ev.Type == event.TypeSessionStart {
		return d.Dispatch(ctx, ev.SessionID)
	}
	next, err := d.advance(ctx, ev)
	if err != nil {
		if errors.Is(err, fsm.ErrInvalidTransition) {
			// The event does not apply to the current state. Redelivered or
			// superseded events land here; parking on NEED_USER_INPUT still
			// has to happen.
			if ev.Type == event.TypeNeedUserInput {
				return d.setLifecycle(ctx, ev.SessionID, LifecycleWaitingUser)
			}
			d.logger.Debug(ctx, "event does not advance session",
				"session_id", ev.SessionID, "event_type", ev.Type)
			return nil
		}
		return err
	}
	return d.entered(ctx, ev.SessionID, next)
}

// advance drives the atomic engine with a bounded re-read loop: a lost CAS
// means another worker advanced first, so re-reading may find the event no
// longer applies.
func (d *Dispatcher) advance(ctx context.Context, ev event.Event) (string, error) {
	var lastErr error
	for i := 0; i < d.maxAdvance; i++ {
		next, err := d.engine.Advance(ctx, ev.SessionID, ev.Type)
		if err == nil {
			return next, nil
		}
		var conflict *blackboard.ConflictError
		if !errors.As(err, &conflict) {
			return "", err
		}
		d.metrics.IncCounter(telemetry.MetricCASConflicts, 1, "tenant", d.store.Tenant())
		lastErr = err
	}
	return "", fmt.Errorf("session %s: advance on %s kept losing the race: %w",
		ev.SessionID, ev.Type, lastErr)
}

// entered runs the post-advance sequence for the newly entered state: the
// registered action hook, the lifecycle update, and the next dispatch when
// the state neither waits nor terminates.
func (d *Dispatcher) entered(ctx context.Context, sessionID, state string) error {
	d.mu.RLock()
	action := d.actions[state]
	d.mu.RUnlock()
	if action != nil {
		if err := action(ctx, sessionID, state); err != nil {
			d.logger.Error(ctx, "state action failed",
				"session_id", sessionID, "state", state, "err", err.Error())
		}
	}
	switch {
	case d.engine.Definition().Terminal(state):
		if err := d.setLifecycle(ctx, sessionID, LifecycleCompleted); err != nil {
			return err
		}
		return d.announce(ctx, event.TypeSessionEnd, sessionID, "dispatcher", nil)
	case d.flowDef.AwaitsInput(state):
		return d.setLifecycle(ctx, sessionID, LifecycleWaitingUser)
	default:
		if err := d.setLifecycle(ctx, sessionID, LifecycleRunning); err != nil {
			return err
		}
		return d.Dispatch(ctx, sessionID)
	}
}

func (d *Dispatcher) setLifecycle(ctx context.Context, sessionID, lifecycle string) error {
	return d.store.SetState(ctx, sessionID, blackboard.FieldLifecycle, blackboard.String(lifecycle))
}

func (d *Dispatcher) sessionParams(ctx context.Context, sessionID string) (json.RawMessage, error) {
	v, ok, err := d.store.GetState(ctx, sessionID, blackboard.FieldParams)
	if err != nil || !ok {
		return nil, err
	}
	return v.AsJSON()
}

func (d *Dispatcher) announce(ctx context.Context, typ, sessionID, source string, payload json.RawMessage) error {
	opts := []event.Option{event.WithSession(sessionID)}
	if len(payload) > 0 {
		opts = append(opts, event.WithPayload(payload))
	}
	ev, err := event.New(typ, source, d.store.Tenant(), opts...)
	if err != nil {
		return err
	}
	if _, err := d.eventBus.PushToStream(ctx, ev); err != nil {
		return err
	}
	if _, err := d.eventBus.Publish(ctx, ev); err != nil {
		return err
	}
	d.metrics.IncCounter(telemetry.MetricEventsPublished, 1,
		"tenant", d.store.Tenant(), "type", typ)
	return nil
}
