package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomwork/loom/runtime/blackboard"
	"github.com/loomwork/loom/runtime/bus"
	"github.com/loomwork/loom/runtime/event"
	"github.com/loomwork/loom/runtime/node"
	"github.com/loomwork/loom/runtime/retry"
	"github.com/loomwork/loom/runtime/telemetry"
)

func echoNode() node.ExecutorFunc {
	return func(_ context.Context, exec node.Execution) (node.Result, error) {
		return node.Result{Status: node.StatusSuccess, Output: exec.Params}, nil
	}
}

func newDispatcher(t *testing.T, store blackboard.Store, b bus.Bus, nodes *node.Registry) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(DispatcherOptions{
		Store: store,
		Bus:   b,
		Flow:  supportFlow(t),
		Nodes: nodes,
		Retry: retry.NewManager(retry.Policy{
			MaxAttempts: 3,
			BaseBackoff: time.Millisecond,
			Multiplier:  2,
			Cap:         10 * time.Millisecond,
		}),
	})
	require.NoError(t, err)
	return d
}

func TestFlowScenarioStartEchoedEnd(t *testing.T) {
	store, b := newRuntime(t)
	ctx := context.Background()

	nodes := node.NewRegistry()
	require.NoError(t, nodes.Register("echo", echoNode()))
	d := newDispatcher(t, store, b, nodes)

	sub, err := d.Run(ctx)
	require.NoError(t, err)
	defer sub.Close()

	m, err := NewManager(ctx, ManagerOptions{Store: store, Bus: b})
	require.NoError(t, err)

	sessionID, err := m.StartFlow(ctx, supportFlow(t), json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)

	// The node runs, STEP_DONE advances start->echoed, and the await-input
	// state parks the session.
	require.Eventually(t, func() bool {
		lifecycle, err := m.Lifecycle(ctx, sessionID)
		return err == nil && lifecycle == LifecycleWaitingUser
	}, 3*time.Second, 10*time.Millisecond)

	v, ok, err := store.GetState(ctx, sessionID, blackboard.FieldCurrentState)
	require.NoError(t, err)
	require.True(t, ok)
	state, err := v.AsString()
	require.NoError(t, err)
	require.Equal(t, "echoed", state)

	// User confirmation advances echoed->end and completes the session.
	confirm, err := event.New(event.TypeUserConfirm, "user", "acme", event.WithSession(sessionID))
	require.NoError(t, err)
	_, err = b.Publish(ctx, confirm)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		lifecycle, err := m.Lifecycle(ctx, sessionID)
		return err == nil && lifecycle == LifecycleCompleted
	}, 3*time.Second, 10*time.Millisecond)

	v, _, err = store.GetState(ctx, sessionID, blackboard.FieldCurrentState)
	require.NoError(t, err)
	state, err = v.AsString()
	require.NoError(t, err)
	require.Equal(t, "end", state)
}

func TestDispatchPersistsArtifacts(t *testing.T) {
	store, b := newRuntime(t)
	ctx := context.Background()

	nodes := node.NewRegistry()
	require.NoError(t, nodes.Register("echo", node.ExecutorFunc(
		func(_ context.Context, exec node.Execution) (node.Result, error) {
			return node.Result{
				Status:    node.StatusSuccess,
				Artifacts: map[string]json.RawMessage{"report": json.RawMessage(`{"pages":3}`)},
			}, nil
		})))
	d := newDispatcher(t, store, b, nodes)

	m, err := NewManager(ctx, ManagerOptions{Store: store, Bus: b})
	require.NoError(t, err)
	sessionID, err := m.StartFlow(ctx, supportFlow(t), nil)
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(ctx, sessionID))

	data, ok, err := store.GetArtifact(ctx, "report")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"pages":3}`, string(data))

	ids, err := store.ListSessionArtifacts(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, []string{"report"}, ids)
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	store, b := newRuntime(t)
	ctx := context.Background()

	var calls atomic.Int32
	nodes := node.NewRegistry()
	require.NoError(t, nodes.Register("echo", node.ExecutorFunc(
		func(_ context.Context, _ node.Execution) (node.Result, error) {
			if calls.Add(1) < 3 {
				return node.Result{}, errors.New("transient")
			}
			return node.Result{Status: node.StatusSuccess}, nil
		})))
	d := newDispatcher(t, store, b, nodes)

	m, err := NewManager(ctx, ManagerOptions{Store: store, Bus: b})
	require.NoError(t, err)
	sessionID, err := m.StartFlow(ctx, supportFlow(t), nil)
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(ctx, sessionID))
	require.Equal(t, int32(3), calls.Load())

	// Both failed attempts and the success are in the ledger.
	steps, err := store.Steps(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
}

func TestDispatchDeadLettersAfterBudget(t *testing.T) {
	store, b := newRuntime(t)
	ctx := context.Background()

	nodes := node.NewRegistry()
	require.NoError(t, nodes.Register("echo", node.ExecutorFunc(
		func(_ context.Context, _ node.Execution) (node.Result, error) {
			return node.Result{}, errors.New("permanently broken")
		})))
	d := newDispatcher(t, store, b, nodes)

	m, err := NewManager(ctx, ManagerOptions{Store: store, Bus: b})
	require.NoError(t, err)
	sessionID, err := m.StartFlow(ctx, supportFlow(t), nil)
	require.NoError(t, err)

	err = d.Dispatch(ctx, sessionID)
	var execErr *NodeExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, "echo", execErr.NodeID)

	lifecycle, err := m.Lifecycle(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, LifecycleError, lifecycle)

	// EVENT_ERROR landed on the durable stream.
	events, _, err := b.ReadStream(ctx, "", 20)
	require.NoError(t, err)
	var sawError bool
	for _, ev := range events {
		if ev.Type == event.TypeError && ev.SessionID == sessionID {
			sawError = true
		}
	}
	require.True(t, sawError)
}

func TestDispatchSkipsAbortedSession(t *testing.T) {
	store, b := newRuntime(t)
	ctx := context.Background()

	var calls atomic.Int32
	nodes := node.NewRegistry()
	require.NoError(t, nodes.Register("echo", node.ExecutorFunc(
		func(_ context.Context, _ node.Execution) (node.Result, error) {
			calls.Add(1)
			return node.Result{Status: node.StatusSuccess}, nil
		})))
	d := newDispatcher(t, store, b, nodes)

	m, err := NewManager(ctx, ManagerOptions{Store: store, Bus: b})
	require.NoError(t, err)
	sessionID, err := m.StartFlow(ctx, supportFlow(t), nil)
	require.NoError(t, err)

	require.NoError(t, store.SetAbort(ctx, sessionID, "user cancelled"))
	require.NoError(t, d.Dispatch(ctx, sessionID))
	require.Zero(t, calls.Load())

	// Events for aborted sessions are ignored too.
	done, err := event.New(event.TypeStepDone, "worker", "acme", event.WithSession(sessionID))
	require.NoError(t, err)
	require.NoError(t, d.HandleEvent(ctx, done))
	_, ok, err := store.GetState(ctx, sessionID, blackboard.FieldCurrentState)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHandleEventIgnoresNonApplicableEvent(t *testing.T) {
	store, b := newRuntime(t)
	ctx := context.Background()

	nodes := node.NewRegistry()
	require.NoError(t, nodes.Register("echo", echoNode()))
	d := newDispatcher(t, store, b, nodes)

	m, err := NewManager(ctx, ManagerOptions{Store: store, Bus: b})
	require.NoError(t, err)
	sessionID, err := m.StartFlow(ctx, supportFlow(t), nil)
	require.NoError(t, err)

	// USER_CONFIRM has no edge from the initial state.
	confirm, err := event.New(event.TypeUserConfirm, "user", "acme", event.WithSession(sessionID))
	require.NoError(t, err)
	require.NoError(t, d.HandleEvent(ctx, confirm))

	_, ok, err := store.GetState(ctx, sessionID, blackboard.FieldCurrentState)
	require.NoError(t, err)
	require.False(t, ok)
}

type (
	spanRecorder struct{ names []string }
	recordedSpan struct{}

	timerRecorder struct{ timers []string }
)

func (r *spanRecorder) Start(ctx context.Context, name string, _ ...trace.SpanStartOption) (context.Context, telemetry.Span) {
	r.names = append(r.names, name)
	return ctx, recordedSpan{}
}

func (r *spanRecorder) Span(context.Context) telemetry.Span { return recordedSpan{} }

func (recordedSpan) End(...trace.SpanEndOption)              {}
func (recordedSpan) SetStatus(codes.Code, string)            {}
func (recordedSpan) RecordError(error, ...trace.EventOption) {}

func (r *timerRecorder) IncCounter(string, float64, ...string) {}

func (r *timerRecorder) RecordTimer(name string, _ time.Duration, _ ...string) {
	r.timers = append(r.timers, name)
}

func TestDispatchTracesNodeExecution(t *testing.T) {
	store, b := newRuntime(t)
	ctx := context.Background()

	nodes := node.NewRegistry()
	require.NoError(t, nodes.Register("echo", echoNode()))
	tracer := &spanRecorder{}
	metrics := &timerRecorder{}
	d, err := NewDispatcher(DispatcherOptions{
		Store:   store,
		Bus:     b,
		Flow:    supportFlow(t),
		Nodes:   nodes,
		Tracer:  tracer,
		Metrics: metrics,
	})
	require.NoError(t, err)

	m, err := NewManager(ctx, ManagerOptions{Store: store, Bus: b})
	require.NoError(t, err)
	sessionID, err := m.StartFlow(ctx, supportFlow(t), nil)
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(ctx, sessionID))

	require.Equal(t, []string{"loom.dispatch.node"}, tracer.names)
	require.Contains(t, metrics.timers, telemetry.MetricNodeDuration)
}

func TestStateActionHookRuns(t *testing.T) {
	store, b := newRuntime(t)
	ctx := context.Background()

	nodes := node.NewRegistry()
	require.NoError(t, nodes.Register("echo", echoNode()))
	d := newDispatcher(t, store, b, nodes)

	var entered atomic.Value
	d.Handle("echoed", func(_ context.Context, sessionID, state string) error {
		entered.Store(sessionID + ":" + state)
		return nil
	})

	m, err := NewManager(ctx, ManagerOptions{Store: store, Bus: b})
	require.NoError(t, err)
	sessionID, err := m.StartFlow(ctx, supportFlow(t), nil)
	require.NoError(t, err)

	done, err := event.New(event.TypeStepDone, "worker", "acme", event.WithSession(sessionID))
	require.NoError(t, err)
	require.NoError(t, d.HandleEvent(ctx, done))

	require.Equal(t, sessionID+":echoed", entered.Load())
}
