package session

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/loomwork/loom/runtime/blackboard"
	redisbb "github.com/loomwork/loom/runtime/blackboard/redis"
	"github.com/loomwork/loom/runtime/bus"
	"github.com/loomwork/loom/runtime/event"
	"github.com/loomwork/loom/runtime/flow"
)

func newRuntime(t *testing.T) (blackboard.Store, *bus.RedisBus) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store, err := redisbb.New(redisbb.Options{Client: client, Tenant: "acme"})
	require.NoError(t, err)
	b, err := bus.New(bus.Options{Client: client, Tenant: "acme"})
	require.NoError(t, err)
	return store, b
}

func newManager(t *testing.T) (*Manager, blackboard.Store, *bus.RedisBus) {
	t.Helper()
	store, b := newRuntime(t)
	m, err := NewManager(context.Background(), ManagerOptions{Store: store, Bus: b})
	require.NoError(t, err)
	return m, store, b
}

func supportFlow(t *testing.T) *flow.Flow {
	t.Helper()
	f := &flow.Flow{
		ID:     "support",
		States: []string{"start", "echoed", "end"},
		Transitions: []flow.Edge{
			{From: "start", To: "echoed", On: event.TypeStepDone},
			{From: "echoed", To: "end", On: event.TypeUserConfirm},
		},
		Nodes:      map[string]string{"start": "echo"},
		AwaitInput: []string{"echoed"},
	}
	require.NoError(t, f.Validate())
	return f
}

func TestStartFlowRecordsSession(t *testing.T) {
	m, store, b := newManager(t)
	ctx := context.Background()

	sessionID, err := m.StartFlow(ctx, supportFlow(t), json.RawMessage(`{"q":"hello"}`))
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	lifecycle, err := m.Lifecycle(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, LifecycleRunning, lifecycle)

	v, ok, err := store.GetState(ctx, sessionID, blackboard.FieldFlowID)
	require.NoError(t, err)
	require.True(t, ok)
	flowID, err := v.AsString()
	require.NoError(t, err)
	require.Equal(t, "support", flowID)

	// The announcement is on the durable stream even with no subscriber.
	events, _, err := b.ReadStream(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, event.TypeSessionStart, events[0].Type)
	require.Equal(t, sessionID, events[0].SessionID)

	// The FSM state field stays absent: absent means initial.
	_, ok, err = store.GetState(ctx, sessionID, blackboard.FieldCurrentState)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStartSingleNodeUsesImplicitFlow(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()

	sessionID, err := m.StartSingleNode(ctx, "echo", nil)
	require.NoError(t, err)

	v, ok, err := store.GetState(ctx, sessionID, blackboard.FieldFlowID)
	require.NoError(t, err)
	require.True(t, ok)
	flowID, err := v.AsString()
	require.NoError(t, err)
	require.Equal(t, "implicit:echo", flowID)
}

func TestInheritCopiesArtifactSetOnly(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()

	parent, err := m.StartFlow(ctx, supportFlow(t), nil)
	require.NoError(t, err)
	require.NoError(t, store.PushArtifact(ctx, parent, "a1", json.RawMessage(`{"doc":1}`)))
	require.NoError(t, store.SetState(ctx, parent, "secret", blackboard.String("private")))

	child, err := m.Inherit(ctx, supportFlow(t), parent)
	require.NoError(t, err)

	ids, err := store.ListSessionArtifacts(ctx, child)
	require.NoError(t, err)
	require.Equal(t, []string{"a1"}, ids)

	// Raw key/value state does not travel.
	_, ok, err := store.GetState(ctx, child, "secret")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTerminateClearsSession(t *testing.T) {
	m, store, b := newManager(t)
	ctx := context.Background()

	sessionID, err := m.StartFlow(ctx, supportFlow(t), nil)
	require.NoError(t, err)
	require.NoError(t, m.Terminate(ctx, sessionID))

	_, err = m.Lifecycle(ctx, sessionID)
	require.ErrorIs(t, err, ErrSessionNotFound)

	exists, err := store.SessionExists(ctx, sessionID)
	require.NoError(t, err)
	require.False(t, exists)

	events, _, err := b.ReadStream(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, event.TypeSessionEnd, events[1].Type)
}

func TestLifecycleMissingSession(t *testing.T) {
	m, _, _ := newManager(t)

	_, err := m.Lifecycle(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManagerRejectsTenantMismatch(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()
	store, err := redisbb.New(redisbb.Options{Client: client, Tenant: "acme"})
	require.NoError(t, err)
	b, err := bus.New(bus.Options{Client: client, Tenant: "globex"})
	require.NoError(t, err)

	_, err = NewManager(context.Background(), ManagerOptions{Store: store, Bus: b})
	require.Error(t, err)
}

func TestManagerRegistersTenant(t *testing.T) {
	store, b := newRuntime(t)
	registry := NewTenantRegistry(NewMemoryMap())

	_, err := NewManager(context.Background(), ManagerOptions{Store: store, Bus: b, Registry: registry})
	require.NoError(t, err)
	require.Equal(t, []string{"acme"}, registry.Tenants())
}

func TestTenantRegistry(t *testing.T) {
	registry := NewTenantRegistry(NewMemoryMap())
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, "acme"))
	require.NoError(t, registry.Register(ctx, "globex"))
	require.NoError(t, registry.Register(ctx, "acme"))
	require.Equal(t, []string{"acme", "globex"}, registry.Tenants())

	require.NoError(t, registry.Deregister(ctx, "globex"))
	require.Equal(t, []string{"acme"}, registry.Tenants())

	require.Error(t, registry.Register(ctx, ""))
}
