package snapshot

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomwork/loom/runtime/blackboard"
)

func TestMemStoreRoundTrip(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	snap := Snapshot{
		TenantID:  "acme",
		SessionID: "s1",
		State: map[string]blackboard.Value{
			"step": blackboard.String("classify"),
		},
		History:    []json.RawMessage{json.RawMessage(`{"seq":1}`)},
		Results:    map[string][]json.RawMessage{"summaries": {json.RawMessage(`"one"`)}},
		Summary:    "short summary",
		LastRoute:  "billing",
		ArchivedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Upsert(ctx, snap))

	got, err := store.Load(ctx, "acme", "s1")
	require.NoError(t, err)
	require.Equal(t, snap.State, got.State)
	require.Equal(t, snap.History, got.History)
	require.Equal(t, snap.Results, got.Results)
	require.Equal(t, "billing", got.LastRoute)
	require.Nil(t, got.RestoredAt)
}

func TestMemStoreUpsertIsIdempotent(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	first := Snapshot{TenantID: "acme", SessionID: "s1", Summary: "v1", ArchivedAt: time.Now()}
	require.NoError(t, store.Upsert(ctx, first))

	second := first
	second.Summary = "v2"
	require.NoError(t, store.Upsert(ctx, second))

	got, err := store.Load(ctx, "acme", "s1")
	require.NoError(t, err)
	require.Equal(t, "v2", got.Summary)
}

func TestMemStoreMissingSnapshot(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	_, err := store.Load(ctx, "acme", "ghost")
	require.ErrorIs(t, err, ErrSnapshotNotFound)

	require.ErrorIs(t, store.MarkRestored(ctx, "acme", "ghost", time.Now()), ErrSnapshotNotFound)
	require.NoError(t, store.Delete(ctx, "acme", "ghost"))
}

func TestMemStoreMarkRestored(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, Snapshot{TenantID: "acme", SessionID: "s1"}))

	at := time.Now().UTC()
	require.NoError(t, store.MarkRestored(ctx, "acme", "s1", at))

	got, err := store.Load(ctx, "acme", "s1")
	require.NoError(t, err)
	require.NotNil(t, got.RestoredAt)
	require.True(t, got.RestoredAt.Equal(at))
}

func TestMemStoreTenantScoping(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, Snapshot{TenantID: "acme", SessionID: "s1"}))

	_, err := store.Load(ctx, "globex", "s1")
	require.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestSnapshotEmpty(t *testing.T) {
	require.True(t, Snapshot{TenantID: "acme", SessionID: "s1"}.Empty())
	require.False(t, Snapshot{History: []json.RawMessage{json.RawMessage(`1`)}}.Empty())
	require.False(t, Snapshot{State: map[string]blackboard.Value{"a": blackboard.Bool(true)}}.Empty())
}
