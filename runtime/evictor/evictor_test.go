package evictor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomwork/loom/runtime/blackboard"
	redisbb "github.com/loomwork/loom/runtime/blackboard/redis"
	"github.com/loomwork/loom/runtime/snapshot"
	"github.com/loomwork/loom/runtime/telemetry"
)

type fixture struct {
	mr    *miniredis.Miniredis
	store blackboard.Store
	snaps *snapshot.MemStore
	ev    *Evictor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store, err := redisbb.New(redisbb.Options{
		Client:     client,
		Tenant:     "acme",
		SessionTTL: 10 * time.Minute,
	})
	require.NoError(t, err)

	snaps := snapshot.NewMemStore()
	ev, err := New(Options{
		Stores:       func(string) (blackboard.Store, error) { return store, nil },
		Snapshots:    snaps,
		Tenants:      func() []string { return []string{"acme"} },
		Interval:     time.Second,
		TTLThreshold: 5 * time.Minute,
	})
	require.NoError(t, err)
	return &fixture{mr: mr, store: store, snaps: snaps, ev: ev}
}

func populateSession(t *testing.T, store blackboard.Store, sessionID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.SetState(ctx, sessionID, "step", blackboard.String("classify")))
	require.NoError(t, store.SetState(ctx, sessionID, blackboard.FieldSummary, blackboard.String("short summary")))
	require.NoError(t, store.SetState(ctx, sessionID, blackboard.FieldLastRoute, blackboard.String("billing")))
	_, err := store.AppendChat(ctx, sessionID, json.RawMessage(`{"seq":1}`))
	require.NoError(t, err)
	_, err = store.AppendChat(ctx, sessionID, json.RawMessage(`{"seq":2}`))
	require.NoError(t, err)
	_, err = store.AppendResult(ctx, sessionID, "summaries", json.RawMessage(`"one"`))
	require.NoError(t, err)
	_, err = store.AppendResult(ctx, sessionID, "summaries", json.RawMessage(`"two"`))
	require.NoError(t, err)
	_, err = store.AppendResult(ctx, sessionID, "scores", json.RawMessage(`0.9`))
	require.NoError(t, err)
}

func TestArchiveClearRestoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	populateSession(t, f.store, "s1")

	stateBefore, err := f.store.GetAll(ctx, "s1")
	require.NoError(t, err)
	chatBefore, err := f.store.Chat(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, f.ev.ArchiveSession(ctx, f.store, "s1"))

	// Simulate natural cache expiry.
	require.NoError(t, f.store.ClearSession(ctx, "s1"))
	exists, err := f.store.SessionExists(ctx, "s1")
	require.NoError(t, err)
	require.False(t, exists)

	restored, err := f.ev.RestoreSession(ctx, "acme", "s1", TTLs{State: 10 * time.Minute})
	require.NoError(t, err)
	require.True(t, restored)

	stateAfter, err := f.store.GetAll(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, stateBefore, stateAfter)

	chatAfter, err := f.store.Chat(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, chatBefore, chatAfter)

	summaries, err := f.store.Results(ctx, "s1", "summaries")
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	require.JSONEq(t, `"one"`, string(summaries[0]))
	require.JSONEq(t, `"two"`, string(summaries[1]))
	scores, err := f.store.Results(ctx, "s1", "scores")
	require.NoError(t, err)
	require.Len(t, scores, 1)

	snap, err := f.snaps.Load(ctx, "acme", "s1")
	require.NoError(t, err)
	require.NotNil(t, snap.RestoredAt)
	require.Equal(t, "short summary", snap.Summary)
	require.Equal(t, "billing", snap.LastRoute)
}

func TestArchiveSkipsEmptySession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ev.ArchiveSession(ctx, f.store, "empty"))

	_, err := f.snaps.Load(ctx, "acme", "empty")
	require.ErrorIs(t, err, snapshot.ErrSnapshotNotFound)
}

func TestReArchivalIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	populateSession(t, f.store, "s1")

	require.NoError(t, f.ev.ArchiveSession(ctx, f.store, "s1"))
	require.NoError(t, f.store.SetState(ctx, "s1", "step", blackboard.String("resolve")))
	require.NoError(t, f.ev.ArchiveSession(ctx, f.store, "s1"))

	snap, err := f.snaps.Load(ctx, "acme", "s1")
	require.NoError(t, err)
	v := snap.State["step"]
	step, err := v.AsString()
	require.NoError(t, err)
	require.Equal(t, "resolve", step)
}

func TestRestoreMissingSnapshotReturnsFalse(t *testing.T) {
	f := newFixture(t)

	restored, err := f.ev.RestoreSession(context.Background(), "acme", "ghost", TTLs{})
	require.NoError(t, err)
	require.False(t, restored)
}

func TestRestoreIsFullOverwrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	populateSession(t, f.store, "s1")
	require.NoError(t, f.ev.ArchiveSession(ctx, f.store, "s1"))

	// The cache entry drifted after archival; restore must not merge.
	require.NoError(t, f.store.SetState(ctx, "s1", "drift", blackboard.String("junk")))

	restored, err := f.ev.RestoreSession(ctx, "acme", "s1", TTLs{State: time.Minute})
	require.NoError(t, err)
	require.True(t, restored)

	state, err := f.store.GetAll(ctx, "s1")
	require.NoError(t, err)
	_, ok := state["drift"]
	require.False(t, ok)

	ttl, err := f.store.SessionTTL(ctx, "s1")
	require.NoError(t, err)
	require.LessOrEqual(t, ttl, time.Minute)
}

func TestRestoreDropsBucketsAddedAfterArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	populateSession(t, f.store, "s1")
	require.NoError(t, f.ev.ArchiveSession(ctx, f.store, "s1"))

	// A bucket appended after archival is not in the snapshot, so the
	// restored session must not contain it.
	_, err := f.store.AppendResult(ctx, "s1", "late", json.RawMessage(`"extra"`))
	require.NoError(t, err)

	restored, err := f.ev.RestoreSession(ctx, "acme", "s1", TTLs{State: time.Minute})
	require.NoError(t, err)
	require.True(t, restored)

	buckets, err := f.store.ResultBuckets(ctx, "s1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"summaries", "scores"}, buckets)

	late, err := f.store.Results(ctx, "s1", "late")
	require.NoError(t, err)
	require.Empty(t, late)
}

func TestCycleArchivesOnlySessionsNearExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// s1 ages toward expiry, s2 is refreshed afterwards and stays fresh.
	populateSession(t, f.store, "s1")
	f.mr.FastForward(6 * time.Minute)
	populateSession(t, f.store, "s2")

	f.ev.Cycle(ctx)

	_, err := f.snaps.Load(ctx, "acme", "s1")
	require.NoError(t, err)
	_, err = f.snaps.Load(ctx, "acme", "s2")
	require.ErrorIs(t, err, snapshot.ErrSnapshotNotFound)

	// The live entry is never deleted by the evictor.
	exists, err := f.store.SessionExists(ctx, "s1")
	require.NoError(t, err)
	require.True(t, exists)
}

type (
	recordingTracer struct{ names []string }
	recordingSpan   struct{}

	recordingMetrics struct{ timers []string }
)

func (r *recordingTracer) Start(ctx context.Context, name string, _ ...trace.SpanStartOption) (context.Context, telemetry.Span) {
	r.names = append(r.names, name)
	return ctx, recordingSpan{}
}

func (r *recordingTracer) Span(context.Context) telemetry.Span { return recordingSpan{} }

func (recordingSpan) End(...trace.SpanEndOption)              {}
func (recordingSpan) SetStatus(codes.Code, string)            {}
func (recordingSpan) RecordError(error, ...trace.EventOption) {}

func (r *recordingMetrics) IncCounter(string, float64, ...string) {}

func (r *recordingMetrics) RecordTimer(name string, _ time.Duration, _ ...string) {
	r.timers = append(r.timers, name)
}

func TestArchiveAndRestoreEmitTelemetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tracer := &recordingTracer{}
	metrics := &recordingMetrics{}
	ev, err := New(Options{
		Stores:       func(string) (blackboard.Store, error) { return f.store, nil },
		Snapshots:    f.snaps,
		Tenants:      func() []string { return []string{"acme"} },
		TTLThreshold: 5 * time.Minute,
		Metrics:      metrics,
		Tracer:       tracer,
	})
	require.NoError(t, err)

	ev.Cycle(ctx)
	require.Contains(t, metrics.timers, telemetry.MetricCycleDuration)

	populateSession(t, f.store, "s1")
	require.NoError(t, ev.ArchiveSession(ctx, f.store, "s1"))
	restored, err := ev.RestoreSession(ctx, "acme", "s1", TTLs{State: time.Minute})
	require.NoError(t, err)
	require.True(t, restored)

	require.Equal(t, []string{"loom.evictor.archive", "loom.evictor.restore"}, tracer.names)
}

func TestNewValidatesOptions(t *testing.T) {
	snaps := snapshot.NewMemStore()
	stores := func(string) (blackboard.Store, error) { return nil, nil }
	tenants := func() []string { return nil }

	_, err := New(Options{Snapshots: snaps, Tenants: tenants})
	require.Error(t, err)
	_, err = New(Options{Stores: stores, Tenants: tenants})
	require.Error(t, err)
	_, err = New(Options{Stores: stores, Snapshots: snaps})
	require.Error(t, err)

	ev, err := New(Options{Stores: stores, Snapshots: snaps, Tenants: tenants})
	require.NoError(t, err)
	require.Equal(t, defaultInterval, ev.interval)
	require.Equal(t, defaultTTLThreshold, ev.ttlThreshold)
}
