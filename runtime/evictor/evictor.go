// Package evictor implements hot/cold storage tiering: a background process
// that archives sessions whose cache TTL is running out into the durable
// snapshot store, and restores them back into the cache on demand.
//
// The live cache entry is never deleted by the evictor; after archival it
// expires naturally. In the window where both tiers hold the session they
// are equally authoritative, so the overlap is harmless.
package evictor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"goa.design/pulse/pool"
	"golang.org/x/time/rate"

	"github.com/loomwork/loom/runtime/blackboard"
	"github.com/loomwork/loom/runtime/snapshot"
	"github.com/loomwork/loom/runtime/telemetry"
)

type (
	// Options configures an Evictor.
	Options struct {
		// Stores resolves the blackboard for a tenant. Required.
		Stores func(tenant string) (blackboard.Store, error)
		// Snapshots is the durable cold store. Required.
		Snapshots snapshot.Store
		// Tenants enumerates the tenants to scan each cycle. Required.
		Tenants func() []string
		// Interval between scan cycles. Defaults to 300s.
		Interval time.Duration
		// TTLThreshold: sessions whose remaining TTL is below it are
		// archived. Defaults to 300s.
		TTLThreshold time.Duration
		// ArchivesPerSecond bounds archival throughput. Zero means no limit.
		ArchivesPerSecond float64
		// PoolNode, when set, runs the cycle on a distributed ticker so only
		// one node in the pool archives at a time.
		PoolNode *pool.Node
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to a no-op recorder.
		Metrics telemetry.Metrics
		// Tracer defaults to a no-op tracer.
		Tracer telemetry.Tracer
	}

	// TTLs are the cache TTLs applied on restore, caller-specified per the
	// restore API.
	TTLs struct {
		// State bounds the restored state hash.
		State time.Duration
		// History bounds the restored chat history.
		History time.Duration
		// Results bounds each restored result bucket.
		Results time.Duration
	}

	// Evictor moves sessions between the hot cache and the cold store.
	Evictor struct {
		stores       func(tenant string) (blackboard.Store, error)
		snaps        snapshot.Store
		tenants      func() []string
		interval     time.Duration
		ttlThreshold time.Duration
		limiter      *rate.Limiter
		poolNode     *pool.Node
		logger       telemetry.Logger
		metrics      telemetry.Metrics
		tracer       telemetry.Tracer
	}
)

const (
	defaultInterval     = 300 * time.Second
	defaultTTLThreshold = 300 * time.Second
	defaultRestoreTTL   = 40 * time.Minute
)

// New builds an Evictor.
func New(opts Options) (*Evictor, error) {
	if opts.Stores == nil {
		return nil, errors.New("store resolver is required")
	}
	if opts.Snapshots == nil {
		return nil, errors.New("snapshot store is required")
	}
	if opts.Tenants == nil {
		return nil, errors.New("tenant source is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	threshold := opts.TTLThreshold
	if threshold <= 0 {
		threshold = defaultTTLThreshold
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.ArchivesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.ArchivesPerSecond), 1)
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
	return &Evictor{
		stores:       opts.Stores,
		snaps:        opts.Snapshots,
		tenants:      opts.Tenants,
		interval:     interval,
		ttlThreshold: threshold,
		limiter:      limiter,
		poolNode:     opts.PoolNode,
		logger:       logger,
		metrics:      metrics,
		tracer:       tracer,
	}, nil
}

// Run executes scan cycles until the context is cancelled. With a pool node
// configured the ticks come from a distributed ticker, so across a cluster
// only one node runs each cycle.
func (e *Evictor) Run(ctx context.Context) error {
	if e.poolNode != nil {
		ticker, err := e.poolNode.NewTicker(ctx, "loom:evictor", e.interval)
		if err != nil {
			return fmt.Errorf("create distributed ticker: %w", err)
		}
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				e.Cycle(ctx)
			}
		}
	}
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Cycle(ctx)
		}
	}
}

// Cycle scans every tenant once and archives sessions near expiry. Failures
// are logged per session; one bad session never stops the scan.
func (e *Evictor) Cycle(ctx context.Context) {
	start := time.Now()
	defer func() {
		e.metrics.RecordTimer(telemetry.MetricCycleDuration, time.Since(start))
	}()
	for _, tenant := range e.tenants() {
		store, err := e.stores(tenant)
		if err != nil {
			e.logger.Error(ctx, "tenant store unavailable", "tenant", tenant, "err", err.Error())
			continue
		}
		sessions, err := store.LiveSessions(ctx)
		if err != nil {
			e.logger.Error(ctx, "session scan failed", "tenant", tenant, "err", err.Error())
			continue
		}
		for _, sessionID := range sessions {
			ttl, err := store.SessionTTL(ctx, sessionID)
			if err != nil {
				e.logger.Error(ctx, "ttl read failed",
					"tenant", tenant, "session_id", sessionID, "err", err.Error())
				continue
			}
			if ttl < 0 || ttl >= e.ttlThreshold {
				continue
			}
			if err := e.limiter.Wait(ctx); err != nil {
				return
			}
			if err := e.ArchiveSession(ctx, store, sessionID); err != nil {
				e.logger.Error(ctx, "archive failed",
					"tenant", tenant, "session_id", sessionID, "err", err.Error())
			}
		}
	}
}

// ArchiveSession bundles the session's full state, history and result
// buckets into a snapshot and upserts it. Idempotent: re-archival replaces
// the prior snapshot. Sessions with nothing worth archiving are skipped.
// The live cache entry is left alone to expire on its own.
func (e *Evictor) ArchiveSession(ctx context.Context, store blackboard.Store, sessionID string) (err error) {
	tenant := store.Tenant()
	ctx, span := e.tracer.Start(ctx, "loom.evictor.archive")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "archive failed")
		}
		span.End()
	}()
	state, err := store.GetAll(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("archive %s/%s: %w", tenant, sessionID, err)
	}
	history, err := store.Chat(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("archive %s/%s: %w", tenant, sessionID, err)
	}
	buckets, err := store.ResultBuckets(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("archive %s/%s: %w", tenant, sessionID, err)
	}
	results := make(map[string][]json.RawMessage, len(buckets))
	for _, bucket := range buckets {
		entries, err := store.Results(ctx, sessionID, bucket)
		if err != nil {
			return fmt.Errorf("archive %s/%s: %w", tenant, sessionID, err)
		}
		results[bucket] = entries
	}
	snap := snapshot.Snapshot{
		TenantID:   tenant,
		SessionID:  sessionID,
		State:      state,
		History:    history,
		Results:    results,
		ArchivedAt: time.Now().UTC(),
	}
	if v, ok := state[blackboard.FieldSummary]; ok {
		if s, err := v.AsString(); err == nil {
			snap.Summary = s
		}
	}
	if v, ok := state[blackboard.FieldLastRoute]; ok {
		if s, err := v.AsString(); err == nil {
			snap.LastRoute = s
		}
	}
	if snap.Empty() {
		e.logger.Debug(ctx, "skipping empty session", "tenant", tenant, "session_id", sessionID)
		return nil
	}
	if err := e.snaps.Upsert(ctx, snap); err != nil {
		return fmt.Errorf("archive %s/%s: %w", tenant, sessionID, err)
	}
	e.metrics.IncCounter(telemetry.MetricSessionsArchived, 1, "tenant", tenant)
	e.logger.Info(ctx, "session archived",
		"tenant", tenant, "session_id", sessionID,
		"state_fields", len(state), "history_len", len(history), "buckets", len(buckets))
	return nil
}

// RestoreSession is the inverse of archival: it loads the latest snapshot
// and overwrites every cache structure the session originally came from with
// the caller's TTLs. Returns false when no snapshot exists. Restore never
// merges: the session is fully in one tier or the other.
func (e *Evictor) RestoreSession(ctx context.Context, tenant, sessionID string, ttls TTLs) (restored bool, err error) {
	ctx, span := e.tracer.Start(ctx, "loom.evictor.restore")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "restore failed")
		}
		span.End()
	}()
	store, err := e.stores(tenant)
	if err != nil {
		return false, err
	}
	snap, err := e.snaps.Load(ctx, tenant, sessionID)
	if err != nil {
		if errors.Is(err, snapshot.ErrSnapshotNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("restore %s/%s: %w", tenant, sessionID, err)
	}
	ttls = ttls.withDefaults()
	if err := store.OverwriteState(ctx, sessionID, snap.State, ttls.State); err != nil {
		return false, fmt.Errorf("restore %s/%s: %w", tenant, sessionID, err)
	}
	if err := store.OverwriteChat(ctx, sessionID, snap.History, ttls.History); err != nil {
		return false, fmt.Errorf("restore %s/%s: %w", tenant, sessionID, err)
	}
	for bucket, entries := range snap.Results {
		if err := store.OverwriteResults(ctx, sessionID, bucket, entries, ttls.Results); err != nil {
			return false, fmt.Errorf("restore %s/%s: %w", tenant, sessionID, err)
		}
	}
	// Buckets appended to the cache after archival are not part of the
	// snapshot and must not survive the restore.
	existing, err := store.ResultBuckets(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("restore %s/%s: %w", tenant, sessionID, err)
	}
	for _, bucket := range existing {
		if _, ok := snap.Results[bucket]; ok {
			continue
		}
		if err := store.OverwriteResults(ctx, sessionID, bucket, nil, ttls.Results); err != nil {
			return false, fmt.Errorf("restore %s/%s: %w", tenant, sessionID, err)
		}
	}
	if err := e.snaps.MarkRestored(ctx, tenant, sessionID, time.Now().UTC()); err != nil {
		return false, fmt.Errorf("restore %s/%s: %w", tenant, sessionID, err)
	}
	e.metrics.IncCounter(telemetry.MetricSessionsRestored, 1, "tenant", tenant)
	e.logger.Info(ctx, "session restored", "tenant", tenant, "session_id", sessionID)
	return true, nil
}

func (t TTLs) withDefaults() TTLs {
	if t.State <= 0 {
		t.State = defaultRestoreTTL
	}
	if t.History <= 0 {
		t.History = t.State
	}
	if t.Results <= 0 {
		t.Results = t.State
	}
	return t
}
