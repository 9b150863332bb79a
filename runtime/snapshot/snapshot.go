// Package snapshot defines the cold-storage projection of a session and the
// store contract durable backends implement. The evictor writes snapshots
// when a session's cache TTL runs low and reads them back on restore.
package snapshot

import (
	"context"
	"errors"
	"time"

	"encoding/json"

	"github.com/loomwork/loom/runtime/blackboard"
)

type (
	// Snapshot is the full durable form of one session. Upserts are keyed by
	// (TenantID, SessionID) so re-archival is idempotent.
	Snapshot struct {
		// TenantID scopes the snapshot.
		TenantID string `json:"tenant_id" bson:"tenant_id"`
		// SessionID identifies the archived session.
		SessionID string `json:"session_id" bson:"session_id"`
		// State is the full key/value state map.
		State map[string]blackboard.Value `json:"state,omitempty" bson:"state,omitempty"`
		// History is the full ordered chat/event history.
		History []json.RawMessage `json:"history,omitempty" bson:"history,omitempty"`
		// Results maps bucket names to their ordered accumulated values.
		Results map[string][]json.RawMessage `json:"results,omitempty" bson:"results,omitempty"`
		// Summary is the optional cached summary text.
		Summary string `json:"summary,omitempty" bson:"summary,omitempty"`
		// LastRoute is the optional last-routed classification.
		LastRoute string `json:"last_route,omitempty" bson:"last_route,omitempty"`
		// ArchivedAt is when the snapshot was (last) written.
		ArchivedAt time.Time `json:"archived_at" bson:"archived_at"`
		// RestoredAt marks that a cache-miss recovery has occurred.
		RestoredAt *time.Time `json:"restored_at,omitempty" bson:"restored_at,omitempty"`
	}

	// Store is the durable snapshot backend contract.
	Store interface {
		// Upsert writes the snapshot, replacing any prior one for the same
		// (tenant, session).
		Upsert(ctx context.Context, snap Snapshot) error
		// Load returns the latest snapshot, or ErrSnapshotNotFound.
		Load(ctx context.Context, tenantID, sessionID string) (Snapshot, error)
		// MarkRestored stamps the snapshot's RestoredAt.
		MarkRestored(ctx context.Context, tenantID, sessionID string, at time.Time) error
		// Delete removes the snapshot. Deleting a missing snapshot is a no-op.
		Delete(ctx context.Context, tenantID, sessionID string) error
	}
)

// ErrSnapshotNotFound indicates no snapshot exists for the session.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Empty reports whether the snapshot holds nothing worth archiving.
func (s Snapshot) Empty() bool {
	return len(s.State) == 0 && len(s.History) == 0 && len(s.Results) == 0
}
