// Package blackboard defines the shared mutable session store: per-tenant
// key/value state, ordered chat history, accumulated-result lists and
// content-addressed artifacts. All state a session owns lives behind the
// Store interface; the Redis implementation in the redis subpackage is the
// hot tier the evictor archives from.
//
// A Store is bound to exactly one tenant at construction. Cross-tenant reads
// are impossible by construction: every key derives from
// (tenant, resource type, resource id) through the namespace package.
package blackboard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type (
	// Store is the tenant-scoped blackboard contract.
	//
	// Contract:
	//   - Every write against a session refreshes that structure's TTL.
	//   - Reads of missing sessions, fields or artifacts return zero values,
	//     never errors; infrastructure failures are the only error returns.
	//   - Artifact blobs are immutable once written and shared by reference:
	//     ClearSession removes the session's artifact-id set but leaves the
	//     blobs for other sessions that inherited them.
	Store interface {
		// Tenant returns the tenant this store is bound to.
		Tenant() string

		// SetState upserts one session state field and refreshes the session TTL.
		SetState(ctx context.Context, sessionID, field string, v Value) error
		// GetState reads one field. The second return is false when the
		// session or field does not exist.
		GetState(ctx context.Context, sessionID, field string) (Value, bool, error)
		// GetAll reads the full state map. Missing sessions yield an empty map.
		GetAll(ctx context.Context, sessionID string) (map[string]Value, error)
		// CompareAndSwapState atomically replaces a string-kind field with
		// next if and only if its current value equals expected. An empty
		// expected means "field must be absent". On mismatch it returns a
		// *ConflictError carrying the actual value.
		CompareAndSwapState(ctx context.Context, sessionID, field, expected, next string) error

		// AppendChat appends one entry to the session's ordered chat/event
		// history and returns the new length.
		AppendChat(ctx context.Context, sessionID string, entry json.RawMessage) (int64, error)
		// Chat returns the full ordered history.
		Chat(ctx context.Context, sessionID string) ([]json.RawMessage, error)

		// AppendResult appends one value to a named per-session result list
		// and returns the new length.
		AppendResult(ctx context.Context, sessionID, bucket string, v json.RawMessage) (int64, error)
		// Results returns the full ordered content of one bucket.
		Results(ctx context.Context, sessionID, bucket string) ([]json.RawMessage, error)
		// ResultBuckets enumerates the session's bucket names.
		ResultBuckets(ctx context.Context, sessionID string) ([]string, error)

		// PushArtifact writes an artifact blob with its own TTL and registers
		// the id in the session's artifact set.
		PushArtifact(ctx context.Context, sessionID, artifactID string, data json.RawMessage) error
		// GetArtifact reads an artifact blob. The second return is false when
		// the artifact does not exist or has expired.
		GetArtifact(ctx context.Context, artifactID string) (json.RawMessage, bool, error)
		// ListSessionArtifacts enumerates the session's artifact ids.
		ListSessionArtifacts(ctx context.Context, sessionID string) ([]string, error)
		// AddArtifactRefs registers existing artifact ids with a session
		// without rewriting the blobs. Used by session inheritance.
		AddArtifactRefs(ctx context.Context, sessionID string, artifactIDs ...string) error

		// PutStepOnce records a step-ledger entry if and only if the field is
		// not yet present. Returns true when this call created the entry.
		PutStepOnce(ctx context.Context, sessionID, field, value string) (bool, error)
		// Steps returns the full step ledger.
		Steps(ctx context.Context, sessionID string) (map[string]string, error)

		// SetAbort writes the fast-lookup abort marker with its own TTL.
		SetAbort(ctx context.Context, sessionID, reason string) error
		// IsAborted checks marker existence only; it never reads state.
		IsAborted(ctx context.Context, sessionID string) (bool, error)
		// AbortReason returns the stored abort reason, if any.
		AbortReason(ctx context.Context, sessionID string) (string, bool, error)

		// SessionExists reports whether the session state hash is present.
		SessionExists(ctx context.Context, sessionID string) (bool, error)
		// SessionTTL returns the remaining TTL of the session state hash.
		// Negative values follow Redis semantics (-1 no expiry, -2 missing).
		SessionTTL(ctx context.Context, sessionID string) (time.Duration, error)
		// Touch refreshes the session TTL without writing.
		Touch(ctx context.Context, sessionID string) error
		// LiveSessions enumerates session ids currently present in the cache.
		LiveSessions(ctx context.Context) ([]string, error)

		// OverwriteState replaces the full state map with the given TTL.
		// Used by restore; never merges.
		OverwriteState(ctx context.Context, sessionID string, state map[string]Value, ttl time.Duration) error
		// OverwriteChat replaces the full chat history with the given TTL.
		OverwriteChat(ctx context.Context, sessionID string, entries []json.RawMessage, ttl time.Duration) error
		// OverwriteResults replaces one result bucket with the given TTL.
		OverwriteResults(ctx context.Context, sessionID, bucket string, entries []json.RawMessage, ttl time.Duration) error

		// ClearSession deletes the session's state, chat history, result
		// buckets, step ledger and artifact set.
		ClearSession(ctx context.Context, sessionID string) error
	}

	// ConflictError reports a lost compare-and-swap race: the field's actual
	// value differed from the expected one. Callers must re-read and may
	// retry.
	ConflictError struct {
		// Field is the state field the swap targeted.
		Field string
		// Expected is the value the caller computed its transition against.
		Expected string
		// Actual is the value found in the store.
		Actual string
	}
)

// Well-known session state fields shared across the runtime.
const (
	// FieldCurrentState holds the session's FSM state name.
	FieldCurrentState = "current_state"
	// FieldLifecycle holds the session lifecycle (running, waiting_user,
	// completed, error).
	FieldLifecycle = "session_state"
	// FieldFlowID holds the flow definition id, absent for implicit sessions.
	FieldFlowID = "flow_id"
	// FieldParams holds the caller-provided start parameters.
	FieldParams = "params"
	// FieldAborted is the abort signal flag checked by cooperative node code.
	FieldAborted = "aborted"
	// FieldAbortReason mirrors the abort marker's reason into session state.
	FieldAbortReason = "abort_reason"
	// FieldSummary holds the optional cached summary text.
	FieldSummary = "summary"
	// FieldLastRoute holds the last routed classification, if any.
	FieldLastRoute = "last_route"
)

// Error returns the conflict description.
func (e *ConflictError) Error() string {
	exp := e.Expected
	if exp == "" {
		exp = "<absent>"
	}
	act := e.Actual
	if act == "" {
		act = "<absent>"
	}
	return fmt.Sprintf("state conflict on %q: expected %s, found %s", e.Field, exp, act)
}
