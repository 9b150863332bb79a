// Package namespace is the single source of truth for the storage key and
// channel layout. Every component derives Redis keys and pub/sub channel
// names through these helpers; no other package concatenates key fragments.
//
// Layout:
//
//	{tenant}:session:{id}                   session state hash
//	{tenant}:session:{id}:results:{bucket}  accumulated-result list
//	{tenant}:session:{id}:artifacts         session artifact-id set
//	{tenant}:session:{id}:steps             idempotency step ledger
//	{tenant}:chat:{id}                      chat/event history list
//	{tenant}:artifact:{id}                  artifact blob
//	{tenant}:abort:{id}                     abort marker
//	{tenant}:events                         pub/sub channel
//	{tenant}:events:stream                  durable event stream
package namespace

import "strings"

// SessionKey returns the key of the session state hash.
func SessionKey(tenant, sessionID string) string {
	return tenant + ":session:" + sessionID
}

// ResultsKey returns the key of a named accumulated-result list.
func ResultsKey(tenant, sessionID, bucket string) string {
	return SessionKey(tenant, sessionID) + ":results:" + bucket
}

// ArtifactSetKey returns the key of the session's artifact-id set.
func ArtifactSetKey(tenant, sessionID string) string {
	return SessionKey(tenant, sessionID) + ":artifacts"
}

// StepsKey returns the key of the session's idempotency step ledger.
func StepsKey(tenant, sessionID string) string {
	return SessionKey(tenant, sessionID) + ":steps"
}

// ChatKey returns the key of the session's chat/event history list.
func ChatKey(tenant, sessionID string) string {
	return tenant + ":chat:" + sessionID
}

// ArtifactKey returns the key of an artifact blob.
func ArtifactKey(tenant, artifactID string) string {
	return tenant + ":artifact:" + artifactID
}

// AbortKey returns the key of the session's abort marker.
func AbortKey(tenant, sessionID string) string {
	return tenant + ":abort:" + sessionID
}

// EventsChannel returns the tenant's pub/sub channel name.
func EventsChannel(tenant string) string {
	return tenant + ":events"
}

// EventsStream returns the tenant's durable event stream key.
func EventsStream(tenant string) string {
	return tenant + ":events:stream"
}

// SessionMatch returns the scan pattern matching the tenant's session keys.
// The pattern also matches sub-keys (results, artifacts, steps); use
// SessionIDFromKey to discard those.
func SessionMatch(tenant string) string {
	return tenant + ":session:*"
}

// SessionIDFromKey extracts the session id from a session state hash key.
// Returns "" for keys of other resource types and for session sub-keys.
func SessionIDFromKey(tenant, key string) string {
	prefix := tenant + ":session:"
	if !strings.HasPrefix(key, prefix) {
		return ""
	}
	id := key[len(prefix):]
	if id == "" || strings.Contains(id, ":") {
		return ""
	}
	return id
}

// ResultsBucketFromKey extracts the bucket name from a results list key.
// Returns "" when the key is not a results key for the given session.
func ResultsBucketFromKey(tenant, sessionID, key string) string {
	prefix := SessionKey(tenant, sessionID) + ":results:"
	if !strings.HasPrefix(key, prefix) {
		return ""
	}
	return key[len(prefix):]
}

// ResultsMatch returns the scan pattern matching all result lists of one
// session.
func ResultsMatch(tenant, sessionID string) string {
	return SessionKey(tenant, sessionID) + ":results:*"
}
