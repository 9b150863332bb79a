// Package redis implements the blackboard store on Redis. It is the hot tier
// of the session storage: every structure carries a TTL that is refreshed on
// write, and the evictor archives sessions whose TTL runs low.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loomwork/loom/runtime/blackboard"
	"github.com/loomwork/loom/runtime/namespace"
)

type (
	// Options configures the Redis blackboard.
	Options struct {
		// Client is the Redis connection. Required.
		Client *goredis.Client
		// Tenant scopes every key. Required.
		Tenant string
		// SessionTTL bounds session state, chat history, result lists, the
		// step ledger and the artifact set. Defaults to 40 minutes.
		SessionTTL time.Duration
		// ArtifactTTL bounds artifact blobs independently of their sessions.
		// Defaults to 24 hours.
		ArtifactTTL time.Duration
		// AbortTTL bounds abort markers. Defaults to 1 hour.
		AbortTTL time.Duration
	}

	// Store is the Redis-backed blackboard implementation.
	Store struct {
		rdb         *goredis.Client
		tenant      string
		sessionTTL  time.Duration
		artifactTTL time.Duration
		abortTTL    time.Duration
	}
)

const (
	defaultSessionTTL  = 40 * time.Minute
	defaultArtifactTTL = 24 * time.Hour
	defaultAbortTTL    = time.Hour
)

// casScript performs the read-compare-write of a state field as one atomic
// operation. ARGV: field, expected encoding ("" means the field must be
// absent), next encoding, TTL in milliseconds. Returns {1} on success and
// {0, actual} on conflict.
var casScript = goredis.NewScript(`
local cur = redis.call("HGET", KEYS[1], ARGV[1])
if ARGV[2] == "" then
  if cur then return {0, cur} end
else
  if not cur or cur ~= ARGV[2] then return {0, cur or ""} end
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return {1}
`)

// New builds a Redis blackboard bound to one tenant.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Tenant == "" {
		return nil, errors.New("tenant is required")
	}
	sessionTTL := opts.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = defaultSessionTTL
	}
	artifactTTL := opts.ArtifactTTL
	if artifactTTL <= 0 {
		artifactTTL = defaultArtifactTTL
	}
	abortTTL := opts.AbortTTL
	if abortTTL <= 0 {
		abortTTL = defaultAbortTTL
	}
	return &Store{
		rdb:         opts.Client,
		tenant:      opts.Tenant,
		sessionTTL:  sessionTTL,
		artifactTTL: artifactTTL,
		abortTTL:    abortTTL,
	}, nil
}

// Compile-time check that Store implements blackboard.Store.
var _ blackboard.Store = (*Store)(nil)

// Tenant returns the bound tenant.
func (s *Store) Tenant() string { return s.tenant }

// SessionTTLValue returns the configured session TTL. The evictor uses it as
// the default restore TTL.
func (s *Store) SessionTTLValue() time.Duration { return s.sessionTTL }

// SetState upserts one state field and refreshes the session TTL.
func (s *Store) SetState(ctx context.Context, sessionID, field string, v blackboard.Value) error {
	encoded, err := blackboard.EncodeValue(v)
	if err != nil {
		return err
	}
	key := namespace.SessionKey(s.tenant, sessionID)
	if err := s.rdb.HSet(ctx, key, field, encoded).Err(); err != nil {
		return fmt.Errorf("set state %q: %w", field, err)
	}
	return s.expire(ctx, key, s.sessionTTL)
}

// GetState reads one state field.
func (s *Store) GetState(ctx context.Context, sessionID, field string) (blackboard.Value, bool, error) {
	raw, err := s.rdb.HGet(ctx, namespace.SessionKey(s.tenant, sessionID), field).Result()
	if errors.Is(err, goredis.Nil) {
		return blackboard.Value{}, false, nil
	}
	if err != nil {
		return blackboard.Value{}, false, fmt.Errorf("get state %q: %w", field, err)
	}
	v, err := blackboard.DecodeValue(raw)
	if err != nil {
		return blackboard.Value{}, false, err
	}
	return v, true, nil
}

// GetAll reads the full state map.
func (s *Store) GetAll(ctx context.Context, sessionID string) (map[string]blackboard.Value, error) {
	raw, err := s.rdb.HGetAll(ctx, namespace.SessionKey(s.tenant, sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get all state: %w", err)
	}
	out := make(map[string]blackboard.Value, len(raw))
	for field, enc := range raw {
		v, err := blackboard.DecodeValue(enc)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field, err)
		}
		out[field] = v
	}
	return out, nil
}

// CompareAndSwapState atomically advances a string-kind state field.
func (s *Store) CompareAndSwapState(ctx context.Context, sessionID, field, expected, next string) error {
	var expectedEnc string
	if expected != "" {
		enc, err := blackboard.EncodeValue(blackboard.String(expected))
		if err != nil {
			return err
		}
		expectedEnc = enc
	}
	nextEnc, err := blackboard.EncodeValue(blackboard.String(next))
	if err != nil {
		return err
	}
	key := namespace.SessionKey(s.tenant, sessionID)
	res, err := casScript.Run(ctx, s.rdb, []string{key},
		field, expectedEnc, nextEnc, s.sessionTTL.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("cas %q: %w", field, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return fmt.Errorf("cas %q: unexpected script reply %v", field, res)
	}
	if n, _ := arr[0].(int64); n == 1 {
		return nil
	}
	actual := ""
	if len(arr) > 1 {
		if raw, _ := arr[1].(string); raw != "" {
			if v, decErr := blackboard.DecodeValue(raw); decErr == nil {
				if str, strErr := v.AsString(); strErr == nil {
					actual = str
				}
			}
		}
	}
	return &blackboard.ConflictError{Field: field, Expected: expected, Actual: actual}
}

// AppendChat appends one entry to the chat/event history.
func (s *Store) AppendChat(ctx context.Context, sessionID string, entry json.RawMessage) (int64, error) {
	key := namespace.ChatKey(s.tenant, sessionID)
	n, err := s.rdb.RPush(ctx, key, string(entry)).Result()
	if err != nil {
		return 0, fmt.Errorf("append chat: %w", err)
	}
	return n, s.expire(ctx, key, s.sessionTTL)
}

// Chat returns the full ordered history.
func (s *Store) Chat(ctx context.Context, sessionID string) ([]json.RawMessage, error) {
	return s.list(ctx, namespace.ChatKey(s.tenant, sessionID))
}

// AppendResult appends one value to a named result list.
func (s *Store) AppendResult(ctx context.Context, sessionID, bucket string, v json.RawMessage) (int64, error) {
	key := namespace.ResultsKey(s.tenant, sessionID, bucket)
	n, err := s.rdb.RPush(ctx, key, string(v)).Result()
	if err != nil {
		return 0, fmt.Errorf("append result %q: %w", bucket, err)
	}
	return n, s.expire(ctx, key, s.sessionTTL)
}

// Results returns the full ordered content of one bucket.
func (s *Store) Results(ctx context.Context, sessionID, bucket string) ([]json.RawMessage, error) {
	return s.list(ctx, namespace.ResultsKey(s.tenant, sessionID, bucket))
}

// ResultBuckets enumerates the session's bucket names.
func (s *Store) ResultBuckets(ctx context.Context, sessionID string) ([]string, error) {
	var (
		buckets []string
		cursor  uint64
	)
	match := namespace.ResultsMatch(s.tenant, sessionID)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan result buckets: %w", err)
		}
		for _, key := range keys {
			if bucket := namespace.ResultsBucketFromKey(s.tenant, sessionID, key); bucket != "" {
				buckets = append(buckets, bucket)
			}
		}
		if next == 0 {
			return buckets, nil
		}
		cursor = next
	}
}

// PushArtifact writes an artifact blob and registers it with the session.
func (s *Store) PushArtifact(ctx context.Context, sessionID, artifactID string, data json.RawMessage) error {
	if err := s.rdb.Set(ctx, namespace.ArtifactKey(s.tenant, artifactID), string(data), s.artifactTTL).Err(); err != nil {
		return fmt.Errorf("push artifact %q: %w", artifactID, err)
	}
	return s.AddArtifactRefs(ctx, sessionID, artifactID)
}

// GetArtifact reads an artifact blob.
func (s *Store) GetArtifact(ctx context.Context, artifactID string) (json.RawMessage, bool, error) {
	raw, err := s.rdb.Get(ctx, namespace.ArtifactKey(s.tenant, artifactID)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get artifact %q: %w", artifactID, err)
	}
	return json.RawMessage(raw), true, nil
}

// ListSessionArtifacts enumerates the session's artifact ids.
func (s *Store) ListSessionArtifacts(ctx context.Context, sessionID string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, namespace.ArtifactSetKey(s.tenant, sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return ids, nil
}

// AddArtifactRefs registers artifact ids with a session.
func (s *Store) AddArtifactRefs(ctx context.Context, sessionID string, artifactIDs ...string) error {
	if len(artifactIDs) == 0 {
		return nil
	}
	key := namespace.ArtifactSetKey(s.tenant, sessionID)
	members := make([]interface{}, len(artifactIDs))
	for i, id := range artifactIDs {
		members[i] = id
	}
	if err := s.rdb.SAdd(ctx, key, members...).Err(); err != nil {
		return fmt.Errorf("add artifact refs: %w", err)
	}
	return s.expire(ctx, key, s.sessionTTL)
}

// PutStepOnce records a step-ledger entry, first write wins.
func (s *Store) PutStepOnce(ctx context.Context, sessionID, field, value string) (bool, error) {
	key := namespace.StepsKey(s.tenant, sessionID)
	created, err := s.rdb.HSetNX(ctx, key, field, value).Result()
	if err != nil {
		return false, fmt.Errorf("put step %q: %w", field, err)
	}
	if err := s.expire(ctx, key, s.sessionTTL); err != nil {
		return false, err
	}
	return created, nil
}

// Steps returns the full step ledger.
func (s *Store) Steps(ctx context.Context, sessionID string) (map[string]string, error) {
	steps, err := s.rdb.HGetAll(ctx, namespace.StepsKey(s.tenant, sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get steps: %w", err)
	}
	return steps, nil
}

// SetAbort writes the fast-lookup abort marker.
func (s *Store) SetAbort(ctx context.Context, sessionID, reason string) error {
	if err := s.rdb.Set(ctx, namespace.AbortKey(s.tenant, sessionID), reason, s.abortTTL).Err(); err != nil {
		return fmt.Errorf("set abort: %w", err)
	}
	return nil
}

// IsAborted checks abort marker existence.
func (s *Store) IsAborted(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, namespace.AbortKey(s.tenant, sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("check abort: %w", err)
	}
	return n > 0, nil
}

// AbortReason returns the stored abort reason.
func (s *Store) AbortReason(ctx context.Context, sessionID string) (string, bool, error) {
	reason, err := s.rdb.Get(ctx, namespace.AbortKey(s.tenant, sessionID)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get abort reason: %w", err)
	}
	return reason, true, nil
}

// SessionExists reports whether the session state hash is present.
func (s *Store) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, namespace.SessionKey(s.tenant, sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("session exists: %w", err)
	}
	return n > 0, nil
}

// SessionTTL returns the remaining TTL of the session state hash.
func (s *Store) SessionTTL(ctx context.Context, sessionID string) (time.Duration, error) {
	ttl, err := s.rdb.PTTL(ctx, namespace.SessionKey(s.tenant, sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("session ttl: %w", err)
	}
	return ttl, nil
}

// Touch refreshes the session TTL without writing.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	return s.expire(ctx, namespace.SessionKey(s.tenant, sessionID), s.sessionTTL)
}

// LiveSessions enumerates session ids currently present in the cache.
func (s *Store) LiveSessions(ctx context.Context) ([]string, error) {
	var (
		ids    []string
		cursor uint64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, namespace.SessionMatch(s.tenant), 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan sessions: %w", err)
		}
		for _, key := range keys {
			if id := namespace.SessionIDFromKey(s.tenant, key); id != "" {
				ids = append(ids, id)
			}
		}
		if next == 0 {
			return ids, nil
		}
		cursor = next
	}
}

// OverwriteState replaces the full state map. Restore-only: never merges.
func (s *Store) OverwriteState(ctx context.Context, sessionID string, state map[string]blackboard.Value, ttl time.Duration) error {
	key := namespace.SessionKey(s.tenant, sessionID)
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("overwrite state: %w", err)
	}
	if len(state) == 0 {
		return nil
	}
	fields := make([]interface{}, 0, len(state)*2)
	for field, v := range state {
		enc, err := blackboard.EncodeValue(v)
		if err != nil {
			return fmt.Errorf("field %q: %w", field, err)
		}
		fields = append(fields, field, enc)
	}
	if err := s.rdb.HSet(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("overwrite state: %w", err)
	}
	return s.expire(ctx, key, ttl)
}

// OverwriteChat replaces the full chat history. Restore-only: never merges.
func (s *Store) OverwriteChat(ctx context.Context, sessionID string, entries []json.RawMessage, ttl time.Duration) error {
	return s.overwriteList(ctx, namespace.ChatKey(s.tenant, sessionID), entries, ttl)
}

// OverwriteResults replaces one result bucket. Restore-only: never merges.
func (s *Store) OverwriteResults(ctx context.Context, sessionID, bucket string, entries []json.RawMessage, ttl time.Duration) error {
	return s.overwriteList(ctx, namespace.ResultsKey(s.tenant, sessionID, bucket), entries, ttl)
}

// ClearSession deletes everything the session owns. Artifact blobs stay:
// they are shared by reference with inheriting sessions.
func (s *Store) ClearSession(ctx context.Context, sessionID string) error {
	buckets, err := s.ResultBuckets(ctx, sessionID)
	if err != nil {
		return err
	}
	keys := []string{
		namespace.SessionKey(s.tenant, sessionID),
		namespace.ChatKey(s.tenant, sessionID),
		namespace.ArtifactSetKey(s.tenant, sessionID),
		namespace.StepsKey(s.tenant, sessionID),
	}
	for _, bucket := range buckets {
		keys = append(keys, namespace.ResultsKey(s.tenant, sessionID, bucket))
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

func (s *Store) list(ctx context.Context, key string) ([]json.RawMessage, error) {
	raw, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read list %q: %w", key, err)
	}
	out := make([]json.RawMessage, len(raw))
	for i, entry := range raw {
		out[i] = json.RawMessage(entry)
	}
	return out, nil
}

func (s *Store) overwriteList(ctx context.Context, key string, entries []json.RawMessage, ttl time.Duration) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("overwrite list %q: %w", key, err)
	}
	if len(entries) == 0 {
		return nil
	}
	values := make([]interface{}, len(entries))
	for i, entry := range entries {
		values[i] = string(entry)
	}
	if err := s.rdb.RPush(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("overwrite list %q: %w", key, err)
	}
	return s.expire(ctx, key, ttl)
}

func (s *Store) expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.PExpire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("refresh ttl %q: %w", key, err)
	}
	return nil
}
