package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemStore is an in-process snapshot store for tests and single-node use.
type MemStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

// NewMemStore builds an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{snaps: make(map[string]Snapshot)}
}

var _ Store = (*MemStore)(nil)

// Upsert writes the snapshot.
func (s *MemStore) Upsert(_ context.Context, snap Snapshot) error {
	if snap.TenantID == "" || snap.SessionID == "" {
		return fmt.Errorf("snapshot requires tenant and session ids")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[memKey(snap.TenantID, snap.SessionID)] = snap
	return nil
}

// Load returns the latest snapshot.
func (s *MemStore) Load(_ context.Context, tenantID, sessionID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[memKey(tenantID, sessionID)]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s/%s", ErrSnapshotNotFound, tenantID, sessionID)
	}
	return snap, nil
}

// MarkRestored stamps RestoredAt.
func (s *MemStore) MarkRestored(_ context.Context, tenantID, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memKey(tenantID, sessionID)
	snap, ok := s.snaps[key]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrSnapshotNotFound, tenantID, sessionID)
	}
	snap.RestoredAt = &at
	s.snaps[key] = snap
	return nil
}

// Delete removes the snapshot.
func (s *MemStore) Delete(_ context.Context, tenantID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, memKey(tenantID, sessionID))
	return nil
}

func memKey(tenantID, sessionID string) string {
	return tenantID + "/" + sessionID
}
