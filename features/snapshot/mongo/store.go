// Package mongo provides a MongoDB-backed snapshot store for session
// cold storage.
package mongo

import (
	"context"
	"errors"
	"time"

	clientsmongo "github.com/loomwork/loom/features/snapshot/mongo/clients/mongo"
	"github.com/loomwork/loom/runtime/snapshot"
)

// Store implements snapshot.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Upsert writes the snapshot, replacing any prior one for the session.
func (s *Store) Upsert(ctx context.Context, snap snapshot.Snapshot) error {
	return s.client.UpsertSnapshot(ctx, snap)
}

// Load retrieves the latest snapshot for the session.
func (s *Store) Load(ctx context.Context, tenantID, sessionID string) (snapshot.Snapshot, error) {
	return s.client.LoadSnapshot(ctx, tenantID, sessionID)
}

// MarkRestored stamps the snapshot's restoration time.
func (s *Store) MarkRestored(ctx context.Context, tenantID, sessionID string, at time.Time) error {
	return s.client.MarkRestored(ctx, tenantID, sessionID, at)
}

// Delete removes the snapshot.
func (s *Store) Delete(ctx context.Context, tenantID, sessionID string) error {
	return s.client.DeleteSnapshot(ctx, tenantID, sessionID)
}
