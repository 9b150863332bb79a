// Package mongo hosts the MongoDB client used by the snapshot store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/loomwork/loom/runtime/snapshot"
)

const (
	defaultCollection  = "loom_snapshots"
	defaultOpTimeout   = 5 * time.Second
	snapshotClientName = "snapshot-mongo"
)

// Client exposes Mongo-backed operations for session snapshots.
type Client interface {
	health.Pinger

	UpsertSnapshot(ctx context.Context, snap snapshot.Snapshot) error
	LoadSnapshot(ctx context.Context, tenantID, sessionID string) (snapshot.Snapshot, error)
	MarkRestored(ctx context.Context, tenantID, sessionID string, at time.Time) error
	DeleteSnapshot(ctx context.Context, tenantID, sessionID string) error
}

// Options configures the Mongo snapshot client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo     *mongodriver.Client
	snapshots collection
	timeout   time.Duration
}

// New returns a Client backed by MongoDB. The unique (tenant_id, session_id)
// index makes upserts idempotent under concurrent evictor instances.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(collName)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, coll, timeout), nil
}

func (c *client) Name() string {
	return snapshotClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) UpsertSnapshot(ctx context.Context, snap snapshot.Snapshot) error {
	if snap.TenantID == "" {
		return errors.New("tenant id is required")
	}
	if snap.SessionID == "" {
		return errors.New("session id is required")
	}
	if snap.ArchivedAt.IsZero() {
		snap.ArchivedAt = time.Now().UTC()
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := snapshotFilter(snap.TenantID, snap.SessionID)
	update := bson.M{
		"$set": bson.M{
			"tenant_id":   snap.TenantID,
			"session_id":  snap.SessionID,
			"state":       snap.State,
			"history":     snap.History,
			"results":     snap.Results,
			"summary":     snap.Summary,
			"last_route":  snap.LastRoute,
			"archived_at": snap.ArchivedAt.UTC(),
		},
	}
	_, err := c.snapshots.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (c *client) LoadSnapshot(ctx context.Context, tenantID, sessionID string) (snapshot.Snapshot, error) {
	if tenantID == "" || sessionID == "" {
		return snapshot.Snapshot{}, errors.New("tenant and session ids are required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var snap snapshot.Snapshot
	if err := c.snapshots.FindOne(ctx, snapshotFilter(tenantID, sessionID)).Decode(&snap); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return snapshot.Snapshot{}, snapshot.ErrSnapshotNotFound
		}
		return snapshot.Snapshot{}, err
	}
	return snap, nil
}

func (c *client) MarkRestored(ctx context.Context, tenantID, sessionID string, at time.Time) error {
	if tenantID == "" || sessionID == "" {
		return errors.New("tenant and session ids are required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{"restored_at": at.UTC()}}
	res, err := c.snapshots.UpdateOne(ctx, snapshotFilter(tenantID, sessionID), update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return snapshot.ErrSnapshotNotFound
	}
	return nil
}

func (c *client) DeleteSnapshot(ctx context.Context, tenantID, sessionID string) error {
	if tenantID == "" || sessionID == "" {
		return errors.New("tenant and session ids are required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.snapshots.DeleteOne(ctx, snapshotFilter(tenantID, sessionID))
	return err
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func snapshotFilter(tenantID, sessionID string) bson.M {
	return bson.M{"tenant_id": tenantID, "session_id": sessionID}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "tenant_id", Value: 1},
			{Key: "session_id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) *client {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{mongo: mongoClient, snapshots: coll, timeout: timeout}
}

// collection is the slice of *mongodriver.Collection the client needs,
// defined so tests can substitute a fake without a running Mongo.
type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any,
		opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any,
	opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
