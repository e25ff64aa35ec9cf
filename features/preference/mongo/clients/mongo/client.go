// Package mongo hosts the MongoDB client used by the learned-preference
// store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/tentackl/tentackl/runtime/task/preference"
)

const (
	defaultCollection = "preferences"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "preference-mongo"
)

// Client exposes Mongo-backed operations for learned preferences.
type Client interface {
	health.Pinger

	// Record applies one approval or rejection outcome to the (user, key)
	// document, creating it if absent.
	Record(ctx context.Context, userID, key string, approved bool) error
	// Find returns the stats document. Missing documents return
	// zero-valued stats.
	Find(ctx context.Context, userID, key string) (preference.Stats, error)
	// FindAll lists every stats document for the user.
	FindAll(ctx context.Context, userID string) ([]preference.Stats, error)
	// Remove deletes the (user, key) document.
	Remove(ctx context.Context, userID, key string) error
}

// Options configures the Mongo preference client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    *mongodriver.Collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return &client{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Record(ctx context.Context, userID, key string, approved bool) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	inc := bson.M{"rejections": 1}
	if approved {
		inc = bson.M{"approvals": 1}
	}
	_, err := c.coll.UpdateOne(ctx,
		bson.M{"user_id": userID, "key": key},
		bson.M{
			"$inc": inc,
			"$set": bson.M{
				"last_approved": approved,
				"updated_at":    time.Now().UTC(),
			},
		},
		options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) Find(ctx context.Context, userID, key string) (preference.Stats, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var s preference.Stats
	err := c.coll.FindOne(ctx, bson.M{"user_id": userID, "key": key}).Decode(&s)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return preference.Stats{UserID: userID, Key: key}, nil
	}
	return s, err
}

func (c *client) FindAll(ctx context.Context, userID string) ([]preference.Stats, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.coll.Find(ctx, bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "key", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []preference.Stats
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) Remove(ctx context.Context, userID, key string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.coll.DeleteOne(ctx, bson.M{"user_id": userID, "key": key})
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

func ensureIndexes(ctx context.Context, coll *mongodriver.Collection) error {
	indexes := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	_, err := coll.Indexes().CreateMany(ctx, indexes)
	return err
}
