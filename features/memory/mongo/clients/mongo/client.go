// Package mongo hosts the MongoDB client used by the task memory store.
package mongo

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"
)

const (
	defaultCollection = "memories"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "memory-mongo"
)

type (
	// Entry is one remembered fact from a prior task.
	Entry struct {
		// UserID attributes the memory to the user whose task produced it.
		UserID string `bson:"user_id"`
		// TaskID links back to the producing task.
		TaskID string `bson:"task_id,omitempty"`
		// Content is the remembered text.
		Content string `bson:"content"`
		// Tags carry optional retrieval hints.
		Tags []string `bson:"tags,omitempty"`
		// CreatedAt records when the memory was written (UTC).
		CreatedAt time.Time `bson:"created_at"`
	}

	// Client exposes Mongo-backed operations for task memory.
	Client interface {
		health.Pinger

		// Insert stores one memory entry.
		Insert(ctx context.Context, e Entry) error
		// Search returns the entries most relevant to the keywords, best
		// match first, up to limit.
		Search(ctx context.Context, keywords []string, limit int) ([]Entry, error)
	}

	// Options configures the Mongo memory client.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}
)

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

func (c *client) Insert(ctx context.Context, e Entry) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := c.coll.InsertOne(ctx, e)
	return err
}

func (c *client) Search(ctx context.Context, keywords []string, limit int) ([]Entry, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.coll.Find(ctx,
		bson.M{"$text": bson.M{"$search": strings.Join(keywords, " ")}},
		options.Find().
			SetProjection(bson.M{"score": bson.M{"$meta": "textScore"}}).
			SetSort(bson.M{"score": bson.M{"$meta": "textScore"}}).
			SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []Entry
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
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
		{Keys: bson.D{{Key: "content", Value: "text"}, {Key: "tags", Value: "text"}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	}
	_, err := coll.Indexes().CreateMany(ctx, indexes)
	return err
}
