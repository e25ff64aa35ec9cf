// Package mongo hosts the MongoDB client used by the primary task store.
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

	"github.com/tentackl/tentackl/runtime/task"
	"github.com/tentackl/tentackl/runtime/task/store"
)

const (
	defaultTasksCollection = "tasks"
	defaultOpTimeout       = 5 * time.Second
	taskClientName         = "task-mongo"
)

// Client exposes Mongo-backed operations for durable task state.
type Client interface {
	health.Pinger

	InsertTask(ctx context.Context, t *task.Task) error
	FindTask(ctx context.Context, id string) (*task.Task, error)
	ReplaceTask(ctx context.Context, t *task.Task) error
	FindTasks(ctx context.Context, f store.Filter) ([]*task.Task, error)
	TransitionStatus(ctx context.Context, id string, from, to task.Status, completed bool) error
	SetFields(ctx context.Context, id string, fields bson.M) error
	PushFinding(ctx context.Context, id string, f task.Finding) error
	Supersede(ctx context.Context, id, newTaskID string, from task.Status) error
	FindStuckPlanning(ctx context.Context, cutoff time.Time) ([]*task.Task, error)
}

// Options configures the Mongo task client.
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
		collection = defaultTasksCollection
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
	return taskClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) InsertTask(ctx context.Context, t *task.Task) error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.coll.InsertOne(ctx, t)
	if mongodriver.IsDuplicateKeyError(err) {
		return task.Errorf(task.KindValidation, "task %s already exists", t.ID)
	}
	return err
}

func (c *client) FindTask(ctx context.Context, id string) (*task.Task, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var t task.Task
	if err := c.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&t); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, task.ErrNotFound(id)
		}
		return nil, err
	}
	return &t, nil
}

func (c *client) ReplaceTask(ctx context.Context, t *task.Task) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.coll.ReplaceOne(ctx, bson.M{"_id": t.ID}, t)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return task.ErrNotFound(t.ID)
	}
	return nil
}

func (c *client) FindTasks(ctx context.Context, f store.Filter) ([]*task.Task, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{}
	if f.UserID != "" {
		filter["user_id"] = f.UserID
	}
	if f.OrgID != "" {
		filter["org_id"] = f.OrgID
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if f.Limit > 0 {
		opts = opts.SetLimit(int64(f.Limit))
	}
	cur, err := c.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*task.Task
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TransitionStatus performs a compare-and-set on the status field so
// concurrent writers cannot skip states.
func (c *client) TransitionStatus(ctx context.Context, id string, from, to task.Status, completed bool) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	now := time.Now().UTC()
	set := bson.M{"status": to, "updated_at": now}
	if completed {
		set["completed_at"] = now
	}
	res, err := c.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": from},
		bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return task.ErrInvalidTransition(id, from, to)
	}
	return nil
}

func (c *client) SetFields(ctx context.Context, id string, fields bson.M) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	fields["updated_at"] = time.Now().UTC()
	res, err := c.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": fields})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return task.ErrNotFound(id)
	}
	return nil
}

func (c *client) PushFinding(ctx context.Context, id string, f task.Finding) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$push": bson.M{"findings": f},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return task.ErrNotFound(id)
	}
	return nil
}

// Supersede atomically marks the task superseded and records its
// replacement. The status filter is the single-writer guard: only one
// replan can win.
func (c *client) Supersede(ctx context.Context, id, newTaskID string, from task.Status) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	now := time.Now().UTC()
	res, err := c.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": from},
		bson.M{"$set": bson.M{
			"status":        task.StatusSuperseded,
			"superseded_by": newTaskID,
			"updated_at":    now,
			"completed_at":  now,
		}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return task.ErrInvalidTransition(id, from, task.StatusSuperseded)
	}
	return nil
}

func (c *client) FindStuckPlanning(ctx context.Context, cutoff time.Time) ([]*task.Task, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.coll.Find(ctx, bson.M{
		"status":     task.StatusPlanning,
		"created_at": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*task.Task
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
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "org_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
	}
	_, err := coll.Indexes().CreateMany(ctx, indexes)
	return err
}
