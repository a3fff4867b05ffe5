package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue implements Queue on top of MongoDB. Each document holds a
// gob-encoded Task plus its eligibility time, and FindOneAndDelete claims
// exactly one document per dequeue.
type MongoQueue struct {
	coll *mongo.Collection
}

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "loom", collName to "queue_tasks".
func NewMongoQueue(client *mongo.Client, dbName, collName string) *MongoQueue {
	if dbName == "" {
		dbName = "loom"
	}
	if collName == "" {
		collName = "queue_tasks"
	}
	return &MongoQueue{
		coll: client.Database(dbName).Collection(collName),
	}
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

type mongoQueueDoc struct {
	Payload   []byte    `bson:"payload"`
	NotBefore int64     `bson:"not_before"`
	CreatedAt time.Time `bson:"created_at"`
}

// Enqueue inserts a document for the given Task.
func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	notBefore := t.EnqueuedAt.UnixNano()
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore.UnixNano()
	}

	doc := mongoQueueDoc{
		Payload:   data,
		NotBefore: notBefore,
		CreatedAt: time.Now().UTC(),
	}
	_, err = q.coll.InsertOne(ctx, doc)
	return err
}

// Dequeue blocks (via polling) until an eligible task is available or ctx
// is cancelled.
func (q *MongoQueue) Dequeue(ctx context.Context) (*Task, error) {
	// Reusable timer avoids allocating a new one on every idle poll.
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
	defer tmr.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var doc mongoQueueDoc
		err := q.coll.FindOneAndDelete(
			ctx,
			bson.M{"not_before": bson.M{"$lte": time.Now().UnixNano()}},
			options.FindOneAndDelete().SetSort(bson.D{
				{Key: "not_before", Value: 1},
				{Key: "created_at", Value: 1},
			}),
		).Decode(&doc)

		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				tmr.Reset(100 * time.Millisecond)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-tmr.C:
				}
				continue
			}
			return nil, err
		}

		return DecodeTask(doc.Payload)
	}
}

// Len returns an approximate number of queued tasks.
func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		slog.Warn("mongo queue: count failed", "error", err)
		return 0
	}
	return int(n)
}
