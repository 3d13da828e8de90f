package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/EddyLabs/eddy/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	documentsCollection = "documents"
	changesCollection   = "changes"
)

/*
	Mongo is the production Backend. Documents live in one collection keyed
	by resource; every committed write also appends a record to the changes
	collection, which is the publish step the socket process tails. The
	feed is an _id-cursored poller, so a standalone mongod works - no
	replica-set-only change stream is required.
*/

type Mongo struct {
	logger       *slog.Logger
	client       *mongo.Client
	docs         *mongo.Collection
	changes      *mongo.Collection
	pollInterval time.Duration
}

type MongoConfig struct {
	Logger       *slog.Logger
	URI          string
	Database     string
	PollInterval time.Duration
}

type mongoDocument struct {
	Resource  string    `bson:"_id"`
	Revision  int64     `bson:"revision"`
	Payload   any       `bson:"payload"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type mongoChange struct {
	ID       primitive.ObjectID `bson:"_id,omitempty"`
	Resource string             `bson:"resource"`
	Revision int64              `bson:"revision"`
	Payload  any                `bson:"payload"`
	At       time.Time          `bson:"at"`
}

func NewMongo(ctx context.Context, cfg MongoConfig) (*Mongo, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	db := client.Database(cfg.Database)
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}

	return &Mongo{
		logger:       cfg.Logger.WithGroup("mongo-store"),
		client:       client,
		docs:         db.Collection(documentsCollection),
		changes:      db.Collection(changesCollection),
		pollInterval: pollInterval,
	}, nil
}

// mapMongoErr folds driver failures into the gateway's taxonomy. Anything
// that smells like a network or timeout problem is transient.
func mapMongoErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// decodePayload turns the BSON payload back into the JSON the writer sent.
func decodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("payload not representable as JSON: %w", err)
	}
	return raw, nil
}

// encodePayload parses the caller's JSON so mongo stores real BSON values
// instead of an opaque blob. Scalars and arrays are as valid as objects.
func encodePayload(payload json.RawMessage) (any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	return v, nil
}

func (m *Mongo) Read(ctx context.Context, resource string) (models.Document, error) {
	var doc mongoDocument
	err := m.docs.FindOne(ctx, bson.M{"_id": resource}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.Document{}, fmt.Errorf("%w: %s", ErrNotFound, resource)
		}
		return models.Document{}, mapMongoErr(err)
	}

	payload, err := decodePayload(doc.Payload)
	if err != nil {
		return models.Document{}, err
	}
	return models.Document{
		Resource:  doc.Resource,
		Revision:  doc.Revision,
		Payload:   payload,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

func (m *Mongo) Write(ctx context.Context, resource string, payload json.RawMessage, opts WriteOptions) (int64, error) {
	value, err := encodePayload(payload)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	filter := bson.M{"_id": resource}
	findOpts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	if opts.ExpectedRevision != 0 {
		filter["revision"] = opts.ExpectedRevision
	} else {
		findOpts.SetUpsert(true)
	}

	update := bson.M{
		"$inc": bson.M{"revision": int64(1)},
		"$set": bson.M{"payload": value, "updated_at": now},
	}

	var updated mongoDocument
	err = m.docs.FindOneAndUpdate(ctx, filter, update, findOpts).Decode(&updated)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			// The conditional filter matched nothing: the resource is at a
			// different revision (or missing entirely).
			return 0, fmt.Errorf("%w: %s not at revision %d",
				ErrConflict, resource, opts.ExpectedRevision)
		}
		return 0, mapMongoErr(err)
	}

	// The publish step. A feed tailing the changes collection observes the
	// write once this insert lands.
	_, err = m.changes.InsertOne(ctx, mongoChange{
		Resource: resource,
		Revision: updated.Revision,
		Payload:  value,
		At:       now,
	})
	if err != nil {
		// The document write committed; failing the caller now would make
		// a retry bump the revision again. Log and keep the commit.
		m.logger.Error("changelog append failed after committed write",
			"resource", resource, "revision", updated.Revision, "error", err)
	}

	return updated.Revision, nil
}

func (m *Mongo) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *Mongo) Changes(_ context.Context, from Cursor) (ChangeFeed, error) {
	var last primitive.ObjectID
	if from.IsZero() {
		// Zero cursor means "from now". ObjectIDs embed a timestamp, so a
		// fresh one is a floor below no past entry.
		last = primitive.NewObjectIDFromTimestamp(time.Now().UTC())
	} else {
		var err error
		last, err = primitive.ObjectIDFromHex(from.ID)
		if err != nil {
			return nil, fmt.Errorf("bad change cursor %q: %w", from.ID, err)
		}
	}

	return &mongoFeed{
		mongo: m,
		last:  last,
		done:  make(chan struct{}),
	}, nil
}

type mongoFeed struct {
	mongo *Mongo
	last  primitive.ObjectID

	pending []models.ChangeEvent

	closeOnce sync.Once
	done      chan struct{}
}

func (f *mongoFeed) Next(ctx context.Context) (models.ChangeEvent, error) {
	for {
		if len(f.pending) > 0 {
			ev := f.pending[0]
			f.pending = f.pending[1:]
			return ev, nil
		}

		if err := f.fetch(ctx); err != nil {
			return models.ChangeEvent{}, err
		}
		if len(f.pending) > 0 {
			continue
		}

		select {
		case <-time.After(f.mongo.pollInterval):
		case <-ctx.Done():
			return models.ChangeEvent{}, ctx.Err()
		case <-f.done:
			return models.ChangeEvent{}, ErrFeedClosed
		}
	}
}

func (f *mongoFeed) fetch(ctx context.Context) error {
	select {
	case <-f.done:
		return ErrFeedClosed
	default:
	}

	cursor, err := f.mongo.changes.Find(ctx,
		bson.M{"_id": bson.M{"$gt": f.last}},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(512),
	)
	if err != nil {
		return mapMongoErr(err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var change mongoChange
		if err := cursor.Decode(&change); err != nil {
			return fmt.Errorf("corrupt changelog entry: %w", err)
		}
		payload, err := decodePayload(change.Payload)
		if err != nil {
			return err
		}
		f.pending = append(f.pending, models.ChangeEvent{
			Resource: change.Resource,
			Revision: change.Revision,
			Payload:  payload,
			At:       change.At,
		})
		f.last = change.ID
	}
	return mapMongoErr(cursor.Err())
}

func (f *mongoFeed) Cursor() Cursor {
	return Cursor{ID: f.last.Hex()}
}

func (f *mongoFeed) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}
