// Package mongodb implements the reconciliation ledger on MongoDB.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/oksifun/gis-300-sub001/internal/ledger"
)

// Store implements ledger.Store using MongoDB.
type Store struct {
	client *mongo.Client
	rows   *mongo.Collection
}

// Config holds MongoDB connection settings.
type Config struct {
	URI        string
	Database   string
	Collection string
}

// NewStore connects, verifies connectivity and ensures the ledger
// indexes: the unique key on (tag, object_id, provider_id) plus the
// secondary lookups used by reconciliation jobs.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "gis_guids"
	}
	s := &Store{
		client: client,
		rows:   client.Database(cfg.Database).Collection(collection),
	}
	if err := s.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("creating indexes: %w", err)
	}
	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.rows.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "tag", Value: 1},
				{Key: "object_id", Value: 1},
				{Key: "provider_id", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "transport", Value: 1}}},
		{Keys: bson.D{{Key: "record_id", Value: 1}}},
		{Keys: bson.D{{Key: "gis", Value: 1}}},
		{Keys: bson.D{{Key: "root", Value: 1}}},
		{Keys: bson.D{{Key: "unique", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "saved", Value: 1}}},
	})
	return err
}

// Close disconnects from MongoDB.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func keyFilter(key ledger.RowKey) bson.M {
	filter := bson.M{"tag": key.Tag, "object_id": key.ObjectID}
	if key.ProviderID != nil {
		filter["provider_id"] = *key.ProviderID
	} else {
		filter["provider_id"] = nil
	}
	return filter
}

// Assemble fetches all rows tied to one operation-tracking record,
// keyed by their transport correlation id.
func (s *Store) Assemble(ctx context.Context, recordID primitive.ObjectID) (map[string]*ledger.GUID, error) {
	cursor, err := s.rows.Find(ctx, bson.M{"record_id": recordID})
	if err != nil {
		return nil, fmt.Errorf("finding rows for record %s: %w", recordID.Hex(), err)
	}
	defer cursor.Close(ctx)

	byTransport := make(map[string]*ledger.GUID)
	for cursor.Next(ctx) {
		var row ledger.GUID
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("decoding row: %w", err)
		}
		if row.Transport != "" {
			byTransport[row.Transport] = &row
		}
	}
	return byTransport, cursor.Err()
}

func (s *Store) InsertRow(ctx context.Context, row *ledger.GUID) error {
	if row.ID.IsZero() {
		row.ID = primitive.NewObjectID()
	}
	_, err := s.rows.InsertOne(ctx, row)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("row %s/%s already exists: %w", row.Tag, row.ObjectID.Hex(), err)
	}
	return err
}

// SaveRow runs the save hook and upserts the row. Rows that already
// carry an id are replaced by id: the hook may rewrite key fields
// (legacy tag migration, provider removal on shared kinds), so the
// post-hook key no longer addresses the stored document.
func (s *Store) SaveRow(ctx context.Context, row *ledger.GUID) error {
	row.Clean(time.Now())

	filter := bson.M{"_id": row.ID}
	if row.ID.IsZero() {
		filter = keyFilter(row.Key())
	}
	opts := options.Replace().SetUpsert(true)
	res, err := s.rows.ReplaceOne(ctx, filter, row, opts)
	if err != nil {
		return err
	}
	if oid, ok := res.UpsertedID.(primitive.ObjectID); ok {
		row.ID = oid
	}
	return nil
}

// BulkWrite executes the sub-operations unordered and without
// per-document validation. Partial failures are aggregated into a
// single *ledger.InternalError; applied sub-operations stay applied.
func (s *Store) BulkWrite(ctx context.Context, ops []ledger.WriteOp) (*ledger.BulkResult, error) {
	if len(ops) == 0 {
		return &ledger.BulkResult{}, nil
	}

	models := make([]mongo.WriteModel, 0, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case ledger.OpInsert:
			if op.Row == nil {
				return nil, fmt.Errorf("insert op without row")
			}
			if op.Row.ID.IsZero() {
				op.Row.ID = primitive.NewObjectID()
			}
			models = append(models, mongo.NewInsertOneModel().SetDocument(op.Row))
		case ledger.OpUpdate:
			if op.Key.IsZero() {
				return nil, fmt.Errorf("update op without key")
			}
			set := bson.M{}
			for k, v := range op.Set {
				set[k] = v
			}
			models = append(models, mongo.NewUpdateOneModel().
				SetFilter(keyFilter(op.Key)).
				SetUpdate(bson.M{"$set": set}).
				SetUpsert(true))
		case ledger.OpDelete:
			if op.Key.IsZero() {
				return nil, fmt.Errorf("delete op without key")
			}
			models = append(models, mongo.NewDeleteOneModel().SetFilter(keyFilter(op.Key)))
		default:
			return nil, fmt.Errorf("unknown write op kind %d", op.Kind)
		}
	}

	opts := options.BulkWrite().SetOrdered(false).SetBypassDocumentValidation(true)
	res, err := s.rows.BulkWrite(ctx, models, opts)

	result := &ledger.BulkResult{}
	if res != nil {
		result.Inserted = res.InsertedCount
		result.Modified = res.ModifiedCount
		result.Deleted = res.DeletedCount
		result.Upserted = res.UpsertedCount
	}
	if err != nil {
		var bwe mongo.BulkWriteException
		if !errors.As(err, &bwe) {
			return result, err
		}
		agg := &ledger.InternalError{}
		for _, we := range bwe.WriteErrors {
			agg.Errors = append(agg.Errors, we.Message)
		}
		if bwe.WriteConcernError != nil {
			agg.Errors = append(agg.Errors, bwe.WriteConcernError.Message)
		}
		return result, agg
	}
	return result, nil
}

func (s *Store) FindByKey(ctx context.Context, key ledger.RowKey) (*ledger.GUID, error) {
	var row ledger.GUID
	err := s.rows.FindOne(ctx, keyFilter(key)).Decode(&row)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Store) FindPending(ctx context.Context, tag ledger.Tag, limit int) ([]*ledger.GUID, error) {
	filter := bson.M{
		"tag":       tag,
		"status":    bson.M{"$in": []ledger.Status{ledger.StatusNew, ledger.StatusChanged, ledger.StatusUnknown}},
		"record_id": nil,
	}
	opts := options.Find().SetSort(bson.D{{Key: "saved", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.findRows(ctx, filter, opts)
}

func (s *Store) FindStale(ctx context.Context, cutoff time.Time, limit int) ([]*ledger.GUID, error) {
	filter := bson.M{
		"record_id": bson.M{"$ne": nil},
		"saved":     bson.M{"$lt": cutoff},
	}
	opts := options.Find().SetSort(bson.D{{Key: "saved", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.findRows(ctx, filter, opts)
}

func (s *Store) findRows(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*ledger.GUID, error) {
	cursor, err := s.rows.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var rows []*ledger.GUID
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// DeleteRow removes exactly one row. The non-zero key requirement makes
// delete-by-empty-filter structurally impossible.
func (s *Store) DeleteRow(ctx context.Context, key ledger.RowKey) error {
	if key.IsZero() {
		return fmt.Errorf("refusing to delete without a complete row key")
	}
	_, err := s.rows.DeleteOne(ctx, keyFilter(key))
	return err
}
