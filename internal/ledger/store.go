package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/oksifun/gis-300-sub001/pkg/fault"
)

// RowKey addresses exactly one ledger row. Delete operations require a
// non-zero key so that "delete everything matching an empty filter" is
// structurally impossible.
type RowKey struct {
	Tag        Tag
	ObjectID   primitive.ObjectID
	ProviderID *primitive.ObjectID
}

// IsZero reports whether the key fails to address a row.
func (k RowKey) IsZero() bool {
	return k.Tag == "" || k.ObjectID.IsZero()
}

// Key returns the row's key.
func (g *GUID) Key() RowKey {
	return RowKey{Tag: g.Tag, ObjectID: g.ObjectID, ProviderID: g.ProviderID}
}

// RowData is the wire-shaped input for row construction; identifiers
// arrive as strings and are converted to native ids during validation.
type RowData struct {
	Tag        string
	ObjectID   string
	ProviderID string
	Status     Status
	Saved      time.Time
}

// NewRow validates RowData and builds a row. A save timestamp and a
// status are required at minimum.
func NewRow(data RowData) (*GUID, error) {
	if data.Saved.IsZero() {
		return nil, &fault.ValidationError{Field: "saved", Reason: "save timestamp is required"}
	}
	if data.Status == "" {
		return nil, &fault.ValidationError{Field: "status", Reason: "status is required"}
	}
	if data.Tag == "" {
		return nil, &fault.ValidationError{Field: "tag", Reason: "tag is required"}
	}

	objectID, err := primitive.ObjectIDFromHex(data.ObjectID)
	if err != nil {
		return nil, &fault.ValidationError{Field: "object_id", Reason: err.Error()}
	}
	row := &GUID{
		Tag:      currentTag(Tag(data.Tag)),
		ObjectID: objectID,
		Status:   data.Status,
		Saved:    data.Saved,
	}
	if data.ProviderID != "" {
		providerID, err := primitive.ObjectIDFromHex(data.ProviderID)
		if err != nil {
			return nil, &fault.ValidationError{Field: "provider_id", Reason: err.Error()}
		}
		row.ProviderID = &providerID
	}
	return row, nil
}

// OpKind selects the write operation kind for BulkWrite.
type OpKind int

const (
	OpInsert OpKind = iota
	OpUpdate
	OpDelete
)

// WriteOp is one sub-operation of a bulk write. Inserts carry a row;
// updates carry a key and the fields to set; deletes carry a key.
type WriteOp struct {
	Kind OpKind
	Row  *GUID
	Key  RowKey
	Set  map[string]any
}

// BulkResult reports how many sub-operations of a BulkWrite applied.
type BulkResult struct {
	Inserted int64
	Modified int64
	Deleted  int64
	Upserted int64
}

// InternalError aggregates every failed sub-operation of a bulk write.
// Successfully applied sub-operations are not rolled back; callers must
// reconcile by re-querying rather than assuming atomicity.
type InternalError struct {
	Errors []string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("bulk write partially failed (%d errors): %s",
		len(e.Errors), strings.Join(e.Errors, "; "))
}

// Store is what batch export/import jobs see of the ledger. Contention
// across jobs is handled optimistically: uniqueness on (tag, object_id,
// provider_id) is enforced by the storage layer and callers retry on
// constraint violation rather than pre-locking.
type Store interface {
	// Assemble fetches all rows associated with one in-flight
	// operation-tracking record, keyed by transport correlation id, so
	// remote acknowledgements can be matched back to the rows that
	// requested them.
	Assemble(ctx context.Context, recordID primitive.ObjectID) (map[string]*GUID, error)

	// InsertRow persists a freshly validated row.
	InsertRow(ctx context.Context, row *GUID) error

	// SaveRow runs the row's save hook and upserts it by key.
	SaveRow(ctx context.Context, row *GUID) error

	// BulkWrite executes sub-operations unordered and without
	// per-document validation, for throughput. Partial failures
	// surface as a single *InternalError.
	BulkWrite(ctx context.Context, ops []WriteOp) (*BulkResult, error)

	// FindByKey fetches one row, nil when absent.
	FindByKey(ctx context.Context, key RowKey) (*GUID, error)

	// FindPending lists rows of one kind that need an export attempt.
	FindPending(ctx context.Context, tag Tag, limit int) ([]*GUID, error)

	// FindStale lists in-flight rows whose last save predates the
	// cutoff, so abandoned attempts can be reclaimed.
	FindStale(ctx context.Context, cutoff time.Time, limit int) ([]*GUID, error)

	// DeleteRow removes one row. Administrative use only; the key must
	// be non-zero.
	DeleteRow(ctx context.Context, key RowKey) error
}
