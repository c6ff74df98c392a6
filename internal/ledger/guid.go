// Package ledger models the reconciliation ledger: one row per (tag,
// local object, provider) triple, tracking whether the local entity has
// been uploaded to GIS ZHKH, is mid-flight, or has drifted out of sync.
//
// Rows are never deleted during normal operation; Unmap returns a row
// to idle after an export attempt concludes and Reset wipes the remote
// identity so the next cycle re-creates the remote object from scratch.
// Which remote identifier is authoritative depends on the row's tag
// category: versioned kinds use the version identifier, uniquely
// numbered kinds use the human-meaningful unique number, everything
// else uses the plain gis/root identifiers.
package ledger

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Tag names the local entity kind a row reconciles.
type Tag string

const (
	TagHouse        Tag = "House"
	TagArea         Tag = "Area"
	TagRoom         Tag = "Room"
	TagPorch        Tag = "Porch"
	TagAccount      Tag = "Account"
	TagMeter        Tag = "Meter"
	TagProvider     Tag = "Provider"
	TagTenant       Tag = "Tenant"
	TagRequest      Tag = "Request"
	TagNotification Tag = "Notification"
	TagAddress      Tag = "Address"
	TagLegalEntity  Tag = "LegalEntity"
	TagContract     Tag = "Contract"
)

// legacyTags maps retired kind names onto current ones. Applied on
// every save so old rows converge without a migration pass.
var legacyTags = map[Tag]Tag{
	"Flat":        TagArea,
	"LivingArea":  TagArea,
	"CounterData": TagMeter,
	"Counter":     TagMeter,
	"HouseGroup":  TagHouse,
}

// versionedTags are kinds whose authoritative remote identifier is the
// version field.
var versionedTags = map[Tag]struct{}{
	TagHouse: {}, TagArea: {}, TagRoom: {}, TagPorch: {}, TagMeter: {},
}

// uniqueTags are kinds identified by a human-meaningful unique number
// instead of an opaque identifier.
var uniqueTags = map[Tag]struct{}{
	TagAccount: {}, TagNotification: {},
}

// sharedTags are globally shared remote kinds; their rows never carry a
// provider.
var sharedTags = map[Tag]struct{}{
	TagAddress: {}, TagProvider: {}, TagLegalEntity: {},
}

// Status is the lifecycle state recomputed on every save.
type Status string

const (
	StatusNew            Status = "new"
	StatusChanged        Status = "changed"
	StatusWorkInProgress Status = "work_in_progress"
	StatusSaved          Status = "saved"
	StatusError          Status = "error"
	StatusUnknown        Status = "unknown"
)

// inProgressWindow bounds how long an in-flight row counts as live;
// past it the row is stale and eligible for retry.
const inProgressWindow = 24 * time.Hour

// GUID is one reconciliation ledger row.
type GUID struct {
	ID         primitive.ObjectID  `bson:"_id,omitempty"`
	Tag        Tag                 `bson:"tag"`
	ObjectID   primitive.ObjectID  `bson:"object_id"`
	ProviderID *primitive.ObjectID `bson:"provider_id,omitempty"`

	// Transport is the transient correlation identifier assigned while
	// a request is in flight; RecordID points at the in-flight
	// operation-tracking record. Both clear on completion.
	Transport string              `bson:"transport,omitempty"`
	RecordID  *primitive.ObjectID `bson:"record_id,omitempty"`

	// Remote identifiers. Which one is authoritative depends on Tag.
	GIS     string `bson:"gis,omitempty"`
	Root    string `bson:"root,omitempty"`
	Version string `bson:"version,omitempty"`
	Unique  string `bson:"unique,omitempty"`
	Number  string `bson:"number,omitempty"`

	Updated time.Time `bson:"updated,omitempty"`
	Deleted time.Time `bson:"deleted,omitempty"`
	Error   string    `bson:"error,omitempty"`
	Status  Status    `bson:"status"`
	Saved   time.Time `bson:"saved"`

	// touched tracks fields modified since the last save; not
	// persisted.
	touched map[string]struct{} `bson:"-"`
}

// controlFields are the fields whose modification makes a row pending.
var controlFields = map[string]struct{}{
	"record_id": {}, "gis": {}, "root": {}, "version": {}, "unique": {},
	"number": {}, "updated": {}, "deleted": {}, "error": {}, "transport": {},
}

// Touch records a field modification for pending tracking.
func (g *GUID) Touch(fields ...string) {
	if g.touched == nil {
		g.touched = make(map[string]struct{})
	}
	for _, f := range fields {
		g.touched[f] = struct{}{}
	}
}

// Pending reports whether the row needs persisting: it was flagged
// changed or deleted, or a control field was touched since last save.
func (g *GUID) Pending() bool {
	for f := range g.touched {
		if _, ok := controlFields[f]; ok {
			return true
		}
		if f == "changed" {
			return true
		}
	}
	return false
}

// InProgress reports whether the row is currently owned by a live
// export attempt. Rows saved more than the in-progress window ago are
// stale and eligible for retry regardless of status.
func (g *GUID) InProgress(now time.Time) bool {
	switch g.Status {
	case StatusNew, StatusChanged, StatusWorkInProgress, StatusUnknown:
	default:
		return false
	}
	return now.Sub(g.Saved) < inProgressWindow
}

// Confirmed reports whether the remote system has acknowledged this
// row under its authoritative identifier.
func (g *GUID) Confirmed() bool {
	tag := currentTag(g.Tag)
	if _, ok := uniqueTags[tag]; ok {
		return g.Unique != ""
	}
	if _, ok := versionedTags[tag]; ok {
		return g.Version != ""
	}
	return g.GIS != "" || g.Root != ""
}

// MarkInFlight stamps the row with the operation-tracking record and a
// transport correlation identifier.
func (g *GUID) MarkInFlight(recordID primitive.ObjectID, transportID string) {
	g.RecordID = &recordID
	g.Transport = transportID
	g.Touch("record_id", "transport")
}

// Unmap clears the in-flight bookkeeping and any stale error, returning
// the row to idle. Called when an attempt concludes, whether it
// succeeded or was abandoned.
func (g *GUID) Unmap() {
	g.RecordID = nil
	g.Transport = ""
	g.Error = ""
	g.Touch("record_id", "transport", "error")
}

// Reset clears all remote-identity fields, forcing the next export
// cycle to treat the object as brand-new. Used when the remote object
// must be re-created from scratch, e.g. after deletion on the remote
// side.
func (g *GUID) Reset() {
	g.GIS = ""
	g.Root = ""
	g.Version = ""
	g.Unique = ""
	g.Number = ""
	g.Updated = time.Time{}
	g.Deleted = time.Time{}
	g.Error = ""
	g.Unmap()
	g.Touch("gis", "root", "version", "unique", "number", "updated", "deleted")
}

// Clean is the save hook applied before every persist: it migrates
// legacy tags, drops the provider on globally shared kinds, recomputes
// the status, stamps the save time and clears change tracking.
func (g *GUID) Clean(now time.Time) {
	g.Tag = currentTag(g.Tag)
	if _, shared := sharedTags[g.Tag]; shared {
		g.ProviderID = nil
	}
	g.Status = g.deriveStatus()
	g.Saved = now
	g.touched = nil
}

// deriveStatus applies the status precedence: error, then in-flight,
// then pending transport, then any remote identity, then unknown.
func (g *GUID) deriveStatus() Status {
	switch {
	case g.Error != "":
		return StatusError
	case g.RecordID != nil:
		return StatusWorkInProgress
	case g.Transport != "":
		return StatusChanged
	case g.GIS != "" || g.Root != "" || g.Version != "" || g.Unique != "":
		return StatusSaved
	default:
		return StatusUnknown
	}
}

func currentTag(t Tag) Tag {
	if current, ok := legacyTags[t]; ok {
		return current
	}
	return t
}
