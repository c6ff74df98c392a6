package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/oksifun/gis-300-sub001/pkg/fault"
)

func TestDeriveStatus_Precedence(t *testing.T) {
	recordID := primitive.NewObjectID()

	cases := []struct {
		name string
		row  GUID
		want Status
	}{
		{"error wins over everything", GUID{Error: "boom", RecordID: &recordID, Transport: "t", GIS: "g"}, StatusError},
		{"in-flight record", GUID{RecordID: &recordID, Transport: "t", GIS: "g"}, StatusWorkInProgress},
		{"transport without record", GUID{Transport: "t", GIS: "g"}, StatusChanged},
		{"remote identity present", GUID{GIS: "g"}, StatusSaved},
		{"version counts as identity", GUID{Version: "v"}, StatusSaved},
		{"unique counts as identity", GUID{Unique: "12345"}, StatusSaved},
		{"nothing known", GUID{}, StatusUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.row.deriveStatus())
		})
	}
}

func TestConfirmed_PerTagCategory(t *testing.T) {
	// Versioned kinds: only the version identifier is authoritative.
	row := GUID{Tag: TagHouse, GIS: "gis", Root: "root"}
	assert.False(t, row.Confirmed())
	row.Version = "v1"
	assert.True(t, row.Confirmed())

	// Uniquely numbered kinds: only the unique number counts.
	row = GUID{Tag: TagAccount, GIS: "gis", Version: "v1"}
	assert.False(t, row.Confirmed())
	row.Unique = "75-1234"
	assert.True(t, row.Confirmed())

	// Everything else: any plain remote identifier.
	row = GUID{Tag: TagContract}
	assert.False(t, row.Confirmed())
	row.Root = "root"
	assert.True(t, row.Confirmed())

	// Legacy tag names resolve to their current category first.
	row = GUID{Tag: "Counter", GIS: "gis"}
	assert.False(t, row.Confirmed(), "Counter is a Meter, so gis alone is not authoritative")
	row.Version = "v1"
	assert.True(t, row.Confirmed())
}

func TestClean(t *testing.T) {
	now := time.Now()
	providerID := primitive.NewObjectID()

	t.Run("migrates legacy tags", func(t *testing.T) {
		row := GUID{Tag: "LivingArea", GIS: "g"}
		row.Clean(now)
		assert.Equal(t, TagArea, row.Tag)
		assert.Equal(t, StatusSaved, row.Status)
		assert.Equal(t, now, row.Saved)
	})

	t.Run("drops provider on shared kinds", func(t *testing.T) {
		row := GUID{Tag: TagAddress, ProviderID: &providerID}
		row.Clean(now)
		assert.Nil(t, row.ProviderID)
	})

	t.Run("keeps provider on owned kinds", func(t *testing.T) {
		row := GUID{Tag: TagHouse, ProviderID: &providerID}
		row.Clean(now)
		assert.Equal(t, &providerID, row.ProviderID)
	})

	t.Run("clears change tracking", func(t *testing.T) {
		row := GUID{Tag: TagHouse}
		row.Touch("gis")
		require.True(t, row.Pending())
		row.Clean(now)
		assert.False(t, row.Pending())
	})
}

func TestPending(t *testing.T) {
	var row GUID
	assert.False(t, row.Pending())

	row.Touch("saved")
	assert.False(t, row.Pending(), "bookkeeping fields do not make a row pending")

	row.Touch("version")
	assert.True(t, row.Pending())

	row = GUID{}
	row.Touch("changed")
	assert.True(t, row.Pending())
}

func TestInProgress(t *testing.T) {
	now := time.Now()

	row := GUID{Status: StatusWorkInProgress, Saved: now.Add(-time.Hour)}
	assert.True(t, row.InProgress(now))

	// Past the window the attempt is considered abandoned.
	row.Saved = now.Add(-25 * time.Hour)
	assert.False(t, row.InProgress(now))

	// Terminal statuses are never in progress.
	row = GUID{Status: StatusSaved, Saved: now}
	assert.False(t, row.InProgress(now))
	row.Status = StatusError
	assert.False(t, row.InProgress(now))
}

func TestMarkInFlightAndUnmap(t *testing.T) {
	recordID := primitive.NewObjectID()

	var row GUID
	row.MarkInFlight(recordID, "transport-1")
	assert.Equal(t, &recordID, row.RecordID)
	assert.Equal(t, "transport-1", row.Transport)
	assert.True(t, row.Pending())
	assert.Equal(t, StatusWorkInProgress, row.deriveStatus())

	row.Error = "remote said no"
	row.Unmap()
	assert.Nil(t, row.RecordID)
	assert.Empty(t, row.Transport)
	assert.Empty(t, row.Error)
}

func TestReset(t *testing.T) {
	recordID := primitive.NewObjectID()
	row := GUID{
		Tag: TagHouse, GIS: "g", Root: "r", Version: "v", Unique: "u",
		Number: "n", RecordID: &recordID, Transport: "t",
		Updated: time.Now(), Error: "e",
	}
	row.Reset()

	assert.Empty(t, row.GIS)
	assert.Empty(t, row.Root)
	assert.Empty(t, row.Version)
	assert.Empty(t, row.Unique)
	assert.Empty(t, row.Number)
	assert.Nil(t, row.RecordID)
	assert.Empty(t, row.Transport)
	assert.Empty(t, row.Error)
	assert.True(t, row.Updated.IsZero())
	assert.Equal(t, StatusUnknown, row.deriveStatus())
}

func TestNewRow(t *testing.T) {
	objectID := primitive.NewObjectID()
	providerID := primitive.NewObjectID()
	now := time.Now()

	t.Run("valid", func(t *testing.T) {
		row, err := NewRow(RowData{
			Tag:        "Flat",
			ObjectID:   objectID.Hex(),
			ProviderID: providerID.Hex(),
			Status:     StatusNew,
			Saved:      now,
		})
		require.NoError(t, err)
		assert.Equal(t, TagArea, row.Tag, "legacy tag names are migrated on construction")
		assert.Equal(t, objectID, row.ObjectID)
		require.NotNil(t, row.ProviderID)
		assert.Equal(t, providerID, *row.ProviderID)
	})

	t.Run("missing fields", func(t *testing.T) {
		for _, data := range []RowData{
			{Status: StatusNew, Tag: "House", ObjectID: objectID.Hex()},              // no Saved
			{Saved: now, Tag: "House", ObjectID: objectID.Hex()},                     // no Status
			{Saved: now, Status: StatusNew, ObjectID: objectID.Hex()},               // no Tag
			{Saved: now, Status: StatusNew, Tag: "House", ObjectID: "not-an-objid"}, // bad id
		} {
			_, err := NewRow(data)
			var verr *fault.ValidationError
			require.ErrorAs(t, err, &verr, "data %+v", data)
		}
	})
}

func TestRowKey_IsZero(t *testing.T) {
	assert.True(t, RowKey{}.IsZero())
	assert.True(t, RowKey{Tag: TagHouse}.IsZero())
	assert.True(t, RowKey{ObjectID: primitive.NewObjectID()}.IsZero())
	assert.False(t, RowKey{Tag: TagHouse, ObjectID: primitive.NewObjectID()}.IsZero())
}

func TestInternalError_Message(t *testing.T) {
	err := &InternalError{Errors: []string{"dup key", "too large"}}
	assert.Contains(t, err.Error(), "2 errors")
	assert.Contains(t, err.Error(), "dup key")
}
