package exporter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/oksifun/gis-300-sub001/internal/ledger"
	"github.com/oksifun/gis-300-sub001/pkg/fault"
	"github.com/oksifun/gis-300-sub001/pkg/schema"
	"github.com/oksifun/gis-300-sub001/pkg/soap"
	"github.com/oksifun/gis-300-sub001/pkg/transport"
)

const exporterWSDL = `<?xml version="1.0" encoding="UTF-8"?>
<wsdl:definitions name="HouseManagement"
    xmlns:wsdl="http://schemas.xmlsoap.org/wsdl/"
    xmlns:soap="http://schemas.xmlsoap.org/wsdl/soap/"
    xmlns:tns="urn:test">
  <wsdl:message name="importHouseRequest">
    <wsdl:part name="parameters" element="tns:importHouseRequest"/>
  </wsdl:message>
  <wsdl:message name="importHouseResponse">
    <wsdl:part name="parameters" element="tns:importHouseResult"/>
  </wsdl:message>
  <wsdl:message name="getStateRequest">
    <wsdl:part name="parameters" element="tns:getStateRequest"/>
  </wsdl:message>
  <wsdl:message name="getStateResponse">
    <wsdl:part name="parameters" element="tns:getStateResult"/>
  </wsdl:message>
  <wsdl:portType name="HouseManagementPort">
    <wsdl:operation name="importHouseData">
      <wsdl:input message="tns:importHouseRequest"/>
      <wsdl:output message="tns:importHouseResponse"/>
    </wsdl:operation>
    <wsdl:operation name="getState">
      <wsdl:input message="tns:getStateRequest"/>
      <wsdl:output message="tns:getStateResponse"/>
    </wsdl:operation>
  </wsdl:portType>
  <wsdl:binding name="HouseManagementBinding" type="tns:HouseManagementPort">
    <wsdl:operation name="importHouseData">
      <soap:operation soapAction="urn:importHouseData"/>
    </wsdl:operation>
    <wsdl:operation name="getState">
      <soap:operation soapAction="urn:getState"/>
    </wsdl:operation>
  </wsdl:binding>
</wsdl:definitions>`

// scriptedBus serves the description over Load and replies to Posts
// from a scripted queue.
type scriptedBus struct {
	responses []*http.Response
	errs      []error
	calls     int
}

func (b *scriptedBus) Get(ctx context.Context, url string) (*http.Response, error) {
	return nil, errors.New("not implemented")
}

func (b *scriptedBus) Post(ctx context.Context, url, contentType string, headers map[string]string, body []byte) (*http.Response, error) {
	i := b.calls
	b.calls++
	if i < len(b.errs) && b.errs[i] != nil {
		return nil, b.errs[i]
	}
	if i < len(b.responses) {
		return b.responses[i], nil
	}
	return nil, fmt.Errorf("unexpected call %d", i)
}

func (b *scriptedBus) Load(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	return []byte(exporterWSDL), nil
}

func envelope(body string) *http.Response {
	payload := `<?xml version="1.0"?>
		<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
			<soap:Body>` + body + `</soap:Body>
		</soap:Envelope>`
	return &http.Response{
		StatusCode: http.StatusOK,
		Status:     http.StatusText(http.StatusOK),
		Body:       io.NopCloser(bytes.NewReader([]byte(payload))),
	}
}

// memStore is an in-memory ledger.Store.
type memStore struct {
	pending []*ledger.GUID
	saves   int
}

func (s *memStore) Assemble(ctx context.Context, recordID primitive.ObjectID) (map[string]*ledger.GUID, error) {
	out := make(map[string]*ledger.GUID)
	for _, row := range s.pending {
		if row.RecordID != nil && *row.RecordID == recordID && row.Transport != "" {
			out[row.Transport] = row
		}
	}
	return out, nil
}

func (s *memStore) InsertRow(ctx context.Context, row *ledger.GUID) error { return nil }

func (s *memStore) SaveRow(ctx context.Context, row *ledger.GUID) error {
	row.Clean(time.Now())
	s.saves++
	return nil
}

func (s *memStore) BulkWrite(ctx context.Context, ops []ledger.WriteOp) (*ledger.BulkResult, error) {
	return &ledger.BulkResult{}, nil
}

func (s *memStore) FindByKey(ctx context.Context, key ledger.RowKey) (*ledger.GUID, error) {
	return nil, nil
}

func (s *memStore) FindPending(ctx context.Context, tag ledger.Tag, limit int) ([]*ledger.GUID, error) {
	var out []*ledger.GUID
	for _, row := range s.pending {
		if row.Tag == tag {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *memStore) FindStale(ctx context.Context, cutoff time.Time, limit int) ([]*ledger.GUID, error) {
	return nil, nil
}

func (s *memStore) DeleteRow(ctx context.Context, key ledger.RowKey) error { return nil }

// houseBuilder maps house rows onto the import operation and records
// the returned version.
type houseBuilder struct {
	buildErr error
}

func (b *houseBuilder) Build(row *ledger.GUID) (string, soap.Header, []soap.Param, error) {
	if b.buildErr != nil {
		return "", soap.Header{}, nil, b.buildErr
	}
	return "importHouseData", soap.Header{}, []soap.Param{
		{Name: "FIASHouseGuid", Value: row.GIS},
	}, nil
}

func (b *houseBuilder) Apply(row *ledger.GUID, result *soap.Result) error {
	if el := result.Find("Version"); el != nil {
		row.Version = el.Text()
		row.Touch("version")
	}
	return nil
}

func testExporter(t *testing.T, bus *scriptedBus, store ledger.Store, builder Builder) *Exporter {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	endpoint := &transport.RemoteEndpoint{Scheme: "https", Host: "api.dom.gosuslugi.ru", Port: 443}
	client, err := soap.NewClient(&soap.ClientConfig{
		Service:   "HouseManagement",
		Namespace: "urn:test",
		Transport: bus,
		Endpoint:  endpoint,
		Schemas:   schema.NewCache(bus, endpoint.URL(), schema.Config{Logger: logger}),
		Logger:    logger,
	})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Tags = []ledger.Tag{ledger.TagHouse}
	cfg.MaxAttempts = 1
	cfg.InitialBackoff = time.Millisecond

	e := New(store, client, builder, cfg, logger)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	t.Cleanup(e.cancel)
	return e
}

func TestProcessPending_FullCycle(t *testing.T) {
	row := &ledger.GUID{Tag: ledger.TagHouse, ObjectID: primitive.NewObjectID(), GIS: "house-guid"}
	store := &memStore{pending: []*ledger.GUID{row}}

	bus := &scriptedBus{responses: []*http.Response{
		// Export attempt acknowledged asynchronously.
		envelope(`<importHouseResult><MessageGUID>ack-1</MessageGUID></importHouseResult>`),
		// State query returns the processed result.
		envelope(`<getStateResult><Version>42</Version></getStateResult>`),
	}}

	e := testExporter(t, bus, store, &houseBuilder{})
	e.processPending()

	assert.Equal(t, "42", row.Version)
	assert.Nil(t, row.RecordID, "completed rows return to idle")
	assert.Empty(t, row.Transport)
	assert.Equal(t, ledger.StatusSaved, row.Status)
}

func TestProcessPending_StillProcessingRemotely(t *testing.T) {
	row := &ledger.GUID{Tag: ledger.TagHouse, ObjectID: primitive.NewObjectID(), GIS: "house-guid"}
	store := &memStore{pending: []*ledger.GUID{row}}

	accepted := &http.Response{
		StatusCode: http.StatusAccepted,
		Status:     http.StatusText(http.StatusAccepted),
		Body:       io.NopCloser(bytes.NewReader(nil)),
	}
	bus := &scriptedBus{responses: []*http.Response{
		envelope(`<importHouseResult><MessageGUID>ack-1</MessageGUID></importHouseResult>`),
		accepted,
	}}

	e := testExporter(t, bus, store, &houseBuilder{})
	e.processPending()

	// Left in flight for the next polling cycle.
	assert.NotNil(t, row.RecordID)
	assert.Equal(t, ledger.StatusWorkInProgress, row.Status)
	assert.Empty(t, row.Version)
}

func TestExportRow_BuildErrorIsRecorded(t *testing.T) {
	row := &ledger.GUID{Tag: ledger.TagHouse, ObjectID: primitive.NewObjectID()}
	store := &memStore{pending: []*ledger.GUID{row}}

	e := testExporter(t, &scriptedBus{}, store, &houseBuilder{buildErr: errors.New("no address data")})
	e.processPending()

	assert.Equal(t, ledger.StatusError, row.Status)
	assert.Contains(t, row.Error, "no address data")
}

func TestExportRow_TerminalFaultNotRetried(t *testing.T) {
	row := &ledger.GUID{Tag: ledger.TagHouse, ObjectID: primitive.NewObjectID(), GIS: "g"}
	store := &memStore{pending: []*ledger.GUID{row}}

	bus := &scriptedBus{errs: []error{&fault.ProcessError{Code: "INT002012", Message: "house not found"}}}
	e := testExporter(t, bus, store, &houseBuilder{})
	e.processPending()

	assert.Equal(t, 1, bus.calls, "process errors must not be retried")
	assert.Equal(t, ledger.StatusError, row.Status)
}

func TestExportRow_AttemptCeiling(t *testing.T) {
	row := &ledger.GUID{Tag: ledger.TagHouse, ObjectID: primitive.NewObjectID(), GIS: "g"}
	store := &memStore{pending: []*ledger.GUID{row}}

	unavailable := &fault.TransferError{StatusCode: 503, Reason: "service unavailable"}
	bus := &scriptedBus{errs: []error{unavailable, unavailable, unavailable, unavailable}}

	e := testExporter(t, bus, store, &houseBuilder{})
	e.maxAttempts = 2
	e.processPending()

	assert.Equal(t, 2, bus.calls, "MaxAttempts counts total attempts, not retries")
	assert.Equal(t, ledger.StatusError, row.Status)
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(&fault.RestartSignal{Cause: errors.New("reset")}))
	assert.True(t, retryable(&fault.TransferError{StatusCode: 504}))
	assert.False(t, retryable(&fault.ProcessError{Code: "X"}))
	assert.False(t, retryable(&fault.ValidationError{Field: "f"}))
	assert.False(t, retryable(errors.New("plain")))
}
