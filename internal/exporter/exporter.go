// Package exporter provides the background worker that drives the
// reconciliation ledger against the GIS ZHKH service bus.
//
// The worker polls the ledger for rows needing an export attempt, marks
// them in flight under a shared operation-tracking record, performs the
// SOAP operation and later matches remote acknowledgements back to rows
// via the transport correlation id. Restart signals and transfer errors
// are retried with exponential backoff up to an attempt ceiling;
// process and validation errors are recorded on the row and never
// retried.
//
// # Concurrency
//
// Rows are processed sequentially within each polling batch. Multiple
// workers may run concurrently: ledger uniqueness on (tag, object_id,
// provider_id) plus the in-flight record id keeps them from stealing
// each other's rows, and callers retry on constraint violation rather
// than locking.
package exporter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/oksifun/gis-300-sub001/internal/ledger"
	"github.com/oksifun/gis-300-sub001/pkg/fault"
	"github.com/oksifun/gis-300-sub001/pkg/soap"
)

// Builder translates ledger rows into service operations and applies
// operation results back. Implementations live with the domain models,
// outside this core.
type Builder interface {
	// Build produces the operation name, header and body for one row's
	// export attempt.
	Build(row *ledger.GUID) (operation string, hdr soap.Header, body []soap.Param, err error)

	// Apply records a completed operation result into the row: the
	// remote identifiers under the row's authoritative scheme.
	Apply(row *ledger.GUID, result *soap.Result) error
}

// Config tunes the worker.
type Config struct {
	Tags           []ledger.Tag
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:   30 * time.Second,
		BatchSize:      100,
		MaxAttempts:    5,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     5 * time.Minute,
	}
}

// Exporter is the background export worker.
type Exporter struct {
	store   ledger.Store
	client  *soap.Client
	builder Builder
	logger  *slog.Logger

	tags           []ledger.Tag
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an export worker.
func New(store ledger.Store, client *soap.Client, builder Builder, cfg *Config, logger *slog.Logger) *Exporter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		store:          store,
		client:         client,
		builder:        builder,
		logger:         logger,
		tags:           cfg.Tags,
		pollInterval:   cfg.PollInterval,
		batchSize:      cfg.BatchSize,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
	}
}

// Start begins background processing.
func (e *Exporter) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.run()
	e.logger.Info("exporter started", "poll_interval", e.pollInterval)
}

// Stop gracefully stops the worker.
func (e *Exporter) Stop() {
	e.cancel()
	e.wg.Wait()
	e.logger.Info("exporter stopped")
}

func (e *Exporter) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.reclaimStale()
			e.processPending()
		}
	}
}

// processPending runs one export cycle over every configured tag.
func (e *Exporter) processPending() {
	for _, tag := range e.tags {
		rows, err := e.store.FindPending(e.ctx, tag, e.batchSize)
		if err != nil {
			e.logger.Error("listing pending rows", "tag", tag, "error", err)
			continue
		}
		if len(rows) == 0 {
			continue
		}

		recordID := primitive.NewObjectID()
		for _, row := range rows {
			if e.ctx.Err() != nil {
				return
			}
			e.exportRow(row, recordID)
		}
		e.collectResults(recordID)
	}
}

// exportRow performs one row's export attempt, retrying restart signals
// and transfer errors with backoff up to the attempt ceiling.
func (e *Exporter) exportRow(row *ledger.GUID, recordID primitive.ObjectID) {
	operation, hdr, body, err := e.builder.Build(row)
	if err != nil {
		e.recordError(row, err)
		return
	}

	transportID := uuid.New().String()
	hdr.MessageGUID = transportID
	row.MarkInFlight(recordID, transportID)
	if err := e.store.SaveRow(e.ctx, row); err != nil {
		e.logger.Error("marking row in flight", "tag", row.Tag, "object", row.ObjectID.Hex(), "error", err)
		return
	}

	var result *soap.Result
	attempt := func() error {
		var sendErr error
		result, sendErr = e.client.SendMessage(e.ctx, operation, hdr, body)
		if sendErr == nil {
			return nil
		}
		if retryable(sendErr) {
			return sendErr
		}
		return backoff.Permanent(sendErr)
	}

	policy := backoff.WithContext(e.newBackoff(), e.ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		e.recordError(row, err)
		return
	}

	// The ack correlates the in-flight attempt with the remote
	// operation; the row stays work-in-progress until the result is
	// collected.
	if ack := result.AckGUID(); ack != "" {
		row.Transport = ack
		row.Touch("transport")
	}
	if err := e.store.SaveRow(e.ctx, row); err != nil {
		e.logger.Error("saving exported row", "tag", row.Tag, "object", row.ObjectID.Hex(), "error", err)
	}
}

// collectResults polls the remote operation state for every row of one
// tracking record and applies the outcome.
func (e *Exporter) collectResults(recordID primitive.ObjectID) {
	rows, err := e.store.Assemble(e.ctx, recordID)
	if err != nil {
		e.logger.Error("assembling in-flight rows", "record", recordID.Hex(), "error", err)
		return
	}

	for transportID, row := range rows {
		result, err := e.client.SendMessage(e.ctx, soap.StateOperation,
			soap.Header{MessageGUID: uuid.New().String()},
			[]soap.Param{{Name: "MessageGUID", Value: transportID}})
		if err != nil {
			if !retryable(err) {
				e.recordError(row, err)
			}
			continue
		}
		if result == nil {
			// Still processing remotely; the next cycle polls again.
			continue
		}

		if err := e.builder.Apply(row, result); err != nil {
			e.recordError(row, err)
			continue
		}
		row.Unmap()
		if err := e.store.SaveRow(e.ctx, row); err != nil {
			e.logger.Error("saving confirmed row", "tag", row.Tag, "object", row.ObjectID.Hex(), "error", err)
		}
	}
}

// reclaimStale returns abandoned in-flight rows to idle so the next
// cycle retries them.
func (e *Exporter) reclaimStale() {
	cutoff := time.Now().Add(-24 * time.Hour)
	rows, err := e.store.FindStale(e.ctx, cutoff, e.batchSize)
	if err != nil {
		e.logger.Error("listing stale rows", "error", err)
		return
	}
	for _, row := range rows {
		row.Unmap()
		if err := e.store.SaveRow(e.ctx, row); err != nil {
			e.logger.Error("reclaiming stale row", "tag", row.Tag, "object", row.ObjectID.Hex(), "error", err)
			continue
		}
		e.logger.Warn("reclaimed stale in-flight row", "tag", row.Tag, "object", row.ObjectID.Hex())
	}
}

// recordError concludes a failed attempt: the row returns to idle with
// the error recorded, so result collection skips it.
func (e *Exporter) recordError(row *ledger.GUID, err error) {
	e.logger.Error("export failed", "tag", row.Tag, "object", row.ObjectID.Hex(), "error", err)
	row.RecordID = nil
	row.Transport = ""
	row.Error = err.Error()
	row.Touch("record_id", "transport", "error")
	if saveErr := e.store.SaveRow(e.ctx, row); saveErr != nil {
		e.logger.Error("saving failed row", "tag", row.Tag, "object", row.ObjectID.Hex(), "error", saveErr)
	}
}

func (e *Exporter) newBackoff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.initialBackoff
	policy.MaxInterval = e.maxBackoff
	policy.MaxElapsedTime = 0

	// WithMaxRetries counts retries after the first attempt; MaxAttempts
	// counts total attempts.
	attempts := e.maxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithMaxRetries(policy, uint64(attempts-1))
}

// retryable reports whether an error is a restart signal or a transfer
// error; process and validation errors are terminal.
func retryable(err error) bool {
	var restart *fault.RestartSignal
	if errors.As(err, &restart) {
		return true
	}
	var transfer *fault.TransferError
	return errors.As(err, &transfer)
}
