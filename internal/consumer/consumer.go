package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lagcast-lab/lagcast/internal/catalog"
	"github.com/lagcast-lab/lagcast/internal/forecast"
	"github.com/lagcast-lab/lagcast/internal/lagstore"
	"github.com/lagcast-lab/lagcast/internal/storage"
)

// ErrNoEntries is returned by Source.Next when a bounded blocking read
// expires without new entries.
var ErrNoEntries = errors.New("no undelivered entries")

// Entry is one raw entry of the durable event log. The consumer either
// acknowledges it (removes it from the log), naks it (leaves it for
// redelivery), or terminates it (removes it as a confirmed poison pill).
type Entry interface {
	ID() string
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}

// Source is the blocking-read side of the durable event log.
type Source interface {
	// Next blocks with a bounded wait for the next undelivered entry,
	// returning ErrNoEntries when the wait expires empty.
	Next(ctx context.Context) (Entry, error)
}

// State is the consumer loop's execution state.
type State int32

const (
	// StateIdle means no unseen entries; the loop is in a bounded wait.
	StateIdle State = iota
	// StateProcessing means the loop is draining entries.
	StateProcessing
)

func (s State) String() string {
	if s == StateProcessing {
		return "processing"
	}
	return "idle"
}

// wireEvent is the raw payload shape, one JSON object per log entry.
// The quantity key is misspelled by the upstream producer and must be
// decoded exactly as written.
type wireEvent struct {
	Product  string  `json:"product"`
	Quantity float64 `json:"quentity"`
	Date     string  `json:"date"`
	Tenant   string  `json:"database_name"`
}

// recordNamespace makes record IDs a pure function of the log entry ID, so
// a redelivered entry maps to the same record row.
var recordNamespace = uuid.MustParse("9f2c1a34-55aa-4b7e-8dd1-3f0a6c2e9b41")

// Consumer drives the event pipeline: decode, durable record write, lag
// accumulation, forecaster step, acknowledgment. One instance runs at a
// time; entries are processed in log order.
type Consumer struct {
	source     Source
	records    storage.RecordStore
	index      *catalog.Index
	lags       *lagstore.Store
	forecaster *forecast.Forecaster

	state atomic.Int32

	// retryWait paces the loop after a failed read so a flapping log
	// connection does not spin at error level.
	retryWait time.Duration
}

const defaultRetryWait = 2 * time.Second

// New wires a consumer over the given collaborators.
func New(source Source, records storage.RecordStore, index *catalog.Index, lags *lagstore.Store, forecaster *forecast.Forecaster) *Consumer {
	return &Consumer{
		source:     source,
		records:    records,
		index:      index,
		lags:       lags,
		forecaster: forecaster,
		retryWait:  defaultRetryWait,
	}
}

// State reports whether the loop is idle or draining a batch.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

// Run consumes entries until ctx is cancelled. The entry in flight when
// cancellation arrives is finished (processed and acknowledged, or naked)
// before Run returns, so acknowledgment is never split from processing.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("[Consumer] Started, waiting for entries")

	for {
		select {
		case <-ctx.Done():
			slog.Info("[Consumer] Stopping (context cancelled)")
			return nil
		default:
		}

		entry, err := c.source.Next(ctx)
		if errors.Is(err, ErrNoEntries) {
			c.state.Store(int32(StateIdle))
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("[Consumer] Stopping (context cancelled)")
				return nil
			}
			slog.Error("[Consumer] Read failed, retrying", "error", err, "retry_in", c.retryWait)
			select {
			case <-time.After(c.retryWait):
			case <-ctx.Done():
			}
			continue
		}

		c.state.Store(int32(StateProcessing))

		// The in-flight entry always completes: processing runs on an
		// uncancellable context so shutdown never splits a write from its
		// acknowledgment.
		c.processEntry(context.WithoutCancel(ctx), entry)
	}
}

// processEntry applies one entry to the pipeline and settles it.
//
// Failure handling per stage:
//   - undecodable payload: logged, terminated (confirmed skip)
//   - record write / accumulate / step failure: logged, naked; the entry
//     is redelivered and every stage is idempotent or duplicate-tolerant
func (c *Consumer) processEntry(ctx context.Context, entry Entry) {
	event, err := decode(entry.Data())
	if err != nil {
		slog.Warn("[Consumer] Skipping malformed entry",
			"entry_id", entry.ID(),
			"error", err)
		if err := entry.Term(); err != nil {
			slog.Error("[Consumer] Failed to terminate malformed entry",
				"entry_id", entry.ID(),
				"error", err)
		}
		return
	}

	record := &storage.SaleRecord{
		ID:         uuid.NewSHA1(recordNamespace, []byte(entry.ID())).String(),
		Tenant:     event.Tenant,
		Product:    event.Product,
		Quantity:   event.Quantity,
		Date:       event.Date,
		IngestedAt: time.Now().UTC(),
	}

	if err := c.records.SaveRecord(ctx, record); err != nil {
		c.nak(entry, event.Tenant, "record write failed", err)
		return
	}

	// Resolve the category before touching the lag accumulator. An
	// unknown category stays un-acknowledged until an operator registers
	// it, and the redeliveries in between must not inflate Current.
	if _, err := c.index.Lookup(event.Product); err != nil {
		c.nak(entry, event.Tenant, "category lookup failed", err)
		return
	}

	if err := c.lags.Accumulate(ctx, event.Tenant, event.Product, decimal.NewFromFloat(event.Quantity)); err != nil {
		c.nak(entry, event.Tenant, "lag accumulate failed", err)
		return
	}

	result, err := c.forecaster.Step(ctx, event.Tenant, event.Product, event.Quantity)
	if err != nil {
		c.nak(entry, event.Tenant, "forecast step failed", err)
		return
	}

	if err := entry.Ack(); err != nil {
		slog.Error("[Consumer] Acknowledgment failed, entry will be redelivered",
			"entry_id", entry.ID(),
			"tenant", event.Tenant,
			"error", err)
		return
	}

	slog.Info("[Consumer] Processed entry",
		"entry_id", entry.ID(),
		"tenant", event.Tenant,
		"product", event.Product,
		"quantity", event.Quantity,
		"predicted", result.Predicted,
		"mae", result.MAE)
}

func (c *Consumer) nak(entry Entry, tenant, msg string, cause error) {
	slog.Error("[Consumer] "+msg+", entry left un-acknowledged",
		"entry_id", entry.ID(),
		"tenant", tenant,
		"error", cause)
	if err := entry.Nak(); err != nil {
		slog.Error("[Consumer] Nak failed",
			"entry_id", entry.ID(),
			"error", err)
	}
}

// decode parses and validates the wire payload.
func decode(data []byte) (*wireEvent, error) {
	var event wireEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if event.Tenant == "" {
		return nil, fmt.Errorf("decode event: missing database_name")
	}
	if event.Product == "" {
		return nil, fmt.Errorf("decode event: missing product")
	}
	return &event, nil
}
