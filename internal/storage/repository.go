package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by KV.Get when no value exists for the key.
var ErrNotFound = errors.New("key not found")

// SaleRecord is the durable structured form of one processed sale event.
// ID is derived deterministically from the source log entry, so re-applying
// the same entry after a partial failure inserts nothing new.
type SaleRecord struct {
	ID         string
	Tenant     string
	Product    string
	Quantity   float64
	Date       string
	IngestedAt time.Time
}

// Insight is a cached generated summary for one tenant, overwritten on each
// refresh cycle. Kind distinguishes the summary flavors produced per tenant.
type Insight struct {
	ID          string
	Tenant      string
	Kind        string
	Text        string
	GeneratedAt time.Time
}

// RecordStore persists processed sale events. Insert-only; duplicate record
// IDs are silently tolerated to keep at-least-once consumption idempotent.
type RecordStore interface {
	SaveRecord(ctx context.Context, record *SaleRecord) error
}

// InsightStore persists cached insights, one row per (tenant, kind).
type InsightStore interface {
	UpsertInsight(ctx context.Context, insight *Insight) error
}

// KV is the key-value persistence interface backing lag-window state, model
// blobs, and the category index. Each key is persisted independently, no
// cross-key transactions.
type KV interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, overwriting any existing value.
	Put(ctx context.Context, key string, value []byte) error

	// Exists reports whether key holds a value.
	Exists(ctx context.Context, key string) (bool, error)

	// Scan visits every key with the given prefix. Returning an error from
	// fn aborts the scan.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error

	Close() error
}
