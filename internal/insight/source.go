package insight

import (
	"context"
	"fmt"
	"strings"

	"github.com/lagcast-lab/lagcast/internal/storage"
)

// DefaultContextLimit caps how many recent records feed one prompt.
const DefaultContextLimit = 200

// RecordReader is the read side of the durable record store.
type RecordReader interface {
	RecentRecords(ctx context.Context, tenant string, limit int) ([]*storage.SaleRecord, error)
}

// RecordContextSource builds prompt context from a tenant's most recent
// sale records, one line per record.
type RecordContextSource struct {
	records RecordReader
	limit   int
}

// NewRecordContextSource creates a source reading at most limit records per
// tenant. Values below 1 fall back to DefaultContextLimit.
func NewRecordContextSource(records RecordReader, limit int) *RecordContextSource {
	if limit < 1 {
		limit = DefaultContextLimit
	}
	return &RecordContextSource{records: records, limit: limit}
}

// RefreshContext returns the tenant's recent sales as prompt text, newest
// first. An empty string means the tenant has no records yet.
func (s *RecordContextSource) RefreshContext(ctx context.Context, tenant string) (string, error) {
	records, err := s.records.RecentRecords(ctx, tenant, s.limit)
	if err != nil {
		return "", fmt.Errorf("fetch recent records: %w", err)
	}
	if len(records) == 0 {
		return "", nil
	}

	var b strings.Builder
	for _, record := range records {
		fmt.Fprintf(&b, "Product '%s' sold %g units on %s.\n", record.Product, record.Quantity, record.Date)
	}
	return b.String(), nil
}
