package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/lagcast-lab/lagcast/internal/catalog"
	"github.com/lagcast-lab/lagcast/internal/core/model"
	"github.com/lagcast-lab/lagcast/internal/forecast"
	"github.com/lagcast-lab/lagcast/internal/lagstore"
	"github.com/lagcast-lab/lagcast/internal/storage"
	"github.com/lagcast-lab/lagcast/internal/storage/badgerkv"
)

// fakeEntry records how the consumer settled it.
type fakeEntry struct {
	id   string
	data []byte

	mu     sync.Mutex
	acked  bool
	naked  bool
	termed bool
}

func (e *fakeEntry) ID() string   { return e.id }
func (e *fakeEntry) Data() []byte { return e.data }
func (e *fakeEntry) Ack() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acked = true
	return nil
}
func (e *fakeEntry) Nak() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.naked = true
	return nil
}
func (e *fakeEntry) Term() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.termed = true
	return nil
}

func (e *fakeEntry) settled() (acked, naked, termed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acked, e.naked, e.termed
}

// fakeSource hands out queued entries, then reports ErrNoEntries.
type fakeSource struct {
	mu      sync.Mutex
	entries []Entry
	drained chan struct{} // closed once the queue empties
	once    sync.Once
}

func newFakeSource(entries ...Entry) *fakeSource {
	return &fakeSource{entries: entries, drained: make(chan struct{})}
}

func (s *fakeSource) Next(ctx context.Context) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		s.once.Do(func() { close(s.drained) })
		return nil, ErrNoEntries
	}
	entry := s.entries[0]
	s.entries = s.entries[1:]
	return entry, nil
}

// memRecordStore collects saved records and can be told to fail.
type memRecordStore struct {
	mu      sync.Mutex
	records []*storage.SaleRecord
	fail    bool
}

func (m *memRecordStore) SaveRecord(ctx context.Context, record *storage.SaleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("insert failed")
	}
	m.records = append(m.records, record)
	return nil
}

func (m *memRecordStore) saved() []*storage.SaleRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*storage.SaleRecord(nil), m.records...)
}

type pipeline struct {
	records    *memRecordStore
	index      *catalog.Index
	lags       *lagstore.Store
	forecaster *forecast.Forecaster
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	ctx := context.Background()

	kv, err := badgerkv.New(badgerkv.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	lags, err := lagstore.Open(ctx, kv, []int{1, 7})
	require.NoError(t, err)

	index, err := catalog.Open(ctx, kv)
	require.NoError(t, err)
	_, err = index.Register(ctx, "widgets")
	require.NoError(t, err)

	forecaster, err := forecast.New(ctx, kv, lags, index, model.NewSGDRegressor(0.01))
	require.NoError(t, err)

	return &pipeline{
		records:    &memRecordStore{},
		index:      index,
		lags:       lags,
		forecaster: forecaster,
	}
}

func entry(id, payload string) *fakeEntry {
	return &fakeEntry{id: id, data: []byte(payload)}
}

func runUntilDrained(t *testing.T, c *Consumer, source *fakeSource) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	select {
	case <-source.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("source never drained")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestProcess_HappyPath(t *testing.T) {
	p := newPipeline(t)
	e := entry("log:1", `{"product":"widgets","quentity":5,"date":"2026-08-30","database_name":"shopA"}`)
	source := newFakeSource(e)

	c := New(source, p.records, p.index, p.lags, p.forecaster)
	runUntilDrained(t, c, source)

	acked, naked, termed := e.settled()
	require.True(t, acked)
	require.False(t, naked)
	require.False(t, termed)

	records := p.records.saved()
	require.Len(t, records, 1)
	require.Equal(t, "shopA", records[0].Tenant)
	require.Equal(t, "widgets", records[0].Product)
	require.Equal(t, 5.0, records[0].Quantity)
	require.NotEmpty(t, records[0].ID)

	require.True(t, p.lags.Get("shopA", "widgets").Current.Equal(decimal.NewFromInt(5)))
	require.Equal(t, []string{"shopA"}, p.forecaster.Tenants())
}

func TestProcess_EntriesInLogOrder(t *testing.T) {
	p := newPipeline(t)
	source := newFakeSource(
		entry("log:1", `{"product":"widgets","quentity":5,"date":"2026-08-28","database_name":"shopA"}`),
		entry("log:2", `{"product":"widgets","quentity":3,"date":"2026-08-29","database_name":"shopA"}`),
		entry("log:3", `{"product":"widgets","quentity":8,"date":"2026-08-30","database_name":"shopA"}`),
	)

	c := New(source, p.records, p.index, p.lags, p.forecaster)
	runUntilDrained(t, c, source)

	records := p.records.saved()
	require.Len(t, records, 3)
	require.Equal(t, []float64{5, 3, 8}, []float64{records[0].Quantity, records[1].Quantity, records[2].Quantity})
	require.True(t, p.lags.Get("shopA", "widgets").Current.Equal(decimal.NewFromInt(16)))
}

func TestProcess_MalformedEntryIsTerminated(t *testing.T) {
	p := newPipeline(t)
	e := entry("log:1", `{"product":`)
	source := newFakeSource(e)

	c := New(source, p.records, p.index, p.lags, p.forecaster)
	runUntilDrained(t, c, source)

	acked, naked, termed := e.settled()
	require.False(t, acked)
	require.False(t, naked)
	require.True(t, termed)
	require.Empty(t, p.records.saved())
}

func TestProcess_MissingTenantIsTerminated(t *testing.T) {
	p := newPipeline(t)
	e := entry("log:1", `{"product":"widgets","quentity":5,"date":"2026-08-30"}`)
	source := newFakeSource(e)

	c := New(source, p.records, p.index, p.lags, p.forecaster)
	runUntilDrained(t, c, source)

	_, _, termed := e.settled()
	require.True(t, termed)
	require.Empty(t, p.records.saved())
}

func TestProcess_RecordWriteFailureLeavesEntryUnacknowledged(t *testing.T) {
	p := newPipeline(t)
	p.records.fail = true
	e := entry("log:1", `{"product":"widgets","quentity":5,"date":"2026-08-30","database_name":"shopA"}`)
	source := newFakeSource(e)

	c := New(source, p.records, p.index, p.lags, p.forecaster)
	runUntilDrained(t, c, source)

	acked, naked, _ := e.settled()
	require.False(t, acked)
	require.True(t, naked)

	// Nothing downstream of the failed write ran.
	require.True(t, p.lags.Get("shopA", "widgets").Current.IsZero())
	require.Empty(t, p.forecaster.Tenants())
}

func TestProcess_AccumulateFailureLeavesEntryUnacknowledged(t *testing.T) {
	p := newPipeline(t)
	// Slash in the tenant collides with the lag key separator; Accumulate
	// rejects it.
	e := entry("log:1", `{"product":"widgets","quentity":5,"date":"2026-08-30","database_name":"shop/A"}`)
	source := newFakeSource(e)

	c := New(source, p.records, p.index, p.lags, p.forecaster)
	runUntilDrained(t, c, source)

	acked, naked, _ := e.settled()
	require.False(t, acked)
	require.True(t, naked)

	// The record write precedes the accumulate and already ran.
	require.Len(t, p.records.saved(), 1)
	// The forecast step never ran.
	require.Empty(t, p.forecaster.Tenants())
}

func TestProcess_UnknownCategoryLeavesEntryUnacknowledged(t *testing.T) {
	p := newPipeline(t)
	e := entry("log:1", `{"product":"laptops","quentity":5,"date":"2026-08-30","database_name":"shopA"}`)
	source := newFakeSource(e)

	c := New(source, p.records, p.index, p.lags, p.forecaster)
	runUntilDrained(t, c, source)

	acked, naked, _ := e.settled()
	require.False(t, acked)
	require.True(t, naked)

	// The lag accumulator and the forecaster were never touched.
	require.True(t, p.lags.Get("shopA", "laptops").Current.IsZero())
	require.Empty(t, p.forecaster.Tenants())
}

func TestProcess_UnknownCategoryRedeliveryDoesNotAccumulate(t *testing.T) {
	p := newPipeline(t)
	payload := `{"product":"laptops","quentity":5,"date":"2026-08-30","database_name":"shopA"}`

	// A naked entry comes back as-is. Both deliveries must bounce off the
	// category lookup with zero lag mutation, otherwise redelivery would
	// double-count the same five units.
	first := entry("log:4", payload)
	second := entry("log:4", payload)
	source := newFakeSource(first, second)

	c := New(source, p.records, p.index, p.lags, p.forecaster)
	runUntilDrained(t, c, source)

	for _, e := range []*fakeEntry{first, second} {
		acked, naked, _ := e.settled()
		require.False(t, acked)
		require.True(t, naked)
	}
	require.True(t, p.lags.Get("shopA", "laptops").Current.IsZero())
	require.Empty(t, p.forecaster.Tenants())
}

func TestProcess_RecordIDIsStableAcrossRedelivery(t *testing.T) {
	p := newPipeline(t)
	payload := `{"product":"widgets","quentity":5,"date":"2026-08-30","database_name":"shopA"}`

	// Same log entry delivered twice (e.g. after a nak) produces the same
	// record ID, so the insert is idempotent.
	first := entry("log:9", payload)
	second := entry("log:9", payload)
	source := newFakeSource(first, second)

	c := New(source, p.records, p.index, p.lags, p.forecaster)
	runUntilDrained(t, c, source)

	records := p.records.saved()
	require.Len(t, records, 2)
	require.Equal(t, records[0].ID, records[1].ID)
}

// failingSource counts the read attempts against a permanently broken log.
type failingSource struct {
	calls atomic.Int32
}

func (s *failingSource) Next(ctx context.Context) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.calls.Add(1)
	return nil, errors.New("connection reset")
}

func TestRun_ReadFailureBacksOffBetweenRetries(t *testing.T) {
	p := newPipeline(t)
	source := &failingSource{}

	c := New(source, p.records, p.index, p.lags, p.forecaster)
	c.retryWait = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	time.Sleep(120 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}

	// 120ms with a 50ms pause between attempts allows at most a handful of
	// reads; a loop without the pause would have made thousands.
	require.LessOrEqual(t, source.calls.Load(), int32(5))
	require.GreaterOrEqual(t, source.calls.Load(), int32(1))
}

func TestState_IdleAfterDrain(t *testing.T) {
	p := newPipeline(t)
	source := newFakeSource(
		entry("log:1", `{"product":"widgets","quentity":1,"date":"2026-08-30","database_name":"shopA"}`),
	)

	c := New(source, p.records, p.index, p.lags, p.forecaster)
	require.Equal(t, StateIdle, c.State())

	runUntilDrained(t, c, source)
	require.Equal(t, StateIdle, c.State())
	require.Equal(t, "idle", c.State().String())
	require.Equal(t, "processing", StateProcessing.String())
}
