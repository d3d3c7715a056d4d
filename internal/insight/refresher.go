// Package insight periodically regenerates cached natural-language sales
// insights per tenant from recent sale records.
package insight

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lagcast-lab/lagcast/internal/storage"
)

// Kinds of cached insight, one row per (tenant, kind).
const (
	KindBestSeller  = "best_seller"
	KindTopProducts = "top_products"
)

var kinds = []string{KindBestSeller, KindTopProducts}

// ContextSource assembles the raw sales context text for one tenant.
type ContextSource interface {
	RefreshContext(ctx context.Context, tenant string) (string, error)
}

// Summarizer turns a prompt into generated insight text.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// TenantLister enumerates the tenants seen by the pipeline so far.
type TenantLister interface {
	Tenants() []string
}

// Refresher regenerates all insight kinds for all known tenants on a fixed
// interval. Generation calls an external model and can outlast the interval,
// so at most one refresh pass runs at a time: a tick that lands during a
// running pass is dropped, not queued.
type Refresher struct {
	insights   storage.InsightStore
	tenants    TenantLister
	source     ContextSource
	summarizer Summarizer

	interval time.Duration
	workers  int

	running atomic.Bool
}

// New wires a refresher. workers bounds concurrent tenant refreshes; values
// below 1 are treated as 1.
func New(insights storage.InsightStore, tenants TenantLister, source ContextSource, summarizer Summarizer, interval time.Duration, workers int) *Refresher {
	if workers < 1 {
		workers = 1
	}
	return &Refresher{
		insights:   insights,
		tenants:    tenants,
		source:     source,
		summarizer: summarizer,
		interval:   interval,
		workers:    workers,
	}
}

// Run refreshes immediately, then on every interval tick until ctx is
// cancelled.
func (r *Refresher) Run(ctx context.Context) {
	slog.Info("[Insight] Refresher started",
		"interval", r.interval,
		"workers", r.workers)

	r.RefreshAll(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.RefreshAll(ctx)
		case <-ctx.Done():
			slog.Info("[Insight] Refresher stopping (context cancelled)")
			return
		}
	}
}

// RefreshAll runs one refresh pass over every known tenant. It returns
// immediately without doing anything if a pass is already in flight.
func (r *Refresher) RefreshAll(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		slog.Warn("[Insight] Refresh already in flight, skipping tick")
		return
	}
	defer r.running.Store(false)

	tenants := r.tenants.Tenants()
	if len(tenants) == 0 {
		return
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	var failed atomic.Int32
	for _, tenant := range tenants {
		g.Go(func() error {
			// One tenant failing must not abort the others, so errors
			// are counted and logged instead of returned.
			if err := r.refreshTenant(gctx, tenant); err != nil {
				failed.Add(1)
				slog.Error("[Insight] Tenant refresh failed",
					"tenant", tenant,
					"error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("[Insight] Refresh pass complete",
		"tenants", len(tenants),
		"failed", failed.Load(),
		"duration", time.Since(start))
}

func (r *Refresher) refreshTenant(ctx context.Context, tenant string) error {
	contextText, err := r.source.RefreshContext(ctx, tenant)
	if err != nil {
		return fmt.Errorf("refresh context: %w", err)
	}
	if contextText == "" {
		slog.Info("[Insight] No sales context yet, skipping tenant", "tenant", tenant)
		return nil
	}

	for _, kind := range kinds {
		text, err := r.summarizer.Summarize(ctx, buildPrompt(kind, contextText))
		if err != nil {
			return fmt.Errorf("summarize %s: %w", kind, err)
		}
		insight := &storage.Insight{
			ID:          uuid.NewString(),
			Tenant:      tenant,
			Kind:        kind,
			Text:        text,
			GeneratedAt: time.Now().UTC(),
		}
		if err := r.insights.UpsertInsight(ctx, insight); err != nil {
			return fmt.Errorf("upsert %s: %w", kind, err)
		}
	}
	return nil
}

func buildPrompt(kind, data string) string {
	switch kind {
	case KindTopProducts:
		return fmt.Sprintf(
			"You are a helpful retail sales assistant AI. Analyze the provided structured sales data and generate insightful summaries.\n"+
				"Based on the following data:\n\n%s\n\n"+
				"Give me a json listing the Top Selling Products.\n"+
				"The json should contain the following columns:\n"+
				"- Product\n- Category\n- Units Sold\n- Revenue\n- Trend (e.g., 8%%↑ , 25%%↓ )\n\n"+
				"Only show the top 5 products ranked by total revenue.",
			data)
	default:
		return fmt.Sprintf(
			"You are a helpful retail sales assistant.\n"+
				"Based on the following data:\n%s\n"+
				"What product is likely to be best-selling tomorrow? Answer in points, not too long.",
			data)
	}
}
