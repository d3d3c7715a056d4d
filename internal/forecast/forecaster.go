package forecast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/lagcast-lab/lagcast/internal/catalog"
	"github.com/lagcast-lab/lagcast/internal/core/model"
	"github.com/lagcast-lab/lagcast/internal/lagstore"
	"github.com/lagcast-lab/lagcast/internal/storage"
)

var (
	// ErrModelUnavailable means a tenant has neither persisted model state
	// nor a bootstrap template. Events for that tenant fail until an
	// operator supplies a template.
	ErrModelUnavailable = errors.New("no model state and no bootstrap template")

	// ErrPersistence marks a failed model-state write. The in-memory model
	// keeps the learned update; the triggering event must stay
	// un-acknowledged so the write is retried.
	ErrPersistence = errors.New("model persistence failed")
)

const keyPrefix = "model/"

// StepResult reports one predict-then-learn cycle.
type StepResult struct {
	// Predicted is the one-step-ahead forecast made before learning.
	Predicted float64

	// MAE is the tenant's mean absolute error over all steps seen so far.
	MAE float64
}

// Forecaster owns one incremental model per tenant. Every Step predicts,
// scores, learns, and persists atomically with respect to other steps for
// the same tenant; different tenants proceed concurrently.
type Forecaster struct {
	kv       storage.KV
	lags     *lagstore.Store
	index    *catalog.Index
	template model.Incremental // cloned for new tenants; nil means no bootstrap

	mu      sync.Mutex
	tenants map[string]*tenantModel
}

type tenantModel struct {
	mu     sync.Mutex
	model  model.Incremental
	maeSum float64
	steps  int64
}

// New creates a forecaster and indexes the tenants with persisted model
// state. Blobs are decoded lazily on first use, not here.
func New(ctx context.Context, kv storage.KV, lags *lagstore.Store, index *catalog.Index, template model.Incremental) (*Forecaster, error) {
	f := &Forecaster{
		kv:       kv,
		lags:     lags,
		index:    index,
		template: template,
		tenants:  make(map[string]*tenantModel),
	}

	err := kv.Scan(ctx, keyPrefix, func(key string, _ []byte) error {
		tenant := strings.TrimPrefix(key, keyPrefix)
		if tenant != "" {
			f.tenants[tenant] = &tenantModel{}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index persisted models: %w", err)
	}

	slog.Info("[Forecaster] Initialized",
		"known_tenants", len(f.tenants),
		"has_template", template != nil)
	return f, nil
}

// EnsureModel loads the tenant's persisted model state, or clones the
// bootstrap template if none exists. Fails with ErrModelUnavailable when
// neither is available.
func (f *Forecaster) EnsureModel(ctx context.Context, tenant string) error {
	tm := f.tenant(tenant)
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if err := f.ensureLocked(ctx, tenant, tm); err != nil {
		f.release(tenant, tm)
		return err
	}
	return nil
}

// Step runs one predict-then-learn cycle for a single observed quantity:
// resolve the category's feature id, build the feature vector from the
// category's lag windows, forecast (read-only), update the tenant's MAE,
// learn in place, persist the model state.
//
// On persistence failure the in-memory model keeps the update and the step
// reports ErrPersistence; the caller must leave the source event
// un-acknowledged so persistence is retried on redelivery.
func (f *Forecaster) Step(ctx context.Context, tenant, category string, observed float64) (StepResult, error) {
	categoryID, err := f.index.Lookup(category)
	if err != nil {
		return StepResult{}, err
	}

	tm := f.tenant(tenant)
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if err := f.ensureLocked(ctx, tenant, tm); err != nil {
		f.release(tenant, tm)
		return StepResult{}, err
	}

	state := f.lags.Get(tenant, category)
	features := state.Features(categoryID, f.lags.Periods())

	predicted := tm.model.Forecast(features)

	tm.maeSum += math.Abs(observed - predicted)
	tm.steps++
	mae := tm.maeSum / float64(tm.steps)

	tm.model.Learn(features, observed)

	result := StepResult{Predicted: predicted, MAE: mae}

	if err := f.persistLocked(ctx, tenant, tm); err != nil {
		slog.Error("[Forecaster] Persist failed after learn",
			"tenant", tenant,
			"category", category,
			"error", err)
		return result, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	slog.Debug("[Forecaster] Step",
		"tenant", tenant,
		"category", category,
		"predicted", predicted,
		"observed", observed,
		"mae", mae)
	return result, nil
}

// Tenants returns a sorted snapshot of all tenants with a model.
func (f *Forecaster) Tenants() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	tenants := make([]string, 0, len(f.tenants))
	for tenant := range f.tenants {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)
	return tenants
}

func (f *Forecaster) tenant(name string) *tenantModel {
	f.mu.Lock()
	defer f.mu.Unlock()

	tm, ok := f.tenants[name]
	if !ok {
		tm = &tenantModel{}
		f.tenants[name] = tm
	}
	return tm
}

// release drops a tenant entry whose model never resolved, so Tenants()
// only lists tenants that actually hold model state. Caller holds tm.mu.
func (f *Forecaster) release(name string, tm *tenantModel) {
	if tm.model != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tenants[name] == tm {
		delete(f.tenants, name)
	}
}

// ensureLocked resolves the tenant's model. Caller holds tm.mu.
func (f *Forecaster) ensureLocked(ctx context.Context, tenant string, tm *tenantModel) error {
	if tm.model != nil {
		return nil
	}

	blob, err := f.kv.Get(ctx, keyPrefix+tenant)
	switch {
	case err == nil:
		restored := &model.SGDRegressor{}
		if err := restored.UnmarshalBinary(blob); err != nil {
			return fmt.Errorf("tenant %q: %w", tenant, err)
		}
		tm.model = restored
		slog.Info("[Forecaster] Restored model", "tenant", tenant)
		return nil

	case errors.Is(err, storage.ErrNotFound):
		if f.template == nil {
			return fmt.Errorf("tenant %q: %w", tenant, ErrModelUnavailable)
		}
		tm.model = f.template.Clone()
		if err := f.persistLocked(ctx, tenant, tm); err != nil {
			return fmt.Errorf("bootstrap tenant %q: %w", tenant, err)
		}
		slog.Info("[Forecaster] Bootstrapped model from template", "tenant", tenant)
		return nil

	default:
		return fmt.Errorf("load model for tenant %q: %w", tenant, err)
	}
}

// persistLocked writes the tenant's model blob. Caller holds tm.mu.
func (f *Forecaster) persistLocked(ctx context.Context, tenant string, tm *tenantModel) error {
	blob, err := tm.model.MarshalBinary()
	if err != nil {
		return err
	}
	return f.kv.Put(ctx, keyPrefix+tenant, blob)
}
