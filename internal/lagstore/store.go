package lagstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/lagcast-lab/lagcast/internal/core/lagwindow"
	"github.com/lagcast-lab/lagcast/internal/core/stripe"
	"github.com/lagcast-lab/lagcast/internal/storage"
)

const keyPrefix = "lag/"

// Key identifies one sliding-window state.
type Key struct {
	Tenant   string
	Category string
}

func (k Key) String() string { return k.Tenant + "/" + k.Category }

// Store maintains per-(tenant, category) lag windows with a current-period
// accumulator, persisting each key independently to the key-value store.
//
// Same-key mutations serialize on a lock stripe; different keys (usually)
// proceed concurrently. The states map itself is guarded separately so key
// creation never blocks unrelated stripes.
type Store struct {
	kv      storage.KV
	periods []int

	mu     sync.RWMutex
	states map[Key]*lagwindow.State

	locks [stripe.Count]sync.Mutex
}

// Open loads all persisted lag states. Periods defaults to the standard lag
// windows when empty.
func Open(ctx context.Context, kv storage.KV, periods []int) (*Store, error) {
	if len(periods) == 0 {
		periods = lagwindow.DefaultPeriods
	}

	s := &Store{
		kv:      kv,
		periods: periods,
		states:  make(map[Key]*lagwindow.State),
	}

	err := kv.Scan(ctx, keyPrefix, func(rawKey string, value []byte) error {
		key, ok := parseKey(rawKey)
		if !ok {
			return fmt.Errorf("malformed lag key %q", rawKey)
		}
		state, err := lagwindow.Decode(value, periods)
		if err != nil {
			return fmt.Errorf("key %q: %w", rawKey, err)
		}
		s.states[key] = state
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load lag store: %w", err)
	}

	slog.Info("[LagStore] Loaded", "keys", len(s.states), "periods", periods)
	return s, nil
}

// Periods returns the configured lag periods.
func (s *Store) Periods() []int {
	return s.periods
}

// Get returns a snapshot of the state for (tenant, category), initializing
// an empty one for previously-unseen categories. Never fails.
func (s *Store) Get(tenant, category string) *lagwindow.State {
	key := Key{Tenant: tenant, Category: category}

	s.mu.RLock()
	state, ok := s.states[key]
	s.mu.RUnlock()
	if !ok {
		return lagwindow.NewState(s.periods)
	}

	s.locks[stripe.For(key.String())].Lock()
	defer s.locks[stripe.For(key.String())].Unlock()
	return state.Clone()
}

// Accumulate adds delta to the current-period accumulator for
// (tenant, category) and persists the updated state. The state is created
// lazily on first use.
func (s *Store) Accumulate(ctx context.Context, tenant, category string, delta decimal.Decimal) error {
	key := Key{Tenant: tenant, Category: category}
	if strings.Contains(tenant, "/") {
		return fmt.Errorf("tenant %q must not contain '/'", tenant)
	}

	s.locks[stripe.For(key.String())].Lock()
	defer s.locks[stripe.For(key.String())].Unlock()

	state := s.getOrCreate(key)
	state.Accumulate(delta)

	if err := s.persist(ctx, key, state); err != nil {
		return err
	}

	slog.Debug("[LagStore] Accumulated",
		"tenant", tenant,
		"category", category,
		"delta", delta,
		"current", state.Current)
	return nil
}

// RollAll shifts every key's current accumulator into its historical windows
// and resets it. Keys are processed independently: a persistence failure on
// one key is logged and the sweep continues. That key's windows stay one
// roll behind until its next successful persist.
func (s *Store) RollAll(ctx context.Context) error {
	keys := s.Keys()

	slog.Info("[LagStore] Rolling windows", "keys", len(keys))

	var failed int
	for _, key := range keys {
		select {
		case <-ctx.Done():
			slog.Warn("[LagStore] Roll interrupted", "remaining", len(keys)-failed)
			return ctx.Err()
		default:
		}

		if err := s.rollOne(ctx, key); err != nil {
			failed++
			slog.Error("[LagStore] Roll failed for key",
				"tenant", key.Tenant,
				"category", key.Category,
				"error", err)
		}
	}

	slog.Info("[LagStore] Roll complete", "keys", len(keys), "failed", failed)
	return nil
}

func (s *Store) rollOne(ctx context.Context, key Key) error {
	s.locks[stripe.For(key.String())].Lock()
	defer s.locks[stripe.For(key.String())].Unlock()

	s.mu.RLock()
	state, ok := s.states[key]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	state.Roll(s.periods)
	return s.persist(ctx, key, state)
}

// Keys returns a snapshot of all known (tenant, category) pairs.
func (s *Store) Keys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]Key, 0, len(s.states))
	for key := range s.states {
		keys = append(keys, key)
	}
	return keys
}

// getOrCreate must be called with the key's stripe lock held.
func (s *Store) getOrCreate(key Key) *lagwindow.State {
	s.mu.RLock()
	state, ok := s.states[key]
	s.mu.RUnlock()
	if ok {
		return state
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok = s.states[key]; ok {
		return state
	}
	state = lagwindow.NewState(s.periods)
	s.states[key] = state
	return state
}

func (s *Store) persist(ctx context.Context, key Key, state *lagwindow.State) error {
	data, err := state.Encode()
	if err != nil {
		return err
	}
	if err := s.kv.Put(ctx, keyPrefix+key.String(), data); err != nil {
		return fmt.Errorf("persist lag state %s: %w", key, err)
	}
	return nil
}

// parseKey splits "lag/<tenant>/<category>" back into a Key. Category names
// may themselves contain '/', tenants may not.
func parseKey(raw string) (Key, bool) {
	rest := strings.TrimPrefix(raw, keyPrefix)
	tenant, category, ok := strings.Cut(rest, "/")
	if !ok || tenant == "" || category == "" {
		return Key{}, false
	}
	return Key{Tenant: tenant, Category: category}, true
}
