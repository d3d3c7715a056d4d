package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/lagcast-lab/lagcast/internal/storage"
)

// ErrUnknownCategory is returned when a category was never registered.
// The forecaster reports it to the caller; events on unknown categories stay
// un-acknowledged until an operator registers the category.
var ErrUnknownCategory = errors.New("category not registered")

const keyPrefix = "catalog/"

// Index is the stable mapping from category name to integer feature id.
// Append-only: ids are assigned once and never reused. Reads are shared,
// inserts are single-writer.
type Index struct {
	kv storage.KV

	mu   sync.RWMutex
	ids  map[string]int
	next int
}

// Open loads the persisted index. An empty store yields an empty index with
// ids starting at 1.
func Open(ctx context.Context, kv storage.KV) (*Index, error) {
	idx := &Index{
		kv:   kv,
		ids:  make(map[string]int),
		next: 1,
	}

	err := kv.Scan(ctx, keyPrefix, func(key string, value []byte) error {
		name := strings.TrimPrefix(key, keyPrefix)
		id, err := strconv.Atoi(string(value))
		if err != nil {
			return fmt.Errorf("corrupt index entry %q: %w", key, err)
		}
		idx.ids[name] = id
		if id >= idx.next {
			idx.next = id + 1
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load category index: %w", err)
	}

	slog.Info("[Catalog] Index loaded", "categories", len(idx.ids))
	return idx, nil
}

// Lookup resolves a category name to its feature id.
// Returns ErrUnknownCategory for unregistered names.
func (i *Index) Lookup(name string) (int, error) {
	i.mu.RLock()
	id, ok := i.ids[normalize(name)]
	i.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCategory, name)
	}
	return id, nil
}

// Register assigns the next feature id to name and persists the entry.
// Registering an existing name returns its current id unchanged.
func (i *Index) Register(ctx context.Context, name string) (int, error) {
	name = normalize(name)
	if name == "" {
		return 0, fmt.Errorf("category name must not be empty")
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if id, ok := i.ids[name]; ok {
		return id, nil
	}

	id := i.next
	if err := i.kv.Put(ctx, keyPrefix+name, []byte(strconv.Itoa(id))); err != nil {
		return 0, fmt.Errorf("persist category %q: %w", name, err)
	}
	i.ids[name] = id
	i.next = id + 1

	slog.Info("[Catalog] Registered category", "name", name, "id", id)
	return id, nil
}

// Len returns the number of registered categories.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.ids)
}

// seedFile is the on-disk YAML shape: a flat list of category names.
type seedFile struct {
	Categories []string `yaml:"categories"`
}

// SeedFromFile registers every category listed in a YAML seed file.
// Already-registered names keep their ids; new names are appended. A missing
// file is not an error; the index then grows only through Register.
func (i *Index) SeedFromFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		slog.Info("[Catalog] No seed file, skipping", "path", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read seed file %q: %w", path, err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed file %q: %w", path, err)
	}

	for _, name := range seed.Categories {
		if strings.TrimSpace(name) == "" {
			continue
		}
		if _, err := i.Register(ctx, name); err != nil {
			return fmt.Errorf("seed category %q: %w", name, err)
		}
	}

	slog.Info("[Catalog] Seed complete", "path", path, "categories", i.Len())
	return nil
}

// normalize lower-cases and trims a category name so lookups are
// case-insensitive, matching how upstream producers spell products.
func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
