package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrNotFound = errors.New("memory: not found")

type Category string

const (
	CategoryTriageRule           Category = "triage-rule"
	CategoryResponseStyle        Category = "response-style"
	CategorySchedulingPreference Category = "scheduling-preference"
)

// Record is one learned preference. Records are overwritten whole on
// update with the version incremented; there is no field-level merge.
type Record struct {
	Owner     string    `json:"owner"`
	Category  Category  `json:"category"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store is the preference repository. Put returns the new version.
// Concurrent puts to the same (owner, category, key) resolve
// last-writer-wins by commit order.
type Store interface {
	Get(ctx context.Context, owner string, category Category, key string) (Record, error)
	Put(ctx context.Context, owner string, category Category, key, value string) (int, error)
	List(ctx context.Context, owner string, category Category) ([]Record, error)
	Close() error
}

// MemStore is the in-process Store used by tests and by single-shot
// CLI runs that do not need durability.
type MemStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemStore() *MemStore {
	return &MemStore{records: map[string]Record{}}
}

func (m *MemStore) Get(ctx context.Context, owner string, category Category, key string) (Record, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordKey(owner, category, key)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemStore) Put(ctx context.Context, owner string, category Category, key, value string) (int, error) {
	_ = ctx
	if owner == "" || key == "" {
		return 0, errors.New("owner and key are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := recordKey(owner, category, key)
	rec := m.records[k]
	rec.Owner = owner
	rec.Category = category
	rec.Key = key
	rec.Value = value
	rec.Version++
	rec.UpdatedAt = time.Now().UTC()
	m.records[k] = rec
	return rec.Version, nil
}

func (m *MemStore) List(ctx context.Context, owner string, category Category) ([]Record, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0)
	for _, rec := range m.records {
		if rec.Owner != owner {
			continue
		}
		if category != "" && rec.Category != category {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (m *MemStore) Close() error { return nil }

func recordKey(owner string, category Category, key string) string {
	return strings.Join([]string{owner, string(category), key}, "\x00")
}
