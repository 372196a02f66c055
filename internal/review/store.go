package review

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	KindAllocation = "allocation"
	KindSettlement = "settlement"
)

// Flag marks an item an operator must reconcile by hand.
type Flag struct {
	Key       string            `json:"key"`
	Kind      string            `json:"kind"`
	Reference string            `json:"reference"`
	Reason    string            `json:"reason"`
	Detail    map[string]string `json:"detail,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Queue abstracts review flag persistence. Raise is idempotent per key: a
// repeated raise keeps the original CreatedAt and replaces the reason.
type Queue interface {
	Raise(ctx context.Context, flag Flag) error
	List(ctx context.Context) ([]Flag, error)
	Resolve(ctx context.Context, key string) error
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Flag
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Flag),
	}
}

func (m *MemoryStore) Raise(_ context.Context, flag Flag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[flag.Key] = merge(m.data, flag)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Flag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sorted(m.data), nil
}

func (m *MemoryStore) Resolve(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// FileStore persists flags to disk for single-node deployments.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Flag
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Flag),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Raise(_ context.Context, flag Flag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[flag.Key] = merge(f.data, flag)
	return f.persist()
}

func (f *FileStore) List(_ context.Context) ([]Flag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sorted(f.data), nil
}

func (f *FileStore) Resolve(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; !ok {
		return nil
	}
	delete(f.data, key)
	return f.persist()
}

func merge(data map[string]Flag, flag Flag) Flag {
	now := time.Now().UTC()
	if flag.UpdatedAt.IsZero() {
		flag.UpdatedAt = now
	}
	if prev, ok := data[flag.Key]; ok {
		flag.CreatedAt = prev.CreatedAt
	} else if flag.CreatedAt.IsZero() {
		flag.CreatedAt = now
	}
	return flag
}

func sorted(data map[string]Flag) []Flag {
	out := make([]Flag, 0, len(data))
	for _, f := range data {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
