// Package vfs defines a narrow virtual-filesystem interface: a
// key-value store over paths used to seed runtime assets such as a
// bundled tokenizer file. This
// mirrors the shape of an on-disk blob store without adopting its
// caching or signature-verification behavior.
package vfs

import (
	"context"
	"sync"
	"time"

	"github.com/infercore/infercore/pipelineerr"
)

// Entry is one stored asset.
type Entry struct {
	Path        string
	ContentType string
	Body        []byte
	Size        int64
	UpdatedAt   time.Time
}

// Store is the operation trait every virtual filesystem backend
// satisfies.
type Store interface {
	// Open prepares the store (e.g. opening an OPFS database/object
	// store pair) within timeout.
	Open(ctx context.Context, dbName, storeName string, timeout time.Duration) error
	// Get returns an entry and true if path exists, or the zero Entry
	// and false otherwise.
	Get(ctx context.Context, path string) (Entry, bool, error)
	// Put stores or replaces an entry.
	Put(ctx context.Context, e Entry) error
}

// MemStore is an in-memory reference Store used by tests and the CLI
// harness to seed a bundled tokenizer file.
type MemStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	opened  bool
}

// NewMemStore constructs an unopened MemStore.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]Entry)}
}

func (m *MemStore) Open(ctx context.Context, dbName, storeName string, timeout time.Duration) error {
	select {
	case <-ctx.Done():
		return pipelineerr.New(pipelineerr.NotInitialized, "vfs.MemStore.Open", ctx.Err())
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = true
	return nil
}

func (m *MemStore) Get(ctx context.Context, path string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.opened {
		return Entry{}, false, pipelineerr.New(pipelineerr.NotInitialized, "vfs.MemStore.Get", errNotOpen)
	}
	e, ok := m.entries[path]
	return e, ok, nil
}

func (m *MemStore) Put(ctx context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return pipelineerr.New(pipelineerr.NotInitialized, "vfs.MemStore.Put", errNotOpen)
	}
	if e.Size == 0 {
		e.Size = int64(len(e.Body))
	}
	m.entries[e.Path] = e
	return nil
}
