package ledger

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound means the ledger blob does not exist in the backing store.
// Whether that is fatal is the ledger's AllowMissing decision, not the
// store's.
var ErrNotFound = errors.New("ledger blob not found")

// Store reads and writes the single ledger blob. Implementations return
// ErrNotFound when the blob is absent and must overwrite the whole blob
// on Put.
type Store interface {
	Name() string
	Fetch(ctx context.Context) ([]byte, error)
	Put(ctx context.Context, blob []byte) error
}

// MemStore is an in-memory Store for tests and local development.
type MemStore struct {
	mu   sync.Mutex
	blob []byte
	set  bool

	// FetchErr and PutErr, when set, are returned by the corresponding
	// operation. For failure-path tests.
	FetchErr error
	PutErr   error
}

func NewMemStore() *MemStore {
	return &MemStore{}
}

// NewMemStoreWith returns a MemStore pre-seeded with a blob.
func NewMemStoreWith(blob []byte) *MemStore {
	return &MemStore{blob: blob, set: true}
}

func (m *MemStore) Name() string { return "memory" }

func (m *MemStore) Fetch(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	if !m.set {
		return nil, ErrNotFound
	}
	out := make([]byte, len(m.blob))
	copy(out, m.blob)
	return out, nil
}

func (m *MemStore) Put(ctx context.Context, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PutErr != nil {
		return m.PutErr
	}
	m.blob = make([]byte, len(blob))
	copy(m.blob, blob)
	m.set = true
	return nil
}

// Blob returns the currently stored blob, or nil if none was written.
func (m *MemStore) Blob() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.set {
		return nil
	}
	out := make([]byte, len(m.blob))
	copy(out, m.blob)
	return out
}
