/*
Package storage is the external key-value engine the Worker reads and
writes through (spec §1: "Explicitly out of scope... the on-disk/
in-memory key-value storage engine"). The Store contract below is kept
close to the teacher's store.Store interface (store/store.go) since spec
only needs the narrow boundary the Worker calls through, not a redesign
of the engine itself.
*/
package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/bdeggleston/slogdb/internal/model"
)

// Store is the boundary the Worker executes procedures through. Reads
// are served for keys this partition owns; writes staged by a procedure
// are applied via Put only after the owning Scheduler has committed the
// transaction (spec §4.6).
type Store interface {
	Get(ctx context.Context, key model.Key) ([]byte, bool, error)
	Put(ctx context.Context, key model.Key, value []byte) error
	Delete(ctx context.Context, key model.Key) error

	// Keys returns every key this store instance currently holds, used by
	// stats reporting and tests. Not part of the hot execution path.
	Keys(ctx context.Context) ([]model.Key, error)
}

// ErrNotFound is available to callers that treat a missing key as an
// error. Get itself never returns it: both Store implementations report
// a missing key as (nil, false, nil).
var ErrNotFound = fmt.Errorf("storage: key not found")

// MemoryStore is an in-memory Store backed by a mutex-protected map,
// adapted directly from store/store.go's Value/Instruction contract
// (teacher) but specialized to raw bytes since procedure bodies are
// opaque per spec §1.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, key model.Key) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key.String()]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *MemoryStore) Put(_ context.Context, key model.Key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[key.String()] = cp
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key model.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key.String())
	return nil
}

func (s *MemoryStore) Keys(_ context.Context) ([]model.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Key, 0, len(s.data))
	for k := range s.data {
		out = append(out, model.Key(k))
	}
	return out, nil
}
