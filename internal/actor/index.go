// internal/actor/index.go
package actor

import (
	"context"
	"sync"
)

// Index maps canonical tag strings to actor ids and keeps one Record per
// actor. Lookups are exact: a key only matches the full tag set it was
// built from.
type Index interface {
	// Lookup returns the actor registered for the canonical tag key.
	Lookup(ctx context.Context, key string) (id string, ok bool, err error)
	Get(ctx context.Context, id string) (Record, bool, error)
	// Insert stores rec and maps key to rec.ID unless key is already mapped.
	// It returns the id key maps to afterwards.
	Insert(ctx context.Context, key string, rec Record) (string, error)
	// Remove drops the record for id. Tag keys it owns are left alone.
	Remove(ctx context.Context, id string) error
}

// MemoryIndex is an in-process Index for a single router.
type MemoryIndex struct {
	mu      sync.Mutex
	byKey   map[string]string
	records map[string]Record
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		byKey:   make(map[string]string),
		records: make(map[string]Record),
	}
}

func (ix *MemoryIndex) Lookup(_ context.Context, key string) (string, bool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	id, ok := ix.byKey[key]
	return id, ok, nil
}

func (ix *MemoryIndex) Get(_ context.Context, id string) (Record, bool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	rec, ok := ix.records[id]
	if !ok {
		return Record{}, false, nil
	}
	rec.Tags = rec.Tags.Clone()
	return rec, true, nil
}

func (ix *MemoryIndex) Insert(_ context.Context, key string, rec Record) (string, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	rec.Tags = rec.Tags.Clone()
	ix.records[rec.ID] = rec
	if id, ok := ix.byKey[key]; ok {
		return id, nil
	}
	ix.byKey[key] = rec.ID
	return rec.ID, nil
}

func (ix *MemoryIndex) Remove(_ context.Context, id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.records, id)
	return nil
}
