package persistence

import (
	"context"
	"sync"
)

// MemoryWriter records documents in memory, grounded on the teacher's
// internal/sink/console.Sink "accept and succeed" pattern. Used by tests and
// as the daemon's default before a real document-store driver is wired in.
type MemoryWriter struct {
	mu   sync.Mutex
	docs map[string][]Document
}

// NewMemoryWriter creates an empty MemoryWriter.
func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{docs: make(map[string][]Document)}
}

func (w *MemoryWriter) UpsertMany(_ context.Context, collection string, docs []Document) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.docs[collection] = append(w.docs[collection], docs...)
	return nil
}

// Documents returns a copy of every document written to collection, for
// assertions in tests.
func (w *MemoryWriter) Documents(collection string) []Document {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Document, len(w.docs[collection]))
	copy(out, w.docs[collection])
	return out
}
