// Package persistence implements the async bulk-write sink adapter (spec
// §4.D, §6): "send(collection, {document: {...}}) to a bulk-writer topic;
// writer batches and upserts." The concrete document-store wire protocol
// (Mongo) is an external collaborator per spec §1 — this package only owns
// batching and backpressure, and delegates the actual write to an injected
// Writer.
package persistence

import (
	"context"
	"sync"
	"time"

	"firestige.xyz/otus/internal/log"
	"firestige.xyz/otus/internal/metrics"
)

// Document is a single record destined for a named collection.
type Document = map[string]any

// Writer performs the actual upsert against the document store. This
// package ships only MemoryWriter, and the daemon always builds its sink on
// a MemoryWriter; there is no option for supplying another Writer.
type Writer interface {
	// UpsertMany writes (or replaces) a batch of documents in collection.
	// Implementations should treat this as whole-document replace unless
	// the collection is known to require partial merge (spec §9 open
	// question: hosts upsert is whole-document replace by default).
	UpsertMany(ctx context.Context, collection string, docs []Document) error
}

// Sink is the interface the correlation engines depend on (spec §6:
// "Persistence interface").
type Sink interface {
	Send(collection string, doc Document) error
	Close() error
}

// BatchingSink batches documents per collection and flushes on a ticker or
// once a collection's pending batch reaches maxBatch, grounded on the
// teacher's hep/kafka reporters' "never block the hot path" buffering idiom.
// A send on a closed sink, or a Writer failure, is logged and dropped per
// spec §7 category 3 — the next record carries fresh state, nothing retries.
type BatchingSink struct {
	writer       Writer
	maxBatch     int
	flushEvery   time.Duration

	mu      sync.Mutex
	pending map[string][]Document
	closed  bool

	flushCh chan struct{}
	done    chan struct{}
}

// NewBatchingSink creates a sink that flushes each collection's pending
// batch whenever it reaches maxBatch documents, or every flushEvery,
// whichever comes first.
func NewBatchingSink(writer Writer, maxBatch int, flushEvery time.Duration) *BatchingSink {
	if maxBatch <= 0 {
		maxBatch = 500
	}
	if flushEvery <= 0 {
		flushEvery = time.Second
	}
	s := &BatchingSink{
		writer:     writer,
		maxBatch:   maxBatch,
		flushEvery: flushEvery,
		pending:    make(map[string][]Document),
		flushCh:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *BatchingSink) run() {
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.flushAll()
		}
	}
}

// Send appends doc to collection's pending batch, flushing immediately if
// the batch is now full.
func (s *BatchingSink) Send(collection string, doc Document) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		log.GetLogger().WithField("collection", collection).Warn("persistence: send on closed sink, dropping document")
		return nil
	}
	s.pending[collection] = append(s.pending[collection], doc)
	full := len(s.pending[collection]) >= s.maxBatch
	var batch []Document
	if full {
		batch = s.pending[collection]
		s.pending[collection] = nil
	}
	s.mu.Unlock()

	if full {
		s.flushBatch(collection, batch)
	}
	return nil
}

func (s *BatchingSink) flushAll() {
	s.mu.Lock()
	batches := s.pending
	s.pending = make(map[string][]Document)
	s.mu.Unlock()

	for collection, docs := range batches {
		if len(docs) == 0 {
			continue
		}
		s.flushBatch(collection, docs)
	}
}

func (s *BatchingSink) flushBatch(collection string, docs []Document) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.writer.UpsertMany(ctx, collection, docs); err != nil {
		metrics.PersistenceErrorsTotal.WithLabelValues(collection).Inc()
		log.GetLogger().WithField("collection", collection).WithError(err).Error("persistence: write failed")
	}
}

// Close flushes any pending documents and stops the background ticker.
func (s *BatchingSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.flushAll()
	return nil
}
