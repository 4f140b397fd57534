package vectorstore

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"docrag/internal/domain"
	"docrag/internal/index"
)

type sourceKey struct {
	sourceID string
	offset   int
}

// Store is the vector record store: chunk records keyed by a monotonically
// assigned id, kept in insertion order. Ids are never reused.
type Store struct {
	mu               sync.RWMutex
	rejectDuplicates bool
	nextID           uint64
	dim              int
	version          uint64
	order            []uint64
	chunks           map[uint64]domain.Chunk
	sources          map[sourceKey]uint64
	embedded         int
}

// Option configures a Store.
type Option func(*Store)

// WithRejectDuplicates makes Insert fail with domain.ErrDuplicateSource for an
// already-present (source id, offset) pair. By default re-ingestion is additive.
func WithRejectDuplicates(reject bool) Option {
	return func(s *Store) { s.rejectDuplicates = reject }
}

// New returns an empty store. The first assigned id is 1.
func New(opts ...Option) *Store {
	s := &Store{
		nextID:  1,
		chunks:  make(map[uint64]domain.Chunk),
		sources: make(map[sourceKey]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Insert assigns the next id to c and stores a copy of it. An embedded chunk
// must match the dimension fixed by the first embedded chunk.
func (s *Store) Insert(c domain.Chunk) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sourceKey{c.SourceID, c.Offset}
	if s.rejectDuplicates {
		if id, ok := s.sources[key]; ok {
			return 0, fmt.Errorf("%w: %s at offset %d (chunk %d)", domain.ErrDuplicateSource, c.SourceID, c.Offset, id)
		}
	}
	if c.Embedded() {
		if s.dim == 0 {
			s.dim = len(c.Embedding)
		} else if len(c.Embedding) != s.dim {
			return 0, &domain.DimensionMismatchError{Expected: s.dim, Actual: len(c.Embedding), ChunkID: s.nextID}
		}
	}
	id := s.nextID
	s.put(id, c)
	s.nextID++
	s.version++
	return id, nil
}

// put stores c under id; the caller holds the write lock.
func (s *Store) put(id uint64, c domain.Chunk) {
	c.ID = id
	if c.Embedded() {
		c.Embedding = append([]float32(nil), c.Embedding...)
		s.embedded++
	} else {
		c.Embedding = nil
	}
	s.chunks[id] = c
	s.order = append(s.order, id)
	if _, ok := s.sources[sourceKey{c.SourceID, c.Offset}]; !ok {
		s.sources[sourceKey{c.SourceID, c.Offset}] = id
	}
}

// Get returns a copy of the chunk stored under id.
func (s *Store) Get(id uint64) (domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[id]
	if !ok {
		return domain.Chunk{}, fmt.Errorf("chunk %d: %w", id, domain.ErrNotFound)
	}
	c.Embedding = append([]float32(nil), c.Embedding...)
	if len(c.Embedding) == 0 {
		c.Embedding = nil
	}
	return c, nil
}

// HasSource reports whether a chunk with this (source id, offset) exists.
func (s *Store) HasSource(sourceID string, offset int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sources[sourceKey{sourceID, offset}]
	return ok
}

// AllEmbedded returns (id, embedding) pairs in insertion order. The vectors
// are shared with the store and must not be modified.
func (s *Store) AllEmbedded() []index.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]index.Record, 0, s.embedded)
	for _, id := range s.order {
		if c := s.chunks[id]; c.Embedded() {
			out = append(out, index.Record{ID: id, Vector: c.Embedding})
		}
	}
	return out
}

// EmbeddedIDs returns the ids of every chunk carrying an embedding.
func (s *Store) EmbeddedIDs() *roaring64.Bitmap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bm := roaring64.New()
	for _, id := range s.order {
		if s.chunks[id].Embedded() {
			bm.Add(id)
		}
	}
	return bm
}

// Chunks returns copies of every record in insertion order.
func (s *Store) Chunks() []domain.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Chunk, len(s.order))
	for i, id := range s.order {
		c := s.chunks[id]
		if c.Embedded() {
			c.Embedding = append([]float32(nil), c.Embedding...)
		}
		out[i] = c
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// EmbeddedLen counts chunks carrying an embedding.
func (s *Store) EmbeddedLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.embedded
}

// Dimension is the embedding length, or 0 before the first embedded insert.
func (s *Store) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

// NextID is the id the next Insert will assign.
func (s *Store) NextID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID
}

// Version changes on every successful Insert.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// RejectsDuplicates reports the duplicate policy.
func (s *Store) RejectsDuplicates() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rejectDuplicates
}

// Clone returns an independent copy sharing no mutable state with s.
// Embedding slices are shared; they are never written after insert.
func (s *Store) Clone() *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := &Store{
		rejectDuplicates: s.rejectDuplicates,
		nextID:           s.nextID,
		dim:              s.dim,
		version:          s.version,
		order:            append([]uint64(nil), s.order...),
		chunks:           make(map[uint64]domain.Chunk, len(s.chunks)),
		sources:          make(map[sourceKey]uint64, len(s.sources)),
		embedded:         s.embedded,
	}
	for id, ch := range s.chunks {
		c.chunks[id] = ch
	}
	for k, id := range s.sources {
		c.sources[k] = id
	}
	return c
}

// restore rebuilds a store from persisted records; the caller guarantees
// ids are ascending and below nextID.
func restore(chunks []domain.Chunk, nextID uint64, dim int, opts ...Option) (*Store, error) {
	s := New(opts...)
	s.dim = dim
	var last uint64
	for _, c := range chunks {
		if c.ID == 0 || c.ID <= last || c.ID >= nextID {
			return nil, fmt.Errorf("record store: chunk id %d out of order (next id %d)", c.ID, nextID)
		}
		if c.Embedded() && len(c.Embedding) != dim {
			return nil, &domain.DimensionMismatchError{Expected: dim, Actual: len(c.Embedding), ChunkID: c.ID}
		}
		s.put(c.ID, c)
		last = c.ID
	}
	s.nextID = nextID
	return s, nil
}
