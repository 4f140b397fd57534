package index

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"docrag/internal/domain"
)

// vectors is the storage shared by every index kind.
type vectors struct {
	metric Metric
	dim    int
	ids    []uint64
	vecs   [][]float32
	mags   []float64
	pos    map[uint64]int
}

func (s *vectors) load(records []Record, metric Metric) error {
	s.metric = metric
	s.dim = 0
	s.ids, s.vecs, s.mags, s.pos = nil, nil, nil, make(map[uint64]int, len(records))
	if len(records) == 0 {
		return nil
	}
	dim := len(records[0].Vector)
	if dim == 0 {
		return &domain.DimensionMismatchError{Expected: 1, Actual: 0, ChunkID: records[0].ID}
	}
	ids := make([]uint64, len(records))
	vecs := make([][]float32, len(records))
	mags := make([]float64, len(records))
	for i, r := range records {
		if len(r.Vector) != dim {
			return &domain.DimensionMismatchError{Expected: dim, Actual: len(r.Vector), ChunkID: r.ID}
		}
		if _, dup := s.pos[r.ID]; dup {
			return fmt.Errorf("index: duplicate id %d", r.ID)
		}
		s.pos[r.ID] = i
		ids[i] = r.ID
		vecs[i] = append([]float32(nil), r.Vector...)
		mags[i] = magnitude(r.Vector)
	}
	s.dim, s.ids, s.vecs, s.mags = dim, ids, vecs, mags
	return nil
}

func (s *vectors) records() []Record {
	out := make([]Record, len(s.ids))
	for i := range s.ids {
		out[i] = Record{ID: s.ids[i], Vector: s.vecs[i]}
	}
	return out
}

func (s *vectors) Metric() Metric { return s.metric }

func (s *vectors) Dimension() int { return s.dim }

func (s *vectors) Len() int { return len(s.ids) }

func (s *vectors) IDs() *roaring64.Bitmap {
	bm := roaring64.New()
	bm.AddMany(s.ids)
	return bm
}

func (s *vectors) Vector(id uint64) ([]float32, bool) {
	i, ok := s.pos[id]
	if !ok {
		return nil, false
	}
	return append([]float32(nil), s.vecs[i]...), true
}

// check validates a query; done reports that the answer is trivially empty.
func (s *vectors) check(query []float32, k int) (done bool, err error) {
	if k <= 0 || len(s.ids) == 0 {
		return true, nil
	}
	if len(query) != s.dim {
		return true, &domain.DimensionMismatchError{Expected: s.dim, Actual: len(query)}
	}
	return false, nil
}

// scan scores every stored vector.
func (s *vectors) scan(query []float32, k int) Result {
	qm := magnitude(query)
	col := newCollector(k)
	for i := range s.vecs {
		col.offer(candidate{pos: i, id: s.ids[i], score: s.metric.score(query, qm, s.vecs[i], s.mags[i])})
	}
	return Result{Hits: col.hits(), Scanned: len(s.vecs)}
}
