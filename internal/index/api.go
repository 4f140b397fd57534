package index

import (
	"encoding"
	"fmt"
	"strings"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"docrag/internal/domain"
)

// Kind names an index implementation.
type Kind uint8

const (
	// KindFlat is the exact linear scan.
	KindFlat Kind = 1
	// KindVPTree is a vantage-point tree with an exact-scan fallback.
	KindVPTree Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindFlat:
		return "flat"
	case KindVPTree:
		return "vptree"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ParseKind maps a config string to a Kind. Empty selects flat.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "flat", "bruteforce":
		return KindFlat, nil
	case "vptree", "vp":
		return KindVPTree, nil
	default:
		return 0, fmt.Errorf("%w: unknown index type %q", domain.ErrInvalidConfiguration, s)
	}
}

// Record is one (chunk id, embedding) pair fed to Build.
type Record struct {
	ID     uint64
	Vector []float32
}

// Hit is a ranked match. Score is higher-is-better for every metric.
type Hit struct {
	ID    uint64
	Score float64
}

// Result is the outcome of a single query.
type Result struct {
	Hits []Hit
	// Fallback is set when a tree index answered with an exact scan.
	Fallback bool
	// Scanned counts the stored vectors the query was scored against.
	Scanned int
}

// Index is a nearest-neighbor structure over one embedding dimension.
// Implementations are immutable after Build and safe for concurrent queries.
type Index interface {
	Kind() Kind
	Metric() Metric
	// Dimension is 0 for an index built from zero records.
	Dimension() int
	Len() int
	IDs() *roaring64.Bitmap
	Vector(id uint64) ([]float32, bool)
	// Query returns at most k hits ordered by descending score, ties by ascending id.
	Query(query []float32, k int) (Result, error)

	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// Options selects the structure built by Build.
type Options struct {
	Kind   Kind
	Metric Metric
	// Exact forces tree indexes to answer every query with a linear scan.
	Exact bool
}

// Build constructs an index over records. It fails with a
// *domain.DimensionMismatchError when a vector's length differs from the
// first one seen. Zero records yield a valid, empty index.
func Build(records []Record, opts Options) (Index, error) {
	if !opts.Metric.Valid() {
		return nil, fmt.Errorf("%w: unknown metric %d", domain.ErrInvalidConfiguration, opts.Metric)
	}
	switch opts.Kind {
	case KindFlat, 0:
		return NewFlat(records, opts.Metric)
	case KindVPTree:
		return NewVPTree(records, opts.Metric, opts.Exact)
	default:
		return nil, fmt.Errorf("%w: unknown index kind %d", domain.ErrInvalidConfiguration, opts.Kind)
	}
}

// New returns an empty index of the given kind, ready for UnmarshalBinary.
func New(kind Kind, metric Metric) (Index, error) {
	return Build(nil, Options{Kind: kind, Metric: metric})
}
