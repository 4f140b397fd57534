package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfiguration reports bad chunking, index or pipeline parameters.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrEmbeddingUnavailable reports an unreachable or failing embedding backend.
	// It is transient; retrying the same item is safe.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	// ErrDimensionMismatch reports a vector whose length differs from the index dimension.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrIndexRecordMismatch reports disagreement between the record store and the index.
	ErrIndexRecordMismatch = errors.New("index and record store disagree")
	// ErrNotFound reports a lookup of an unknown chunk id.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateSource reports a re-ingested (source_id, offset) pair when duplicates are rejected.
	ErrDuplicateSource = errors.New("duplicate source")
	// ErrStaleIndex reports an index built from a different record set than the one being read.
	ErrStaleIndex = errors.New("stale index")
)

// DimensionMismatchError carries the expected and actual vector lengths.
// ChunkID is zero when the offending vector is a query.
type DimensionMismatchError struct {
	Expected int
	Actual   int
	ChunkID  uint64
}

func (e *DimensionMismatchError) Error() string {
	if e.ChunkID != 0 {
		return fmt.Sprintf("dimension mismatch: chunk %d: expected %d, got %d", e.ChunkID, e.Expected, e.Actual)
	}
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Is(target error) bool { return target == ErrDimensionMismatch }

// IndexRecordMismatchError lists the ids present on only one side.
type IndexRecordMismatchError struct {
	MissingFromIndex []uint64
	OrphanedInIndex  []uint64
	Detail           string
}

func (e *IndexRecordMismatchError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("index and record store disagree: %s", e.Detail)
	}
	return fmt.Sprintf("index and record store disagree: %d embedded chunks not indexed %s, %d orphaned index entries %s",
		len(e.MissingFromIndex), sample(e.MissingFromIndex), len(e.OrphanedInIndex), sample(e.OrphanedInIndex))
}

func (e *IndexRecordMismatchError) Is(target error) bool { return target == ErrIndexRecordMismatch }

func sample(ids []uint64) string {
	const limit = 8
	if len(ids) > limit {
		return fmt.Sprintf("%v...", ids[:limit])
	}
	return fmt.Sprintf("%v", ids)
}
