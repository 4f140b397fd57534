package domain

import "context"

// Document is already-extracted text handed to the core by a document source.
type Document struct {
	SourceID string
	Text     string
}

// Chunk is a bounded contiguous slice of a document's normalized text.
// Offset is a rune offset into the normalized document text.
type Chunk struct {
	ID        uint64
	SourceID  string
	Text      string
	Offset    int
	Embedding []float32
}

// Embedded reports whether the chunk carries an embedding vector.
func (c Chunk) Embedded() bool { return len(c.Embedding) > 0 }

// QueryResult is a ranked chunk with its provenance. Score is higher-is-better.
type QueryResult struct {
	ChunkID  uint64
	Score    float64
	SourceID string
	Offset   int
	Text     string
}

// IngestFailure records a per-item problem that did not abort ingestion.
type IngestFailure struct {
	SourceID string
	Offset   int
	Reason   string
}

// IngestReport summarizes one ingestion run.
type IngestReport struct {
	RunID              string
	DocumentsProcessed int
	ChunksCreated      int
	ChunksEmbedded     int
	Failures           []IngestFailure
	Generation         uint64
}

// Embedder converts free text into a fixed-dimension vector.
// Dimension returns 0 while it is still unknown (learned on first call).
type Embedder interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BatchEmbedder is implemented by embedders that can embed several texts per call.
type BatchEmbedder interface {
	Embedder
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
}

// Chunker splits documents into chunks suitable for retrieval indexing.
type Chunker interface {
	Split(document Document) ([]Chunk, error)
}

// Generator produces a natural-language answer from a question and retrieved context.
type Generator interface {
	Name() string
	Generate(ctx context.Context, question string, contexts []string) (string, error)
}
