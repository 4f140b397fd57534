package chunker

import (
	"fmt"

	"docrag/internal/domain"
)

// WindowChunker splits text into fixed-size rune windows that overlap by a fixed amount.
type WindowChunker struct {
	chunkSize int
	overlap   int
}

// NewWindowChunker validates 0 <= overlap < chunkSize.
func NewWindowChunker(chunkSize, overlap int) (*WindowChunker, error) {
	if err := Validate(chunkSize, overlap); err != nil {
		return nil, err
	}
	return &WindowChunker{chunkSize: chunkSize, overlap: overlap}, nil
}

// Validate checks the window parameters.
func Validate(chunkSize, overlap int) error {
	if chunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", domain.ErrInvalidConfiguration, chunkSize)
	}
	if overlap < 0 || overlap >= chunkSize {
		return fmt.Errorf("%w: overlap must satisfy 0 <= overlap < chunk size, got overlap=%d chunk_size=%d",
			domain.ErrInvalidConfiguration, overlap, chunkSize)
	}
	return nil
}

// ChunkSize returns the window length in runes.
func (c *WindowChunker) ChunkSize() int { return c.chunkSize }

// Overlap returns the number of runes shared by consecutive windows.
func (c *WindowChunker) Overlap() int { return c.overlap }

// Split walks the document with a sliding window. Window i starts at
// i*(chunkSize-overlap); the last window is clamped to the text length.
// The returned chunks carry no id and no embedding.
func (c *WindowChunker) Split(document domain.Document) ([]domain.Chunk, error) {
	return Split(document, c.chunkSize, c.overlap)
}

// Split is the stateless form of WindowChunker.Split.
func Split(document domain.Document, chunkSize, overlap int) ([]domain.Chunk, error) {
	if err := Validate(chunkSize, overlap); err != nil {
		return nil, err
	}
	runes := []rune(document.Text)
	if len(runes) == 0 {
		return nil, nil
	}
	step := chunkSize - overlap
	chunks := make([]domain.Chunk, 0, len(runes)/step+1)
	for start := 0; ; start += step {
		end := start + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, domain.Chunk{
			SourceID: document.SourceID,
			Text:     string(runes[start:end]),
			Offset:   start,
		})
		if end == len(runes) {
			break
		}
	}
	return chunks, nil
}
