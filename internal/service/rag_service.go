// Package service wires the chunker, record store, similarity index and
// snapshots into the ingestion and retrieval operations.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"docrag/internal/chunker"
	"docrag/internal/domain"
	"docrag/internal/index"
	"docrag/internal/logging"
	"docrag/internal/snapshot"
	"docrag/internal/vectorstore"
)

// Options configures an Engine.
type Options struct {
	Dir              string
	ChunkSize        int
	ChunkOverlap     int
	IndexKind        index.Kind
	Metric           index.Metric
	Exact            bool
	Compression      index.Compression
	RejectDuplicates bool
	KeepSnapshots    int
	// Workers bounds concurrent embedding calls during ingestion.
	Workers int
	// BatchSize is the number of chunks sent per call to a domain.BatchEmbedder.
	BatchSize int
	Logger    *slog.Logger
}

// state is an immutable view shared by readers. builtFrom is the store
// version the index was built from; Retrieve refuses to serve a state whose
// store has moved past it.
type state struct {
	generation uint64
	store      *vectorstore.Store
	index      index.Index
	builtFrom  uint64
}

// Engine owns the process-wide record store and index. Retrieve calls run
// concurrently; Ingest calls are serialized and publish a new state only
// after it has been persisted.
type Engine struct {
	opts      Options
	chunker   *chunker.WindowChunker
	snapshots *snapshot.Manager
	logger    *slog.Logger

	writeMu sync.Mutex
	mu      sync.RWMutex
	st      *state
}

// Stats describes the live state.
type Stats struct {
	Dir        string
	Generation uint64
	Records    int
	Embedded   int
	Indexed    int
	Dimension  int
	Metric     string
	IndexKind  string
	NextID     uint64
}

// Answer is a generated response with the chunks it was built from.
type Answer struct {
	Text    string
	Sources []domain.QueryResult
}

// Open loads the live snapshot from opts.Dir, or starts empty. The index is
// rebuilt from the record store when the persisted one was built with a
// different kind, metric or exact setting.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	ch, err := chunker.NewWindowChunker(opts.ChunkSize, opts.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	if opts.Workers < 1 {
		return nil, fmt.Errorf("%w: workers must be positive, got %d", domain.ErrInvalidConfiguration, opts.Workers)
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("%w: store dir is empty", domain.ErrInvalidConfiguration)
	}
	if opts.IndexKind == 0 {
		opts.IndexKind = index.KindFlat
	}
	if opts.Metric == 0 {
		opts.Metric = index.Cosine
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	logger := logging.OrDiscard(opts.Logger)
	mgr := snapshot.New(opts.Dir, opts.KeepSnapshots, opts.Compression, logger)
	loaded, err := mgr.Load(ctx, vectorstore.WithRejectDuplicates(opts.RejectDuplicates))
	if err != nil {
		return nil, err
	}
	e := &Engine{opts: opts, chunker: ch, snapshots: mgr, logger: logger}
	ix := loaded.Index
	if ix == nil || !e.matches(ix) {
		if ix != nil {
			logger.Info("rebuilding index to match configuration",
				"persisted_kind", ix.Kind().String(), "persisted_metric", ix.Metric().String(),
				"kind", opts.IndexKind.String(), "metric", opts.Metric.String())
		}
		if ix, err = e.build(loaded.Store); err != nil {
			return nil, err
		}
	}
	e.st = &state{generation: loaded.Generation, store: loaded.Store, index: ix, builtFrom: loaded.Store.Version()}
	return e, nil
}

func (e *Engine) matches(ix index.Index) bool {
	if ix.Kind() != e.opts.IndexKind || ix.Metric() != e.opts.Metric {
		return false
	}
	if t, ok := ix.(interface{ Exact() bool }); ok {
		return t.Exact() == e.opts.Exact
	}
	return true
}

func (e *Engine) build(store *vectorstore.Store) (index.Index, error) {
	start := time.Now()
	ix, err := index.Build(store.AllEmbedded(), index.Options{Kind: e.opts.IndexKind, Metric: e.opts.Metric, Exact: e.opts.Exact})
	if err != nil {
		return nil, fmt.Errorf("build %s index: %w", e.opts.IndexKind, err)
	}
	e.logger.Debug("index built", "kind", ix.Kind().String(), "vectors", ix.Len(), "took", time.Since(start))
	return ix, nil
}

func (e *Engine) current() *state {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.st
}

// Stats reports counts for the live state.
func (e *Engine) Stats() Stats {
	st := e.current()
	return Stats{
		Dir:        e.snapshots.Dir(),
		Generation: st.generation,
		Records:    st.store.Len(),
		Embedded:   st.store.EmbeddedLen(),
		Indexed:    st.index.Len(),
		Dimension:  st.store.Dimension(),
		Metric:     st.index.Metric().String(),
		IndexKind:  st.index.Kind().String(),
		NextID:     st.store.NextID(),
	}
}

// Ingest normalizes, chunks and embeds docs, then inserts the embedded
// chunks, rebuilds the index and persists both as a new generation.
// Per-chunk embedding failures and rejected duplicates are reported, not
// returned. Cancellation, storage errors and dimension mismatches discard
// the whole batch.
func (e *Engine) Ingest(ctx context.Context, docs []domain.Document, embedder domain.Embedder) (domain.IngestReport, error) {
	report := domain.IngestReport{RunID: uuid.NewString()}
	log := e.logger.With("run_id", report.RunID)

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	cur := e.current()
	report.Generation = cur.generation
	start := time.Now()
	log.Info("ingestion started", "documents", len(docs), "embedder", embedder.Name())

	var chunks []domain.Chunk
	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		d.Text = chunker.Normalize(d.Text)
		cs, err := e.chunker.Split(d)
		if err != nil {
			return report, err
		}
		report.DocumentsProcessed++
		report.ChunksCreated += len(cs)
		chunks = append(chunks, cs...)
	}

	skip := make([]bool, len(chunks))
	if e.opts.RejectDuplicates {
		seen := make(map[string]map[int]struct{})
		for i, c := range chunks {
			_, inBatch := seen[c.SourceID][c.Offset]
			if inBatch || cur.store.HasSource(c.SourceID, c.Offset) {
				skip[i] = true
				report.Failures = append(report.Failures, domain.IngestFailure{
					SourceID: c.SourceID, Offset: c.Offset, Reason: domain.ErrDuplicateSource.Error(),
				})
				continue
			}
			if seen[c.SourceID] == nil {
				seen[c.SourceID] = make(map[int]struct{})
			}
			seen[c.SourceID][c.Offset] = struct{}{}
		}
	}

	vecs, errs, err := e.embedAll(ctx, chunks, skip, embedder)
	if err != nil {
		log.Warn("ingestion aborted", "error", err)
		return report, err
	}

	next := cur.store.Clone()
	for i, c := range chunks {
		if skip[i] {
			continue
		}
		if errs[i] != nil {
			if errors.Is(errs[i], domain.ErrDimensionMismatch) {
				log.Warn("ingestion aborted", "source", c.SourceID, "offset", c.Offset, "error", errs[i])
				return report, fmt.Errorf("%s at offset %d: %w", c.SourceID, c.Offset, errs[i])
			}
			log.Warn("chunk embedding failed", "source", c.SourceID, "offset", c.Offset, "error", errs[i])
			report.Failures = append(report.Failures, domain.IngestFailure{SourceID: c.SourceID, Offset: c.Offset, Reason: errs[i].Error()})
			continue
		}
		c.Embedding = vecs[i]
		if _, err := next.Insert(c); err != nil {
			log.Warn("ingestion aborted", "source", c.SourceID, "offset", c.Offset, "error", err)
			return report, fmt.Errorf("%s at offset %d: %w", c.SourceID, c.Offset, err)
		}
		report.ChunksEmbedded++
	}

	if report.ChunksEmbedded > 0 {
		ix, err := e.build(next)
		if err != nil {
			return report, err
		}
		gen := cur.generation + 1
		if err := e.snapshots.Save(ctx, gen, next, ix); err != nil {
			log.Warn("ingestion aborted", "error", err)
			return report, fmt.Errorf("persist generation %d: %w", gen, err)
		}
		e.mu.Lock()
		e.st = &state{generation: gen, store: next, index: ix, builtFrom: next.Version()}
		e.mu.Unlock()
		report.Generation = gen
	}
	log.Info("ingestion finished",
		"documents", report.DocumentsProcessed,
		"chunks", report.ChunksCreated,
		"embedded", report.ChunksEmbedded,
		"failures", len(report.Failures),
		"generation", report.Generation,
		"took", time.Since(start))
	return report, nil
}

// embedAll embeds every non-skipped chunk with at most Workers calls in
// flight. Per-chunk errors land in errs; the returned error is set only on
// cancellation.
func (e *Engine) embedAll(ctx context.Context, chunks []domain.Chunk, skip []bool, embedder domain.Embedder) ([][]float32, []error, error) {
	vecs := make([][]float32, len(chunks))
	errs := make([]error, len(chunks))
	embedOne := func(gctx context.Context, i int) {
		v, err := embedder.Embed(gctx, chunks[i].Text)
		if err == nil {
			err = checkVector(v)
		}
		if err != nil {
			err = embedFailure(err)
		}
		vecs[i], errs[i] = v, err
	}

	var todo []int
	for i := range chunks {
		if !skip[i] {
			todo = append(todo, i)
		}
	}
	batchSize := 1
	batcher, isBatch := embedder.(domain.BatchEmbedder)
	if isBatch {
		batchSize = e.opts.BatchSize
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for start := 0; start < len(todo); start += batchSize {
		if ctx.Err() != nil {
			break
		}
		batch := todo[start:min(start+batchSize, len(todo))]
		g.Go(func() error {
			if isBatch && len(batch) > 1 {
				texts := make([]string, len(batch))
				for j, i := range batch {
					texts[j] = chunks[i].Text
				}
				vs, err := batcher.EmbedMany(gctx, texts)
				if err == nil && len(vs) == len(batch) {
					for j, i := range batch {
						vecs[i], errs[i] = vs[j], checkVector(vs[j])
					}
					return gctx.Err()
				}
				// isolate the failing items
			}
			for _, i := range batch {
				if gctx.Err() != nil {
					break
				}
				embedOne(gctx, i)
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return vecs, errs, nil
}

// Retrieve embeds query and returns the k best chunks with provenance.
// An empty index or k <= 0 yields no results and no error.
func (e *Engine) Retrieve(ctx context.Context, query string, k int, embedder domain.Embedder) ([]domain.QueryResult, error) {
	st := e.current()
	if k <= 0 || st.index.Len() == 0 {
		return nil, nil
	}
	if st.builtFrom != st.store.Version() {
		return nil, fmt.Errorf("%w: index built from store version %d, store at %d", domain.ErrStaleIndex, st.builtFrom, st.store.Version())
	}
	v, err := embedder.Embed(ctx, chunker.Normalize(query))
	if err == nil {
		err = checkVector(v)
	}
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", embedFailure(err))
	}
	res, err := st.index.Query(v, k)
	if err != nil {
		return nil, fmt.Errorf("query %s index: %w", st.index.Kind(), err)
	}
	if res.Fallback && st.index.Kind() != index.KindFlat {
		e.logger.Info("index answered with exact scan", "kind", st.index.Kind().String(), "k", k, "indexed", st.index.Len())
	}
	out := make([]domain.QueryResult, 0, len(res.Hits))
	for _, h := range res.Hits {
		c, err := st.store.Get(h.ID)
		if err != nil {
			return nil, &domain.IndexRecordMismatchError{OrphanedInIndex: []uint64{h.ID}}
		}
		out = append(out, domain.QueryResult{ChunkID: h.ID, Score: h.Score, SourceID: c.SourceID, Offset: c.Offset, Text: c.Text})
	}
	e.logger.Debug("retrieval finished", "k", k, "results", len(out), "scanned", res.Scanned)
	return out, nil
}

// Ask retrieves the k best chunks for question and hands their text to generator.
func (e *Engine) Ask(ctx context.Context, question string, k int, embedder domain.Embedder, generator domain.Generator) (Answer, error) {
	results, err := e.Retrieve(ctx, question, k, embedder)
	if err != nil {
		return Answer{}, err
	}
	contexts := make([]string, len(results))
	for i, r := range results {
		contexts[i] = r.Text
	}
	text, err := generator.Generate(ctx, question, contexts)
	if err != nil {
		return Answer{Sources: results}, fmt.Errorf("generate with %s: %w", generator.Name(), err)
	}
	return Answer{Text: text, Sources: results}, nil
}

// embedFailure tags an embedder error with ErrEmbeddingUnavailable unless it
// already names its cause.
func embedFailure(err error) error {
	switch {
	case errors.Is(err, domain.ErrEmbeddingUnavailable),
		errors.Is(err, domain.ErrDimensionMismatch),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrEmbeddingUnavailable, err)
}

// checkVector rejects empty vectors and vectors with NaN or infinite components.
func checkVector(v []float32) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: embedder returned an empty vector", domain.ErrEmbeddingUnavailable)
	}
	for i, x := range v {
		if f := float64(x); math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: component %d of %d is %v", domain.ErrEmbeddingUnavailable, i, len(v), x)
		}
	}
	return nil
}
