// Package snapshot persists record store and index generations side by side
// and switches between them atomically.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"docrag/internal/domain"
	"docrag/internal/index"
	"docrag/internal/logging"
	"docrag/internal/vectorstore"
)

const (
	currentFile = "CURRENT"
	recordsFile = "records.db"
	indexFile   = "index.bin"
	snapshots   = "snapshots"
)

// State is one loaded generation. Index is nil when nothing was persisted yet.
type State struct {
	Generation uint64
	Store      *vectorstore.Store
	Index      index.Index
}

// Manager reads and writes generations under a directory:
//
//	dir/CURRENT                       live generation number
//	dir/snapshots/<gen>/records.db    record store
//	dir/snapshots/<gen>/index.bin     similarity index
type Manager struct {
	dir         string
	keep        int
	compression index.Compression
	logger      *slog.Logger
}

// New returns a manager keeping at most keep generations (minimum 1).
func New(dir string, keep int, compression index.Compression, logger *slog.Logger) *Manager {
	if keep < 1 {
		keep = 1
	}
	return &Manager{dir: dir, keep: keep, compression: compression, logger: logging.OrDiscard(logger)}
}

func (m *Manager) Dir() string { return m.dir }

func (m *Manager) genDir(gen uint64) string {
	return filepath.Join(m.dir, snapshots, strconv.FormatUint(gen, 10))
}

// Current returns the live generation, or 0 when none was written.
func (m *Manager) Current() (uint64, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, currentFile))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", currentFile, err)
	}
	gen, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || gen == 0 {
		return 0, fmt.Errorf("%s holds %q: not a generation", currentFile, strings.TrimSpace(string(data)))
	}
	return gen, nil
}

// Load opens the live generation and checks that its two artifacts agree.
// Without a live generation it returns an empty store and a nil index.
func (m *Manager) Load(ctx context.Context, opts ...vectorstore.Option) (State, error) {
	gen, err := m.Current()
	if err != nil {
		return State{}, err
	}
	if gen == 0 {
		return State{Store: vectorstore.New(opts...)}, nil
	}
	dir := m.genDir(gen)
	store, err := vectorstore.Load(ctx, filepath.Join(dir, recordsFile), opts...)
	if err != nil {
		return State{}, fmt.Errorf("generation %d: %w", gen, err)
	}
	ix, err := index.Load(filepath.Join(dir, indexFile))
	if err != nil {
		return State{}, fmt.Errorf("generation %d: %w", gen, err)
	}
	if err := Verify(store, ix); err != nil {
		return State{}, fmt.Errorf("generation %d: %w", gen, err)
	}
	m.logger.Info("snapshot loaded", "generation", gen, "records", store.Len(), "indexed", ix.Len(), "index", ix.Kind().String())
	return State{Generation: gen, Store: store, Index: ix}, nil
}

// Save writes store and ix as generation gen, then points CURRENT at it.
// A failure before the pointer switch leaves the previous generation live.
func (m *Manager) Save(ctx context.Context, gen uint64, store *vectorstore.Store, ix index.Index) error {
	if err := Verify(store, ix); err != nil {
		return err
	}
	dir := m.genDir(gen)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear generation %d: %w", gen, err)
	}
	if err := store.Persist(ctx, filepath.Join(dir, recordsFile)); err != nil {
		return fmt.Errorf("generation %d: %w", gen, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := index.Save(filepath.Join(dir, indexFile), ix, m.compression); err != nil {
		return fmt.Errorf("generation %d: %w", gen, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := writeCurrent(m.dir, gen); err != nil {
		return err
	}
	m.logger.Info("snapshot saved", "generation", gen, "dir", dir, "records", store.Len(), "indexed", ix.Len())
	m.prune(gen)
	return nil
}

// Generations lists the generation directories present on disk, ascending.
func (m *Manager) Generations() ([]uint64, error) {
	entries, err := os.ReadDir(filepath.Join(m.dir, snapshots))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var gens []uint64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if g, err := strconv.ParseUint(e.Name(), 10, 64); err == nil && g > 0 {
			gens = append(gens, g)
		}
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens, nil
}

// prune removes generations older than the newest keep, never touching live.
func (m *Manager) prune(live uint64) {
	gens, err := m.Generations()
	if err != nil {
		m.logger.Warn("snapshot prune skipped", "error", err)
		return
	}
	kept := 0
	for i := len(gens) - 1; i >= 0; i-- {
		g := gens[i]
		if g > live {
			// leftovers from an interrupted run
			_ = os.RemoveAll(m.genDir(g))
			continue
		}
		if g == live || kept < m.keep-1 {
			if g != live {
				kept++
			}
			continue
		}
		if err := os.RemoveAll(m.genDir(g)); err != nil {
			m.logger.Warn("snapshot prune failed", "generation", g, "error", err)
			continue
		}
		m.logger.Debug("snapshot pruned", "generation", g)
	}
}

// Verify checks the record store/index consistency invariant: equal
// dimensions and identical sets of embedded chunk ids.
func Verify(store *vectorstore.Store, ix index.Index) error {
	if ix.Len() > 0 && store.Dimension() != ix.Dimension() {
		return &domain.IndexRecordMismatchError{
			Detail: fmt.Sprintf("index dimension %d, record store dimension %d", ix.Dimension(), store.Dimension()),
		}
	}
	stored, indexed := store.EmbeddedIDs(), ix.IDs()
	if stored.Equals(indexed) {
		return nil
	}
	return &domain.IndexRecordMismatchError{
		MissingFromIndex: roaring64.AndNot(stored, indexed).ToArray(),
		OrphanedInIndex:  roaring64.AndNot(indexed, stored).ToArray(),
	}
}

func writeCurrent(dir string, gen uint64) error {
	tmp, err := os.CreateTemp(dir, currentFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", currentFile, err)
	}
	name := tmp.Name()
	_, err = tmp.WriteString(strconv.FormatUint(gen, 10) + "\n")
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(name, filepath.Join(dir, currentFile))
	}
	if err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("write %s: %w", currentFile, err)
	}
	return nil
}
