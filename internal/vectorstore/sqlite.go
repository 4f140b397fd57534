package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	_ "modernc.org/sqlite"

	"docrag/internal/domain"
)

const schemaVersion = 1

var schema = []string{
	`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL);`,
	`CREATE TABLE IF NOT EXISTS meta (
            key TEXT PRIMARY KEY,
            value TEXT NOT NULL
        );`,
	`CREATE TABLE IF NOT EXISTS chunks (
            id INTEGER PRIMARY KEY,
            source_id TEXT NOT NULL,
            char_offset INTEGER NOT NULL,
            text TEXT NOT NULL,
            embedding BLOB
        );`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source_id, char_offset);`,
}

// Persist writes the full record set and id counter to a SQLite file at
// path. The file is built next to path and renamed into place.
func (s *Store) Persist(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create record store dir: %w", err)
	}
	tmp := path + ".tmp"
	_ = os.Remove(tmp)
	if err := s.writeSQLite(ctx, tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := syncFile(tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename record store: %w", err)
	}
	return nil
}

func (s *Store) writeSQLite(ctx context.Context, path string) (err error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close record store: %w", cerr)
		}
	}()
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	chunks := s.Chunks()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES(?)`, schemaVersion); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	meta := map[string]string{
		"next_id":   strconv.FormatUint(s.NextID(), 10),
		"dimension": strconv.Itoa(s.Dimension()),
	}
	for k, v := range meta {
		if _, err = tx.ExecContext(ctx, `INSERT INTO meta(key, value) VALUES(?, ?)`, k, v); err != nil {
			return fmt.Errorf("write meta %s: %w", k, err)
		}
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks(id, source_id, char_offset, text, embedding) VALUES(?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, c := range chunks {
		if err = ctx.Err(); err != nil {
			return err
		}
		var blob any
		if c.Embedded() {
			blob = encodeVector(c.Embedding)
		}
		if _, err = stmt.ExecContext(ctx, int64(c.ID), c.SourceID, c.Offset, c.Text, blob); err != nil {
			return fmt.Errorf("write chunk %d: %w", c.ID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit record store: %w", err)
	}
	return nil
}

// Load reads a record store written by Persist.
func Load(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	var version int
	if err := db.QueryRowContext(ctx, `SELECT version FROM schema_migrations`).Scan(&version); err != nil {
		return nil, fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return nil, fmt.Errorf("record store schema version %d, want %d", version, schemaVersion)
	}
	nextID, err := readMetaUint(ctx, db, "next_id")
	if err != nil {
		return nil, err
	}
	dim, err := readMetaUint(ctx, db, "dimension")
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT id, source_id, char_offset, text, embedding FROM chunks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("read chunks: %w", err)
	}
	defer rows.Close()
	var chunks []domain.Chunk
	for rows.Next() {
		var (
			id   int64
			c    domain.Chunk
			blob []byte
		)
		if err := rows.Scan(&id, &c.SourceID, &c.Offset, &c.Text, &blob); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.ID = uint64(id)
		if blob != nil {
			if c.Embedding, err = decodeVector(blob); err != nil {
				return nil, fmt.Errorf("chunk %d: %w", id, err)
			}
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read chunks: %w", err)
	}
	return restore(chunks, nextID, int(dim), opts...)
}

func readMetaUint(ctx context.Context, db *sql.DB, key string) (uint64, error) {
	var raw string
	err := db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("record store meta %q missing", key)
	}
	if err != nil {
		return 0, fmt.Errorf("read meta %q: %w", key, err)
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("meta %q: %w", key, err)
	}
	return v, nil
}

func encodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(x))
	}
	return out
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob of %d bytes", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("sync record store: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync record store: %w", err)
	}
	return f.Close()
}
