// Package loader turns file system paths into documents for ingestion.
package loader

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"docrag/internal/domain"
	"docrag/internal/logging"
)

// DefaultExtensions are the plain-text formats read when none are configured.
var DefaultExtensions = []string{".txt", ".md"}

// Skipped is a path that was deliberately not loaded.
type Skipped struct {
	Path   string
	Reason string
}

// Failure is a path that could not be read.
type Failure struct {
	Path string
	Err  error
}

// Result collects loaded documents together with what was left out.
type Result struct {
	Documents []domain.Document
	Skipped   []Skipped
	Failed    []Failure
}

// Loader reads plain-text files with an allowed extension.
type Loader struct {
	extensions map[string]struct{}
	logger     *slog.Logger
}

// New creates a loader accepting the given extensions (with or without the
// leading dot, case-insensitive).
func New(extensions []string, logger *slog.Logger) *Loader {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	l := &Loader{extensions: make(map[string]struct{}, len(extensions)), logger: logging.OrDiscard(logger)}
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		l.extensions[ext] = struct{}{}
	}
	return l
}

// Load expands paths (files, directories walked recursively, or glob
// patterns) and reads every supported file. Per-file problems are reported
// in the result; only cancellation returns an error.
func (l *Loader) Load(ctx context.Context, paths []string) (Result, error) {
	var res Result
	seen := make(map[string]struct{})
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		targets := []string{p}
		if strings.ContainsAny(p, "*?[") {
			matches, err := filepath.Glob(p)
			if err != nil {
				res.Failed = append(res.Failed, Failure{Path: p, Err: fmt.Errorf("bad pattern: %w", err)})
				continue
			}
			if len(matches) == 0 {
				res.Skipped = append(res.Skipped, Skipped{Path: p, Reason: "no files match"})
				continue
			}
			targets = matches
		}
		for _, t := range targets {
			if err := l.loadPath(ctx, filepath.Clean(t), seen, &res); err != nil {
				return res, err
			}
		}
	}
	l.logger.Info("documents loaded", "documents", len(res.Documents), "skipped", len(res.Skipped), "failed", len(res.Failed))
	return res, nil
}

func (l *Loader) loadPath(ctx context.Context, path string, seen map[string]struct{}, res *Result) error {
	info, err := os.Stat(path)
	if err != nil {
		res.Failed = append(res.Failed, Failure{Path: path, Err: err})
		return nil
	}
	if !info.IsDir() {
		l.loadFile(path, seen, res)
		return nil
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			res.Failed = append(res.Failed, Failure{Path: p, Err: err})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if p != path && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		l.loadFile(p, seen, res)
		return nil
	})
}

func (l *Loader) loadFile(path string, seen map[string]struct{}, res *Result) {
	if _, dup := seen[path]; dup {
		return
	}
	seen[path] = struct{}{}
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := l.extensions[ext]; !ok {
		reason := "unsupported file type"
		if ext != "" {
			reason = fmt.Sprintf("unsupported file type %s", ext)
		}
		l.logger.Debug("skipped file", "path", path, "reason", reason)
		res.Skipped = append(res.Skipped, Skipped{Path: path, Reason: reason})
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		l.logger.Warn("failed to read file", "path", path, "error", err)
		res.Failed = append(res.Failed, Failure{Path: path, Err: err})
		return
	}
	if !utf8.Valid(data) {
		res.Skipped = append(res.Skipped, Skipped{Path: path, Reason: "not valid UTF-8 text"})
		return
	}
	res.Documents = append(res.Documents, domain.Document{SourceID: path, Text: string(data)})
}
