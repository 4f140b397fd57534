package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"

	"docrag/internal/config"
	"docrag/internal/domain"
	"docrag/internal/embedding"
	"docrag/internal/embedding/hashing"
	embopenai "docrag/internal/embedding/openai"
	"docrag/internal/generator/extractive"
	genopenai "docrag/internal/generator/openai"
	"docrag/internal/index"
	"docrag/internal/loader"
	"docrag/internal/logging"
	"docrag/internal/service"
	"docrag/internal/tui"
)

const usage = `Usage: docrag [-config config.yaml] <command> [args]

Commands:
  ingest <paths...>     load files, directories or globs into the store
  query [-k n] <text>   print the best matching chunks
  ask [-k n] <text>     answer a question from the best matching chunks
  stats                 print store and index counts
  tui                   interactive search
`

func main() {
	_ = godotenv.Load()

	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "Path to YAML config file (optional; uses ./config.yaml or ~/.config/docrag/config.yaml if not provided)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfgPath, args[0], args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "docrag:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath, command string, args []string, out io.Writer) error {
	var cfg *config.AppConfig
	var err error
	if cfgPath == "" {
		cfg, _, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(cfgPath)
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	// the tui owns stdout, so its logs go to stderr only above info
	logCfg := cfg.Log
	if command == "tui" && logCfg.Level != "error" {
		logCfg.Level = "warn"
	}
	logger, err := logging.New(logCfg, os.Stderr)
	if err != nil {
		return err
	}

	switch command {
	case "ingest", "query", "ask", "stats", "tui":
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", command)
	}

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	switch command {
	case "ingest":
		return app.ingest(ctx, args, out)
	case "query":
		return app.query(ctx, args, out)
	case "ask":
		return app.ask(ctx, args, out)
	case "stats":
		return app.stats(out)
	default:
		return app.tui(ctx)
	}
}

// app binds the engine to the configured embedder and generator.
type app struct {
	cfg       *config.AppConfig
	logger    *slog.Logger
	engine    *service.Engine
	embedder  domain.Embedder
	queries   domain.Embedder
	generator domain.Generator
}

func newApp(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*app, error) {
	kind, _ := index.ParseKind(cfg.Index.Type)
	metric, _ := index.ParseMetric(cfg.Index.Metric)
	compression, _ := index.ParseCompression(cfg.Index.Compression)

	emb, batchSize, err := buildEmbedder(cfg, logger)
	if err != nil {
		return nil, err
	}
	queries := emb
	if cfg.Embedder.CacheSize > 0 {
		cached, err := embedding.NewCached(emb, cfg.Embedder.CacheSize)
		if err != nil {
			return nil, err
		}
		queries = cached
	}
	gen, err := buildGenerator(cfg)
	if err != nil {
		return nil, err
	}

	engine, err := service.Open(ctx, service.Options{
		Dir:              cfg.Store.Dir,
		ChunkSize:        cfg.Chunker.ChunkSize,
		ChunkOverlap:     cfg.Chunker.ChunkOverlap,
		IndexKind:        kind,
		Metric:           metric,
		Exact:            cfg.Index.Exact,
		Compression:      compression,
		RejectDuplicates: cfg.Store.RejectDuplicates,
		KeepSnapshots:    cfg.Store.KeepSnapshots,
		Workers:          cfg.Ingest.Workers,
		BatchSize:        batchSize,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Store.Dir, err)
	}
	return &app{cfg: cfg, logger: logger, engine: engine, embedder: emb, queries: queries, generator: gen}, nil
}

func buildEmbedder(cfg *config.AppConfig, logger *slog.Logger) (domain.Embedder, int, error) {
	switch strings.ToLower(cfg.Embedder.Type) {
	case "hashing":
		return hashing.New(cfg.Embedder.Dimension), 0, nil
	case "openai":
		o := cfg.Embedder.OpenAI
		if o == nil {
			o = &config.OpenAIEmbedderConfig{}
		}
		client, err := embopenai.NewClient(embopenai.Config{
			BaseURL:           o.BaseURL,
			APIKeyEnv:         o.APIKeyEnv,
			Model:             o.Model,
			Dimensions:        o.Dimensions,
			Timeout:           time.Duration(o.TimeoutSecs) * time.Second,
			RequestsPerSecond: o.RequestsPerSecond,
			MaxRetries:        o.MaxRetries,
			BatchSize:         o.BatchSize,
		}, logger)
		if err != nil {
			return nil, 0, fmt.Errorf("openai embedder init failed: %w", err)
		}
		return client, o.BatchSize, nil
	default:
		return nil, 0, fmt.Errorf("%w: unknown embedder %q", domain.ErrInvalidConfiguration, cfg.Embedder.Type)
	}
}

func buildGenerator(cfg *config.AppConfig) (domain.Generator, error) {
	switch strings.ToLower(cfg.Generator.Type) {
	case "extractive":
		return extractive.New(cfg.Generator.MaxSentences), nil
	case "openai":
		o := cfg.Generator.OpenAI
		if o == nil {
			o = &config.OpenAIGeneratorConfig{}
		}
		gen, err := genopenai.New(genopenai.Config{
			BaseURL:   o.BaseURL,
			APIKeyEnv: o.APIKeyEnv,
			Model:     o.Model,
			Timeout:   time.Duration(o.TimeoutSecs) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("openai generator init failed: %w", err)
		}
		return gen, nil
	default:
		return nil, fmt.Errorf("%w: unknown generator %q", domain.ErrInvalidConfiguration, cfg.Generator.Type)
	}
}

func (a *app) ingest(ctx context.Context, paths []string, out io.Writer) error {
	if len(paths) == 0 {
		return errors.New("ingest: no paths given")
	}
	res, err := loader.New(a.cfg.Ingest.Extensions, a.logger).Load(ctx, paths)
	if err != nil {
		return err
	}
	for _, s := range res.Skipped {
		fmt.Fprintf(out, "skipped  %s: %s\n", s.Path, s.Reason)
	}
	for _, f := range res.Failed {
		fmt.Fprintf(out, "failed   %s: %v\n", f.Path, f.Err)
	}
	if len(res.Documents) == 0 {
		return errors.New("ingest: no documents loaded")
	}
	report, err := a.engine.Ingest(ctx, res.Documents, a.embedder)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	fmt.Fprintf(out, "run %s: %d documents, %d chunks, %d embedded, %d failures, generation %d\n",
		report.RunID, report.DocumentsProcessed, report.ChunksCreated, report.ChunksEmbedded,
		len(report.Failures), report.Generation)
	for _, f := range report.Failures {
		fmt.Fprintf(out, "  %s @ %d: %s\n", f.SourceID, f.Offset, f.Reason)
	}
	return nil
}

func (a *app) parseQuery(name string, args []string) (string, int, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	k := fs.Int("k", a.cfg.Retrieval.TopK, "number of chunks to retrieve")
	if err := fs.Parse(args); err != nil {
		return "", 0, err
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		return "", 0, fmt.Errorf("%s: no text given", name)
	}
	return text, *k, nil
}

func (a *app) query(ctx context.Context, args []string, out io.Writer) error {
	text, k, err := a.parseQuery("query", args)
	if err != nil {
		return err
	}
	results, err := a.engine.Retrieve(ctx, text, k, a.queries)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(out, "no results")
		return nil
	}
	for i, r := range results {
		printResult(out, i+1, r)
	}
	return nil
}

func (a *app) ask(ctx context.Context, args []string, out io.Writer) error {
	text, k, err := a.parseQuery("ask", args)
	if err != nil {
		return err
	}
	answer, err := a.engine.Ask(ctx, text, k, a.queries, a.generator)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, answer.Text)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Sources:")
	for i, r := range answer.Sources {
		fmt.Fprintf(out, "  %d. %s @ %d (chunk %d, score %.3f)\n", i+1, r.SourceID, r.Offset, r.ChunkID, r.Score)
	}
	return nil
}

func (a *app) stats(out io.Writer) error {
	s := a.engine.Stats()
	fmt.Fprintf(out, "dir:        %s\n", s.Dir)
	fmt.Fprintf(out, "generation: %d\n", s.Generation)
	fmt.Fprintf(out, "records:    %d (%d embedded)\n", s.Records, s.Embedded)
	fmt.Fprintf(out, "index:      %s/%s, %d vectors, dimension %d\n", s.IndexKind, s.Metric, s.Indexed, s.Dimension)
	fmt.Fprintf(out, "next id:    %d\n", s.NextID)
	return nil
}

func (a *app) tui(ctx context.Context) error {
	s := a.engine.Stats()
	summary := fmt.Sprintf("%d chunks indexed (%s/%s), generation %d", s.Indexed, s.IndexKind, s.Metric, s.Generation)
	m := tui.New(ctx, tuiBackend{a}, a.cfg.Retrieval.TopK, summary)
	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}

type tuiBackend struct{ a *app }

func (b tuiBackend) Retrieve(ctx context.Context, query string, k int) ([]domain.QueryResult, error) {
	return b.a.engine.Retrieve(ctx, query, k, b.a.queries)
}

func (b tuiBackend) Answer(ctx context.Context, question string, k int) (string, error) {
	answer, err := b.a.engine.Ask(ctx, question, k, b.a.queries, b.a.generator)
	return answer.Text, err
}

func printResult(out io.Writer, rank int, r domain.QueryResult) {
	fmt.Fprintf(out, "%d. score=%.4f  %s @ %d  (chunk %d)\n", rank, r.Score, r.SourceID, r.Offset, r.ChunkID)
	text := strings.Join(strings.Fields(r.Text), " ")
	if runes := []rune(text); len(runes) > 240 {
		text = string(runes[:240]) + "..."
	}
	fmt.Fprintf(out, "   %s\n", text)
}
