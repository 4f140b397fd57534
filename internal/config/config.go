package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"docrag/internal/chunker"
	"docrag/internal/domain"
	"docrag/internal/index"
	"docrag/internal/logging"
)

// OpenAIEmbedderConfig holds configuration for the OpenAI-compatible embedder.
type OpenAIEmbedderConfig struct {
	BaseURL           string  `yaml:"base_url"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	Model             string  `yaml:"model"`
	Dimensions        int     `yaml:"dimensions"`
	TimeoutSecs       int     `yaml:"timeout_secs"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	MaxRetries        int     `yaml:"max_retries"`
	BatchSize         int     `yaml:"batch_size"`
}

// EmbedderConfig selects and configures the text embedder implementation.
type EmbedderConfig struct {
	Type      string                `yaml:"type"`
	Dimension int                   `yaml:"dimension"`
	CacheSize int                   `yaml:"cache_size"`
	OpenAI    *OpenAIEmbedderConfig `yaml:"openai,omitempty"`
}

// ChunkerConfig configures the character window used to split documents.
type ChunkerConfig struct {
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
}

// IndexConfig selects the similarity index.
type IndexConfig struct {
	Type        string `yaml:"type"`
	Metric      string `yaml:"metric"`
	Exact       bool   `yaml:"exact"`
	Compression string `yaml:"compression"`
}

// StoreConfig locates persisted snapshots.
type StoreConfig struct {
	Dir              string `yaml:"dir"`
	RejectDuplicates bool   `yaml:"reject_duplicates"`
	KeepSnapshots    int    `yaml:"keep_snapshots"`
}

// IngestConfig configures the ingestion pipeline.
type IngestConfig struct {
	Workers    int      `yaml:"workers"`
	Extensions []string `yaml:"extensions"`
}

// OpenAIGeneratorConfig holds configuration for chat-completion answers.
type OpenAIGeneratorConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Model       string `yaml:"model"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// GeneratorConfig selects and configures answer generation.
type GeneratorConfig struct {
	Type         string                 `yaml:"type"`
	MaxSentences int                    `yaml:"max_sentences"`
	OpenAI       *OpenAIGeneratorConfig `yaml:"openai,omitempty"`
}

// RetrievalConfig configures query defaults.
type RetrievalConfig struct {
	TopK int `yaml:"top_k"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Chunker   ChunkerConfig   `yaml:"chunker"`
	Embedder  EmbedderConfig  `yaml:"embedder"`
	Index     IndexConfig     `yaml:"index"`
	Store     StoreConfig     `yaml:"store"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Generator GeneratorConfig `yaml:"generator"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Log       logging.Config  `yaml:"log"`
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	applyConfigDefaults(cfg)
	return cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/docrag/config.yaml.
// If neither exists, it writes defaults to ~/.config/docrag/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := Default()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate reports the first invalid setting, wrapped in domain.ErrInvalidConfiguration.
func (c *AppConfig) Validate() error {
	if err := chunker.Validate(c.Chunker.ChunkSize, c.Chunker.ChunkOverlap); err != nil {
		return err
	}
	switch strings.ToLower(c.Embedder.Type) {
	case "hashing", "openai":
	default:
		return invalid("unknown embedder type %q", c.Embedder.Type)
	}
	if c.Embedder.Dimension < 0 {
		return invalid("embedder dimension %d", c.Embedder.Dimension)
	}
	if c.Embedder.CacheSize < 0 {
		return invalid("embedder cache_size %d", c.Embedder.CacheSize)
	}
	if _, err := index.ParseKind(c.Index.Type); err != nil {
		return err
	}
	if _, err := index.ParseMetric(c.Index.Metric); err != nil {
		return err
	}
	if _, err := index.ParseCompression(c.Index.Compression); err != nil {
		return err
	}
	if c.Store.Dir == "" {
		return invalid("store dir is empty")
	}
	if c.Store.KeepSnapshots < 1 {
		return invalid("keep_snapshots must be at least 1, got %d", c.Store.KeepSnapshots)
	}
	if c.Ingest.Workers < 1 {
		return invalid("ingest workers must be positive, got %d", c.Ingest.Workers)
	}
	switch strings.ToLower(c.Generator.Type) {
	case "extractive", "openai":
	default:
		return invalid("unknown generator type %q", c.Generator.Type)
	}
	if c.Retrieval.TopK < 1 {
		return invalid("retrieval top_k must be positive, got %d", c.Retrieval.TopK)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidConfiguration, err)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "docrag", "config.yaml"), nil
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "docrag")
	}
	return "docrag-data"
}

// Default returns the built-in configuration.
func Default() *AppConfig {
	return &AppConfig{
		Chunker:   ChunkerConfig{ChunkSize: 800, ChunkOverlap: 100},
		Embedder:  EmbedderConfig{Type: "hashing", Dimension: 256, CacheSize: 256},
		Index:     IndexConfig{Type: "flat", Metric: "cosine", Compression: "zstd"},
		Store:     StoreConfig{Dir: defaultDataDir(), KeepSnapshots: 2},
		Ingest:    IngestConfig{Workers: 4, Extensions: []string{".txt", ".md"}},
		Generator: GeneratorConfig{Type: "extractive", MaxSentences: 5},
		Retrieval: RetrievalConfig{TopK: 3},
		Log:       logging.Config{Level: "info", Format: "text"},
	}
}

func applyConfigDefaults(cfg *AppConfig) {
	cfg.Embedder.Type = strings.ToLower(strings.TrimSpace(cfg.Embedder.Type))
	cfg.Generator.Type = strings.ToLower(strings.TrimSpace(cfg.Generator.Type))
	if cfg.Embedder.Type == "openai" {
		if cfg.Embedder.OpenAI == nil {
			cfg.Embedder.OpenAI = &OpenAIEmbedderConfig{}
		}
		o := cfg.Embedder.OpenAI
		if o.BaseURL == "" {
			o.BaseURL = "https://api.openai.com/v1"
		}
		if o.APIKeyEnv == "" {
			o.APIKeyEnv = "OPENAI_API_KEY"
		}
		if o.Model == "" {
			o.Model = "text-embedding-3-small"
		}
		if o.TimeoutSecs == 0 {
			o.TimeoutSecs = 30
		}
		if o.MaxRetries == 0 {
			o.MaxRetries = 5
		}
		if o.BatchSize == 0 {
			o.BatchSize = 32
		}
	}
	if cfg.Generator.Type == "openai" {
		if cfg.Generator.OpenAI == nil {
			cfg.Generator.OpenAI = &OpenAIGeneratorConfig{}
		}
		o := cfg.Generator.OpenAI
		if o.BaseURL == "" {
			o.BaseURL = "https://api.openai.com/v1"
		}
		if o.APIKeyEnv == "" {
			o.APIKeyEnv = "OPENAI_API_KEY"
		}
		if o.Model == "" {
			o.Model = "gpt-4o-mini"
		}
		if o.TimeoutSecs == 0 {
			o.TimeoutSecs = 120
		}
	}
}
