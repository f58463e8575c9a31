// Package config provides unified configuration loading for the metadata engine.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all service-level configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Graph         GraphConfig         `yaml:"graph"`
	AuthDB        AuthDBConfig        `yaml:"auth_db"`
	Cache         CacheConfig         `yaml:"cache"`
	LLM           LLMConfig           `yaml:"llm"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Ingestion     IngestionConfig     `yaml:"ingestion"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Observability ObservabilityConfig `yaml:"observability"`
	Auth          AuthConfig          `yaml:"auth"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// GraphConfig holds Neo4j connection settings.
type GraphConfig struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// AuthDBConfig holds the account store settings.
type AuthDBConfig struct {
	Path        string `yaml:"path"`
	JournalMode string `yaml:"journal_mode"`
}

// CacheConfig holds retrieval result cache settings.
type CacheConfig struct {
	Driver     string        `yaml:"driver"` // memory or redis
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// ModelConfig describes one OpenAI-compatible model endpoint.
type ModelConfig struct {
	BaseURL string         `yaml:"base_url"`
	APIKey  string         `yaml:"api_key"`
	Model   string         `yaml:"model"`
	Params  map[string]any `yaml:"params"`
}

// LLMConfig maps model roles onto configured endpoints.
type LLMConfig struct {
	EmbedModel  string                 `yaml:"embed_model"`
	ExtendModel string                 `yaml:"extend_model"`
	FilterModel string                 `yaml:"filter_model"`
	Models      map[string]ModelConfig `yaml:"models"`

	MaxRetries    int           `yaml:"max_retries"`
	Timeout       time.Duration `yaml:"timeout"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

// EmbeddingConfig holds embedding call settings.
type EmbeddingConfig struct {
	Dimension   int `yaml:"dimension"`
	BatchSize   int `yaml:"batch_size"`
	Concurrency int `yaml:"concurrency"`
}

// IngestionConfig holds metadata ingestion settings.
type IngestionConfig struct {
	ConfDir          string `yaml:"conf_dir"`
	FewshotRowLimit  int    `yaml:"fewshot_row_limit"`
	FewshotPerColumn int    `yaml:"fewshot_per_column"`
	FewshotMaxLen    int    `yaml:"fewshot_max_len"`
	CellBatchSize    int    `yaml:"cell_batch_size"`
	CellPartition    int    `yaml:"cell_partition"`
	GraphBatchSize   int    `yaml:"graph_batch_size"`
	Concurrency      int    `yaml:"concurrency"`
}

// RetrievalConfig holds hybrid retrieval settings.
type RetrievalConfig struct {
	VectorThreshold float64 `yaml:"vector_threshold"`
	DenseTopK       int     `yaml:"dense_top_k"`
	SparseTopK      int     `yaml:"sparse_top_k"`
	RRFK            int     `yaml:"rrf_k"`
	KnowledgeTopK   int     `yaml:"knowledge_top_k"`
	CellTopK        int     `yaml:"cell_top_k"`
	CacheResults    bool    `yaml:"cache_results"`
}

// PipelineConfig holds context pipeline settings.
type PipelineConfig struct {
	StateDriver string `yaml:"state_driver"` // file, sqlite or memory
	SessionDir  string `yaml:"session_dir"`
	SQLitePath  string `yaml:"sqlite_path"`
	PromptsPath string `yaml:"prompts_path"`
	MaxTables   int    `yaml:"max_tables"`
	MaxColPerTb int    `yaml:"max_col_per_tb"`
	Concurrency int    `yaml:"concurrency"`
	TableBatch  int    `yaml:"table_batch"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// AuthConfig holds token issuance settings.
type AuthConfig struct {
	SecretKey       string        `yaml:"secret_key"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8085,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     60 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Graph: GraphConfig{
			URI:      "bolt://localhost:7687",
			Username: "neo4j",
			Database: "neo4j",
		},
		AuthDB: AuthDBConfig{
			Path:        "/tmp/metagraph-auth.db",
			JournalMode: "WAL",
		},
		Cache: CacheConfig{
			Driver:     "memory",
			TTL:        5 * time.Minute,
			MaxEntries: 10000,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
			},
		},
		LLM: LLMConfig{
			EmbedModel:    "embed",
			ExtendModel:   "extend",
			FilterModel:   "filter",
			Models:        map[string]ModelConfig{},
			MaxRetries:    2,
			Timeout:       60 * time.Second,
			BackoffFactor: 1.0,
		},
		Embedding: EmbeddingConfig{
			Dimension:   1024,
			BatchSize:   64,
			Concurrency: 20,
		},
		Ingestion: IngestionConfig{
			ConfDir:          "configs/databases",
			FewshotRowLimit:  10000,
			FewshotPerColumn: 5,
			FewshotMaxLen:    300,
			CellBatchSize:    128,
			CellPartition:    5000,
			GraphBatchSize:   128,
			Concurrency:      20,
		},
		Retrieval: RetrievalConfig{
			VectorThreshold: 0.7,
			DenseTopK:       10,
			SparseTopK:      20,
			RRFK:            60,
			KnowledgeTopK:   5,
			CellTopK:        10,
			CacheResults:    true,
		},
		Pipeline: PipelineConfig{
			StateDriver: "file",
			SessionDir:  "/tmp/metagraph-sessions",
			SQLitePath:  "/tmp/metagraph-state.db",
			PromptsPath: "configs/prompts/table_rag.yml",
			MaxTables:   5,
			MaxColPerTb: 10,
			Concurrency: 20,
			TableBatch:  5,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "debug",
			LogFormat: "json",
		},
		Auth: AuthConfig{
			AccessTokenTTL:  30 * time.Minute,
			RefreshTokenTTL: 7 * 24 * time.Hour,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Graph.URI == "" {
		return fmt.Errorf("graph uri is required")
	}

	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}

	switch c.Pipeline.StateDriver {
	case "file", "sqlite", "memory":
	default:
		return fmt.Errorf("invalid state driver: %s", c.Pipeline.StateDriver)
	}

	if c.Embedding.Dimension < 1 {
		return fmt.Errorf("embedding dimension must be positive")
	}

	if c.Retrieval.VectorThreshold < 0 || c.Retrieval.VectorThreshold > 1 {
		return fmt.Errorf("vector_threshold must be within [0, 1]")
	}

	if c.Retrieval.RRFK < 1 {
		return fmt.Errorf("rrf_k must be positive")
	}

	return nil
}

// Model resolves a model role (embed_model, extend_model, ...) to its endpoint.
func (c *LLMConfig) Model(role string) (ModelConfig, error) {
	name := role
	switch role {
	case "embed":
		name = c.EmbedModel
	case "extend":
		name = c.ExtendModel
	case "filter":
		name = c.FilterModel
	}
	m, ok := c.Models[name]
	if !ok {
		return ModelConfig{}, fmt.Errorf("model %q not configured", name)
	}
	return m, nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("NEO4J_URI"); v != "" {
		cfg.Graph.URI = v
	}

	if v := os.Getenv("NEO4J_USERNAME"); v != "" {
		cfg.Graph.Username = v
	}

	if v := os.Getenv("NEO4J_PASSWORD"); v != "" {
		cfg.Graph.Password = v
	}

	if v := os.Getenv("AUTH_DB_PATH"); v != "" {
		cfg.AuthDB.Path = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}

	if v := os.Getenv("SECRET_KEY"); v != "" {
		cfg.Auth.SecretKey = v
	}
}

// ResolveRelativePath resolves a path relative to the config file location.
func ResolveRelativePath(configPath, targetPath string) string {
	if filepath.IsAbs(targetPath) {
		return targetPath
	}
	configDir := filepath.Dir(configPath)
	return filepath.Join(configDir, targetPath)
}
