package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Environment string

const (
	EnvLocal      Environment = "local"
	EnvPreview    Environment = "preview"
	EnvProduction Environment = "production"
)

type Config struct {
	Environment Environment       `yaml:"environment"`
	LogLevel    string            `yaml:"log_level"`
	Database    DatabaseConfig    `yaml:"database"`
	ChatLLM     LLMConfig         `yaml:"chat_llm"`
	ToolLLM     LLMConfig         `yaml:"tool_llm"`
	EmbedLLM    LLMConfig         `yaml:"embed_llm"`
	Storage     StorageConfig     `yaml:"storage"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	RAG         RAGConfig         `yaml:"rag"`
}

type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	Password string `yaml:"password"`
	// Driver is "pgdriver" (default) or "pq".
	Driver string `yaml:"driver"`
	Debug  bool   `yaml:"debug"`
}

type LLMConfig struct {
	// Provider is "openai" (default, also any OpenAI-compatible endpoint) or "ollama".
	Provider    string  `yaml:"provider"`
	BaseURL     string  `yaml:"base_url"`
	Key         string  `yaml:"key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	Dimensions  int     `yaml:"dimensions"`
}

type StorageConfig struct {
	// Mode is "disk", "gcs" or "gcs-emulator".
	Mode            string `yaml:"mode"`
	Root            string `yaml:"root"`
	EmulatorHost    string `yaml:"emulator_host"`
	ProjectID       string `yaml:"project_id"`
	IndexBucket     string `yaml:"index_bucket"`
	AssetBucket     string `yaml:"asset_bucket"`
	CredentialsFile string `yaml:"credentials_file"`
}

type VectorStoreConfig struct {
	// Type is "chromem" (default) or "pgvector".
	Type          string `yaml:"type"`
	Collection    string `yaml:"collection"`
	TableName     string `yaml:"table_name"`
	Path          string `yaml:"path"`
	Compress      bool   `yaml:"compress"`
	EncryptionKey string `yaml:"encryption_key"`
}

type RAGConfig struct {
	ChunkSize         int           `yaml:"chunk_size"`
	ChunkOverlap      int           `yaml:"chunk_overlap"`
	SimilarityTopK    int           `yaml:"similarity_top_k"`
	ResponseMode      string        `yaml:"response_mode"`
	MaxToolCalls      int           `yaml:"max_tool_calls"`
	TurnTimeout       time.Duration `yaml:"turn_timeout"`
	BuildConcurrency  int           `yaml:"build_concurrency"`
	RouterConcurrency int           `yaml:"router_concurrency"`
	EmbedRPS          float64       `yaml:"embed_rps"`
	EmbedBurst        int           `yaml:"embed_burst"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	CacheCapacity     int           `yaml:"cache_capacity"`
	ContextualChunks  bool          `yaml:"contextual_chunks"`
}

const (
	defaultChunkSize         = 1024
	defaultChunkOverlap      = 200
	defaultSimilarityTopK    = 3
	defaultResponseMode      = "compact"
	defaultMaxToolCalls      = 3
	defaultTurnTimeout       = 2 * time.Minute
	defaultBuildConcurrency  = 4
	defaultRouterConcurrency = 8
	defaultEmbedRPS          = 5
	defaultEmbedBurst        = 10
	defaultCacheTTL          = 5 * time.Minute
	defaultCacheCapacity     = 10
	defaultCollection        = "guideline_nodes"
	defaultTableName         = "pg_vector_store"
	defaultChatModel         = "gpt-4-1106-preview"
	defaultToolModel         = "gpt-4o"
	defaultEmbedModel        = "text-embedding-ada-002"
	defaultEmbedDimensions   = 1536
)

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true,
}

// LoadConfig reads the YAML file at path, then applies .env and environment overrides.
// An empty path skips the file and relies on the environment alone.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	setFromEnv(&c.LogLevel, "LOG_LEVEL")
	if v := strings.TrimSpace(os.Getenv("ENVIRONMENT")); v != "" {
		c.Environment = Environment(strings.ToLower(v))
	}
	setFromEnv(&c.Database.DSN, "DATABASE_URL")
	setFromEnv(&c.Database.Password, "DATABASE_PASSWORD")
	setFromEnv(&c.Storage.IndexBucket, "INDEX_BUCKET_NAME")
	setFromEnv(&c.Storage.AssetBucket, "ASSET_BUCKET_NAME")
	setFromEnv(&c.Storage.EmulatorHost, "STORAGE_EMULATOR_HOST")
	setFromEnv(&c.Storage.ProjectID, "GCP_PROJECT_ID")
	setFromEnv(&c.VectorStore.EncryptionKey, "VECTOR_STORE_ENCRYPTION_KEY")

	if key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); key != "" {
		for _, llm := range []*LLMConfig{&c.ChatLLM, &c.ToolLLM, &c.EmbedLLM} {
			if llm.Key == "" {
				llm.Key = key
			}
		}
	}
}

func setFromEnv(dst *string, name string) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		*dst = v
	}
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = EnvLocal
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "debug"
	}

	c.ChatLLM.applyDefaults(defaultChatModel)
	c.ToolLLM.applyDefaults(defaultToolModel)
	if c.ToolLLM.Temperature == 0 {
		c.ToolLLM.Temperature = 0.1
	}
	c.EmbedLLM.applyDefaults(defaultEmbedModel)
	if c.EmbedLLM.Dimensions == 0 {
		c.EmbedLLM.Dimensions = defaultEmbedDimensions
	}

	if c.Storage.Mode == "" {
		c.Storage.Mode = "disk"
	}
	if c.Storage.Root == "" {
		c.Storage.Root = "./data"
	}
	if c.Storage.IndexBucket == "" {
		c.Storage.IndexBucket = "guideline-index"
	}
	if c.Storage.AssetBucket == "" {
		c.Storage.AssetBucket = "clinical-guidelines-assets"
	}

	if c.VectorStore.Type == "" {
		c.VectorStore.Type = "chromem"
	}
	if c.VectorStore.Collection == "" {
		c.VectorStore.Collection = defaultCollection
	}
	if c.VectorStore.TableName == "" {
		c.VectorStore.TableName = defaultTableName
	}

	// if chunking values are unset, use default values
	if c.RAG.ChunkSize == 0 || c.RAG.ChunkOverlap == 0 {
		c.RAG.ChunkSize = defaultChunkSize
		c.RAG.ChunkOverlap = defaultChunkOverlap
	}
	if c.RAG.SimilarityTopK == 0 {
		c.RAG.SimilarityTopK = defaultSimilarityTopK
	}
	if c.RAG.ResponseMode == "" {
		c.RAG.ResponseMode = defaultResponseMode
	}
	if c.RAG.MaxToolCalls == 0 {
		c.RAG.MaxToolCalls = defaultMaxToolCalls
	}
	if c.RAG.TurnTimeout == 0 {
		c.RAG.TurnTimeout = defaultTurnTimeout
	}
	if c.RAG.BuildConcurrency == 0 {
		c.RAG.BuildConcurrency = defaultBuildConcurrency
	}
	if c.RAG.RouterConcurrency == 0 {
		c.RAG.RouterConcurrency = defaultRouterConcurrency
	}
	if c.RAG.EmbedRPS == 0 {
		c.RAG.EmbedRPS = defaultEmbedRPS
	}
	if c.RAG.EmbedBurst == 0 {
		c.RAG.EmbedBurst = defaultEmbedBurst
	}
	if c.RAG.CacheTTL == 0 {
		c.RAG.CacheTTL = defaultCacheTTL
	}
	if c.RAG.CacheCapacity == 0 {
		c.RAG.CacheCapacity = defaultCacheCapacity
	}
}

func (l *LLMConfig) applyDefaults(model string) {
	if l.Provider == "" {
		l.Provider = "openai"
	}
	if l.Model == "" {
		l.Model = model
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvLocal, EnvPreview, EnvProduction:
	default:
		return fmt.Errorf("invalid environment: %q", c.Environment)
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %q", c.LogLevel)
	}
	if c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return fmt.Errorf("chunk overlap %d must be smaller than chunk size %d", c.RAG.ChunkOverlap, c.RAG.ChunkSize)
	}
	if n := len(c.VectorStore.EncryptionKey); n != 0 && n != 32 {
		return fmt.Errorf("vector store encryption key must be 32 bytes, got %d", n)
	}
	switch c.Storage.Mode {
	case "disk", "gcs", "gcs-emulator":
	default:
		return fmt.Errorf("invalid storage mode: %q", c.Storage.Mode)
	}
	switch c.VectorStore.Type {
	case "chromem", "pgvector":
	default:
		return fmt.Errorf("invalid vector store type: %q", c.VectorStore.Type)
	}
	for name, llm := range map[string]LLMConfig{"chat_llm": c.ChatLLM, "tool_llm": c.ToolLLM, "embed_llm": c.EmbedLLM} {
		switch llm.Provider {
		case "openai", "ollama":
		default:
			return fmt.Errorf("%s: invalid provider %q", name, llm.Provider)
		}
	}
	if c.RAG.MaxToolCalls < 0 {
		return fmt.Errorf("max tool calls must not be negative")
	}
	return nil
}

// IsProduction reports whether buckets must already exist.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}
