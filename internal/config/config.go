// Package config loads and validates the timeline engine configuration from
// defaults, an optional YAML file, a .env file, and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Qdrant   QdrantConfig   `json:"qdrant" yaml:"qdrant"`
	OpenAI   OpenAIConfig   `json:"openai" yaml:"openai"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	Chunking ChunkingConfig `json:"chunking" yaml:"chunking"`
	Window   WindowConfig   `json:"window" yaml:"window"`
	Context  ContextConfig  `json:"context" yaml:"context"`
	Prompt   PromptConfig   `json:"prompt" yaml:"prompt"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	WriteTimeout int    `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`
}

// StorageConfig selects the message/chunk persistence providers
type StorageConfig struct {
	// MessageProvider is one of "memory", "sqlite", "postgres"
	MessageProvider string `json:"message_provider" yaml:"message_provider"`
	// VectorProvider is one of "memory", "sqlite", "qdrant"
	VectorProvider string `json:"vector_provider" yaml:"vector_provider"`
	SQLitePath     string `json:"sqlite_path" yaml:"sqlite_path"`
	PostgresDSN    string `json:"-" yaml:"postgres_dsn"`
}

// QdrantConfig represents Qdrant vector database configuration
type QdrantConfig struct {
	Host           string `json:"host" yaml:"host"`
	Port           int    `json:"port" yaml:"port"`
	APIKey         string `json:"-" yaml:"-"`
	UseTLS         bool   `json:"use_tls" yaml:"use_tls"`
	Collection     string `json:"collection" yaml:"collection"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// OpenAIConfig represents the embedding and completion endpoint configuration
type OpenAIConfig struct {
	APIKey          string  `json:"-" yaml:"-"`
	BaseURL         string  `json:"base_url,omitempty" yaml:"base_url"`
	EmbeddingModel  string  `json:"embedding_model" yaml:"embedding_model"`
	CompletionModel string  `json:"completion_model" yaml:"completion_model"`
	Dimension       int     `json:"dimension" yaml:"dimension"`
	Temperature     float64 `json:"temperature" yaml:"temperature"`
	TimeoutMs       int     `json:"timeout_ms" yaml:"timeout_ms"`
	MaxRetries      int     `json:"max_retries" yaml:"max_retries"`
	RateLimitRPM    int     `json:"rate_limit_rpm" yaml:"rate_limit_rpm"`
}

// RedisConfig represents the optional shared embedding cache
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"-" yaml:"-"`
	DB       int    `json:"db" yaml:"db"`
	TTLHours int    `json:"ttl_hours" yaml:"ttl_hours"`
}

// ChunkingConfig represents chunking configuration
type ChunkingConfig struct {
	MaxChars     int `json:"max_chars" yaml:"max_chars"`
	OverlapChars int `json:"overlap_chars" yaml:"overlap_chars"`
}

// WindowConfig represents the rolling conversation window configuration
type WindowConfig struct {
	Size                   int `json:"size" yaml:"size"`
	MaxSummaryChars        int `json:"max_summary_chars" yaml:"max_summary_chars"`
	MaxAgeHours            int `json:"max_age_hours" yaml:"max_age_hours"`
	CleanupIntervalMinutes int `json:"cleanup_interval_minutes" yaml:"cleanup_interval_minutes"`
}

// ContextConfig represents retrieval configuration
type ContextConfig struct {
	Strategy                 string  `json:"strategy" yaml:"strategy"`
	ChunksBefore             int     `json:"chunks_before" yaml:"chunks_before"`
	ChunksAfter              int     `json:"chunks_after" yaml:"chunks_after"`
	MaxSimilar               int     `json:"max_similar" yaml:"max_similar"`
	SimilarityThreshold      float64 `json:"similarity_threshold" yaml:"similarity_threshold"`
	MaxPerGroup              int     `json:"max_per_group" yaml:"max_per_group"`
	MaxGroups                int     `json:"max_groups" yaml:"max_groups"`
	MaxTotalChunks           int     `json:"max_total_chunks" yaml:"max_total_chunks"`
	AdaptiveQualityThreshold float64 `json:"adaptive_quality_threshold" yaml:"adaptive_quality_threshold"`
	AdaptiveExpansionFactor  float64 `json:"adaptive_expansion_factor" yaml:"adaptive_expansion_factor"`
	CosineWeight             float64 `json:"cosine_weight" yaml:"cosine_weight"`
	LexicalWeight            float64 `json:"lexical_weight" yaml:"lexical_weight"`
	DiversityThreshold       float64 `json:"diversity_threshold" yaml:"diversity_threshold"`
}

// PromptConfig represents prompt assembly configuration
type PromptConfig struct {
	MaxLength int    `json:"max_length" yaml:"max_length"`
	Format    string `json:"format" yaml:"format"`
	System    string `json:"system" yaml:"system"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "localhost",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Storage: StorageConfig{
			MessageProvider: "memory",
			VectorProvider:  "memory",
			SQLitePath:      "./data/timeline.db",
		},
		Qdrant: QdrantConfig{
			Host:           "localhost",
			Port:           6334,
			UseTLS:         false,
			Collection:     "timeline_chunks",
			TimeoutSeconds: 30,
		},
		OpenAI: OpenAIConfig{
			EmbeddingModel:  "text-embedding-3-small",
			CompletionModel: "gpt-4o-mini",
			Dimension:       768,
			Temperature:     0.2,
			TimeoutMs:       30000,
			MaxRetries:      3,
			RateLimitRPM:    60,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			TTLHours: 24,
		},
		Chunking: ChunkingConfig{
			MaxChars:     500,
			OverlapChars: 50,
		},
		Window: WindowConfig{
			Size:                   6,
			MaxSummaryChars:        1000,
			MaxAgeHours:            24,
			CleanupIntervalMinutes: 60,
		},
		Context: ContextConfig{
			Strategy:                 "adaptive",
			ChunksBefore:             2,
			ChunksAfter:              2,
			MaxSimilar:               5,
			SimilarityThreshold:      0.3,
			MaxPerGroup:              5,
			MaxGroups:                3,
			MaxTotalChunks:           20,
			AdaptiveQualityThreshold: 0.7,
			AdaptiveExpansionFactor:  1.5,
			CosineWeight:             0.7,
			LexicalWeight:            0.3,
			DiversityThreshold:       0.9,
		},
		Prompt: PromptConfig{
			MaxLength: 4000,
			Format:    "structured",
			System:    "You are a helpful assistant. Use the provided context only if relevant.",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads configuration from defaults, .env, and environment variables
func LoadConfig() (*Config, error) {
	return LoadConfigFile("")
}

// LoadConfigFile loads configuration with an optional YAML overlay file
func LoadConfigFile(path string) (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("error parsing config file %s: %w", path, err)
		}
	}

	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(config *Config) {
	loadServerConfig(config)
	loadStorageConfig(config)
	loadQdrantConfig(config)
	loadOpenAIConfig(config)
	loadRedisConfig(config)
	loadPipelineConfig(config)
	loadLoggingConfig(config)
}

func loadServerConfig(config *Config) {
	setString(&config.Server.Host, "TIMELINE_HOST")
	setInt(&config.Server.Port, "TIMELINE_PORT")
	setInt(&config.Server.ReadTimeout, "TIMELINE_READ_TIMEOUT_SECONDS")
	setInt(&config.Server.WriteTimeout, "TIMELINE_WRITE_TIMEOUT_SECONDS")
}

func loadStorageConfig(config *Config) {
	setString(&config.Storage.MessageProvider, "TIMELINE_MESSAGE_PROVIDER")
	setString(&config.Storage.VectorProvider, "TIMELINE_VECTOR_PROVIDER")
	setString(&config.Storage.SQLitePath, "TIMELINE_SQLITE_PATH")
	setString(&config.Storage.PostgresDSN, "TIMELINE_POSTGRES_DSN")
}

func loadQdrantConfig(config *Config) {
	// Check both prefixed and non-prefixed env vars
	if host := os.Getenv("TIMELINE_QDRANT_HOST"); host != "" {
		config.Qdrant.Host = host
	} else if host := os.Getenv("QDRANT_HOST"); host != "" {
		config.Qdrant.Host = host
	}
	if port := os.Getenv("TIMELINE_QDRANT_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Qdrant.Port = p
		}
	} else if port := os.Getenv("QDRANT_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Qdrant.Port = p
		}
	}
	if apiKey := os.Getenv("TIMELINE_QDRANT_API_KEY"); apiKey != "" {
		config.Qdrant.APIKey = apiKey
	} else if apiKey := os.Getenv("QDRANT_API_KEY"); apiKey != "" {
		config.Qdrant.APIKey = apiKey
	}
	setBool(&config.Qdrant.UseTLS, "TIMELINE_QDRANT_USE_TLS")
	setString(&config.Qdrant.Collection, "TIMELINE_QDRANT_COLLECTION")
	setInt(&config.Qdrant.TimeoutSeconds, "TIMELINE_QDRANT_TIMEOUT_SECONDS")
}

func loadOpenAIConfig(config *Config) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}
	setString(&config.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setString(&config.OpenAI.EmbeddingModel, "TIMELINE_EMBEDDING_MODEL")
	setString(&config.OpenAI.CompletionModel, "TIMELINE_COMPLETION_MODEL")
	setInt(&config.OpenAI.Dimension, "TIMELINE_EMBED_DIMENSION")
	setFloat(&config.OpenAI.Temperature, "TIMELINE_OPENAI_TEMPERATURE")
	setInt(&config.OpenAI.TimeoutMs, "TIMELINE_EMBED_TIMEOUT_MS")
	setInt(&config.OpenAI.MaxRetries, "TIMELINE_EMBED_MAX_RETRIES")
	setInt(&config.OpenAI.RateLimitRPM, "TIMELINE_OPENAI_RATE_LIMIT_RPM")
}

func loadRedisConfig(config *Config) {
	setBool(&config.Redis.Enabled, "TIMELINE_REDIS_ENABLED")
	setString(&config.Redis.Addr, "TIMELINE_REDIS_ADDR")
	setString(&config.Redis.Password, "TIMELINE_REDIS_PASSWORD")
	setInt(&config.Redis.DB, "TIMELINE_REDIS_DB")
	setInt(&config.Redis.TTLHours, "TIMELINE_REDIS_TTL_HOURS")
}

func loadPipelineConfig(config *Config) {
	setInt(&config.Chunking.MaxChars, "TIMELINE_CHUNK_MAX_CHARS")
	setInt(&config.Chunking.OverlapChars, "TIMELINE_CHUNK_OVERLAP_CHARS")

	setInt(&config.Window.Size, "TIMELINE_WINDOW_SIZE")
	setInt(&config.Window.MaxSummaryChars, "TIMELINE_WINDOW_MAX_SUMMARY_CHARS")
	setInt(&config.Window.MaxAgeHours, "TIMELINE_WINDOW_MAX_AGE_HOURS")
	setInt(&config.Window.CleanupIntervalMinutes, "TIMELINE_WINDOW_CLEANUP_INTERVAL_MINUTES")

	setString(&config.Context.Strategy, "TIMELINE_CONTEXT_STRATEGY")
	setInt(&config.Context.ChunksBefore, "TIMELINE_CONTEXT_CHUNKS_BEFORE")
	setInt(&config.Context.ChunksAfter, "TIMELINE_CONTEXT_CHUNKS_AFTER")
	setInt(&config.Context.MaxSimilar, "TIMELINE_CONTEXT_MAX_SIMILAR")
	setFloat(&config.Context.SimilarityThreshold, "TIMELINE_CONTEXT_SIMILARITY_THRESHOLD")
	setInt(&config.Context.MaxPerGroup, "TIMELINE_CONTEXT_MAX_PER_GROUP")
	setInt(&config.Context.MaxGroups, "TIMELINE_CONTEXT_MAX_GROUPS")
	setInt(&config.Context.MaxTotalChunks, "TIMELINE_CONTEXT_MAX_TOTAL_CHUNKS")
	setFloat(&config.Context.AdaptiveQualityThreshold, "TIMELINE_CONTEXT_ADAPTIVE_QUALITY_THRESHOLD")
	setFloat(&config.Context.AdaptiveExpansionFactor, "TIMELINE_CONTEXT_ADAPTIVE_EXPANSION_FACTOR")
	setFloat(&config.Context.CosineWeight, "TIMELINE_CONTEXT_COSINE_WEIGHT")
	setFloat(&config.Context.LexicalWeight, "TIMELINE_CONTEXT_LEXICAL_WEIGHT")
	setFloat(&config.Context.DiversityThreshold, "TIMELINE_CONTEXT_DIVERSITY_THRESHOLD")

	setInt(&config.Prompt.MaxLength, "TIMELINE_PROMPT_MAX_LENGTH")
	setString(&config.Prompt.Format, "TIMELINE_PROMPT_FORMAT")
	setString(&config.Prompt.System, "TIMELINE_PROMPT_SYSTEM")
}

func loadLoggingConfig(config *Config) {
	setString(&config.Logging.Level, "TIMELINE_LOG_LEVEL")
	setString(&config.Logging.Format, "TIMELINE_LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}

	switch c.Storage.MessageProvider {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown message provider: %s", c.Storage.MessageProvider)
	}
	switch c.Storage.VectorProvider {
	case "memory", "sqlite", "qdrant":
	default:
		return fmt.Errorf("unknown vector provider: %s", c.Storage.VectorProvider)
	}
	if c.Storage.MessageProvider == "sqlite" && c.Storage.SQLitePath == "" {
		return fmt.Errorf("sqlite path cannot be empty when the sqlite provider is selected")
	}
	if c.Storage.MessageProvider == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("postgres DSN cannot be empty when the postgres provider is selected")
	}
	if c.Storage.VectorProvider == "qdrant" {
		if c.Qdrant.Host == "" {
			return fmt.Errorf("qdrant host cannot be empty")
		}
		if c.Qdrant.Port <= 0 {
			return fmt.Errorf("qdrant port must be greater than 0")
		}
		if c.Qdrant.Collection == "" {
			return fmt.Errorf("qdrant collection cannot be empty")
		}
	}

	if c.OpenAI.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}
	if c.OpenAI.MaxRetries < 1 {
		return fmt.Errorf("embed max retries must be at least 1")
	}

	if c.Chunking.MaxChars <= 0 {
		return fmt.Errorf("chunk max chars must be positive")
	}
	if c.Chunking.OverlapChars < 0 || c.Chunking.OverlapChars >= c.Chunking.MaxChars {
		return fmt.Errorf("chunk overlap must be non-negative and smaller than max chars")
	}

	if c.Window.Size <= 0 {
		return fmt.Errorf("window size must be positive")
	}
	if c.Window.MaxSummaryChars <= 0 {
		return fmt.Errorf("window max summary chars must be positive")
	}

	if err := c.Context.Validate(); err != nil {
		return err
	}

	if c.Prompt.MaxLength <= 0 {
		return fmt.Errorf("prompt max length must be positive")
	}
	switch strings.ToLower(c.Prompt.Format) {
	case "structured", "plain":
	default:
		return fmt.Errorf("unknown prompt format: %s", c.Prompt.Format)
	}

	return nil
}

// Validate checks the retrieval section on its own, since callers may
// override it per request.
func (cc *ContextConfig) Validate() error {
	switch strings.ToLower(cc.Strategy) {
	case "fixed", "adaptive", "intelligent":
	default:
		return fmt.Errorf("unknown context strategy: %s", cc.Strategy)
	}
	if cc.ChunksBefore < 0 || cc.ChunksAfter < 0 {
		return fmt.Errorf("neighborhood sizes must be non-negative")
	}
	if cc.MaxSimilar <= 0 {
		return fmt.Errorf("max similar must be positive")
	}
	if cc.SimilarityThreshold < -1 || cc.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold must be within [-1, 1]")
	}
	if cc.MaxPerGroup <= 0 {
		return fmt.Errorf("max per group must be positive")
	}
	if cc.MaxGroups <= 0 {
		return fmt.Errorf("max groups must be positive")
	}
	if cc.MaxTotalChunks <= 0 {
		return fmt.Errorf("max total chunks must be positive")
	}
	if cc.AdaptiveExpansionFactor < 1 {
		return fmt.Errorf("adaptive expansion factor must be at least 1")
	}
	return nil
}
