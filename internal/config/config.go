package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Embedding EmbeddingConfig
	LLM       LLMConfig
	Indexing  IndexingConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type DatabaseConfig struct {
	Path string
}

type AuthConfig struct {
	// ServiceSecret authenticates service-to-service calls: HMAC request
	// signing and the legacy shared-secret bearer path.
	ServiceSecret string
	// JWTSecret verifies end-user bearer tokens issued by the CRM.
	JWTSecret string
}

type RateLimitConfig struct {
	IndexPerWindow int
	WindowSeconds  int
}

type EmbeddingConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type LLMConfig struct {
	APIKey string
	// BaseURL points at an OpenAI-compatible tool-calling endpoint.
	BaseURL string
	Model   string
	// TimeoutSeconds bounds one batched extraction call.
	TimeoutSeconds int
	// ChunkTimeoutSeconds bounds one single-chunk fallback call.
	ChunkTimeoutSeconds int
}

type IndexingConfig struct {
	// BatchSize is the default unit of work for batch modes and job loops.
	BatchSize int
	// EmbedDelayMS paces successive embedding calls.
	EmbedDelayMS int
	// NERDelayMS paces successive extraction batches.
	NERDelayMS int
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("SERVICE_SECRET")
	readSecret("JWT_SECRET")
	readSecret("EMBEDDING_API_KEY")
	readSecret("LLM_API_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("database.path", "DATABASE_PATH")
	_ = viper.BindEnv("auth.service_secret", "SERVICE_SECRET")
	_ = viper.BindEnv("auth.jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("ratelimit.index_per_window", "RATELIMIT_INDEX_PER_WINDOW")
	_ = viper.BindEnv("ratelimit.window_seconds", "RATELIMIT_WINDOW_SECONDS")
	_ = viper.BindEnv("embedding.api_key", "EMBEDDING_API_KEY")
	_ = viper.BindEnv("embedding.base_url", "EMBEDDING_BASE_URL")
	_ = viper.BindEnv("embedding.model", "EMBEDDING_MODEL")
	_ = viper.BindEnv("llm.api_key", "LLM_API_KEY")
	_ = viper.BindEnv("llm.base_url", "LLM_BASE_URL")
	_ = viper.BindEnv("llm.model", "LLM_MODEL")
	_ = viper.BindEnv("llm.timeout", "LLM_TIMEOUT")
	_ = viper.BindEnv("llm.chunk_timeout", "LLM_CHUNK_TIMEOUT")
	_ = viper.BindEnv("indexing.batch_size", "INDEXING_BATCH_SIZE")
	_ = viper.BindEnv("indexing.embed_delay_ms", "INDEXING_EMBED_DELAY_MS")
	_ = viper.BindEnv("indexing.ner_delay_ms", "INDEXING_NER_DELAY_MS")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("database.path", "./data/indexing.db")
	viper.SetDefault("auth.service_secret", "change-me-in-production")
	viper.SetDefault("auth.jwt_secret", "change-me-in-production")
	viper.SetDefault("ratelimit.index_per_window", 5)
	viper.SetDefault("ratelimit.window_seconds", 60)

	// Embedding provider defaults
	viper.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	viper.SetDefault("embedding.model", "text-embedding-3-small")

	// LLM provider defaults
	viper.SetDefault("llm.base_url", "https://api.openai.com/v1")
	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.timeout", 240)
	viper.SetDefault("llm.chunk_timeout", 45)

	// Indexing defaults
	viper.SetDefault("indexing.batch_size", 20)
	viper.SetDefault("indexing.embed_delay_ms", 200)
	viper.SetDefault("indexing.ner_delay_ms", 1000)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Database: DatabaseConfig{
			Path: viper.GetString("database.path"),
		},
		Auth: AuthConfig{
			ServiceSecret: viper.GetString("auth.service_secret"),
			JWTSecret:     viper.GetString("auth.jwt_secret"),
		},
		RateLimit: RateLimitConfig{
			IndexPerWindow: viper.GetInt("ratelimit.index_per_window"),
			WindowSeconds:  viper.GetInt("ratelimit.window_seconds"),
		},
		Embedding: EmbeddingConfig{
			APIKey:  viper.GetString("embedding.api_key"),
			BaseURL: viper.GetString("embedding.base_url"),
			Model:   viper.GetString("embedding.model"),
		},
		LLM: LLMConfig{
			APIKey:              viper.GetString("llm.api_key"),
			BaseURL:             viper.GetString("llm.base_url"),
			Model:               viper.GetString("llm.model"),
			TimeoutSeconds:      viper.GetInt("llm.timeout"),
			ChunkTimeoutSeconds: viper.GetInt("llm.chunk_timeout"),
		},
		Indexing: IndexingConfig{
			BatchSize:    viper.GetInt("indexing.batch_size"),
			EmbedDelayMS: viper.GetInt("indexing.embed_delay_ms"),
			NERDelayMS:   viper.GetInt("indexing.ner_delay_ms"),
		},
	}

	return cfg, nil
}
