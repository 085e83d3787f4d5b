package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"

	VectorPGVector = "pgvector"
	VectorMemory   = "memory"

	// MemoryDatabaseURL selects the in-process store instead of Postgres.
	MemoryDatabaseURL = "memory://"
)

type Config struct {
	DatabaseURL    string
	SslCertPath    string
	Port           string
	AllowedOrigins []string
	AdminJWTSecret string

	AIAPIKey        string
	EmbedModel      string
	EmbedDim        int
	EmbedRatePerSec float64
	GenModel        string
	LLMProvider     string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	VectorBackend   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration

	AwsAccessKey  string
	AwsSecretKey  string
	AwsRegion     string
	ArchiveBucket string

	SyncBatchSize          int
	SyncVariantConcurrency int
	SyncItemTimeout        time.Duration

	VectorizeConcurrency int
	VectorizeItemTimeout time.Duration
	VectorizeWorkers     int
	AutoVectorize        bool

	ContextTopK     int
	RunPollInterval time.Duration
	RunMaxPolls     int

	LogLevel string
	LogFile  string
}

// LoadConfig reads .env (if present) into the process environment, then
// resolves every key through viper with its default.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", file, err)
		}
	}

	cfg := &Config{
		DatabaseURL:    v.GetString("DATABASE_URL"),
		SslCertPath:    v.GetString("SSL_CERT_PATH"),
		Port:           v.GetString("PORT"),
		AllowedOrigins: splitList(v.GetString("ALLOWED_ORIGINS")),
		AdminJWTSecret: v.GetString("ADMIN_JWT_SECRET"),

		AIAPIKey:        v.GetString("GEMINI_API_KEY"),
		EmbedModel:      v.GetString("EMBED_MODEL"),
		EmbedDim:        v.GetInt("EMBED_DIM"),
		EmbedRatePerSec: v.GetFloat64("EMBED_RATE_PER_SEC"),
		GenModel:        v.GetString("GEN_MODEL"),
		LLMProvider:     strings.ToLower(v.GetString("LLM_PROVIDER")),
		OpenAIAPIKey:    v.GetString("OPENAI_API_KEY"),
		OpenAIBaseURL:   v.GetString("OPENAI_BASE_URL"),
		VectorBackend:   strings.ToLower(v.GetString("VECTOR_BACKEND")),

		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),
		LockTTL:       v.GetDuration("LOCK_TTL"),

		AwsAccessKey:  v.GetString("AWS_ACCESS_KEY"),
		AwsSecretKey:  v.GetString("AWS_SECRET_KEY"),
		AwsRegion:     v.GetString("AWS_REGION"),
		ArchiveBucket: v.GetString("ARCHIVE_BUCKET"),

		SyncBatchSize:          v.GetInt("SYNC_BATCH_SIZE"),
		SyncVariantConcurrency: v.GetInt("SYNC_VARIANT_CONCURRENCY"),
		SyncItemTimeout:        v.GetDuration("SYNC_ITEM_TIMEOUT"),

		VectorizeConcurrency: v.GetInt("VECTORIZE_CONCURRENCY"),
		VectorizeItemTimeout: v.GetDuration("VECTORIZE_ITEM_TIMEOUT"),
		VectorizeWorkers:     v.GetInt("VECTORIZE_WORKERS"),
		AutoVectorize:        v.GetBool("AUTO_VECTORIZE"),

		ContextTopK:     v.GetInt("CONTEXT_TOP_K"),
		RunPollInterval: v.GetDuration("RUN_POLL_INTERVAL"),
		RunMaxPolls:     v.GetInt("RUN_MAX_POLLS"),

		LogLevel: v.GetString("LOG_LEVEL"),
		LogFile:  v.GetString("LOG_FILE"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:5173")
	v.SetDefault("EMBED_MODEL", "text-embedding-004")
	v.SetDefault("EMBED_DIM", 768)
	v.SetDefault("EMBED_RATE_PER_SEC", 10)
	v.SetDefault("GEN_MODEL", "gemini-1.5-flash")
	v.SetDefault("LLM_PROVIDER", ProviderGemini)
	v.SetDefault("OPENAI_BASE_URL", "https://api.openai.com/v1")
	v.SetDefault("VECTOR_BACKEND", VectorPGVector)
	v.SetDefault("LOCK_TTL", 2*time.Minute)
	v.SetDefault("AWS_REGION", "us-east-2")
	v.SetDefault("SYNC_BATCH_SIZE", 10)
	v.SetDefault("SYNC_VARIANT_CONCURRENCY", 3)
	v.SetDefault("SYNC_ITEM_TIMEOUT", 30*time.Second)
	v.SetDefault("VECTORIZE_CONCURRENCY", 5)
	v.SetDefault("VECTORIZE_ITEM_TIMEOUT", 30*time.Second)
	v.SetDefault("VECTORIZE_WORKERS", 2)
	v.SetDefault("AUTO_VECTORIZE", false)
	v.SetDefault("CONTEXT_TOP_K", 3)
	v.SetDefault("RUN_POLL_INTERVAL", time.Second)
	v.SetDefault("RUN_MAX_POLLS", 60)
	v.SetDefault("LOG_LEVEL", "info")
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL not set")
	}
	switch c.LLMProvider {
	case ProviderGemini, ProviderOpenAI:
	default:
		return fmt.Errorf("LLM_PROVIDER %q is not supported", c.LLMProvider)
	}
	switch c.VectorBackend {
	case VectorPGVector, VectorMemory:
	default:
		return fmt.Errorf("VECTOR_BACKEND %q is not supported", c.VectorBackend)
	}
	if c.VectorBackend == VectorPGVector && c.DatabaseURL == MemoryDatabaseURL {
		return fmt.Errorf("VECTOR_BACKEND=pgvector needs a Postgres DATABASE_URL")
	}
	positive := map[string]int{
		"SYNC_BATCH_SIZE":          c.SyncBatchSize,
		"SYNC_VARIANT_CONCURRENCY": c.SyncVariantConcurrency,
		"VECTORIZE_CONCURRENCY":    c.VectorizeConcurrency,
		"VECTORIZE_WORKERS":        c.VectorizeWorkers,
		"CONTEXT_TOP_K":            c.ContextTopK,
		"RUN_MAX_POLLS":            c.RunMaxPolls,
	}
	for key, n := range positive {
		if n <= 0 {
			return fmt.Errorf("%s must be positive, got %d", key, n)
		}
	}
	if c.EmbedRatePerSec < 0 {
		return fmt.Errorf("EMBED_RATE_PER_SEC must not be negative")
	}
	return nil
}

// UsesMemoryStore reports whether the in-process store was selected.
func (c *Config) UsesMemoryStore() bool {
	return c.DatabaseURL == MemoryDatabaseURL
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
