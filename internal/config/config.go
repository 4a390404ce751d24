package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	Debug       bool   `envconfig:"DEBUG" default:"false"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`

	DatabaseURL      string `envconfig:"DATABASE_URL" required:"true"`
	DatabaseMaxConns int32  `envconfig:"DATABASE_MAX_CONNS" default:"10"`
	MigrationsPath   string `envconfig:"MIGRATIONS_PATH" default:"file://migrations"`
	RedisURL         string `envconfig:"REDIS_URL" required:"true"`
	RedisKeyPrefix   string `envconfig:"REDIS_KEY_PREFIX" default:"strata:"`

	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretKey string `envconfig:"S3_SECRET_ACCESS_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"strata-documents"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`

	OpenAIAPIKey        string        `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL       string        `envconfig:"OPENAI_BASE_URL"`
	EmbeddingModel      string        `envconfig:"EMBEDDING_MODEL" default:"text-embedding-3-small"`
	EmbeddingDimensions int           `envconfig:"EMBEDDING_DIMENSIONS" default:"1536"`
	EmbeddingTimeout    time.Duration `envconfig:"EMBEDDING_TIMEOUT" default:"5s"`
	GenerationModel     string        `envconfig:"GENERATION_MODEL" default:"gpt-4o-mini"`
	GenerationTimeout   time.Duration `envconfig:"GENERATION_TIMEOUT" default:"30s"`
	UseTiktoken         bool          `envconfig:"USE_TIKTOKEN" default:"false"`

	AdminToken string `envconfig:"ADMIN_TOKEN"`

	EmbeddingPollInterval time.Duration `envconfig:"EMBEDDING_POLL_INTERVAL" default:"10s"`

	Cache      CacheConfig      `envconfig:"CACHE"`
	Search     SearchConfig     `envconfig:"SEARCH"`
	Tiering    TieringConfig    `envconfig:"TIERING"`
	Governance GovernanceConfig `envconfig:"GOVERNANCE"`
	Pipeline   PipelineConfig   `envconfig:"PIPELINE"`
	Sessions   SessionConfig    `envconfig:"SESSION"`
	Chunk      ChunkConfig      `envconfig:"CHUNK"`
}

type CacheConfig struct {
	DefaultTTL time.Duration `envconfig:"DEFAULT_TTL" default:"1h"`
}

type SearchConfig struct {
	DefaultAlpha  float64       `envconfig:"DEFAULT_ALPHA" default:"0.6"`
	DefaultK      int           `envconfig:"DEFAULT_K" default:"5"`
	VectorTimeout time.Duration `envconfig:"VECTOR_TIMEOUT" default:"2s"`
}

// TieringConfig holds the promotion and demotion knobs. None of them
// have a canonical value; the defaults are starting points.
type TieringConfig struct {
	HotThreshold  int64         `envconfig:"HOT_THRESHOLD" default:"10"`
	WarmThreshold int64         `envconfig:"WARM_THRESHOLD" default:"3"`
	Window        time.Duration `envconfig:"WINDOW" default:"1h"`
	IdleWindow    time.Duration `envconfig:"IDLE_WINDOW" default:"24h"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"5m"`
	HotBaseTTL    time.Duration `envconfig:"HOT_BASE_TTL" default:"10m"`
	HotMaxTTL     time.Duration `envconfig:"HOT_MAX_TTL" default:"6h"`
	WarmTTL       time.Duration `envconfig:"WARM_TTL" default:"24h"`
	QueueSize     int           `envconfig:"QUEUE_SIZE" default:"1024"`
	BatchSize     int           `envconfig:"BATCH_SIZE" default:"200"`
}

type GovernanceConfig struct {
	MinCoherence         float64           `envconfig:"MIN_COHERENCE" default:"0.35"`
	ProhibitedCategories []string          `envconfig:"PROHIBITED_CATEGORIES"`
	CategoryKey          string            `envconfig:"CATEGORY_KEY" default:"category"`
	ProhibitedTerms      map[string]string `envconfig:"PROHIBITED_TERMS"`
	DuplicateThreshold   float64           `envconfig:"DUPLICATE_THRESHOLD" default:"0.9"`
	HistorySize          int               `envconfig:"HISTORY_SIZE" default:"10"`
	HistoryTTL           time.Duration     `envconfig:"HISTORY_TTL" default:"30m"`
	Actions              map[string]string `envconfig:"ACTIONS"`
	DetectPII            bool              `envconfig:"DETECT_PII" default:"true"`
}

type PipelineConfig struct {
	ContextTokenBudget int           `envconfig:"CONTEXT_TOKENS" default:"3000"`
	RequestTimeout     time.Duration `envconfig:"REQUEST_TIMEOUT" default:"60s"`
	Instructions       string        `envconfig:"INSTRUCTIONS" default:"Answer using only the provided context."`
	HistoryTurns       int           `envconfig:"HISTORY_TURNS" default:"6"`
}

type SessionConfig struct {
	Retention     time.Duration `envconfig:"RETENTION" default:"720h"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"1h"`
}

// ChunkConfig sizes ingestion chunks. MaxSentences of 0 leaves sentence
// groups bounded by MaxChars alone; set it to 1 for one sentence per chunk.
type ChunkConfig struct {
	MaxChars            int     `envconfig:"MAX_CHARS" default:"1200"`
	MinChars            int     `envconfig:"MIN_CHARS" default:"400"`
	Overlap             int     `envconfig:"OVERLAP" default:"200"`
	OverlapSentences    int     `envconfig:"OVERLAP_SENTENCES" default:"1"`
	MaxSentences        int     `envconfig:"MAX_SENTENCES" default:"0"`
	SimilarityThreshold float64 `envconfig:"SIMILARITY_THRESHOLD" default:"0.1"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("STRATA", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	if c.Search.DefaultAlpha < 0 || c.Search.DefaultAlpha > 1 {
		return fmt.Errorf("SEARCH_DEFAULT_ALPHA must be within [0,1], got %v", c.Search.DefaultAlpha)
	}
	if c.Tiering.WarmThreshold <= 0 || c.Tiering.HotThreshold <= c.Tiering.WarmThreshold {
		return fmt.Errorf("TIERING_HOT_THRESHOLD (%d) must exceed TIERING_WARM_THRESHOLD (%d) > 0",
			c.Tiering.HotThreshold, c.Tiering.WarmThreshold)
	}
	if c.Tiering.Window <= 0 || c.Tiering.IdleWindow <= 0 {
		return fmt.Errorf("TIERING_WINDOW and TIERING_IDLE_WINDOW must be positive")
	}
	if c.Governance.MinCoherence < 0 || c.Governance.MinCoherence > 1 {
		return fmt.Errorf("GOVERNANCE_MIN_COHERENCE must be within [0,1], got %v", c.Governance.MinCoherence)
	}
	if c.Chunk.MaxChars <= 0 || c.Chunk.MinChars < 0 || c.Chunk.MinChars > c.Chunk.MaxChars {
		return fmt.Errorf("CHUNK_MIN_CHARS (%d) must be within [0, CHUNK_MAX_CHARS (%d)]",
			c.Chunk.MinChars, c.Chunk.MaxChars)
	}
	if c.Chunk.Overlap < 0 || c.Chunk.Overlap >= c.Chunk.MaxChars {
		return fmt.Errorf("CHUNK_OVERLAP must be within [0, CHUNK_MAX_CHARS), got %d", c.Chunk.Overlap)
	}
	if c.Chunk.OverlapSentences < 0 || c.Chunk.MaxSentences < 0 {
		return fmt.Errorf("CHUNK_OVERLAP_SENTENCES and CHUNK_MAX_SENTENCES must not be negative")
	}
	if c.Chunk.SimilarityThreshold < 0 || c.Chunk.SimilarityThreshold > 1 {
		return fmt.Errorf("CHUNK_SIMILARITY_THRESHOLD must be within [0,1], got %v", c.Chunk.SimilarityThreshold)
	}
	for kind, action := range c.Governance.Actions {
		a := strings.ToLower(strings.TrimSpace(action))
		if a != "redact" && a != "refuse" {
			return fmt.Errorf("GOVERNANCE_ACTIONS %s: unknown action %q", kind, action)
		}
	}
	return nil
}

func (c *Config) HasS3() bool {
	return c.S3Endpoint != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

func (c *Config) HasOpenAI() bool {
	return c.OpenAIAPIKey != ""
}

// ProhibitedTermList splits GOVERNANCE_PROHIBITED_TERMS values ("category:a|b").
func (c *Config) ProhibitedTermList() map[string][]string {
	out := make(map[string][]string, len(c.Governance.ProhibitedTerms))
	for category, joined := range c.Governance.ProhibitedTerms {
		for _, term := range strings.Split(joined, "|") {
			term = strings.TrimSpace(term)
			if term != "" {
				out[category] = append(out[category], term)
			}
		}
	}
	return out
}
