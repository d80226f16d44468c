// Package config holds the command-line configuration of the tabula binary.
// Every flag can also be set through a TABULA_* environment variable; flags
// given on the command line take precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/malbeclabs/tabula/pkg/agent"
)

const envPrefix = "TABULA_"

const (
	EmbedProviderHash   = "hash"
	EmbedProviderOllama = "ollama"
	EmbedProviderOpenAI = "openai"

	IndexBackendMemory = "memory"
	IndexBackendQdrant = "qdrant"
)

const (
	defaultKBPath           = "tabula.duckdb"
	defaultModel            = "claude-sonnet-4-5-20250929"
	defaultMaxTokens        = 4096
	defaultEmbedDims        = 256
	defaultQdrantCollection = "tabula_tables"
	defaultMaxRows          = 1000
	defaultCatalogCacheTTL  = 5 * time.Minute
	defaultEmbedCacheTTL    = 30 * time.Minute
	defaultListenAddr       = ":8080"
)

type Config struct {
	Verbose bool

	KBPath  string
	MaxRows int

	Model     string
	MaxTokens int

	EmbedProvider string
	EmbedModel    string
	EmbedURL      string
	EmbedDims     int
	OpenAIAPIKey  string
	EmbedCacheTTL time.Duration

	IndexBackend     string
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string

	TopK                  int
	MaxGenerationAttempts int
	MaxValidationAttempts int
	CallTimeout           time.Duration
	MaxCallRetries        int
	CatalogCacheTTL       time.Duration
	SkipSynthesis         bool

	ListenAddr string
}

// Register adds the configuration flags to fs. Defaults are taken from the
// environment, so an invalid environment value is reported here.
func (c *Config) Register(fs *pflag.FlagSet) error {
	var errs []error
	envInt := func(key string, def int) int {
		v, err := getenvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	envDuration := func(key string, def time.Duration) time.Duration {
		v, err := getenvDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	fs.BoolVarP(&c.Verbose, "verbose", "v", getenvBool("VERBOSE", false), "verbose mode - show debug logs (env: TABULA_VERBOSE)")

	fs.StringVar(&c.KBPath, "kb", getenv("KB_PATH", defaultKBPath), "path to the knowledge base DuckDB file (env: TABULA_KB_PATH)")
	fs.IntVar(&c.MaxRows, "max-rows", envInt("MAX_ROWS", defaultMaxRows), "maximum rows returned by a statement (env: TABULA_MAX_ROWS)")

	fs.StringVar(&c.Model, "model", getenv("MODEL", defaultModel), "Anthropic model (env: TABULA_MODEL)")
	fs.IntVar(&c.MaxTokens, "max-tokens", envInt("MAX_TOKENS", defaultMaxTokens), "maximum output tokens per model call (env: TABULA_MAX_TOKENS)")

	fs.StringVar(&c.EmbedProvider, "embed-provider", getenv("EMBED_PROVIDER", EmbedProviderHash), "embedding provider: hash, ollama or openai (env: TABULA_EMBED_PROVIDER)")
	fs.StringVar(&c.EmbedModel, "embed-model", getenv("EMBED_MODEL", ""), "embedding model name (env: TABULA_EMBED_MODEL)")
	fs.StringVar(&c.EmbedURL, "embed-url", getenv("EMBED_URL", ""), "embedding API base URL (env: TABULA_EMBED_URL)")
	fs.IntVar(&c.EmbedDims, "embed-dims", envInt("EMBED_DIMS", defaultEmbedDims), "embedding dimensions (env: TABULA_EMBED_DIMS)")
	fs.DurationVar(&c.EmbedCacheTTL, "embed-cache-ttl", envDuration("EMBED_CACHE_TTL", defaultEmbedCacheTTL), "question embedding cache TTL, 0 disables (env: TABULA_EMBED_CACHE_TTL)")
	c.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")

	fs.StringVar(&c.IndexBackend, "index", getenv("INDEX", IndexBackendMemory), "similarity index: memory or qdrant (env: TABULA_INDEX)")
	fs.StringVar(&c.QdrantURL, "qdrant-url", getenv("QDRANT_URL", ""), "Qdrant URL (env: TABULA_QDRANT_URL)")
	fs.StringVar(&c.QdrantCollection, "qdrant-collection", getenv("QDRANT_COLLECTION", defaultQdrantCollection), "Qdrant collection (env: TABULA_QDRANT_COLLECTION)")
	c.QdrantAPIKey = getenv("QDRANT_API_KEY", "")

	fs.IntVar(&c.TopK, "top-k", envInt("TOP_K", agent.DefaultTopK), "stage-1 retrieval size (env: TABULA_TOP_K)")
	fs.IntVar(&c.MaxGenerationAttempts, "max-generation-attempts", envInt("MAX_GENERATION_ATTEMPTS", agent.DefaultMaxGenerationAttempts), "statements executed per generation round (env: TABULA_MAX_GENERATION_ATTEMPTS)")
	fs.IntVar(&c.MaxValidationAttempts, "max-validation-attempts", envInt("MAX_VALIDATION_ATTEMPTS", agent.DefaultMaxValidationAttempts), "validator calls per question (env: TABULA_MAX_VALIDATION_ATTEMPTS)")
	fs.DurationVar(&c.CallTimeout, "call-timeout", envDuration("CALL_TIMEOUT", agent.DefaultCallTimeout), "timeout of a single model or SQL call (env: TABULA_CALL_TIMEOUT)")
	fs.IntVar(&c.MaxCallRetries, "max-call-retries", envInt("MAX_CALL_RETRIES", agent.DefaultMaxCallRetries), "retries of a failed external call (env: TABULA_MAX_CALL_RETRIES)")
	fs.DurationVar(&c.CatalogCacheTTL, "catalog-cache-ttl", envDuration("CATALOG_CACHE_TTL", defaultCatalogCacheTTL), "table metadata cache TTL (env: TABULA_CATALOG_CACHE_TTL)")
	fs.BoolVar(&c.SkipSynthesis, "skip-synthesis", getenvBool("SKIP_SYNTHESIS", false), "return query results without a written answer (env: TABULA_SKIP_SYNTHESIS)")

	fs.StringVar(&c.ListenAddr, "listen-addr", getenv("LISTEN_ADDR", defaultListenAddr), "HTTP listen address for serve (env: TABULA_LISTEN_ADDR)")

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (c *Config) Validate() error {
	if c.KBPath == "" {
		return fmt.Errorf("knowledge base path is empty (set TABULA_KB_PATH or --kb)")
	}
	if c.MaxRows <= 0 {
		return fmt.Errorf("max rows must be greater than 0, got %d", c.MaxRows)
	}
	if c.Model == "" {
		return fmt.Errorf("model is empty (set TABULA_MODEL or --model)")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be greater than 0, got %d", c.MaxTokens)
	}

	switch c.EmbedProvider {
	case EmbedProviderHash:
	case EmbedProviderOllama:
		if c.EmbedModel == "" {
			return fmt.Errorf("embedding model is required for the ollama provider (set TABULA_EMBED_MODEL or --embed-model)")
		}
	case EmbedProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for the openai provider")
		}
		if c.EmbedModel == "" {
			c.EmbedModel = "text-embedding-3-small"
		}
	default:
		return fmt.Errorf("unknown embedding provider %q (want hash, ollama or openai)", c.EmbedProvider)
	}
	if c.EmbedDims <= 0 {
		return fmt.Errorf("embedding dimensions must be greater than 0, got %d", c.EmbedDims)
	}

	switch c.IndexBackend {
	case IndexBackendMemory:
	case IndexBackendQdrant:
		if c.QdrantURL == "" {
			return fmt.Errorf("qdrant URL is empty (set TABULA_QDRANT_URL or --qdrant-url)")
		}
	default:
		return fmt.Errorf("unknown index backend %q (want memory or qdrant)", c.IndexBackend)
	}

	if c.TopK <= 0 {
		return fmt.Errorf("top-k must be greater than 0, got %d", c.TopK)
	}
	if c.MaxGenerationAttempts <= 0 {
		return fmt.Errorf("max generation attempts must be greater than 0, got %d", c.MaxGenerationAttempts)
	}
	if c.MaxValidationAttempts <= 0 {
		return fmt.Errorf("max validation attempts must be greater than 0, got %d", c.MaxValidationAttempts)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call timeout must be greater than 0, got %s", c.CallTimeout)
	}
	if c.MaxCallRetries < 0 {
		return fmt.Errorf("max call retries must be non-negative, got %d", c.MaxCallRetries)
	}
	return nil
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s%s=%q: %w", envPrefix, key, v, err)
	}
	return i, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s%s=%q: %w", envPrefix, key, v, err)
	}
	return d, nil
}
