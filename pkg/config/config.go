package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Zilliz      ZillizConfig
	SQLite      SQLiteConfig
	Redis       RedisConfig
	LLM         LLMConfig
	Retrieval   RetrievalConfig
	Cache       CacheConfig
	Session     SessionConfig
	Acronyms    AcronymsConfig
	Maintenance MaintenanceConfig
	Logging     LoggingConfig
}

type ServerConfig struct {
	Host               string
	Port               int
	ReadTimeout        int
	WriteTimeout       int
	BodyLimit          int
	RateLimitPerMinute int
	MaxQueryLength     int
}

type ZillizConfig struct {
	Endpoint        string
	APIKey          string
	CollectionName  string
	VectorDim       int
	NProbe          int
	SearchTimeoutMs int
}

type SQLiteConfig struct {
	Path      string
	TimeoutMs int
}

type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	PoolSize  int
	TimeoutMs int
}

type LLMConfig struct {
	Model              string
	APIKey             string
	BaseURL            string
	Temperature        float32
	MaxTokens          int
	TimeoutSec         int
	MaxAttempts        int
	EmbeddingModel     string
	EmbeddingDim       int
	EmbeddingMaxTokens int
	EmbeddingCacheMin  int
}

type RetrievalConfig struct {
	TopK             int
	ArbiterEnabled   bool
	ArbiterTopK      int
	ArbiterBand      float64
	ArbiterTimeoutMs int
	ExcerptChars     int
	TieEpsilon       float64
	RewriteEnabled   bool
	RewriteTimeoutMs int
	ShortQueryWords  int
	HistoryTurns     int
	NoResultsMessage string
}

type CacheConfig struct {
	DurableTTLHours    int
	VolatileTTLMinutes int
	MinSources         int
	MinResponseLength  int
	UncertaintyPhrases []string
	CanonicalOrigin    string
	WriteTimeoutMs     int
}

type SessionConfig struct {
	TTLMinutes int
	MaxTurns   int
}

type AcronymsConfig struct {
	SeedFile string
}

type MaintenanceConfig struct {
	Enabled                 bool
	CleanupIntervalMinutes  int
	FeedbackIntervalMinutes int
	PatternMinSupport       int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func (c SQLiteConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c RedisConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c ZillizConfig) SearchTimeout() time.Duration {
	return time.Duration(c.SearchTimeoutMs) * time.Millisecond
}

func (c CacheConfig) DurableTTL() time.Duration {
	return time.Duration(c.DurableTTLHours) * time.Hour
}

func (c CacheConfig) VolatileTTL() time.Duration {
	return time.Duration(c.VolatileTTLMinutes) * time.Minute
}

func (c CacheConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}

func (c SessionConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/kb-assistant")

	return load(v)
}

// LoadFile reads configuration from an explicit path instead of the search paths.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("KB_ASSISTANT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 60)
	v.SetDefault("server.bodyLimit", 1048576)
	v.SetDefault("server.rateLimitPerMinute", 60)
	v.SetDefault("server.maxQueryLength", 2000)

	v.SetDefault("zilliz.endpoint", "localhost:19530")
	v.SetDefault("zilliz.collectionName", "kb_chunks")
	v.SetDefault("zilliz.vectorDim", 1536)
	v.SetDefault("zilliz.nProbe", 16)
	v.SetDefault("zilliz.searchTimeoutMs", 5000)

	v.SetDefault("sqlite.path", "./data/kb.db")
	v.SetDefault("sqlite.timeoutMs", 500)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.poolSize", 20)
	v.SetDefault("redis.timeoutMs", 100)

	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.maxTokens", 1024)
	v.SetDefault("llm.timeoutSec", 30)
	v.SetDefault("llm.maxAttempts", 3)
	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	v.SetDefault("llm.embeddingDim", 1536)
	v.SetDefault("llm.embeddingMaxTokens", 8191)
	v.SetDefault("llm.embeddingCacheMin", 1440)

	v.SetDefault("retrieval.topK", 8)
	v.SetDefault("retrieval.arbiterEnabled", true)
	v.SetDefault("retrieval.arbiterTopK", 5)
	v.SetDefault("retrieval.arbiterBand", 0.05)
	v.SetDefault("retrieval.arbiterTimeoutMs", 3000)
	v.SetDefault("retrieval.excerptChars", 400)
	v.SetDefault("retrieval.tieEpsilon", 0.02)
	v.SetDefault("retrieval.rewriteEnabled", true)
	v.SetDefault("retrieval.rewriteTimeoutMs", 2000)
	v.SetDefault("retrieval.shortQueryWords", 4)
	v.SetDefault("retrieval.historyTurns", 5)
	v.SetDefault("retrieval.noResultsMessage", "I couldn't find any documentation that answers this question.")

	v.SetDefault("cache.durableTTLHours", 720)
	v.SetDefault("cache.volatileTTLMinutes", 60)
	v.SetDefault("cache.minSources", 2)
	v.SetDefault("cache.minResponseLength", 50)
	v.SetDefault("cache.uncertaintyPhrases", []string{
		"i don't know",
		"i do not know",
		"cannot find",
		"can't find",
		"couldn't find",
		"no information",
		"not sure",
		"unable to answer",
	})
	v.SetDefault("cache.canonicalOrigin", "https://kb.example.org")
	v.SetDefault("cache.writeTimeoutMs", 2000)

	v.SetDefault("session.ttlMinutes", 1440)
	v.SetDefault("session.maxTurns", 5)

	v.SetDefault("acronyms.seedFile", "")

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.cleanupIntervalMinutes", 60)
	v.SetDefault("maintenance.feedbackIntervalMinutes", 30)
	v.SetDefault("maintenance.patternMinSupport", 2)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
