package embeddings

import "time"

// Config controls the embedding service behavior
type Config struct {
	// BaseURL points to the service providing /embeddings/
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// Model is the embedding model (e.g., text-embedding-3-small)
	Model string `mapstructure:"model" yaml:"model"`
	// Timeout for outbound HTTP calls
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// CacheTTL sets TTL for shared cache entries
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	// MaxLRU controls in-process LRU size
	MaxLRU int `mapstructure:"max_lru" yaml:"max_lru"`
	// RedisAddr enables the shared Redis cache when set (host:port)
	RedisAddr string `mapstructure:"redis_addr" yaml:"redis_addr"`
}

const (
	defaultModel = "text-embedding-3-small"
	localTTL     = 30 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.MaxLRU <= 0 {
		c.MaxLRU = 2048
	}
	return c
}
