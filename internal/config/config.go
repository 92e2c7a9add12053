package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/completion"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/embeddings"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/pipeline"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/policy"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/vectordb"
)

// DefaultPath is used when neither the caller nor CONFIG_PATH names a file.
const DefaultPath = "config/solver.yaml"

// Config is the service configuration loaded from solver.yaml and the environment.
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	HTTP       HTTPConfig              `mapstructure:"http"`
	Completion completion.Config       `mapstructure:"completion"`
	Review     ReviewConfig            `mapstructure:"review"`
	Guardrails policy.Config           `mapstructure:"guardrails"`
	Recall     RecallConfig            `mapstructure:"recall"`
	Streaming  StreamingConfig         `mapstructure:"streaming"`
	Vector     vectordb.Config         `mapstructure:"vector"`
	Embeddings embeddings.Config       `mapstructure:"embeddings"`
	Tracing    tracing.Config          `mapstructure:"tracing"`
	Auth       AuthConfig              `mapstructure:"auth"`
	Breaker    circuitbreaker.Settings `mapstructure:"circuit_breaker"`
}

type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ReviewConfig holds the human-review thresholds. They hot-reload.
type ReviewConfig struct {
	ConfidenceThreshold           float64 `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	ParserAmbiguityThreshold      int     `mapstructure:"parser_ambiguity_threshold" yaml:"parser_ambiguity_threshold"`
	ExtractionConfidenceThreshold float64 `mapstructure:"extraction_confidence_threshold" yaml:"extraction_confidence_threshold"`
}

type RecallConfig struct {
	// Driver is sqlite3 or postgres.
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	// ContextK is how many semantic neighbours the solver receives.
	ContextK int `mapstructure:"context_k"`
}

type StreamingConfig struct {
	QueueSize   int           `mapstructure:"queue_size"`
	CancelGrace time.Duration `mapstructure:"cancel_grace"`
	// RedisURL enables the shared replay log; empty keeps events in memory.
	RedisURL     string        `mapstructure:"redis_url"`
	ReplayTTL    time.Duration `mapstructure:"replay_ttl"`
	ReplayMaxLen int64         `mapstructure:"replay_max_len"`
}

type AuthConfig struct {
	// Enabled protects the reviewer endpoints with HS256 bearer tokens.
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// ReviewPolicy projects the reloadable settings onto the pipeline policy.
func (c *Config) ReviewPolicy() pipeline.ReviewPolicy {
	return pipeline.ReviewPolicy{
		ParserAmbiguityThreshold: c.Review.ParserAmbiguityThreshold,
		ConfidenceThreshold:      c.Review.ConfidenceThreshold,
		SafetyEnabled:            c.Guardrails.Enabled,
	}
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if err := c.ReviewPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("review: %w", err))
	}
	if t := c.Review.ExtractionConfidenceThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("review: extraction confidence threshold must be within [0,1], got %.2f", t))
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http: invalid port %d", c.HTTP.Port))
	}
	switch c.Recall.Driver {
	case "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("recall: unsupported driver %q", c.Recall.Driver))
	}
	switch c.Guardrails.Mode {
	case policy.ModeOff, policy.ModeDryRun, policy.ModeEnforce:
	default:
		errs = append(errs, fmt.Errorf("guardrails: unknown mode %q", c.Guardrails.Mode))
	}
	if c.Auth.Enabled && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("auth: jwt_secret must be at least 32 characters when auth is enabled"))
	}
	return errors.Join(errs...)
}

// envBindings are the environment variables honored without the SOLVER_ prefix.
var envBindings = map[string]string{
	"completion.api_key":          "OPENAI_API_KEY",
	"completion.base_url":         "OPENAI_BASE_URL",
	"recall.dsn":                  "DATABASE_URL",
	"streaming.redis_url":         "REDIS_URL",
	"vector.url":                  "QDRANT_URL",
	"embeddings.base_url":         "EMBEDDINGS_URL",
	"auth.jwt_secret":             "JWT_SECRET",
	"review.confidence_threshold": "CONFIDENCE_THRESHOLD",
	"guardrails.enabled":          "ENABLE_GUARDRAILS",
	"http.port":                   "HTTP_PORT",
	"environment":                 "SOLVER_ENV",
}

func setDefaults(v *viper.Viper) {
	cd := completion.DefaultConfig()
	bd := circuitbreaker.DefaultSettings()

	v.SetDefault("environment", "production")
	v.SetDefault("log_level", "info")

	v.SetDefault("http.port", 8000)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)

	v.SetDefault("completion.base_url", "")
	v.SetDefault("completion.api_key", "")
	v.SetDefault("completion.model", cd.Model)
	v.SetDefault("completion.temperature", cd.Temperature)
	v.SetDefault("completion.max_tokens", cd.MaxTokens)
	v.SetDefault("completion.timeout", cd.Timeout)
	v.SetDefault("completion.max_retries", cd.MaxRetries)
	v.SetDefault("completion.requests_per_second", cd.RequestsPerSecond)
	v.SetDefault("completion.burst", cd.Burst)

	v.SetDefault("review.confidence_threshold", 0.7)
	v.SetDefault("review.parser_ambiguity_threshold", 2)
	v.SetDefault("review.extraction_confidence_threshold", 0.75)

	v.SetDefault("guardrails.enabled", true)
	v.SetDefault("guardrails.mode", string(policy.ModeEnforce))
	v.SetDefault("guardrails.policy_dir", "")
	v.SetDefault("guardrails.fail_closed", false)

	v.SetDefault("recall.driver", "sqlite3")
	v.SetDefault("recall.dsn", "file:solver.db?_journal_mode=WAL&_busy_timeout=5000")
	v.SetDefault("recall.context_k", 3)

	v.SetDefault("streaming.queue_size", 64)
	v.SetDefault("streaming.cancel_grace", 5*time.Second)
	v.SetDefault("streaming.redis_url", "")
	v.SetDefault("streaming.replay_ttl", 24*time.Hour)
	v.SetDefault("streaming.replay_max_len", 1000)

	v.SetDefault("vector.enabled", false)
	v.SetDefault("vector.url", "http://localhost:6333")
	v.SetDefault("vector.collection", "math_knowledge")
	v.SetDefault("vector.top_k", 5)
	v.SetDefault("vector.similarity_threshold", 0.75)
	v.SetDefault("vector.timeout", 5*time.Second)
	v.SetDefault("vector.expected_embedding_dim", 0)
	v.SetDefault("vector.knowledge_path", "")

	v.SetDefault("embeddings.base_url", "")
	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("embeddings.timeout", 5*time.Second)
	v.SetDefault("embeddings.cache_ttl", time.Hour)
	v.SetDefault("embeddings.max_lru", 2048)
	v.SetDefault("embeddings.redis_addr", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "math-solver")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("circuit_breaker.half_open_requests", bd.HalfOpenRequests)
	v.SetDefault("circuit_breaker.interval", bd.Interval)
	v.SetDefault("circuit_breaker.open_timeout", bd.OpenTimeout)
	v.SetDefault("circuit_breaker.failure_threshold", bd.FailureThreshold)
	v.SetDefault("circuit_breaker.success_threshold", bd.SuccessThreshold)
}

// ResolvePath returns path, else CONFIG_PATH, else DefaultPath.
func ResolvePath(path string) string {
	if path != "" {
		return path
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads the config file at path (see ResolvePath) and applies environment
// overrides. A missing file yields the defaults. Any key can also be set as
// SOLVER_<SECTION>_<KEY>.
func Load(path string) (*Config, error) {
	path = ResolvePath(path)

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SOLVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, "SOLVER_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if strings.HasPrefix(c.Recall.DSN, "postgres://") || strings.HasPrefix(c.Recall.DSN, "postgresql://") {
		c.Recall.Driver = "postgres"
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
