package completion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/util"
)

// ErrEmptyCompletion is returned when the service answers without choices.
var ErrEmptyCompletion = errors.New("completion returned no choices")

// Config configures the chat completion client.
type Config struct {
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey            string        `mapstructure:"api_key" yaml:"api_key"`
	Model             string        `mapstructure:"model" yaml:"model"`
	Temperature       float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens         int64         `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries" yaml:"max_retries"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
}

// DefaultConfig returns the defaults used when the config file omits a field.
func DefaultConfig() Config {
	return Config{
		Model:             "gpt-4o-mini",
		Temperature:       0.2,
		MaxTokens:         2000,
		Timeout:           60 * time.Second,
		MaxRetries:        2,
		RequestsPerSecond: 5,
		Burst:             5,
	}
}

// Client generates text and structured JSON through an OpenAI-compatible
// chat completions endpoint.
type Client struct {
	api     openai.Client
	cfg     Config
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New builds a client. breaker may be nil.
func New(cfg Config, breaker *circuitbreaker.Breaker, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("completion API key not provided in config or OPENAI_API_KEY environment variable")
	}
	d := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = d.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = d.MaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	if breaker != nil {
		httpClient = circuitbreaker.NewHTTPClient(httpClient, breaker)
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	// custom endpoints (Azure OpenAI, local gateways)
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		api:     openai.NewClient(opts...),
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}, nil
}

// GenerateText returns the raw completion for prompt.
func (c *Client) GenerateText(ctx context.Context, prompt, system string) (string, error) {
	text, err := c.complete(ctx, prompt, system)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// GenerateStructured asks for a JSON object and decodes it. When fallback is
// non-nil it is returned instead of a service or decode error. Cancellation of
// ctx is always reported as an error.
func (c *Client) GenerateStructured(ctx context.Context, prompt, system string, fallback map[string]any) (map[string]any, error) {
	raw, err := c.complete(ctx, prompt+jsonInstructions, system)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("completion cancelled: %w", ctx.Err())
		}
		if fallback != nil {
			c.logger.Warn("Completion failed, using fallback", zap.Error(err))
			return fallback, nil
		}
		return nil, err
	}

	obj, err := DecodeObject(raw)
	if err != nil {
		c.logger.Warn("Could not decode structured completion",
			zap.Error(err),
			zap.String("raw", util.Clip(raw, 500)),
		)
		if fallback != nil {
			return fallback, nil
		}
		return nil, err
	}
	c.logger.Debug("Decoded structured completion", zap.Int("keys", len(obj)))
	return obj, nil
}

func (c *Client) complete(ctx context.Context, prompt, system string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("completion rate limit: %w", err)
	}

	ctx, span := tracing.StartSpan(ctx, "completion.generate")
	defer span.End()

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(c.cfg.Model),
		Messages:            messages,
		Temperature:         openai.Float(c.cfg.Temperature),
		MaxCompletionTokens: openai.Int(c.cfg.MaxTokens),
	}

	start := time.Now()
	resp, err := c.api.Chat.Completions.New(ctx, params)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		metrics.RecordCompletion(c.cfg.Model, completionStatus(err), elapsed)
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		metrics.RecordCompletion(c.cfg.Model, "empty", elapsed)
		return "", ErrEmptyCompletion
	}
	metrics.RecordCompletion(c.cfg.Model, "success", elapsed)
	return resp.Choices[0].Message.Content, nil
}

func completionStatus(err error) string {
	var apiErr *openai.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "circuit_open"
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "error"
	}
}

const jsonInstructions = `

CRITICAL INSTRUCTIONS:
1. Respond with VALID JSON only (no markdown, no code blocks, no extra text)
2. Use double quotes for keys and string values
3. Do not use trailing commas
4. Escape all backslashes in strings: LaTeX such as \frac must be written as \\frac`
