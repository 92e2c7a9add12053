package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/circuitbreaker"
	ometrics "github.com/Kocoro-lab/Shannon/go/solver/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/tracing"
)

// ErrNotConfigured is returned when no embedding endpoint is set.
var ErrNotConfigured = errors.New("embedding service not configured")

// Service provides embedding generation with caching
type Service struct {
	cfg    Config
	http   *http.Client
	cache  EmbeddingCache
	lru    *LocalLRU
	logger *zap.Logger
}

// New builds the service. cache and breaker may be nil.
func New(cfg Config, cache EmbeddingCache, breaker *circuitbreaker.Breaker, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := cfg.withDefaults()
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if breaker == nil {
		breaker = circuitbreaker.New("embeddings", circuitbreaker.DefaultSettings(), logger)
	}
	return &Service{
		cfg:    c,
		http:   circuitbreaker.NewHTTPClient(&http.Client{Timeout: c.Timeout}, breaker),
		cache:  cache,
		lru:    NewLocalLRU(c.MaxLRU),
		logger: logger,
	}
}

// Model returns the embedding model in use.
func (s *Service) Model() string { return s.cfg.Model }

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// GenerateEmbedding returns the vector for a single text
func (s *Service) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	out, err := s.GenerateBatchEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// GenerateBatchEmbeddings resolves cached vectors first (local LRU, then the
// shared cache) and fetches the rest in a single request.
func (s *Service) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if s == nil || s.cfg.BaseURL == "" {
		return nil, ErrNotConfigured
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	m := s.cfg.Model

	results := make([][]float32, len(texts))
	var uncachedTexts []string
	var uncachedIndices []int
	for i, text := range texts {
		key := MakeKey(m, text)
		if v, ok := s.lru.Get(ctx, key); ok {
			results[i] = v
			ometrics.RecordEmbeddingMetrics(m, "lru_hit", 0)
			continue
		}
		if s.cache != nil {
			if v, ok := s.cache.Get(ctx, key); ok {
				results[i] = v
				s.lru.Set(ctx, key, v, localTTL)
				ometrics.RecordEmbeddingMetrics(m, "cache_hit", 0)
				continue
			}
		}
		uncachedTexts = append(uncachedTexts, text)
		uncachedIndices = append(uncachedIndices, i)
	}
	if len(uncachedTexts) == 0 {
		return results, nil
	}

	start := time.Now()
	vectors, err := s.fetch(ctx, uncachedTexts)
	if err != nil {
		ometrics.RecordEmbeddingMetrics(m, "error", time.Since(start).Seconds())
		s.logger.Warn("Embedding request failed", zap.Int("texts", len(uncachedTexts)), zap.Error(err))
		return nil, err
	}

	for i, vec := range vectors {
		results[uncachedIndices[i]] = vec
		key := MakeKey(m, uncachedTexts[i])
		s.lru.Set(ctx, key, vec, localTTL)
		if s.cache != nil {
			s.cache.Set(ctx, key, vec, s.cfg.CacheTTL)
		}
	}
	ometrics.RecordEmbeddingMetrics(m, "ok", time.Since(start).Seconds())
	return results, nil
}

func (s *Service) fetch(ctx context.Context, texts []string) ([][]float32, error) {
	url := s.cfg.BaseURL + "/embeddings/"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	buf, err := json.Marshal(embedRequest{Texts: texts, Model: s.cfg.Model})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(er.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding service returned %d embeddings for %d texts", len(er.Embeddings), len(texts))
	}

	out := make([][]float32, len(er.Embeddings))
	for i, embedding := range er.Embeddings {
		vec := make([]float32, len(embedding))
		for j, f := range embedding {
			vec[j] = float32(f)
		}
		out[i] = vec
	}
	return out, nil
}
