package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/circuitbreaker"
	ometrics "github.com/Kocoro-lab/Shannon/go/solver/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/tracing"
)

// ErrDisabled is returned by operations on a disabled index.
var ErrDisabled = errors.New("vectordb: disabled")

// Embedder turns text into vectors.
type Embedder interface {
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// DimensionMismatchError is returned when embedding dimensions don't match collection dimensions
type DimensionMismatchError struct {
	Collection        string
	ExpectedDimension int
	ReceivedDimension int
}

func (e DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch for collection %s: expected %d, got %d",
		e.Collection, e.ExpectedDimension, e.ReceivedDimension)
}

// Client is a minimal Qdrant HTTP client serving semantic retrieval over the
// knowledge collection.
type Client struct {
	cfg   Config
	http  *http.Client
	embed Embedder
	ready atomic.Bool
	log   *zap.Logger
}

// New builds the client. breaker may be nil.
func New(cfg Config, embed Embedder, breaker *circuitbreaker.Breaker, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := cfg.withDefaults()
	c.URL = strings.TrimRight(c.URL, "/")
	if breaker == nil {
		breaker = circuitbreaker.New("qdrant", circuitbreaker.DefaultSettings(), logger)
	}
	return &Client{
		cfg:   c,
		http:  circuitbreaker.NewHTTPClient(&http.Client{Timeout: c.Timeout}, breaker),
		embed: embed,
		log:   logger,
	}
}

// Ready reports whether the collection has been initialized.
func (c *Client) Ready() bool {
	return c != nil && c.cfg.Enabled && c.ready.Load()
}

// Clear marks the index uninitialized; retrieval returns nothing until the
// next Initialize.
func (c *Client) Clear() {
	c.ready.Store(false)
	c.log.Info("Vector index cleared", zap.String("collection", c.cfg.Collection))
}

// Initialize seeds the collection with docs, creating it when missing. With no
// docs the index becomes ready only if the collection already holds points.
func (c *Client) Initialize(ctx context.Context, docs []Document) error {
	if c == nil || !c.cfg.Enabled {
		return ErrDisabled
	}
	if len(docs) == 0 {
		info, err := c.collectionInfo(ctx)
		if err != nil {
			return err
		}
		if info == nil || info.PointsCount == 0 {
			c.log.Warn("No documents provided for vector index initialization", zap.String("collection", c.cfg.Collection))
			return nil
		}
		c.ready.Store(true)
		return nil
	}
	if err := c.AddDocuments(ctx, docs); err != nil {
		return err
	}
	c.log.Info("Vector index initialized", zap.String("collection", c.cfg.Collection), zap.Int("documents", len(docs)))
	return nil
}

// AddDocuments embeds and upserts docs. Point ids derive from document ids so
// re-seeding is idempotent.
func (c *Client) AddDocuments(ctx context.Context, docs []Document) error {
	if c == nil || !c.cfg.Enabled {
		return ErrDisabled
	}
	if len(docs) == 0 {
		return nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vectors, err := c.embed.GenerateBatchEmbeddings(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed documents: %w", err)
	}
	if len(vectors) != len(docs) {
		return fmt.Errorf("embed documents: got %d vectors for %d documents", len(vectors), len(docs))
	}
	if err := c.ensureCollection(ctx, len(vectors[0])); err != nil {
		return err
	}

	points := make([]UpsertItem, len(docs))
	for i, d := range docs {
		payload := map[string]interface{}{"content": d.Content, "doc_id": d.ID}
		for k, v := range d.Metadata {
			if _, reserved := payload[k]; !reserved {
				payload[k] = v
			}
		}
		points[i] = UpsertItem{ID: pointID(d.ID), Vector: vectors[i], Payload: payload}
	}
	if _, err := c.Upsert(ctx, points); err != nil {
		return err
	}
	c.ready.Store(true)
	return nil
}

// Retrieve returns the content of the k nearest documents.
func (c *Client) Retrieve(ctx context.Context, query string, k int) ([]string, error) {
	hits, err := c.RetrieveWithScores(ctx, query, k, 0)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.Content)
	}
	c.log.Debug("Retrieved relevant contexts", zap.Int("count", len(out)))
	return out, nil
}

// RetrieveWithScores returns hits scoring at least threshold (config default
// when zero). An uninitialized index returns nothing.
func (c *Client) RetrieveWithScores(ctx context.Context, query string, k int, threshold float64) ([]ScoredDocument, error) {
	if !c.Ready() {
		return nil, nil
	}
	if k <= 0 {
		k = c.cfg.TopK
	}
	if threshold <= 0 {
		threshold = c.cfg.Threshold
	}
	vectors, err := c.embed.GenerateBatchEmbeddings(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, errors.New("embed query: no vector returned")
	}
	points, err := c.search(ctx, vectors[0], k, threshold)
	if err != nil {
		return nil, err
	}
	out := make([]ScoredDocument, 0, len(points))
	for _, p := range points {
		content, _ := p.Payload["content"].(string)
		if content == "" {
			continue
		}
		out = append(out, ScoredDocument{Content: content, Score: p.Score, Metadata: p.Payload})
	}
	return out, nil
}

// qdrant search request/response (simplified)
type qdrantQueryRequest struct {
	Query          []float32 `json:"query"`
	Limit          int       `json:"limit"`
	ScoreThreshold *float64  `json:"score_threshold,omitempty"`
	WithPayload    bool      `json:"with_payload"`
}

type qdrantPoint struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

type qdrantSearchResponse struct {
	Result []qdrantPoint `json:"result"`
	Status string        `json:"status"`
}

// qdrantQueryResponse for the /points/query endpoint which has nested structure
type qdrantQueryResponse struct {
	Result struct {
		Points []qdrantPoint `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

func (c *Client) search(ctx context.Context, vec []float32, limit int, threshold float64) ([]qdrantPoint, error) {
	collection := c.cfg.Collection
	start := time.Now()
	urlQuery := fmt.Sprintf("%s/collections/%s/points/query", c.cfg.URL, collection)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, urlQuery)
	defer span.End()

	var thr *float64
	if threshold > 0 {
		thr = &threshold
	}
	resp, err := c.do(ctx, http.MethodPost, urlQuery, qdrantQueryRequest{Query: vec, Limit: limit, ScoreThreshold: thr, WithPayload: true})
	if err != nil {
		ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var qr qdrantQueryResponse
		if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
			ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
			return nil, err
		}
		ometrics.RecordVectorSearchMetrics(collection, "ok", time.Since(start).Seconds())
		return qr.Result.Points, nil
	}

	// older servers only have /points/search
	legacy := map[string]interface{}{"vector": vec, "limit": limit, "with_payload": true}
	if threshold > 0 {
		legacy["score_threshold"] = threshold
	}
	urlSearch := fmt.Sprintf("%s/collections/%s/points/search", c.cfg.URL, collection)
	resp2, err := c.do(ctx, http.MethodPost, urlSearch, legacy)
	if err != nil {
		ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("qdrant query/search failed: %w", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("qdrant status %d", resp2.StatusCode)
	}
	var sr qdrantSearchResponse
	if err := json.NewDecoder(resp2.Body).Decode(&sr); err != nil {
		ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, err
	}
	ometrics.RecordVectorSearchMetrics(collection, "ok", time.Since(start).Seconds())
	return sr.Result, nil
}

// Upsert inserts or updates points in the knowledge collection
func (c *Client) Upsert(ctx context.Context, points []UpsertItem) (*UpsertResponse, error) {
	if c == nil || !c.cfg.Enabled {
		return nil, ErrDisabled
	}
	url := fmt.Sprintf("%s/collections/%s/points?wait=true", c.cfg.URL, c.cfg.Collection)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPut, url)
	defer span.End()

	resp, err := c.do(ctx, http.MethodPut, url, map[string]interface{}{"points": points})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("qdrant upsert status %d", resp.StatusCode)
	}
	var r UpsertResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

// CollectionInfo holds basic information about a Qdrant collection
type CollectionInfo struct {
	Name        string
	VectorSize  int
	PointsCount int64
}

// collectionInfo returns nil without error when the collection does not exist.
func (c *Client) collectionInfo(ctx context.Context) (*CollectionInfo, error) {
	url := fmt.Sprintf("%s/collections/%s", c.cfg.URL, c.cfg.Collection)
	resp, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get collection info: status %d", resp.StatusCode)
	}

	var result struct {
		Result struct {
			PointsCount int64 `json:"points_count"`
			Config      struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &CollectionInfo{
		Name:        c.cfg.Collection,
		VectorSize:  result.Result.Config.Params.Vectors.Size,
		PointsCount: result.Result.PointsCount,
	}, nil
}

// ensureCollection creates the collection for dim-sized cosine vectors when
// missing and checks dimensions otherwise.
func (c *Client) ensureCollection(ctx context.Context, dim int) error {
	if want := c.cfg.ExpectedEmbeddingDim; want > 0 && dim != want {
		return DimensionMismatchError{Collection: c.cfg.Collection, ExpectedDimension: want, ReceivedDimension: dim}
	}
	info, err := c.collectionInfo(ctx)
	if err != nil {
		return err
	}
	if info != nil {
		if info.VectorSize > 0 && info.VectorSize != dim {
			return DimensionMismatchError{Collection: c.cfg.Collection, ExpectedDimension: info.VectorSize, ReceivedDimension: dim}
		}
		return nil
	}

	url := fmt.Sprintf("%s/collections/%s", c.cfg.URL, c.cfg.Collection)
	body := map[string]interface{}{"vectors": map[string]interface{}{"size": dim, "distance": "Cosine"}}
	resp, err := c.do(ctx, http.MethodPut, url, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("create collection %s: status %d: %s", c.cfg.Collection, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	c.log.Info("Created vector collection", zap.String("collection", c.cfg.Collection), zap.Int("dimension", dim))
	return nil
}

func (c *Client) do(ctx context.Context, method, url string, body interface{}) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	tracing.InjectTraceparent(ctx, req)
	return c.http.Do(req)
}

func pointID(docID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("solver/"+docID)).String()
}
