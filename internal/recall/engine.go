package recall

import (
	"context"
	"sort"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/metrics"
)

const (
	defaultContextK      = 3
	combinedPatternLimit = 2
)

// Retriever is the semantic vector index collaborator.
type Retriever interface {
	// Ready reports whether the index has been initialized.
	Ready() bool
	Retrieve(ctx context.Context, query string, k int) ([]string, error)
}

// Engine ranks stored outcomes for reuse by combining topic lookup, keyword
// search and semantic retrieval. Store and index failures degrade to empty results.
type Engine struct {
	store    Store
	vector   Retriever
	contextK int
	logger   *zap.Logger
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithContextK sets how many semantic neighbours GetCombinedContext requests.
func WithContextK(k int) EngineOption {
	return func(e *Engine) {
		if k > 0 {
			e.contextK = k
		}
	}
}

// NewEngine builds an engine. vector may be nil.
func NewEngine(store Store, vector Retriever, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{store: store, vector: vector, contextK: defaultContextK, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FindSimilar returns up to limit entries related to query. Topic matches are gathered
// first, then keyword matches on the parsed question; duplicates keep their first
// position. The result is ordered by correct feedback first, then newest first.
func (e *Engine) FindSimilar(ctx context.Context, query, topic string, limit int) []Entry {
	if limit <= 0 {
		return nil
	}
	var candidates []Entry
	if topic != "" {
		byTopic, err := e.store.ByTopic(ctx, topic, limit)
		if err != nil {
			e.unavailable("topic", err)
		} else {
			candidates = append(candidates, byTopic...)
			metrics.RecordRecallLookup("topic", "ok")
		}
	}
	for _, kw := range ExtractKeywords(query) {
		matches, err := e.store.SearchText(ctx, kw, limit)
		if err != nil {
			e.unavailable("keyword", err)
			continue
		}
		candidates = append(candidates, matches...)
		metrics.RecordRecallLookup("keyword", "ok")
	}

	ranked := lo.UniqBy(candidates, func(en Entry) string { return en.ID })
	sort.SliceStable(ranked, func(i, j int) bool {
		ci := ranked[i].UserFeedback == FeedbackCorrect
		cj := ranked[j].UserFeedback == FeedbackCorrect
		if ci != cj {
			return ci
		}
		return ranked[i].CreatedAt.After(ranked[j].CreatedAt)
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// GetPatterns projects correct entries of the given topic, newest first, into topic patterns.
func (e *Engine) GetPatterns(ctx context.Context, topic string, limit int) []Pattern {
	if topic == "" || limit <= 0 {
		return nil
	}
	entries, err := e.store.ByTopic(ctx, topic, 0)
	if err != nil {
		e.unavailable("pattern", err)
		return nil
	}
	metrics.RecordRecallLookup("pattern", "ok")
	correct := lo.Filter(entries, func(en Entry, _ int) bool {
		return en.UserFeedback == FeedbackCorrect && strings.EqualFold(en.Topic, topic)
	})
	sort.SliceStable(correct, func(i, j int) bool { return correct[i].CreatedAt.After(correct[j].CreatedAt) })
	if len(correct) > limit {
		correct = correct[:limit]
	}
	return lo.Map(correct, func(en Entry, _ int) Pattern { return topicPattern(en) })
}

// GetCombinedContext returns semantic neighbours of query and reusable patterns.
// Either list may be empty; neither condition is an error.
func (e *Engine) GetCombinedContext(ctx context.Context, query, topic string) ([]string, []Pattern) {
	semantic := e.semantic(ctx, query)

	patterns := e.GetPatterns(ctx, topic, combinedPatternLimit)
	for _, en := range e.FindSimilar(ctx, query, topic, combinedPatternLimit) {
		if en.UserFeedback == FeedbackCorrect {
			patterns = append(patterns, similarPattern(en))
		}
	}
	if patterns == nil {
		patterns = []Pattern{}
	}
	return semantic, patterns
}

func (e *Engine) semantic(ctx context.Context, query string) []string {
	if e.vector == nil || !e.vector.Ready() {
		metrics.RecordRecallLookup("vector", "uninitialized")
		return []string{}
	}
	docs, err := e.vector.Retrieve(ctx, query, e.contextK)
	if err != nil {
		e.unavailable("vector", err)
		return []string{}
	}
	metrics.RecordRecallLookup("vector", "ok")
	if docs == nil {
		return []string{}
	}
	return docs
}

func (e *Engine) unavailable(source string, err error) {
	metrics.RecordRecallLookup(source, "error")
	e.logger.Warn("Recall source unavailable, continuing without it",
		zap.String("source", source),
		zap.Error(err),
	)
}
