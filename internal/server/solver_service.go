package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/pipeline"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/recall"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/vectordb"
)

const persistTimeout = 5 * time.Second

// Pipeline is the orchestrator as seen by the service layer.
type Pipeline interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
	RunWithProgress(ctx context.Context, req pipeline.Request, progress pipeline.ProgressFunc) (*pipeline.Result, error)
	Stats() map[pipeline.StageName]int64
}

// KnowledgeIndex receives verified solutions for semantic retrieval.
type KnowledgeIndex interface {
	Ready() bool
	AddDocuments(ctx context.Context, docs []vectordb.Document) error
}

// SolverService runs problems through the pipeline and records each successful
// outcome in the recall store. Persistence failures never fail a solve.
type SolverService struct {
	pipeline  Pipeline
	store     recall.Store
	knowledge KnowledgeIndex
	logger    *zap.Logger
}

// NewSolverService builds the service. knowledge may be nil.
func NewSolverService(p Pipeline, store recall.Store, knowledge KnowledgeIndex, logger *zap.Logger) *SolverService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SolverService{pipeline: p, store: store, knowledge: knowledge, logger: logger}
}

// Solve runs req to completion. On failure the partial result is returned with the error.
func (s *SolverService) Solve(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	res, err := s.pipeline.Run(ctx, req)
	if err != nil {
		return res, err
	}
	s.persist(ctx, req, res)
	return res, nil
}

// RunWithProgress lets the streaming controller drive the service; the final
// result carries the memory id.
func (s *SolverService) RunWithProgress(ctx context.Context, req pipeline.Request, progress pipeline.ProgressFunc) (*pipeline.Result, error) {
	res, err := s.pipeline.RunWithProgress(ctx, req, progress)
	if err != nil {
		return res, err
	}
	s.persist(ctx, req, res)
	return res, nil
}

// Stats returns per-stage execution counts.
func (s *SolverService) Stats() map[pipeline.StageName]int64 {
	return s.pipeline.Stats()
}

func (s *SolverService) persist(ctx context.Context, req pipeline.Request, res *pipeline.Result) {
	if s.store == nil {
		return
	}
	// a client hanging up after the last stage must not lose the outcome
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	entry, err := entryFromResult(req, res)
	if err != nil {
		s.logger.Warn("Failed to build memory entry", zap.Error(err))
		return
	}
	if err := s.store.Save(ctx, entry); err != nil {
		s.logger.Warn("Failed to store solution in memory", zap.Error(err))
		return
	}
	res.MemoryID = entry.ID
	s.logger.Info("Stored solution in memory", zap.String("memory_id", entry.ID), zap.String("topic", entry.Topic))

	if isCorrect, _ := res.Metadata["is_correct"].(bool); isCorrect && !res.RequiresHumanReview {
		s.addKnowledge(ctx, entry)
	}
}

func (s *SolverService) addKnowledge(ctx context.Context, e *recall.Entry) {
	if s.knowledge == nil || !s.knowledge.Ready() {
		return
	}
	doc := vectordb.Document{
		ID:      e.ID,
		Content: fmt.Sprintf("Problem: %s\nAnswer: %s", e.ParsedQuestion, e.FinalAnswer),
		Metadata: map[string]interface{}{
			"topic":      e.Topic,
			"type":       "verified_solution",
			"confidence": e.Confidence,
		},
	}
	if err := s.knowledge.AddDocuments(ctx, []vectordb.Document{doc}); err != nil {
		s.logger.Warn("Failed to index verified solution", zap.String("memory_id", e.ID), zap.Error(err))
	}
}

func entryFromResult(req pipeline.Request, res *pipeline.Result) (*recall.Entry, error) {
	steps, err := recall.MarshalRaw(res.Trace)
	if err != nil {
		return nil, err
	}
	inputType := req.InputType
	if inputType == "" {
		inputType = recall.InputText
	}
	parsed, _ := res.Metadata["parsed_question"].(string)
	if parsed == "" {
		parsed = req.Text
	}
	topic, _ := res.Metadata["topic"].(string)
	isCorrect, _ := res.Metadata["is_correct"].(bool)

	return &recall.Entry{
		OriginalInput:    req.Text,
		InputType:        inputType,
		ParsedQuestion:   parsed,
		Topic:            topic,
		RetrievedContext: recall.StringList(res.RetrievedContext),
		FinalAnswer:      res.FinalAnswer,
		SolutionSteps:    steps,
		VerifierOutcome: recall.JSONMap{
			"is_correct": isCorrect,
			"confidence": res.Confidence,
		},
		Confidence:          res.Confidence,
		RequiresHumanReview: res.RequiresHumanReview,
	}, nil
}

// IsNotFound reports whether err means the entry does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, recall.ErrNotFound)
}
