package agents

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/pipeline"
)

// Explainer writes the student-facing explanation.
type Explainer struct {
	gen    Generator
	logger *zap.Logger
}

func NewExplainer(gen Generator, logger *zap.Logger) *Explainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Explainer{gen: gen, logger: logger}
}

func (e *Explainer) Explain(ctx context.Context, v *pipeline.Verification) (*pipeline.Explanation, error) {
	s := v.Solution
	explanation := s.Reasoning
	if explanation == "" {
		explanation = "The solution was computed successfully."
	}
	fallback := map[string]any{
		"explanation":       explanation,
		"step_by_step":      toAny(s.Steps),
		"key_concepts":      []any{},
		"common_mistakes":   []any{},
		"difficulty_rating": 3.0,
	}
	resp, err := e.gen.GenerateStructured(ctx, explainPrompt(v), explainerSystem, fallback)
	if err != nil {
		return nil, fmt.Errorf("failed to generate explanation: %w", err)
	}

	out := &pipeline.Explanation{
		Verification:     v,
		Explanation:      str(resp, "explanation", "No explanation generated"),
		StepByStep:       strs(resp, "step_by_step"),
		KeyConcepts:      strs(resp, "key_concepts"),
		CommonMistakes:   strs(resp, "common_mistakes"),
		DifficultyRating: int(clamp(num(resp, "difficulty_rating", 3), 1, 5)),
		Metadata: map[string]any{
			"problem_topic":           s.Classification.Problem.Topic,
			"verification_confidence": v.Confidence,
		},
	}
	e.logger.Debug("Generated explanation",
		zap.Int("difficulty", out.DifficultyRating),
		zap.Int("concepts", len(out.KeyConcepts)),
		zap.Int("steps", len(out.StepByStep)),
	)
	return out, nil
}

func toAny(items []string) []any {
	out := make([]any, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}
