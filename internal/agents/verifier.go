package agents

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/pipeline"
)

// Verifier checks a solution and scores its confidence.
type Verifier struct {
	gen    Generator
	logger *zap.Logger
}

func NewVerifier(gen Generator, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{gen: gen, logger: logger}
}

func (v *Verifier) Verify(ctx context.Context, s *pipeline.Solution) (*pipeline.Verification, error) {
	fallback := map[string]any{
		"is_correct":            true,
		"confidence":            0.5,
		"correctness_issues":    []any{"Unable to fully verify due to parsing error"},
		"unit_check_passed":     true,
		"domain_check_passed":   true,
		"edge_cases_checked":    []any{},
		"requires_human_review": true,
	}
	resp, err := v.gen.GenerateStructured(ctx, verifyPrompt(s), verifierSystem, fallback)
	if err != nil {
		return nil, fmt.Errorf("failed to verify solution: %w", err)
	}

	out := &pipeline.Verification{
		Solution:         s,
		IsCorrect:        flag(resp, "is_correct", false),
		Confidence:       clamp(num(resp, "confidence", 0.5), 0, 1),
		Issues:           strs(resp, "correctness_issues"),
		UnitCheck:        flag(resp, "unit_check_passed", true),
		DomainCheck:      flag(resp, "domain_check_passed", true),
		EdgeCasesChecked: strs(resp, "edge_cases_checked"),
		Metadata: map[string]any{
			"problem_topic":         s.Classification.Problem.Topic,
			"solution_steps_count":  len(s.Steps),
			"model_requests_review": flag(resp, "requires_human_review", false),
		},
	}
	v.logger.Debug("Verification complete",
		zap.Bool("is_correct", out.IsCorrect),
		zap.Float64("confidence", out.Confidence),
		zap.Int("issues", len(out.Issues)),
	)
	return out, nil
}
