package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/recall"
)

// ErrEmptyInput is returned for requests without problem text.
var ErrEmptyInput = errors.New("problem text is required")

// Config wires the orchestrator's collaborators. Safety, Recall and Extraction are optional.
type Config struct {
	Safety     SafetyChecker
	Parser     Parser
	Classifier Classifier
	Solver     Solver
	Verifier   Verifier
	Explainer  Explainer
	Recall     ContextProvider
	Extraction ExtractionReviewer
	Policy     ReviewPolicy
	Logger     *zap.Logger
}

// Orchestrator runs the fixed stage chain Safety, Parse, Classify, Solve, Verify,
// Explain. Stages run strictly one after another; review signals are advisory
// and never stop the chain.
type Orchestrator struct {
	safety     SafetyChecker
	parser     Parser
	classifier Classifier
	solver     Solver
	verifier   Verifier
	explainer  Explainer
	recall     ContextProvider
	extraction ExtractionReviewer

	policy atomic.Pointer[ReviewPolicy]
	stats  *Stats
	logger *zap.Logger
}

// New validates cfg and builds an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Parser == nil:
		return nil, errors.New("pipeline: parser is required")
	case cfg.Classifier == nil:
		return nil, errors.New("pipeline: classifier is required")
	case cfg.Solver == nil:
		return nil, errors.New("pipeline: solver is required")
	case cfg.Verifier == nil:
		return nil, errors.New("pipeline: verifier is required")
	case cfg.Explainer == nil:
		return nil, errors.New("pipeline: explainer is required")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		safety:     cfg.Safety,
		parser:     cfg.Parser,
		classifier: cfg.Classifier,
		solver:     cfg.Solver,
		verifier:   cfg.Verifier,
		explainer:  cfg.Explainer,
		recall:     cfg.Recall,
		extraction: cfg.Extraction,
		stats:      newStats(),
		logger:     logger,
	}
	p := cfg.Policy
	o.policy.Store(&p)
	return o, nil
}

// SetPolicy replaces the review policy for subsequent runs.
func (o *Orchestrator) SetPolicy(p ReviewPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	o.policy.Store(&p)
	o.logger.Info("Review policy updated",
		zap.Int("parser_ambiguity_threshold", p.ParserAmbiguityThreshold),
		zap.Float64("confidence_threshold", p.ConfidenceThreshold),
		zap.Bool("safety_enabled", p.SafetyEnabled),
	)
	return nil
}

// Policy returns the active review policy.
func (o *Orchestrator) Policy() ReviewPolicy { return *o.policy.Load() }

// Stats returns per-stage execution counts.
func (o *Orchestrator) Stats() map[StageName]int64 { return o.stats.Snapshot() }

// Run executes the chain and blocks until it finishes. On failure the returned
// result is non-nil and holds the trace up to and including the failed stage.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	return o.run(ctx, req, nil, "sync")
}

// RunWithProgress is Run with a progress callback invoked as stages start and finish.
func (o *Orchestrator) RunWithProgress(ctx context.Context, req Request, progress ProgressFunc) (*Result, error) {
	return o.run(ctx, req, progress, "stream")
}

func (o *Orchestrator) run(ctx context.Context, req Request, progress ProgressFunc, mode string) (res *Result, err error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyInput
	}
	start := time.Now()
	policy := o.Policy()
	x := newExecutor(o.logger, o.stats, progress)
	res = &Result{ReviewReasons: []string{}, Metadata: map[string]any{}}

	defer func() {
		res.Trace = x.traces()
		outcome := "ok"
		switch {
		case errors.Is(err, ErrCancelled):
			outcome = "cancelled"
		case IsPolicyViolation(err):
			outcome = "policy_violation"
		case err != nil:
			outcome = "failed"
		}
		metrics.RecordPipelineRun(mode, outcome, time.Since(start).Seconds())
	}()

	if policy.SafetyEnabled && o.safety != nil {
		verdict, err := runStage(ctx, x, StageSafety, textInput(req.Text), func(ctx context.Context) (*SafetyVerdict, error) {
			return o.safety.Check(ctx, req.Text)
		})
		if err != nil {
			return res, o.classify(ctx, StageSafety, err)
		}
		if !verdict.ShouldContinue {
			o.logger.Warn("Request rejected by safety stage",
				zap.Strings("violations", verdict.Violations),
				zap.String("risk_level", verdict.RiskLevel),
			)
			return res, &PolicyViolationError{Violations: verdict.Violations, RiskLevel: verdict.RiskLevel}
		}
	}

	parsed, err := runStage(ctx, x, StageParse, textInput(req.Text), func(ctx context.Context) (*ParsedProblem, error) {
		return o.parser.Parse(ctx, req.Text)
	})
	if err != nil {
		return res, o.classify(ctx, StageParse, err)
	}
	var review reviewState
	o.reviewParsed(&review, policy, req, parsed)

	routed, err := runStage(ctx, x, StageClassify, problemInput(parsed), func(ctx context.Context) (*Classification, error) {
		return o.classifier.Classify(ctx, parsed)
	})
	if err != nil {
		return res, o.classify(ctx, StageClassify, err)
	}

	var rc RecallContext
	solved, err := runStage(ctx, x, StageSolve, problemInput(parsed), func(ctx context.Context) (*Solution, error) {
		rc = o.recallContext(ctx, parsed)
		return o.solver.Solve(ctx, routed, rc)
	})
	if err != nil {
		return res, o.classify(ctx, StageSolve, err)
	}

	verified, err := runStage(ctx, x, StageVerify, verifyInput(solved), func(ctx context.Context) (*Verification, error) {
		return o.verifier.Verify(ctx, solved)
	})
	if err != nil {
		return res, o.classify(ctx, StageVerify, err)
	}
	review.verifier = policy.verifierFlag(verified)

	explained, err := runStage(ctx, x, StageExplain, explainInput(solved), func(ctx context.Context) (*Explanation, error) {
		return o.explainer.Explain(ctx, verified)
	})
	if err != nil {
		return res, o.classify(ctx, StageExplain, err)
	}

	o.assemble(res, &review, outputs{
		parsed:    parsed,
		routed:    routed,
		solved:    solved,
		verified:  verified,
		explained: explained,
	}, rc)
	o.logger.Info("Pipeline completed",
		zap.String("topic", parsed.Topic),
		zap.Float64("confidence", res.Confidence),
		zap.Bool("requires_human_review", res.RequiresHumanReview),
		zap.Strings("review_reasons", res.ReviewReasons),
		zap.Duration("duration", time.Since(start)),
	)
	return res, nil
}

// reviewParsed raises the parse-stage review signal from the ambiguity count and,
// for extracted input, from the extraction quality.
func (o *Orchestrator) reviewParsed(rv *reviewState, policy ReviewPolicy, req Request, p *ParsedProblem) {
	rv.parser = policy.parserFlag(p)
	if req.Extraction != nil && o.extraction != nil {
		if needs, reason := o.extraction.Review(req.InputType, req.Extraction); needs {
			rv.parser = true
			rv.notes = append(rv.notes, reason)
		}
	}
}

func (o *Orchestrator) recallContext(ctx context.Context, p *ParsedProblem) RecallContext {
	rc := RecallContext{Semantic: []string{}, Patterns: []recall.Pattern{}}
	if o.recall == nil || p == nil {
		return rc
	}
	query := p.Topic + ": " + p.ProblemText
	semantic, patterns := o.recall.GetCombinedContext(ctx, query, p.Topic)
	if semantic != nil {
		rc.Semantic = semantic
	}
	if patterns != nil {
		rc.Patterns = patterns
	}
	return rc
}

// classify maps a stage error onto the pipeline taxonomy.
func (o *Orchestrator) classify(ctx context.Context, stage StageName, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%w during %s", ErrCancelled, stage)
	}
	var pv *PolicyViolationError
	if errors.As(err, &pv) {
		return pv
	}
	return &StageFailureError{Stage: stage, Err: err}
}

// outputs holds the stage outputs of one completed run, each as its stage returned it.
type outputs struct {
	parsed    *ParsedProblem
	routed    *Classification
	solved    *Solution
	verified  *Verification
	explained *Explanation
}

func (o *Orchestrator) assemble(res *Result, rv *reviewState, c outputs, rc RecallContext) {
	res.FinalAnswer = c.solved.Answer
	res.Explanation = c.explained.Explanation
	res.Confidence = clamp01(c.verified.Confidence)

	res.ReviewReasons = rv.reasons()
	res.RequiresHumanReview = len(res.ReviewReasons) > 0
	for _, r := range res.ReviewReasons {
		metrics.RecordReviewFlag(r)
	}
	if len(rc.Semantic) > 0 {
		res.RetrievedContext = rc.Semantic
	}

	res.Metadata = map[string]any{
		"problem_type":       c.routed.ProblemType,
		"difficulty":         c.routed.Difficulty,
		"topic":              c.parsed.Topic,
		"parsed_question":    c.parsed.ProblemText,
		"tools_used":         nonNil(c.solved.ToolsUsed),
		"is_correct":         c.verified.IsCorrect,
		"difficulty_rating":  c.explained.DifficultyRating,
		"step_by_step":       nonNil(c.explained.StepByStep),
		"key_concepts":       nonNil(c.explained.KeyConcepts),
		"common_mistakes":    nonNil(c.explained.CommonMistakes),
		"hitl_reasons":       res.ReviewReasons,
		"parser_ambiguities": nonNil(c.parsed.Ambiguities),
		"verifier_issues":    nonNil(c.verified.Issues),
		"recall_patterns":    len(rc.Patterns),
	}
	if len(rv.notes) > 0 {
		res.Metadata["input_review_notes"] = rv.notes
	}
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
