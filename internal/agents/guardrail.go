package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/pipeline"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/policy"
)

// Risk levels from the keyword pre-check.
const (
	RiskHigh   = "high"
	RiskMedium = "medium"
	RiskLow    = "low"
	RiskNone   = "none"
)

var riskKeywords = []struct {
	level    string
	keywords []string
}{
	{RiskHigh, []string{"hack", "exploit", "bypass", "jailbreak", "ignore instructions"}},
	{RiskMedium, []string{"personal data", "private", "confidential", "attack"}},
	{RiskLow, []string{"game", "story", "creative writing", "non-math"}},
}

// QuickRisk is a keyword pre-screen run before the policy and model checks.
func QuickRisk(text string) string {
	lower := strings.ToLower(text)
	for _, tier := range riskKeywords {
		for _, kw := range tier.keywords {
			if strings.Contains(lower, kw) {
				return tier.level
			}
		}
	}
	return RiskNone
}

// PolicyEvaluator decides whether input may be processed at all.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, input *policy.Input) (*policy.Decision, error)
}

// Guardrail is the safety stage: keyword pre-screen, rego policy, then a
// model judgement. Model failures fail open.
type Guardrail struct {
	gen    Generator
	policy PolicyEvaluator
	logger *zap.Logger
}

// NewGuardrail creates the safety checker. gen and pol may be nil.
func NewGuardrail(gen Generator, pol PolicyEvaluator, logger *zap.Logger) *Guardrail {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guardrail{gen: gen, policy: pol, logger: logger}
}

func (g *Guardrail) Check(ctx context.Context, text string) (*pipeline.SafetyVerdict, error) {
	risk := QuickRisk(text)
	meta := map[string]any{"quick_check_risk": risk}
	if risk == RiskHigh {
		g.logger.Warn("High-risk keyword detected", zap.String("risk", risk))
	}

	if g.policy != nil {
		d, err := g.policy.Evaluate(ctx, &policy.Input{Text: text, RiskLevel: risk})
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, fmt.Errorf("safety policy: %w", ctx.Err())
			}
			g.logger.Warn("Safety policy evaluation failed", zap.Error(err))
			meta["policy_error"] = err.Error()
		case !d.Allow:
			meta["policy_version"] = d.PolicyVersion
			violations := d.Violations
			if len(violations) == 0 {
				violations = []string{d.Reason}
			}
			level := d.RiskLevel
			if level == "" {
				level = RiskHigh
			}
			g.logger.Warn("Input denied by safety policy", zap.Strings("violations", violations))
			return &pipeline.SafetyVerdict{
				IsSafe:         false,
				Violations:     violations,
				RiskLevel:      level,
				ShouldContinue: false,
				Metadata:       meta,
			}, nil
		case d.DryRun:
			meta["policy_dry_run"] = d.Reason
		}
	}

	verdict := &pipeline.SafetyVerdict{
		IsSafe:         true,
		Violations:     []string{},
		RiskLevel:      risk,
		ShouldContinue: true,
		Metadata:       meta,
	}
	if g.gen == nil {
		meta["quick_check_only"] = true
		return verdict, nil
	}

	resp, err := g.gen.GenerateStructured(ctx, guardrailPrompt(text), guardrailSystem, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("safety check: %w", ctx.Err())
		}
		g.logger.Error("Guardrail check failed, allowing", zap.Error(err))
		meta["error"] = err.Error()
		return verdict, nil
	}

	verdict.IsSafe = flag(resp, "is_safe", true)
	verdict.Violations = strs(resp, "violations")
	verdict.RiskLevel = str(resp, "risk_level", risk)
	verdict.ShouldContinue = flag(resp, "should_continue", true)
	if !verdict.ShouldContinue {
		g.logger.Warn("Guardrail violation detected",
			zap.String("risk_level", verdict.RiskLevel),
			zap.Strings("violations", verdict.Violations),
		)
	}
	return verdict, nil
}
