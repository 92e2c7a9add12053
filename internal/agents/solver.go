package agents

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/pipeline"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/util"
)

const toolCalculator = "calculator"

type toolResult struct {
	Tool   string
	Input  string
	Output string
}

// Solver produces a worked solution using recall guidance and the calculator.
type Solver struct {
	gen    Generator
	calc   *Calculator
	logger *zap.Logger
}

func NewSolver(gen Generator, calc *Calculator, logger *zap.Logger) *Solver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if calc == nil {
		calc = NewCalculator()
	}
	return &Solver{gen: gen, calc: calc, logger: logger}
}

func (s *Solver) Solve(ctx context.Context, c *pipeline.Classification, rc pipeline.RecallContext) (*pipeline.Solution, error) {
	prompt := solvePrompt(c, rc)
	fallback := map[string]any{
		"answer":         "Unable to generate solution due to parsing error",
		"solution_steps": []any{"Please try rephrasing the problem"},
		"reasoning":      "JSON parsing failed",
		"tool_calls":     []any{},
	}
	resp, err := s.gen.GenerateStructured(ctx, prompt, solverSystem, fallback)
	if err != nil {
		return nil, fmt.Errorf("failed to solve problem: %w", err)
	}

	tools := s.runTools(resp)
	if len(tools) > 0 {
		// second pass with tool results; the first answer is the fallback
		resp, err = s.gen.GenerateStructured(ctx, toolResultsPrompt(prompt, tools), solverSystem, resp)
		if err != nil {
			return nil, fmt.Errorf("failed to solve problem with tool results: %w", err)
		}
	}

	usedContext := len(rc.Semantic) > 0 || len(rc.Patterns) > 0
	out := &pipeline.Solution{
		Classification: c,
		Answer:         str(resp, "answer", "No answer generated"),
		Steps:          strs(resp, "solution_steps"),
		Reasoning:      str(resp, "reasoning", ""),
		ToolsUsed:      lo.Uniq(lo.Map(tools, func(t toolResult, _ int) string { return t.Tool })),
		UsedContext:    rc.Semantic,
		Metadata: map[string]any{
			"problem_type":          c.ProblemType,
			"rag_context_count":     len(rc.Semantic),
			"memory_patterns_count": len(rc.Patterns),
			"self_learning_active":  len(rc.Patterns) > 0,
			"used_context":          usedContext,
		},
	}
	s.logger.Debug("Solved problem",
		zap.String("answer", util.Clip(out.Answer, 50)),
		zap.Int("steps", len(out.Steps)),
		zap.Strings("tools", out.ToolsUsed),
	)
	return out, nil
}

// runTools executes calculator calls requested by the model. Failed or
// unknown calls are logged and skipped.
func (s *Solver) runTools(resp map[string]any) []toolResult {
	calls, _ := resp["tool_calls"].([]any)
	var results []toolResult
	for _, raw := range calls {
		call, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name := str(call, "tool", "")
		if name != toolCalculator {
			s.logger.Debug("Ignoring unsupported tool call", zap.String("tool", name))
			continue
		}
		args, _ := call["args"].(map[string]any)
		expression := str(args, "expression", "")
		v, err := s.calc.Evaluate(expression)
		if err != nil {
			s.logger.Warn("Tool call failed", zap.String("tool", name), zap.String("expression", expression), zap.Error(err))
			continue
		}
		results = append(results, toolResult{Tool: name, Input: expression, Output: FormatNumber(v)})
	}
	return results
}
