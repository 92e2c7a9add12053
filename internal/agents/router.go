package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/pipeline"
)

// toolRecommendations are merged into the model's tool list whenever the key
// occurs in the topic or the problem type.
var toolRecommendations = []struct {
	key   string
	tools []string
}{
	{"arithmetic", []string{"calculator"}},
	{"algebra", []string{"symbolic_solver", "calculator"}},
	{"calculus", []string{"symbolic_solver", "calculator"}},
	{"geometry", []string{"plotter", "calculator"}},
	{"statistics", []string{"calculator", "plotter"}},
	{"probability", []string{"calculator"}},
	{"linear_algebra", []string{"matrix_solver", "calculator"}},
	{"differential_equations", []string{"symbolic_solver", "numerical_solver"}},
}

// Router classifies a parsed problem and picks a strategy.
type Router struct {
	gen    Generator
	logger *zap.Logger
}

func NewRouter(gen Generator, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{gen: gen, logger: logger}
}

func (r *Router) Classify(ctx context.Context, p *pipeline.ParsedProblem) (*pipeline.Classification, error) {
	fallback := map[string]any{
		"problem_type":         "general",
		"difficulty_level":     "medium",
		"recommended_strategy": "general_solving",
		"requires_tools":       []any{"calculator"},
		"confidence":           0.5,
	}
	resp, err := r.gen.GenerateStructured(ctx, routePrompt(p), routerSystem, fallback)
	if err != nil {
		return nil, fmt.Errorf("failed to route problem: %w", err)
	}

	problemType := str(resp, "problem_type", "general")
	tools := recommendTools(strs(resp, "requires_tools"), p.Topic, problemType)

	out := &pipeline.Classification{
		Problem:       p,
		ProblemType:   problemType,
		Difficulty:    str(resp, "difficulty_level", "medium"),
		Strategy:      str(resp, "recommended_strategy", "general_solving"),
		RequiredTools: tools,
		Confidence:    clamp(num(resp, "confidence", 0.8), 0, 1),
		Metadata: map[string]any{
			"topic":           p.Topic,
			"has_constraints": len(p.Constraints) > 0,
		},
	}
	r.logger.Debug("Routed problem",
		zap.String("problem_type", out.ProblemType),
		zap.String("difficulty", out.Difficulty),
		zap.Strings("tools", out.RequiredTools),
	)
	return out, nil
}

func recommendTools(tools []string, topic, problemType string) []string {
	topic = strings.ToLower(topic)
	problemType = strings.ToLower(problemType)
	for _, rec := range toolRecommendations {
		if strings.Contains(topic, rec.key) || strings.Contains(problemType, rec.key) {
			tools = append(tools, rec.tools...)
		}
	}
	return lo.Uniq(tools)
}
