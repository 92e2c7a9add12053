package agents

import (
	"context"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/pipeline"
)

// Parser turns raw problem text into a structured problem.
type Parser struct {
	gen    Generator
	logger *zap.Logger
}

func NewParser(gen Generator, logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{gen: gen, logger: logger}
}

func (p *Parser) Parse(ctx context.Context, text string) (*pipeline.ParsedProblem, error) {
	fallback := map[string]any{
		"problem_text":        text,
		"topic":               "general",
		"variables":           []any{},
		"constraints":         []any{},
		"needs_clarification": false,
		"ambiguities":         []any{},
	}
	resp, err := p.gen.GenerateStructured(ctx, parsePrompt(text), parserSystem, fallback)
	if err != nil {
		return nil, fmt.Errorf("failed to parse problem: %w", err)
	}

	out := &pipeline.ParsedProblem{
		ProblemText:        str(resp, "problem_text", text),
		Topic:              str(resp, "topic", "general"),
		Variables:          strs(resp, "variables"),
		Constraints:        strs(resp, "constraints"),
		Ambiguities:        strs(resp, "ambiguities"),
		NeedsClarification: flag(resp, "needs_clarification", false),
		Metadata:           map[string]any{"raw_input_length": utf8.RuneCountInString(text)},
	}
	p.logger.Debug("Parsed problem",
		zap.String("topic", out.Topic),
		zap.Int("variables", len(out.Variables)),
		zap.Int("ambiguities", len(out.Ambiguities)),
	)
	return out, nil
}
