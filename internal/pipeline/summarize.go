package pipeline

import (
	"fmt"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/util"
)

const summaryLen = 100

// summarize projects a stage output into its trace summary and surfaced metadata.
func summarize(r StageResult) (string, map[string]any) {
	switch v := r.(type) {
	case *SafetyVerdict:
		return fmt.Sprintf("Safe: %t (%s)", v.IsSafe, v.RiskLevel),
			map[string]any{"is_safe": v.IsSafe}
	case *ParsedProblem:
		return "Parsed: " + v.Topic,
			map[string]any{"topic": v.Topic}
	case *Classification:
		return fmt.Sprintf("Routed: %s (%s)", v.ProblemType, v.Difficulty),
			map[string]any{"problem_type": v.ProblemType, "difficulty": v.Difficulty}
	case *Solution:
		md := map[string]any{}
		for _, k := range []string{"self_learning_active", "memory_patterns_count", "rag_context_count"} {
			if val, ok := v.Metadata[k]; ok {
				md[k] = val
			}
		}
		return "Answer: " + util.Clip(v.Answer, summaryLen), md
	case *Verification:
		return fmt.Sprintf("Verified: %t (%.2f)", v.IsCorrect, v.Confidence),
			map[string]any{"is_correct": v.IsCorrect, "confidence": v.Confidence}
	case *Explanation:
		return fmt.Sprintf("Explained: %d steps", len(v.StepByStep)),
			map[string]any{"steps_count": len(v.StepByStep)}
	default:
		return "", nil
	}
}

func textInput(text string) string { return "Text: " + util.Clip(text, summaryLen) }

func problemInput(p *ParsedProblem) string {
	if p == nil {
		return "Problem: "
	}
	return "Problem: " + util.Clip(p.ProblemText, summaryLen)
}

func verifyInput(s *Solution) string {
	if s == nil {
		return "Verify: "
	}
	return "Verify: " + util.Clip(s.Answer, summaryLen)
}

func explainInput(s *Solution) string {
	if s == nil {
		return "Explain: "
	}
	return "Explain: " + util.Clip(s.Answer, summaryLen)
}
