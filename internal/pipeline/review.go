package pipeline

import "fmt"

// ReviewPolicy holds the thresholds that raise human-review signals and the
// safety toggle. It is swapped atomically on config reload.
type ReviewPolicy struct {
	// ParserAmbiguityThreshold raises parser_ambiguity when the ambiguity count reaches it.
	ParserAmbiguityThreshold int `mapstructure:"parser_ambiguity_threshold" yaml:"parser_ambiguity_threshold"`
	// ConfidenceThreshold raises verifier_low_confidence when verification confidence is below it.
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	SafetyEnabled       bool    `mapstructure:"safety_enabled" yaml:"safety_enabled"`
}

// DefaultReviewPolicy returns the stock thresholds.
func DefaultReviewPolicy() ReviewPolicy {
	return ReviewPolicy{
		ParserAmbiguityThreshold: 2,
		ConfidenceThreshold:      0.7,
		SafetyEnabled:            true,
	}
}

// Validate rejects thresholds that would flag or clear every request.
func (p ReviewPolicy) Validate() error {
	if p.ParserAmbiguityThreshold < 1 {
		return fmt.Errorf("parser ambiguity threshold must be >= 1, got %d", p.ParserAmbiguityThreshold)
	}
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold must be within [0,1], got %.2f", p.ConfidenceThreshold)
	}
	return nil
}

func (p ReviewPolicy) parserFlag(pp *ParsedProblem) bool {
	return len(pp.Ambiguities) >= p.ParserAmbiguityThreshold
}

func (p ReviewPolicy) verifierFlag(v *Verification) bool {
	return v.Confidence < p.ConfidenceThreshold || len(v.Issues) > 0
}

// reviewState collects the advisory review signals of one run.
type reviewState struct {
	parser   bool
	verifier bool
	notes    []string
}

// reasons returns the raised reason codes in stage order.
func (r *reviewState) reasons() []string {
	out := []string{}
	if r.parser {
		out = append(out, ReasonParserAmbiguity)
	}
	if r.verifier {
		out = append(out, ReasonVerifierLowConfidence)
	}
	return out
}
