package pipeline

import (
	"context"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/recall"
)

// StageName identifies one step of the fixed chain.
type StageName string

const (
	StageSafety   StageName = "safety"
	StageParse    StageName = "parser"
	StageClassify StageName = "router"
	StageSolve    StageName = "solver"
	StageVerify   StageName = "verifier"
	StageExplain  StageName = "explainer"
)

// Stages lists every stage in execution order.
var Stages = []StageName{StageSafety, StageParse, StageClassify, StageSolve, StageVerify, StageExplain}

// Review reason tags.
const (
	ReasonParserAmbiguity       = "parser_ambiguity"
	ReasonVerifierLowConfidence = "verifier_low_confidence"
)

// Extraction carries the quality signals of an OCR or speech-to-text front end.
type Extraction struct {
	Text              string   `json:"text"`
	Confidence        float64  `json:"confidence"`
	Warnings          []string `json:"warnings,omitempty"`
	NeedsConfirmation bool     `json:"needs_confirmation"`
}

// Request is one problem submitted to the pipeline.
type Request struct {
	Text       string            `json:"text"`
	InputType  recall.InputType  `json:"input_type,omitempty"`
	Extraction *Extraction       `json:"extraction,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
}

// StageResult is the closed set of stage outputs: *SafetyVerdict, *ParsedProblem,
// *Classification, *Solution, *Verification and *Explanation. The orchestrator
// never modifies a stage output once the stage has returned it.
type StageResult interface {
	stage() StageName
}

// SafetyVerdict is the guardrail outcome.
type SafetyVerdict struct {
	IsSafe         bool           `json:"is_safe"`
	Violations     []string       `json:"violations"`
	RiskLevel      string         `json:"risk_level"`
	ShouldContinue bool           `json:"should_continue"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ParsedProblem is the structured form of the input text.
type ParsedProblem struct {
	ProblemText        string         `json:"problem_text"`
	Topic              string         `json:"topic"`
	Variables          []string       `json:"variables"`
	Constraints        []string       `json:"constraints"`
	Ambiguities        []string       `json:"ambiguities"`
	NeedsClarification bool           `json:"needs_clarification"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// Classification routes a parsed problem to a solving strategy.
type Classification struct {
	Problem       *ParsedProblem `json:"problem"`
	ProblemType   string         `json:"problem_type"`
	Difficulty    string         `json:"difficulty"`
	Strategy      string         `json:"solution_strategy"`
	RequiredTools []string       `json:"required_tools"`
	Confidence    float64        `json:"confidence"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// RecallContext is the guidance assembled for the solver.
type RecallContext struct {
	Semantic []string         `json:"semantic"`
	Patterns []recall.Pattern `json:"patterns"`
}

// Solution is the solver output.
type Solution struct {
	Classification *Classification `json:"classification"`
	Answer         string          `json:"answer"`
	Steps          []string        `json:"steps"`
	Reasoning      string          `json:"reasoning"`
	ToolsUsed      []string        `json:"tools_used,omitempty"`
	UsedContext    []string        `json:"used_context,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

// Verification checks a solution.
type Verification struct {
	Solution         *Solution      `json:"solution"`
	IsCorrect        bool           `json:"is_correct"`
	Confidence       float64        `json:"confidence"`
	Issues           []string       `json:"issues"`
	UnitCheck        bool           `json:"unit_check"`
	DomainCheck      bool           `json:"domain_check"`
	EdgeCasesChecked []string       `json:"edge_cases_checked"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Explanation is the student-facing rendering of a verified solution.
type Explanation struct {
	Verification     *Verification  `json:"verification"`
	Explanation      string         `json:"explanation"`
	StepByStep       []string       `json:"step_by_step"`
	KeyConcepts      []string       `json:"key_concepts"`
	CommonMistakes   []string       `json:"common_mistakes"`
	DifficultyRating int            `json:"difficulty_rating"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

func (*SafetyVerdict) stage() StageName  { return StageSafety }
func (*ParsedProblem) stage() StageName  { return StageParse }
func (*Classification) stage() StageName { return StageClassify }
func (*Solution) stage() StageName       { return StageSolve }
func (*Verification) stage() StageName   { return StageVerify }
func (*Explanation) stage() StageName    { return StageExplain }

// StageTrace records one stage execution. Traces are appended in order and never mutated.
type StageTrace struct {
	StageName     StageName      `json:"stage_name"`
	InputSummary  string         `json:"input_summary"`
	OutputSummary string         `json:"output_summary"`
	DurationMs    int64          `json:"duration_ms"`
	Success       bool           `json:"success"`
	Error         string         `json:"error,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Result is the aggregated outcome of one run.
type Result struct {
	FinalAnswer         string         `json:"final_answer"`
	Explanation         string         `json:"explanation"`
	Confidence          float64        `json:"confidence"`
	RequiresHumanReview bool           `json:"requires_human_review"`
	ReviewReasons       []string       `json:"review_reasons"`
	Trace               []StageTrace   `json:"trace"`
	RetrievedContext    []string       `json:"retrieved_context,omitempty"`
	Metadata            map[string]any `json:"metadata"`
	// MemoryID is set once the outcome has been persisted.
	MemoryID string `json:"memory_id,omitempty"`
}

// Stage collaborators. Each consumes only its predecessor's output.
type (
	SafetyChecker interface {
		Check(ctx context.Context, text string) (*SafetyVerdict, error)
	}
	Parser interface {
		Parse(ctx context.Context, text string) (*ParsedProblem, error)
	}
	Classifier interface {
		Classify(ctx context.Context, p *ParsedProblem) (*Classification, error)
	}
	Solver interface {
		Solve(ctx context.Context, c *Classification, rc RecallContext) (*Solution, error)
	}
	Verifier interface {
		Verify(ctx context.Context, s *Solution) (*Verification, error)
	}
	Explainer interface {
		Explain(ctx context.Context, v *Verification) (*Explanation, error)
	}
)

// ContextProvider assembles recall guidance. It must not fail; unavailable
// sources yield empty lists.
type ContextProvider interface {
	GetCombinedContext(ctx context.Context, query, topic string) ([]string, []recall.Pattern)
}

// ExtractionReviewer judges OCR/ASR input quality ahead of parsing.
type ExtractionReviewer interface {
	Review(inputType recall.InputType, ex *Extraction) (needsReview bool, reason string)
}

// Status is the lifecycle state carried by a progress notification.
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Progress is emitted as each stage starts and finishes.
type Progress struct {
	Stage  StageName   `json:"stage_name"`
	Status Status      `json:"status"`
	Trace  *StageTrace `json:"trace,omitempty"`
}

// ProgressFunc receives progress notifications on the goroutine running the pipeline.
type ProgressFunc func(Progress)
