package recall

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get when no entry has the requested id.
var ErrNotFound = errors.New("recall: entry not found")

// InputType records where the original problem text came from.
type InputType string

const (
	InputText  InputType = "text"
	InputImage InputType = "image"
	InputAudio InputType = "audio"
)

// Valid reports whether t is one of the known input types.
func (t InputType) Valid() bool {
	switch t {
	case InputText, InputImage, InputAudio:
		return true
	}
	return false
}

// Feedback is the user judgement attached to an entry. The zero value means no feedback yet.
type Feedback string

const (
	FeedbackNone      Feedback = ""
	FeedbackCorrect   Feedback = "correct"
	FeedbackIncorrect Feedback = "incorrect"
	FeedbackRejected  Feedback = "rejected"
)

// Valid reports whether f may be written through UpdateFeedback.
func (f Feedback) Valid() bool {
	switch f {
	case FeedbackCorrect, FeedbackIncorrect, FeedbackRejected:
		return true
	}
	return false
}

// Value stores the empty feedback as NULL.
func (f Feedback) Value() (driver.Value, error) {
	if f == FeedbackNone {
		return nil, nil
	}
	return string(f), nil
}

// Scan implements sql.Scanner.
func (f *Feedback) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*f = FeedbackNone
	case string:
		*f = Feedback(v)
	case []byte:
		*f = Feedback(v)
	default:
		return fmt.Errorf("cannot scan %T into Feedback", src)
	}
	return nil
}

// Entry is one persisted request/outcome record.
type Entry struct {
	ID                  string     `db:"id" json:"id"`
	OriginalInput       string     `db:"original_input" json:"original_input"`
	InputType           InputType  `db:"input_type" json:"input_type"`
	ParsedQuestion      string     `db:"parsed_question" json:"parsed_question"`
	Topic               string     `db:"topic" json:"topic"`
	RetrievedContext    StringList `db:"retrieved_context" json:"retrieved_context"`
	FinalAnswer         string     `db:"final_answer" json:"final_answer"`
	SolutionSteps       RawJSON    `db:"solution_steps" json:"solution_steps,omitempty"`
	VerifierOutcome     JSONMap    `db:"verifier_outcome" json:"verifier_outcome,omitempty"`
	Confidence          float64    `db:"confidence" json:"confidence"`
	RequiresHumanReview bool       `db:"requires_human_review" json:"requires_human_review"`
	UserFeedback        Feedback   `db:"user_feedback" json:"user_feedback,omitempty"`
	FeedbackComment     *string    `db:"feedback_comment" json:"feedback_comment,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// NewEntryID returns an opaque identifier of the form mem_<12 hex chars>.
func NewEntryID() string {
	return "mem_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// prepare fills generated fields before the first write.
func (e *Entry) prepare(now time.Time) {
	if e.ID == "" {
		e.ID = NewEntryID()
	}
	if e.InputType == "" {
		e.InputType = InputText
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
}

// PatternKind distinguishes the two recall projections handed to the solver.
type PatternKind string

const (
	PatternSimilarProblem PatternKind = "similar_problem"
	PatternTopic          PatternKind = "topic_pattern"
)

// Pattern is a non-persisted projection of a correct entry used as solver guidance.
type Pattern struct {
	Kind          PatternKind `json:"type"`
	Problem       string      `json:"problem"`
	Solution      string      `json:"solution,omitempty"`
	SolutionSteps RawJSON     `json:"solution_steps,omitempty"`
	Answer        string      `json:"answer,omitempty"`
	Confidence    float64     `json:"confidence"`
}

func similarPattern(e Entry) Pattern {
	return Pattern{
		Kind:       PatternSimilarProblem,
		Problem:    e.ParsedQuestion,
		Solution:   e.FinalAnswer,
		Confidence: e.Confidence,
	}
}

func topicPattern(e Entry) Pattern {
	return Pattern{
		Kind:          PatternTopic,
		Problem:       e.ParsedQuestion,
		SolutionSteps: e.SolutionSteps,
		Answer:        e.FinalAnswer,
		Confidence:    e.Confidence,
	}
}

// StringList is a []string persisted as a JSON array.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src interface{}) error {
	b, err := jsonBytes(src)
	if err != nil || b == nil {
		*l = nil
		return err
	}
	return json.Unmarshal(b, (*[]string)(l))
}

// JSONMap is a map persisted as a JSON object.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(map[string]interface{}(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src interface{}) error {
	b, err := jsonBytes(src)
	if err != nil || b == nil {
		*m = nil
		return err
	}
	return json.Unmarshal(b, (*map[string]interface{})(m))
}

// RawJSON is an opaque JSON payload kept verbatim.
type RawJSON json.RawMessage

// MarshalJSON returns the payload itself, or null when empty.
func (r RawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON copies the payload.
func (r *RawJSON) UnmarshalJSON(data []byte) error {
	*r = append((*r)[0:0], data...)
	return nil
}

// Value implements driver.Valuer.
func (r RawJSON) Value() (driver.Value, error) {
	if len(r) == 0 {
		return nil, nil
	}
	return string(r), nil
}

// Scan implements sql.Scanner.
func (r *RawJSON) Scan(src interface{}) error {
	b, err := jsonBytes(src)
	if err != nil {
		return err
	}
	*r = append((*r)[0:0], b...)
	return nil
}

// Strings renders a JSON array payload as display lines. Stage trace objects
// render as "stage_name: output_summary"; other values use their JSON text.
func (r RawJSON) Strings() []string {
	var items []json.RawMessage
	if len(r) == 0 || json.Unmarshal(r, &items) != nil {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if json.Unmarshal(item, &s) == nil {
			out = append(out, s)
			continue
		}
		var step struct {
			StageName     string `json:"stage_name"`
			OutputSummary string `json:"output_summary"`
		}
		if json.Unmarshal(item, &step) == nil && step.StageName != "" {
			out = append(out, step.StageName+": "+step.OutputSummary)
			continue
		}
		out = append(out, string(item))
	}
	return out
}

// MarshalRaw encodes v into a RawJSON payload.
func MarshalRaw(v interface{}) (RawJSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return RawJSON(b), nil
}

func jsonBytes(src interface{}) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("cannot scan %T as JSON", src)
	}
}
