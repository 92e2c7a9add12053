package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCancelled reports that the caller cancelled the run. It is not a failure.
var ErrCancelled = errors.New("pipeline cancelled")

// PolicyViolationError is raised when the safety stage vetoes a request.
type PolicyViolationError struct {
	Violations []string
	RiskLevel  string
}

func (e *PolicyViolationError) Error() string {
	return "Content policy violation: " + strings.Join(e.Violations, ", ")
}

// StageFailureError wraps the cause of a stage that aborted the chain.
type StageFailureError struct {
	Stage StageName
	Err   error
}

func (e *StageFailureError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageFailureError) Unwrap() error { return e.Err }

// IsPolicyViolation reports whether err carries a safety veto.
func IsPolicyViolation(err error) bool {
	var pv *PolicyViolationError
	return errors.As(err, &pv)
}
