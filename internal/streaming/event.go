package streaming

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/pipeline"
)

// EventType distinguishes progress updates from the three terminal events.
type EventType string

const (
	EventAgentUpdate EventType = "agent_update"
	EventFinalResult EventType = "final_result"
	EventError       EventType = "error"
	EventCancelled   EventType = "cancelled"
)

// Terminal reports whether t ends a stream.
func (t EventType) Terminal() bool {
	return t == EventFinalResult || t == EventError || t == EventCancelled
}

// Event is one item delivered to a stream consumer.
type Event struct {
	StreamID  string               `json:"stream_id"`
	Seq       uint64               `json:"seq"`
	Type      EventType            `json:"type"`
	StageName pipeline.StageName   `json:"stage_name,omitempty"`
	Status    pipeline.Status      `json:"status,omitempty"`
	Trace     *pipeline.StageTrace `json:"trace,omitempty"`
	Data      *pipeline.Result     `json:"data,omitempty"`
	Error     string               `json:"error,omitempty"`
	// Reasons lists safety violations when Error is a policy rejection.
	Reasons   []string  `json:"reasons,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Marshal returns JSON for SSE frames and logs.
func (e Event) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event %d: %w", e.Type, e.Seq, err)
	}
	return b, nil
}
