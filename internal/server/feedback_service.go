package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	ometrics "github.com/Kocoro-lab/Shannon/go/solver/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/recall"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/util"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
	historyInputLength  = 100
)

// ErrEntryIDRequired is returned when feedback names no entry.
var ErrEntryIDRequired = errors.New("entry_id is required")

// HistoryItem is the abbreviated entry listed by History.
type HistoryItem struct {
	ID            string           `json:"id"`
	OriginalInput string           `json:"original_input"`
	InputType     recall.InputType `json:"input_type"`
	Topic         string           `json:"topic"`
	FinalAnswer   string           `json:"final_answer"`
	Confidence    float64          `json:"confidence"`
	UserFeedback  recall.Feedback  `json:"user_feedback,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// FeedbackService records user judgements and reviewer decisions on stored
// outcomes. Correct feedback is what the recall engine learns from.
type FeedbackService struct {
	store  recall.Store
	logger *zap.Logger
}

func NewFeedbackService(store recall.Store, logger *zap.Logger) *FeedbackService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedbackService{store: store, logger: logger}
}

func (f *FeedbackService) MarkCorrect(ctx context.Context, id string, comment *string) error {
	return f.record(ctx, id, recall.FeedbackCorrect, comment)
}

func (f *FeedbackService) MarkIncorrect(ctx context.Context, id string, comment *string) error {
	return f.record(ctx, id, recall.FeedbackIncorrect, comment)
}

// Approve accepts a reviewed entry. editedText, when non-empty, replaces the
// parsed question and clears the review flag. An existing feedback comment is kept.
func (f *FeedbackService) Approve(ctx context.Context, id, editedText string) error {
	if id == "" {
		return ErrEntryIDRequired
	}
	edited := strings.TrimSpace(editedText)
	ok, err := f.store.Approve(ctx, id, edited)
	if err != nil {
		ometrics.RecordFeedback(string(recall.FeedbackCorrect), "error")
		return err
	}
	if !ok {
		ometrics.RecordFeedback(string(recall.FeedbackCorrect), "not_found")
		return recall.ErrNotFound
	}
	ometrics.RecordFeedback(string(recall.FeedbackCorrect), "ok")
	f.logger.Info("HITL approved entry", zap.String("entry_id", id), zap.Bool("edited", edited != ""))
	return nil
}

// Reject records a reviewer rejection with its reason.
func (f *FeedbackService) Reject(ctx context.Context, id, reason string) error {
	r := reason
	if err := f.record(ctx, id, recall.FeedbackRejected, &r); err != nil {
		return err
	}
	f.logger.Info("HITL rejected entry", zap.String("entry_id", id), zap.String("reason", reason))
	return nil
}

// History lists recent entries, newest first.
func (f *FeedbackService) History(ctx context.Context, limit int) ([]HistoryItem, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	entries, err := f.store.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, HistoryItem{
			ID:            e.ID,
			OriginalInput: util.Clip(e.OriginalInput, historyInputLength),
			InputType:     e.InputType,
			Topic:         e.Topic,
			FinalAnswer:   e.FinalAnswer,
			Confidence:    e.Confidence,
			UserFeedback:  e.UserFeedback,
			CreatedAt:     e.CreatedAt,
		})
	}
	return out, nil
}

// Entry returns one stored entry.
func (f *FeedbackService) Entry(ctx context.Context, id string) (*recall.Entry, error) {
	return f.store.Get(ctx, id)
}

func (f *FeedbackService) record(ctx context.Context, id string, fb recall.Feedback, comment *string) error {
	if id == "" {
		return ErrEntryIDRequired
	}
	ok, err := f.store.UpdateFeedback(ctx, id, fb, comment)
	if err != nil {
		ometrics.RecordFeedback(string(fb), "error")
		return err
	}
	if !ok {
		ometrics.RecordFeedback(string(fb), "not_found")
		return recall.ErrNotFound
	}
	ometrics.RecordFeedback(string(fb), "ok")
	f.logger.Debug("Recorded feedback", zap.String("entry_id", id), zap.String("feedback", string(fb)))
	return nil
}
