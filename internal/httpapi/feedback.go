package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/pipeline"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/recall"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/server"
)

type feedbackRequest struct {
	EntryID string  `json:"entry_id"`
	Comment *string `json:"comment,omitempty"`
}

type approveRequest struct {
	EntryID    string `json:"entry_id"`
	EditedText string `json:"edited_text,omitempty"`
}

type rejectRequest struct {
	EntryID string `json:"entry_id"`
	Reason  string `json:"reason,omitempty"`
}

// handleFeedback records a user judgement on a stored outcome.
// POST /api/feedback/correct, POST /api/feedback/incorrect
func (h *Handler) handleFeedback(fb recall.Feedback) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req feedbackRequest
		if !decodeBody(w, r, &req) {
			return
		}
		var err error
		if fb == recall.FeedbackCorrect {
			err = h.reviews.MarkCorrect(r.Context(), req.EntryID, req.Comment)
		} else {
			err = h.reviews.MarkIncorrect(r.Context(), req.EntryID, req.Comment)
		}
		if err != nil {
			h.writeReviewError(w, req.EntryID, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":   "recorded",
			"entry_id": req.EntryID,
			"feedback": string(fb),
		})
	}
}

// handleApprove accepts a flagged outcome, optionally with corrected text.
// POST /api/hitl/approve
func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.reviews.Approve(r.Context(), req.EntryID, req.EditedText); err != nil {
		h.writeReviewError(w, req.EntryID, err)
		return
	}
	h.logDecision(r, "approve", req.EntryID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved", "entry_id": req.EntryID})
}

// handleReject rejects a flagged outcome.
// POST /api/hitl/reject
func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.reviews.Reject(r.Context(), req.EntryID, req.Reason); err != nil {
		h.writeReviewError(w, req.EntryID, err)
		return
	}
	h.logDecision(r, "reject", req.EntryID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected", "entry_id": req.EntryID})
}

// handleHistory lists recent outcomes.
// GET /api/history?limit=20
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	items, err := h.reviews.History(r.Context(), limit)
	if err != nil {
		h.logger.Error("History lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if items == nil {
		items = []server.HistoryItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// handleEntry returns one stored outcome.
// GET /api/entries/{id}
func (h *Handler) handleEntry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	e, err := h.reviews.Entry(r.Context(), id)
	if err != nil {
		h.writeReviewError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleStats reports per-stage execution counts.
// GET /api/stats
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	counts := h.solver.Stats()
	stages := make(map[string]int64, len(pipeline.Stages))
	for _, s := range pipeline.Stages {
		stages[string(s)] = counts[s]
	}
	writeJSON(w, http.StatusOK, map[string]any{"stage_executions": stages})
}

func (h *Handler) writeReviewError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, server.ErrEntryIDRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case server.IsNotFound(err):
		writeError(w, http.StatusNotFound, "entry not found")
	default:
		h.logger.Error("Review operation failed", zap.String("entry_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update entry")
	}
}

func (h *Handler) logDecision(r *http.Request, decision, id string) {
	reviewer := "unknown"
	if rc, ok := auth.GetReviewer(r.Context()); ok {
		reviewer = rc.Subject
	}
	h.logger.Info("Reviewer decision recorded",
		zap.String("decision", decision),
		zap.String("entry_id", id),
		zap.String("reviewer", reviewer),
	)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}
