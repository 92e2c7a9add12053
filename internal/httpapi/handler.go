package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/pipeline"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/recall"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/server"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/streaming"
)

// statusClientClosedRequest is the nginx convention for a caller that went away.
const statusClientClosedRequest = 499

const maxBodyBytes = 1 << 20

// Solver runs problems synchronously.
type Solver interface {
	Solve(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
	Stats() map[pipeline.StageName]int64
}

// Reviews records feedback and reviewer decisions on stored outcomes.
type Reviews interface {
	MarkCorrect(ctx context.Context, id string, comment *string) error
	MarkIncorrect(ctx context.Context, id string, comment *string) error
	Approve(ctx context.Context, id, editedText string) error
	Reject(ctx context.Context, id, reason string) error
	History(ctx context.Context, limit int) ([]server.HistoryItem, error)
	Entry(ctx context.Context, id string) (*recall.Entry, error)
}

// Streams starts, cancels and replays streamed runs.
type Streams interface {
	Start(ctx context.Context, req pipeline.Request) *streaming.Stream
	Cancel(id string) bool
	Replay(ctx context.Context, id string, since uint64) ([]streaming.Event, error)
}

// Handler serves the solver HTTP API.
type Handler struct {
	solver    Solver
	reviews   Reviews
	streams   Streams
	guard     *auth.Middleware
	logger    *zap.Logger
	heartbeat time.Duration
}

// NewHandler wires the API. guard protects the reviewer endpoints.
func NewHandler(solver Solver, reviews Reviews, streams Streams, guard *auth.Middleware, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if guard == nil {
		guard = auth.NewMiddleware(nil, true, logger)
	}
	return &Handler{
		solver:    solver,
		reviews:   reviews,
		streams:   streams,
		guard:     guard,
		logger:    logger,
		heartbeat: 15 * time.Second,
	}
}

// RegisterRoutes registers the API on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/solve", h.handleSolve)
	mux.HandleFunc("GET /api/solve/stream", h.handleSolveStream)
	mux.HandleFunc("POST /api/solve/stream", h.handleSolveStream)
	mux.HandleFunc("GET /api/solve/ws", h.handleSolveWS)
	mux.HandleFunc("GET /api/streams/{id}/events", h.handleReplay)
	mux.HandleFunc("POST /api/streams/{id}/cancel", h.handleCancel)

	mux.HandleFunc("POST /api/feedback/correct", h.handleFeedback(recall.FeedbackCorrect))
	mux.HandleFunc("POST /api/feedback/incorrect", h.handleFeedback(recall.FeedbackIncorrect))
	mux.Handle("POST /api/hitl/approve", h.guard.Require(http.HandlerFunc(h.handleApprove), auth.ScopeReviewWrite))
	mux.Handle("POST /api/hitl/reject", h.guard.Require(http.HandlerFunc(h.handleReject), auth.ScopeReviewWrite))

	mux.HandleFunc("GET /api/history", h.handleHistory)
	mux.HandleFunc("GET /api/entries/{id}", h.handleEntry)
	mux.HandleFunc("GET /api/stats", h.handleStats)
	mux.HandleFunc("GET /stats", h.handleStats)
}

// handleSolve runs one problem and returns the aggregated result.
// POST /api/solve
func (h *Handler) handleSolve(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}
	res, err := h.solver.Solve(r.Context(), req)
	if err != nil {
		h.writeSolveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request) (pipeline.Request, bool) {
	var req pipeline.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.logger.Debug("solve decode error", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return req, false
	}
	if req.Text == "" && req.Extraction != nil {
		req.Text = req.Extraction.Text
	}
	return req, true
}

func (h *Handler) writeSolveError(w http.ResponseWriter, err error) {
	var pv *pipeline.PolicyViolationError
	switch {
	case errors.As(err, &pv):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      pv.Error(),
			"reasons":    pv.Violations,
			"risk_level": pv.RiskLevel,
		})
	case errors.Is(err, pipeline.ErrEmptyInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pipeline.ErrCancelled), errors.Is(err, context.Canceled):
		writeError(w, statusClientClosedRequest, "request cancelled")
	default:
		h.logger.Error("Solve failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Pipeline execution failed")
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
