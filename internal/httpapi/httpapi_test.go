package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/pipeline"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/recall"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/server"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/streaming"
)

type stubSolver struct {
	res *pipeline.Result
	err error
	got pipeline.Request
}

func (s *stubSolver) Solve(_ context.Context, req pipeline.Request) (*pipeline.Result, error) {
	s.got = req
	return s.res, s.err
}

func (s *stubSolver) Stats() map[pipeline.StageName]int64 {
	return map[pipeline.StageName]int64{pipeline.StageSafety: 3, pipeline.StageSolve: 2}
}

// stagedRunner reports two stages, then either returns or waits for cancellation.
type stagedRunner struct {
	block bool
}

func (r stagedRunner) RunWithProgress(ctx context.Context, _ pipeline.Request, progress pipeline.ProgressFunc) (*pipeline.Result, error) {
	for _, s := range []pipeline.StageName{pipeline.StageSafety, pipeline.StageParse} {
		progress(pipeline.Progress{Stage: s, Status: pipeline.StatusStarted})
		progress(pipeline.Progress{Stage: s, Status: pipeline.StatusCompleted})
	}
	if r.block {
		<-ctx.Done()
		return nil, pipeline.ErrCancelled
	}
	return &pipeline.Result{FinalAnswer: "x = 2", Confidence: 0.9, MemoryID: "mem_abc"}, nil
}

type stubReviews struct {
	mu    sync.Mutex
	calls []string
}

func (s *stubReviews) note(op, id string) error {
	s.mu.Lock()
	s.calls = append(s.calls, op+":"+id)
	s.mu.Unlock()
	switch id {
	case "":
		return server.ErrEntryIDRequired
	case "missing":
		return recall.ErrNotFound
	case "broken":
		return errors.New("database is locked")
	}
	return nil
}

func (s *stubReviews) MarkCorrect(_ context.Context, id string, _ *string) error {
	return s.note("correct", id)
}
func (s *stubReviews) MarkIncorrect(_ context.Context, id string, _ *string) error {
	return s.note("incorrect", id)
}
func (s *stubReviews) Approve(_ context.Context, id, edited string) error {
	return s.note("approve("+edited+")", id)
}
func (s *stubReviews) Reject(_ context.Context, id, reason string) error {
	return s.note("reject("+reason+")", id)
}
func (s *stubReviews) History(context.Context, int) ([]server.HistoryItem, error) {
	return []server.HistoryItem{{ID: "mem_1", OriginalInput: "2+2", FinalAnswer: "4"}}, nil
}
func (s *stubReviews) Entry(_ context.Context, id string) (*recall.Entry, error) {
	if err := s.note("entry", id); err != nil {
		return nil, err
	}
	return &recall.Entry{ID: id, FinalAnswer: "4"}, nil
}

type fixture struct {
	solver  *stubSolver
	reviews *stubReviews
	streams *streaming.Controller
	mux     *http.ServeMux
}

func newFixture(t *testing.T, runner streaming.Runner, guard *auth.Middleware) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &fixture{
		solver:  &stubSolver{res: &pipeline.Result{FinalAnswer: "x = 2", Confidence: 0.9}},
		reviews: &stubReviews{},
		streams: streaming.NewController(runner, streaming.Options{
			CancelGrace: time.Second,
			Log:         streaming.NewMemoryLog(0, 0),
		}, logger),
		mux: http.NewServeMux(),
	}
	NewHandler(f.solver, f.reviews, f.streams, guard, logger).RegisterRoutes(f.mux)
	return f
}

func (f *fixture) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSolve(t *testing.T) {
	f := newFixture(t, stagedRunner{}, nil)

	rec := f.do(http.MethodPost, "/api/solve", `{"text":"solve 2x = 4","input_type":"text"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "x = 2", decode(t, rec)["final_answer"])
	assert.Equal(t, "solve 2x = 4", f.solver.got.Text)

	rec = f.do(http.MethodPost, "/api/solve", `{"extraction":{"text":"3+4","confidence":0.9}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "3+4", f.solver.got.Text, "extracted text stands in for missing text")
}

func TestSolveErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
		msg  string
	}{
		{"policy violation", &pipeline.PolicyViolationError{Violations: []string{"harmful"}, RiskLevel: "high"}, http.StatusUnprocessableEntity, "Content policy violation: harmful"},
		{"cancelled", pipeline.ErrCancelled, statusClientClosedRequest, "request cancelled"},
		{"empty input", pipeline.ErrEmptyInput, http.StatusBadRequest, pipeline.ErrEmptyInput.Error()},
		{"stage failure", &pipeline.StageFailureError{Stage: pipeline.StageSolve, Err: errors.New("upstream 502: secret detail")}, http.StatusInternalServerError, "Pipeline execution failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, stagedRunner{}, nil)
			f.solver.err = tc.err
			rec := f.do(http.MethodPost, "/api/solve", `{"text":"anything"}`)
			assert.Equal(t, tc.code, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, tc.msg, body["error"])
			assert.NotContains(t, rec.Body.String(), "secret detail")
		})
	}

	f := newFixture(t, stagedRunner{}, nil)
	f.solver.err = &pipeline.PolicyViolationError{Violations: []string{"a", "b"}}
	body := decode(t, f.do(http.MethodPost, "/api/solve", `{"text":"x"}`))
	assert.Equal(t, []any{"a", "b"}, body["reasons"])

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/solve", `{"text":`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/solve", `{"prompt":"x"}`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodGet, "/api/solve", "").Code)
}

func sseEvents(body string) []string {
	var types []string
	for _, line := range strings.Split(body, "\n") {
		if t, ok := strings.CutPrefix(line, "event: "); ok {
			types = append(types, t)
		}
	}
	return types
}

func TestSolveStreamSSE(t *testing.T) {
	f := newFixture(t, stagedRunner{}, nil)

	rec := f.do(http.MethodPost, "/api/solve/stream", `{"text":"solve 2x = 4"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	id := rec.Header().Get("X-Stream-ID")
	require.NotEmpty(t, id)

	types := sseEvents(rec.Body.String())
	require.Len(t, types, 5)
	assert.Equal(t, "agent_update", types[0])
	assert.Equal(t, "final_result", types[4])
	assert.Contains(t, rec.Body.String(), "id: 1\n")
	assert.Contains(t, rec.Body.String(), `"memory_id":"mem_abc"`)

	// resume after the second event
	rec = f.do(http.MethodGet, "/api/solve/stream?stream_id="+id, "", "Last-Event-ID", "2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"agent_update", "agent_update", "final_result"}, sseEvents(rec.Body.String()))
	assert.NotContains(t, rec.Body.String(), "id: 2\n")

	rec = f.do(http.MethodGet, "/api/streams/"+id+"/events?since=4", "")
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode(t, rec)["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, "final_result", events[0].(map[string]any)["type"])

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/solve/stream?stream_id=unknown", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/streams/"+id+"/events?since=-1", "").Code)
}

func TestSolveStreamGetQuery(t *testing.T) {
	f := newFixture(t, stagedRunner{}, nil)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/solve/stream", "").Code)

	rec := f.do(http.MethodGet, "/api/solve/stream?text=2%2B2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	types := sseEvents(rec.Body.String())
	require.NotEmpty(t, types)
	assert.Equal(t, "final_result", types[len(types)-1])
}

func TestCancelStreamByID(t *testing.T) {
	f := newFixture(t, stagedRunner{block: true}, nil)
	stream := f.streams.Start(context.Background(), pipeline.Request{Text: "long"})

	rec := f.do(http.MethodPost, "/api/streams/"+stream.ID+"/cancel", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var last streaming.Event
	for {
		ev, ok := stream.Next()
		if !ok {
			break
		}
		last = ev
	}
	assert.Equal(t, streaming.EventCancelled, last.Type)
	// the stream deregisters just after its channel closes
	assert.Eventually(t, func() bool {
		return f.do(http.MethodPost, "/api/streams/"+stream.ID+"/cancel", "").Code == http.StatusNotFound
	}, time.Second, 10*time.Millisecond)
}

func dialWS(t *testing.T, f *fixture, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/solve/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestSolveWebSocket(t *testing.T) {
	f := newFixture(t, stagedRunner{}, nil)
	conn := dialWS(t, f, "")
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "solve", "text": "2+2"}))

	var types []streaming.EventType
	for {
		var ev streaming.Event
		if err := conn.ReadJSON(&ev); err != nil {
			var ce *websocket.CloseError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
			break
		}
		types = append(types, ev.Type)
	}
	require.Len(t, types, 5)
	assert.Equal(t, streaming.EventFinalResult, types[4])
}

func TestSolveWebSocketCancel(t *testing.T) {
	f := newFixture(t, stagedRunner{block: true}, nil)
	conn := dialWS(t, f, "?text=integrate")

	var ev streaming.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, streaming.EventAgentUpdate, ev.Type)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "cancel"}))

	for ev.Type != streaming.EventCancelled {
		require.NoError(t, conn.ReadJSON(&ev))
	}
}

func TestFeedbackEndpoints(t *testing.T) {
	f := newFixture(t, stagedRunner{}, nil)

	rec := f.do(http.MethodPost, "/api/feedback/correct", `{"entry_id":"mem_1","comment":"nice"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "correct", decode(t, rec)["feedback"])

	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/feedback/incorrect", `{"entry_id":"mem_1"}`).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/feedback/correct", `{"entry_id":"missing"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/feedback/correct", `{}`).Code)

	rec = f.do(http.MethodPost, "/api/feedback/correct", `{"entry_id":"broken"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "locked")

	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/hitl/approve", `{"entry_id":"mem_2","edited_text":"x+1=2"}`).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/hitl/reject", `{"entry_id":"mem_3","reason":"wrong"}`).Code)
	assert.Equal(t, []string{
		"correct:mem_1", "incorrect:mem_1", "correct:missing", "correct:", "correct:broken",
		"approve(x+1=2):mem_2", "reject(wrong):mem_3",
	}, f.reviews.calls)
}

func TestReviewerEndpointsRequireToken(t *testing.T) {
	jwtm := auth.NewJWTManager("0123456789abcdef0123456789abcdef", "", time.Hour)
	f := newFixture(t, stagedRunner{}, auth.NewMiddleware(jwtm, false, zaptest.NewLogger(t)))

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/api/hitl/approve", `{"entry_id":"mem_1"}`).Code)

	tok, err := jwtm.GenerateToken("rev-1", "", auth.RoleReviewer)
	require.NoError(t, err)
	rec := f.do(http.MethodPost, "/api/hitl/approve", `{"entry_id":"mem_1"}`, "Authorization", "Bearer "+tok)
	assert.Equal(t, http.StatusOK, rec.Code)

	// user feedback stays open
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/feedback/correct", `{"entry_id":"mem_1"}`).Code)
}

func TestReadEndpoints(t *testing.T) {
	f := newFixture(t, stagedRunner{}, nil)

	rec := f.do(http.MethodGet, "/api/history?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/history?limit=abc", "").Code)

	rec = f.do(http.MethodGet, "/api/entries/mem_9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mem_9", decode(t, rec)["id"])
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/entries/missing", "").Code)

	for _, path := range []string{"/api/stats", "/stats"} {
		rec = f.do(http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rec.Code)
		stages := decode(t, rec)["stage_executions"].(map[string]any)
		assert.EqualValues(t, 3, stages["safety"])
		assert.EqualValues(t, 0, stages["explainer"])
		assert.Len(t, stages, len(pipeline.Stages))
	}
}

func TestWriteSSEFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, writeSSE(rec, streaming.Event{StreamID: "s1", Seq: 7, Type: streaming.EventError, Error: "Pipeline failed"}))
	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "id: 7\nevent: error\ndata: {"))
	assert.True(t, strings.HasSuffix(body, "}\n\n"))
	assert.True(t, bytes.Contains(rec.Body.Bytes(), []byte(`"error":"Pipeline failed"`)))
}

func TestWriteEventUnencodable(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil, zaptest.NewLogger(t))
	bad := &pipeline.Result{FinalAnswer: "x = 2", Confidence: math.NaN()}

	rec := httptest.NewRecorder()
	require.Error(t, writeSSE(rec, streaming.Event{StreamID: "s1", Seq: 3, Type: streaming.EventFinalResult, Data: bad}))
	assert.Empty(t, rec.Body.String(), "no partial frame")

	// a progress event that cannot be encoded is skipped
	rec = httptest.NewRecorder()
	h.writeEvent(rec, streaming.Event{
		StreamID: "s1", Seq: 2, Type: streaming.EventAgentUpdate,
		Trace: &pipeline.StageTrace{StageName: pipeline.StageSolve, Metadata: map[string]any{"score": math.Inf(1)}},
	})
	assert.Empty(t, rec.Body.String())

	// a terminal one still ends the stream, as a generic error
	rec = httptest.NewRecorder()
	h.writeEvent(rec, streaming.Event{StreamID: "s1", Seq: 3, Type: streaming.EventFinalResult, Data: bad})
	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "id: 3\nevent: error\ndata: {"), body)
	assert.Contains(t, body, `"error":"Pipeline failed"`)
	assert.NotContains(t, body, "data: \n")
}
