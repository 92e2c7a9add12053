package server

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/pipeline"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/recall"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/vectordb"
)

type stubPipeline struct {
	result   *pipeline.Result
	err      error
	progress []pipeline.Progress
}

func (p *stubPipeline) Run(context.Context, pipeline.Request) (*pipeline.Result, error) {
	return p.result, p.err
}

func (p *stubPipeline) RunWithProgress(_ context.Context, _ pipeline.Request, fn pipeline.ProgressFunc) (*pipeline.Result, error) {
	for _, pr := range p.progress {
		fn(pr)
	}
	return p.result, p.err
}

func (p *stubPipeline) Stats() map[pipeline.StageName]int64 {
	return map[pipeline.StageName]int64{pipeline.StageParse: 3}
}

type stubIndex struct {
	ready bool
	docs  []vectordb.Document
	err   error
}

func (i *stubIndex) Ready() bool { return i.ready }

func (i *stubIndex) AddDocuments(_ context.Context, docs []vectordb.Document) error {
	i.docs = append(i.docs, docs...)
	return i.err
}

type failingStore struct{ recall.Store }

func (failingStore) Save(context.Context, *recall.Entry) error { return errors.New("disk full") }

func solvedResult(correct, review bool) *pipeline.Result {
	return &pipeline.Result{
		FinalAnswer:         "x = 2",
		Explanation:         "Subtract then divide.",
		Confidence:          0.92,
		RequiresHumanReview: review,
		ReviewReasons:       []string{},
		Trace: []pipeline.StageTrace{
			{StageName: pipeline.StageParse, OutputSummary: "Parsed: algebra", Success: true},
			{StageName: pipeline.StageSolve, OutputSummary: "Answer: x = 2...", Success: true},
		},
		RetrievedContext: []string{"Linear equations: undo operations."},
		Metadata: map[string]any{
			"parsed_question": "2x + 3 = 7",
			"topic":           "algebra",
			"is_correct":      correct,
		},
	}
}

func TestSolvePersistsEntry(t *testing.T) {
	store := recall.NewMemoryStore()
	index := &stubIndex{ready: true}
	svc := NewSolverService(&stubPipeline{result: solvedResult(true, false)}, store, index, zaptest.NewLogger(t))

	res, err := svc.Solve(context.Background(), pipeline.Request{Text: "Solve 2x + 3 = 7", InputType: recall.InputImage})
	require.NoError(t, err)
	require.NotEmpty(t, res.MemoryID)

	e, err := store.Get(context.Background(), res.MemoryID)
	require.NoError(t, err)
	assert.Equal(t, "Solve 2x + 3 = 7", e.OriginalInput)
	assert.Equal(t, recall.InputImage, e.InputType)
	assert.Equal(t, "2x + 3 = 7", e.ParsedQuestion)
	assert.Equal(t, "algebra", e.Topic)
	assert.Equal(t, recall.StringList{"Linear equations: undo operations."}, e.RetrievedContext)
	assert.Equal(t, []string{"parser: Parsed: algebra", "solver: Answer: x = 2..."}, e.SolutionSteps.Strings())
	assert.Equal(t, true, e.VerifierOutcome["is_correct"])
	assert.Equal(t, 0.92, e.Confidence)

	require.Len(t, index.docs, 1)
	assert.Equal(t, res.MemoryID, index.docs[0].ID)
	assert.Equal(t, "Problem: 2x + 3 = 7\nAnswer: x = 2", index.docs[0].Content)
}

func TestSolveSkipsIndexingUnverifiedOutcomes(t *testing.T) {
	ctx := context.Background()
	for name, res := range map[string]*pipeline.Result{
		"incorrect":    solvedResult(false, false),
		"needs review": solvedResult(true, true),
	} {
		t.Run(name, func(t *testing.T) {
			index := &stubIndex{ready: true}
			svc := NewSolverService(&stubPipeline{result: res}, recall.NewMemoryStore(), index, zaptest.NewLogger(t))
			out, err := svc.Solve(ctx, pipeline.Request{Text: "q"})
			require.NoError(t, err)
			assert.NotEmpty(t, out.MemoryID)
			assert.Empty(t, index.docs)
		})
	}

	index := &stubIndex{ready: false}
	svc := NewSolverService(&stubPipeline{result: solvedResult(true, false)}, recall.NewMemoryStore(), index, zaptest.NewLogger(t))
	_, err := svc.Solve(ctx, pipeline.Request{Text: "q"})
	require.NoError(t, err)
	assert.Empty(t, index.docs)
}

func TestSolveFailureIsNotPersisted(t *testing.T) {
	store := recall.NewMemoryStore()
	partial := &pipeline.Result{Trace: []pipeline.StageTrace{{StageName: pipeline.StageParse, Success: false}}}
	failure := &pipeline.StageFailureError{Stage: pipeline.StageParse, Err: errors.New("boom")}
	svc := NewSolverService(&stubPipeline{result: partial, err: failure}, store, nil, zaptest.NewLogger(t))

	res, err := svc.Solve(context.Background(), pipeline.Request{Text: "q"})
	assert.ErrorIs(t, err, failure)
	assert.Same(t, partial, res)
	assert.Empty(t, res.MemoryID)
	assert.Zero(t, store.Len())
}

func TestSolveSurvivesStoreFailure(t *testing.T) {
	svc := NewSolverService(&stubPipeline{result: solvedResult(true, false)}, failingStore{recall.NewMemoryStore()}, nil, zaptest.NewLogger(t))

	res, err := svc.Solve(context.Background(), pipeline.Request{Text: "q"})
	require.NoError(t, err)
	assert.Equal(t, "x = 2", res.FinalAnswer)
	assert.Empty(t, res.MemoryID)
}

func TestRunWithProgressPersistsAfterCancelledCaller(t *testing.T) {
	store := recall.NewMemoryStore()
	p := &stubPipeline{
		result:   solvedResult(true, false),
		progress: []pipeline.Progress{{Stage: pipeline.StageParse, Status: pipeline.StatusStarted}},
	}
	svc := NewSolverService(p, store, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	var seen []pipeline.Progress
	res, err := svc.RunWithProgress(ctx, pipeline.Request{Text: "q"}, func(pr pipeline.Progress) {
		seen = append(seen, pr)
		cancel()
	})
	require.NoError(t, err)
	assert.Len(t, seen, 1)
	assert.NotEmpty(t, res.MemoryID)
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, int64(3), svc.Stats()[pipeline.StageParse])
}
