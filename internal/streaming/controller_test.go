package streaming

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/pipeline"
)

// scriptedRunner reports progress for stages in order. When blockAt is set it
// announces that stage as started and then waits for cancellation.
type scriptedRunner struct {
	stages       []pipeline.StageName
	blockAt      pipeline.StageName
	ignoreCancel bool
	release      chan struct{}
	err          error
	sawCancel    atomic.Bool
}

func (r *scriptedRunner) RunWithProgress(ctx context.Context, _ pipeline.Request, progress pipeline.ProgressFunc) (*pipeline.Result, error) {
	res := &pipeline.Result{FinalAnswer: "x = 2", Confidence: 0.9}
	for _, st := range r.stages {
		progress(pipeline.Progress{Stage: st, Status: pipeline.StatusStarted})
		if st == r.blockAt {
			if r.ignoreCancel {
				<-r.release
				return nil, pipeline.ErrCancelled
			}
			<-ctx.Done()
			r.sawCancel.Store(true)
			return nil, pipeline.ErrCancelled
		}
		trace := pipeline.StageTrace{StageName: st, Success: true}
		res.Trace = append(res.Trace, trace)
		progress(pipeline.Progress{Stage: st, Status: pipeline.StatusCompleted, Trace: &trace})
	}
	if r.err != nil {
		return res, r.err
	}
	return res, nil
}

var fiveStages = []pipeline.StageName{
	pipeline.StageParse, pipeline.StageClassify, pipeline.StageSolve, pipeline.StageVerify, pipeline.StageExplain,
}

func collect(t *testing.T, s *Stream) []Event {
	t.Helper()
	done := make(chan []Event)
	go func() {
		var out []Event
		for {
			ev, ok := s.Next()
			if !ok {
				done <- out
				return
			}
			out = append(out, ev)
		}
	}()
	select {
	case evs := <-done:
		return evs
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish")
		return nil
	}
}

func terminals(evs []Event) []Event {
	var out []Event
	for _, ev := range evs {
		if ev.Type.Terminal() {
			out = append(out, ev)
		}
	}
	return out
}

func TestStreamDeliversProgressThenFinalResult(t *testing.T) {
	log := NewMemoryLog(0, 0)
	c := NewController(&scriptedRunner{stages: fiveStages}, Options{Log: log}, zaptest.NewLogger(t))

	s := c.Start(context.Background(), pipeline.Request{Text: "2x = 4"})
	evs := collect(t, s)

	require.Len(t, evs, 11)
	for i, ev := range evs[:10] {
		assert.Equal(t, EventAgentUpdate, ev.Type)
		assert.Equal(t, fiveStages[i/2], ev.StageName)
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, s.ID, ev.StreamID)
	}
	assert.Equal(t, pipeline.StatusStarted, evs[0].Status)
	assert.Equal(t, pipeline.StatusCompleted, evs[1].Status)
	require.NotNil(t, evs[1].Trace)

	last := evs[10]
	assert.Equal(t, EventFinalResult, last.Type)
	require.NotNil(t, last.Data)
	assert.Equal(t, "x = 2", last.Data.FinalAnswer)

	replayed, err := c.Replay(context.Background(), s.ID, 8)
	require.NoError(t, err)
	require.Len(t, replayed, 3)
	assert.Equal(t, EventFinalResult, replayed[2].Type)
}

func TestStreamPolicyViolationCarriesReasons(t *testing.T) {
	pv := &pipeline.PolicyViolationError{Violations: []string{"harmful content", "pii"}, RiskLevel: "high"}
	c := NewController(&scriptedRunner{stages: []pipeline.StageName{pipeline.StageSafety}, err: pv}, Options{}, zaptest.NewLogger(t))

	evs := collect(t, c.Start(context.Background(), pipeline.Request{Text: "bad"}))
	term := terminals(evs)
	require.Len(t, term, 1)
	assert.Equal(t, EventError, term[0].Type)
	assert.Equal(t, "Content policy violation: harmful content, pii", term[0].Error)
	assert.Equal(t, []string{"harmful content", "pii"}, term[0].Reasons)
}

func TestStreamStageFailureIsGeneric(t *testing.T) {
	failure := &pipeline.StageFailureError{Stage: pipeline.StageSolve, Err: errors.New("upstream 500: secret detail")}
	c := NewController(&scriptedRunner{stages: fiveStages[:3], err: failure}, Options{}, zaptest.NewLogger(t))

	evs := collect(t, c.Start(context.Background(), pipeline.Request{Text: "2x = 4"}))
	term := terminals(evs)
	require.Len(t, term, 1)
	assert.Equal(t, EventError, term[0].Type)
	assert.NotContains(t, term[0].Error, "secret")
	assert.Empty(t, term[0].Reasons)
}

func TestStreamCancelDuringStageTwo(t *testing.T) {
	runner := &scriptedRunner{stages: fiveStages, blockAt: pipeline.StageClassify}
	c := NewController(runner, Options{}, zaptest.NewLogger(t))
	s := c.Start(context.Background(), pipeline.Request{Text: "2x = 4"})

	var seen []Event
	for {
		ev, ok := s.Next()
		require.True(t, ok)
		seen = append(seen, ev)
		if ev.StageName == pipeline.StageClassify && ev.Status == pipeline.StatusStarted {
			break
		}
	}
	s.Cancel()
	s.Cancel()
	rest := collect(t, s)

	require.Len(t, rest, 1)
	assert.Equal(t, EventCancelled, rest[0].Type)
	assert.True(t, runner.sawCancel.Load())
	assert.Len(t, seen, 3)
	assert.False(t, c.Cancel(s.ID), "finished streams are forgotten")
}

func TestStreamConsumerContextCancels(t *testing.T) {
	runner := &scriptedRunner{stages: fiveStages, blockAt: pipeline.StageParse}
	c := NewController(runner, Options{}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	s := c.Start(ctx, pipeline.Request{Text: "2x = 4"})

	ev, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, EventAgentUpdate, ev.Type)
	cancel()

	term := terminals(collect(t, s))
	require.Len(t, term, 1)
	assert.Equal(t, EventCancelled, term[0].Type)
}

func TestStreamCancelByIDAfterGraceExpires(t *testing.T) {
	runner := &scriptedRunner{
		stages:       fiveStages,
		blockAt:      pipeline.StageParse,
		ignoreCancel: true,
		release:      make(chan struct{}),
	}
	defer close(runner.release)
	c := NewController(runner, Options{CancelGrace: 50 * time.Millisecond}, zaptest.NewLogger(t))
	s := c.Start(context.Background(), pipeline.Request{Text: "2x = 4"})

	_, ok := s.Next()
	require.True(t, ok)
	require.True(t, c.Cancel(s.ID))

	start := time.Now()
	rest := collect(t, s)
	require.Len(t, rest, 1)
	assert.Equal(t, EventCancelled, rest[0].Type)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestStreamCancelledWithoutReaderIsReleased(t *testing.T) {
	runner := &scriptedRunner{stages: fiveStages, blockAt: pipeline.StageClassify}
	c := NewController(runner, Options{CancelGrace: 20 * time.Millisecond}, zaptest.NewLogger(t))
	s := c.Start(context.Background(), pipeline.Request{Text: "2x = 4"})

	_, ok := s.Next()
	require.True(t, ok)
	s.Cancel()

	// nobody reads the terminal event and the context never ends
	assert.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.streams) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, runner.sawCancel.Load, time.Second, 10*time.Millisecond)

	_, ok = s.Next()
	assert.False(t, ok, "stream is closed once released")
}

func TestCancelAfterCompletionIsNoop(t *testing.T) {
	c := NewController(&scriptedRunner{stages: fiveStages}, Options{}, zaptest.NewLogger(t))
	s := c.Start(context.Background(), pipeline.Request{Text: "2x = 4"})
	evs := collect(t, s)
	s.Cancel()

	term := terminals(evs)
	require.Len(t, term, 1)
	assert.Equal(t, EventFinalResult, term[0].Type)
	_, ok := s.Next()
	assert.False(t, ok)
}
