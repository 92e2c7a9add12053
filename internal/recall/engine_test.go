package recall

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeRetriever struct {
	ready bool
	docs  []string
	err   error
	calls int
	lastK int
}

func (f *fakeRetriever) Ready() bool { return f.ready }

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, k int) ([]string, error) {
	f.calls++
	f.lastK = k
	return f.docs, f.err
}

type failingStore struct{ *MemoryStore }

func (failingStore) ByTopic(context.Context, string, int) ([]Entry, error) {
	return nil, errors.New("db down")
}

func (failingStore) SearchText(context.Context, string, int) ([]Entry, error) {
	return nil, errors.New("db down")
}

func seedStore(t *testing.T, entries ...Entry) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	for i := range entries {
		require.NoError(t, s.Save(context.Background(), &entries[i]))
	}
	return s
}

func TestFindSimilar_TopicCorrectEntryOutranksKeywordMatch(t *testing.T) {
	now := time.Now().UTC()
	store := seedStore(t,
		Entry{ID: "mem_topic", ParsedQuestion: "Solve 3y - 1 = 5", Topic: "algebra",
			UserFeedback: FeedbackCorrect, CreatedAt: now.Add(-time.Hour)},
		Entry{ID: "mem_keyword", ParsedQuestion: "solve x+1=2 for x", Topic: "arithmetic",
			UserFeedback: FeedbackIncorrect, CreatedAt: now},
	)
	engine := NewEngine(store, nil, zaptest.NewLogger(t))

	got := engine.FindSimilar(context.Background(), "solve x+1=2", "algebra", 2)
	require.Len(t, got, 2)
	assert.Equal(t, "mem_topic", got[0].ID)
	assert.Equal(t, "mem_keyword", got[1].ID)
}

func TestFindSimilar_DedupesAndTruncates(t *testing.T) {
	now := time.Now().UTC()
	store := seedStore(t,
		Entry{ID: "mem_1", ParsedQuestion: "quadratic roots formula", Topic: "algebra", CreatedAt: now.Add(-3 * time.Minute)},
		Entry{ID: "mem_2", ParsedQuestion: "quadratic vertex", Topic: "algebra", CreatedAt: now.Add(-2 * time.Minute)},
		Entry{ID: "mem_3", ParsedQuestion: "quadratic discriminant", Topic: "geometry", CreatedAt: now.Add(-time.Minute)},
	)
	engine := NewEngine(store, nil, zaptest.NewLogger(t))

	got := engine.FindSimilar(context.Background(), "quadratic roots", "algebra", 10)
	assert.Equal(t, []string{"mem_3", "mem_2", "mem_1"}, ids(got))

	got = engine.FindSimilar(context.Background(), "quadratic roots", "algebra", 1)
	assert.Equal(t, []string{"mem_3"}, ids(got))

	assert.Empty(t, engine.FindSimilar(context.Background(), "quadratic", "", 0))
}

func TestGetPatterns_OnlyCorrectSameTopicNewestFirst(t *testing.T) {
	now := time.Now().UTC()
	store := seedStore(t,
		Entry{ID: "mem_old", ParsedQuestion: "old", Topic: "Calculus", FinalAnswer: "1", UserFeedback: FeedbackCorrect, CreatedAt: now.Add(-2 * time.Hour)},
		Entry{ID: "mem_new", ParsedQuestion: "new", Topic: "calculus", FinalAnswer: "2", UserFeedback: FeedbackCorrect, CreatedAt: now},
		Entry{ID: "mem_wrong", ParsedQuestion: "wrong", Topic: "calculus", UserFeedback: FeedbackIncorrect, CreatedAt: now},
		Entry{ID: "mem_other", ParsedQuestion: "other", Topic: "algebra", UserFeedback: FeedbackCorrect, CreatedAt: now},
	)
	engine := NewEngine(store, nil, zaptest.NewLogger(t))

	patterns := engine.GetPatterns(context.Background(), "CALCULUS", 5)
	require.Len(t, patterns, 2)
	assert.Equal(t, PatternTopic, patterns[0].Kind)
	assert.Equal(t, "new", patterns[0].Problem)
	assert.Equal(t, "2", patterns[0].Answer)
	assert.Equal(t, "old", patterns[1].Problem)

	assert.Len(t, engine.GetPatterns(context.Background(), "calculus", 1), 1)
	assert.Empty(t, engine.GetPatterns(context.Background(), "", 5))
}

func TestGetCombinedContext_UninitializedIndexStillReturnsPatterns(t *testing.T) {
	store := seedStore(t,
		Entry{ID: "mem_1", ParsedQuestion: "derivative of x^2", Topic: "calculus", FinalAnswer: "2x",
			UserFeedback: FeedbackCorrect, Confidence: 0.95},
	)
	vector := &fakeRetriever{ready: false, docs: []string{"never"}}
	engine := NewEngine(store, vector, zaptest.NewLogger(t))

	semantic, patterns := engine.GetCombinedContext(context.Background(), "calculus: derivative of x^2", "calculus")
	assert.NotNil(t, semantic)
	assert.Empty(t, semantic)
	assert.Zero(t, vector.calls)
	require.Len(t, patterns, 2)
	assert.Equal(t, PatternTopic, patterns[0].Kind)
	assert.Equal(t, PatternSimilarProblem, patterns[1].Kind)
	assert.Equal(t, "2x", patterns[1].Solution)
}

func TestGetCombinedContext_UsesVectorIndex(t *testing.T) {
	vector := &fakeRetriever{ready: true, docs: []string{"chain rule", "power rule"}}
	engine := NewEngine(NewMemoryStore(), vector, zaptest.NewLogger(t), WithContextK(4))

	semantic, patterns := engine.GetCombinedContext(context.Background(), "derivative", "")
	assert.Equal(t, []string{"chain rule", "power rule"}, semantic)
	assert.Equal(t, 4, vector.lastK)
	assert.NotNil(t, patterns)
	assert.Empty(t, patterns)
}

func TestGetCombinedContext_DegradesOnFailures(t *testing.T) {
	vector := &fakeRetriever{ready: true, err: errors.New("qdrant unavailable")}
	engine := NewEngine(failingStore{NewMemoryStore()}, vector, zaptest.NewLogger(t))

	semantic, patterns := engine.GetCombinedContext(context.Background(), "integral of sin", "calculus")
	assert.Empty(t, semantic)
	assert.Empty(t, patterns)
}
