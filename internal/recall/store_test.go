package recall

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEntryIDFormat(t *testing.T) {
	id := NewEntryID()
	require.True(t, strings.HasPrefix(id, "mem_"))
	assert.Len(t, id, len("mem_")+12)
	assert.NotEqual(t, id, NewEntryID())
}

func TestMemoryStoreSaveAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	e := &Entry{OriginalInput: "solve 2x = 4", ParsedQuestion: "2x = 4", Topic: "algebra", FinalAnswer: "x = 2"}
	require.NoError(t, s.Save(ctx, e))
	require.NotEmpty(t, e.ID)
	assert.Equal(t, InputText, e.InputType)
	assert.False(t, e.CreatedAt.IsZero())

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "x = 2", got.FinalAnswer)

	// Upsert keeps createdAt
	created := got.CreatedAt
	got.FinalAnswer = "x=2"
	got.CreatedAt = time.Time{}
	require.NoError(t, s.Save(ctx, got))
	again, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, created, again.CreatedAt)
	assert.Equal(t, "x=2", again.FinalAnswer)
	assert.Equal(t, 1, s.Len())

	_, err = s.Get(ctx, "mem_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreLookups(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seed := []Entry{
		{ID: "mem_a", ParsedQuestion: "Solve 2x = 4", Topic: "Algebra", CreatedAt: base, UserFeedback: FeedbackCorrect},
		{ID: "mem_b", ParsedQuestion: "Area of a circle", Topic: "geometry", CreatedAt: base.Add(time.Minute)},
		{ID: "mem_c", ParsedQuestion: "solve x^2 = 9", Topic: "algebra", CreatedAt: base.Add(2 * time.Minute)},
	}
	for i := range seed {
		require.NoError(t, s.Save(ctx, &seed[i]))
	}

	recent, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"mem_c", "mem_b"}, ids(recent))

	byTopic, err := s.ByTopic(ctx, "ALGEBRA", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"mem_c", "mem_a"}, ids(byTopic))

	correct, err := s.Correct(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"mem_a"}, ids(correct))

	found, err := s.SearchText(ctx, "SOLVE", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"mem_c", "mem_a"}, ids(found))
}

func TestMemoryStoreUpdateFeedbackIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	e := &Entry{ParsedQuestion: "1+1", Topic: "arithmetic"}
	require.NoError(t, s.Save(ctx, e))

	ok, err := s.UpdateFeedback(ctx, e.ID, FeedbackCorrect, nil)
	require.NoError(t, err)
	require.True(t, ok)
	first, _ := s.Get(ctx, e.ID)

	time.Sleep(2 * time.Millisecond)
	ok, err = s.UpdateFeedback(ctx, e.ID, FeedbackCorrect, nil)
	require.NoError(t, err)
	require.True(t, ok)
	second, _ := s.Get(ctx, e.ID)

	assert.Equal(t, FeedbackCorrect, second.UserFeedback)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, 1, s.Len())

	ok, err = s.UpdateFeedback(ctx, "mem_nope", FeedbackCorrect, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestMemoryStoreApprove(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	comment := "units missing"
	e := &Entry{ParsedQuestion: "area of a 2 by 3 rectangle", RequiresHumanReview: true, FeedbackComment: &comment}
	require.NoError(t, s.Save(ctx, e))

	ok, err := s.Approve(ctx, e.ID, "area of a 2 cm by 3 cm rectangle")
	require.NoError(t, err)
	require.True(t, ok)
	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, FeedbackCorrect, got.UserFeedback)
	assert.Equal(t, "area of a 2 cm by 3 cm rectangle", got.ParsedQuestion)
	assert.False(t, got.RequiresHumanReview)
	require.NotNil(t, got.FeedbackComment)
	assert.Equal(t, "units missing", *got.FeedbackComment)

	ok, err = s.Approve(ctx, "mem_nope", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRawJSONStrings(t *testing.T) {
	raw := RawJSON(`["isolate x", {"stage_name": "solver", "output_summary": "Answer: 2"}, 42]`)
	assert.Equal(t, []string{"isolate x", "solver: Answer: 2", "42"}, raw.Strings())

	assert.Nil(t, RawJSON(nil).Strings())
	assert.Nil(t, RawJSON(`{"not": "a list"}`).Strings())
}
