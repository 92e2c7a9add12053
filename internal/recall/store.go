package recall

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store persists entries. Implementations must make a single Save, UpdateFeedback
// or Approve atomic with respect to other writes on the same entry. A limit <= 0 means unbounded.
type Store interface {
	// Save inserts or replaces an entry, generating ID and timestamps when missing.
	// CreatedAt of an existing entry is never changed.
	Save(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	Recent(ctx context.Context, limit int) ([]Entry, error)
	// ByTopic matches topic exactly, ignoring case, newest first.
	ByTopic(ctx context.Context, topic string, limit int) ([]Entry, error)
	// Correct lists entries whose feedback is correct, newest first.
	Correct(ctx context.Context, limit int) ([]Entry, error)
	// SearchText matches q as a case-insensitive substring of the parsed question, newest first.
	SearchText(ctx context.Context, q string, limit int) ([]Entry, error)
	// UpdateFeedback reports false when id does not exist.
	UpdateFeedback(ctx context.Context, id string, fb Feedback, comment *string) (bool, error)
	// Approve marks id correct in one write, keeping its feedback comment. A non-empty
	// question replaces the parsed question and clears the review flag. It reports
	// false when id does not exist.
	Approve(ctx context.Context, id, question string) (bool, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Save(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.entries[e.ID]; ok && e.ID != "" {
		e.CreatedAt = prev.CreatedAt
	}
	e.prepare(s.now())
	cp := cloneEntry(*e)
	s.entries[e.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := cloneEntry(*e)
	return &cp, nil
}

func (s *MemoryStore) Recent(_ context.Context, limit int) ([]Entry, error) {
	return s.scan(limit, func(*Entry) bool { return true }), nil
}

func (s *MemoryStore) ByTopic(_ context.Context, topic string, limit int) ([]Entry, error) {
	return s.scan(limit, func(e *Entry) bool { return strings.EqualFold(e.Topic, topic) }), nil
}

func (s *MemoryStore) Correct(_ context.Context, limit int) ([]Entry, error) {
	return s.scan(limit, func(e *Entry) bool { return e.UserFeedback == FeedbackCorrect }), nil
}

func (s *MemoryStore) SearchText(_ context.Context, q string, limit int) ([]Entry, error) {
	needle := strings.ToLower(q)
	return s.scan(limit, func(e *Entry) bool {
		return strings.Contains(strings.ToLower(e.ParsedQuestion), needle)
	}), nil
}

func (s *MemoryStore) UpdateFeedback(_ context.Context, id string, fb Feedback, comment *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false, nil
	}
	e.UserFeedback = fb
	if comment != nil {
		c := *comment
		e.FeedbackComment = &c
	} else {
		e.FeedbackComment = nil
	}
	e.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) Approve(_ context.Context, id, question string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false, nil
	}
	if question != "" {
		e.ParsedQuestion = question
		e.RequiresHumanReview = false
	}
	e.UserFeedback = FeedbackCorrect
	e.UpdatedAt = s.now()
	return true, nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) scan(limit int, keep func(*Entry) bool) []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if keep(e) {
			out = append(out, cloneEntry(*e))
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func cloneEntry(e Entry) Entry {
	cp := e
	if e.RetrievedContext != nil {
		cp.RetrievedContext = append(StringList(nil), e.RetrievedContext...)
	}
	if e.SolutionSteps != nil {
		cp.SolutionSteps = append(RawJSON(nil), e.SolutionSteps...)
	}
	if e.VerifierOutcome != nil {
		cp.VerifierOutcome = make(JSONMap, len(e.VerifierOutcome))
		for k, v := range e.VerifierOutcome {
			cp.VerifierOutcome[k] = v
		}
	}
	if e.FeedbackComment != nil {
		c := *e.FeedbackComment
		cp.FeedbackComment = &c
	}
	return cp
}
