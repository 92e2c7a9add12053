package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Counts holds the statistics of the current generation.
type Counts struct {
	Requests             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker guards calls to one upstream collaborator (completion service,
// embeddings service, vector store).
type Breaker struct {
	name     string
	settings Settings
	logger   *zap.Logger
	onChange func(name string, from, to State)

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
	now        func() time.Time
}

// New creates a closed breaker.
func New(name string, settings Settings, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	settings = settings.withDefaults()
	b := &Breaker{
		name:     name,
		settings: settings,
		logger:   logger,
		state:    StateClosed,
		now:      time.Now,
	}
	b.expiry = b.closedExpiry(b.now())
	observe(b)
	return b
}

// Name returns the breaker name used in logs and metrics.
func (b *Breaker) Name() string { return b.name }

// Do runs fn when the breaker admits the call. Context cancellation of the
// caller is neither a success nor a failure.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	generation, err := b.admit()
	if err != nil {
		recordRejected(b.name)
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.settle(generation, outcomeFailure)
			panic(r)
		}
	}()

	err = fn(ctx)
	switch {
	case err == nil:
		b.settle(generation, outcomeSuccess)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		b.settle(generation, outcomeIgnored)
	default:
		b.settle(generation, outcomeFailure)
	}
	return err
}

// State returns the current state of the breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.current(b.now())
	return state
}

// Counts returns the counters of the current generation
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeIgnored
)

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, generation := b.current(b.now())
	switch {
	case state == StateOpen:
		return generation, ErrOpen
	case state == StateHalfOpen && b.counts.Requests >= b.settings.HalfOpenRequests:
		return generation, ErrTooManyRequests
	}
	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) settle(before uint64, o outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, generation := b.current(now)
	if generation != before {
		return
	}

	switch o {
	case outcomeSuccess:
		b.counts.ConsecutiveFailures = 0
		b.counts.ConsecutiveSuccesses++
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.settings.SuccessThreshold {
			b.transition(StateClosed, now)
		}
	case outcomeFailure:
		b.counts.ConsecutiveSuccesses = 0
		b.counts.ConsecutiveFailures++
		if state == StateHalfOpen || b.counts.ConsecutiveFailures >= b.settings.FailureThreshold {
			b.transition(StateOpen, now)
		}
	case outcomeIgnored:
		if b.counts.Requests > 0 {
			b.counts.Requests--
		}
	}
}

// current advances time-based transitions. Callers hold mu.
func (b *Breaker) current(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.resetGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.transition(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) transition(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.resetGeneration(now)

	stateChanged(b.name, from, to)
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
	b.logger.Info("Circuit breaker state changed",
		zap.String("name", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

func (b *Breaker) resetGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}
	switch b.state {
	case StateClosed:
		b.expiry = b.closedExpiry(now)
	case StateOpen:
		b.expiry = now.Add(b.settings.OpenTimeout)
	default:
		b.expiry = time.Time{}
	}
}

func (b *Breaker) closedExpiry(now time.Time) time.Time {
	if b.settings.Interval == 0 {
		return time.Time{}
	}
	return now.Add(b.settings.Interval)
}
