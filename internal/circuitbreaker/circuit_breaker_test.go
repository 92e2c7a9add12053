package circuitbreaker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeClock lets tests move the breaker through timeouts without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(t *testing.T, s Settings) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(t.Name(), s, zaptest.NewLogger(t))
	b.now = clock.now
	b.expiry = b.closedExpiry(clock.now())
	return b, clock
}

var errUpstream = errors.New("upstream down")

func fail(context.Context) error    { return errUpstream }
func succeed(context.Context) error { return nil }

func TestBreakerStates(t *testing.T) {
	b, clock := newTestBreaker(t, Settings{
		HalfOpenRequests: 5,
		OpenTimeout:      100 * time.Millisecond,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	})
	ctx := context.Background()

	assert.Equal(t, StateClosed, b.State())
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Do(ctx, succeed))
	}
	assert.Equal(t, StateClosed, b.State())

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Do(ctx, fail), errUpstream)
	}
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Do(ctx, succeed), ErrOpen)

	clock.advance(150 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Do(ctx, succeed))
	require.NoError(t, b.Do(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(t, Settings{FailureThreshold: 1, OpenTimeout: time.Second})
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	require.Equal(t, StateOpen, b.State())
	clock.advance(2 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	_ = b.Do(ctx, fail)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenLimit(t *testing.T) {
	b, clock := newTestBreaker(t, Settings{FailureThreshold: 1, HalfOpenRequests: 1, SuccessThreshold: 2, OpenTimeout: time.Second})
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	clock.advance(2 * time.Second)

	require.NoError(t, b.Do(ctx, succeed))
	assert.ErrorIs(t, b.Do(ctx, succeed), ErrTooManyRequests)
}

func TestBreakerIgnoresCallerCancellation(t *testing.T) {
	b, _ := newTestBreaker(t, Settings{FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Do(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Counts().ConsecutiveFailures)
}

func TestBreakerIntervalResetsCounts(t *testing.T) {
	b, clock := newTestBreaker(t, Settings{FailureThreshold: 2, Interval: time.Minute})
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	clock.advance(2 * time.Minute)
	_ = b.Do(ctx, fail)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(1), b.Counts().ConsecutiveFailures)
}

func TestTransportCountsServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path == "/bad-request" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	b := New("http-test", Settings{FailureThreshold: 2}, zaptest.NewLogger(t))
	client := NewHTTPClient(srv.Client(), b)

	for i := 0; i < 3; i++ {
		resp, err := client.Get(srv.URL + "/bad-request")
		require.NoError(t, err)
		resp.Body.Close()
	}
	assert.Equal(t, StateClosed, b.State())

	for i := 0; i < 2; i++ {
		resp, err := client.Get(srv.URL + "/")
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		resp.Body.Close()
	}
	assert.Equal(t, StateOpen, b.State())

	before := calls.Load()
	_, err := client.Get(srv.URL + "/")
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, before, calls.Load())
}
