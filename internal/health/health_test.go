package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/circuitbreaker"
)

type readyFlag bool

func (r readyFlag) Ready() bool { return bool(r) }

func ok(context.Context) error { return nil }

func TestManagerAggregates(t *testing.T) {
	ctx := context.Background()

	t.Run("all healthy", func(t *testing.T) {
		m := NewManager(zaptest.NewLogger(t))
		require.NoError(t, m.RegisterChecker(NewPingChecker("database", true, ok)))
		require.NoError(t, m.RegisterChecker(NewReadyChecker("knowledge", readyFlag(true))))

		d := m.GetDetailedHealth(ctx)
		assert.Equal(t, StatusHealthy, d.Overall.Status)
		assert.True(t, d.Overall.Ready)
		assert.Equal(t, 2, d.Summary.Healthy)
		assert.Equal(t, 1, d.Summary.Critical)
		assert.Len(t, m.GetLastResults(), 2)
	})

	t.Run("non critical failure degrades", func(t *testing.T) {
		m := NewManager(zaptest.NewLogger(t))
		require.NoError(t, m.RegisterChecker(NewPingChecker("database", true, ok)))
		require.NoError(t, m.RegisterChecker(NewPingChecker("redis", false, func(context.Context) error {
			return errors.New("connection refused")
		})))
		require.NoError(t, m.RegisterChecker(NewReadyChecker("knowledge", readyFlag(false))))

		d := m.GetDetailedHealth(ctx)
		assert.Equal(t, StatusDegraded, d.Overall.Status)
		assert.True(t, d.Overall.Ready)
		assert.Equal(t, "connection refused", d.Components["redis"].Error)
		assert.Equal(t, StatusDegraded, d.Components["knowledge"].Status)
	})

	t.Run("critical failure is not ready", func(t *testing.T) {
		m := NewManager(zaptest.NewLogger(t))
		require.NoError(t, m.RegisterChecker(NewPingChecker("database", true, func(context.Context) error {
			return errors.New("disk I/O error")
		})))
		assert.False(t, m.IsReady(ctx))
		assert.True(t, m.GetOverallHealth(ctx).Live)
	})

	t.Run("timeout applies", func(t *testing.T) {
		m := NewManager(zaptest.NewLogger(t))
		c := NewPingChecker("slow", true, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
		c.timeout = 20 * time.Millisecond
		require.NoError(t, m.RegisterChecker(c))
		assert.Equal(t, StatusUnhealthy, m.GetDetailedHealth(ctx).Components["slow"].Status)
	})

	t.Run("duplicate and empty names", func(t *testing.T) {
		m := NewManager(nil)
		require.NoError(t, m.RegisterChecker(NewPingChecker("database", true, ok)))
		assert.Error(t, m.RegisterChecker(NewPingChecker("database", true, ok)))
		assert.Error(t, m.RegisterChecker(NewPingChecker("", true, ok)))
	})
}

func TestBreakerChecker(t *testing.T) {
	s := circuitbreaker.DefaultSettings()
	s.FailureThreshold = 1
	b := circuitbreaker.New("completion", s, zaptest.NewLogger(t))
	c := NewBreakerChecker(b, false)
	assert.Equal(t, "breaker_completion", c.Name())
	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)

	_ = b.Do(context.Background(), func(context.Context) error { return errors.New("boom") })
	r := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, r.Status)
	assert.Equal(t, "open", r.Details["state"])
}

func TestHTTPHandler(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	down := false
	require.NoError(t, m.RegisterChecker(NewPingChecker("database", true, func(context.Context) error {
		if down {
			return errors.New("down")
		}
		return nil
	})))
	mux := http.NewServeMux()
	NewHTTPHandler(m, zaptest.NewLogger(t)).RegisterRoutes(mux)

	get := func(path string) (*httptest.ResponseRecorder, map[string]any) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return rec, body
	}

	rec, body := get("/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])

	rec, _ = get("/health/detailed")
	assert.Equal(t, http.StatusOK, rec.Code)

	down = true
	rec, body = get("/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, false, body["ready"])

	rec, _ = get("/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec, body = get("/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["live"])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
