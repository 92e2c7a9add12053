package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func chatServer(t *testing.T, status int, content string, seen *chatRequest) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		if seen != nil {
			_ = json.Unmarshal(body, seen)
		}
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error": {"message": "boom", "type": "server_error"}}`))
			return
		}
		encoded, _ := json.Marshal(content)
		fmt.Fprintf(w, `{"id":"cmpl-1","object":"chat.completion","created":1,"model":"test-model",`+
			`"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":%s}}]}`, encoded)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:    url + "/v1/",
		APIKey:     "test-key",
		Model:      "test-model",
		MaxRetries: 0,
	}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func TestGenerateStructured(t *testing.T) {
	var seen chatRequest
	srv, _ := chatServer(t, http.StatusOK, "```json\n{\"topic\": \"algebra\", \"variables\": [\"x\"]}\n```", &seen)
	c := newTestClient(t, srv.URL)

	out, err := c.GenerateStructured(context.Background(), "Parse: 2x = 4", "You are a parser", nil)
	require.NoError(t, err)
	assert.Equal(t, "algebra", out["topic"])
	assert.Equal(t, []any{"x"}, out["variables"])

	assert.Equal(t, "test-model", seen.Model)
	require.Len(t, seen.Messages, 2)
	assert.Equal(t, "system", seen.Messages[0].Role)
	assert.Equal(t, "You are a parser", seen.Messages[0].Content)
	assert.Contains(t, seen.Messages[1].Content, "Parse: 2x = 4")
	assert.Contains(t, seen.Messages[1].Content, "VALID JSON only")
}

func TestGenerateStructuredFallback(t *testing.T) {
	fallback := map[string]any{"topic": "general"}

	t.Run("malformed output", func(t *testing.T) {
		srv, _ := chatServer(t, http.StatusOK, "not json at all", nil)
		c := newTestClient(t, srv.URL)

		out, err := c.GenerateStructured(context.Background(), "p", "", fallback)
		require.NoError(t, err)
		assert.Equal(t, fallback, out)

		_, err = c.GenerateStructured(context.Background(), "p", "", nil)
		assert.ErrorIs(t, err, ErrNoJSONObject)
	})

	t.Run("service error", func(t *testing.T) {
		srv, calls := chatServer(t, http.StatusInternalServerError, "", nil)
		c := newTestClient(t, srv.URL)

		out, err := c.GenerateStructured(context.Background(), "p", "", fallback)
		require.NoError(t, err)
		assert.Equal(t, fallback, out)
		assert.Equal(t, int32(1), calls.Load())

		_, err = c.GenerateStructured(context.Background(), "p", "", nil)
		assert.Error(t, err)
	})
}

func TestGenerateStructuredCancelled(t *testing.T) {
	srv, _ := chatServer(t, http.StatusOK, `{"a": 1}`, nil)
	c := newTestClient(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.GenerateStructured(ctx, "p", "", map[string]any{"a": 0})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGenerateText(t *testing.T) {
	srv, _ := chatServer(t, http.StatusOK, "  x = 2 \n", nil)
	c := newTestClient(t, srv.URL)

	text, err := c.GenerateText(context.Background(), "solve", "")
	require.NoError(t, err)
	assert.Equal(t, "x = 2", text)
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Config{}, nil, nil)
	assert.Error(t, err)
}
