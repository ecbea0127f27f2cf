package openaicompat_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/inferpool"
	"github.com/ineyio/inferpool/inference/openaicompat"
)

const testKey = "sk-test-0123456789abcdef"

func newServer(t *testing.T, chat http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set(openaicompat.CapacityHeader, "120")
		_, _ = w.Write([]byte(`{"data":[{"id":"llama-3"},{"id":"qwen-2"}]}`))
	})
	if chat != nil {
		mux.HandleFunc("/v1/chat/completions", chat)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func streamChunks(chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req["stream"] != true {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
	}
}

func TestProbe(t *testing.T) {
	srv := newServer(t, nil)
	c := openaicompat.New(srv.URL + "/v1/")

	res, err := c.Probe(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(120), res.CapacityUnits)
	assert.Equal(t, []string{"llama-3", "qwen-2"}, res.Models)

	_, err = c.Probe(context.Background(), "sk-wrong-0123456789abcdef")
	assert.ErrorIs(t, err, openaicompat.ErrAuthFailed)
}

func TestInfer_Stream(t *testing.T) {
	srv := newServer(t, streamChunks(
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"total_tokens":42}}`,
		`[DONE]`,
	))
	c := openaicompat.New(srv.URL + "/v1")

	res, err := c.Infer(context.Background(), inferpool.Call{
		Credential: testKey,
		Model:      "llama-3",
		Messages:   []inferpool.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", res.Content)
	assert.Equal(t, int64(42), res.TotalTokens)
}

func TestInfer_BrokenStreamIsPartial(t *testing.T) {
	srv := newServer(t, streamChunks(
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
	))
	c := openaicompat.New(srv.URL + "/v1")

	_, err := c.Infer(context.Background(), inferpool.Call{
		Credential: testKey,
		Messages:   []inferpool.Message{{Role: "user", Content: "hi"}},
	})
	assert.ErrorIs(t, err, inferpool.ErrPartialResponse)
}

func TestInfer_EmptyBrokenStreamIsNotPartial(t *testing.T) {
	srv := newServer(t, streamChunks())
	c := openaicompat.New(srv.URL + "/v1")

	_, err := c.Infer(context.Background(), inferpool.Call{
		Credential: testKey,
		Messages:   []inferpool.Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, inferpool.ErrPartialResponse)
}

func TestInfer_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, openaicompat.ErrRateLimited},
		{http.StatusForbidden, openaicompat.ErrAuthFailed},
		{http.StatusBadRequest, openaicompat.ErrBadRequest},
		{http.StatusBadGateway, openaicompat.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			})
			c := openaicompat.New(srv.URL + "/v1")
			_, err := c.Infer(context.Background(), inferpool.Call{
				Credential: testKey,
				Messages:   []inferpool.Message{{Role: "user", Content: "hi"}},
			})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
