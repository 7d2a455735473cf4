package embedding_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcbickfo/embedpipe/embedding"
)

func newServer(t *testing.T, h http.HandlerFunc) *embedding.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return embedding.New(embedding.Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "m", Timeout: time.Second})
}

func TestEmbed_OrdersByIndex(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"a", "b"}, req.Input)
		assert.Equal(t, "m", req.Model)

		_, _ = w.Write([]byte(`{"data":[
			{"index":1,"embedding":[0,1]},
			{"index":0,"embedding":[1,0]}
		],"usage":{"total_tokens":2}}`))
	})

	vecs, err := client.Embed(t.Context(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vecs)
}

func TestEmbed_ErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		retryAfter string
		permanent  bool
		wantMsg    string
		wantRetry  time.Duration
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, "7", false, "slow down", 7 * time.Second},
		{"server error", http.StatusBadGateway, `upstream broke`, "", false, "upstream broke", 0},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"input too long"}}`, "", true, "input too long", 0},
		{"unauthorized", http.StatusUnauthorized, `{}`, "", true, "{}", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := client.Embed(t.Context(), []string{"x"})
			var apiErr *embedding.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
			assert.Equal(t, tt.wantRetry, apiErr.RetryAfter)
			assert.Equal(t, tt.permanent, embedding.IsPermanent(err))
		})
	}
}

func TestEmbed_NoInternalRetry(t *testing.T) {
	var calls atomic.Int32
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := client.Embed(t.Context(), []string{"x"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEmbed_ResponseValidation(t *testing.T) {
	tests := map[string]string{
		"count mismatch":  `{"data":[{"index":0,"embedding":[1]}]}`,
		"index range":     `{"data":[{"index":0,"embedding":[1]},{"index":5,"embedding":[1]}]}`,
		"duplicate index": `{"data":[{"index":0,"embedding":[1]},{"index":0,"embedding":[1]}]}`,
		"malformed":       `{"data":`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			})
			_, err := client.Embed(t.Context(), []string{"a", "b"})
			assert.Error(t, err)
			assert.False(t, embedding.IsPermanent(err))
		})
	}
}

func TestEmbed_Limits(t *testing.T) {
	client := embedding.New(embedding.Config{BaseURL: "http://127.0.0.1:0", MaxBatch: 2})

	_, err := client.Embed(t.Context(), nil)
	assert.ErrorIs(t, err, embedding.ErrNoInput)

	_, err = client.Embed(t.Context(), []string{"a", "b", "c"})
	assert.True(t, embedding.IsPermanent(err))
}

func TestEmbed_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(block) })

	client := embedding.New(embedding.Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	_, err := client.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.False(t, embedding.IsPermanent(err))
}
