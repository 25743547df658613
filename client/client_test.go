package client

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

	"github.com/timersync/server/internal/models"
)

func TestClient_Headers(t *testing.T) {
	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		json.NewEncoder(w).Encode(models.TimerSnapshot{ID: "t1"})
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, APIKey: "secret", UserID: "user-1", TabID: "tab-a"})

	snap, err := c.Start(context.Background(), models.StartTimerRequest{Description: "work"}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "t1", snap.ID)

	assert.Equal(t, "secret", got.Get("X-API-Key"))
	assert.Equal(t, "user-1", got.Get("X-User-Id"))
	assert.Equal(t, "tab-a", got.Get("X-Tab-Id"))
	assert.Equal(t, "key-1", got.Get("X-Idempotency-Key"))
}

func TestClient_ErrorClassification(t *testing.T) {
	t.Run("4xx is a non-retryable api error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(models.ErrorResponse{Error: "timer already running", Code: "conflict"})
		}))
		defer server.Close()

		c := New(Config{BaseURL: server.URL})
		_, err := c.Start(context.Background(), models.StartTimerRequest{}, "")

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
		assert.Equal(t, "conflict", apiErr.Code)
		assert.True(t, IsConflict(err))
		assert.False(t, IsRetryable(err))
	})

	t.Run("404 maps to not found", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(models.ErrorResponse{Error: "no active timer", Code: "not_found"})
		}))
		defer server.Close()

		c := New(Config{BaseURL: server.URL})
		_, err := c.Current(context.Background())
		assert.True(t, IsNotFound(err))
	})

	t.Run("5xx is a retryable network error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		c := New(Config{BaseURL: server.URL})
		_, err := c.Stop(context.Background(), "")

		var netErr *NetworkError
		require.ErrorAs(t, err, &netErr)
		assert.True(t, IsRetryable(err))
	})

	t.Run("transport failure is retryable", func(t *testing.T) {
		c := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
		_, err := c.Current(context.Background())
		assert.True(t, IsRetryable(err))
	})
}

func TestClient_Do(t *testing.T) {
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody = make([]byte, r.ContentLength)
		r.Body.Read(gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})

	err := c.Do(context.Background(), http.MethodPost, "/api/timer/sync",
		json.RawMessage(`{"duration":65}`), "replay-key")
	require.NoError(t, err)
	assert.JSONEq(t, `{"duration":65}`, string(gotBody))
}

func TestErrorUnwrapping(t *testing.T) {
	cause := errors.New("connection reset")
	err := &NetworkError{Err: cause}
	assert.ErrorIs(t, err, cause)
}
