package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-sync/internal/resilience"
)

func newTestTransport() *HTTPTransport {
	t := NewHTTPTransport(Options{MaxRetries: 3, Timeout: 5 * time.Second})
	t.backoffBase = time.Millisecond
	return t
}

func TestFetch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tariff-sync/1.0", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html>notice</html>"))
	}))
	defer srv.Close()

	body, contentType, err := newTestTransport().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "<html>notice</html>", string(body))
	assert.Contains(t, contentType, "text/html")
}

func TestFetch_RetriesServerErrorThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	body, _, err := newTestTransport().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetch_NotFoundIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, _, err := newTestTransport().Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
	assert.Equal(t, int32(1), calls.Load(), "terminal status must not retry")
}

func TestFetch_ExhaustedRetriesAreTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, _, err := newTestTransport().Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestHash(t *testing.T) {
	a := Hash([]byte("notice body"))
	b := Hash([]byte("notice body"))
	c := Hash([]byte("different body"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
