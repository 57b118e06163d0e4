package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullstream/genai-key-proxy/internal/breaker"
	"github.com/nullstream/genai-key-proxy/internal/credential"
	"github.com/nullstream/genai-key-proxy/internal/httpclient"
	"github.com/nullstream/genai-key-proxy/internal/keystore"
)

func newTestHandler(t *testing.T, upstream string, credentials []string, cfg Config) (*Handler, *credential.Manager) {
	t.Helper()

	store := keystore.NewMemoryStore()
	groups := []credential.GroupRouting{{Name: "default", Credentials: credentials, TargetURL: upstream}}
	require.NoError(t, store.InitializeKeys(context.Background(), map[string][]string{"default": credentials}))

	mgr, err := credential.New(store, groups, 3, time.Minute, nil)
	require.NoError(t, err)

	breakers := breaker.NewRegistry(breaker.DefaultConfig(), nil, nil)
	clients := httpclient.New(2*time.Second, 5*time.Second, nil)

	return New(cfg, mgr, breakers, clients, nil), mgr
}

func TestHandler_HappyPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t, upstream.URL, []string{"k1"}, Config{InternalRetries: 5})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestHandler_RateLimitThenSuccess(t *testing.T) {
	var calls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limited"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t, upstream.URL, []string{"k1", "k2"}, Config{InternalRetries: 5})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.GreaterOrEqual(t, calls, 2)
}

func TestHandler_ExhaustionPreserves429Verbatim(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t, upstream.URL, []string{"k1"}, Config{InternalRetries: 2})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	// No Retry-After hint -> RetryNextKey each time; after InternalRetries
	// iterations the last buffered 429 must be returned unchanged, not
	// collapsed into a 502 (collapse applies to 5xx only, per spec).
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"rate limited"}`, rec.Body.String())
}

func TestHandler_ServerErrorExhaustionCollapsesTo502(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unavailable"))
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t, upstream.URL, []string{"k1"}, Config{InternalRetries: 2})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandler_InvalidAPIKeyBlocksAndRetriesNextKey(t *testing.T) {
	var calls []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Header.Get("X-Goog-Api-Key"))
		if r.Header.Get("X-Goog-Api-Key") == "bad-key" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"API_KEY_INVALID"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	h, mgr := newTestHandler(t, upstream.URL, []string{"bad-key", "good-key"}, Config{InternalRetries: 5})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	states, err := mgr.GetAllStates(req.Context())
	require.NoError(t, err)
	var badState *keystore.KeyState
	for i := range states {
		if states[i].Credential == "bad-key" {
			badState = &states[i]
		}
	}
	require.NotNil(t, badState)
	assert.True(t, badState.Blocked)
}

func TestHandler_CircuitOpenReturns503(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t, upstream.URL, []string{"k1", "k2"}, Config{InternalRetries: 1})
	// DefaultConfig's FailureThreshold is 5; trip it across several requests.
	// The two credentials alternate, so k2 is still unblocked (2 of its 3
	// allowed failures) when the fifth failure opens the breaker.
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "circuit_open")
}

func TestHandler_NoHealthyKeysReturns503(t *testing.T) {
	h, mgr := newTestHandler(t, "http://example.invalid", []string{"k1"}, Config{InternalRetries: 1})
	require.NoError(t, mgr.RecordFailure(context.Background(), "k1", true))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandler_StreamingResponseIsCopiedWithoutBuffering(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, ok := w.(http.Flusher)
		_, _ = w.Write([]byte("data: chunk-1\n\n"))
		if ok {
			flusher.Flush()
		}
		_, _ = w.Write([]byte("data: chunk-2\n\n"))
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t, upstream.URL, []string{"k1"}, Config{InternalRetries: 2})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chunk-1")
	assert.Contains(t, rec.Body.String(), "chunk-2")
}

func TestHandler_NonSuccessStreamingShapedContentTypeIsBufferedAndFailsOver(t *testing.T) {
	var calls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("upstream unavailable"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	h, mgr := newTestHandler(t, upstream.URL, []string{"k1", "k2"}, Config{InternalRetries: 5})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code, "a 503 with a streaming-shaped Content-Type must not be streamed verbatim")
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	states, err := mgr.GetAllStates(context.Background())
	require.NoError(t, err)
	var k1 *keystore.KeyState
	for i := range states {
		if states[i].Credential == "k1" {
			k1 = &states[i]
		}
	}
	require.NotNil(t, k1)
	assert.Equal(t, int64(1), k1.TotalFailures, "the 503 must be recorded as a failure, not a success")
}
