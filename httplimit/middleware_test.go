package httplimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/throttle/limiter"
	"github.com/toolink/throttle/meta"
)

var testNow = time.Unix(1_700_000_000, 0)

type downStore struct{}

func (downStore) Apply(context.Context, string, int, int, time.Time) (limiter.ApplyResult, error) {
	return limiter.ApplyResult{}, errors.New("connection refused")
}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func newLimiter(t *testing.T, store limiter.Store, rules []limiter.Rule, opts ...limiter.Option) *limiter.RateLimiter {
	t.Helper()
	cfg := &limiter.Config{StorageType: limiter.StorageMemory, Rules: rules}
	require.NoError(t, cfg.ValidateAndPrepare())

	opts = append(cfg.Options(), append(opts, limiter.WithClock(func() time.Time { return testNow }))...)
	return limiter.New(store, opts...)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func do(h http.Handler, path, remote, forwarded string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.RemoteAddr = remote
	if forwarded != "" {
		req.Header.Set(HeaderForwarded, forwarded)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareHeadersAndDenial(t *testing.T) {
	rl := newLimiter(t, limiter.NewMemoryStore(), []limiter.Rule{{Path: "/api/login", Capacity: 2, WindowSeconds: 60}})
	h := Middleware(rl)(okHandler())

	rec := do(h, "/api/login", "203.0.113.45:5123", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get(HeaderLimit))
	assert.Equal(t, "1", rec.Header().Get(HeaderRemaining))
	assert.Equal(t, strconv.FormatInt(testNow.Unix()+60, 10), rec.Header().Get(HeaderReset))
	assert.Empty(t, rec.Header().Get(HeaderRetryAfter))

	rec = do(h, "/api/login", "203.0.113.45:5124", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get(HeaderRemaining))

	rec = do(h, "/api/login", "203.0.113.45:5125", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get(HeaderRetryAfter))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "Rate limit exceeded", body.Error)
	assert.Equal(t, int64(60), body.RetryAfter)
	assert.Contains(t, body.Message, "60 seconds")
}

func TestMiddlewareForwardedFor(t *testing.T) {
	rl := newLimiter(t, limiter.NewMemoryStore(), []limiter.Rule{{Path: "/api/login", Capacity: 1, WindowSeconds: 60}})
	h := Middleware(rl)(okHandler())

	proxy := "10.0.0.1:443"
	assert.Equal(t, http.StatusOK, do(h, "/api/login", proxy, "198.51.100.1, 10.0.0.1").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(h, "/api/login", proxy, "198.51.100.1").Code)
	// a different client behind the same proxy has its own bucket
	assert.Equal(t, http.StatusOK, do(h, "/api/login", proxy, "198.51.100.2").Code)
}

func TestMiddlewareIgnoresForwardedForWhenUntrusted(t *testing.T) {
	rl := newLimiter(t, limiter.NewMemoryStore(), []limiter.Rule{{Path: "/api/login", Capacity: 1, WindowSeconds: 60}})
	h := Middleware(rl, WithTrustForwardedFor(false))(okHandler())

	assert.Equal(t, http.StatusOK, do(h, "/api/login", "10.0.0.1:443", "198.51.100.1").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(h, "/api/login", "10.0.0.1:443", "198.51.100.2").Code)
}

func TestMiddlewareSkipAndUnmatched(t *testing.T) {
	rl := newLimiter(t, limiter.NewMemoryStore(), []limiter.Rule{{Path: "/.*", IsRegex: true, Capacity: 1, WindowSeconds: 60}})
	h := Middleware(rl, WithSkipPaths("/health"))(okHandler())

	for i := 0; i < 5; i++ {
		rec := do(h, "/health", "203.0.113.45:1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get(HeaderLimit))
	}

	h = Middleware(rl, WithSkipPaths("/health", "/docs"))(okHandler())
	for i := 0; i < 3; i++ {
		rec := do(h, "/docs/openapi.json", "203.0.113.46:1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get(HeaderLimit), "prefix of a skip path is exempt")
	}

	rl = newLimiter(t, limiter.NewMemoryStore(), []limiter.Rule{{Path: "/api/login", Capacity: 1, WindowSeconds: 60}})
	h = Middleware(rl)(okHandler())
	rec := do(h, "/docs", "203.0.113.45:1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(HeaderLimit))
}

func TestMiddlewareUserStrategy(t *testing.T) {
	rl := newLimiter(t, limiter.NewMemoryStore(), []limiter.Rule{{Path: "/api/upload", Capacity: 1, WindowSeconds: 60, Strategy: limiter.DimensionUser}})

	auth := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(meta.WithUserID(r.Context(), r.Header.Get("X-User"))))
		})
	}
	h := auth(Middleware(rl)(okHandler()))

	send := func(user string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/upload", nil)
		req.RemoteAddr = "203.0.113.45:1"
		req.Header.Set("X-User", user)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("alice"))
	assert.Equal(t, http.StatusTooManyRequests, send("alice"))
	assert.Equal(t, http.StatusOK, send("bob"))
}

func TestMiddlewareDegraded(t *testing.T) {
	rules := []limiter.Rule{{Path: "/api/login", Capacity: 3, WindowSeconds: 60}}

	open := Middleware(newLimiter(t, downStore{}, rules))(okHandler())
	for i := 0; i < 10; i++ {
		rec := do(open, "/api/login", "203.0.113.45:1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "3", rec.Header().Get(HeaderRemaining))
	}

	limited := 0
	closed := Middleware(newLimiter(t, downStore{}, rules, limiter.WithFailOpen(false)), WithOnLimited(func(_ *http.Request, dec limiter.Decision) {
		assert.True(t, dec.Degraded)
		limited++
	}))(okHandler())
	rec := do(closed, "/api/login", "203.0.113.45:1", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get(HeaderRetryAfter))
	assert.Equal(t, 1, limited)
}

func TestHandlerFixedLimit(t *testing.T) {
	rl := newLimiter(t, limiter.NewMemoryStore(), nil)
	h := Handler(rl, limiter.DimensionIP, 2, 10)(okHandler())

	assert.Equal(t, http.StatusOK, do(h, "/api/contact", "203.0.113.45:1", "").Code)
	assert.Equal(t, http.StatusOK, do(h, "/api/contact", "203.0.113.45:1", "").Code)
	rec := do(h, "/api/contact", "203.0.113.45:1", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "10", rec.Header().Get(HeaderRetryAfter))
}

func TestIdentifyRequestID(t *testing.T) {
	var seen string
	h := Handler(newLimiter(t, limiter.NewMemoryStore(), nil), limiter.DimensionIP, 10, 10)(
		http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			seen = meta.RequestID(r.Context())
		}))

	rec := do(h, "/", "203.0.113.45:1", "")
	_, err := uuid.Parse(seen)
	require.NoError(t, err)
	assert.Equal(t, seen, rec.Header().Get(HeaderRequestID))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "edge-7")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "edge-7", seen)
	assert.Equal(t, "edge-7", rec.Header().Get(HeaderRequestID))
}
