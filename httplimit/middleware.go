// Package httplimit adapts limiter.RateLimiter to net/http.
package httplimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/toolink/throttle/limiter"
	"github.com/toolink/throttle/meta"
)

// Response headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
	HeaderRequestID  = "X-Request-ID"
	HeaderForwarded  = "X-Forwarded-For"
)

type options struct {
	skip           []string
	trustForwarded bool
	onLimited      func(r *http.Request, dec limiter.Decision)
}

// Option configures the middleware.
type Option func(*options)

// WithSkipPaths exempts request paths starting with any of the given prefixes
// (health checks, metrics, docs) from limiting.
func WithSkipPaths(prefixes ...string) Option {
	return func(o *options) {
		for _, p := range prefixes {
			if p != "" {
				o.skip = append(o.skip, p)
			}
		}
	}
}

// WithTrustForwardedFor controls whether X-Forwarded-For is honored. Default true;
// disable it when the service is reachable without a proxy in front.
func WithTrustForwardedFor(trust bool) Option {
	return func(o *options) {
		o.trustForwarded = trust
	}
}

// WithOnLimited registers a callback invoked for every rejected request.
func WithOnLimited(fn func(r *http.Request, dec limiter.Decision)) Option {
	return func(o *options) {
		o.onLimited = fn
	}
}

func (o *options) skipped(path string) bool {
	for _, p := range o.skip {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func newOptions(opts []Option) *options {
	o := &options{trustForwarded: true}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Middleware applies the rule table of rl to every request path. The caller identity
// comes from meta: the client ip is resolved here, the user id is expected from an
// authentication middleware that ran earlier (meta.WithUserID).
//
// Middleware installs meta.Extract as the extractor of rl.
func Middleware(rl *limiter.RateLimiter, opts ...Option) func(http.Handler) http.Handler {
	o := newOptions(opts)
	rl.SetExtractor(meta.Extract)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if o.skipped(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			r = Identify(w, r, o.trustForwarded)

			dec, matched, err := rl.Limit(r.Context(), r.URL.Path)
			if err != nil {
				log.Error().Err(err).Str("path", r.URL.Path).Msg("rate limit rule failed")
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "rate_limiter_error", Message: "internal rate limiter error"})
				return
			}
			if !matched {
				next.ServeHTTP(w, r)
				return
			}
			serve(w, r, next, dec, o)
		})
	}
}

// Handler limits a single route with a fixed limit, independent of any rule table.
func Handler(rl *limiter.RateLimiter, dim limiter.Dimension, capacity, windowSeconds int, opts ...Option) func(http.Handler) http.Handler {
	o := newOptions(opts)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r = Identify(w, r, o.trustForwarded)
			ctx := r.Context()

			id := limiter.Identity{UserID: meta.UserID(ctx), IP: meta.ClientIP(ctx)}
			dec, err := rl.Allow(ctx, dim, id, r.URL.Path, capacity, windowSeconds)
			if err != nil {
				log.Error().Err(err).Str("path", r.URL.Path).Msg("rate limit check failed")
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "rate_limiter_error", Message: "internal rate limiter error"})
				return
			}
			serve(w, r, next, dec, o)
		})
	}
}

// Identify attaches the client ip and a request id to the request context and echoes
// the request id in the response.
func Identify(w http.ResponseWriter, r *http.Request, trustForwarded bool) *http.Request {
	ctx := r.Context()

	forwarded := ""
	if trustForwarded {
		forwarded = r.Header.Get(HeaderForwarded)
	}
	if meta.ClientIP(ctx) == "" {
		ctx = meta.WithClientIP(ctx, limiter.ClientIP(forwarded, r.RemoteAddr))
	}

	ctx, reqID := meta.EnsureRequestID(ctx, r.Header.Get(HeaderRequestID))
	w.Header().Set(HeaderRequestID, reqID)

	return r.WithContext(ctx)
}

// WriteHeaders sets the X-RateLimit-* headers, plus Retry-After on denial.
func WriteHeaders(w http.ResponseWriter, dec limiter.Decision) {
	h := w.Header()
	h.Set(HeaderLimit, strconv.Itoa(dec.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(max(dec.Remaining, 0)))
	h.Set(HeaderReset, strconv.FormatInt(dec.ResetUnix(), 10))
	if !dec.Allowed {
		h.Set(HeaderRetryAfter, strconv.FormatInt(dec.RetryAfterSeconds(), 10))
	}
}

func serve(w http.ResponseWriter, r *http.Request, next http.Handler, dec limiter.Decision, o *options) {
	WriteHeaders(w, dec)
	if dec.Allowed {
		next.ServeHTTP(w, r)
		return
	}

	log.Warn().
		Str("path", r.URL.Path).
		Str("client_ip", meta.ClientIP(r.Context())).
		Str("request_id", meta.RequestID(r.Context())).
		Int("limit", dec.Limit).
		Bool("degraded", dec.Degraded).
		Msg("rate limit exceeded")

	if o.onLimited != nil {
		o.onLimited(r, dec)
	}

	retry := dec.RetryAfterSeconds()
	writeJSON(w, http.StatusTooManyRequests, errorBody{
		Error:      "Rate limit exceeded",
		Message:    fmt.Sprintf("Too many requests. Please try again in %d seconds.", retry),
		RetryAfter: retry,
	})
}

type errorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retry_after,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, body errorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("failed to write rate limit response")
	}
}
