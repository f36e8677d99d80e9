// Package grpclimit adapts limiter.RateLimiter to gRPC server interceptors.
//
// The resource of every check is the full method name ("/pkg.Service/Method"),
// so the rule table of the limiter can match methods exactly or by regex.
// Rejected calls fail with codes.ResourceExhausted and carry a retry-after
// header in the response metadata.
package grpclimit

import (
	"context"
	"strconv"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/toolink/throttle/limiter"
	"github.com/toolink/throttle/meta"
)

// Metadata keys read from requests and written to responses.
const (
	MDForwardedFor = "x-forwarded-for"
	MDRequestID    = "x-request-id"
	MDLimit        = "x-ratelimit-limit"
	MDRemaining    = "x-ratelimit-remaining"
	MDReset        = "x-ratelimit-reset"
	MDRetryAfter   = "retry-after"
)

type fixedLimit struct {
	dim      limiter.Dimension
	capacity int
	window   int
}

type options struct {
	skip           map[string]struct{}
	fixed          *fixedLimit
	userKey        string
	trustForwarded bool
}

// Option configures the interceptors.
type Option func(*options)

// WithSkipMethods exempts full method names from limiting.
func WithSkipMethods(methods ...string) Option {
	return func(o *options) {
		for _, m := range methods {
			o.skip[m] = struct{}{}
		}
	}
}

// WithFixedLimit applies one limit to every method instead of the rule table.
func WithFixedLimit(dim limiter.Dimension, capacity, windowSeconds int) Option {
	return func(o *options) {
		o.fixed = &fixedLimit{dim: dim, capacity: capacity, window: windowSeconds}
	}
}

// WithUserIDMetadata reads the user id from the given incoming metadata key when no
// earlier interceptor has set one. Only use it behind a gateway that authenticates
// callers and strips the key from untrusted traffic.
func WithUserIDMetadata(key string) Option {
	return func(o *options) {
		o.userKey = key
	}
}

// WithTrustForwardedFor controls whether x-forwarded-for metadata is honored. Default true.
func WithTrustForwardedFor(trust bool) Option {
	return func(o *options) {
		o.trustForwarded = trust
	}
}

type interceptor struct {
	rl *limiter.RateLimiter
	o  *options
}

func newInterceptor(rl *limiter.RateLimiter, opts []Option) *interceptor {
	o := &options{skip: make(map[string]struct{}), trustForwarded: true}
	for _, opt := range opts {
		opt(o)
	}
	if o.fixed == nil {
		rl.SetExtractor(meta.Extract)
	}
	return &interceptor{rl: rl, o: o}
}

// UnaryServerInterceptor limits unary calls.
func UnaryServerInterceptor(rl *limiter.RateLimiter, opts ...Option) grpc.UnaryServerInterceptor {
	ic := newInterceptor(rl, opts)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := ic.o.skip[info.FullMethod]; ok {
			return handler(ctx, req)
		}
		ctx = ic.identify(ctx)
		dec, matched, err := ic.check(ctx, info.FullMethod)
		if err != nil {
			return nil, status.Error(codes.Internal, "internal rate limiter error")
		}
		if matched {
			if errH := grpc.SetHeader(ctx, headerMD(dec)); errH != nil {
				log.Debug().Err(errH).Str("method", info.FullMethod).Msg("failed to set rate limit headers")
			}
			if !dec.Allowed {
				return nil, ic.reject(ctx, info.FullMethod, dec)
			}
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor limits stream creation; messages within an admitted
// stream are not counted.
func StreamServerInterceptor(rl *limiter.RateLimiter, opts ...Option) grpc.StreamServerInterceptor {
	ic := newInterceptor(rl, opts)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if _, ok := ic.o.skip[info.FullMethod]; ok {
			return handler(srv, ss)
		}
		ctx := ic.identify(ss.Context())
		dec, matched, err := ic.check(ctx, info.FullMethod)
		if err != nil {
			return status.Error(codes.Internal, "internal rate limiter error")
		}
		if matched {
			if errH := ss.SetHeader(headerMD(dec)); errH != nil {
				log.Debug().Err(errH).Str("method", info.FullMethod).Msg("failed to set rate limit headers")
			}
			if !dec.Allowed {
				return ic.reject(ctx, info.FullMethod, dec)
			}
		}
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
	}
}

func (ic *interceptor) check(ctx context.Context, method string) (limiter.Decision, bool, error) {
	if f := ic.o.fixed; f != nil {
		id := limiter.Identity{UserID: meta.UserID(ctx), IP: meta.ClientIP(ctx)}
		dec, err := ic.rl.Allow(ctx, f.dim, id, method, f.capacity, f.window)
		if err != nil {
			log.Error().Err(err).Str("method", method).Msg("rate limit check failed")
		}
		return dec, err == nil, err
	}
	dec, matched, err := ic.rl.Limit(ctx, method)
	if err != nil {
		log.Error().Err(err).Str("method", method).Msg("rate limit rule failed")
	}
	return dec, matched, err
}

// identify attaches client ip, user id and request id from the peer and incoming metadata.
func (ic *interceptor) identify(ctx context.Context) context.Context {
	md, _ := metadata.FromIncomingContext(ctx)

	if meta.ClientIP(ctx) == "" {
		forwarded := ""
		if ic.o.trustForwarded {
			forwarded = first(md, MDForwardedFor)
		}
		remote := ""
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			remote = p.Addr.String()
		}
		ctx = meta.WithClientIP(ctx, limiter.ClientIP(forwarded, remote))
	}

	if ic.o.userKey != "" && meta.UserID(ctx) == "" {
		if user := first(md, ic.o.userKey); user != "" {
			ctx = meta.WithUserID(ctx, user)
		}
	}

	ctx, _ = meta.EnsureRequestID(ctx, first(md, MDRequestID))
	return ctx
}

func (ic *interceptor) reject(ctx context.Context, method string, dec limiter.Decision) error {
	log.Warn().
		Str("method", method).
		Str("client_ip", meta.ClientIP(ctx)).
		Str("request_id", meta.RequestID(ctx)).
		Int("limit", dec.Limit).
		Bool("degraded", dec.Degraded).
		Msg("rate limit exceeded")
	return status.Errorf(codes.ResourceExhausted, "rate limit exceeded, retry in %d seconds", dec.RetryAfterSeconds())
}

func headerMD(dec limiter.Decision) metadata.MD {
	md := metadata.Pairs(
		MDLimit, strconv.Itoa(dec.Limit),
		MDRemaining, strconv.Itoa(max(dec.Remaining, 0)),
		MDReset, strconv.FormatInt(dec.ResetUnix(), 10),
	)
	if !dec.Allowed {
		md.Set(MDRetryAfter, strconv.FormatInt(dec.RetryAfterSeconds(), 10))
	}
	return md
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// wrappedStream overrides Context so handlers see the identity metadata.
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context {
	return w.ctx
}
