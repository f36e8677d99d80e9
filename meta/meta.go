// Package meta carries request-scoped caller identity through a context.Context.
// Transport adapters populate it (client ip, user id, request id) and the rate
// limiter reads it back through Extract.
package meta

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/toolink/throttle/limiter"
)

// Well-known keys written by the HTTP and gRPC adapters.
const (
	KeyUserID    = "X-Meta-User-Id"
	KeyClientIP  = "X-Meta-Client-Ip"
	KeyRequestID = "X-Meta-Request-Id"
)

// metadataKey is the private key type used for context.WithValue.
type metadataKey struct{}

// Metadata holds the key-value pairs for one request.
type Metadata struct {
	mu   sync.RWMutex
	data map[string]any
}

// New creates a new, empty Metadata store.
func New() *Metadata {
	return &Metadata{
		data: make(map[string]any),
	}
}

// Set adds or updates a key-value pair.
func (m *Metadata) Set(key string, value any) {
	if m == nil {
		log.Error().Str("key", key).Msg("attempted to set metadata on nil *metadata instance")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		m.data = make(map[string]any)
	}
	m.data[key] = value
}

// Get returns the value stored under key and whether it was present.
func (m *Metadata) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.data[key]
	return value, ok
}

// String returns the value under key when it is a string, "" otherwise.
func (m *Metadata) String(key string) string {
	s, _ := typed[string](m, key)
	return s
}

// Len reports the number of stored keys.
func (m *Metadata) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// WithContext returns a context derived from ctx that carries m.
// A nil ctx is replaced by context.Background().
func (m *Metadata) WithContext(ctx context.Context) context.Context {
	if ctx == nil {
		log.Error().Msg("attempted to attach metadata to a nil context, using background context")
		ctx = context.Background()
	}
	if m == nil {
		log.Warn().Msg("attempted to call withcontext on nil *metadata, returning original context")
		return ctx
	}
	return context.WithValue(ctx, metadataKey{}, m)
}

// FromContext extracts the *Metadata from ctx. When ctx carries none it returns a
// new, empty instance that is not attached to anything.
func FromContext(ctx context.Context) *Metadata {
	if md, ok := lookup(ctx); ok {
		return md
	}
	return New()
}

// Ensure returns ctx and the metadata it carries, attaching a fresh instance first
// when there is none. Adapters call it once per request.
func Ensure(ctx context.Context) (context.Context, *Metadata) {
	if md, ok := lookup(ctx); ok {
		return ctx, md
	}
	md := New()
	return md.WithContext(ctx), md
}

func lookup(ctx context.Context) (*Metadata, bool) {
	if ctx == nil {
		return nil, false
	}
	value := ctx.Value(metadataKey{})
	if value == nil {
		return nil, false
	}
	md, ok := value.(*Metadata)
	if !ok {
		log.Error().Str("value_type", fmt.Sprintf("%T", value)).Msg("metadata key found in context but value has wrong type")
	}
	return md, ok
}

// Get retrieves the value under key from the metadata in ctx, asserted to T.
func Get[T any](ctx context.Context, key string) (T, error) {
	return typed[T](FromContext(ctx), key)
}

func typed[T any](m *Metadata, key string) (t T, err error) {
	rawValue, ok := m.Get(key)
	if !ok {
		err = fmt.Errorf("meta: key '%s' not found in context metadata", key)
		return
	}

	typedValue, ok := rawValue.(T)
	if !ok {
		err = fmt.Errorf("meta: value for key '%s' has type %T, but type %T was requested", key, rawValue, *new(T))
		return
	}
	return typedValue, nil
}

// MustGet is Get that panics on a missing key or type mismatch.
func MustGet[T any](ctx context.Context, key string) T {
	t, err := Get[T](ctx, key)
	if err != nil {
		panic(err)
	}
	return t
}

// WithUserID attaches an authenticated user id to ctx. Authentication middleware
// running before the rate limiter calls it.
func WithUserID(ctx context.Context, userID string) context.Context {
	ctx, md := Ensure(ctx)
	md.Set(KeyUserID, userID)
	return ctx
}

// WithClientIP attaches the resolved client address to ctx.
func WithClientIP(ctx context.Context, ip string) context.Context {
	ctx, md := Ensure(ctx)
	md.Set(KeyClientIP, ip)
	return ctx
}

// UserID returns the user id carried by ctx, or "".
func UserID(ctx context.Context) string { return FromContext(ctx).String(KeyUserID) }

// ClientIP returns the client address carried by ctx, or "".
func ClientIP(ctx context.Context) string { return FromContext(ctx).String(KeyClientIP) }

// RequestID returns the request id carried by ctx, or "".
func RequestID(ctx context.Context) string { return FromContext(ctx).String(KeyRequestID) }

// EnsureRequestID keeps an existing request id (for example one propagated by an
// upstream proxy) or generates a new uuid, and returns it.
func EnsureRequestID(ctx context.Context, incoming string) (context.Context, string) {
	ctx, md := Ensure(ctx)
	if id := md.String(KeyRequestID); id != "" {
		return ctx, id
	}
	id := incoming
	if id == "" {
		id = uuid.NewString()
	}
	md.Set(KeyRequestID, id)
	return ctx, id
}

// Extract resolves limiter identity values from ctx. It satisfies limiter.Extractor.
func Extract(ctx context.Context, dim limiter.Dimension) string {
	switch dim {
	case limiter.DimensionUser:
		return UserID(ctx)
	case limiter.DimensionIP:
		return ClientIP(ctx)
	default:
		return ""
	}
}

var _ limiter.Extractor = Extract
