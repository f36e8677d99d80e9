package meta

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/throttle/limiter"
)

func TestFromContextWithoutMetadata(t *testing.T) {
	md := FromContext(context.Background())
	require.NotNil(t, md)
	assert.Zero(t, md.Len())
	assert.Equal(t, "", UserID(context.Background()))
}

func TestSetAndGet(t *testing.T) {
	md := New()
	ctx := md.WithContext(context.Background())
	md.Set("attempts", 3)

	n, err := Get[int](ctx, "attempts")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = Get[string](ctx, "attempts")
	assert.Error(t, err)

	_, err = Get[int](ctx, "missing")
	assert.Error(t, err)

	assert.Panics(t, func() { MustGet[string](ctx, "missing") })

	md.Set("name", "alice")
	assert.Equal(t, "alice", md.String("name"))
	assert.Equal(t, "", md.String("attempts"), "non-string values read as empty")
}

func TestNilMetadata(t *testing.T) {
	var md *Metadata
	md.Set("k", "v")
	_, ok := md.Get("k")
	assert.False(t, ok)

	ctx := context.Background()
	assert.Equal(t, ctx, md.WithContext(ctx))
}

func TestEnsureReusesAttachedMetadata(t *testing.T) {
	ctx, first := Ensure(context.Background())
	ctx2, second := Ensure(ctx)

	assert.Same(t, first, second)
	assert.Equal(t, ctx, ctx2)
}

func TestIdentityHelpers(t *testing.T) {
	ctx := WithClientIP(context.Background(), "203.0.113.45")
	ctx = WithUserID(ctx, "user-42")

	assert.Equal(t, "203.0.113.45", ClientIP(ctx))
	assert.Equal(t, "user-42", UserID(ctx))
	assert.Equal(t, 2, FromContext(ctx).Len())
}

func TestEnsureRequestID(t *testing.T) {
	ctx, id := EnsureRequestID(context.Background(), "")
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, id, RequestID(ctx))

	// first id wins
	_, again := EnsureRequestID(ctx, "upstream-id")
	assert.Equal(t, id, again)

	_, propagated := EnsureRequestID(context.Background(), "upstream-id")
	assert.Equal(t, "upstream-id", propagated)
}

func TestExtract(t *testing.T) {
	ctx := WithClientIP(context.Background(), "198.51.100.7")

	assert.Equal(t, "198.51.100.7", Extract(ctx, limiter.DimensionIP))
	assert.Equal(t, "", Extract(ctx, limiter.DimensionUser))
	assert.Equal(t, "", Extract(ctx, limiter.DimensionCombined))
}

func TestExtractDrivesRuleLimit(t *testing.T) {
	cfg := &limiter.Config{
		StorageType: limiter.StorageMemory,
		Rules:       []limiter.Rule{{Path: "/api/login", Capacity: 1, WindowSeconds: 60, Strategy: limiter.DimensionUser}},
	}
	rl, _, err := limiter.NewFromConfig(cfg, limiter.WithExtractor(Extract))
	require.NoError(t, err)

	alice := WithUserID(WithClientIP(context.Background(), "10.0.0.1"), "alice")
	bob := WithUserID(WithClientIP(context.Background(), "10.0.0.1"), "bob")

	dec, matched, err := rl.Limit(alice, "/api/login")
	require.NoError(t, err)
	assert.True(t, matched)
	assert.True(t, dec.Allowed)

	dec, _, _ = rl.Limit(alice, "/api/login")
	assert.False(t, dec.Allowed)

	// same ip, different user: separate bucket
	dec, _, _ = rl.Limit(bob, "/api/login")
	assert.True(t, dec.Allowed)
}
