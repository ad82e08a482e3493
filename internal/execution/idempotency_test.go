package execution

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optiqlabs/tradecore/internal/types"
)

func TestIdempotencyKeyShape(t *testing.T) {
	ts := time.Unix(1700000000, 42)
	check := types.RiskCheck{
		UserID: "u1",
		Signal: types.Signal{Market: "R_50", Timestamp: ts},
	}
	assert.Equal(t, fmt.Sprintf("u1:R_50:%d", ts.UnixNano()), IdempotencyKey(check))
}

func TestLocalKeyStoreClaimOnce(t *testing.T) {
	s := newLocalKeyStore()

	ok, err := s.Claim(context.Background(), "k1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Claim(context.Background(), "k1", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "second claim on a live key fails")
}

func TestLocalKeyStoreTTLExpiry(t *testing.T) {
	s := newLocalKeyStore()
	now := time.Now()
	s.now = func() time.Time { return now }

	ok, _ := s.Claim(context.Background(), "k1", time.Minute)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = s.Claim(context.Background(), "k1", time.Minute)
	assert.True(t, ok, "expired keys can be claimed again")
}

func TestLocalKeyStoreEvictionBound(t *testing.T) {
	s := newLocalKeyStore()
	for i := 0; i < fallbackMaxEntries+100; i++ {
		ok, _ := s.Claim(context.Background(), fmt.Sprintf("k%d", i), time.Hour)
		require.True(t, ok)
	}
	assert.LessOrEqual(t, len(s.entries), fallbackMaxEntries)

	// The oldest keys were evicted and are claimable again.
	ok, _ := s.Claim(context.Background(), "k0", time.Hour)
	assert.True(t, ok)
}

func TestRedisKeyStoreSetNX(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisKeyStore(client)

	ok, err := s.Claim(context.Background(), "k1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Claim(context.Background(), "k1", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	// TTL expiry frees the key.
	mr.FastForward(2 * time.Hour)
	ok, err = s.Claim(context.Background(), "k1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGateDegradesToFallbackOnRedisOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	gate := NewGate(NewRedisKeyStore(client), time.Hour)

	require.True(t, gate.Claim(context.Background(), "k1"))

	// Take Redis down; the gate keeps deduplicating in-process.
	mr.Close()
	assert.True(t, gate.Claim(context.Background(), "k2"))
	assert.False(t, gate.Claim(context.Background(), "k2"), "fallback still deduplicates")
}

func TestGateWithoutPrimaryUsesFallback(t *testing.T) {
	gate := NewGate(nil, time.Hour)
	assert.True(t, gate.Claim(context.Background(), "k1"))
	assert.False(t, gate.Claim(context.Background(), "k1"))
}
