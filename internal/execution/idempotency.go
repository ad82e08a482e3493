package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/optiqlabs/tradecore/internal/config"
	"github.com/optiqlabs/tradecore/internal/types"
)

// fallbackMaxEntries bounds the in-process map so an extended Redis outage
// cannot grow it without limit.
const fallbackMaxEntries = 1000

// redisOpTimeout is the latency budget for one KV operation.
const redisOpTimeout = time.Second

// IdempotencyKey builds the dedup key for one approved check.
func IdempotencyKey(check types.RiskCheck) string {
	return fmt.Sprintf("%s:%s:%d", check.UserID, check.Signal.Market, check.Signal.Timestamp.UnixNano())
}

// KeyStore claims idempotency keys atomically. Claim returns true when the
// key was newly set, false when it already existed.
type KeyStore interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisKeyStore claims keys with SET NX EX.
type RedisKeyStore struct {
	client *redis.Client
	prefix string
}

// NewRedisKeyStore builds a key store on the given client.
func NewRedisKeyStore(client *redis.Client) *RedisKeyStore {
	return &RedisKeyStore{client: client, prefix: "tradecore:idem:"}
}

// Claim sets the key if absent, within the one second budget.
func (s *RedisKeyStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	ok, err := s.client.SetNX(opCtx, s.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	return ok, nil
}

// localKeyStore is the in-process fallback: same TTL semantics, bounded by
// evicting the oldest entries past the cap.
type localKeyStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	order   []string
	now     func() time.Time
}

func newLocalKeyStore() *localKeyStore {
	return &localKeyStore{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (s *localKeyStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.entries[key]; ok && exp.After(now) {
		return false, nil
	}

	s.entries[key] = now.Add(ttl)
	s.order = append(s.order, key)
	for len(s.entries) > fallbackMaxEntries && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, oldest)
	}
	return true, nil
}

// Gate is the execution core's idempotency check. It prefers the
// distributed store and degrades to the in-process fallback when that
// store errors, so trading continues through a KV outage.
type Gate struct {
	log      zerolog.Logger
	primary  KeyStore
	fallback *localKeyStore
	ttl      time.Duration
}

// NewGate builds a gate. primary may be nil, in which case only the
// in-process fallback is used.
func NewGate(primary KeyStore, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Gate{
		log:      config.NewLogger("idempotency"),
		primary:  primary,
		fallback: newLocalKeyStore(),
		ttl:      ttl,
	}
}

// Claim reports whether the caller owns the key. Duplicates return false;
// they are the caller's cue to drop the work silently.
func (g *Gate) Claim(ctx context.Context, key string) bool {
	if g.primary != nil {
		ok, err := g.primary.Claim(ctx, key, g.ttl)
		if err == nil {
			return ok
		}
		g.log.Warn().Err(err).Str("key", key).Msg("Idempotency store unavailable, using in-process fallback")
	}
	ok, _ := g.fallback.Claim(ctx, key, g.ttl)
	return ok
}
