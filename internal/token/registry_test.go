package token

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rxtrace/prescription-service/internal/credential"
)

type mapCache struct {
	mu     sync.Mutex
	marked map[string]bool

	MarkErr   error
	LookupErr error
}

func newMapCache() *mapCache {
	return &mapCache{marked: make(map[string]bool)}
}

func (c *mapCache) MarkRevoked(ctx context.Context, tok string, ttl time.Duration) error {
	if c.MarkErr != nil {
		return c.MarkErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marked[tok] = true
	return nil
}

func (c *mapCache) IsMarked(ctx context.Context, tok string) (bool, error) {
	if c.LookupErr != nil {
		return false, c.LookupErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.marked[tok], nil
}

// failingStore simulates the durable registry being unreachable.
type failingStore struct {
	credential.Store
}

func (failingStore) GetBySecret(ctx context.Context, kind credential.Kind, secret string) (*credential.Credential, error) {
	return nil, errors.New("storage unavailable")
}

func TestRevokeThenIsRevoked(t *testing.T) {
	registry := NewRegistryWith(credential.NewMemoryStore(), newMapCache())

	tok := "session-token-1"
	err := registry.Revoke(context.Background(), tok, uuid.New(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	assert.True(t, registry.IsRevoked(context.Background(), tok))
	assert.False(t, registry.IsRevoked(context.Background(), "some-other-token"))
}

func TestRevokeIsIdempotent(t *testing.T) {
	registry := NewRegistryWith(credential.NewMemoryStore(), newMapCache())

	tok := "session-token-1"
	userID := uuid.New()
	expiresAt := time.Now().Add(time.Hour)

	require.NoError(t, registry.Revoke(context.Background(), tok, userID, expiresAt))
	require.NoError(t, registry.Revoke(context.Background(), tok, userID, expiresAt))

	assert.True(t, registry.IsRevoked(context.Background(), tok))
}

func TestCacheFailureFallsBackToStore(t *testing.T) {
	cache := newMapCache()
	cache.LookupErr = errors.New("redis down")
	registry := NewRegistryWith(credential.NewMemoryStore(), cache)

	tok := "session-token-1"
	require.NoError(t, registry.Revoke(context.Background(), tok, uuid.New(), time.Now().Add(time.Hour)))

	assert.True(t, registry.IsRevoked(context.Background(), tok))
}

func TestStoreFailureFailsOpen(t *testing.T) {
	registry := NewRegistryWith(failingStore{Store: credential.NewMemoryStore()}, newMapCache())

	assert.False(t, registry.IsRevoked(context.Background(), "whatever"),
		"a registry fault must not block the request")
}

func TestCacheHitShortCircuits(t *testing.T) {
	cache := newMapCache()
	registry := NewRegistryWith(failingStore{Store: credential.NewMemoryStore()}, cache)

	tok := "session-token-1"
	require.NoError(t, cache.MarkRevoked(context.Background(), tok, time.Hour))

	assert.True(t, registry.IsRevoked(context.Background(), tok))
}

func TestCacheMarkFailureDoesNotFailRevoke(t *testing.T) {
	cache := newMapCache()
	cache.MarkErr = errors.New("redis down")
	registry := NewRegistryWith(credential.NewMemoryStore(), cache)

	tok := "session-token-1"
	require.NoError(t, registry.Revoke(context.Background(), tok, uuid.New(), time.Now().Add(time.Hour)))

	// The durable set still answers.
	assert.True(t, registry.IsRevoked(context.Background(), tok))
}

func TestConcurrentRevokeSameToken(t *testing.T) {
	registry := NewRegistryWith(credential.NewMemoryStore(), newMapCache())

	tok := "session-token-1"
	userID := uuid.New()
	expiresAt := time.Now().Add(time.Hour)

	const attempts = 8

	var wg sync.WaitGroup
	errs := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = registry.Revoke(context.Background(), tok, userID, expiresAt)
		}(i)
	}
	wg.Wait()

	for i := 0; i < attempts; i++ {
		require.NoError(t, errs[i], "two logouts racing on one token must both succeed")
	}
	assert.True(t, registry.IsRevoked(context.Background(), tok))
}

func TestSweepDropsExpiredTokens(t *testing.T) {
	store := credential.NewMemoryStore()
	registry := NewRegistryWith(store, newMapCache())

	require.NoError(t, registry.Revoke(context.Background(), "old-token", uuid.New(), time.Now().Add(-time.Minute)))
	require.NoError(t, registry.Revoke(context.Background(), "live-token", uuid.New(), time.Now().Add(time.Hour)))

	removed, err := registry.SweepExpired(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	assert.False(t, registry.IsRevoked(context.Background(), "old-token"))
	assert.True(t, registry.IsRevoked(context.Background(), "live-token"))
}
