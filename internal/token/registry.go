package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rxtrace/prescription-service/internal/credential"
)

// Cache is the fast-path membership set in front of the durable registry.
type Cache interface {
	MarkRevoked(ctx context.Context, tok string, ttl time.Duration) error
	IsMarked(ctx context.Context, tok string) (bool, error)
}

// Registry records logged-out session tokens. Postgres is the durable set;
// Redis carries a TTL'd positive cache for the hot path. Revocation is
// defense in depth on top of signature verification, so lookups fail open:
// a storage fault is logged, never allowed to block a request.
type Registry struct {
	store credential.Store
	cache Cache
}

func NewRegistry(store credential.Store, rdb *redis.Client) *Registry {
	return NewRegistryWith(store, &redisCache{client: rdb})
}

func NewRegistryWith(store credential.Store, cache Cache) *Registry {
	return &Registry{
		store: store,
		cache: cache,
	}
}

// Revoke inserts the token. Revoking the same token again is a no-op
// success; logout is idempotent.
func (r *Registry) Revoke(ctx context.Context, tok string, userID uuid.UUID, expiresAt time.Time) error {
	_, err := r.store.Issue(ctx, credential.Credential{
		Kind:       credential.KindRevokedToken,
		SubjectKey: userID.String(),
		Secret:     tok,
		ExpiresAt:  expiresAt,
	}, credential.PolicyIgnoreDuplicate)
	if err != nil {
		return fmt.Errorf("record revoked token: %w", err)
	}

	if ttl := time.Until(expiresAt); ttl > 0 {
		if err := r.cache.MarkRevoked(ctx, tok, ttl); err != nil {
			log.Printf("failed to cache revoked token: %v", err)
		}
	}

	return nil
}

// IsRevoked answers membership. Checked on every authenticated request after
// the token's own signature and expiry have been verified.
func (r *Registry) IsRevoked(ctx context.Context, tok string) bool {
	marked, err := r.cache.IsMarked(ctx, tok)
	if err != nil {
		log.Printf("revocation cache lookup failed, falling back to store: %v", err)
	} else if marked {
		return true
	}

	_, err = r.store.GetBySecret(ctx, credential.KindRevokedToken, tok)
	if err != nil {
		if !errors.Is(err, credential.ErrSecretNotFound) {
			log.Printf("revocation store lookup failed, failing open: %v", err)
		}
		return false
	}

	return true
}

// SweepExpired drops registry rows for tokens that have outlived their own
// expiry; past that point the signature check rejects them anyway. The cache
// entries expire on their own.
func (r *Registry) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	return r.store.SweepExpired(ctx, credential.KindRevokedToken, now)
}

type redisCache struct {
	client *redis.Client
}

func cacheKey(tok string) string {
	return "revoked:" + tok
}

func (c *redisCache) MarkRevoked(ctx context.Context, tok string, ttl time.Duration) error {
	return c.client.Set(ctx, cacheKey(tok), 1, ttl).Err()
}

func (c *redisCache) IsMarked(ctx context.Context, tok string) (bool, error) {
	n, err := c.client.Exists(ctx, cacheKey(tok)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
