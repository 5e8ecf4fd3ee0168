package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("prescription lock not acquired")
)

// Locker guards critical sections keyed by prescription. The QR manager uses
// it so that concurrent issue requests for the same prescription cannot both
// mint a fresh credential.
type Locker interface {
	WithPrescriptionLock(ctx context.Context, prescriptionID uuid.UUID, fn func(ctx context.Context) error) error
}

type redisPrescriptionLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPrescriptionLocker creates a locker that uses a per prescription Redis key
func NewRedisPrescriptionLocker(client *redis.Client, ttl time.Duration) Locker {
	return &redisPrescriptionLocker{
		client: client,
		ttl:    ttl,
	}
}

func (l *redisPrescriptionLocker) WithPrescriptionLock(ctx context.Context, prescriptionID uuid.UUID, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("lock:prescription:%s", prescriptionID.String())
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire prescription lock: %w", err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		_ = l.release(ctx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisPrescriptionLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release prescription lock: %w", err)
	}
	return nil
}
