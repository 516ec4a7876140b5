package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"experimenter/business/publisher"
	"experimenter/pkg/logger"
)

// releaseScript deletes the key only if it still holds our token, so an
// expired lock taken over by another replica is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type LockRepository struct {
	client redis.UniversalClient
}

var _ publisher.Locker = (*LockRepository)(nil)

func NewLockRepository(client redis.UniversalClient) *LockRepository {
	return &LockRepository{
		client: client,
	}
}

// Acquire sets key with a random token if it does not exist yet.
func (r *LockRepository) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			logger.Warn("failed to release lock", "key", key, "error", err)
		}
	}
	return release, true, nil
}

// Holder returns the token currently holding key, or "" when it is free.
func (r *LockRepository) Holder(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read lock %s: %w", key, err)
	}
	return val, nil
}
