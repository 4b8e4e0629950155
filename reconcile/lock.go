package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("reconcile: lock not acquired")
	ErrLockNotHeld     = errors.New("reconcile: lock not held")
)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Locker hands out Redis-backed locks so only one replica runs the job at a
// time. A lock that outlives its holder expires after its TTL.
type Locker struct {
	client redis.UniversalClient
	prefix string
}

func NewLocker(client redis.UniversalClient, prefix string) *Locker {
	if prefix == "" {
		prefix = "tradeflow:lock:"
	}
	return &Locker{client: client, prefix: prefix}
}

// Lock is a held lock. Release is safe to call once.
type Lock struct {
	client redis.UniversalClient
	key    string
	value  string
}

// Acquire takes key for ttl or returns ErrLockNotAcquired.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	lockKey := l.prefix + key
	value := uuid.NewString()

	ok, err := l.client.SetNX(ctx, lockKey, value, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}
	return &Lock{client: l.client, key: lockKey, value: value}, nil
}

// Release deletes the key only if this holder still owns it.
func (lk *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, lk.client, []string{lk.key}, lk.value).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}
