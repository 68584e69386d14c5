package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockHeld is returned when another holder owns the lock.
	ErrLockHeld = errors.New("lock held")
	// ErrLockLost is returned when a held lock expired or changed owner.
	ErrLockLost = errors.New("lock lost")
)

// ReplayLockKey builds the redis key serializing projection runs of one
// organization.
func ReplayLockKey(orgID string) string {
	return fmt.Sprintf("verity:replay:%s:lock", orgID)
}

// Only the holder whose token matches may release.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Locker hands out expiring redis locks.
type Locker struct {
	client *redis.Client
}

// NewLocker constructs a Locker.
func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// Lock is a held lock. Release it when done; it also expires after its TTL.
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// Acquire takes key for ttl or returns ErrLockHeld.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("shared: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, key)
	}
	return &Lock{client: l.client, key: key, token: token}, nil
}

// Release frees the lock if it is still owned by this holder.
func (lk *Lock) Release(ctx context.Context) error {
	if lk == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, lk.client, []string{lk.key}, lk.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("shared: release %s: %w", lk.key, err)
	}
	return nil
}

// Extend resets the lock's TTL if it is still owned by this holder, or
// returns ErrLockLost.
func (lk *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, lk.client, []string{lk.key}, lk.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("shared: extend %s: %w", lk.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, lk.key)
	}
	return nil
}

// Hold extends the lock every ttl/3 until stop is called or ctx ends. When
// an extension finds the lock gone, onLost is called once and renewal stops.
// Other extension errors are retried on the next tick.
func (lk *Lock) Hold(ctx context.Context, ttl time.Duration, onLost func(error)) (stop func()) {
	interval := ttl / 3
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	holdCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-holdCtx.Done():
				return
			case <-ticker.C:
				if err := lk.Extend(holdCtx, ttl); errors.Is(err, ErrLockLost) {
					if onLost != nil {
						onLost(err)
					}
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
