package tokencleanup

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrAlreadyRunning = errors.New("token cleanup already running")
	ErrLeaseLost      = errors.New("token cleanup lock lease lost")
)

// redisCallTimeout bounds every single round trip to redis.
const redisCallTimeout = 5 * time.Second

// Locker keeps cleanup runs from overlapping. Acquire returns
// ErrAlreadyRunning when another run holds the lock. The returned lease
// context is cancelled once the lock can no longer be vouched for; its cause
// is then ErrLeaseLost.
type Locker interface {
	Acquire(ctx context.Context) (lease context.Context, release func(), err error)
}

// LocalLocker serialises runs inside one process.
type LocalLocker struct {
	mu sync.Mutex
}

func (l *LocalLocker) Acquire(ctx context.Context) (context.Context, func(), error) {
	if !l.mu.TryLock() {
		return nil, nil, ErrAlreadyRunning
	}
	return ctx, l.mu.Unlock, nil
}

// releaseScript deletes the key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// renewScript pushes the expiry out only if this holder still owns the key.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisLocker is a lease shared by every worker process. The holder renews
// it every ttl/3 while the run lasts, so only a crashed holder lets it lapse.
type RedisLocker struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisLocker(client redis.UniversalClient, key string, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{client: client, key: key, ttl: ttl, logger: logger}
}

func (l *RedisLocker) Acquire(ctx context.Context) (context.Context, func(), error) {
	owner, err := lockOwner()
	if err != nil {
		return nil, nil, err
	}

	acquireCtx, cancel := context.WithTimeout(ctx, redisCallTimeout)
	ok, err := l.client.SetNX(acquireCtx, l.key, owner, l.ttl).Result()
	cancel()
	if err != nil {
		return nil, nil, fmt.Errorf("acquire cleanup lock: %w", err)
	}
	if !ok {
		return nil, nil, ErrAlreadyRunning
	}

	lease, cancelLease := context.WithCancelCause(ctx)
	renewed := make(chan struct{})
	go l.keepAlive(lease, cancelLease, owner, renewed)

	var once sync.Once
	release := func() {
		once.Do(func() {
			cancelLease(context.Canceled)
			<-renewed

			// The run may have been cancelled; the release still has to happen.
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisCallTimeout)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{l.key}, owner).Err(); err != nil {
				l.logger.Warn("failed to release cleanup lock, it lapses with its ttl",
					"key", l.key, "ttl", l.ttl, "error", err)
			}
		})
	}
	return lease, release, nil
}

// keepAlive renews the lease until it is released. The lease is cancelled
// with ErrLeaseLost when the key changed hands or renewals kept failing for
// a whole ttl.
func (l *RedisLocker) keepAlive(lease context.Context, lost context.CancelCauseFunc, owner string, done chan<- struct{}) {
	defer close(done)

	interval := l.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastRenewal := time.Now()
	for {
		select {
		case <-lease.Done():
			return
		case <-ticker.C:
		}

		callCtx, cancel := context.WithTimeout(lease, interval)
		n, err := renewScript.Run(callCtx, l.client, []string{l.key}, owner, l.ttl.Milliseconds()).Int64()
		cancel()

		switch {
		case lease.Err() != nil:
			return
		case err != nil:
			l.logger.Warn("failed to renew cleanup lock", "key", l.key, "error", err)
			if time.Since(lastRenewal) >= l.ttl {
				l.logger.Error("cleanup lock lease expired without renewal", "key", l.key)
				lost(ErrLeaseLost)
				return
			}
		case n == 0:
			l.logger.Error("cleanup lock taken over by another holder", "key", l.key)
			lost(ErrLeaseLost)
			return
		default:
			lastRenewal = time.Now()
		}
	}
}

func lockOwner() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate lock owner: %w", err)
	}
	return hex.EncodeToString(b), nil
}
