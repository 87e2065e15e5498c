package entitylock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cfgpkg "github.com/fatflowers/billing-orchestrator/pkg/config"
)

// Unlock releases a lock obtained from a Locker. It is safe to call once.
type Unlock func()

// Locker serializes work on a single billing entity across workers.
type Locker interface {
	// Lock blocks until key is held or ctx is done.
	Lock(ctx context.Context, key string) (Unlock, error)
}

// LocalLocker is a keyed mutex for a single process.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(key, s)
		})
	}, nil
}

func (l *LocalLocker) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

const (
	redisKeyPrefix     = "billing:entity_lock:"
	redisRetryInterval = 50 * time.Millisecond
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker holds entity locks as expiring redis keys so several billingd
// processes can share the work.
type RedisLocker struct {
	client *goredis.Client
	ttl    time.Duration
	log    *zap.SugaredLogger
}

func NewRedisLocker(client *goredis.Client, ttl time.Duration, log *zap.SugaredLogger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, log: log}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	redisKey := redisKeyPrefix + key
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		if ok {
			break
		}
		timer := time.NewTimer(redisRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err()
			if err != nil && !errors.Is(err, goredis.Nil) {
				r.log.Warnw("entity lock release failed", "key", key, "err", err)
			}
		})
	}, nil
}

// New picks the redis locker when a client is available.
func New(cfg *cfgpkg.Config, client *goredis.Client, log *zap.SugaredLogger) Locker {
	if client != nil {
		return NewRedisLocker(client, cfg.Redis.LockTTL, log)
	}
	return NewLocalLocker()
}

var Module = fx.Options(
	fx.Provide(New),
)
