// Package lock provides the per-rule mutual exclusion used by real rule
// executions: an in-process implementation and a Redis one for deployments
// with several schedulers.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNotAcquired = errors.New("lock not acquired")
	ErrNotHeld     = errors.New("lock not held by this owner")
)

// Locker hands out non-blocking, named locks.
type Locker interface {
	// TryLock returns ErrNotAcquired when name is already held.
	TryLock(ctx context.Context, name string) (Handle, error)
}

type Handle interface {
	Unlock(ctx context.Context) error
}

// Local is an in-process Locker. The zero value is ready to use.
type Local struct {
	mu   sync.Mutex
	held map[string]string
}

func NewLocal() *Local {
	return &Local{held: map[string]string{}}
}

func (l *Local) TryLock(_ context.Context, name string) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]string{}
	}
	if _, ok := l.held[name]; ok {
		return nil, ErrNotAcquired
	}
	token := uuid.NewString()
	l.held[name] = token
	return localHandle{l: l, name: name, token: token}, nil
}

type localHandle struct {
	l     *Local
	name  string
	token string
}

func (h localHandle) Unlock(context.Context) error {
	h.l.mu.Lock()
	defer h.l.mu.Unlock()
	if h.l.held[h.name] != h.token {
		return ErrNotHeld
	}
	delete(h.l.held, h.name)
	return nil
}

// Redis is a Locker backed by SET NX PX. Locks expire after TTL so a crashed
// holder cannot block a rule forever; release checks the owner token.
type Redis struct {
	Client redis.UniversalClient
	Prefix string
	TTL    time.Duration
}

var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

func (r Redis) key(name string) string {
	return r.Prefix + name
}

func (r Redis) TryLock(ctx context.Context, name string) (Handle, error) {
	ttl := r.TTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	token := uuid.NewString()
	ok, err := r.Client.SetNX(ctx, r.key(name), token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return redisHandle{client: r.Client, key: r.key(name), token: token}, nil
}

type redisHandle struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (h redisHandle) Unlock(ctx context.Context) error {
	res, err := unlockScript.Run(ctx, h.client, []string{h.key}, h.token).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}
