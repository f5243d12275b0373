package hostfunc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Locker provides named mutual exclusion. Lock returns an owner token that
// must be presented to Unlock. Locks are not reentrant.
type Locker interface {
	Lock(ctx context.Context, name string, timeout time.Duration) (string, error)
	Unlock(ctx context.Context, name, token string) error
}

func lockTimeout(name string, cause error) error {
	return &Error{Kind: KindTimeout, Op: "lock", Detail: name, Cause: cause}
}

func notOwner(name string) error {
	return &Error{Kind: KindNotOwner, Op: "lock", Detail: name}
}

type memLock struct {
	slot chan struct{} // holds one element while locked
}

type heldLock struct {
	name    string
	release func()
}

// MemoryLocker is a process-wide Locker. Waiters on the same name are
// queued by the runtime in arrival order; each unlock hands the lock to
// exactly one of them.
type MemoryLocker struct {
	locks *namedTable[*memLock]

	mu   sync.Mutex
	held map[string]heldLock // by token
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		locks: newNamedTable(
			func(string) *memLock { return &memLock{slot: make(chan struct{}, 1)} },
			func(l *memLock) bool { return len(l.slot) == 0 },
		),
		held: make(map[string]heldLock),
	}
}

func (m *MemoryLocker) Lock(ctx context.Context, name string, timeout time.Duration) (string, error) {
	l, release := m.locks.acquire(name)

	acquired := false
	if timeout <= 0 {
		select {
		case l.slot <- struct{}{}:
			acquired = true
		default:
		}
	} else {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case l.slot <- struct{}{}:
			acquired = true
		case <-t.C:
		case <-ctx.Done():
			release()
			return "", lockTimeout(name, ctx.Err())
		}
	}
	if !acquired {
		release()
		return "", lockTimeout(name, nil)
	}

	token := uuid.NewString()
	m.mu.Lock()
	m.held[token] = heldLock{name: name, release: release}
	m.mu.Unlock()
	return token, nil
}

func (m *MemoryLocker) Unlock(_ context.Context, name, token string) error {
	m.mu.Lock()
	h, ok := m.held[token]
	if !ok || h.name != name {
		m.mu.Unlock()
		return notOwner(name)
	}
	delete(m.held, token)
	m.mu.Unlock()

	l, release := m.locks.acquire(name)
	<-l.slot
	release()
	h.release()
	return nil
}

const (
	DefaultLockLease    = 30 * time.Second
	DefaultLockInterval = 20 * time.Millisecond
)

var errLockBusy = errors.New("lock busy")

var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker is a cluster-wide Locker. A lock is a key holding the owner
// token, set with NX and a lease so a crashed host cannot hold it forever.
type RedisLocker struct {
	client   redis.UniversalClient
	prefix   string
	lease    time.Duration
	interval time.Duration
}

func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{
		client:   client,
		prefix:   prefix + "lock:",
		lease:    DefaultLockLease,
		interval: DefaultLockInterval,
	}
}

func (r *RedisLocker) Lock(ctx context.Context, name string, timeout time.Duration) (string, error) {
	token := uuid.NewString()
	key := r.prefix + name

	var b retry.Backoff = retry.NewConstant(r.interval)
	if timeout <= 0 {
		b = retry.WithMaxRetries(0, b)
	} else {
		b = retry.WithMaxDuration(timeout, b)
	}

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		ok, err := r.client.SetNX(ctx, key, token, r.lease).Result()
		if err != nil {
			return err
		}
		if !ok {
			return retry.RetryableError(errLockBusy)
		}
		return nil
	})
	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, errLockBusy):
		return "", lockTimeout(name, nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "", lockTimeout(name, err)
	}
	return "", err
}

func (r *RedisLocker) Unlock(ctx context.Context, name, token string) error {
	n, err := unlockScript.Run(ctx, r.client, []string{r.prefix + name}, token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return notOwner(name)
	}
	return nil
}

// LockClient is the script-facing handle for one named lock.
type LockClient struct {
	inv    *Invocation
	name   string
	locker Locker

	mu    sync.Mutex
	token string
}

func newLockClient(inv *Invocation, name string, locker Locker) *LockClient {
	l := &LockClient{inv: inv, name: name, locker: locker}
	inv.Defer(l.releaseHeld)
	return l
}

// Lock waits up to timeout milliseconds for the lock.
func (l *LockClient) Lock(timeout int64) error {
	token, err := l.locker.Lock(l.inv.Context(), l.name, millis(timeout))
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.token = token
	l.mu.Unlock()
	return nil
}

func (l *LockClient) Unlock() error {
	l.mu.Lock()
	token := l.token
	l.token = ""
	l.mu.Unlock()
	if token == "" {
		return notOwner(l.name)
	}
	return l.locker.Unlock(context.WithoutCancel(l.inv.Context()), l.name, token)
}

func (l *LockClient) releaseHeld() {
	l.mu.Lock()
	token := l.token
	l.token = ""
	l.mu.Unlock()
	if token == "" {
		return
	}
	if err := l.locker.Unlock(context.WithoutCancel(l.inv.Context()), l.name, token); err != nil {
		Logger().Warn("release lock on invocation end", zap.String("lock", l.name), zap.Error(err))
	}
}
