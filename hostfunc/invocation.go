package hostfunc

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Loop schedules work back onto the goroutine running an invocation.
type Loop interface {
	// Post queues task; it reports false once the loop has stopped.
	Post(task func()) bool
	// Ref keeps the loop alive until the returned func is called.
	Ref() (unref func())
}

// Invocation is the scope of one script execution. Capabilities register
// cleanups with Defer; Release runs them when the script ends, whatever
// the outcome.
type Invocation struct {
	ID string

	ctx  context.Context
	host *Host
	loop Loop

	mu       sync.Mutex
	cleanups []func()
	released bool
}

func NewInvocation(ctx context.Context, host *Host, loop Loop) *Invocation {
	return &Invocation{
		ID:   uuid.NewString(),
		ctx:  ctx,
		host: host,
		loop: loop,
	}
}

func (inv *Invocation) Context() context.Context { return inv.ctx }

func (inv *Invocation) Host() *Host { return inv.host }

// Defer registers fn to run on Release, last registered first. After
// Release, fn runs immediately.
func (inv *Invocation) Defer(fn func()) {
	inv.mu.Lock()
	if inv.released {
		inv.mu.Unlock()
		fn()
		return
	}
	inv.cleanups = append(inv.cleanups, fn)
	inv.mu.Unlock()
}

// Post runs task on the invocation's loop, or inline without one.
func (inv *Invocation) Post(task func()) bool {
	if inv.loop == nil {
		task()
		return true
	}
	return inv.loop.Post(task)
}

func (inv *Invocation) Ref() func() {
	if inv.loop == nil {
		return func() {}
	}
	return inv.loop.Ref()
}

// Release runs every registered cleanup. It is safe to call more than once.
func (inv *Invocation) Release() {
	inv.mu.Lock()
	if inv.released {
		inv.mu.Unlock()
		return
	}
	inv.released = true
	cleanups := inv.cleanups
	inv.cleanups = nil
	inv.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		runCleanup(inv.ID, cleanups[i])
	}
}

func runCleanup(id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			Logger().Error("cleanup panicked", zap.String("invocation", id), zap.Any("panic", r))
		}
	}()
	fn()
}
