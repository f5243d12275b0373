package executor

import (
	"context"
	"sync"
)

// eventLoop runs an invocation's callbacks on the goroutine that owns its
// runtime. Other goroutines hand work over with Post; Ref keeps run from
// returning while a timer, subscription or similar source is live.
type eventLoop struct {
	mu      sync.Mutex
	queue   []func()
	refs    int
	stopped bool
	err     error
	wake    chan struct{}
}

func newEventLoop() *eventLoop {
	return &eventLoop{wake: make(chan struct{}, 1)}
}

func (l *eventLoop) Post(task func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()
	l.signal()
	return true
}

func (l *eventLoop) Ref() func() {
	l.mu.Lock()
	l.refs++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.refs--
			l.mu.Unlock()
			l.signal()
		})
	}
}

func (l *eventLoop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// fail makes the next run return err. Until then, later failures are
// dropped.
func (l *eventLoop) fail(err error) {
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.mu.Unlock()
	l.signal()
}

// stop discards queued tasks and rejects new ones.
func (l *eventLoop) stop() {
	l.mu.Lock()
	l.stopped = true
	l.queue = nil
	l.mu.Unlock()
	l.signal()
}

func (l *eventLoop) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// run executes queued tasks until the queue is empty and either no
// references remain or done reports true. It returns early with the cause
// of ctx, or with an error passed to fail.
func (l *eventLoop) run(ctx context.Context, done func() bool) error {
	for {
		l.mu.Lock()
		if l.err != nil {
			err := l.err
			l.err = nil
			l.mu.Unlock()
			return err
		}
		if len(l.queue) > 0 {
			task := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			task()
			continue
		}
		idle := l.refs == 0 || l.stopped
		l.mu.Unlock()

		if idle || (done != nil && done()) {
			return nil
		}

		select {
		case <-l.wake:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}
