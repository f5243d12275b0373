package executor

import (
	"context"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// Session keeps one runtime alive across Run calls, so declarations made
// by one call are visible to the next.
type Session struct {
	rt      *scriptRuntime
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewSession starts a session. WithTimeout bounds every Run; the other run
// options do not apply.
func (e *Executor) NewSession(opts ...Option) (*Session, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		rt:      e.newScriptRuntime(ctx, "repl", nil),
		timeout: cfg.timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.rt.log.Debug("session started")
	return s, nil
}

// Run evaluates code. Timers and subscriptions created by earlier calls
// keep running between calls; their callbacks run at the start of later
// calls. Run waits for a returned promise but not for other pending work.
func (s *Session) Run(ctx context.Context, code string) Result {
	start := time.Now()
	if !s.mu.TryLock() {
		return Result{Error: ErrSessionBusy, Duration: time.Since(start)}
	}
	defer s.mu.Unlock()

	if s.closed {
		return Result{Error: ErrSessionClosed, Duration: time.Since(start)}
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if s.timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, s.timeout)
		defer cancelTimeout()
	}
	stopClose := context.AfterFunc(s.ctx, func() { cancel(ErrSessionClosed) })
	defer stopClose()

	rt := s.rt
	rt.output.Reset()
	rt.vm.ClearInterrupt()
	stop := context.AfterFunc(ctx, func() {
		rt.vm.Interrupt(context.Cause(ctx))
	})
	defer stop()

	// Callbacks queued since the last call run first.
	idle := func() bool { return true }
	var v goja.Value
	err := rt.loop.run(ctx, idle)
	if err == nil {
		v, err = rt.vm.RunScript("repl", code)
	}
	if err == nil {
		done := idle
		if p, ok := v.Export().(*goja.Promise); ok {
			done = func() bool { return p.State() != goja.PromiseStatePending }
		}
		if err = rt.loop.run(ctx, done); err == nil {
			v, err = promiseResult(v)
		}
	}

	result := Result{Output: rt.output.String(), Duration: time.Since(start)}
	if err != nil {
		result.Error = scriptError(ctx, err)
		return result
	}
	result.Value, result.Response = exportResult(v)
	return result
}

// Close interrupts a running call, then releases every resource the
// session holds.
func (s *Session) Close() error {
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.rt.log.Debug("session closed", zap.Int("dropped", s.rt.loop.pending()))
	s.rt.release()
	return nil
}
