package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/caffeineduck/cube/hostfunc"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"
)

// RunWASM runs a WASI guest to completion. The guest reaches capabilities
// through framed calls on stderr; see protocolHandler. With WithService its
// stdout is streamed into the request context.
func (e *Executor) RunWASM(ctx context.Context, guest Guest, opts ...Option) Result {
	start := time.Now()

	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if e.isClosed() {
		return Result{Error: ErrClosed, Duration: time.Since(start)}
	}
	release, err := e.acquire(ctx)
	if err != nil {
		return Result{Error: err, Duration: time.Since(start)}
	}
	defer release()

	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	compiled, err := e.getCompiled(ctx, guest)
	if err != nil {
		return Result{Error: err, Duration: time.Since(start)}
	}

	inv := hostfunc.NewInvocation(ctx, e.host, nil)
	defer inv.Release()
	log := Logger().With(zap.String("invocation", inv.ID), zap.String("guest", guest.Name()))

	var stdout bytes.Buffer
	var out io.Writer = &stdout
	if cfg.service != nil {
		out = cfg.service
	}

	stdinReader, stdinWriter := io.Pipe()
	protocol := newProtocolHandler(e.registry, inv, cfg.service, stdinWriter)

	moduleConfig := wazero.NewModuleConfig().
		WithStdout(out).
		WithStderr(protocol).
		WithStdin(stdinReader).
		WithArgs(append([]string{guest.Name()}, guest.Args()...)...).
		WithSysWalltime().
		WithSysNanotime().
		WithName("")

	errCh := make(chan error, 1)
	go func() {
		mod, err := e.runtime.InstantiateModule(ctx, compiled, moduleConfig)
		if mod != nil {
			mod.Close(context.Background())
		}
		stdinWriter.Close()
		errCh <- err
	}()

	err = <-errCh

	result := Result{
		Value:    protocol.Result(),
		Output:   stdout.String() + protocol.Stderr(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exit *sys.ExitError
		switch {
		case ctx.Err() != nil:
			result.Error = interruptError(context.Cause(ctx))
		case errors.As(err, &exit) && exit.ExitCode() == 0:
		case errors.As(err, &exit):
			result.Error = fmt.Errorf("guest exited with code %d", exit.ExitCode())
		default:
			result.Error = fmt.Errorf("execution failed: %w", err)
		}
	}
	if result.Error != nil {
		log.Debug("guest failed", zap.Error(result.Error))
	}

	return result
}
