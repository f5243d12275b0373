package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caffeineduck/cube/hostfunc"
	"github.com/caffeineduck/cube/service"
	"github.com/dop251/goja"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Result holds the outcome of one invocation.
type Result struct {
	// Value is the exported handler result. A ServiceResponse is also
	// available as Response.
	Value    any
	Response *service.Response
	Output   string
	Duration time.Duration
	Error    error
}

type program struct {
	src  string
	prog *goja.Program
}

// Executor runs script invocations. Each invocation gets its own goja
// runtime on the calling goroutine; compiled programs and compiled WASI
// guests are shared.
type Executor struct {
	host     *hostfunc.Host
	registry *hostfunc.Registry
	cfg      executorConfig
	sem      *semaphore.Weighted

	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled map[string]wazero.CompiledModule

	mu       sync.RWMutex
	programs map[string]*program
	closed   bool
}

// New creates an Executor serving capabilities from host. A nil registry
// means the built-in capabilities.
func New(host *hostfunc.Host, registry *hostfunc.Registry, opts ...ExecutorOption) (*Executor, error) {
	if host == nil {
		return nil, errors.New("host required")
	}
	cfg := defaultExecutorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if registry == nil {
		registry = hostfunc.DefaultRegistry()
	}

	ctx := context.Background()

	var cache wazero.CompilationCache
	var err error

	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		if cache != nil {
			cache.Close(ctx)
		}
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	e := &Executor{
		host:     host,
		registry: registry,
		cfg:      cfg,
		runtime:  rt,
		cache:    cache,
		compiled: make(map[string]wazero.CompiledModule),
		programs: make(map[string]*program),
	}
	if cfg.maxConcurrency > 0 {
		e.sem = semaphore.NewWeighted(cfg.maxConcurrency)
	}
	return e, nil
}

// Registry returns the capability table scripts reach through $native.
func (e *Executor) Registry() *hostfunc.Registry { return e.registry }

// Run loads module name and calls its handler.
func (e *Executor) Run(ctx context.Context, name string, opts ...Option) Result {
	start := time.Now()
	name, err := ModuleName(name)
	if err != nil {
		return Result{Error: err, Duration: time.Since(start)}
	}

	result := e.invoke(ctx, name, opts, func(rt *scriptRuntime, cfg runConfig) (goja.Value, error) {
		exports, err := rt.require(name)
		if err != nil {
			return nil, err
		}
		handler, err := handlerOf(name, exports)
		if err != nil {
			return nil, err
		}
		return handler(goja.Undefined(), rt.handlerArgs(cfg)...)
	})
	result.Duration = time.Since(start)
	return result
}

// Eval runs code as a script and returns its completion value. Relative
// require calls resolve against the loader root.
func (e *Executor) Eval(ctx context.Context, code string, opts ...Option) Result {
	start := time.Now()
	result := e.invoke(ctx, "eval", opts, func(rt *scriptRuntime, _ runConfig) (goja.Value, error) {
		return rt.vm.RunScript("eval", code)
	})
	result.Duration = time.Since(start)
	return result
}

func (e *Executor) invoke(ctx context.Context, script string, opts []Option, entry func(*scriptRuntime, runConfig) (goja.Value, error)) Result {
	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if e.isClosed() {
		return Result{Error: ErrClosed}
	}
	release, err := e.acquire(ctx)
	if err != nil {
		return Result{Error: err}
	}
	defer release()

	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	rt := e.newScriptRuntime(ctx, script, cfg.service)
	defer rt.release()
	stop := context.AfterFunc(ctx, func() {
		rt.vm.Interrupt(context.Cause(ctx))
	})
	defer stop()

	v, err := entry(rt, cfg)
	if err == nil {
		v, err = rt.settle(ctx, v)
	}

	result := Result{Output: rt.output.String()}
	if err != nil {
		result.Error = scriptError(ctx, err)
		rt.log.Debug("invocation failed", zap.Error(result.Error))
		return result
	}
	result.Value, result.Response = exportResult(v)
	return result
}

func exportResult(v goja.Value) (any, *service.Response) {
	if !defined(v) {
		return nil, nil
	}
	x := exportValue(v)
	if resp, ok := x.(*service.Response); ok {
		return resp, resp
	}
	return x, nil
}

// acquire takes a concurrency slot, waiting at most the queue timeout.
func (e *Executor) acquire(ctx context.Context) (func(), error) {
	if e.sem == nil {
		return func() {}, nil
	}
	if e.cfg.queueTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.queueTimeout)
		defer cancel()
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBusy, err)
	}
	return func() { e.sem.Release(1) }, nil
}

// program returns the compiled module name, recompiling when its source
// changed since the last load.
func (e *Executor) program(name string) (*goja.Program, error) {
	src, err := e.cfg.loader.Load(name)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	if p, ok := e.programs[name]; ok && p.src == src {
		e.mu.RUnlock()
		return p.prog, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}
	if p, ok := e.programs[name]; ok && p.src == src {
		return p.prog, nil
	}

	prog, err := goja.Compile(name, wrapModule(src), false)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	e.programs[name] = &program{src: src, prog: prog}
	return prog, nil
}

// Invalidate drops the compiled program of module name.
func (e *Executor) Invalidate(name string) {
	name, err := ModuleName(name)
	if err != nil {
		return
	}
	e.mu.Lock()
	delete(e.programs, name)
	e.mu.Unlock()
}

func (e *Executor) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// getCompiled returns a cached compiled guest, compiling if necessary.
func (e *Executor) getCompiled(ctx context.Context, guest Guest) (wazero.CompiledModule, error) {
	name := guest.Name()

	e.mu.RLock()
	if compiled, ok := e.compiled[name]; ok {
		e.mu.RUnlock()
		return compiled, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}
	if compiled, ok := e.compiled[name]; ok {
		return compiled, nil
	}

	compiled, err := e.runtime.CompileModule(ctx, guest.Module())
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}

	e.compiled[name] = compiled
	return compiled, nil
}

// Close releases the WASI runtime and compilation cache. The host is owned
// by the caller and stays open.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.programs = nil

	ctx := context.Background()

	var errs []error
	if err := e.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if e.cache != nil {
		if err := e.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "cube")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "cube")
	}
	return filepath.Join(os.TempDir(), "cube-cache")
}
