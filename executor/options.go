package executor

import (
	"time"

	"github.com/caffeineduck/cube/service"
)

// Option configures a single invocation.
type Option func(*runConfig)

type runConfig struct {
	timeout time.Duration
	service *service.Context
	args    []any
}

func defaultRunConfig() runConfig {
	return runConfig{
		timeout: 30 * time.Second,
	}
}

// WithTimeout sets the maximum execution time. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *runConfig) {
		c.timeout = d
	}
}

// WithService passes the request context to the handler as its only
// argument. For WASI guests it becomes handle 1 and receives stdout.
func WithService(sc *service.Context) Option {
	return func(c *runConfig) {
		c.service = sc
	}
}

// WithArgs passes args to the handler. It is ignored when a service
// context is given.
func WithArgs(args ...any) Option {
	return func(c *runConfig) {
		c.args = args
	}
}

// ExecutorOption configures the Executor at creation time.
type ExecutorOption func(*executorConfig)

type executorConfig struct {
	loader           Loader
	maxConcurrency   int64
	queueTimeout     time.Duration
	callStackSize    int
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32 // Max memory pages (each page = 64KB), 0 = default (4GB)
}

func defaultExecutorConfig() executorConfig {
	return executorConfig{
		loader: MapLoader{},
	}
}

// WithLoader sets where Run and require find modules.
func WithLoader(l Loader) ExecutorOption {
	return func(c *executorConfig) {
		c.loader = l
	}
}

// WithMaxConcurrency bounds the number of invocations running at once.
// Callers beyond the bound wait for a slot until their context ends or
// the queue timeout passes, then fail with ErrBusy.
func WithMaxConcurrency(n int64) ExecutorOption {
	return func(c *executorConfig) {
		c.maxConcurrency = n
	}
}

// WithQueueTimeout bounds how long an invocation waits for a slot.
func WithQueueTimeout(d time.Duration) ExecutorOption {
	return func(c *executorConfig) {
		c.queueTimeout = d
	}
}

// WithCallStackSize limits script recursion depth.
func WithCallStackSize(n int) ExecutorOption {
	return func(c *executorConfig) {
		c.callStackSize = n
	}
}

// WithDiskCache enables a persistent compilation cache for WASI guests.
// Optionally provide a custom directory; otherwise uses ~/.cache/cube or XDG_CACHE_HOME/cube.
//
// Examples:
//
//	executor.New(host, registry, executor.WithDiskCache())            // default dir
//	executor.New(host, registry, executor.WithDiskCache("/tmp/cache")) // custom dir
func WithDiskCache(dir ...string) ExecutorOption {
	return func(c *executorConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit sets the maximum memory available to WASI guests.
// Each page is 64KB. Examples:
//   - WithMemoryLimit(16) = 1MB max
//   - WithMemoryLimit(256) = 16MB max
//   - WithMemoryLimit(1024) = 64MB max
//
// Default is 0 (no limit, up to 4GB).
func WithMemoryLimit(pages uint32) ExecutorOption {
	return func(c *executorConfig) {
		c.memoryLimitPages = pages
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit1MB   uint32 = 16    // 1 MB
	MemoryLimit16MB  uint32 = 256   // 16 MB
	MemoryLimit64MB  uint32 = 1024  // 64 MB
	MemoryLimit256MB uint32 = 4096  // 256 MB
	MemoryLimit1GB   uint32 = 16384 // 1 GB
)
