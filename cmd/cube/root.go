package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caffeineduck/cube/executor"
	"github.com/caffeineduck/cube/hostfunc"
	"github.com/caffeineduck/cube/server"
	"github.com/caffeineduck/cube/service"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cube [script]",
		Short: "Sandboxed JavaScript service host",
		Long: `cube - serve JavaScript handlers with a capability bridge.

Scripts are CommonJS modules loaded from --scripts. They reach the host
only through $native capabilities: cache, db, crypto, file, http, socket
and more. Networking, file access and commands are off unless enabled
with flags.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, _ := cmd.Flags().GetString("log-level")
			return installLogger(level)
		},
	}

	pf := root.PersistentFlags()
	pf.String("scripts", ".", "Directory scripts are loaded from")
	pf.String("db", "", "SQLite DSN for the db capability")
	pf.String("redis", "", "Redis address; backs cache and lock when set")
	pf.String("redis-password", "", "Redis password")
	pf.String("templates", "", "Template directory for the template capability")
	pf.StringSlice("allow-host", nil, "Allow network access to host (repeatable, * for any)")
	pf.Bool("allow-listen", false, "Allow scripts to listen on sockets")
	pf.StringSlice("allow-cmd", nil, "Allow process.exec to run command (repeatable)")
	pf.StringSlice("mount", nil, "Mount filesystem virtual:host:mode (repeatable)")
	pf.Duration("timeout", 30*time.Second, "Invocation timeout")
	pf.Int64("max-concurrency", 0, "Max concurrent invocations (0 = unlimited)")
	pf.Duration("queue-timeout", 0, "Max wait for a free invocation slot")
	pf.String("memory", "256mb", "WASI guest memory limit: 1mb, 16mb, 64mb, 256mb, 1gb")
	pf.Bool("no-cache", false, "Disable the WASI compilation cache")
	pf.String("log-level", "info", "Log level: debug, info, warn, error")

	addRunFlags(root)
	root.RunE = runRun

	root.AddCommand(newRunCmd(), newReplCmd(), newServeCmd())
	return root
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func installLogger(level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}
	cfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	hostfunc.SetLogger(logger.Named("hostfunc"))
	service.SetLogger(logger.Named("service"))
	executor.SetLogger(logger.Named("executor"))
	server.SetLogger(logger.Named("server"))
	return nil
}

// env is what every command shares: the host, the executor and what they
// were built from.
type env struct {
	host   *hostfunc.Host
	exec   *executor.Executor
	loader *executor.DirLoader
	redis  *redis.Client
}

func newEnv(cmd *cobra.Command) (*env, error) {
	flags := cmd.Flags()
	scripts, _ := flags.GetString("scripts")
	dsn, _ := flags.GetString("db")
	redisAddr, _ := flags.GetString("redis")
	redisPassword, _ := flags.GetString("redis-password")
	templates, _ := flags.GetString("templates")
	allowedHosts, _ := flags.GetStringSlice("allow-host")
	allowListen, _ := flags.GetBool("allow-listen")
	allowedCommands, _ := flags.GetStringSlice("allow-cmd")
	mounts, _ := flags.GetStringSlice("mount")
	maxConcurrency, _ := flags.GetInt64("max-concurrency")
	queueTimeout, _ := flags.GetDuration("queue-timeout")
	memory, _ := flags.GetString("memory")
	noCache, _ := flags.GetBool("no-cache")

	cfg := hostfunc.DefaultConfig()
	cfg.DatabaseDSN = dsn
	cfg.TemplateDir = templates
	cfg.AllowedHosts = allowedHosts
	cfg.AllowListen = allowListen
	cfg.AllowedCommands = allowedCommands
	for _, spec := range mounts {
		m, err := parseMount(spec)
		if err != nil {
			return nil, err
		}
		cfg.Mounts = append(cfg.Mounts, m)
	}

	e := &env{}
	if redisAddr != "" {
		opts := hostfunc.DefaultRedisOptions()
		opts.Address = redisAddr
		opts.Password = redisPassword
		client, err := hostfunc.OpenRedis(cmd.Context(), opts)
		if err != nil {
			return nil, err
		}
		e.redis = client
		cfg.Cache = hostfunc.NewRedisCache(client, opts.KeyPrefix)
		cfg.Locker = hostfunc.NewRedisLocker(client, opts.KeyPrefix)
	}

	var err error
	if e.host, err = hostfunc.NewHost(cfg); err != nil {
		e.Close()
		return nil, err
	}
	if e.loader, err = executor.NewDirLoader(scripts); err != nil {
		e.Close()
		return nil, err
	}

	execOpts := []executor.ExecutorOption{
		executor.WithLoader(e.loader),
		executor.WithMaxConcurrency(maxConcurrency),
		executor.WithQueueTimeout(queueTimeout),
	}
	if !noCache {
		execOpts = append(execOpts, executor.WithDiskCache())
	}
	pages, err := parseMemoryLimit(memory)
	if err != nil {
		e.Close()
		return nil, err
	}
	execOpts = append(execOpts, executor.WithMemoryLimit(pages))

	if e.exec, err = executor.New(e.host, nil, execOpts...); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *env) Close() error {
	var errs []error
	if e.exec != nil {
		errs = append(errs, e.exec.Close())
	}
	if e.loader != nil {
		errs = append(errs, e.loader.Close())
	}
	if e.host != nil {
		errs = append(errs, e.host.Close())
	}
	if e.redis != nil {
		errs = append(errs, e.redis.Close())
	}
	return errors.Join(errs...)
}

func parseMount(spec string) (hostfunc.Mount, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 {
		return hostfunc.Mount{}, fmt.Errorf("invalid mount spec %q (expected virtual:host:mode)", spec)
	}

	var mode hostfunc.MountMode
	switch parts[2] {
	case "ro":
		mode = hostfunc.MountReadOnly
	case "rw":
		mode = hostfunc.MountReadWrite
	case "rwc":
		mode = hostfunc.MountReadWriteCreate
	default:
		return hostfunc.Mount{}, fmt.Errorf("invalid mount mode %q (expected ro, rw, or rwc)", parts[2])
	}

	return hostfunc.Mount{
		VirtualPath: parts[0],
		HostPath:    parts[1],
		Mode:        mode,
	}, nil
}

func parseMemoryLimit(s string) (uint32, error) {
	switch strings.ToLower(s) {
	case "1mb":
		return executor.MemoryLimit1MB, nil
	case "16mb":
		return executor.MemoryLimit16MB, nil
	case "64mb":
		return executor.MemoryLimit64MB, nil
	case "256mb":
		return executor.MemoryLimit256MB, nil
	case "1gb":
		return executor.MemoryLimit1GB, nil
	default:
		return 0, fmt.Errorf("invalid memory limit %q (expected 1mb, 16mb, 64mb, 256mb, or 1gb)", s)
	}
}
