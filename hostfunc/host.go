package hostfunc

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	_ "github.com/mattn/go-sqlite3"
)

// Config describes the shared resources and policies of a Host.
type Config struct {
	// Cache and Locker default to in-process backends.
	Cache  Cache
	Locker Locker

	// DB is used as is; otherwise DatabaseDSN opens a sqlite3 database.
	DB          *sql.DB
	DatabaseDSN string

	Mounts      []Mount
	TemplateDir string

	PipeCapacity int
	EventBuffer  int

	// AllowedHosts gates socket dials and http requests; "*" allows any
	// host and an empty list disables networking.
	AllowedHosts []string
	AllowListen  bool

	// AllowedCommands lists what process.exec may run; empty disables it.
	AllowedCommands []string

	HTTP HTTPConfig
}

func DefaultConfig() Config {
	return Config{
		PipeCapacity: DefaultPipeCapacity,
		EventBuffer:  DefaultEventBuffer,
		HTTP:         HTTPConfig{}.withDefaults(),
	}
}

// Host owns the process-wide resources every invocation shares: cache,
// locks, named pipes, the event bus and the database.
type Host struct {
	cfg       Config
	cache     Cache
	locker    Locker
	pipes     *namedTable[*BlockingQueue]
	events    *EventBus
	db        *sql.DB
	ownsDB    bool
	fs        *FS
	templates fs.FS
	policy    netPolicy
	closers   []io.Closer
}

func NewHost(cfg Config) (*Host, error) {
	if cfg.PipeCapacity <= 0 {
		cfg.PipeCapacity = DefaultPipeCapacity
	}
	cfg.HTTP = cfg.HTTP.withDefaults()

	h := &Host{
		cfg:    cfg,
		cache:  cfg.Cache,
		locker: cfg.Locker,
		events: NewEventBus(cfg.EventBuffer),
		db:     cfg.DB,
		policy: netPolicy{allowedHosts: cfg.AllowedHosts, allowListen: cfg.AllowListen},
	}
	if h.cache == nil {
		mc := NewMemoryCache(DefaultSweepInterval)
		h.cache = mc
		h.closers = append(h.closers, mc)
	}
	if h.locker == nil {
		h.locker = NewMemoryLocker()
	}
	capacity := cfg.PipeCapacity
	h.pipes = newNamedTable(
		func(string) *BlockingQueue { return NewBlockingQueue(capacity) },
		func(q *BlockingQueue) bool { return q.Size() == 0 },
	)

	if h.db == nil && cfg.DatabaseDSN != "" {
		db, err := sql.Open("sqlite3", cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("open database: %w", err)
		}
		h.db = db
		h.ownsDB = true
	}
	if len(cfg.Mounts) > 0 {
		h.fs = NewFS(cfg.Mounts...)
	}
	if cfg.TemplateDir != "" {
		h.templates = os.DirFS(cfg.TemplateDir)
	}
	return h, nil
}

func (h *Host) Config() Config { return h.cfg }

func (h *Host) Cache() Cache { return h.cache }

func (h *Host) Locker() Locker { return h.locker }

func (h *Host) Events() *EventBus { return h.events }

func (h *Host) DB() *sql.DB { return h.db }

// Pipe returns the queue registered under name and a func releasing the
// caller's reference.
func (h *Host) Pipe(name string) (*BlockingQueue, func()) {
	return h.pipes.acquire(name)
}

// CollectPipes drops pipes that are unreferenced and empty.
func (h *Host) CollectPipes() {
	h.pipes.collect()
}

func (h *Host) Close() error {
	var errs []error
	for _, c := range h.closers {
		errs = append(errs, c.Close())
	}
	if h.ownsDB {
		errs = append(errs, h.db.Close())
	}
	return errors.Join(errs...)
}
