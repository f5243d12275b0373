package hostfunc

import "sync"

// namedTable holds process-wide resources addressed by name. An entry is
// created on first acquire and dropped once it has no references and is idle.
type namedTable[T any] struct {
	mu      sync.Mutex
	entries map[string]*namedEntry[T]
	create  func(name string) T
	idle    func(T) bool
}

type namedEntry[T any] struct {
	value T
	refs  int
}

func newNamedTable[T any](create func(string) T, idle func(T) bool) *namedTable[T] {
	return &namedTable[T]{
		entries: make(map[string]*namedEntry[T]),
		create:  create,
		idle:    idle,
	}
}

func (t *namedTable[T]) acquire(name string) (T, func()) {
	t.mu.Lock()
	e, ok := t.entries[name]
	if !ok {
		e = &namedEntry[T]{value: t.create(name)}
		t.entries[name] = e
	}
	e.refs++
	t.mu.Unlock()

	var once sync.Once
	return e.value, func() {
		once.Do(func() { t.release(name, e) })
	}
}

func (t *namedTable[T]) release(name string, e *namedEntry[T]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs > 0 {
		return
	}
	if t.idle != nil && !t.idle(e.value) {
		return
	}
	if cur, ok := t.entries[name]; ok && cur == e {
		delete(t.entries, name)
	}
}

// collect drops unreferenced entries that have become idle since their
// last release.
func (t *namedTable[T]) collect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, e := range t.entries {
		if e.refs == 0 && (t.idle == nil || t.idle(e.value)) {
			delete(t.entries, name)
		}
	}
}

func (t *namedTable[T]) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
