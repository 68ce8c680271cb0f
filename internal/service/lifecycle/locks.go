package lifecycle

import (
	"sync"

	"github.com/google/uuid"
)

// taskLocks serializes mutations per task id. Entries are refcounted and
// removed when the last holder releases, so the map stays proportional to
// the number of tasks with in-flight mutations, not the number of tasks.
type taskLocks struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newTaskLocks() *taskLocks {
	return &taskLocks{entries: make(map[uuid.UUID]*lockEntry)}
}

// lock acquires the mutex for the given task id and returns its release
// function. Mutations for different ids proceed fully in parallel.
func (l *taskLocks) lock(id uuid.UUID) func() {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		e = &lockEntry{}
		l.entries[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, id)
		}
		l.mu.Unlock()
	}
}
