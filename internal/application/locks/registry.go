package locks

import (
	"fmt"
	"sync"
)

// Registry hands out read/write locks keyed by entity id, typically an
// execution-context id. Entries are refcounted and removed once the last
// holder releases, so the table does not grow with dead contexts.
//
// Go locks are not reentrant; callers that already hold a lock pass the
// Guard down the call chain instead of re-acquiring, and callees assert the
// guard with MustHold.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	lock sync.RWMutex
	refs int
}

// Guard represents one held lock. Release must be called exactly once.
type Guard struct {
	registry *Registry
	id       string
	write    bool
	released bool
}

// NewRegistry creates an empty lock registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

func (r *Registry) acquire(id string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		e = &entry{}
		r.entries[id] = e
	}
	e.refs++
	return e
}

func (r *Registry) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(r.entries, id)
	}
}

// Write acquires the exclusive lock for id, blocking until available.
func (r *Registry) Write(id string) *Guard {
	e := r.acquire(id)
	e.lock.Lock()
	return &Guard{registry: r, id: id, write: true}
}

// Read acquires the shared lock for id, blocking until available.
func (r *Registry) Read(id string) *Guard {
	e := r.acquire(id)
	e.lock.RLock()
	return &Guard{registry: r, id: id}
}

// Release unlocks the guard. Releasing twice panics: a double release means
// a lock-discipline bug upstream.
func (g *Guard) Release() {
	if g.released {
		panic(fmt.Sprintf("locks: double release for %q", g.id))
	}
	g.released = true

	g.registry.mu.Lock()
	e := g.registry.entries[g.id]
	g.registry.mu.Unlock()
	if e == nil {
		panic(fmt.Sprintf("locks: release for unknown id %q", g.id))
	}

	if g.write {
		e.lock.Unlock()
	} else {
		e.lock.RUnlock()
	}
	g.registry.release(g.id)
}

// ID returns the entity id the guard covers.
func (g *Guard) ID() string { return g.id }

// IsWrite reports whether the guard holds the exclusive lock.
func (g *Guard) IsWrite() bool { return g.write }

// MustHold asserts the guard covers id and is still held. Mutating callees
// additionally require write access.
func (g *Guard) MustHold(id string, write bool) {
	if g == nil {
		panic(fmt.Sprintf("locks: nil guard, expected lock for %q", id))
	}
	if g.released {
		panic(fmt.Sprintf("locks: guard for %q already released", g.id))
	}
	if g.id != id {
		panic(fmt.Sprintf("locks: guard covers %q, expected %q", g.id, id))
	}
	if write && !g.write {
		panic(fmt.Sprintf("locks: write access required for %q but guard is read-only", id))
	}
}

// Held returns the number of live entries, for tests and diagnostics.
func (r *Registry) Held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
