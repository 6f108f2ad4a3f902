// Package lock provides in-process mutual exclusion keyed by an arbitrary
// string, used to serialise read-modify-write cycles per aggregate.
package lock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Keyed hands out one mutex per key. Entries are reference counted and
// removed once the last holder releases, so the map does not grow with
// the keyspace.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewKeyed() *Keyed {
	return &Keyed{entries: make(map[string]*entry)}
}

// Lock blocks until the mutex for key is held by the caller.
func (k *Keyed) Lock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the mutex for key. Calling Unlock for a key that is not
// held is a programming error and panics, matching sync.Mutex semantics.
func (k *Keyed) Unlock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		k.mu.Unlock()
		panic("lock: unlock of unheld key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}
