package ratelimit

import (
	"sync"
	"time"
)

// localEntry holds one key's sliding window. dead marks an entry removed from
// the map while a goroutine may still hold a pointer to it.
type localEntry struct {
	mu           sync.Mutex
	dead         bool
	failures     []time.Time
	blockedUntil time.Time
}

// localBackend is the per-instance fallback limiter: a map of per-key
// lock-protected sliding windows. Different keys never contend on the same
// lock beyond the brief map access.
type localBackend struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

func newLocalBackend() *localBackend {
	return &localBackend{entries: make(map[string]*localEntry)}
}

// entry returns the key's state with its lock held, creating it on demand.
// The dead-flag loop closes the race between a reset deleting an entry and a
// concurrent caller charging the stale pointer.
func (b *localBackend) entry(key string) *localEntry {
	for {
		b.mu.Lock()
		e, ok := b.entries[key]
		if !ok {
			e = &localEntry{}
			b.entries[key] = e
		}
		b.mu.Unlock()

		e.mu.Lock()
		if !e.dead {
			return e
		}
		e.mu.Unlock()
	}
}

func (b *localBackend) check(key string, now time.Time) time.Duration {
	e := b.entry(key)
	defer e.mu.Unlock()

	if e.blockedUntil.After(now) {
		return e.blockedUntil.Sub(now)
	}
	return 0
}

func (b *localBackend) recordFailure(key string, pol Policy, now time.Time) time.Duration {
	e := b.entry(key)
	defer e.mu.Unlock()

	if e.blockedUntil.After(now) {
		return e.blockedUntil.Sub(now)
	}

	cutoff := now.Add(-pol.Window)
	kept := e.failures[:0]
	for _, t := range e.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.failures = append(kept, now)

	if len(e.failures) >= pol.MaxAttempts {
		e.blockedUntil = now.Add(pol.Block)
		e.failures = nil
		return pol.Block
	}
	return 0
}

func (b *localBackend) reset(key string) {
	b.mu.Lock()
	e, ok := b.entries[key]
	if ok {
		delete(b.entries, key)
	}
	b.mu.Unlock()

	if ok {
		e.mu.Lock()
		e.dead = true
		e.mu.Unlock()
	}
}
