package view

import (
	"context"
	"fmt"
	"sync"
	"time"

	"zerosync.dev/core/cache"
	"zerosync.dev/core/zql/source"
)

// DefaultGrace is the window a View survives with zero subscribers before
// its pipeline is torn down, giving a client that reconnects quickly (a
// page navigation, a brief network blip) a chance to reattach to the same
// live view instead of paying to recompile and re-materialize it.
const DefaultGrace = 10 * time.Millisecond

type storeKey struct{ queryHash, clientID string }

func (k storeKey) cacheKey() string { return fmt.Sprintf("zview:%s:%s", k.queryHash, k.clientID) }

type storeEntry struct {
	view       *View
	input      source.Input
	refCount   int
	graceTimer *time.Timer
}

// Builder constructs the pipeline and View for a fresh (queryHash,
// clientID) pair; it is supplied by the caller so Store stays decoupled
// from zql/builder.
type Builder func() (source.Input, *View, error)

// Store is the process-wide (queryHash, clientID) -> *View cache. Every
// Acquire call shares the same live View (and its materialized operator
// graph) across repeated subscriptions to the same query from the same
// client, only tearing the pipeline down after Grace elapses with zero
// live subscribers.
type Store struct {
	mu      sync.Mutex
	entries map[storeKey]*storeEntry
	cache   *cache.Cache
	Grace   time.Duration
}

// NewStore constructs a Store. c may be nil, in which case the TTL
// bookkeeping mirror in redis is skipped (useful for tests and for
// single-process deployments that don't need cross-instance visibility).
func NewStore(c *cache.Cache) *Store {
	return &Store{entries: make(map[storeKey]*storeEntry), cache: c, Grace: DefaultGrace}
}

// Acquire returns the View for (queryHash, clientID), building it via
// build if this is the first subscriber, and increments its reference
// count. Every successful Acquire must be matched by exactly one Release.
func (s *Store) Acquire(queryHash, clientID string, build Builder) (*View, error) {
	k := storeKey{queryHash, clientID}

	s.mu.Lock()
	if e, ok := s.entries[k]; ok {
		if e.graceTimer != nil {
			e.graceTimer.Stop()
			e.graceTimer = nil
		}
		e.refCount++
		s.mu.Unlock()
		return e.view, nil
	}
	s.mu.Unlock()

	in, v, err := build()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[k]; ok {
		// another Acquire won the race while we were building; use it and
		// drop the redundant graph we just built.
		in.Destroy()
		e.refCount++
		return e.view, nil
	}
	s.entries[k] = &storeEntry{view: v, input: in, refCount: 1}
	if s.cache != nil {
		s.cache.Set(context.Background(), k.cacheKey(), "1", 0)
	}
	return v, nil
}

// Release decrements (queryHash, clientID)'s reference count; at zero it
// starts the grace timer, destroying the pipeline only if nothing
// re-Acquires it within Grace.
func (s *Store) Release(queryHash, clientID string) {
	k := storeKey{queryHash, clientID}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok {
		return
	}
	e.refCount--
	if e.refCount > 0 {
		return
	}

	grace := s.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	e.graceTimer = time.AfterFunc(grace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		cur, ok := s.entries[k]
		if !ok || cur.refCount > 0 {
			return
		}
		cur.input.Destroy()
		delete(s.entries, k)
		if s.cache != nil {
			s.cache.Del(context.Background(), k.cacheKey())
		}
	})
}

// Len reports the number of live (queryHash, clientID) entries, including
// ones currently in their grace period. Exposed for tests.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
