// Package memory is an in-process cache.Store backed by an LRU list.
package memory

import (
	"context"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"

	"marketarbiter/internal/cache"
)

type item struct {
	entry     cache.Entry
	retainTil time.Time
}

// Store keeps at most MaxEntries entries and evicts the least recently used.
// A zero MaxEntries means unbounded, which suits a development L2.
type Store struct {
	now func() time.Time

	mu        sync.Mutex
	items     *lru.LRU[string, item]
	evictions int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(maxEntries int, opts ...Option) (*Store, error) {
	if maxEntries <= 0 {
		maxEntries = math.MaxInt
	}
	s := &Store{now: time.Now}
	for _, o := range opts {
		o(s)
	}
	l, err := lru.NewLRU[string, item](maxEntries, nil)
	if err != nil {
		return nil, err
	}
	s.items = l
	return s, nil
}

func (s *Store) Get(_ context.Context, key string) (cache.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items.Get(key)
	if !ok {
		return cache.Entry{}, cache.ErrMiss
	}
	if !s.now().Before(it.retainTil) {
		s.items.Remove(key)
		return cache.Entry{}, cache.ErrMiss
	}
	return it.entry, nil
}

// Set keeps the newer of e and the stored entry by CreatedAt.
func (s *Store) Set(_ context.Context, e cache.Entry, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.items.Peek(e.Key); ok && cur.entry.CreatedAt.After(e.CreatedAt) && s.now().Before(cur.retainTil) {
		return nil
	}
	if s.items.Add(e.Key, item{entry: e, retainTil: s.now().Add(retention)}) {
		s.evictions++
	}
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	s.items.Remove(key)
	s.mu.Unlock()
	return nil
}

// Purge drops entries past their retention.
func (s *Store) Purge(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, k := range s.items.Keys() {
		if it, ok := s.items.Peek(k); ok && !now.Before(it.retainTil) {
			s.items.Remove(k)
			n++
		}
	}
	return n, nil
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.Len()
}

// Evictions counts entries dropped for capacity.
func (s *Store) Evictions() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictions
}
