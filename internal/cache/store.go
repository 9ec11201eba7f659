package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Store is the process-wide resource cache. Every operation is synchronous
// and atomic with respect to the others.
//
// Writes are stamped with a generation taken when their request was issued.
// PutIssued discards a write whose stamp is older than the entry already held
// for the key, or older than the latest invalidation covering the key.
type Store struct {
	backend Backend
	clock   clock.Clock

	generation atomic.Uint64

	mu           sync.Mutex
	floors       map[string]uint64
	prefixFloors map[string]uint64
	globalFloor  uint64
}

// New wraps backend in a Store. A nil backend selects the memory backend and a
// nil clock selects the wall clock.
func New(backend Backend, clk clock.Clock) *Store {
	if backend == nil {
		backend = NewMemory()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		backend:      backend,
		clock:        clk,
		floors:       make(map[string]uint64),
		prefixFloors: make(map[string]uint64),
	}
}

// Now reports the store clock's current time.
func (s *Store) Now() time.Time {
	return s.clock.Now()
}

// NextGeneration reserves the stamp for a request about to be issued.
func (s *Store) NextGeneration() uint64 {
	return s.generation.Add(1)
}

// Get returns the entry for key when present.
func (s *Store) Get(key Key) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Load(key.String())
}

// Put overwrites any entry for key with payload stamped at the current time.
func (s *Store) Put(key Key, payload []byte) error {
	gen := s.NextGeneration()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(key, payload, gen)
}

// PutIssued writes payload only when generation is still current for key. It
// reports whether the write was applied.
func (s *Store) PutIssued(key Key, payload []byte, generation uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if generation < s.globalFloor || generation < s.floors[key.String()] {
		return false, nil
	}
	for prefix, floor := range s.prefixFloors {
		if generation < floor && strings.HasPrefix(key.URL, prefix) {
			return false, nil
		}
	}
	if existing, ok := s.backend.Load(key.String()); ok && existing.Generation > generation {
		return false, nil
	}
	if err := s.save(key, payload, generation); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) save(key Key, payload []byte, generation uint64) error {
	canonical := key.String()
	entry := Entry{
		Payload:    payload,
		StoredAt:   s.clock.Now(),
		Generation: generation,
	}
	if err := s.backend.Save(canonical, entry); err != nil {
		return err
	}
	if floor, ok := s.floors[canonical]; ok && floor <= generation {
		delete(s.floors, canonical)
	}
	return nil
}

// Invalidate removes the entry for key. Requests issued before the call can no
// longer write the key.
func (s *Store) Invalidate(key Key) {
	floor := s.NextGeneration()
	s.mu.Lock()
	defer s.mu.Unlock()
	canonical := key.String()
	s.backend.Delete(canonical)
	s.floors[canonical] = floor
}

// InvalidatePrefix removes every entry, authenticated or not, whose URL starts
// with urlPrefix.
func (s *Store) InvalidatePrefix(urlPrefix string) {
	if urlPrefix == "" {
		return
	}
	floor := s.NextGeneration()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backend.DeletePrefix(scopePrefix(true) + urlPrefix)
	s.backend.DeletePrefix(scopePrefix(false) + urlPrefix)
	s.prefixFloors[urlPrefix] = floor
}

// Clear drops every entry.
func (s *Store) Clear() {
	floor := s.NextGeneration()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backend.Reset()
	s.globalFloor = floor
	clear(s.floors)
	clear(s.prefixFloors)
}

// IsFresh reports whether entry may be served under ttl. A nil ttl never
// expires, a non-positive ttl is never fresh, and otherwise the entry is fresh
// while its age is below ttl.
func (s *Store) IsFresh(entry Entry, ttl *time.Duration) bool {
	if ttl == nil {
		return true
	}
	if *ttl <= 0 {
		return false
	}
	return s.clock.Since(entry.StoredAt) < *ttl
}

// Len reports the number of entries held by the backend.
func (s *Store) Len() int {
	return s.backend.Len()
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
