package fetch

import (
	"context"
	"sync"
)

// Slot serializes the calls of one logical binding. Beginning a call on a slot
// cancels the slot's previous in-flight call first.
type Slot struct {
	coordinator *Coordinator

	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
}

// Slot allocates a supersede slot bound to c.
func (c *Coordinator) Slot() *Slot {
	return &Slot{coordinator: c}
}

// Begin cancels the in-flight call, if any, and returns the context for the
// next one. done must be called once that call returns.
func (s *Slot) Begin(ctx context.Context) (callCtx context.Context, done func()) {
	callCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.seq++
	seq := s.seq
	s.cancel = cancel
	s.mu.Unlock()

	return callCtx, func() {
		s.mu.Lock()
		if s.seq == seq {
			s.cancel = nil
		}
		s.mu.Unlock()
		cancel()
	}
}

// Issue supersedes the slot's in-flight call and performs a new one.
func (s *Slot) Issue(ctx context.Context, rawURL string, policy Policy, opts RequestOptions) (Response, error) {
	callCtx, done := s.Begin(ctx)
	defer done()
	return s.coordinator.Issue(callCtx, rawURL, policy, opts)
}

// Cancel aborts the slot's in-flight call without issuing a new one.
func (s *Slot) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
