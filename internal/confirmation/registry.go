package confirmation

import (
	"context"
	"sync"
	"time"
)

const defaultRetention = 5 * time.Minute

// Registry keeps at most one live session per order. Finished sessions stay
// readable for the retention period and are then forgotten.
type Registry struct {
	svc       *Service
	ctx       context.Context
	retention time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry starts sessions bound to ctx, so cancelling ctx tears every
// session down. A non-positive retention selects five minutes.
func NewRegistry(ctx context.Context, svc *Service, retention time.Duration) *Registry {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Registry{svc: svc, ctx: ctx, retention: retention, sessions: make(map[string]*Session)}
}

// Start begins a session for params.OrderID, tearing down any previous one
// for the same order.
func (r *Registry) Start(params StartParams) (*Session, error) {
	sess, err := r.svc.Start(r.ctx, params)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	previous := r.sessions[params.OrderID]
	r.sessions[params.OrderID] = sess
	r.mu.Unlock()
	if previous != nil {
		previous.Close()
	}
	sess.OnTerminal(func(Snapshot) {
		r.svc.clock.AfterFunc(r.retention, func() { r.forget(params.OrderID, sess) })
	})
	return sess, nil
}

// forget drops sess unless a newer session took its place.
func (r *Registry) forget(orderID string, sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[orderID] == sess {
		delete(r.sessions, orderID)
	}
}

// Get returns the session tracked for orderID, terminal or not.
func (r *Registry) Get(orderID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[orderID]
	return sess, ok
}

// Release tears down and forgets the session for orderID.
func (r *Registry) Release(orderID string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[orderID]
	delete(r.sessions, orderID)
	r.mu.Unlock()
	if ok {
		sess.Close()
	}
	return ok
}

// Len reports how many sessions are tracked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close tears down every tracked session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
}
