// Package binding exposes cached, cancellable resource state to consumers.
package binding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/l0p7/storesync/internal/cache"
	"github.com/l0p7/storesync/internal/fetch"
	"github.com/l0p7/storesync/internal/metrics"
)

// State is a consumer-facing snapshot of a bound resource.
type State struct {
	URL     string
	Data    []byte
	Loading bool
	// Err is the typed *fetch.Error of the last failed call.
	Err error
	// Message is a presentable rendering of Err.
	Message   string
	FromCache bool
	UpdatedAt time.Time
}

// Decode unmarshals the JSON payload into v.
func (s State) Decode(v any) error {
	if len(s.Data) == 0 {
		return errors.New("binding: no data")
	}
	if err := json.Unmarshal(s.Data, v); err != nil {
		return fmt.Errorf("binding: decode: %w", err)
	}
	return nil
}

// Binder creates bindings over a shared coordinator and cache.
type Binder struct {
	coordinator *fetch.Coordinator
	store       *cache.Store
	logger      *slog.Logger
	metrics     *metrics.Recorder
}

// NewBinder wires a Binder to coordinator and the cache it writes to.
func NewBinder(coordinator *fetch.Coordinator, logger *slog.Logger, rec *metrics.Recorder) *Binder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Binder{
		coordinator: coordinator,
		store:       coordinator.Store(),
		logger:      logger.With(slog.String("agent", "binding")),
		metrics:     rec,
	}
}

// Binding tracks one resource for one consumer. It lives until Close is
// called or the context passed to Bind is done.
type Binding struct {
	binder *Binder
	slot   *fetch.Slot
	ctx    context.Context
	stop   func() bool

	mu         sync.Mutex
	url        string
	policy     fetch.Policy
	key        cache.Key
	generation uint64
	state      State
	changed    chan struct{}
	closed     bool
}

// Bind starts tracking url under policy. A fresh cache entry is served
// synchronously; otherwise a fetch starts and the state reports Loading.
func (b *Binder) Bind(ctx context.Context, url string, policy fetch.Policy) *Binding {
	bd := &Binding{
		binder:  b,
		slot:    b.coordinator.Slot(),
		ctx:     ctx,
		url:     url,
		policy:  policy,
		changed: make(chan struct{}),
	}
	bd.stop = context.AfterFunc(ctx, bd.Close)

	bd.mu.Lock()
	defer bd.mu.Unlock()
	bd.cycleLocked(false)
	return bd
}

// Snapshot returns the current state.
func (bd *Binding) Snapshot() State {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	return bd.state
}

// Changed returns a channel closed at the next state change.
func (bd *Binding) Changed() <-chan struct{} {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	return bd.changed
}

// Wait blocks until the binding is not loading, it is closed, or ctx is done.
func (bd *Binding) Wait(ctx context.Context) (State, error) {
	for {
		bd.mu.Lock()
		state, ch, closed := bd.state, bd.changed, bd.closed
		bd.mu.Unlock()
		if !state.Loading || closed {
			return state, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return state, ctx.Err()
		}
	}
}

// Refetch drops the cache entry and performs a forced call.
func (bd *Binding) Refetch() {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	if bd.closed {
		return
	}
	if store := bd.binder.store; store != nil {
		if resolved, err := bd.binder.coordinator.Resolve(bd.url); err == nil {
			store.Invalidate(cache.NewKey(resolved, bd.policy.RequiresAuth))
		}
	}
	bd.cycleLocked(true)
}

// Rebind retargets the binding. Any in-flight call is superseded and data of
// the previous resource is cleared.
func (bd *Binding) Rebind(url string, policy fetch.Policy) {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	if bd.closed || (url == bd.url && samePolicy(policy, bd.policy)) {
		return
	}
	bd.url = url
	bd.policy = policy
	bd.cycleLocked(false)
}

// Close cancels the in-flight call. No further state change is committed.
func (bd *Binding) Close() {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	if bd.closed {
		return
	}
	bd.closed = true
	bd.generation++
	bd.slot.Cancel()
	if bd.stop != nil {
		bd.stop()
	}
	bd.state.Loading = false
	bd.notifyLocked()
}

func (bd *Binding) cycleLocked(forced bool) {
	bd.generation++
	generation := bd.generation
	binder := bd.binder

	resolved, err := binder.coordinator.Resolve(bd.url)
	if err != nil {
		bd.slot.Cancel()
		bd.key = cache.Key{}
		bd.state.URL = bd.url
		bd.failLocked(err)
		return
	}

	key := cache.NewKey(resolved, bd.policy.RequiresAuth)
	if key != bd.key {
		bd.state = State{URL: resolved}
		bd.key = key
	}

	if store := binder.store; store != nil && !forced && !bd.policy.SkipCache {
		if entry, ok := store.Get(key); ok && store.IsFresh(entry, bd.policy.TTL) {
			bd.slot.Cancel()
			binder.metrics.ObserveCacheLookup(metrics.CacheLookupHit)
			bd.state = State{URL: resolved, Data: entry.Payload, FromCache: true, UpdatedAt: entry.StoredAt}
			bd.notifyLocked()
			return
		} else if ok {
			binder.metrics.ObserveCacheLookup(metrics.CacheLookupStale)
		} else {
			binder.metrics.ObserveCacheLookup(metrics.CacheLookupMiss)
		}
	} else {
		binder.metrics.ObserveCacheLookup(metrics.CacheLookupBypass)
	}

	callCtx, done := bd.slot.Begin(bd.ctx)
	bd.state.Loading = true
	bd.notifyLocked()

	url, policy := bd.url, bd.policy
	go func() {
		defer done()
		resp, err := binder.coordinator.Issue(callCtx, url, policy, fetch.RequestOptions{Fresh: forced})
		bd.commit(generation, resp, err)
	}()
}

func (bd *Binding) commit(generation uint64, resp fetch.Response, err error) {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	if bd.closed || generation != bd.generation {
		bd.binder.metrics.ObserveSuperseded("generation")
		return
	}
	if err != nil {
		if fetch.IsCancelled(err) {
			bd.state.Loading = false
			bd.notifyLocked()
			return
		}
		bd.binder.logger.Debug("binding fetch failed",
			slog.String("url", bd.state.URL),
			slog.String("kind", string(fetch.KindOf(err))),
			slog.Any("error", err),
		)
		bd.failLocked(err)
		return
	}
	bd.state = State{URL: bd.state.URL, Data: resp.Body, UpdatedAt: bd.now()}
	bd.notifyLocked()
}

// failLocked records err and drops any data so stale data is not shown next
// to a fresh error.
func (bd *Binding) failLocked(err error) {
	bd.state = State{
		URL:       bd.state.URL,
		Err:       err,
		Message:   fetch.Describe(err),
		UpdatedAt: bd.now(),
	}
	bd.notifyLocked()
}

func (bd *Binding) notifyLocked() {
	close(bd.changed)
	bd.changed = make(chan struct{})
}

func (bd *Binding) now() time.Time {
	if store := bd.binder.store; store != nil {
		return store.Now()
	}
	return time.Now()
}

func samePolicy(a, b fetch.Policy) bool {
	if a.RequiresAuth != b.RequiresAuth || a.SkipCache != b.SkipCache {
		return false
	}
	if a.TTL == nil || b.TTL == nil {
		return a.TTL == nil && b.TTL == nil
	}
	return *a.TTL == *b.TTL
}
