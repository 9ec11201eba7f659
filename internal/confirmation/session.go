// Package confirmation tracks a time-bounded external confirmation, such as a
// payment, with a one second countdown and a periodic status poll.
package confirmation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"

	"github.com/l0p7/storesync/internal/metrics"
)

const (
	defaultPollInterval  = 5 * time.Second
	defaultCancelTimeout = 10 * time.Second
)

// Options configure a Service.
type Options struct {
	Checker    StatusChecker
	Canceller  OrderCanceller
	Classifier Classifier
	Clock      clock.Clock
	// PollInterval defaults to five seconds.
	PollInterval time.Duration
	// CancelTimeout bounds the best-effort cancellation issued on expiry.
	CancelTimeout time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
}

// Service starts confirmation sessions against shared collaborators.
type Service struct {
	checker       StatusChecker
	canceller     OrderCanceller
	classifier    Classifier
	clock         clock.Clock
	pollInterval  time.Duration
	cancelTimeout time.Duration
	logger        *slog.Logger
	metrics       *metrics.Recorder
	validate      *validator.Validate
}

func NewService(opts Options) (*Service, error) {
	if opts.Checker == nil {
		return nil, errors.New("confirmation: status checker required")
	}
	if opts.Canceller == nil {
		return nil, errors.New("confirmation: order canceller required")
	}
	svc := &Service{
		checker:       opts.Checker,
		canceller:     opts.Canceller,
		classifier:    opts.Classifier,
		clock:         opts.Clock,
		pollInterval:  opts.PollInterval,
		cancelTimeout: opts.CancelTimeout,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
	}
	if svc.classifier == nil {
		svc.classifier = DefaultClassifier{}
	}
	if svc.clock == nil {
		svc.clock = clock.New()
	}
	if svc.pollInterval <= 0 {
		svc.pollInterval = defaultPollInterval
	}
	if svc.cancelTimeout <= 0 {
		svc.cancelTimeout = defaultCancelTimeout
	}
	if svc.logger == nil {
		svc.logger = slog.Default()
	}
	svc.logger = svc.logger.With(slog.String("agent", "confirmation"))
	return svc, nil
}

// StartParams identify the order being confirmed.
type StartParams struct {
	OrderID        string `validate:"required"`
	Token          string `validate:"required"`
	TimeoutSeconds int    `validate:"gt=0"`
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	OrderID          string `json:"orderId"`
	Status           Status `json:"status"`
	RemainingSeconds int    `json:"remainingSeconds"`
}

// Session is one pending confirmation. Its timers are owned by a single loop
// goroutine and released on every exit path.
type Session struct {
	svc      *Service
	orderID  string
	token    string
	deadline time.Time
	logger   *slog.Logger

	countdown *clock.Ticker
	poll      *clock.Ticker

	mu          sync.Mutex
	status      Status
	remaining   int
	subscribers []func(Snapshot)

	cancelMu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

type pollResult struct {
	report StatusReport
	err    error
}

// Start validates params and begins the countdown and polling. The session
// is torn down without a transition when ctx is done.
func (s *Service) Start(ctx context.Context, params StartParams) (*Session, error) {
	if err := s.validate.Struct(params); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}

	now := s.clock.Now()
	sess := &Session{
		svc:       s,
		orderID:   params.OrderID,
		token:     params.Token,
		deadline:  now.Add(time.Duration(params.TimeoutSeconds) * time.Second),
		logger:    s.logger.With(slog.String("order_id", params.OrderID)),
		countdown: s.clock.Ticker(time.Second),
		poll:      s.clock.Ticker(s.pollInterval),
		status:    Pending,
		remaining: params.TimeoutSeconds,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	sess.logger.Info("confirmation session started", slog.Int("timeout_seconds", params.TimeoutSeconds))
	go sess.loop(ctx)
	return sess, nil
}

// OrderID returns the order the session confirms.
func (s *Session) OrderID() string { return s.orderID }

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// RemainingSeconds returns the countdown value.
func (s *Session) RemainingSeconds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{OrderID: s.orderID, Status: s.status, RemainingSeconds: s.remaining}
}

// OnTerminal registers fn to run once when the session reaches a terminal
// status. fn runs immediately when the session is already terminal.
func (s *Session) OnTerminal(fn func(Snapshot)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	if s.status.Terminal() {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		fn(snap)
		return
	}
	s.subscribers = append(s.subscribers, fn)
	s.mu.Unlock()
}

// Done is closed once the session's loop has exited and its timers are
// released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears the session down without a transition. It does not wait; use
// Done for that.
func (s *Session) Close() {
	s.stop()
}

// Cancel asks the backend to cancel the order and waits for the answer. On
// acknowledgement the session becomes Cancelled. On failure it stays Pending
// and a *CancelError is returned; Cancel may be called again.
func (s *Session) Cancel(ctx context.Context, reason string) error {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()

	switch st := s.Status(); {
	case st == Cancelled:
		return nil
	case st.Terminal():
		return ErrTerminal
	case s.stopped():
		return ErrClosed
	}

	err := s.svc.canceller.CancelOrder(ctx, s.orderID, reason)
	s.svc.metrics.ObserveCancel("user", err == nil)
	if err != nil {
		s.logger.Warn("order cancellation failed", slog.Any("error", err))
		return &CancelError{OrderID: s.orderID, Err: err}
	}
	if s.transition(Cancelled) {
		return nil
	}
	// Another terminal status or a teardown won while the call was in flight.
	if s.Status().Terminal() {
		return ErrTerminal
	}
	return ErrClosed
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.done)
	defer s.countdown.Stop()
	defer s.poll.Stop()

	results := make(chan pollResult, 1)
	polling := false
	var pollCancel context.CancelFunc
	defer func() {
		if pollCancel != nil {
			pollCancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.stop()
			s.logger.Debug("confirmation session torn down", slog.Any("cause", ctx.Err()))
			return
		case <-s.stopCh:
			return
		case now := <-s.countdown.C:
			if s.tick(now) {
				continue
			}
			s.countdown.Stop()
			s.poll.Stop()
			if pollCancel != nil {
				pollCancel()
				pollCancel = nil
			}
			if s.Status() == Expired {
				s.cancelOnExpiry(ctx)
			}
			return
		case <-s.poll.C:
			if polling || s.Status().Terminal() {
				continue
			}
			polling = true
			var pollCtx context.Context
			pollCtx, pollCancel = context.WithCancel(ctx)
			go func() {
				report, err := s.svc.checker.CheckStatus(pollCtx, s.token)
				results <- pollResult{report: report, err: err}
			}()
		case res := <-results:
			polling = false
			if pollCancel != nil {
				pollCancel()
				pollCancel = nil
			}
			if s.applyPoll(res) {
				return
			}
		}
	}
}

// tick recomputes the countdown from the deadline. It reports false once the
// session is no longer pending, expiring it when the deadline has passed.
func (s *Session) tick(now time.Time) bool {
	remaining := int(math.Ceil(s.deadline.Sub(now).Seconds()))
	if remaining < 0 {
		remaining = 0
	}

	s.mu.Lock()
	if s.status != Pending {
		s.mu.Unlock()
		return false
	}
	s.remaining = remaining
	s.mu.Unlock()

	if remaining > 0 {
		return true
	}
	s.transition(Expired)
	return false
}

// applyPoll commits a poll result and reports whether the session finished.
func (s *Session) applyPoll(res pollResult) bool {
	if res.err != nil {
		s.svc.metrics.ObservePoll("error")
		s.logger.Debug("status poll failed", slog.Any("error", res.err))
		return s.Status().Terminal()
	}
	next := s.svc.classifier.Classify(res.report)
	s.svc.metrics.ObservePoll(string(next))
	if !next.Terminal() {
		return s.Status().Terminal()
	}
	s.transition(next)
	return true
}

func (s *Session) cancelOnExpiry(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.svc.cancelTimeout)
	defer cancel()
	err := s.svc.canceller.CancelOrder(ctx, s.orderID, "confirmation window expired")
	s.svc.metrics.ObserveCancel("expiry", err == nil)
	if err != nil {
		s.logger.Warn("best-effort cancellation after expiry failed", slog.Any("error", err))
	}
}

// transition moves a pending session to next and notifies subscribers. It
// reports false when the session was already terminal.
func (s *Session) transition(next Status) bool {
	s.mu.Lock()
	if s.status.Terminal() || s.stopped() {
		s.mu.Unlock()
		return false
	}
	s.status = next
	if next == Expired {
		s.remaining = 0
	}
	subscribers := s.subscribers
	s.subscribers = nil
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.stop()
	s.svc.metrics.ObserveTransition(string(next))
	s.logger.Info("confirmation session finished",
		slog.String("status", string(next)),
		slog.Int("remaining_seconds", snap.RemainingSeconds),
	)
	for _, fn := range subscribers {
		fn(snap)
	}
	return true
}

func (s *Session) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Session) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}
