package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/provara/provara/internal/metrics"
)

// DefaultTimeout bounds how long a gated call waits for a human.
const DefaultTimeout = 15 * time.Minute

// Broker manages pending approval requests. State lives in the store;
// waiter channels resume blocked gate calls when a request reaches a
// terminal state, so nobody polls.
type Broker struct {
	store    *Store
	notifier Notifier
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	waiters map[string]chan Outcome
	timers  map[string]*time.Timer
}

// Option configures a Broker.
type Option func(*Broker)

// WithTimeout overrides the default resolution deadline.
func WithTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithNotifier sets the external notification channel.
func WithNotifier(n Notifier) Option {
	return func(b *Broker) { b.notifier = n }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithMetrics wires approval counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// NewBroker creates a Broker over the given store.
func NewBroker(store *Store, opts ...Option) *Broker {
	b := &Broker{
		store:    store,
		notifier: NopNotifier{},
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
		waiters:  make(map[string]chan Outcome),
		timers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Create registers a pending request, arms its expiry timer, and attempts
// the external notification at least once. Returns the persisted request.
func (b *Broker) Create(ctx context.Context, r Request) (*Request, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.State = StatePending
	r.RequestedAt = time.Now().UTC()
	r.Deadline = r.RequestedAt.Add(b.timeout)

	if err := b.store.insert(ctx, &r); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.waiters[r.ID] = make(chan Outcome, 1)
	b.timers[r.ID] = time.AfterFunc(b.timeout, func() { b.expire(r.ID) })
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.ApprovalsPending.Inc()
	}
	go b.notify(r)
	return &r, nil
}

// notify delivers the pending request to the external channel with a small
// bounded retry. The contract is at-least-one attempt per request; delivery
// failure never fails the escalation itself.
func (b *Broker) notify(r Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.notifier.Notify(ctx, r); err != nil {
		b.logger.Warn("approval notification failed",
			"approval_id", r.ID, "action", r.Action, "error", err)
	}
}

// Resolve moves a pending request to approved or denied, recording resolver
// identity and timestamp. A second resolution attempt, or a resolution
// racing the expiry timer, returns ErrAlreadyResolved.
func (b *Broker) Resolve(ctx context.Context, id string, approved bool, resolver, reason string) (*Request, error) {
	to := StateDenied
	if approved {
		to = StateApproved
	}

	now := time.Now().UTC()
	ok, err := b.store.resolve(ctx, id, to, resolver, reason, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		if _, err := b.store.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyResolved
	}

	b.wake(id, Outcome{State: to, Resolver: resolver, Reason: reason})
	return b.store.Get(ctx, id)
}

// expire is the timer callback: transition to expired and wake the waiter
// with a timeout outcome. Loses gracefully to a concurrent resolution.
func (b *Broker) expire(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ok, err := b.store.resolve(ctx, id, StateExpired, "", "approval_timeout", time.Now().UTC())
	if err != nil {
		b.logger.Error("approval expiry failed", "approval_id", id, "error", err)
		return
	}
	if ok {
		b.wake(id, Outcome{State: StateExpired, Reason: "approval_timeout"})
	}
}

func (b *Broker) wake(id string, out Outcome) {
	b.mu.Lock()
	ch, hasWaiter := b.waiters[id]
	if t, ok := b.timers[id]; ok {
		t.Stop()
		delete(b.timers, id)
	}
	delete(b.waiters, id)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.ApprovalsResolved.WithLabelValues(string(out.State)).Inc()
		if hasWaiter {
			b.metrics.ApprovalsPending.Dec()
		}
	}
	if hasWaiter {
		ch <- out
	}
}

// Wait blocks until the request reaches a terminal state or ctx is
// cancelled. A request that is already terminal returns immediately, so a
// caller that reconnects after the resolution still gets the outcome.
func (b *Broker) Wait(ctx context.Context, id string) (Outcome, error) {
	b.mu.Lock()
	ch, ok := b.waiters[id]
	b.mu.Unlock()

	if !ok {
		r, err := b.store.Get(ctx, id)
		if err != nil {
			return Outcome{}, err
		}
		if !r.State.Terminal() {
			return Outcome{}, fmt.Errorf("approval: request %s pending with no waiter", id)
		}
		return Outcome{State: r.State, Resolver: r.Resolver, Reason: r.Resolution}, nil
	}

	select {
	case out := <-ch:
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Get returns one approval request.
func (b *Broker) Get(ctx context.Context, id string) (*Request, error) {
	return b.store.Get(ctx, id)
}

// List returns approval requests, optionally filtered by state.
func (b *Broker) List(ctx context.Context, state State) ([]*Request, error) {
	return b.store.List(ctx, state)
}

// ExpirePending sweeps requests whose deadline passed while the process was
// down. Called once at startup.
func (b *Broker) ExpirePending(ctx context.Context) error {
	pending, err := b.store.List(ctx, StatePending)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, r := range pending {
		if now.After(r.Deadline) {
			if _, err := b.store.resolve(ctx, r.ID, StateExpired, "", "approval_timeout", now); err != nil {
				return err
			}
		}
	}
	return nil
}
