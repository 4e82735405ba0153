package gate

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provara/provara/internal/approval"
	"github.com/provara/provara/internal/event"
	"github.com/provara/provara/internal/policy"
	"github.com/provara/provara/internal/storage"
)

type stubEvaluator struct {
	decision policy.Decision
	err      error
}

func (s *stubEvaluator) Evaluate(ctx context.Context, in policy.Input) (policy.Decision, error) {
	return s.decision, s.err
}

type captureRecorder struct {
	mu     sync.Mutex
	events []*event.Event
}

func (r *captureRecorder) Submit(e *event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *captureRecorder) last(t *testing.T) *event.Event {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.events, "no decision event recorded")
	return r.events[len(r.events)-1]
}

func newTestBroker(t *testing.T, opts ...approval.Option) *approval.Broker {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return approval.NewBroker(approval.NewStore(db), opts...)
}

func request() ActionRequest {
	return ActionRequest{
		AppID:     "app",
		SessionID: "s-1",
		Actor:     event.ActorAgent,
		ActorID:   "agent-7",
		Action:    "payments.refund",
		Risk:      policy.TierHigh,
		Payload:   map[string]any{"amount": 750},
	}
}

func TestEvaluateAllowRecordsDecision(t *testing.T) {
	rec := &captureRecorder{}
	eval := &stubEvaluator{decision: policy.Decision{
		Result:        policy.Allow,
		Reasons:       []string{"within limits"},
		BundleVersion: "sha256:v1",
	}}
	g := New(eval, newTestBroker(t), WithRecorder(rec))

	d, err := g.Evaluate(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, policy.Allow, d.Result)

	e := rec.last(t)
	require.NotNil(t, e.Policy)
	assert.Equal(t, "allow", e.Policy.Decision)
	assert.Equal(t, "sha256:v1", e.Policy.PolicyID)
	assert.Equal(t, "app", e.AppID)
	assert.Equal(t, "policy", e.Kind())
	assert.NotEmpty(t, e.ID)
}

func TestEvaluateDeny(t *testing.T) {
	rec := &captureRecorder{}
	eval := &stubEvaluator{decision: policy.Decision{Result: policy.Deny, Reasons: []string{"critical risk"}}}
	g := New(eval, newTestBroker(t), WithRecorder(rec))

	d, err := g.Evaluate(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, policy.Deny, d.Result)
	assert.Equal(t, "deny", rec.last(t).Policy.Decision)
}

func TestEvaluatorFailureDeniesByDefault(t *testing.T) {
	rec := &captureRecorder{}
	eval := &stubEvaluator{err: errors.New("evaluator crashed")}
	g := New(eval, newTestBroker(t), WithRecorder(rec))

	d, err := g.Evaluate(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, policy.Deny, d.Result)
	assert.Contains(t, d.Reasons, ReasonEvaluatorUnavailable)

	// The fail-safe decision is still a recorded decision.
	e := rec.last(t)
	assert.Equal(t, "deny", e.Policy.Decision)
	assert.Contains(t, e.Policy.Reasons, ReasonEvaluatorUnavailable)
}

func TestEvaluatorFailureAllowsInFailOpenMode(t *testing.T) {
	eval := &stubEvaluator{err: errors.New("evaluator crashed")}
	g := New(eval, newTestBroker(t), WithFailMode(policy.Allow))

	d, err := g.Evaluate(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, policy.Allow, d.Result)
	assert.Contains(t, d.Reasons, ReasonEvaluatorUnavailable)
}

func TestApproveEscalationResolvedApproved(t *testing.T) {
	rec := &captureRecorder{}
	broker := newTestBroker(t)
	eval := &stubEvaluator{decision: policy.Decision{
		Result:  policy.Approve,
		Reasons: []string{"amount above threshold"},
	}}
	g := New(eval, broker, WithRecorder(rec))

	done := make(chan struct{})
	var decision policy.Decision
	var evalErr error
	go func() {
		defer close(done)
		decision, evalErr = g.Evaluate(context.Background(), request())
	}()

	// Wait for the escalation to land, then approve it as an operator.
	var pending []*approval.Request
	require.Eventually(t, func() bool {
		var err error
		pending, err = broker.List(context.Background(), approval.StatePending)
		return err == nil && len(pending) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err := broker.Resolve(context.Background(), pending[0].ID, true, "alice", "verified")
	require.NoError(t, err)
	<-done

	require.NoError(t, evalErr)
	assert.Equal(t, policy.Allow, decision.Result)
	assert.Equal(t, pending[0].ID, decision.ApprovalID)
	assert.Contains(t, decision.Reasons, "approved by alice")

	e := rec.last(t)
	assert.Equal(t, "allow", e.Policy.Decision)
	assert.Equal(t, []string{pending[0].ID}, e.Policy.Approvals)
}

func TestApproveEscalationResolvedDenied(t *testing.T) {
	broker := newTestBroker(t)
	eval := &stubEvaluator{decision: policy.Decision{Result: policy.Approve}}
	g := New(eval, broker)

	done := make(chan struct{})
	var decision policy.Decision
	go func() {
		defer close(done)
		decision, _ = g.Evaluate(context.Background(), request())
	}()

	var pending []*approval.Request
	require.Eventually(t, func() bool {
		var err error
		pending, err = broker.List(context.Background(), approval.StatePending)
		return err == nil && len(pending) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err := broker.Resolve(context.Background(), pending[0].ID, false, "alice", "not justified")
	require.NoError(t, err)
	<-done

	assert.Equal(t, policy.Deny, decision.Result)
	assert.Contains(t, decision.Reasons, "not justified")
}

func TestApproveEscalationTimesOut(t *testing.T) {
	broker := newTestBroker(t, approval.WithTimeout(50*time.Millisecond))
	eval := &stubEvaluator{decision: policy.Decision{Result: policy.Approve}}
	rec := &captureRecorder{}
	g := New(eval, broker, WithRecorder(rec))

	d, err := g.Evaluate(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, policy.Deny, d.Result)
	assert.Contains(t, d.Reasons, ReasonApprovalTimeout)
	assert.Contains(t, rec.last(t).Policy.Reasons, ReasonApprovalTimeout)
}

func TestAbandonedEscalationStaysPending(t *testing.T) {
	broker := newTestBroker(t)
	eval := &stubEvaluator{decision: policy.Decision{Result: policy.Approve}}
	g := New(eval, broker)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := g.Evaluate(ctx, request())
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	pending, err := broker.List(context.Background(), approval.StatePending)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "abandoning the wait must not resolve the request")
}
