// Package gate is the synchronous decision point invoked before a gated
// action executes. It delegates to a pluggable policy evaluator and, on
// an approve result, blocks the caller until a human resolves the request
// or the deadline passes.
package gate

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/provara/provara/internal/approval"
	"github.com/provara/provara/internal/event"
	"github.com/provara/provara/internal/metrics"
	"github.com/provara/provara/internal/policy"
)

// ReasonEvaluatorUnavailable is recorded when the evaluator cannot produce
// a decision and the fail-safe default applies.
const ReasonEvaluatorUnavailable = "policy_evaluator_unavailable"

// ReasonApprovalTimeout is recorded when an escalation expires unresolved.
const ReasonApprovalTimeout = "approval_timeout"

// ActionRequest describes one gated action about to execute.
type ActionRequest struct {
	AppID     string            `json:"app_id"`
	SessionID string            `json:"session_id"`
	Actor     event.ActorKind   `json:"actor"`
	ActorID   string            `json:"actor_id,omitempty"`
	Action    string            `json:"action"`
	Risk      policy.Tier       `json:"risk"`
	Payload   map[string]any    `json:"payload,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
}

// Recorder accepts decision events for the ledger. Submission is
// fire-and-forget from the gate's perspective.
type Recorder interface {
	Submit(e *event.Event) error
}

// Versioner exposes the active policy bundle version for normalization.
// The built-in engine satisfies it; remote evaluators report their own.
type Versioner interface {
	Version() string
}

// Gate evaluates gated actions.
type Gate struct {
	evaluator policy.Evaluator
	broker    *approval.Broker
	recorder  Recorder
	failMode  policy.Result
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures a Gate.
type Option func(*Gate)

// WithRecorder wires decision events into the ledger.
func WithRecorder(r Recorder) Option {
	return func(g *Gate) { g.recorder = r }
}

// WithFailMode sets the decision applied when the evaluator is unreachable.
// Anything other than allow collapses to the deny default.
func WithFailMode(r policy.Result) Option {
	return func(g *Gate) {
		if r == policy.Allow {
			g.failMode = policy.Allow
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithMetrics wires decision counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// New creates a Gate over an evaluator and an approval broker.
func New(evaluator policy.Evaluator, broker *approval.Broker, opts ...Option) *Gate {
	g := &Gate{
		evaluator: evaluator,
		broker:    broker,
		failMode:  policy.Deny,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate produces the terminal decision for one gated action. The caller
// must not execute the action on deny. On approve the call blocks until the
// broker resolves the escalation; cancelling ctx abandons the wait (the
// request itself stays pending for the operator).
func (g *Gate) Evaluate(ctx context.Context, req ActionRequest) (policy.Decision, error) {
	in := policy.Input{
		Actor:   req.Actor,
		ActorID: req.ActorID,
		Action:  req.Action,
		Risk:    req.Risk,
		Payload: req.Payload,
		Context: req.Context,
	}
	if v, ok := g.evaluator.(Versioner); ok {
		in.BundleVersion = v.Version()
	}

	decision, err := g.evaluator.Evaluate(ctx, in)
	if err != nil {
		// Never silently allow on evaluator failure.
		g.logger.Error("policy evaluator unavailable",
			"action", req.Action, "app_id", req.AppID, "error", err)
		decision = policy.Decision{
			Result:        g.failMode,
			Reasons:       []string{ReasonEvaluatorUnavailable},
			BundleVersion: in.BundleVersion,
		}
		return g.finish(req, decision)
	}

	if decision.Result == policy.Approve {
		return g.escalate(ctx, req, decision)
	}
	return g.finish(req, decision)
}

// escalate creates the approval request and suspends the caller until the
// broker resolves it.
func (g *Gate) escalate(ctx context.Context, req ActionRequest, decision policy.Decision) (policy.Decision, error) {
	reason := ""
	if len(decision.Reasons) > 0 {
		reason = decision.Reasons[0]
	}
	ar, err := g.broker.Create(ctx, approval.Request{
		AppID:       req.AppID,
		SessionID:   req.SessionID,
		Action:      req.Action,
		Risk:        req.Risk,
		RequestedBy: req.ActorID,
		Reason:      reason,
	})
	if err != nil {
		return policy.Decision{}, err
	}
	decision.ApprovalID = ar.ID

	outcome, err := g.broker.Wait(ctx, ar.ID)
	if err != nil {
		// Caller abandoned the action; the pending request outlives it.
		return policy.Decision{}, err
	}

	switch outcome.State {
	case approval.StateApproved:
		decision.Result = policy.Allow
		decision.Reasons = append(decision.Reasons, "approved by "+outcome.Resolver)
	case approval.StateDenied:
		decision.Result = policy.Deny
		if outcome.Reason != "" {
			decision.Reasons = append(decision.Reasons, outcome.Reason)
		} else {
			decision.Reasons = append(decision.Reasons, "denied by "+outcome.Resolver)
		}
	default: // expired
		decision.Result = policy.Deny
		decision.Reasons = append(decision.Reasons, ReasonApprovalTimeout)
	}
	return g.finish(req, decision)
}

// finish records the decision as a ledger event and updates counters.
func (g *Gate) finish(req ActionRequest, decision policy.Decision) (policy.Decision, error) {
	if g.metrics != nil {
		g.metrics.Decisions.WithLabelValues(string(decision.Result)).Inc()
	}
	if g.recorder != nil {
		var approvals []string
		if decision.ApprovalID != "" {
			approvals = []string{decision.ApprovalID}
		}
		e := &event.Event{
			ID:        uuid.NewString(),
			SessionID: req.SessionID,
			Timestamp: time.Now().UTC(),
			Actor:     req.Actor,
			AppID:     req.AppID,
			Input:     map[string]any{"action": req.Action, "risk": string(req.Risk), "payload": req.Payload},
			Policy: &event.PolicyRef{
				PolicyID:  decision.BundleVersion,
				Decision:  string(decision.Result),
				Reasons:   decision.Reasons,
				Approvals: approvals,
			},
		}
		if err := g.recorder.Submit(e); err != nil {
			g.logger.Error("failed to submit decision event", "action", req.Action, "error", err)
		}
	}
	return decision, nil
}
