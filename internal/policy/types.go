// Package policy defines the evaluator capability consumed by the gate and
// a built-in rule-bundle evaluator.
package policy

import (
	"context"

	"github.com/provara/provara/internal/event"
)

// Result is the closed set of decision outcomes.
type Result string

const (
	Allow   Result = "allow"
	Deny    Result = "deny"
	Approve Result = "approve"
)

// Valid reports whether r is a known decision result.
func (r Result) Valid() bool {
	switch r {
	case Allow, Deny, Approve:
		return true
	}
	return false
}

// Tier is the declared risk tier of a gated action.
type Tier string

const (
	TierLow      Tier = "low"
	TierMedium   Tier = "medium"
	TierHigh     Tier = "high"
	TierCritical Tier = "critical"
)

// rank orders tiers for threshold comparisons. Unknown tiers rank highest
// so an unrecognized declaration never slips below a threshold.
func (t Tier) rank() int {
	switch t {
	case TierLow:
		return 0
	case TierMedium:
		return 1
	case TierHigh:
		return 2
	case TierCritical:
		return 3
	}
	return 3
}

// Input is the normalized shape handed to an evaluator.
type Input struct {
	Actor         event.ActorKind   `json:"actor"`
	ActorID       string            `json:"actor_id,omitempty"`
	Action        string            `json:"action"`
	Risk          Tier              `json:"risk"`
	Payload       map[string]any    `json:"payload,omitempty"`
	BundleVersion string            `json:"bundle_version"`
	Context       map[string]string `json:"context,omitempty"`
}

// Decision is the evaluator's answer for one gated action.
type Decision struct {
	Result        Result         `json:"result"`
	Reasons       []string       `json:"reasons"`
	BundleVersion string         `json:"bundle_version"`
	ApprovalID    string         `json:"approval_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Evaluator is the pluggable policy capability. Implementations must be
// deterministic for a fixed (input, bundle version) pair. In-process,
// sandboxed, and remote evaluators all satisfy this one method.
type Evaluator interface {
	Evaluate(ctx context.Context, in Input) (Decision, error)
}
