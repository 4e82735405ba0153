// Package approval tracks human-in-the-loop escalations as a small state
// machine: pending -> approved | denied | expired. Terminal states are
// final.
package approval

import (
	"errors"
	"time"

	"github.com/provara/provara/internal/policy"
)

// State is the closed set of approval request states.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateDenied   State = "denied"
	StateExpired  State = "expired"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool { return s != StatePending }

// ErrAlreadyResolved is returned for a resolution attempt on a request that
// is already in a terminal state.
var ErrAlreadyResolved = errors.New("approval: already resolved")

// ErrNotFound is returned for an unknown approval request.
var ErrNotFound = errors.New("approval: not found")

// Request is one escalation created by the policy gate.
type Request struct {
	ID          string      `json:"id"`
	AppID       string      `json:"app_id"`
	SessionID   string      `json:"session_id,omitempty"`
	Action      string      `json:"action"`
	Risk        policy.Tier `json:"risk,omitempty"`
	RequestedBy string      `json:"requested_by,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	State       State       `json:"state"`
	Resolver    string      `json:"resolver,omitempty"`
	Resolution  string      `json:"resolution,omitempty"`
	RequestedAt time.Time   `json:"requested_at"`
	Deadline    time.Time   `json:"deadline"`
	ResolvedAt  *time.Time  `json:"resolved_at,omitempty"`
}

// Outcome is what a blocked gate call receives when a request reaches a
// terminal state.
type Outcome struct {
	State    State
	Resolver string
	Reason   string
}
