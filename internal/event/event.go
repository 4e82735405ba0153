package event

import (
	"fmt"
	"strings"
	"time"
)

// ActorKind identifies who performed the recorded occurrence.
type ActorKind string

const (
	ActorUser    ActorKind = "user"
	ActorAgent   ActorKind = "agent"
	ActorService ActorKind = "service"
)

// Valid reports whether k is one of the closed set of actor kinds.
func (k ActorKind) Valid() bool {
	switch k {
	case ActorUser, ActorAgent, ActorService:
		return true
	}
	return false
}

// ToolCall records one tool invocation inside an event.
type ToolCall struct {
	Name      string         `json:"name"`
	Args      map[string]any `json:"args,omitempty"`
	Result    any            `json:"result,omitempty"`
	LatencyMS int64          `json:"latency_ms,omitempty"`
}

// ModelInfo describes the model behind a model call.
type ModelInfo struct {
	Name     string         `json:"name"`
	Version  string         `json:"version,omitempty"`
	Provider string         `json:"provider,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	CostUSD  float64        `json:"cost_usd,omitempty"`
}

// PolicyRef is the policy-evaluation block attached to a gated event.
type PolicyRef struct {
	PolicyID  string   `json:"policy_id"`
	Decision  string   `json:"decision"`
	Reasons   []string `json:"reasons,omitempty"`
	Approvals []string `json:"approvals,omitempty"`
}

// EvalScore is one evaluation result attached to an event.
type EvalScore struct {
	Name      string   `json:"name"`
	Score     float64  `json:"score"`
	Threshold *float64 `json:"threshold,omitempty"`
	Details   string   `json:"details,omitempty"`
}

// Event is one immutable occurrence in the ledger: a span, a tool call,
// a model call, or a policy decision. Once appended to a stream its fields
// and HashSelf never change.
//
// Seq, HashPrev, and HashSelf are assigned by the chain store at append
// time; drafts submitted for ingestion leave them zero.
type Event struct {
	ID             string      `json:"id"`
	ParentID       string      `json:"parent_id,omitempty"`
	SessionID      string      `json:"session_id"`
	Timestamp      time.Time   `json:"ts"`
	Actor          ActorKind   `json:"actor"`
	AppID          string      `json:"app_id"`
	Input          any         `json:"input,omitempty"`
	Output         any         `json:"output,omitempty"`
	ToolCalls      []ToolCall  `json:"tool_calls,omitempty"`
	Model          *ModelInfo  `json:"model,omitempty"`
	Policy         *PolicyRef  `json:"policy,omitempty"`
	Evals          []EvalScore `json:"evals,omitempty"`
	Seq            int64       `json:"seq,omitempty"`
	HashPrev       string      `json:"hash_prev,omitempty"`
	HashSelf       string      `json:"hash_self,omitempty"`
	Signature      string      `json:"signature,omitempty"`
	RetentionClass string      `json:"retention_class,omitempty"`
}

// Kind classifies an event for export filtering.
func (e *Event) Kind() string {
	switch {
	case e.Policy != nil:
		return "policy"
	case len(e.Evals) > 0:
		return "eval"
	case len(e.ToolCalls) > 0 || e.Model != nil:
		return "trace"
	default:
		return "trace"
	}
}

// ValidationError reports a draft rejected before chaining.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event: missing required fields: %s", strings.Join(e.Missing, ", "))
}

// Validate checks the required fields of a draft. HashSelf is excluded:
// it is assigned during append, not supplied by the producer.
func Validate(e *Event) error {
	var missing []string
	if e.ID == "" {
		missing = append(missing, "id")
	}
	if e.SessionID == "" {
		missing = append(missing, "session_id")
	}
	if e.Timestamp.IsZero() {
		missing = append(missing, "ts")
	}
	if !e.Actor.Valid() {
		missing = append(missing, "actor")
	}
	if e.AppID == "" {
		missing = append(missing, "app_id")
	}
	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	return nil
}

// StreamKey returns the chaining scope for an event: per application,
// narrowed by session when the store is configured for session scoping.
func StreamKey(appID, sessionID string, bySession bool) string {
	if bySession && sessionID != "" {
		return appID + "/" + sessionID
	}
	return appID
}
