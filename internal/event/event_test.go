package event

import (
	"errors"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	valid := Event{
		ID:        "ev-1",
		SessionID: "s-1",
		Timestamp: time.Now(),
		Actor:     ActorUser,
		AppID:     "app",
	}
	if err := Validate(&valid); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}

	missing := Event{Actor: ActorKind("robot")}
	err := Validate(&missing)
	if err == nil {
		t.Fatal("empty event accepted")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	want := []string{"id", "session_id", "ts", "actor", "app_id"}
	if len(verr.Missing) != len(want) {
		t.Fatalf("missing = %v, want %v", verr.Missing, want)
	}
}

func TestActorKindValid(t *testing.T) {
	for _, k := range []ActorKind{ActorUser, ActorAgent, ActorService} {
		if !k.Valid() {
			t.Errorf("%q reported invalid", k)
		}
	}
	for _, k := range []ActorKind{"", "robot", "User"} {
		if k.Valid() {
			t.Errorf("%q reported valid", k)
		}
	}
}

func TestKind(t *testing.T) {
	cases := []struct {
		name string
		e    Event
		want string
	}{
		{"plain span", Event{}, "trace"},
		{"tool call", Event{ToolCalls: []ToolCall{{Name: "search"}}}, "trace"},
		{"model call", Event{Model: &ModelInfo{Name: "m"}}, "trace"},
		{"policy decision", Event{Policy: &PolicyRef{PolicyID: "p", Decision: "deny"}}, "policy"},
		{"eval result", Event{Evals: []EvalScore{{Name: "toxicity", Score: 0.1}}}, "eval"},
		{"policy wins over evals", Event{Policy: &PolicyRef{}, Evals: []EvalScore{{}}}, "policy"},
	}
	for _, tc := range cases {
		if got := tc.e.Kind(); got != tc.want {
			t.Errorf("%s: Kind() = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestStreamKey(t *testing.T) {
	if got := StreamKey("app", "s1", false); got != "app" {
		t.Errorf("app scope = %q", got)
	}
	if got := StreamKey("app", "s1", true); got != "app/s1" {
		t.Errorf("session scope = %q", got)
	}
	if got := StreamKey("app", "", true); got != "app" {
		t.Errorf("session scope with empty session = %q", got)
	}
}
