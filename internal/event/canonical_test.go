package event

import (
	"bytes"
	"testing"
	"time"
)

func TestCanonicalJSONSortsMapKeys(t *testing.T) {
	a := map[string]any{"zebra": 1, "alpha": 2, "mid": map[string]any{"y": 1, "x": 2}}
	got, err := CanonicalJSON(a)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	want := `{"alpha":2,"mid":{"x":2,"y":1},"zebra":1}`
	if string(got) != want {
		t.Fatalf("canonical form = %s, want %s", got, want)
	}
}

func TestCanonicalJSONDeterministic(t *testing.T) {
	e := &Event{
		ID:        "ev-1",
		SessionID: "s-1",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Actor:     ActorAgent,
		AppID:     "app",
		Input:     map[string]any{"b": 2, "a": 1},
	}
	first, err := CanonicalJSON(e)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := CanonicalJSON(e)
		if err != nil {
			t.Fatalf("CanonicalJSON: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("iteration %d produced different bytes:\n%s\n%s", i, first, again)
		}
	}
}

func TestCanonicalJSONNoHTMLEscaping(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{"url": "https://a.example/x?y=1&z=2"})
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	if bytes.Contains(got, []byte(`\u0026`)) {
		t.Fatalf("canonical form HTML-escapes ampersands: %s", got)
	}
	if !bytes.Contains(got, []byte("&")) {
		t.Fatalf("literal ampersand lost: %s", got)
	}
}

func TestCanonicalJSONStableAcrossDecode(t *testing.T) {
	// Large integers must survive a decode round trip byte-identically,
	// otherwise recomputed hashes diverge from stored ones.
	e := &Event{
		ID:        "ev-bigint",
		SessionID: "s-1",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Actor:     ActorAgent,
		AppID:     "app",
		Input:     map[string]any{"amount_cents": int64(9007199254740993)},
	}
	before, err := CanonicalJSON(e)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}

	decoded, err := Decode(before)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	after, err := CanonicalJSON(decoded)
	if err != nil {
		t.Fatalf("CanonicalJSON after decode: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Fatalf("canonical form changed across decode:\n%s\n%s", before, after)
	}
}
