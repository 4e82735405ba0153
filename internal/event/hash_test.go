package event

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"
)

func TestGenesisHashShape(t *testing.T) {
	if !strings.HasPrefix(GenesisHash, "sha256:") {
		t.Fatalf("genesis hash missing prefix: %s", GenesisHash)
	}
	raw, err := DecodeHash(GenesisHash)
	if err != nil {
		t.Fatalf("DecodeHash(genesis): %v", err)
	}
	for _, b := range raw {
		if b != 0 {
			t.Fatalf("genesis hash is not all zeros: %x", raw)
		}
	}
}

func TestHashBytes(t *testing.T) {
	sum := sha256.Sum256([]byte("hello world"))
	want := "sha256:" + hex.EncodeToString(sum[:])
	if got := HashBytes([]byte("hello "), []byte("world")); got != want {
		t.Fatalf("HashBytes = %s, want %s", got, want)
	}
}

func TestDecodeHashErrors(t *testing.T) {
	cases := []string{
		"deadbeef",
		"sha256:zzzz",
		"sha256:abcd",
		"md5:" + strings.Repeat("00", 32),
	}
	for _, c := range cases {
		if _, err := DecodeHash(c); err == nil {
			t.Errorf("DecodeHash(%q) accepted invalid input", c)
		}
	}
}

func testEvent() *Event {
	return &Event{
		ID:        "ev-1",
		SessionID: "s-1",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Actor:     ActorAgent,
		AppID:     "app",
		Input:     map[string]any{"q": "weather"},
		Seq:       1,
		HashPrev:  GenesisHash,
	}
}

func TestComputeHashSelfExcludesSignatureAndSelf(t *testing.T) {
	e := testEvent()
	base, err := ComputeHashSelf(e)
	if err != nil {
		t.Fatalf("ComputeHashSelf: %v", err)
	}

	signed := *e
	signed.HashSelf = base
	signed.Signature = "sig-bytes"
	again, err := ComputeHashSelf(&signed)
	if err != nil {
		t.Fatalf("ComputeHashSelf: %v", err)
	}
	if again != base {
		t.Fatalf("hash changed after setting hash_self/signature: %s vs %s", again, base)
	}
}

func TestComputeHashSelfCoversHashPrev(t *testing.T) {
	a := testEvent()
	b := testEvent()
	b.HashPrev = "sha256:" + strings.Repeat("11", 32)

	ha, err := ComputeHashSelf(a)
	if err != nil {
		t.Fatalf("ComputeHashSelf: %v", err)
	}
	hb, err := ComputeHashSelf(b)
	if err != nil {
		t.Fatalf("ComputeHashSelf: %v", err)
	}
	if ha == hb {
		t.Fatal("different hash_prev produced identical hash_self")
	}
}

func TestComputeHashSelfDetectsBodyChange(t *testing.T) {
	a := testEvent()
	ha, err := ComputeHashSelf(a)
	if err != nil {
		t.Fatalf("ComputeHashSelf: %v", err)
	}

	a.Input = map[string]any{"q": "tampered"}
	hb, err := ComputeHashSelf(a)
	if err != nil {
		t.Fatalf("ComputeHashSelf: %v", err)
	}
	if ha == hb {
		t.Fatal("body change did not change hash_self")
	}
}
