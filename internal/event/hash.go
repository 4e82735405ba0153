package event

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// GenesisHash is the hash_prev sentinel for the first event in a stream.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// HashBytes returns "sha256:<hex>" over the given byte slices in order.
func HashBytes(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// DecodeHash strips the "sha256:" prefix and returns the raw digest bytes.
func DecodeHash(s string) ([]byte, error) {
	hexPart, ok := strings.CutPrefix(s, "sha256:")
	if !ok {
		return nil, fmt.Errorf("event: hash %q missing sha256 prefix", s)
	}
	b, err := hex.DecodeString(hexPart)
	if err != nil {
		return nil, fmt.Errorf("event: decode hash: %w", err)
	}
	if len(b) != sha256.Size {
		return nil, fmt.Errorf("event: hash is %d bytes, want %d", len(b), sha256.Size)
	}
	return b, nil
}

// ComputeHashSelf returns the chain hash for e: SHA-256 over the canonical
// encoding of every field except hash_self and signature, concatenated with
// hash_prev. Seq and HashPrev must already be assigned.
func ComputeHashSelf(e *Event) (string, error) {
	clone := *e
	clone.HashSelf = ""
	clone.Signature = ""

	canonical, err := CanonicalJSON(&clone)
	if err != nil {
		return "", err
	}
	return HashBytes(canonical, []byte(e.HashPrev)), nil
}
