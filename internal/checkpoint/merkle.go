// Package checkpoint periodically roots a window of chain hashes in a
// Merkle tree and anchors the root with an external timestamp authority.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/provara/provara/internal/event"
)

// MerkleRoot computes the root over hash_self values in sequence order.
// Leaves are hashed pairwise; an odd leaf is carried up unpaired.
func MerkleRoot(hashes []string) (string, error) {
	if len(hashes) == 0 {
		return "", fmt.Errorf("checkpoint: empty leaf set")
	}

	level := make([][]byte, 0, len(hashes))
	for _, h := range hashes {
		raw, err := event.DecodeHash(h)
		if err != nil {
			return "", fmt.Errorf("checkpoint: bad leaf: %w", err)
		}
		level = append(level, raw)
	}

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			h := sha256.New()
			h.Write(level[i])
			h.Write(level[i+1])
			next = append(next, h.Sum(nil))
		}
		level = next
	}
	return "sha256:" + hex.EncodeToString(level[0]), nil
}
