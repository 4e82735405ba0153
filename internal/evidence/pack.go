// Package evidence builds signed, checksummed export bundles that a third
// party can verify with no access to the live store.
package evidence

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/provara/provara/internal/checkpoint"
	"github.com/provara/provara/internal/event"
)

// Pack file names. events.jsonl is the raw event log; everything else is
// derived metadata covered by the manifest.
const (
	FileEvents      = "events.jsonl"
	FileCheckpoints = "checkpoints.json"
	FilePolicies    = "policies.json"
	FileSummary     = "summary.json"
	FileManifest    = "manifest.json"
)

// LogRecord is one events.jsonl line: the event plus the stream key it was
// chained under, so offline verifiers rebuild the exact chaining scope.
type LogRecord struct {
	Stream string       `json:"stream"`
	Event  *event.Event `json:"event"`
}

// FileChecksum is one manifest entry.
type FileChecksum struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
}

// Manifest ties the bundle together: per-file checksums, a checksum over
// the checksum list, and a signature over that checksum.
type Manifest struct {
	Version   string         `json:"version"`
	AppID     string         `json:"app_id"`
	From      time.Time      `json:"from"`
	To        time.Time      `json:"to"`
	Kinds     []string       `json:"kinds,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Files     []FileChecksum `json:"files"`
	Checksum  string         `json:"checksum"`
	Signature string         `json:"signature,omitempty"`
	PublicKey string         `json:"public_key,omitempty"`
	Receipt   []byte         `json:"receipt,omitempty"`
}

// PolicyBundleRef records one policy bundle version referenced by exported
// decisions.
type PolicyBundleRef struct {
	Version string `json:"version"`
	Active  bool   `json:"active,omitempty"`
}

// ScoreStats summarizes one eval score series.
type ScoreStats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
}

// Summary is the human-readable digest of the exported range.
type Summary struct {
	EventCount int                   `json:"event_count"`
	ByKind     map[string]int        `json:"by_kind"`
	Decisions  map[string]int        `json:"decisions"`
	EvalScores map[string]ScoreStats `json:"eval_scores,omitempty"`
	MerkleRoot string                `json:"merkle_root"`
}

// Pack is the in-memory view of a written export.
type Pack struct {
	Dir         string
	Manifest    Manifest
	Summary     Summary
	Checkpoints []*checkpoint.Checkpoint
}

// manifestChecksum hashes the file checksum list in name order, one
// "name:hash" line per file. Verifiers rebuild the same string from the
// files on disk.
func manifestChecksum(files []FileChecksum) string {
	sorted := make([]FileChecksum, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	for _, f := range sorted {
		b.WriteString(f.Name)
		b.WriteByte(':')
		b.WriteString(f.SHA256)
		b.WriteByte('\n')
	}
	return event.HashBytes([]byte(b.String()))
}

// LoadSigningKey reads an ed25519 seed (base64) from path, generating and
// persisting one on first use.
func LoadSigningKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("evidence: decode signing key: %w", err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("evidence: signing key is %d bytes, want %d", len(seed), ed25519.SeedSize)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("evidence: read signing key: %w", err)
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("evidence: generate signing key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("evidence: create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(seed)), 0o600); err != nil {
		return nil, fmt.Errorf("evidence: write signing key: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
