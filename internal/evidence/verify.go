package evidence

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/provara/provara/internal/checkpoint"
	"github.com/provara/provara/internal/event"
)

// Report is the outcome of an offline pack verification.
type Report struct {
	OK          bool     `json:"ok"`
	Events      int      `json:"events"`
	Checkpoints int      `json:"checkpoints"`
	Errors      []string `json:"errors,omitempty"`
}

func (r *Report) fail(format string, args ...any) {
	r.OK = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// VerifyPack re-verifies an evidence pack using only its own files: file
// checksums, the manifest checksum and signature, each event's chain hash
// and continuity, and every fully covered checkpoint root.
func VerifyPack(dir string) (*Report, error) {
	report := &Report{OK: true}

	manifestData, err := os.ReadFile(filepath.Join(dir, FileManifest))
	if err != nil {
		return nil, fmt.Errorf("evidence: read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, fmt.Errorf("evidence: parse manifest: %w", err)
	}

	// File checksums.
	for _, f := range manifest.Files {
		data, err := os.ReadFile(filepath.Join(dir, f.Name))
		if err != nil {
			report.fail("read %s: %v", f.Name, err)
			continue
		}
		if got := event.HashBytes(data); got != f.SHA256 {
			report.fail("%s: checksum mismatch: recomputed %s, manifest %s", f.Name, got, f.SHA256)
		}
	}

	// Manifest checksum and signature.
	if got := manifestChecksum(manifest.Files); got != manifest.Checksum {
		report.fail("manifest checksum mismatch: recomputed %s, recorded %s", got, manifest.Checksum)
	}
	if manifest.Signature != "" {
		pub, err := base64.StdEncoding.DecodeString(manifest.PublicKey)
		sig, sigErr := base64.StdEncoding.DecodeString(manifest.Signature)
		switch {
		case err != nil || len(pub) != ed25519.PublicKeySize:
			report.fail("manifest public key invalid")
		case sigErr != nil:
			report.fail("manifest signature invalid encoding")
		case !ed25519.Verify(pub, []byte(manifest.Checksum), sig):
			report.fail("manifest signature verification failed")
		}
	}

	events, byStream, err := readEventLog(filepath.Join(dir, FileEvents), report)
	if err != nil {
		return nil, err
	}
	report.Events = len(events)

	verifyChains(byStream, report)
	verifyPackCheckpoints(dir, byStream, report)

	return report, nil
}

func readEventLog(path string, report *Report) ([]*event.Event, map[string][]*event.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("evidence: open event log: %w", err)
	}
	defer f.Close()

	var events []*event.Event
	byStream := map[string][]*event.Event{}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 5*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var rec LogRecord
		if err := dec.Decode(&rec); err != nil || rec.Event == nil {
			report.fail("event log line %d: malformed record", line)
			continue
		}
		events = append(events, rec.Event)
		byStream[rec.Stream] = append(byStream[rec.Stream], rec.Event)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("evidence: scan event log: %w", err)
	}
	return events, byStream, nil
}

// verifyChains recomputes each event's hash and checks hash_prev
// continuity between adjacent exported sequence numbers. Kind-filtered
// packs have gaps; continuity is only enforced across contiguous seqs.
func verifyChains(byStream map[string][]*event.Event, report *Report) {
	for stream, events := range byStream {
		var prev *event.Event
		for _, e := range events {
			recomputed, err := event.ComputeHashSelf(e)
			if err != nil {
				report.fail("stream %s seq %d: %v", stream, e.Seq, err)
				continue
			}
			if recomputed != e.HashSelf {
				report.fail("stream %s seq %d (event %s): hash_self mismatch", stream, e.Seq, e.ID)
			}
			if e.Seq == 1 && e.HashPrev != event.GenesisHash {
				report.fail("stream %s: first event hash_prev is not the genesis sentinel", stream)
			}
			if prev != nil && e.Seq == prev.Seq+1 && e.HashPrev != prev.HashSelf {
				report.fail("stream %s seq %d: hash_prev does not match seq %d", stream, e.Seq, prev.Seq)
			}
			prev = e
		}
	}
}

// verifyPackCheckpoints recomputes each bundled checkpoint root whose
// covered range is fully present in the pack.
func verifyPackCheckpoints(dir string, byStream map[string][]*event.Event, report *Report) {
	data, err := os.ReadFile(filepath.Join(dir, FileCheckpoints))
	if err != nil {
		report.fail("read checkpoints: %v", err)
		return
	}
	var cps []*checkpoint.Checkpoint
	if err := json.Unmarshal(data, &cps); err != nil {
		report.fail("parse checkpoints: %v", err)
		return
	}
	report.Checkpoints = len(cps)

	for _, c := range cps {
		hashes := coveredHashes(byStream[c.Stream], c.FromSeq, c.ToSeq)
		if hashes == nil {
			// Range not fully bundled (kind filter or window edge); the
			// root cannot be recomputed offline.
			continue
		}
		root, err := checkpoint.MerkleRoot(hashes)
		if err != nil {
			report.fail("checkpoint %s [%d,%d]: %v", c.Stream, c.FromSeq, c.ToSeq, err)
			continue
		}
		if root != c.Root {
			report.fail("checkpoint %s [%d,%d]: root mismatch: recomputed %s, recorded %s",
				c.Stream, c.FromSeq, c.ToSeq, root, c.Root)
		}
	}
}

func coveredHashes(events []*event.Event, from, to int64) []string {
	want := to - from + 1
	var hashes []string
	next := from
	for _, e := range events {
		if e.Seq < from || e.Seq > to {
			continue
		}
		if e.Seq != next {
			return nil
		}
		hashes = append(hashes, e.HashSelf)
		next++
	}
	if int64(len(hashes)) != want {
		return nil
	}
	return hashes
}
