package evidence

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/provara/provara/internal/chain"
	"github.com/provara/provara/internal/checkpoint"
	"github.com/provara/provara/internal/event"
	"github.com/provara/provara/internal/metrics"
)

// Packager assembles evidence packs from the live store.
type Packager struct {
	chain        *chain.Store
	checkpoints  *checkpoint.Store
	anchorer     checkpoint.Anchorer
	signer       ed25519.PrivateKey
	activePolicy string
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// Option configures a Packager.
type Option func(*Packager)

// WithAnchorer enables a timestamp receipt on the manifest.
func WithAnchorer(a checkpoint.Anchorer) Option {
	return func(p *Packager) { p.anchorer = a }
}

// WithActivePolicyVersion marks the currently active bundle in
// policies.json.
func WithActivePolicyVersion(v string) Option {
	return func(p *Packager) { p.activePolicy = v }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Packager) { p.logger = l }
}

// WithMetrics wires export counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Packager) { p.metrics = m }
}

// NewPackager creates a Packager signing manifests with the given key.
func NewPackager(ch *chain.Store, cp *checkpoint.Store, signer ed25519.PrivateKey, opts ...Option) *Packager {
	p := &Packager{
		chain:       ch,
		checkpoints: cp,
		signer:      signer,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Export re-verifies every covered stream range against a snapshot upper
// bound fixed at entry, confirms each overlapping checkpoint root is
// reproducible, and writes the pack to outDir. Any integrity mismatch
// aborts the whole export: a partially trustworthy artifact is worse than
// none.
func (p *Packager) Export(ctx context.Context, appID string, from, to time.Time, kinds []string, outDir string) (*Pack, error) {
	pack, err := p.export(ctx, appID, from, to, kinds, outDir)
	if p.metrics != nil {
		status := "ok"
		if err != nil {
			status = "failed"
		}
		p.metrics.Exports.WithLabelValues(status).Inc()
	}
	return pack, err
}

func (p *Packager) export(ctx context.Context, appID string, from, to time.Time, kinds []string, outDir string) (*Pack, error) {
	streams, err := p.chain.Streams(ctx, appID)
	if err != nil {
		return nil, err
	}
	if len(streams) == 0 {
		return nil, fmt.Errorf("evidence: no streams for application %q: %w", appID, chain.ErrNotFound)
	}

	var records []LogRecord
	var allCheckpoints []*checkpoint.Checkpoint
	summary := Summary{
		ByKind:     map[string]int{},
		Decisions:  map[string]int{},
		EvalScores: map[string]ScoreStats{},
	}
	var exportedHashes []string
	policyVersions := map[string]bool{}

	for _, stream := range streams {
		lo, hi, ok, err := p.chain.SeqBounds(ctx, stream, from, to)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		// Verify the covered range before trusting anything in it.
		if _, err := p.chain.Verify(ctx, stream, lo, hi); err != nil {
			return nil, fmt.Errorf("evidence: export aborted: %w", err)
		}

		if err := p.verifyCheckpoints(ctx, stream, lo, hi, &allCheckpoints); err != nil {
			return nil, err
		}

		cur, err := p.chain.Events(ctx, stream, lo, hi)
		if err != nil {
			return nil, err
		}
		for cur.Next(ctx) {
			e := cur.Event()
			if len(kinds) > 0 && !slices.Contains(kinds, e.Kind()) {
				continue
			}
			records = append(records, LogRecord{Stream: stream, Event: e})
			exportedHashes = append(exportedHashes, e.HashSelf)
			summary.EventCount++
			summary.ByKind[e.Kind()]++
			if e.Policy != nil {
				summary.Decisions[e.Policy.Decision]++
				if e.Policy.PolicyID != "" {
					policyVersions[e.Policy.PolicyID] = true
				}
			}
			for _, ev := range e.Evals {
				summary.EvalScores[ev.Name] = accumulate(summary.EvalScores[ev.Name], ev.Score)
			}
		}
		if err := cur.Err(); err != nil {
			return nil, err
		}
	}

	if len(exportedHashes) > 0 {
		summary.MerkleRoot, err = checkpoint.MerkleRoot(exportedHashes)
		if err != nil {
			return nil, err
		}
	}

	return p.write(ctx, appID, from, to, kinds, outDir, records, allCheckpoints, summary, policyVersions)
}

// verifyCheckpoints confirms every checkpoint overlapping [lo, hi] is
// reproducible from the stored events it covers.
func (p *Packager) verifyCheckpoints(ctx context.Context, stream string, lo, hi int64, out *[]*checkpoint.Checkpoint) error {
	cps, err := p.checkpoints.Overlapping(ctx, stream, lo, hi)
	if err != nil {
		return err
	}
	for _, c := range cps {
		hashes, err := p.chain.Hashes(ctx, c.Stream, c.FromSeq, c.ToSeq)
		if err != nil {
			return err
		}
		root, err := checkpoint.MerkleRoot(hashes)
		if err != nil {
			return err
		}
		if root != c.Root {
			return &chain.IntegrityError{
				Stream: c.Stream,
				Seq:    c.FromSeq,
				Reason: fmt.Sprintf("checkpoint root mismatch: recomputed %s, stored %s", root, c.Root),
			}
		}
		*out = append(*out, c)
	}
	return nil
}

func (p *Packager) write(ctx context.Context, appID string, from, to time.Time, kinds []string, outDir string,
	records []LogRecord, cps []*checkpoint.Checkpoint, summary Summary, policyVersions map[string]bool) (*Pack, error) {

	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return nil, fmt.Errorf("evidence: create export directory: %w", err)
	}

	var eventLog bytes.Buffer
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("evidence: marshal event: %w", err)
		}
		eventLog.Write(line)
		eventLog.WriteByte('\n')
	}

	var policies []PolicyBundleRef
	for v := range policyVersions {
		policies = append(policies, PolicyBundleRef{Version: v, Active: v == p.activePolicy})
	}
	slices.SortFunc(policies, func(a, b PolicyBundleRef) int {
		if a.Version < b.Version {
			return -1
		}
		return 1
	})

	files := map[string][]byte{FileEvents: eventLog.Bytes()}
	var err error
	if files[FileCheckpoints], err = marshalIndent(cps); err != nil {
		return nil, err
	}
	if files[FilePolicies], err = marshalIndent(policies); err != nil {
		return nil, err
	}
	if files[FileSummary], err = marshalIndent(summary); err != nil {
		return nil, err
	}

	manifest := Manifest{
		Version:   "evidence-pack-v1",
		AppID:     appID,
		From:      from.UTC(),
		To:        to.UTC(),
		Kinds:     kinds,
		CreatedAt: time.Now().UTC(),
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(outDir, name), data, 0o600); err != nil {
			return nil, fmt.Errorf("evidence: write %s: %w", name, err)
		}
		manifest.Files = append(manifest.Files, FileChecksum{Name: name, SHA256: event.HashBytes(data)})
	}
	slices.SortFunc(manifest.Files, func(a, b FileChecksum) int {
		if a.Name < b.Name {
			return -1
		}
		return 1
	})

	manifest.Checksum = manifestChecksum(manifest.Files)
	sig := ed25519.Sign(p.signer, []byte(manifest.Checksum))
	manifest.Signature = base64.StdEncoding.EncodeToString(sig)
	manifest.PublicKey = base64.StdEncoding.EncodeToString(p.signer.Public().(ed25519.PublicKey))

	if p.anchorer != nil {
		if receipt, err := p.anchorer.Anchor(ctx, manifest.Checksum); err != nil {
			p.logger.Warn("export timestamp receipt unavailable", "app_id", appID, "error", err)
		} else {
			manifest.Receipt = receipt
		}
	}

	manifestData, err := marshalIndent(manifest)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(outDir, FileManifest), manifestData, 0o600); err != nil {
		return nil, fmt.Errorf("evidence: write manifest: %w", err)
	}

	p.logger.Info("evidence pack written",
		"app_id", appID, "dir", outDir, "events", summary.EventCount, "checkpoints", len(cps))
	return &Pack{Dir: outDir, Manifest: manifest, Summary: summary, Checkpoints: cps}, nil
}

func marshalIndent(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("evidence: marshal: %w", err)
	}
	return data, nil
}

func accumulate(s ScoreStats, score float64) ScoreStats {
	if s.Count == 0 {
		return ScoreStats{Count: 1, Min: score, Max: score, Mean: score}
	}
	total := s.Mean*float64(s.Count) + score
	s.Count++
	if score < s.Min {
		s.Min = score
	}
	if score > s.Max {
		s.Max = score
	}
	s.Mean = total / float64(s.Count)
	return s
}
