package evidence

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provara/provara/internal/chain"
	"github.com/provara/provara/internal/checkpoint"
	"github.com/provara/provara/internal/event"
	"github.com/provara/provara/internal/storage"
)

var fixtureBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db       *sql.DB
	chain    *chain.Store
	ckpts    *checkpoint.Store
	packager *Packager
	signer   ed25519.PrivateKey
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	signer, err := LoadSigningKey(filepath.Join(dir, "signing.key"))
	require.NoError(t, err)

	ch := chain.NewStore(db)
	st := checkpoint.NewStore(db)
	return &fixture{
		db:       db,
		chain:    ch,
		ckpts:    st,
		packager: NewPackager(ch, st, signer, opts...),
		signer:   signer,
	}
}

// seed appends a realistic mix: trace spans, one policy decision, one eval.
func (f *fixture) seed(t *testing.T, stream string, n int) []*event.Event {
	t.Helper()
	out := make([]*event.Event, 0, n)
	for i := 1; i <= n; i++ {
		e := &event.Event{
			ID:        fmt.Sprintf("%s-ev-%d", stream, i),
			SessionID: "s-1",
			Timestamp: fixtureBase.Add(time.Duration(i) * time.Second),
			Actor:     event.ActorAgent,
			AppID:     "app",
			Input:     map[string]any{"step": i},
		}
		switch i % 3 {
		case 0:
			e.Policy = &event.PolicyRef{PolicyID: "sha256:bundle1", Decision: "allow"}
		case 1:
			e.Evals = []event.EvalScore{{Name: "toxicity", Score: 0.1 * float64(i)}}
		}
		appended, err := f.chain.Append(context.Background(), stream, e)
		require.NoError(t, err)
		out = append(out, appended)
	}
	return out
}

func (f *fixture) checkpointRange(t *testing.T, stream string, from, to int64) {
	t.Helper()
	r := checkpoint.NewRunner(f.chain, f.ckpts, checkpoint.NoAnchorer{}, f.chain.AllStreams)
	_, err := r.Checkpoint(context.Background(), stream, from, to)
	require.NoError(t, err)
}

func window() (time.Time, time.Time) {
	return fixtureBase, fixtureBase.Add(time.Hour)
}

func TestExportRoundTripVerifies(t *testing.T) {
	f := newFixture(t, WithActivePolicyVersion("sha256:bundle1"))
	f.seed(t, "app", 6)
	f.checkpointRange(t, "app", 1, 6)
	from, to := window()
	outDir := filepath.Join(t.TempDir(), "pack")

	pack, err := f.packager.Export(context.Background(), "app", from, to, nil, outDir)
	require.NoError(t, err)
	assert.Equal(t, 6, pack.Summary.EventCount)
	assert.NotEmpty(t, pack.Summary.MerkleRoot)
	assert.NotEmpty(t, pack.Manifest.Signature)
	assert.Len(t, pack.Checkpoints, 1)

	for _, name := range []string{FileEvents, FileCheckpoints, FilePolicies, FileSummary, FileManifest} {
		_, err := os.Stat(filepath.Join(outDir, name))
		assert.NoError(t, err, name)
	}

	report, err := VerifyPack(outDir)
	require.NoError(t, err)
	assert.True(t, report.OK, "errors: %v", report.Errors)
	assert.Equal(t, 6, report.Events)
	assert.Equal(t, 1, report.Checkpoints)
}

func TestExportCoversSessionStreams(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "app", 2)
	f.seed(t, "app/s-9", 3)
	f.seed(t, "other", 2)
	from, to := window()
	outDir := filepath.Join(t.TempDir(), "pack")

	pack, err := f.packager.Export(context.Background(), "app", from, to, nil, outDir)
	require.NoError(t, err)
	assert.Equal(t, 5, pack.Summary.EventCount, "other app must not leak into the pack")
}

func TestExportKindFilter(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "app", 6)
	from, to := window()
	outDir := filepath.Join(t.TempDir(), "pack")

	pack, err := f.packager.Export(context.Background(), "app", from, to, []string{"policy"}, outDir)
	require.NoError(t, err)
	assert.Equal(t, 2, pack.Summary.EventCount)
	assert.Equal(t, map[string]int{"policy": 2}, pack.Summary.ByKind)

	// The filtered pack still verifies; continuity is only enforced
	// across adjacent sequence numbers.
	report, err := VerifyPack(outDir)
	require.NoError(t, err)
	assert.True(t, report.OK, "errors: %v", report.Errors)
}

func TestExportNoEvents(t *testing.T) {
	f := newFixture(t)
	from, to := window()
	_, err := f.packager.Export(context.Background(), "ghost", from, to, nil, t.TempDir())
	require.ErrorIs(t, err, chain.ErrNotFound)
}

func TestExportAbortsOnTamperedEvent(t *testing.T) {
	f := newFixture(t)
	events := f.seed(t, "app", 5)
	ctx := context.Background()

	var body []byte
	require.NoError(t, f.db.QueryRow(`SELECT body FROM events WHERE stream = 'app' AND seq = 4`).Scan(&body))
	var raw map[string]any
	require.NoError(t, json.Unmarshal(body, &raw))
	raw["input"] = map[string]any{"step": "forged"}
	forged, err := json.Marshal(raw)
	require.NoError(t, err)
	_, err = f.db.Exec(`UPDATE events SET body = ? WHERE stream = 'app' AND seq = 4`, forged)
	require.NoError(t, err)

	outDir := filepath.Join(t.TempDir(), "pack")
	from, to := window()
	_, err = f.packager.Export(ctx, "app", from, to, nil, outDir)
	require.Error(t, err)

	var ierr *chain.IntegrityError
	require.True(t, errors.As(err, &ierr), "error = %v", err)
	assert.Equal(t, int64(4), ierr.Seq)
	assert.Equal(t, events[3].ID, ierr.EventID)

	// Nothing partially trustworthy gets written.
	_, statErr := os.Stat(filepath.Join(outDir, FileManifest))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExportAbortsOnForgedCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "app", 4)
	require.NoError(t, f.ckpts.Insert(context.Background(), &checkpoint.Checkpoint{
		Stream:    "app",
		FromSeq:   1,
		ToSeq:     4,
		Root:      "sha256:1111111111111111111111111111111111111111111111111111111111111111",
		CreatedAt: time.Now().UTC(),
	}))

	from, to := window()
	_, err := f.packager.Export(context.Background(), "app", from, to, nil, filepath.Join(t.TempDir(), "pack"))
	var ierr *chain.IntegrityError
	require.True(t, errors.As(err, &ierr), "error = %v", err)
	assert.Contains(t, ierr.Reason, "checkpoint root mismatch")
}

func TestVerifyPackDetectsTamperedFile(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "app", 4)
	from, to := window()
	outDir := filepath.Join(t.TempDir(), "pack")
	_, err := f.packager.Export(context.Background(), "app", from, to, nil, outDir)
	require.NoError(t, err)

	// Flip a byte in the summary after signing.
	path := filepath.Join(outDir, FileSummary)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o600))

	report, err := VerifyPack(outDir)
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.NotEmpty(t, report.Errors)
}

func TestVerifyPackDetectsTamperedEventLine(t *testing.T) {
	f := newFixture(t)
	events := f.seed(t, "app", 3)
	from, to := window()
	outDir := filepath.Join(t.TempDir(), "pack")
	_, err := f.packager.Export(context.Background(), "app", from, to, nil, outDir)
	require.NoError(t, err)

	// Rewrite one event body inside events.jsonl and refresh the manifest
	// checksums so only the chain check can catch the edit.
	logPath := filepath.Join(outDir, FileEvents)
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	edited := []byte(string(data))
	edited = replaceOnce(t, edited, `"step":2`, `"step":9`)
	require.NoError(t, os.WriteFile(logPath, edited, 0o600))
	resignPack(t, outDir, f.signer)

	report, err := VerifyPack(outDir)
	require.NoError(t, err)
	assert.False(t, report.OK)
	found := false
	for _, msg := range report.Errors {
		if containsAll(msg, "hash_self mismatch", events[1].ID) {
			found = true
		}
	}
	assert.True(t, found, "errors: %v", report.Errors)
}

func TestVerifyPackDetectsForgedSignature(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "app", 2)
	from, to := window()
	outDir := filepath.Join(t.TempDir(), "pack")
	_, err := f.packager.Export(context.Background(), "app", from, to, nil, outDir)
	require.NoError(t, err)

	// Re-sign the manifest with a different key; the embedded public key
	// no longer matches.
	manifestPath := filepath.Join(outDir, FileManifest)
	data, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	var manifest Manifest
	require.NoError(t, json.Unmarshal(data, &manifest))

	otherKey, err := LoadSigningKey(filepath.Join(t.TempDir(), "other.key"))
	require.NoError(t, err)
	manifest.Signature = signChecksum(otherKey, manifest.Checksum)
	rewritten, err := json.MarshalIndent(manifest, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(manifestPath, rewritten, 0o600))

	report, err := VerifyPack(outDir)
	require.NoError(t, err)
	assert.False(t, report.OK)
}

func replaceOnce(t *testing.T, data []byte, old, repl string) []byte {
	t.Helper()
	s := string(data)
	idx := strings.Index(s, old)
	require.GreaterOrEqual(t, idx, 0, "pattern %q not found", old)
	return []byte(s[:idx] + repl + s[idx+len(old):])
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}

func signChecksum(key ed25519.PrivateKey, checksum string) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(key, []byte(checksum)))
}

// resignPack recomputes file checksums and the manifest signature after a
// test edits pack contents, leaving only the hash chain to catch the edit.
func resignPack(t *testing.T, dir string, key ed25519.PrivateKey) {
	t.Helper()
	manifestPath := filepath.Join(dir, FileManifest)
	data, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	var manifest Manifest
	require.NoError(t, json.Unmarshal(data, &manifest))

	for i, f := range manifest.Files {
		content, err := os.ReadFile(filepath.Join(dir, f.Name))
		require.NoError(t, err)
		manifest.Files[i].SHA256 = event.HashBytes(content)
	}
	manifest.Checksum = manifestChecksum(manifest.Files)
	manifest.Signature = signChecksum(key, manifest.Checksum)
	manifest.PublicKey = base64.StdEncoding.EncodeToString(key.Public().(ed25519.PublicKey))

	rewritten, err := json.MarshalIndent(manifest, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(manifestPath, rewritten, 0o600))
}
