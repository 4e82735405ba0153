package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/provara/provara/internal/event"
)

func seedStream(t *testing.T, s *Store, n int) []*event.Event {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := make([]*event.Event, 0, n)
	for i := 1; i <= n; i++ {
		e, err := s.Append(ctx, "app", draft(fmt.Sprintf("ev-%d", i), base.Add(time.Duration(i)*time.Second)))
		if err != nil {
			t.Fatalf("append ev-%d: %v", i, err)
		}
		events = append(events, e)
	}
	return events
}

func TestVerifyCleanChain(t *testing.T) {
	db := openTestDB(t)
	s := NewStore(db)
	events := seedStream(t, s, 5)

	res, err := s.Verify(context.Background(), "app", 1, 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.OK || res.Checked != 5 {
		t.Fatalf("result = %+v", res)
	}
	if res.TerminalHash != events[4].HashSelf {
		t.Fatalf("terminal hash = %s, want %s", res.TerminalHash, events[4].HashSelf)
	}
}

func TestVerifySubrangeUsesAnchor(t *testing.T) {
	db := openTestDB(t)
	s := NewStore(db)
	seedStream(t, s, 5)

	res, err := s.Verify(context.Background(), "app", 3, 5)
	if err != nil {
		t.Fatalf("verify subrange: %v", err)
	}
	if !res.OK || res.Checked != 3 {
		t.Fatalf("result = %+v", res)
	}
}

func TestVerifyDetectsTamperedBody(t *testing.T) {
	db := openTestDB(t)
	s := NewStore(db)
	events := seedStream(t, s, 5)
	ctx := context.Background()

	// Rewrite the stored body of seq 3 the way an attacker with database
	// access would, leaving the stored hashes in place.
	var body []byte
	if err := db.QueryRow(`SELECT body FROM events WHERE stream = 'app' AND seq = 3`).Scan(&body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	raw["input"] = map[string]any{"step": "forged"}
	forged, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("encode body: %v", err)
	}
	if _, err := db.Exec(`UPDATE events SET body = ? WHERE stream = 'app' AND seq = 3`, forged); err != nil {
		t.Fatalf("update body: %v", err)
	}

	res, err := s.Verify(ctx, "app", 1, 0)
	if err == nil {
		t.Fatal("tampered chain verified clean")
	}
	var ierr *IntegrityError
	if !errors.As(err, &ierr) {
		t.Fatalf("error type = %T, want *IntegrityError", err)
	}
	if ierr.Seq != 3 || ierr.EventID != events[2].ID {
		t.Fatalf("violation at seq %d event %s, want seq 3 event %s", ierr.Seq, ierr.EventID, events[2].ID)
	}
	if res.OK || res.FailSeq != 3 || res.FailEventID != events[2].ID {
		t.Fatalf("result = %+v", res)
	}
	if res.Checked != 2 {
		t.Fatalf("checked = %d before failing, want 2", res.Checked)
	}
}

func TestVerifyDetectsGapSpanningBatchWindow(t *testing.T) {
	db := openTestDB(t)
	s := NewStore(db)
	seedStream(t, s, cursorBatchSize+20)

	// Hollow out more than a full cursor batch from the front so the first
	// read window comes back empty while later rows survive.
	if _, err := db.Exec(`DELETE FROM events WHERE stream = 'app' AND seq <= ?`, cursorBatchSize+19); err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, err := s.Verify(context.Background(), "app", 1, 0)
	var ierr *IntegrityError
	if !errors.As(err, &ierr) {
		t.Fatalf("error = %v, want *IntegrityError", err)
	}
	if ierr.Seq != int64(cursorBatchSize+20) {
		t.Fatalf("violation at seq %d, want %d", ierr.Seq, cursorBatchSize+20)
	}
}

func TestVerifyDetectsMissingTailOfRange(t *testing.T) {
	db := openTestDB(t)
	s := NewStore(db)
	seedStream(t, s, 6)

	// Remove seqs 4 and 5 but keep 6 so the stream tail stays past the
	// verified range and the hole sits at the end of it.
	if _, err := db.Exec(`DELETE FROM events WHERE stream = 'app' AND seq IN (4, 5)`); err != nil {
		t.Fatalf("delete: %v", err)
	}

	res, err := s.Verify(context.Background(), "app", 1, 5)
	var ierr *IntegrityError
	if !errors.As(err, &ierr) {
		t.Fatalf("error = %v, want *IntegrityError", err)
	}
	if ierr.Seq != 4 {
		t.Fatalf("violation at seq %d, want 4", ierr.Seq)
	}
	if res.OK || res.Checked != 3 {
		t.Fatalf("result = %+v", res)
	}
}

func TestVerifyDetectsBrokenLink(t *testing.T) {
	db := openTestDB(t)
	s := NewStore(db)
	seedStream(t, s, 4)

	// Replace seq 2 with a self-consistent event whose hash_prev does not
	// point at seq 1. Its own hash recomputes, but the link is severed.
	var body []byte
	if err := db.QueryRow(`SELECT body FROM events WHERE stream = 'app' AND seq = 2`).Scan(&body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	e, err := event.Decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	e.HashPrev = event.GenesisHash
	e.HashSelf, err = event.ComputeHashSelf(e)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	forged, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := db.Exec(`UPDATE events SET body = ?, hash_prev = ?, hash_self = ? WHERE stream = 'app' AND seq = 2`,
		forged, e.HashPrev, e.HashSelf); err != nil {
		t.Fatalf("update: %v", err)
	}

	_, err = s.Verify(context.Background(), "app", 1, 0)
	var ierr *IntegrityError
	if !errors.As(err, &ierr) {
		t.Fatalf("error = %v, want *IntegrityError", err)
	}
	if ierr.Seq != 2 {
		t.Fatalf("violation at seq %d, want 2", ierr.Seq)
	}
}
