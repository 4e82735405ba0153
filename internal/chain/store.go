// Package chain is the append-only hash-chained event ledger. Each stream
// is a totally ordered sequence of events where hash_prev of event n equals
// hash_self of event n-1, making any post-hoc edit detectable.
package chain

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/provara/provara/internal/event"
)

// tsLayout is fixed width, unlike RFC3339Nano which strips trailing zeros.
// The ts column is compared as text, so lexicographic order must match
// chronological order.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

var (
	// ErrConflict is returned when another writer has already advanced the
	// stream past the expected sequence. Callers retry against the new tail.
	ErrConflict = errors.New("chain: concurrent append conflict")

	// ErrNotFound is returned for reads against a stream with no events.
	ErrNotFound = errors.New("chain: stream not found")
)

// IntegrityError reports the first broken link found during verification.
// It is fatal for the affected range and is never silently repaired.
type IntegrityError struct {
	Stream  string
	Seq     int64
	EventID string
	Reason  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chain: integrity violation in stream %q at seq %d (event %s): %s",
		e.Stream, e.Seq, e.EventID, e.Reason)
}

// Store is the hash-chain store over the shared SQLite database.
// The per-stream append lane is the only mutable shared state: appends to
// one stream are serialized, appends to different streams run concurrently.
type Store struct {
	db    *sql.DB
	lanes sync.Map // stream key -> *sync.Mutex
}

// NewStore wraps an opened storage database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) lane(stream string) *sync.Mutex {
	mu, _ := s.lanes.LoadOrStore(stream, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Tail returns the last sequence number and hash of a stream, or
// (0, GenesisHash) for a stream that does not exist yet.
func (s *Store) Tail(ctx context.Context, stream string) (int64, string, error) {
	var seq int64
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT seq, hash_self FROM events WHERE stream = ? ORDER BY seq DESC LIMIT 1`,
		stream).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, event.GenesisHash, nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("chain: read tail: %w", err)
	}
	return seq, hash, nil
}

// Append assigns the next sequence number and hash_prev for the stream,
// computes hash_self, and persists the event atomically. A duplicate event
// ID returns the previously stored event unchanged (at-least-once delivery
// dedups here). A stale tail from a competing writer returns ErrConflict.
func (s *Store) Append(ctx context.Context, stream string, draft *event.Event) (*event.Event, error) {
	if err := event.Validate(draft); err != nil {
		return nil, err
	}

	mu := s.lane(stream)
	mu.Lock()
	defer mu.Unlock()

	if existing, err := s.ByID(ctx, draft.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	tailSeq, tailHash, err := s.Tail(ctx, stream)
	if err != nil {
		return nil, err
	}

	e := *draft
	e.Seq = tailSeq + 1
	e.HashPrev = tailHash
	e.HashSelf, err = event.ComputeHashSelf(&e)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(&e)
	if err != nil {
		return nil, fmt.Errorf("chain: marshal event: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (stream, seq, id, ts, body, hash_prev, hash_self) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		stream, e.Seq, e.ID, e.Timestamp.UTC().Format(tsLayout), body, e.HashPrev, e.HashSelf)
	if err != nil {
		if isConstraint(err, "events.stream") || isConstraint(err, "events.seq") {
			return nil, ErrConflict
		}
		if isConstraint(err, "events.id") {
			return s.ByID(ctx, draft.ID)
		}
		return nil, fmt.Errorf("chain: insert event: %w", err)
	}
	return &e, nil
}

// isConstraint reports whether err is a UNIQUE/PRIMARY KEY violation on the
// named column. modernc.org/sqlite surfaces these as text, not typed errors.
func isConstraint(err error, column string) bool {
	msg := err.Error()
	return strings.Contains(msg, "constraint failed") && strings.Contains(msg, column)
}

// ByID fetches a single event by its identifier.
func (s *Store) ByID(ctx context.Context, id string) (*event.Event, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM events WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chain: read event: %w", err)
	}
	return event.Decode(body)
}

// Streams lists the stream keys belonging to an application, including
// session-scoped streams.
func (s *Store) Streams(ctx context.Context, appID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT stream FROM events WHERE stream = ? OR stream LIKE ? ORDER BY stream`,
		appID, appID+"/%")
	if err != nil {
		return nil, fmt.Errorf("chain: list streams: %w", err)
	}
	defer rows.Close()

	var streams []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("chain: scan stream: %w", err)
		}
		streams = append(streams, key)
	}
	return streams, rows.Err()
}

// AllStreams lists every stream key in the store.
func (s *Store) AllStreams(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT stream FROM events ORDER BY stream`)
	if err != nil {
		return nil, fmt.Errorf("chain: list streams: %w", err)
	}
	defer rows.Close()

	var streams []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("chain: scan stream: %w", err)
		}
		streams = append(streams, key)
	}
	return streams, rows.Err()
}

// SeqBounds returns the smallest and largest sequence numbers in a stream
// whose timestamps fall within [from, to]. ok is false when the window
// covers no events.
func (s *Store) SeqBounds(ctx context.Context, stream string, from, to time.Time) (lo, hi int64, ok bool, err error) {
	var loN, hiN sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		`SELECT MIN(seq), MAX(seq) FROM events WHERE stream = ? AND ts >= ? AND ts <= ?`,
		stream, from.UTC().Format(tsLayout), to.UTC().Format(tsLayout)).Scan(&loN, &hiN)
	if err != nil {
		return 0, 0, false, fmt.Errorf("chain: seq bounds: %w", err)
	}
	if !loN.Valid {
		return 0, 0, false, nil
	}
	return loN.Int64, hiN.Int64, true, nil
}
