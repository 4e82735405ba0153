package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Checkpoint is a periodic integrity anchor over a contiguous sequence
// range of one stream. Immutable once persisted; the receipt lands later
// when anchoring was unavailable at creation time.
type Checkpoint struct {
	Stream     string     `json:"stream"`
	FromSeq    int64      `json:"from_seq"`
	ToSeq      int64      `json:"to_seq"`
	Root       string     `json:"root"`
	CreatedAt  time.Time  `json:"created_at"`
	Receipt    []byte     `json:"receipt,omitempty"`
	AnchoredAt *time.Time `json:"anchored_at,omitempty"`
}

// Anchored reports whether the checkpoint holds a timestamp-authority
// receipt. Un-anchored checkpoints are not trust roots.
func (c *Checkpoint) Anchored() bool { return c.AnchoredAt != nil }

// Store persists checkpoints in the shared SQLite database.
type Store struct {
	db *sql.DB
}

// NewStore wraps an opened storage database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert persists a new checkpoint.
func (s *Store) Insert(ctx context.Context, c *Checkpoint) error {
	var anchoredAt any
	if c.AnchoredAt != nil {
		anchoredAt = c.AnchoredAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (stream, from_seq, to_seq, root, created_at, receipt, anchored_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.Stream, c.FromSeq, c.ToSeq, c.Root, c.CreatedAt.UTC().Format(time.RFC3339Nano), c.Receipt, anchoredAt)
	if err != nil {
		return fmt.Errorf("checkpoint: insert: %w", err)
	}
	return nil
}

// Latest returns the most recent checkpoint of a stream, or nil when the
// stream has never been checkpointed.
func (s *Store) Latest(ctx context.Context, stream string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT stream, from_seq, to_seq, root, created_at, receipt, anchored_at
		 FROM checkpoints WHERE stream = ? ORDER BY to_seq DESC LIMIT 1`, stream)
	c, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// Overlapping returns checkpoints of a stream intersecting [from, to] in
// range order.
func (s *Store) Overlapping(ctx context.Context, stream string, from, to int64) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stream, from_seq, to_seq, root, created_at, receipt, anchored_at
		 FROM checkpoints WHERE stream = ? AND to_seq >= ? AND from_seq <= ? ORDER BY from_seq ASC`,
		stream, from, to)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: query overlapping: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// Unanchored returns checkpoints still waiting for a receipt.
func (s *Store) Unanchored(ctx context.Context) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stream, from_seq, to_seq, root, created_at, receipt, anchored_at
		 FROM checkpoints WHERE anchored_at IS NULL ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: query unanchored: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// SetReceipt records a late anchoring receipt. The root itself never
// changes.
func (s *Store) SetReceipt(ctx context.Context, stream string, fromSeq int64, receipt []byte, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET receipt = ?, anchored_at = ? WHERE stream = ? AND from_seq = ? AND anchored_at IS NULL`,
		receipt, at.UTC().Format(time.RFC3339Nano), stream, fromSeq)
	if err != nil {
		return fmt.Errorf("checkpoint: set receipt: %w", err)
	}
	return nil
}

func collect(rows *sql.Rows) ([]*Checkpoint, error) {
	var out []*Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (*Checkpoint, error) {
	var c Checkpoint
	var createdAt string
	var anchoredAt sql.NullString

	err := row.Scan(&c.Stream, &c.FromSeq, &c.ToSeq, &c.Root, &createdAt, &c.Receipt, &anchoredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("checkpoint: scan: %w", err)
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("checkpoint: parse created_at: %w", err)
	}
	if anchoredAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, anchoredAt.String)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: parse anchored_at: %w", err)
		}
		c.AnchoredAt = &t
	}
	return &c, nil
}
