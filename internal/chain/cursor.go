package chain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/provara/provara/internal/event"
)

const cursorBatchSize = 500

// Cursor is a lazy, restartable reader over a stream range in ascending
// sequence order. It reads in batches so long ranges never hold a result
// set open across the whole walk.
type Cursor struct {
	store  *Store
	stream string
	next   int64
	last   int64
	buf    []*event.Event
	pos    int
	err    error
}

// Events opens a cursor over [from, to] of a stream. to <= 0 means the
// stream tail at open time, which gives exports a fixed snapshot upper
// bound. Returns ErrNotFound when the stream has no events.
func (s *Store) Events(ctx context.Context, stream string, from, to int64) (*Cursor, error) {
	tail, _, err := s.Tail(ctx, stream)
	if err != nil {
		return nil, err
	}
	if tail == 0 {
		return nil, ErrNotFound
	}
	if from < 1 {
		from = 1
	}
	if to <= 0 || to > tail {
		to = tail
	}
	return &Cursor{store: s, stream: stream, next: from, last: to}, nil
}

// Next advances the cursor. It returns false at the end of the range or on
// error; check Err after the loop.
func (c *Cursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if c.pos < len(c.buf) {
		c.pos++
	}
	// A batch window can come back empty even though later windows still
	// hold rows, so keep filling until a row or the end of the range.
	for c.pos >= len(c.buf) {
		if c.next > c.last {
			return false
		}
		if err := c.fill(ctx); err != nil {
			c.err = err
			return false
		}
	}
	return true
}

// Event returns the event at the current cursor position.
func (c *Cursor) Event() *event.Event {
	if c.pos >= len(c.buf) {
		return nil
	}
	return c.buf[c.pos]
}

// Err returns the first error encountered while iterating.
func (c *Cursor) Err() error { return c.err }

func (c *Cursor) fill(ctx context.Context) error {
	hi := c.next + cursorBatchSize - 1
	if hi > c.last {
		hi = c.last
	}

	rows, err := c.store.db.QueryContext(ctx,
		`SELECT body FROM events WHERE stream = ? AND seq >= ? AND seq <= ? ORDER BY seq ASC`,
		c.stream, c.next, hi)
	if err != nil {
		return fmt.Errorf("chain: read range: %w", err)
	}
	defer rows.Close()

	c.buf = c.buf[:0]
	c.pos = 0
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return fmt.Errorf("chain: scan event: %w", err)
		}
		e, err := event.Decode(body)
		if err != nil {
			return err
		}
		c.buf = append(c.buf, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	c.next = hi + 1
	return nil
}

// HashAt returns the stored hash_self of one sequence slot.
func (s *Store) HashAt(ctx context.Context, stream string, seq int64) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT hash_self FROM events WHERE stream = ? AND seq = ?`, stream, seq).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("chain: read hash: %w", err)
	}
	return hash, nil
}

// Hashes returns the stored hash_self values for [from, to] in sequence
// order, used by checkpointing and export root recomputation.
func (s *Store) Hashes(ctx context.Context, stream string, from, to int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash_self FROM events WHERE stream = ? AND seq >= ? AND seq <= ? ORDER BY seq ASC`,
		stream, from, to)
	if err != nil {
		return nil, fmt.Errorf("chain: read hashes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("chain: scan hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}
