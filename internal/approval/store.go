package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/provara/provara/internal/policy"
)

// Store persists approval requests in the shared SQLite database so
// operators can list and audit them across restarts.
type Store struct {
	db *sql.DB
}

// NewStore wraps an opened storage database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) insert(ctx context.Context, r *Request) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, app_id, session_id, action, risk, requested_by, reason, state, requested_at, deadline)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AppID, r.SessionID, r.Action, string(r.Risk), r.RequestedBy, r.Reason,
		string(r.State), r.RequestedAt.UTC().Format(time.RFC3339Nano), r.Deadline.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("approval: insert: %w", err)
	}
	return nil
}

// resolve transitions a pending request to a terminal state. The WHERE
// clause on state makes the transition idempotent-safe: a second attempt
// matches zero rows.
func (s *Store) resolve(ctx context.Context, id string, to State, resolver, resolution string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET state = ?, resolver = ?, resolution = ?, resolved_at = ? WHERE id = ? AND state = ?`,
		string(to), resolver, resolution, at.UTC().Format(time.RFC3339Nano), id, string(StatePending))
	if err != nil {
		return false, fmt.Errorf("approval: resolve: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("approval: resolve: %w", err)
	}
	return n == 1, nil
}

// Get returns one approval request by ID.
func (s *Store) Get(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, app_id, session_id, action, risk, requested_by, reason, state, resolver, resolution, requested_at, deadline, resolved_at
		 FROM approvals WHERE id = ?`, id)
	return scanRequest(row)
}

// List returns approval requests, optionally filtered by state, newest
// first.
func (s *Store) List(ctx context.Context, state State) ([]*Request, error) {
	query := `SELECT id, app_id, session_id, action, risk, requested_by, reason, state, resolver, resolution, requested_at, deadline, resolved_at
		 FROM approvals`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY requested_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("approval: list: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*Request, error) {
	var r Request
	var risk, sessionID, requestedBy, reason, resolver, resolution sql.NullString
	var requestedAt, deadline string
	var resolvedAt sql.NullString

	err := row.Scan(&r.ID, &r.AppID, &sessionID, &r.Action, &risk, &requestedBy, &reason,
		(*string)(&r.State), &resolver, &resolution, &requestedAt, &deadline, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("approval: scan: %w", err)
	}

	r.SessionID = sessionID.String
	r.Risk = policy.Tier(risk.String)
	r.RequestedBy = requestedBy.String
	r.Reason = reason.String
	r.Resolver = resolver.String
	r.Resolution = resolution.String
	if r.RequestedAt, err = time.Parse(time.RFC3339Nano, requestedAt); err != nil {
		return nil, fmt.Errorf("approval: parse requested_at: %w", err)
	}
	if r.Deadline, err = time.Parse(time.RFC3339Nano, deadline); err != nil {
		return nil, fmt.Errorf("approval: parse deadline: %w", err)
	}
	if resolvedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, resolvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("approval: parse resolved_at: %w", err)
		}
		r.ResolvedAt = &t
	}
	return &r, nil
}
