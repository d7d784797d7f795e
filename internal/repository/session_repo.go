// Package repository provides data access for session metadata.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nn1a/rwshell/internal/model"
)

// SessionStore persists session metadata rows. Terminal output is never
// stored; the rows record what ran and how it ended.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore creates a SessionStore over an opened database.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// Create inserts a new session row.
func (s *SessionStore) Create(ctx context.Context, sess *model.Session) error {
	args, err := json.Marshal(sess.Args)
	if err != nil {
		return fmt.Errorf("failed to serialize args: %w", err)
	}

	query := `
		INSERT INTO sessions (id, command, args, read_only, headless, status, pid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		sess.ID,
		sess.Command,
		string(args),
		sess.ReadOnly,
		sess.Headless,
		sess.Status,
		sess.PID,
		sess.CreatedAt,
		sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// UpdateExit records the session's terminal status and exit code.
func (s *SessionStore) UpdateExit(ctx context.Context, id string, status model.SessionStatus, exitCode *int) error {
	query := `
		UPDATE sessions
		SET status = ?, exit_code = ?, updated_at = ?
		WHERE id = ?
	`

	res, err := s.db.ExecContext(ctx, query, status, exitCode, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n == 0 {
		return model.ErrSessionNotFound
	}
	return nil
}

// GetByID retrieves a session row by its ID.
func (s *SessionStore) GetByID(ctx context.Context, id string) (*model.Session, error) {
	query := `
		SELECT id, command, args, read_only, headless, status, exit_code, pid, created_at, updated_at
		FROM sessions
		WHERE id = ?
	`

	sess := &model.Session{}
	var args sql.NullString
	var exitCode sql.NullInt64
	var pid sql.NullInt64

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sess.ID,
		&sess.Command,
		&args,
		&sess.ReadOnly,
		&sess.Headless,
		&sess.Status,
		&exitCode,
		&pid,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if args.Valid && args.String != "" {
		if err := json.Unmarshal([]byte(args.String), &sess.Args); err != nil {
			return nil, fmt.Errorf("failed to parse args: %w", err)
		}
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		sess.ExitCode = &code
	}
	if pid.Valid {
		p := int(pid.Int64)
		sess.PID = &p
	}

	return sess, nil
}

// List retrieves all session rows, newest first.
func (s *SessionStore) List(ctx context.Context) ([]*model.Session, error) {
	query := `
		SELECT id, command, args, read_only, headless, status, exit_code, pid, created_at, updated_at
		FROM sessions
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		sess := &model.Session{}
		var args sql.NullString
		var exitCode sql.NullInt64
		var pid sql.NullInt64

		if err := rows.Scan(
			&sess.ID,
			&sess.Command,
			&args,
			&sess.ReadOnly,
			&sess.Headless,
			&sess.Status,
			&exitCode,
			&pid,
			&sess.CreatedAt,
			&sess.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}

		if args.Valid && args.String != "" {
			if err := json.Unmarshal([]byte(args.String), &sess.Args); err != nil {
				return nil, fmt.Errorf("failed to parse args: %w", err)
			}
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			sess.ExitCode = &code
		}
		if pid.Valid {
			p := int(pid.Int64)
			sess.PID = &p
		}

		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
