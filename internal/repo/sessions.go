package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"fieldline/internal/domain"
)

// InsertGateSession records an issued engineering session.
func (r Repo) InsertGateSession(ctx context.Context, tx *sql.Tx, s domain.GateSession) error {
	if s.ID == "" {
		return errors.New("id required")
	}
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	if s.IssuedAt == "" {
		s.IssuedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := exec(`INSERT INTO gate_sessions(id, actor_id, issued_at, revoked_at) VALUES (?,?,?,?)`,
		s.ID, s.ActorID, s.IssuedAt, nullable(s.RevokedAt))
	return err
}

// GetGateSession returns a session by ID.
func (r Repo) GetGateSession(ctx context.Context, id string) (domain.GateSession, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, actor_id, issued_at, COALESCE(revoked_at,'') FROM gate_sessions WHERE id=? LIMIT 1`, id)
	var s domain.GateSession
	err := row.Scan(&s.ID, &s.ActorID, &s.IssuedAt, &s.RevokedAt)
	if err == sql.ErrNoRows {
		return domain.GateSession{}, ErrNotFound
	}
	return s, err
}

// ListGateSessions returns sessions, optionally filtered by actor ID.
func (r Repo) ListGateSessions(ctx context.Context, actorID string) ([]domain.GateSession, error) {
	query := `SELECT id, actor_id, issued_at, COALESCE(revoked_at,'') FROM gate_sessions`
	var args []any
	if actorID != "" {
		query += ` WHERE actor_id=?`
		args = append(args, actorID)
	}
	query += ` ORDER BY issued_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []domain.GateSession
	for rows.Next() {
		var s domain.GateSession
		if err := rows.Scan(&s.ID, &s.ActorID, &s.IssuedAt, &s.RevokedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// RevokeGateSession marks a session revoked; revoked sessions no longer grant
// the engineering capability.
func (r Repo) RevokeGateSession(ctx context.Context, id, now string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE gate_sessions SET revoked_at=? WHERE id=? AND revoked_at IS NULL`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
