package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/GuyPort/whatsapp-clinic-bot/internal/models"
)

// GetSession loads a session by sender. Returns ErrNotFound when absent.
func (d *DB) GetSession(ctx context.Context, sender string) (*models.Session, error) {
	var data string
	var lastActivity time.Time
	var status string
	err := d.QueryRowContext(ctx,
		`SELECT data, last_activity, status FROM sessions WHERE sender = ?`, sender).
		Scan(&data, &lastActivity, &status)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}

	var s models.Session
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	s.Sender = sender
	s.LastActivity = lastActivity
	s.Status = status
	return &s, nil
}

// SaveSession upserts a session.
func (d *DB) SaveSession(ctx context.Context, s *models.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = d.ExecContext(ctx, `
		INSERT INTO sessions (sender, data, last_activity, status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(sender) DO UPDATE SET
			data = excluded.data,
			last_activity = excluded.last_activity,
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP`,
		s.Sender, string(data), s.LastActivity, s.Status)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// DeleteSession removes a session. Deleting an absent session is not an error.
func (d *DB) DeleteSession(ctx context.Context, sender string) error {
	_, err := d.ExecContext(ctx, `DELETE FROM sessions WHERE sender = ?`, sender)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// IdleSessions returns senders whose last activity is older than cutoff.
func (d *DB) IdleSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := d.QueryContext(ctx,
		`SELECT sender FROM sessions WHERE last_activity < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}
	defer rows.Close()

	var senders []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		senders = append(senders, s)
	}
	return senders, rows.Err()
}

// CountSessions returns the number of stored sessions.
func (d *DB) CountSessions(ctx context.Context) (int, error) {
	var n int
	err := d.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, err
}
