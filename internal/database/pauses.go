package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/GuyPort/whatsapp-clinic-bot/internal/models"
)

// UpsertPause creates or extends a pause for a sender. One active record
// per sender.
func (d *DB) UpsertPause(ctx context.Context, p *models.PauseRecord) error {
	_, err := d.ExecContext(ctx, `
		INSERT INTO pauses (sender, expires_at, reason)
		VALUES (?, ?, ?)
		ON CONFLICT(sender) DO UPDATE SET
			expires_at = excluded.expires_at,
			reason = excluded.reason`,
		p.Sender, p.ExpiresAt, p.Reason)
	if err != nil {
		return fmt.Errorf("upsert pause: %w", err)
	}
	return nil
}

// GetPause fetches the pause record for a sender, if any.
func (d *DB) GetPause(ctx context.Context, sender string) (*models.PauseRecord, error) {
	var p models.PauseRecord
	err := d.QueryRowContext(ctx,
		`SELECT sender, expires_at, reason FROM pauses WHERE sender = ?`, sender).
		Scan(&p.Sender, &p.ExpiresAt, &p.Reason)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query pause: %w", err)
	}
	return &p, nil
}

// DeletePause removes a sender's pause record.
func (d *DB) DeletePause(ctx context.Context, sender string) error {
	_, err := d.ExecContext(ctx, `DELETE FROM pauses WHERE sender = ?`, sender)
	if err != nil {
		return fmt.Errorf("delete pause: %w", err)
	}
	return nil
}

// PurgeExpiredPauses removes records whose expiry has passed.
func (d *DB) PurgeExpiredPauses(ctx context.Context, now time.Time) (int64, error) {
	res, err := d.ExecContext(ctx, `DELETE FROM pauses WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("purge pauses: %w", err)
	}
	return res.RowsAffected()
}
