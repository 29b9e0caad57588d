package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrSlotTaken indicates a commit collided with an existing scheduled
	// booking for the same date and time.
	ErrSlotTaken = errors.New("slot already booked")
)

// DB wraps sql.DB for the clinic bot.
type DB struct {
	*sql.DB
}

// New opens the database at path with WAL mode and runs migrations.
func New(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := createTables(db); err != nil {
		return nil, err
	}
	return &DB{db}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS bookings (
			id TEXT PRIMARY KEY,
			client_name TEXT NOT NULL,
			phone TEXT NOT NULL,
			birth_date DATETIME,
			date TEXT NOT NULL,
			start_time TEXT NOT NULL,
			duration_min INTEGER NOT NULL,
			service_type TEXT NOT NULL,
			insurance_plan TEXT,
			status TEXT NOT NULL DEFAULT 'scheduled',
			notes TEXT,
			calendar_event_id TEXT,
			reminder_sent INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			sender TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			last_activity DATETIME NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS pauses (
			sender TEXT PRIMARY KEY,
			expires_at DATETIME NOT NULL,
			reason TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Last-resort guard against a double commit for the same slot.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_bookings_slot
			ON bookings(date, start_time) WHERE status = 'scheduled'`,

		`CREATE INDEX IF NOT EXISTS idx_bookings_phone ON bookings(phone, status)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_date ON bookings(date, status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity)`,
		`CREATE INDEX IF NOT EXISTS idx_pauses_expiry ON pauses(expires_at)`,
	}

	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return fmt.Errorf("exec migration %s: %w", trimSQL(q), err)
		}
	}
	return nil
}

func trimSQL(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}
