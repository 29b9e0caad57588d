package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/GuyPort/whatsapp-clinic-bot/internal/models"
)

// CreateBooking inserts a new scheduled booking. A collision with the
// partial unique index on (date, start_time, status='scheduled') is
// reported as ErrSlotTaken, never as a raw driver error.
func (d *DB) CreateBooking(ctx context.Context, b *models.Booking) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Status == "" {
		b.Status = models.StatusScheduled
	}

	var birth any
	if !b.BirthDate.IsZero() {
		birth = b.BirthDate
	}

	_, err := d.ExecContext(ctx, `
		INSERT INTO bookings (id, client_name, phone, birth_date, date, start_time,
			duration_min, service_type, insurance_plan, status, notes, calendar_event_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ClientName, b.Phone, birth, b.Date, b.StartTime,
		b.DurationMin, b.ServiceType, b.InsurancePlan, b.Status, b.Notes, b.CalendarEventID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSlotTaken
		}
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code == sqlite3.ErrConstraint
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetBooking fetches a booking by id.
func (d *DB) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	row := d.QueryRowContext(ctx, `
		SELECT id, client_name, phone, birth_date, date, start_time, duration_min,
			service_type, insurance_plan, status, notes, calendar_event_id, created_at, updated_at
		FROM bookings WHERE id = ?`, id)
	return scanBooking(row)
}

// ActiveBookingsOn returns scheduled bookings for a date, ordered by start time.
func (d *DB) ActiveBookingsOn(ctx context.Context, date string) ([]models.Booking, error) {
	rows, err := d.QueryContext(ctx, `
		SELECT id, client_name, phone, birth_date, date, start_time, duration_min,
			service_type, insurance_plan, status, notes, calendar_event_id, created_at, updated_at
		FROM bookings WHERE date = ? AND status = 'scheduled'
		ORDER BY start_time`, date)
	if err != nil {
		return nil, fmt.Errorf("query bookings: %w", err)
	}
	defer rows.Close()
	return collectBookings(rows)
}

// BookingsByPhone returns a client's scheduled bookings from today onward.
func (d *DB) BookingsByPhone(ctx context.Context, phone string) ([]models.Booking, error) {
	today := time.Now().Format("2006-01-02")
	rows, err := d.QueryContext(ctx, `
		SELECT id, client_name, phone, birth_date, date, start_time, duration_min,
			service_type, insurance_plan, status, notes, calendar_event_id, created_at, updated_at
		FROM bookings WHERE phone = ? AND status = 'scheduled' AND date >= ?
		ORDER BY date, start_time`, phone, today)
	if err != nil {
		return nil, fmt.Errorf("query bookings by phone: %w", err)
	}
	defer rows.Close()
	return collectBookings(rows)
}

// BookingsBetween returns all bookings in an inclusive date range regardless
// of status. Used by the admin surface.
func (d *DB) BookingsBetween(ctx context.Context, from, to string) ([]models.Booking, error) {
	rows, err := d.QueryContext(ctx, `
		SELECT id, client_name, phone, birth_date, date, start_time, duration_min,
			service_type, insurance_plan, status, notes, calendar_event_id, created_at, updated_at
		FROM bookings WHERE date >= ? AND date <= ?
		ORDER BY date, start_time`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query bookings between: %w", err)
	}
	defer rows.Close()
	return collectBookings(rows)
}

// IsSlotBooked reports whether any scheduled booking on date overlaps the
// [startMin, endMin) interval expressed in minutes since midnight.
func (d *DB) IsSlotBooked(ctx context.Context, date string, startMin, endMin int) (bool, error) {
	rows, err := d.QueryContext(ctx, `
		SELECT start_time, duration_min FROM bookings
		WHERE date = ? AND status = 'scheduled'`, date)
	if err != nil {
		return false, fmt.Errorf("query slot bookings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var startTime string
		var dur int
		if err := rows.Scan(&startTime, &dur); err != nil {
			return false, err
		}
		bs, err := minutesOfDay(startTime)
		if err != nil {
			continue
		}
		be := bs + dur
		if startMin < be && bs < endMin {
			return true, nil
		}
	}
	return false, rows.Err()
}

func minutesOfDay(hhmm string) (int, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// BookingsNeedingReminder returns scheduled bookings on a date whose
// reminder has not been sent yet.
func (d *DB) BookingsNeedingReminder(ctx context.Context, date string) ([]models.Booking, error) {
	rows, err := d.QueryContext(ctx, `
		SELECT id, client_name, phone, birth_date, date, start_time, duration_min,
			service_type, insurance_plan, status, notes, calendar_event_id, created_at, updated_at
		FROM bookings WHERE date = ? AND status = 'scheduled' AND reminder_sent = 0
		ORDER BY start_time`, date)
	if err != nil {
		return nil, fmt.Errorf("query reminder bookings: %w", err)
	}
	defer rows.Close()
	return collectBookings(rows)
}

// MarkReminderSent records that the booking's reminder went out. Only set
// after a successful delivery so a failed send retries on the next cycle.
func (d *DB) MarkReminderSent(ctx context.Context, id string) error {
	res, err := d.ExecContext(ctx,
		`UPDATE bookings SET reminder_sent = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		id)
	if err != nil {
		return fmt.Errorf("mark reminder sent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateBookingStatus transitions a booking's lifecycle status.
func (d *DB) UpdateBookingStatus(ctx context.Context, id, status string) error {
	res, err := d.ExecContext(ctx,
		`UPDATE bookings SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, id)
	if err != nil {
		return fmt.Errorf("update booking status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCalendarEventID records the calendar collaborator's event id.
func (d *DB) SetCalendarEventID(ctx context.Context, id, eventID string) error {
	_, err := d.ExecContext(ctx,
		`UPDATE bookings SET calendar_event_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		eventID, id)
	return err
}

func scanBooking(row *sql.Row) (*models.Booking, error) {
	var b models.Booking
	var birth sql.NullTime
	var insurance, notes, eventID sql.NullString
	err := row.Scan(&b.ID, &b.ClientName, &b.Phone, &birth, &b.Date, &b.StartTime,
		&b.DurationMin, &b.ServiceType, &insurance, &b.Status, &notes, &eventID,
		&b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan booking: %w", err)
	}
	b.BirthDate = birth.Time
	b.InsurancePlan = insurance.String
	b.Notes = notes.String
	b.CalendarEventID = eventID.String
	return &b, nil
}

func collectBookings(rows *sql.Rows) ([]models.Booking, error) {
	var out []models.Booking
	for rows.Next() {
		var b models.Booking
		var birth sql.NullTime
		var insurance, notes, eventID sql.NullString
		if err := rows.Scan(&b.ID, &b.ClientName, &b.Phone, &birth, &b.Date, &b.StartTime,
			&b.DurationMin, &b.ServiceType, &insurance, &b.Status, &notes, &eventID,
			&b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		b.BirthDate = birth.Time
		b.InsurancePlan = insurance.String
		b.Notes = notes.String
		b.CalendarEventID = eventID.String
		out = append(out, b)
	}
	return out, rows.Err()
}
