package models

import (
	"fmt"
	"time"
)

// Booking statuses. Bookings are never hard-deleted, only transitioned.
const (
	StatusScheduled = "scheduled"
	StatusCancelled = "cancelled"
	StatusCompleted = "completed"
	StatusNoShow    = "no_show"
)

// Booking is a scheduled service instance for a client.
type Booking struct {
	ID              string
	ClientName      string
	Phone           string // normalized digits, country prefix included
	BirthDate       time.Time
	Date            string // YYYY-MM-DD
	StartTime       string // HH:MM
	DurationMin     int
	ServiceType     string
	InsurancePlan   string
	Status          string
	Notes           string
	CalendarEventID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Interval returns the booking's [start, end) interval on its date.
func (b *Booking) Interval() (time.Time, time.Time, error) {
	start, err := time.ParseInLocation("2006-01-02 15:04", b.Date+" "+b.StartTime, time.Local)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse booking time: %w", err)
	}
	return start, start.Add(time.Duration(b.DurationMin) * time.Minute), nil
}

// OverlapsWith reports whether two half-open intervals intersect.
// Equal start times always conflict.
func OverlapsWith(start1, end1, start2, end2 time.Time) bool {
	return start1.Before(end2) && start2.Before(end1)
}

// IsActive reports whether the booking still occupies its slot.
func (b *Booking) IsActive() bool {
	return b.Status == StatusScheduled
}
