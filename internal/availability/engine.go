package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/GuyPort/whatsapp-clinic-bot/internal/config"
)

// BookingChecker reads existing scheduled bookings. Implemented by the
// database layer.
type BookingChecker interface {
	IsSlotBooked(ctx context.Context, date string, startMin, endMin int) (bool, error)
}

// Engine computes valid slots and detects conflicts. Pure business rules;
// its only external read is existing bookings through BookingChecker.
type Engine struct {
	checker BookingChecker
	now     func() time.Time
}

// New creates an engine over a booking checker.
func New(checker BookingChecker) *Engine {
	return &Engine{checker: checker, now: time.Now}
}

// WithNow overrides the clock. Test hook.
func (e *Engine) WithNow(now func() time.Time) *Engine {
	e.now = now
	return e
}

// IsOpenAt reports whether the clinic is open at t. Applies the weekly
// schedule, the closed-date list, and rejects past instants. The reason
// string is suitable for a user-facing clarification.
func (e *Engine) IsOpenAt(cfg *config.ClinicConfig, t time.Time) (bool, string) {
	if t.Before(e.now()) {
		return false, "horário no passado"
	}
	if closed, reason := cfg.IsClosedDate(t); closed {
		if reason == "" {
			reason = "clínica fechada nesta data"
		}
		return false, reason
	}
	hours, open := cfg.HoursFor(t.Weekday())
	if !open {
		return false, "clínica fechada neste dia da semana"
	}

	minute := t.Hour()*60 + t.Minute()
	openMin, _ := minutesOfDay(hours.Open)
	closeMin, _ := minutesOfDay(hours.Close)
	if minute < openMin || minute >= closeMin {
		return false, fmt.Sprintf("fora do horário de atendimento (%s às %s)", hours.Open, hours.Close)
	}
	return true, ""
}

// ListAvailableSlots generates whole-hour candidates within operating hours
// for a date and filters those overlapping an existing scheduled booking.
// Returns an empty slice, never an error, when the date is closed or fully
// booked. Recomputed on every call.
func (e *Engine) ListAvailableSlots(ctx context.Context, cfg *config.ClinicConfig, date, serviceType string) ([]string, error) {
	day, err := time.ParseInLocation("2006-01-02", date, time.Local)
	if err != nil {
		return nil, fmt.Errorf("parse date %q: %w", date, err)
	}

	svc := cfg.ServiceByName(serviceType)
	if svc == nil {
		return nil, fmt.Errorf("unknown service type %q", serviceType)
	}

	// Dates already behind us never have bookable slots.
	now := e.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)
	if day.Before(today) {
		return []string{}, nil
	}

	if closed, _ := cfg.IsClosedDate(day); closed {
		return []string{}, nil
	}
	hours, open := cfg.HoursFor(day.Weekday())
	if !open {
		return []string{}, nil
	}

	openMin, err := minutesOfDay(hours.Open)
	if err != nil {
		return nil, fmt.Errorf("parse open time: %w", err)
	}
	closeMin, err := minutesOfDay(hours.Close)
	if err != nil {
		return nil, fmt.Errorf("parse close time: %w", err)
	}

	// Same-day requests only offer slots after "now", rounded up so a
	// caller at 09:58 is not offered 09:00.
	minStart := 0
	if day.Year() == now.Year() && day.YearDay() == now.YearDay() {
		minStart = RoundUpTo5(now.Hour()*60 + now.Minute())
	}

	slots := []string{}
	// Candidates start on whole-hour boundaries.
	first := openMin
	if first%60 != 0 {
		first += 60 - first%60
	}
	for start := first; start+svc.DurationMin <= closeMin; start += 60 {
		if start < minStart {
			continue
		}
		booked, err := e.checker.IsSlotBooked(ctx, date, start, start+svc.DurationMin)
		if err != nil {
			return nil, fmt.Errorf("check slot %s: %w", formatMinutes(start), err)
		}
		if !booked {
			slots = append(slots, formatMinutes(start))
		}
	}
	return slots, nil
}

// CheckSlot re-applies the overlap test for a single slot. Second of the
// two availability checks before a commit.
func (e *Engine) CheckSlot(ctx context.Context, cfg *config.ClinicConfig, date, timeStr, serviceType string) (bool, error) {
	day, err := time.ParseInLocation("2006-01-02", date, time.Local)
	if err != nil {
		return false, fmt.Errorf("parse date %q: %w", date, err)
	}
	start, err := minutesOfDay(timeStr)
	if err != nil {
		return false, fmt.Errorf("parse time %q: %w", timeStr, err)
	}
	svc := cfg.ServiceByName(serviceType)
	if svc == nil {
		return false, fmt.Errorf("unknown service type %q", serviceType)
	}

	at := day.Add(time.Duration(start) * time.Minute)
	if open, _ := e.IsOpenAt(cfg, at); !open {
		return false, nil
	}
	// The whole interval must fit before closing.
	hours, _ := cfg.HoursFor(day.Weekday())
	closeMin, err := minutesOfDay(hours.Close)
	if err != nil {
		return false, fmt.Errorf("parse close time: %w", err)
	}
	if start+svc.DurationMin > closeMin {
		return false, nil
	}

	booked, err := e.checker.IsSlotBooked(ctx, date, start, start+svc.DurationMin)
	if err != nil {
		return false, fmt.Errorf("check slot: %w", err)
	}
	return !booked, nil
}

// RoundUpTo5 rounds minutes-of-day up to the next multiple of five.
func RoundUpTo5(minutes int) int {
	if minutes%5 == 0 {
		return minutes
	}
	return minutes + 5 - minutes%5
}

func minutesOfDay(hhmm string) (int, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func formatMinutes(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}
