// Package reminders sends day-before appointment reminders over WhatsApp.
package reminders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/GuyPort/whatsapp-clinic-bot/internal/metrics"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/models"
)

// BookingSource reads bookings that still need a reminder and records
// successful deliveries.
type BookingSource interface {
	BookingsNeedingReminder(ctx context.Context, date string) ([]models.Booking, error)
	MarkReminderSent(ctx context.Context, id string) error
}

// Notifier delivers the reminder text.
type Notifier interface {
	SendText(ctx context.Context, phone, text string) error
}

// Config holds reminder timing.
type Config struct {
	// CheckInterval is how often the upcoming-booking scan runs.
	CheckInterval time.Duration
	// SendAfterHour is the earliest local hour reminders go out, so
	// nobody is messaged in the middle of the night.
	SendAfterHour int
}

// DefaultConfig returns the default reminder timing.
func DefaultConfig() Config {
	return Config{
		CheckInterval: 15 * time.Minute,
		SendAfterHour: 9,
	}
}

// Service scans tomorrow's scheduled bookings and sends one reminder per
// booking. Delivery is marked only on success, so a failed send retries on
// the next cycle.
type Service struct {
	config   Config
	bookings BookingSource
	notifier Notifier
	logger   *zerolog.Logger
	now      func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a reminder service.
func New(config Config, bookings BookingSource, notifier Notifier, logger *zerolog.Logger) *Service {
	if config.CheckInterval <= 0 {
		config.CheckInterval = DefaultConfig().CheckInterval
	}
	if config.SendAfterHour < 0 || config.SendAfterHour > 23 {
		config.SendAfterHour = DefaultConfig().SendAfterHour
	}
	return &Service{
		config:   config,
		bookings: bookings,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// WithNow overrides the clock. Test hook.
func (s *Service) WithNow(now func() time.Time) *Service {
	s.now = now
	return s
}

// Start launches the reminder loop.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info().Dur("interval", s.config.CheckInterval).
		Int("send_after_hour", s.config.SendAfterHour).Msg("reminder service started")
}

// Stop signals the loop and waits for it to finish.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info().Msg("reminder service stopped")
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// CheckNow runs one scan immediately. Test hook.
func (s *Service) CheckNow(ctx context.Context) {
	s.sweep(ctx)
}

func (s *Service) sweep(ctx context.Context) {
	now := s.now()
	if now.Hour() < s.config.SendAfterHour {
		return
	}

	tomorrow := now.AddDate(0, 0, 1).Format("2006-01-02")
	bookings, err := s.bookings.BookingsNeedingReminder(ctx, tomorrow)
	if err != nil {
		s.logger.Error().Err(err).Msg("scan reminder bookings failed")
		return
	}

	for _, b := range bookings {
		if err := s.notifier.SendText(ctx, b.Phone, reminderText(&b)); err != nil {
			s.logger.Error().Err(err).Str("booking", b.ID).Msg("reminder delivery failed")
			continue
		}
		if err := s.bookings.MarkReminderSent(ctx, b.ID); err != nil {
			s.logger.Error().Err(err).Str("booking", b.ID).Msg("mark reminder sent failed")
			continue
		}
		metrics.IncReminderSent()
		s.logger.Info().Str("booking", b.ID).Str("date", b.Date).
			Str("time", b.StartTime).Msg("reminder sent")
	}
}

func reminderText(b *models.Booking) string {
	date := b.Date
	if t, err := time.Parse("2006-01-02", b.Date); err == nil {
		date = t.Format("02/01/2006")
	}
	return fmt.Sprintf(
		"Olá, %s! Lembrete do seu agendamento de %s amanhã, %s às %s. Se precisar remarcar, é só responder esta mensagem. 😊",
		b.ClientName, b.ServiceType, date, b.StartTime)
}
