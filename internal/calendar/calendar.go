// Package calendar mirrors bookings into Google Calendar. Sync failures
// are logged warnings; the booking record stays authoritative.
package calendar

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/GuyPort/whatsapp-clinic-bot/internal/models"
)

// Syncer mirrors booking lifecycle into an external calendar.
type Syncer interface {
	CreateEvent(ctx context.Context, b *models.Booking) (string, error)
	DeleteEvent(ctx context.Context, eventID string) error
}

// GoogleSyncer writes to a Google Calendar with a service account.
type GoogleSyncer struct {
	service    *gcal.Service
	calendarID string
	timeZone   string
	logger     *zerolog.Logger
}

// NewGoogle builds a syncer from service-account credentials.
func NewGoogle(ctx context.Context, credentialsFile, calendarID, timeZone string, logger *zerolog.Logger) (*GoogleSyncer, error) {
	svc, err := gcal.NewService(ctx,
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(gcal.CalendarEventsScope))
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	if timeZone == "" {
		timeZone = "America/Sao_Paulo"
	}
	return &GoogleSyncer{
		service:    svc,
		calendarID: calendarID,
		timeZone:   timeZone,
		logger:     logger,
	}, nil
}

// CreateEvent inserts an event for the booking and returns the event id.
func (g *GoogleSyncer) CreateEvent(ctx context.Context, b *models.Booking) (string, error) {
	start, end, err := b.Interval()
	if err != nil {
		return "", err
	}

	event := &gcal.Event{
		Summary:     fmt.Sprintf("%s - %s", b.ServiceType, b.ClientName),
		Description: fmt.Sprintf("Telefone: %s\nConvênio: %s\n%s", b.Phone, b.InsurancePlan, b.Notes),
		Start:       &gcal.EventDateTime{DateTime: start.Format(time.RFC3339), TimeZone: g.timeZone},
		End:         &gcal.EventDateTime{DateTime: end.Format(time.RFC3339), TimeZone: g.timeZone},
	}

	created, err := g.service.Events.Insert(g.calendarID, event).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	return created.Id, nil
}

// DeleteEvent removes the mirrored event.
func (g *GoogleSyncer) DeleteEvent(ctx context.Context, eventID string) error {
	if eventID == "" {
		return nil
	}
	if err := g.service.Events.Delete(g.calendarID, eventID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	return nil
}

// Noop is used when calendar sync is disabled.
type Noop struct{}

func (Noop) CreateEvent(context.Context, *models.Booking) (string, error) { return "", nil }
func (Noop) DeleteEvent(context.Context, string) error                    { return nil }
