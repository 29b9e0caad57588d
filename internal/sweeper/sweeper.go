// Package sweeper expires idle conversations and lapsed pauses.
package sweeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/GuyPort/whatsapp-clinic-bot/internal/database"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/metrics"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/models"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/session"
)

const closingNotice = "Como não tivemos mais retorno, estou encerrando este atendimento. Quando precisar, é só mandar uma mensagem! 😊"

// SessionScanner is the durable store surface the sweep reads and deletes
// through.
type SessionScanner interface {
	IdleSessions(ctx context.Context, cutoff time.Time) ([]string, error)
	GetSession(ctx context.Context, sender string) (*models.Session, error)
	DeleteSession(ctx context.Context, sender string) error
	PurgeExpiredPauses(ctx context.Context, now time.Time) (int64, error)
}

// Notifier sends the proactive closing notice.
type Notifier interface {
	SendText(ctx context.Context, phone, text string) error
}

// Config holds sweep timing.
type Config struct {
	Interval      time.Duration
	IdleThreshold time.Duration
}

// DefaultConfig returns the default sweep timing.
func DefaultConfig() Config {
	return Config{
		Interval:      20 * time.Minute,
		IdleThreshold: time.Hour,
	}
}

// Service is the periodic sweep. Runs independently of message handling
// and takes the per-sender lock before deleting, so it never races an
// in-flight turn destructively.
type Service struct {
	config   Config
	store    SessionScanner
	sessions session.Store
	locks    *session.Locks
	notifier Notifier
	logger   *zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a sweep service.
func New(config Config, store SessionScanner, sessions session.Store, locks *session.Locks, notifier Notifier, logger *zerolog.Logger) *Service {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.IdleThreshold <= 0 {
		config.IdleThreshold = DefaultConfig().IdleThreshold
	}
	return &Service{
		config:   config,
		store:    store,
		sessions: sessions,
		locks:    locks,
		notifier: notifier,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info().Dur("interval", s.config.Interval).
		Dur("idle_threshold", s.config.IdleThreshold).Msg("sweeper started")
}

// Stop signals the loop and waits for it to finish.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info().Msg("sweeper stopped")
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
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

// CheckNow runs one sweep immediately. Test hook and admin trigger.
func (s *Service) CheckNow(ctx context.Context) {
	s.sweep(ctx)
}

func (s *Service) sweep(ctx context.Context) {
	now := time.Now()

	if purged, err := s.store.PurgeExpiredPauses(ctx, now); err != nil {
		s.logger.Error().Err(err).Msg("purge pauses failed")
	} else if purged > 0 {
		s.logger.Info().Int64("count", purged).Msg("expired pauses purged")
	}

	cutoff := now.Add(-s.config.IdleThreshold)
	senders, err := s.store.IdleSessions(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("scan idle sessions failed")
		return
	}

	for _, sender := range senders {
		s.expire(ctx, sender, cutoff)
	}
}

// expire deletes one idle session. The scan snapshot may be stale, so the
// session's last activity is re-checked under the sender lock right before
// the delete.
func (s *Service) expire(ctx context.Context, sender string, cutoff time.Time) {
	s.locks.Lock(sender)
	defer s.locks.Unlock(sender)

	sess, err := s.store.GetSession(ctx, sender)
	if errors.Is(err, database.ErrNotFound) {
		return // already gone; deletion is idempotent
	}
	if err != nil {
		s.logger.Error().Err(err).Str("sender", sender).Msg("re-check session failed")
		return
	}
	if sess.LastActivity.After(cutoff) {
		return // became active between scan and delete
	}

	if err := s.notifier.SendText(ctx, sender, closingNotice); err != nil {
		s.logger.Error().Err(err).Str("sender", sender).Msg("closing notice delivery failed")
	}
	if err := s.sessions.Delete(ctx, sender); err != nil {
		s.logger.Error().Err(err).Str("sender", sender).Msg("delete idle session failed")
		return
	}
	metrics.IncSessionExpired()
	s.logger.Info().Str("sender", sender).Msg("idle session expired")
}
