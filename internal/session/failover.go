package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/GuyPort/whatsapp-clinic-bot/internal/models"
)

// FailoverStore reads from the primary (redis) and fails over to the
// durable fallback (sqlite) when the primary errors. Writes go through to
// both so the fallback stays current for the idle sweeper, which scans the
// durable store directly.
type FailoverStore struct {
	primary  Store
	fallback Store
	logger   *zerolog.Logger

	isDown        atomic.Bool
	mu            sync.Mutex
	lastCheck     time.Time
	checkInterval time.Duration
}

// NewFailoverStore builds a failover store over primary and fallback.
func NewFailoverStore(primary, fallback Store, logger *zerolog.Logger) *FailoverStore {
	return &FailoverStore{
		primary:       primary,
		fallback:      fallback,
		logger:        logger,
		checkInterval: time.Minute,
	}
}

// shouldTryPrimary allows one recovery probe per check interval while the
// primary is marked down.
func (f *FailoverStore) shouldTryPrimary() bool {
	if !f.isDown.Load() {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if time.Since(f.lastCheck) >= f.checkInterval {
		f.lastCheck = time.Now()
		return true
	}
	return false
}

func (f *FailoverStore) markDown(op string, err error) {
	if !f.isDown.Swap(true) {
		f.logger.Warn().Err(err).Str("op", op).Msg("session primary store down, using fallback")
	}
}

func (f *FailoverStore) markUp() {
	if f.isDown.Swap(false) {
		f.logger.Info().Msg("session primary store recovered")
	}
}

func (f *FailoverStore) Load(ctx context.Context, sender string) (*models.Session, error) {
	if f.shouldTryPrimary() {
		sess, err := f.primary.Load(ctx, sender)
		if err == nil {
			f.markUp()
			// A fresh session from the primary may shadow state that
			// survived only in the fallback.
			if len(sess.History) == 0 {
				if fb, ferr := f.fallback.Load(ctx, sender); ferr == nil && len(fb.History) > 0 {
					return fb, nil
				}
			}
			return sess, nil
		}
		f.markDown("load", err)
	}
	return f.fallback.Load(ctx, sender)
}

func (f *FailoverStore) Save(ctx context.Context, sess *models.Session) error {
	if err := f.fallback.Save(ctx, sess); err != nil {
		return err
	}
	if f.shouldTryPrimary() {
		if err := f.primary.Save(ctx, sess); err != nil {
			f.markDown("save", err)
		} else {
			f.markUp()
		}
	}
	return nil
}

func (f *FailoverStore) Delete(ctx context.Context, sender string) error {
	if err := f.fallback.Delete(ctx, sender); err != nil {
		return err
	}
	if f.shouldTryPrimary() {
		if err := f.primary.Delete(ctx, sender); err != nil {
			f.markDown("delete", err)
		} else {
			f.markUp()
		}
	}
	return nil
}
