package session

import (
	"context"
	"errors"
	"sync"

	"github.com/GuyPort/whatsapp-clinic-bot/internal/database"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/models"
)

// Store is the durable per-sender conversation state contract.
// Load creates a fresh session when none exists.
type Store interface {
	Load(ctx context.Context, sender string) (*models.Session, error)
	Save(ctx context.Context, s *models.Session) error
	Delete(ctx context.Context, sender string) error
}

// Locks serializes message processing per sender. Two messages from the
// same sender read-then-write the same session record; without this, rapid
// messages interleave and lose updates.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocks creates an empty lock set.
func NewLocks() *Locks {
	return &Locks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the sender's mutex, creating it on first use.
func (l *Locks) Lock(sender string) {
	l.mu.Lock()
	m, ok := l.locks[sender]
	if !ok {
		m = &sync.Mutex{}
		l.locks[sender] = m
	}
	l.mu.Unlock()
	m.Lock()
}

// Unlock releases the sender's mutex.
func (l *Locks) Unlock(sender string) {
	l.mu.Lock()
	m := l.locks[sender]
	l.mu.Unlock()
	if m != nil {
		m.Unlock()
	}
}

// SQLiteStore persists sessions in the bot database. It is the durable
// store and the failover target when redis is configured.
type SQLiteStore struct {
	db *database.DB
}

// NewSQLiteStore wraps the database.
func NewSQLiteStore(db *database.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Load(ctx context.Context, sender string) (*models.Session, error) {
	sess, err := s.db.GetSession(ctx, sender)
	if errors.Is(err, database.ErrNotFound) {
		return models.NewSession(sender), nil
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) Save(ctx context.Context, sess *models.Session) error {
	return s.db.SaveSession(ctx, sess)
}

func (s *SQLiteStore) Delete(ctx context.Context, sender string) error {
	return s.db.DeleteSession(ctx, sender)
}
