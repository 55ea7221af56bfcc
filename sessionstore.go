package roshan

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ============================================================================
// Client-local session persistence
// ============================================================================

var (
	ErrCreateStore     = errors.New("cannot open session store")
	ErrMigrationFailed = errors.New("failed to migrate session store")
)

// SessionStorage persists the session record across process restarts.
type SessionStorage interface {
	Save(sess *Session) error
	// Load returns ErrNoSession when nothing is stored.
	Load() (*Session, error)
	Clear() error
}

type sessionRecord struct {
	ID       uint `gorm:"primaryKey"`
	UserJSON string
	LoginAt  time.Time
}

func (sessionRecord) TableName() string { return "session" }

// SessionStore is the SQLite-backed SessionStorage. A single row holds the
// current session; Save overwrites it.
type SessionStore struct {
	db *gorm.DB
}

// OpenSessionStore opens (creating if needed) the store at the given path.
func OpenSessionStore(dsn string) (*SessionStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		slog.Error("cannot open session database", "dsn", dsn, "error", err)
		return nil, ErrCreateStore
	}

	if err := db.AutoMigrate(&sessionRecord{}); err != nil {
		slog.Error("session store migration failed", "error", err)
		return nil, ErrMigrationFailed
	}
	return &SessionStore{db: db}, nil
}

func (s *SessionStore) Save(sess *Session) error {
	data, err := json.Marshal(sess.User)
	if err != nil {
		return fmt.Errorf("encode session user: %w", err)
	}
	rec := sessionRecord{ID: 1, UserJSON: string(data), LoginAt: sess.LoginAt}
	if err := s.db.Save(&rec).Error; err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

func (s *SessionStore) Load() (*Session, error) {
	var rec sessionRecord
	err := s.db.First(&rec, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var user User
	if err := json.Unmarshal([]byte(rec.UserJSON), &user); err != nil {
		return nil, fmt.Errorf("decode session user: %w", err)
	}
	return &Session{User: user, LoginAt: rec.LoginAt}, nil
}

func (s *SessionStore) Clear() error {
	if err := s.db.Delete(&sessionRecord{}, 1).Error; err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
