// Package store persists protocol messages, payment proposals and settled
// payments with gorm.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound          = errors.New("store: record not found")
	ErrDuplicateNonce    = errors.New("store: nonce already used")
	ErrDuplicatePayment  = errors.New("store: payment already recorded")
	ErrMessageFinished   = errors.New("store: message already finished")
	ErrInvalidTransition = errors.New("store: invalid proposal transition")
)

// TransitionError reports a refused proposal state change.
type TransitionError struct {
	From ProposalStatus
	To   ProposalStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("store: cannot move proposal from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Config selects the database backend.
type Config struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	LogLevel     logger.LogLevel
}

// ParseLogLevel maps a textual gorm log level; unknown values yield warn.
func ParseLogLevel(raw string) logger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	}
	return logger.Warn
}

// Store wraps the gorm handle.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to the configured database and migrates the schema.
func Open(cfg Config) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file:a2a.db?_pragma=busy_timeout(5000)"
		}
		dialector = sqlite.Open(dsn)
		if cfg.MaxOpenConns == 0 {
			cfg.MaxOpenConns = 1
		}
	case "postgres":
		if cfg.DSN == "" {
			return nil, errors.New("store: postgres requires a DSN")
		}
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}
	level := cfg.LogLevel
	if level == 0 {
		level = logger.Warn
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return New(db), nil
}

// New wraps an already-migrated gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB { return s.db }

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateMessage inserts a message in the processing state. A nonce collision
// returns ErrDuplicateNonce.
func (s *Store) CreateMessage(ctx context.Context, msg *AgentMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.Status == "" {
		msg.Status = MessageProcessing
	}
	err := s.db.WithContext(ctx).Create(msg).Error
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateNonce
	}
	// Not every driver translates constraint errors; a row holding the nonce
	// means the insert lost the race.
	if exists, lookupErr := s.NonceExists(ctx, msg.Nonce); lookupErr == nil && exists {
		return ErrDuplicateNonce
	}
	return fmt.Errorf("store: create message: %w", err)
}

// NonceExists reports whether a message with nonce has been stored.
func (s *Store) NonceExists(ctx context.Context, nonce string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&AgentMessage{}).Where("nonce = ?", nonce).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// Message loads a message by id.
func (s *Store) Message(ctx context.Context, id uuid.UUID) (*AgentMessage, error) {
	var msg AgentMessage
	if err := s.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// FinishMessage moves a processing message to its terminal status. It succeeds
// at most once per message.
func (s *Store) FinishMessage(ctx context.Context, id uuid.UUID, status MessageStatus, errMsg string) error {
	if status != MessageCompleted && status != MessageFailed {
		return fmt.Errorf("store: %q is not a terminal message status", status)
	}
	updates := map[string]any{
		"status":       status,
		"processed_at": s.now().UTC(),
	}
	if errMsg != "" {
		updates["error_message"] = errMsg
	}
	res := s.db.WithContext(ctx).Model(&AgentMessage{}).
		Where("id = ? AND status = ?", id, MessageProcessing).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("store: finish message: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.Message(ctx, id); err != nil {
			return err
		}
		return ErrMessageFinished
	}
	return nil
}
