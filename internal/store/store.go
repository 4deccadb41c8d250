// Package store is the persistent metadata store: users, sessions, teams,
// memberships, the analysis index and the folder tree, backed by sqlite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"analysisd/pkg/logger"
)

// Standard repository errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// UncategorizedTeamID is the reserved team that receives analyses whose
// explicit team was deleted or never set.
const UncategorizedTeamID = "uncategorized"

// Config tunes the sqlite connection.
type Config struct {
	Path             string
	BusyTimeout      time.Duration
	JournalSizeLimit int64
}

// Store wraps the sqlite handle and exposes the repositories.
type Store struct {
	db *sql.DB

	Users    *UserRepository
	Sessions *SessionRepository
	Teams    *TeamRepository
	Analyses *AnalysisRepository
	Tree     *TreeRepository
}

// Open opens (creating if needed) the metadata database with WAL
// journaling, NORMAL synchronous and a bounded journal.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: database path is required")
	}

	busyMs := int64(5000)
	if cfg.BusyTimeout > 0 {
		busyMs = cfg.BusyTimeout.Milliseconds()
	}
	journalLimit := cfg.JournalSizeLimit
	if journalLimit <= 0 {
		journalLimit = 6 * 1024 * 1024
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=journal_size_limit(%d)",
		cfg.Path, busyMs, journalLimit)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}

	// sqlite allows a single writer; a single connection sidesteps
	// SQLITE_BUSY under concurrent handler load while WAL keeps readers
	// concurrent at the engine level.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to ping database: %w", err)
	}

	s := &Store{db: db}
	s.Users = &UserRepository{db: db}
	s.Sessions = &SessionRepository{db: db}
	s.Teams = &TeamRepository{db: db}
	s.Analyses = &AnalysisRepository{db: db}
	s.Tree = &TreeRepository{db: db}

	logger.Info("Metadata store opened", "path", cfg.Path)
	return s, nil
}

// DB exposes the raw handle for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database handle.
func (s *Store) Close() error {
	err := s.db.Close()
	if err == nil {
		logger.Info("Metadata store closed")
	}
	return err
}

// WithTx runs fn inside a transaction, committing on nil error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Warn("Transaction rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
