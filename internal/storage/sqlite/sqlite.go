// Package sqlite is the default lease store. Write transactions take the
// database write lock at BEGIN (immediate mode), so a read-check-write
// inside InTx can never interleave with another writer, in this process or
// any other process sharing the file.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mistakeknot/interlock/internal/storage"
)

//go:embed schema.sql
var schema string

var _ storage.Store = (*Store)(nil)

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

type Option func(*options)

type options struct {
	logger       *slog.Logger
	busyTimeout  time.Duration
	maxOpenConns int
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBusyTimeout bounds how long BEGIN waits for another writer before
// failing with a retryable busy error.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

func WithMaxOpenConns(n int) Option {
	return func(o *options) { o.maxOpenConns = n }
}

func buildOptions(opts []Option) options {
	o := options{busyTimeout: 5 * time.Second, maxOpenConns: 4}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

func New(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	o := buildOptions(opts)
	dsn := fmt.Sprintf("%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, o.busyTimeout.Milliseconds())
	return open(dsn, o)
}

// NewInMemory opens a private in-memory database. It is limited to one
// connection because every connection to ":memory:" is a separate database.
func NewInMemory(opts ...Option) (*Store, error) {
	o := buildOptions(opts)
	o.maxOpenConns = 1
	return open(":memory:?_txlock=immediate", o)
}

func open(dsn string, o options) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(o.maxOpenConns)
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, logger: o.logger}, nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) InTx(ctx context.Context, fn func(storage.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin: %w", err))
	}
	if err := fn(&tx{q: &queryLogger{inner: sqlTx, logger: s.logger}}); err != nil {
		_ = sqlTx.Rollback()
		return classify(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// classify marks SQLite lock contention as transient.
func classify(err error) error {
	if err == nil || storage.IsTransient(err) || !isBusy(err) {
		return err
	}
	return fmt.Errorf("%w: %w", storage.ErrTransient, err)
}

func isBusy(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy")
}
