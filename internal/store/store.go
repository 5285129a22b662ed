package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/maildesk-io/maildesk/internal/config"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence layer. All methods are safe for concurrent use.
// Inside WithTx the receiver is bound to the transaction, so the same methods
// work in both scopes.
type Store struct {
	db  *sqlx.DB
	ext sqlx.ExtContext
}

// Open connects to the configured database, applies pool settings and makes
// sure the schema exists.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: connect %s: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	s := New(db)
	if err := s.Bootstrap(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, ext: db}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction. The *Store passed to fn issues every
// statement on that transaction; any error rolls back. Nested calls reuse the
// open transaction.
func (s *Store) WithTx(ctx context.Context, fn func(*Store) error) error {
	if _, ok := s.ext.(*sqlx.Tx); ok {
		return fn(s)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(&Store{db: s.db, ext: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("store: rollback after %w: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// rebind translates "?" placeholders into the driver's dialect.
func (s *Store) rebind(query string) string {
	return s.ext.Rebind(query)
}

// insertID executes an INSERT and returns the generated key. Postgres has no
// LastInsertId, so the query grows a RETURNING clause there; callers pass the
// statement without it.
func (s *Store) insertID(ctx context.Context, query string, args ...any) (int64, error) {
	if s.ext.DriverName() == "postgres" {
		var id int64
		err := sqlx.GetContext(ctx, s.ext, &id, s.rebind(query+" RETURNING id"), args...)
		return id, err
	}
	res, err := s.ext.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
