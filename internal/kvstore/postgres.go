package kvstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore implements Store on a single PostgreSQL table. Expired rows
// are invisible to reads and are physically removed by Purge.
//
//	kv_entries(key text PK, value bytea, expires_at timestamptz NULL)
type PostgresStore struct {
	dsn     string
	timeout time.Duration

	mu sync.RWMutex
	db *sql.DB
}

// NewPostgresStore creates a store for the given lib/pq DSN. No connection
// is made until Establish.
func NewPostgresStore(dsn string, timeout time.Duration) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("kvstore: postgres: empty dsn")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &PostgresStore{dsn: dsn, timeout: timeout}, nil
}

// NewPostgresStoreFromDB wraps an already opened database handle. The schema
// is still migrated by Establish.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, timeout: DefaultTimeout}
}

// Establish opens the pool, pings it and applies pending migrations.
func (s *PostgresStore) Establish(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		db, err := sql.Open("postgres", s.dsn)
		if err != nil {
			return &StoreError{Op: "establish", Kind: KindConnection, Err: err}
		}
		s.db = db
	}
	pingCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		return wrap("establish", "", err)
	}
	if err := s.migrate(); err != nil {
		return &StoreError{Op: "migrate", Kind: KindProtocol, Err: err}
	}
	return nil
}

// migrate runs the embedded migrations on a dedicated connection; closing a
// migrate instance closes the database it was built on.
func (s *PostgresStore) migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	db := s.db
	dedicated := s.dsn != ""
	if dedicated {
		db, err = sql.Open("postgres", s.dsn)
		if err != nil {
			return err
		}
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "kv_schema_migrations"})
	if err != nil {
		if dedicated {
			db.Close()
		}
		return fmt.Errorf("migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		if dedicated {
			db.Close()
		}
		return fmt.Errorf("migrate init: %w", err)
	}
	if dedicated {
		defer m.Close()
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func (s *PostgresStore) handle() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errShutdown
	}
	return s.db, nil
}

// Get returns the live value stored under key, or nil.
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	db, err := s.handle()
	if err != nil {
		return nil, &StoreError{Op: "get", Key: key, Kind: KindConnection, Err: err}
	}

	const query = `
		SELECT value
		FROM kv_entries
		WHERE key = $1
		  AND (expires_at IS NULL OR expires_at > NOW())`

	var value []byte
	err = db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get", key, err)
	}
	return value, nil
}

// Set upserts value under key.
func (s *PostgresStore) Set(ctx context.Context, key string, value []byte, ttlSeconds int) (bool, error) {
	db, err := s.handle()
	if err != nil {
		return false, &StoreError{Op: "set", Key: key, Kind: KindConnection, Err: err}
	}

	const query = `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, $2, CASE WHEN $3::int = 0 THEN NULL ELSE NOW() + make_interval(secs => $3::int) END)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`

	if _, err := db.ExecContext(ctx, query, key, value, normalizeTTL(ttlSeconds)); err != nil {
		return false, wrap("set", key, err)
	}
	return true, nil
}

// Add inserts value under key unless a live row already exists. An expired
// row is overwritten.
func (s *PostgresStore) Add(ctx context.Context, key string, value []byte, ttlSeconds int) (bool, error) {
	db, err := s.handle()
	if err != nil {
		return false, &StoreError{Op: "add", Key: key, Kind: KindConnection, Err: err}
	}

	const query = `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, $2, CASE WHEN $3::int = 0 THEN NULL ELSE NOW() + make_interval(secs => $3::int) END)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
		WHERE kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= NOW()`

	res, err := db.ExecContext(ctx, query, key, value, normalizeTTL(ttlSeconds))
	if err != nil {
		return false, wrap("add", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("add", key, err)
	}
	return n > 0, nil
}

// Delete removes key. It reports false when no live row existed.
func (s *PostgresStore) Delete(ctx context.Context, key string) (bool, error) {
	db, err := s.handle()
	if err != nil {
		return false, &StoreError{Op: "delete", Key: key, Kind: KindConnection, Err: err}
	}

	const query = `
		DELETE FROM kv_entries
		WHERE key = $1
		RETURNING (expires_at IS NULL OR expires_at > NOW())`

	var live bool
	err = db.QueryRowContext(ctx, query, key).Scan(&live)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrap("delete", key, err)
	}
	return live, nil
}

// Purge physically removes expired rows and returns how many were deleted.
func (s *PostgresStore) Purge(ctx context.Context) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, &StoreError{Op: "purge", Kind: KindConnection, Err: err}
	}

	const query = `DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= NOW()`

	res, err := db.ExecContext(ctx, query)
	if err != nil {
		return 0, wrap("purge", "", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Shutdown closes the pool.
func (s *PostgresStore) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return wrap("shutdown", "", err)
}
