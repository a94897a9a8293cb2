package storage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS listings (
  seq                INTEGER PRIMARY KEY,
  server_id          TEXT NOT NULL UNIQUE,
  vendor_id          TEXT NOT NULL,
  client_id          TEXT NOT NULL,
  owner_key          TEXT NOT NULL,
  client_owner_key   TEXT NOT NULL,
  dedup_key          TEXT NOT NULL UNIQUE,
  vendor_name        TEXT NOT NULL,
  description        TEXT NOT NULL,
  products_in_return TEXT NOT NULL,
  image              TEXT,
  latitude           REAL,
  longitude          REAL,
  created_at         INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_listings_owner
ON listings (owner_key, client_owner_key);
`,
}

// Options configures a Store.
type Options struct {
	Clock  clock.Clock
	Logger *zap.Logger

	SweepInterval time.Duration
	ActiveUserTTL time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = DefaultSweepInterval
	}
	if out.ActiveUserTTL <= 0 {
		out.ActiveUserTTL = DefaultActiveUserTTL
	}
	return out
}

// Store is the host's authoritative listing table plus its active-user registry.
//
// The database lives in memory only, so its contents never outlive the process.
type Store struct {
	db     *sql.DB
	clock  clock.Clock
	logger *zap.Logger

	// mu serializes writes so the dedup check and insert are atomic.
	mu     sync.Mutex
	nextID int64

	users *ActiveUsers

	closeOnce sync.Once
}

// Open creates an empty in-memory store.
func Open(options Options) (*Store, error) {
	opts := options.withDefaults()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// Every pooled connection to :memory: would get its own database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:     db,
		clock:  opts.Clock,
		logger: opts.Logger,
		users:  NewActiveUsers(opts.Clock, opts.SweepInterval, opts.ActiveUserTTL, opts.Logger),
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// ActiveUsers returns the registry owned by this store.
func (s *Store) ActiveUsers() *ActiveUsers {
	return s.users
}

// Start begins the active-user sweep. It is called when hosting begins.
func (s *Store) Start() {
	s.users.Start()
}

// Stop ends the sweep and empties the listing table and registry.
func (s *Store) Stop() error {
	s.users.Stop()
	s.users.Clear()
	return s.Clear()
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		s.users.Stop()
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}
