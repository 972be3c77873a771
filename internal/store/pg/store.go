package pg

import (
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store owns the shared connection pool. Per-domain stores hang off it and
// share the same *sql.DB.
type Store struct {
	db *sql.DB
}

// Open dials Postgres through the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing pool (used by tests with sqlmock).
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Identity returns the provider allow-list backed by this pool.
func (s *Store) Identity() *IdentityStore { return &IdentityStore{db: s.db} }

// Records returns the record catalogue backed by this pool.
func (s *Store) Records() *RecordStore { return &RecordStore{db: s.db} }

// Grants returns the grant manager backed by this pool.
func (s *Store) Grants() *GrantStore { return &GrantStore{db: s.db, now: time.Now} }

// Credits returns the credit ledger backed by this pool.
func (s *Store) Credits() *CreditStore { return &CreditStore{db: s.db} }

// Market returns the marketplace ledger backed by this pool.
func (s *Store) Market() *MarketStore { return &MarketStore{db: s.db, now: time.Now} }
