package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrStatusMismatch is returned when a compare-and-swap update finds a
	// status other than the expected one
	ErrStatusMismatch = errors.New("status precondition failed")
	// ErrUniqueViolation is returned when an insert hits a unique index
	ErrUniqueViolation = errors.New("unique constraint violated")
)

type Store struct {
	db     sqlx.ExtContext
	root   *sqlx.DB
	driver string
}

// NewStore connects to the database. driver is "postgres" in deployments
// and "sqlite" for local runs and tests.
func NewStore(driver, databaseURL string) (*Store, error) {
	db, err := sqlx.Connect(driver, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, root: db, driver: driver}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.root.Close()
}

// Ping checks connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.root.PingContext(ctx)
}

// InTx runs fn against a store bound to a single database transaction.
// The transaction commits when fn returns nil and rolls back otherwise.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	if _, nested := s.db.(*sqlx.Tx); nested {
		return fn(s)
	}

	tx, err := s.root.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Store{db: tx, root: s.root, driver: s.driver}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Migrate creates the schema if it does not exist
func (s *Store) Migrate(ctx context.Context) error {
	auditID := "BIGSERIAL PRIMARY KEY"
	if s.driver == "sqlite" {
		auditID = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS offers (
			id TEXT PRIMARY KEY,
			listing_id TEXT NOT NULL,
			buyer_id TEXT NOT NULL,
			seller_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			amount BIGINT,
			trade_item_ids TEXT,
			message TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			counter_depth INTEGER NOT NULL DEFAULT 0,
			parent_offer_id TEXT REFERENCES offers(id),
			expires_at TIMESTAMP NOT NULL,
			responded_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS offers_listing_status ON offers (listing_id, status)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS offers_one_pending ON offers (buyer_id, listing_id) WHERE status = 'pending'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS offers_one_child ON offers (parent_offer_id) WHERE parent_offer_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			offer_id TEXT NOT NULL UNIQUE REFERENCES offers(id),
			listing_id TEXT NOT NULL,
			buyer_id TEXT NOT NULL,
			seller_id TEXT NOT NULL,
			amount BIGINT,
			trade_item_ids TEXT,
			status TEXT NOT NULL,
			payment_intent_id TEXT,
			checkout_session_id TEXT,
			transfer_id TEXT,
			shipping_carrier TEXT,
			tracking_number TEXT,
			attention_reason TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			payment_started_at TIMESTAMP,
			paid_at TIMESTAMP,
			shipped_at TIMESTAMP,
			delivered_at TIMESTAMP,
			release_requested_at TIMESTAMP,
			released_at TIMESTAMP,
			refund_requested_at TIMESTAMP,
			refunded_at TIMESTAMP,
			cancelled_at TIMESTAMP,
			flagged_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS transactions_payment_intent ON transactions (payment_intent_id)`,
		`CREATE INDEX IF NOT EXISTS transactions_checkout_session ON transactions (checkout_session_id)`,
		`CREATE TABLE IF NOT EXISTS processed_events (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			transaction_id TEXT,
			outcome TEXT NOT NULL,
			processed_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id ` + auditID + `,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			action TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS audit_log_entity ON audit_log (entity_type, entity_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

func sqlxGet(ctx context.Context, s *Store, dest interface{}, query string, args ...interface{}) error {
	return sqlx.GetContext(ctx, s.db, dest, s.rebind(query), args...)
}

func sqlxSelect(ctx context.Context, s *Store, dest interface{}, query string, args ...interface{}) error {
	return sqlx.SelectContext(ctx, s.db, dest, s.rebind(query), args...)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
