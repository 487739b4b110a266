// Package postgres provides a PostgreSQL implementation of the
// entitlement.Store interface. Conditional updates use a version-guarded
// UPDATE inside a transaction; webhook event dedup rows are written in the
// same transaction as the entitlement mutation.
//
// Expected schema:
//
//	CREATE TABLE entitlement_records (
//	    user_id                  TEXT PRIMARY KEY,
//	    email                    TEXT NOT NULL DEFAULT '',
//	    tier                     TEXT NOT NULL,
//	    status                   TEXT NOT NULL,
//	    provider_customer_id     TEXT NOT NULL DEFAULT '',
//	    provider_subscription_id TEXT NOT NULL DEFAULT '',
//	    quota_used               INT NOT NULL DEFAULT 0,
//	    quota_reset_date         DATE NOT NULL,
//	    tier_changed_at          TIMESTAMPTZ,
//	    billing_period           TEXT NOT NULL DEFAULT '',
//	    expires_at               TIMESTAMPTZ,
//	    version                  BIGINT NOT NULL DEFAULT 1,
//	    updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//	CREATE UNIQUE INDEX entitlement_records_customer_idx
//	    ON entitlement_records (provider_customer_id)
//	    WHERE provider_customer_id <> '';
//	CREATE INDEX entitlement_records_unlinked_idx
//	    ON entitlement_records (updated_at DESC)
//	    WHERE provider_customer_id = '';
//	CREATE INDEX entitlement_records_email_idx
//	    ON entitlement_records (email);
//
//	CREATE TABLE processed_webhook_events (
//	    event_id     TEXT PRIMARY KEY,
//	    action       TEXT NOT NULL,
//	    processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/planpilot/metering/pkg/entitlement"
)

const recordColumns = `user_id, email, tier, status, provider_customer_id, provider_subscription_id,
	quota_used, quota_reset_date, tier_changed_at, billing_period, expires_at, version, updated_at`

// Store implements entitlement.Store using PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL store configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL store.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool, config: config}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Get implements entitlement.Store.
func (s *Store) Get(ctx context.Context, userID string) (*entitlement.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM entitlement_records WHERE user_id = $1`, userID)
	return scanRecord(row)
}

// CreateDefault implements entitlement.Store.
func (s *Store) CreateDefault(ctx context.Context, userID, email string) (*entitlement.Record, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entitlement_records
			(user_id, email, tier, status, quota_used, quota_reset_date, version, updated_at)
			VALUES ($1, $2, $3, $4, 0, $5, 1, $6)
			ON CONFLICT (user_id) DO NOTHING`,
		userID, email, string(entitlement.TierFree), string(entitlement.StatusActive),
		entitlement.StartOfDayUTC(now), now)
	if err != nil {
		return nil, fmt.Errorf("failed to create default record: %w", err)
	}

	return s.Get(ctx, userID)
}

// ConditionalUpdate implements entitlement.Store.
func (s *Store) ConditionalUpdate(ctx context.Context, userID string, expectedVersion int64, mutate entitlement.MutateFunc) (*entitlement.Record, error) {
	var rec *entitlement.Record
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		rec, err = s.conditionalUpdateTx(ctx, tx, userID, expectedVersion, mutate)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ApplyEvent implements entitlement.Store.
func (s *Store) ApplyEvent(ctx context.Context, userID, eventID, action string, expectedVersion int64, mutate entitlement.MutateFunc) (*entitlement.Record, error) {
	if eventID == "" {
		return nil, fmt.Errorf("event id is required")
	}

	var rec *entitlement.Record
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO processed_webhook_events (event_id, action, processed_at)
				VALUES ($1, $2, NOW())
				ON CONFLICT (event_id) DO NOTHING`,
			eventID, action)
		if err != nil {
			return fmt.Errorf("failed to record event: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return entitlement.ErrEventAlreadyProcessed
		}

		rec, err = s.conditionalUpdateTx(ctx, tx, userID, expectedVersion, mutate)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// HasProcessedEvent implements entitlement.Store.
func (s *Store) HasProcessedEvent(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_webhook_events WHERE event_id = $1)`,
		eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return exists, nil
}

// FindByCustomerID implements entitlement.Store.
func (s *Store) FindByCustomerID(ctx context.Context, customerID string) (*entitlement.Record, error) {
	if customerID == "" {
		return nil, entitlement.ErrRecordNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM entitlement_records WHERE provider_customer_id = $1`,
		customerID)
	return scanRecord(row)
}

// FindLatestUnlinked implements entitlement.Store.
func (s *Store) FindLatestUnlinked(ctx context.Context) (*entitlement.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM entitlement_records
			WHERE provider_customer_id = ''
			ORDER BY updated_at DESC
			LIMIT 1`)
	return scanRecord(row)
}

// FindByEmail implements entitlement.Store.
func (s *Store) FindByEmail(ctx context.Context, email string) (*entitlement.Record, error) {
	if email == "" {
		return nil, entitlement.ErrRecordNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM entitlement_records WHERE email = $1
			ORDER BY updated_at DESC
			LIMIT 1`,
		email)
	return scanRecord(row)
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// conditionalUpdateTx performs the version-guarded read-modify-write
// inside tx. The SELECT FOR UPDATE serializes writers on the row; the
// version check turns any interleaved commit into ErrVersionConflict.
func (s *Store) conditionalUpdateTx(ctx context.Context, tx pgx.Tx, userID string, expectedVersion int64, mutate entitlement.MutateFunc) (*entitlement.Record, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM entitlement_records WHERE user_id = $1 FOR UPDATE`,
		userID)
	cur, err := scanRecord(row)
	if err != nil {
		return nil, err
	}
	if cur.Version != expectedVersion {
		return nil, entitlement.ErrVersionConflict
	}

	next := cur.Clone()
	if err := mutate(next); err != nil {
		if errors.Is(err, entitlement.ErrNoChange) {
			return cur, nil
		}
		return nil, err
	}

	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now().UTC()

	tag, err := tx.Exec(ctx,
		`UPDATE entitlement_records SET
			email = $2, tier = $3, status = $4,
			provider_customer_id = $5, provider_subscription_id = $6,
			quota_used = $7, quota_reset_date = $8, tier_changed_at = $9,
			billing_period = $10, expires_at = $11,
			version = $12, updated_at = $13
			WHERE user_id = $1 AND version = $14`,
		next.UserID, next.Email, string(next.Tier), string(next.Status),
		next.ProviderCustomerID, next.ProviderSubscriptionID,
		next.QuotaUsed, next.QuotaResetDate, nullableTime(next.TierChangedAt),
		string(next.BillingPeriod), next.ExpiresAt,
		next.Version, next.UpdatedAt, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to update record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, entitlement.ErrVersionConflict
	}

	return next, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*entitlement.Record, error) {
	var rec entitlement.Record
	var tier, status, billingPeriod string
	var tierChangedAt, expiresAt *time.Time

	err := row.Scan(
		&rec.UserID,
		&rec.Email,
		&tier,
		&status,
		&rec.ProviderCustomerID,
		&rec.ProviderSubscriptionID,
		&rec.QuotaUsed,
		&rec.QuotaResetDate,
		&tierChangedAt,
		&billingPeriod,
		&expiresAt,
		&rec.Version,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	rec.Tier = entitlement.Tier(tier)
	rec.Status = entitlement.Status(status)
	rec.BillingPeriod = entitlement.BillingPeriod(billingPeriod)
	if tierChangedAt != nil {
		rec.TierChangedAt = *tierChangedAt
	}
	rec.ExpiresAt = expiresAt
	rec.QuotaResetDate = entitlement.StartOfDayUTC(rec.QuotaResetDate)

	return &rec, nil
}
