// Package postgres provides a PostgreSQL implementation of the quizgate
// repositories. Counts are always read live from the tables; quiz creation
// and question appends check and write inside one transaction, and a
// subscription is written together with its owner's plan field.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/quizgate/pkg/billing"
	"github.com/mihaimyh/quizgate/pkg/entitlement"
	"github.com/mihaimyh/quizgate/pkg/quiz"
)

//go:embed schema.sql
var schema string

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is a DBTX that can open transactions.
type DB interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Storage implements the entitlement, quiz and billing repositories on PostgreSQL
type Storage struct {
	db   DB
	pool *pgxpool.Pool
}

var (
	_ entitlement.PlanSource         = (*Storage)(nil)
	_ entitlement.ResourceCounter    = (*Storage)(nil)
	_ billing.SubscriptionRepository = (*Storage)(nil)
	_ quiz.Repository                = (*Storage)(nil)
)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Migrate applies the embedded schema on startup
	Migrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		Migrate:         true,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
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

	s := &Storage{db: pool, pool: pool}
	if config.Migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithDB wraps an existing connection or pool.
func NewWithDB(db DB) *Storage {
	return &Storage{db: db}
}

// Migrate applies the schema. It is idempotent.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Storage) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// Close closes the connection pool if Storage owns it
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *Storage) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
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

// GetUserPlan implements entitlement.PlanSource
func (s *Storage) GetUserPlan(ctx context.Context, userID string) (entitlement.PlanType, error) {
	var plan string
	err := s.db.QueryRow(ctx, `SELECT plan FROM users WHERE id = $1`, userID).Scan(&plan)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", entitlement.ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get user plan: %w", err)
	}
	return entitlement.PlanType(plan), nil
}

// SetUserPlan implements billing.SubscriptionRepository
func (s *Storage) SetUserPlan(ctx context.Context, userID string, plan entitlement.PlanType) error {
	return setUserPlan(ctx, s.db, userID, plan)
}

func setUserPlan(ctx context.Context, db DBTX, userID string, plan entitlement.PlanType) error {
	if userID == "" {
		return fmt.Errorf("invalid user id")
	}
	_, err := db.Exec(ctx,
		`INSERT INTO users (id, plan, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET plan = EXCLUDED.plan, updated_at = EXCLUDED.updated_at`,
		userID, string(plan), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set user plan: %w", err)
	}
	return nil
}

// CountQuizzes implements entitlement.ResourceCounter
func (s *Storage) CountQuizzes(ctx context.Context, userID string) (int64, error) {
	return countQuizzes(ctx, s.db, userID)
}

func countQuizzes(ctx context.Context, db DBTX, userID string) (int64, error) {
	var n int64
	if err := db.QueryRow(ctx, `SELECT count(*) FROM quizzes WHERE owner_id = $1`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count quizzes: %w", err)
	}
	return n, nil
}

// SumStorageBytes implements entitlement.ResourceCounter
func (s *Storage) SumStorageBytes(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE((SELECT sum(storage_bytes) FROM quizzes WHERE owner_id = $1), 0)
			+ COALESCE((SELECT sum(size_bytes) FROM quiz_responses WHERE owner_id = $1), 0)`,
		userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to sum storage: %w", err)
	}
	return n, nil
}

// CountResponses implements entitlement.ResourceCounter
func (s *Storage) CountResponses(ctx context.Context, userID string, period entitlement.Period) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM quiz_responses
			WHERE owner_id = $1 AND submitted_at >= $2 AND submitted_at < $3`,
		userID, period.Start, period.End).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count responses: %w", err)
	}
	return n, nil
}

func pgCode(err error) (string, string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}
