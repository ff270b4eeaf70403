package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("audit: pool not configured")
)

const (
	insertAttemptSQL = `INSERT INTO strike_attempts (
        fingerprint,
        worker_id,
        resource_id,
        source,
        listing,
        category,
        price,
        outcome,
        token,
        error,
        started_at,
        finished_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    RETURNING id, created_at;`

	listRecentAttemptsSQL = `SELECT
        id,
        fingerprint,
        worker_id,
        resource_id,
        source,
        listing,
        category,
        price,
        outcome,
        token,
        error,
        started_at,
        finished_at,
        created_at
    FROM strike_attempts
    ORDER BY finished_at DESC
    LIMIT $1;`

	listAttemptsBetweenSQL = `SELECT
        id,
        fingerprint,
        worker_id,
        resource_id,
        source,
        listing,
        category,
        price,
        outcome,
        token,
        error,
        started_at,
        finished_at,
        created_at
    FROM strike_attempts
    WHERE finished_at >= $1
      AND finished_at < $2
    ORDER BY finished_at;`

	countAttemptsSQL = `SELECT COUNT(*) FROM strike_attempts;`

	countWonForFingerprintSQL = `SELECT COUNT(*) FROM strike_attempts
    WHERE fingerprint = $1 AND outcome = 'won';`

	deleteAttemptsBeforeSQL = `DELETE FROM strike_attempts WHERE finished_at < $1;`
)

// AttemptStore defines operations over the append-only attempt log.
type AttemptStore interface {
	InsertAttempt(ctx context.Context, attempt Attempt) (Attempt, error)
	ListRecentAttempts(ctx context.Context, limit int) ([]Attempt, error)
	ListAttemptsBetween(ctx context.Context, from, to time.Time) ([]Attempt, error)
	CountAttempts(ctx context.Context) (int64, error)
	CountWonForFingerprint(ctx context.Context, fingerprint string) (int64, error)
	DeleteAttemptsBefore(ctx context.Context, olderThan time.Time) error
}

// Store wires a pgx pool into the attempt log.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertAttempt appends a terminal outcome.
func (s *Store) InsertAttempt(ctx context.Context, attempt Attempt) (Attempt, error) {
	pool, err := s.getPool()
	if err != nil {
		return Attempt{}, err
	}

	var token interface{}
	if attempt.Token != nil {
		token = *attempt.Token
	}
	var errMsg interface{}
	if attempt.Error != nil {
		errMsg = *attempt.Error
	}

	row := pool.QueryRow(ctx, insertAttemptSQL,
		attempt.Fingerprint,
		attempt.WorkerID,
		attempt.ResourceID,
		attempt.Source,
		attempt.Listing,
		attempt.Category,
		attempt.Price.String(),
		attempt.Outcome,
		token,
		errMsg,
		attempt.StartedAt,
		attempt.FinishedAt,
	)

	if scanErr := row.Scan(&attempt.ID, &attempt.CreatedAt); scanErr != nil {
		return Attempt{}, fmt.Errorf("insert attempt: %w", scanErr)
	}
	return attempt, nil
}

// ListRecentAttempts lists the most recent attempts, newest first.
func (s *Store) ListRecentAttempts(ctx context.Context, limit int) ([]Attempt, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAttemptsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent attempts: %w", queryErr)
	}
	defer rows.Close()

	attempts := make([]Attempt, 0, limit)
	for rows.Next() {
		attempt, scanErr := scanAttempt(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		attempts = append(attempts, attempt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return attempts, nil
}

// ListAttemptsBetween lists attempts within a time window.
func (s *Store) ListAttemptsBetween(ctx context.Context, from, to time.Time) ([]Attempt, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAttemptsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list attempts between: %w", queryErr)
	}
	defer rows.Close()

	attempts := make([]Attempt, 0)
	for rows.Next() {
		attempt, scanErr := scanAttempt(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		attempts = append(attempts, attempt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return attempts, nil
}

// CountAttempts counts logged attempts.
func (s *Store) CountAttempts(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countAttemptsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count attempts: %w", scanErr)
	}
	return count, nil
}

// CountWonForFingerprint counts won outcomes for a fingerprint. Used by the
// audit tooling to verify the single-winner invariant after the fact.
func (s *Store) CountWonForFingerprint(ctx context.Context, fingerprint string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countWonForFingerprintSQL, fingerprint).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count won attempts: %w", scanErr)
	}
	return count, nil
}

// DeleteAttemptsBefore trims historical attempts.
func (s *Store) DeleteAttemptsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAttemptsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete attempts before: %w", execErr)
	}
	return nil
}

func scanAttempt(rows pgx.Rows) (Attempt, error) {
	var (
		attempt  Attempt
		priceStr string
		token    sql.NullString
		errMsg   sql.NullString
	)

	if err := rows.Scan(
		&attempt.ID,
		&attempt.Fingerprint,
		&attempt.WorkerID,
		&attempt.ResourceID,
		&attempt.Source,
		&attempt.Listing,
		&attempt.Category,
		&priceStr,
		&attempt.Outcome,
		&token,
		&errMsg,
		&attempt.StartedAt,
		&attempt.FinishedAt,
		&attempt.CreatedAt,
	); err != nil {
		return Attempt{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return Attempt{}, fmt.Errorf("parse price: %w", err)
	}
	attempt.Price = price

	if token.Valid {
		v := token.String
		attempt.Token = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		attempt.Error = &v
	}

	return attempt, nil
}

var _ AttemptStore = (*Store)(nil)
