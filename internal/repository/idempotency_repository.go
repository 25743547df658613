package repository

import (
	"context"
	"database/sql"
	"time"
)

// IdempotencyRepository stores one response per (user, key) so that a
// replayed mutation returns the original result instead of re-applying.
type IdempotencyRepository struct {
	db *sql.DB
}

// NewIdempotencyRepository creates a new IdempotencyRepository
func NewIdempotencyRepository(db *sql.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// Get returns the stored response for a key, or nil if unseen.
func (r *IdempotencyRepository) Get(ctx context.Context, userID, key string) (*StoredResponse, error) {
	query := `SELECT operation, status_code, response, created_at
		FROM idempotency_keys WHERE key = $1 AND user_id = $2`

	var stored StoredResponse
	var body string
	err := r.db.QueryRowContext(ctx, query, key, userID).Scan(
		&stored.Operation,
		&stored.StatusCode,
		&body,
		&stored.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	stored.Body = []byte(body)
	return &stored, nil
}

// Put records the response for a key. A concurrent duplicate keeps the
// first write; later puts for the same key are discarded.
func (r *IdempotencyRepository) Put(ctx context.Context, userID, key, operation string, statusCode int, response []byte) error {
	query := `INSERT INTO idempotency_keys (key, user_id, operation, status_code, response, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.ExecContext(ctx, query, key, userID, operation, statusCode, string(response), time.Now().UTC())
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	return err
}

// Purge removes records older than the cutoff.
func (r *IdempotencyRepository) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
