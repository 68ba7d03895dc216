package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/garagemlabs/garagem/internal/store"
)

// RateLimitRepo implements store.RateLimitRepository with sqlx.
type RateLimitRepo struct {
	db *sqlx.DB
}

// NewRateLimitRepo returns a new RateLimitRepo.
func NewRateLimitRepo(db *sqlx.DB) *RateLimitRepo {
	return &RateLimitRepo{db: db}
}

func (r *RateLimitRepo) Count(ctx context.Context, key string, window time.Time) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT count FROM rate_limits WHERE key = $1 AND window_timestamp = $2`,
		key, window.UTC(),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading rate limit %s: %w", key, err)
	}
	return count, nil
}

// Increment upserts the counter row for (key, window_timestamp). The
// ON CONFLICT arm makes the increment atomic under concurrent bids; the
// RETURNING clause reports the post-increment count.
func (r *RateLimitRepo) Increment(ctx context.Context, rec *store.RateLimitRecord) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`INSERT INTO rate_limits (key, identifier, type, count, window_timestamp, expires_at)
		 VALUES ($1, $2, $3, 1, $4, $5)
		 ON CONFLICT (key, window_timestamp)
		 DO UPDATE SET count = rate_limits.count + 1
		 RETURNING count`,
		rec.Key, rec.Identifier, rec.Type, rec.WindowTimestamp.UTC(), rec.ExpiresAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("incrementing rate limit %s: %w", rec.Key, err)
	}
	return count, nil
}

func (r *RateLimitRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM rate_limits WHERE expires_at < $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting expired rate limits: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
