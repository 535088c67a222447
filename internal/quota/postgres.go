package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// sweepBatch bounds how many abandoned reservations one Sweep call cancels.
const sweepBatch = 1000

// PostgresLedger is the durable ledger backed by the quota_entries table.
// Reserve runs a serializable transaction (sum check + insert) retried on
// serialization conflicts, which is the per-user serialization point.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	ttl    time.Duration
	logger *slog.Logger
}

// NewPostgresLedger connects a ledger to Postgres. The quota_entries table
// must exist (see migrations/).
func NewPostgresLedger(ctx context.Context, dsn string, ttl time.Duration, logger *slog.Logger) (*PostgresLedger, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("quota: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("quota: ping pool: %w", err)
	}
	return &PostgresLedger{pool: pool, ttl: ttl, logger: logger}, nil
}

// Pool returns the underlying connection pool (used by the migration runner).
func (p *PostgresLedger) Pool() *pgxpool.Pool { return p.pool }

// Ping checks connectivity.
func (p *PostgresLedger) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

// Reserve implements Ledger.
func (p *PostgresLedger) Reserve(ctx context.Context, userID string, estimated, dailyLimit int64) (Decision, error) {
	var d Decision
	err := withRetry(ctx, 3, 25*time.Millisecond, func() error {
		return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
			now := time.Now().UTC()
			today := windowStart(now)

			var total int64
			err := tx.QueryRow(ctx, `
				SELECT COALESCE(SUM(
					CASE
						WHEN status = 'completed' THEN committed
						WHEN status = 'reserved' AND expires_at > $3 THEN reserved
						ELSE 0
					END), 0)
				FROM quota_entries
				WHERE user_id = $1 AND window_start = $2`,
				userID, today, now,
			).Scan(&total)
			if err != nil {
				return fmt.Errorf("quota: sum window: %w", err)
			}

			if total+estimated > dailyLimit {
				remaining := dailyLimit - total
				if remaining < 0 {
					remaining = 0
				}
				d = Decision{Granted: false, CurrentTotal: total, Remaining: remaining}
				return nil
			}

			id := uuid.New()
			if _, err := tx.Exec(ctx, `
				INSERT INTO quota_entries
					(reservation_id, user_id, window_start, reserved, committed, status, expires_at, created_at)
				VALUES ($1, $2, $3, $4, 0, 'reserved', $5, $6)`,
				id, userID, today, estimated, now.Add(p.ttl), now,
			); err != nil {
				return fmt.Errorf("quota: insert reservation: %w", err)
			}

			d = Decision{
				Granted:       true,
				CurrentTotal:  total + estimated,
				Remaining:     dailyLimit - total - estimated,
				ReservationID: id,
			}
			return nil
		})
	})
	if err != nil {
		return Decision{}, err
	}
	return d, nil
}

// Complete implements Ledger.
func (p *PostgresLedger) Complete(ctx context.Context, reservationID uuid.UUID, actual int64) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE quota_entries
		SET status = 'completed', committed = $2
		WHERE reservation_id = $1 AND status = 'reserved'`,
		reservationID, actual,
	)
	if err != nil {
		return fmt.Errorf("quota: complete reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Cancel implements Ledger.
func (p *PostgresLedger) Cancel(ctx context.Context, reservationID uuid.UUID) error {
	if _, err := p.pool.Exec(ctx, `
		UPDATE quota_entries
		SET status = 'cancelled'
		WHERE reservation_id = $1 AND status = 'reserved'`,
		reservationID,
	); err != nil {
		return fmt.Errorf("quota: cancel reservation: %w", err)
	}
	return nil
}

// Sweep implements Ledger.
func (p *PostgresLedger) Sweep(ctx context.Context) ([]Expired, error) {
	rows, err := p.pool.Query(ctx, `
		UPDATE quota_entries
		SET status = 'cancelled'
		WHERE reservation_id IN (
			SELECT reservation_id FROM quota_entries
			WHERE status = 'reserved' AND expires_at <= now()
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING reservation_id, user_id, reserved`,
		sweepBatch,
	)
	if err != nil {
		return nil, fmt.Errorf("quota: sweep: %w", err)
	}
	defer rows.Close()

	var expired []Expired
	for rows.Next() {
		var e Expired
		if err := rows.Scan(&e.ReservationID, &e.UserID, &e.Reserved); err != nil {
			return nil, fmt.Errorf("quota: scan swept entry: %w", err)
		}
		expired = append(expired, e)
	}
	return expired, rows.Err()
}

// Close implements Ledger.
func (p *PostgresLedger) Close(context.Context) error {
	p.pool.Close()
	return nil
}

// isRetriable reports Postgres error codes indicating a transient conflict.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001": // serialization_failure
		return true
	case "40P01": // deadlock_detected
		return true
	default:
		return false
	}
}

// withRetry executes fn, retrying on serialization or deadlock errors with
// jittered exponential backoff starting at baseDelay.
func withRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !isRetriable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}
