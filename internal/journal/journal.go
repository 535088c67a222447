// Package journal persists terminal execution records to SQLite for the
// execution-history endpoints. Writes flow through an in-memory buffer
// flushed by a single background goroutine, so the request path never
// blocks on disk.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/nagare/internal/model"
)

// ErrNotFound is returned when no record exists for an execution id.
var ErrNotFound = errors.New("journal: record not found")

// maxBufferCapacity bounds the in-memory write buffer; records beyond it
// are dropped rather than blocking the request path.
const maxBufferCapacity = 10_000

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	execution_id  TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	name          TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	session_id    TEXT NOT NULL DEFAULT '',
	state         TEXT NOT NULL,
	started_at    TIMESTAMP NOT NULL,
	finished_at   TIMESTAMP NOT NULL,
	duration_ms   INTEGER NOT NULL,
	input_bytes   INTEGER NOT NULL,
	output_bytes  INTEGER NOT NULL,
	cost_units    INTEGER NOT NULL,
	retry_count   INTEGER NOT NULL,
	error_type    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	cancel_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_executions_user_finished
	ON executions (user_id, finished_at DESC);
CREATE INDEX IF NOT EXISTS idx_executions_finished
	ON executions (finished_at DESC);
`

// Journal is the SQLite-backed execution history.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger

	flushEvery time.Duration
	maxBatch   int

	mu      sync.Mutex
	pending []model.ExecutionRecord

	dropped atomic.Int64

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

// Open opens (creating if needed) the journal database at path and starts
// the flush loop.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	// modernc.org/sqlite serializes writes; one connection avoids
	// SQLITE_BUSY churn under concurrent flush and reads.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: create schema: %w", err)
	}

	j := &Journal{
		db:         db,
		logger:     logger,
		flushEvery: time.Second,
		maxBatch:   256,
		flushCh:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	j.cancelLoop = cancel
	go j.flushLoop(loopCtx)
	return j, nil
}

// Record buffers one terminal execution for persistence. Never blocks on
// disk; drops (with a counter) when the buffer is full.
func (j *Journal) Record(_ context.Context, rec model.ExecutionRecord) {
	j.mu.Lock()
	if len(j.pending) >= maxBufferCapacity {
		j.mu.Unlock()
		n := j.dropped.Add(1)
		if n%100 == 1 {
			j.logger.Warn("journal buffer full, dropping records", "dropped_total", n)
		}
		return
	}
	j.pending = append(j.pending, rec)
	depth := len(j.pending)
	j.mu.Unlock()

	if depth >= j.maxBatch {
		select {
		case j.flushCh <- struct{}{}:
		default:
		}
	}
}

// Recent returns up to limit terminal executions, newest first, optionally
// filtered by user.
func (j *Journal) Recent(ctx context.Context, limit int, userID string) ([]model.ExecutionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `SELECT execution_id, kind, name, user_id, session_id, state,
		started_at, finished_at, duration_ms, input_bytes, output_bytes,
		cost_units, retry_count, error_type, error_message, cancel_reason
		FROM executions`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY finished_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query recent: %w", err)
	}
	defer rows.Close()

	var out []model.ExecutionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("journal: scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get returns the terminal record for one execution.
func (j *Journal) Get(ctx context.Context, executionID uuid.UUID) (model.ExecutionRecord, error) {
	row := j.db.QueryRowContext(ctx, `SELECT execution_id, kind, name, user_id,
		session_id, state, started_at, finished_at, duration_ms, input_bytes,
		output_bytes, cost_units, retry_count, error_type, error_message,
		cancel_reason FROM executions WHERE execution_id = ?`, executionID.String())

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ExecutionRecord{}, ErrNotFound
	}
	if err != nil {
		return model.ExecutionRecord{}, fmt.Errorf("journal: get %s: %w", executionID, err)
	}
	return rec, nil
}

// Len reports the number of buffered, unflushed records.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}

// Dropped reports records discarded due to a full buffer.
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

// Drain stops the flush loop after a final flush bounded by ctx, then
// closes the database.
func (j *Journal) Drain(ctx context.Context) error {
	j.drainCtx = ctx
	if j.cancelLoop != nil {
		j.cancelLoop()
	}
	select {
	case <-j.done:
	case <-ctx.Done():
		j.logger.Warn("journal drain timed out waiting for flush loop")
	}
	return j.db.Close()
}

func (j *Journal) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(j.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final := j.drainCtx
			if final == nil {
				var cancel context.CancelFunc
				final, cancel = context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
			}
			j.flush(final)
			close(j.done)
			return
		case <-ticker.C:
			j.flush(ctx)
		case <-j.flushCh:
			j.flush(ctx)
		}
	}
}

func (j *Journal) flush(ctx context.Context) {
	j.mu.Lock()
	if len(j.pending) == 0 {
		j.mu.Unlock()
		return
	}
	batch := j.pending
	j.pending = nil
	j.mu.Unlock()

	if err := j.insert(ctx, batch); err != nil {
		j.logger.Error("journal flush failed", "error", err, "batch_size", len(batch))
		j.mu.Lock()
		if len(j.pending)+len(batch) <= maxBufferCapacity {
			j.pending = append(batch, j.pending...)
		} else {
			j.dropped.Add(int64(len(batch)))
		}
		j.mu.Unlock()
	}
}

func (j *Journal) insert(ctx context.Context, batch []model.ExecutionRecord) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO executions
		(execution_id, kind, name, user_id, session_id, state, started_at,
		finished_at, duration_ms, input_bytes, output_bytes, cost_units,
		retry_count, error_type, error_message, cancel_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range batch {
		_, err := stmt.ExecContext(ctx,
			rec.ExecutionID.String(), string(rec.Kind), rec.Name, rec.UserID,
			rec.SessionID, string(rec.State), rec.StartedAt.UTC(),
			rec.FinishedAt.UTC(), rec.DurationMs, rec.InputBytes,
			rec.OutputBytes, rec.CostUnits, rec.RetryCount, rec.ErrorType,
			rec.ErrorMessage, rec.CancelReason)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (model.ExecutionRecord, error) {
	var (
		rec        model.ExecutionRecord
		id         string
		kind       string
		state      string
		startedAt  time.Time
		finishedAt time.Time
	)
	err := row.Scan(&id, &kind, &rec.Name, &rec.UserID, &rec.SessionID,
		&state, &startedAt, &finishedAt, &rec.DurationMs, &rec.InputBytes,
		&rec.OutputBytes, &rec.CostUnits, &rec.RetryCount, &rec.ErrorType,
		&rec.ErrorMessage, &rec.CancelReason)
	if err != nil {
		return model.ExecutionRecord{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return model.ExecutionRecord{}, fmt.Errorf("parse execution id %q: %w", id, err)
	}
	rec.ExecutionID = parsed
	rec.Kind = model.ExecutionKind(kind)
	rec.State = model.ExecutionState(state)
	rec.StartedAt = startedAt.UTC()
	rec.FinishedAt = finishedAt.UTC()
	return rec, nil
}
