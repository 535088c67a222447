// Package quota implements the daily admission-control ledger.
//
// The ledger keeps an append-only record of reserved, completed, and
// cancelled resource usage per user within a UTC-day window. Reserve is the
// admission decision: it must be atomic per user so that two concurrent
// requests cannot both pass a quota boundary only one of them fits under.
// Two implementations exist: MemoryLedger (default) and PostgresLedger
// (durable, enabled by DATABASE_URL).
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a reservation does not exist or is already
// terminal and the operation requires a live one.
var ErrNotFound = errors.New("quota: reservation not found")

// QuotaExceededError reports a denied reservation. It carries the fields the
// HTTP surface needs for the 429 response (X-Quota-* headers, Retry-After).
type QuotaExceededError struct {
	UserID    string
	Requested int64
	Limit     int64
	Remaining int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota: user %s exceeded daily limit %d (requested %d, remaining %d)",
		e.UserID, e.Limit, e.Requested, e.Remaining)
}

// EntryStatus is the lifecycle state of a ledger entry. Entries are never
// mutated after reaching a terminal status.
type EntryStatus string

const (
	StatusReserved  EntryStatus = "reserved"
	StatusCompleted EntryStatus = "completed"
	StatusCancelled EntryStatus = "cancelled"
)

// Entry is one ledger record. Reserved counts against the daily limit until
// the entry completes, is cancelled, or its TTL expires.
type Entry struct {
	ReservationID uuid.UUID
	UserID        string
	WindowStart   time.Time // UTC day boundary.
	Reserved      int64
	Committed     int64
	Status        EntryStatus
	ExpiresAt     time.Time
	CreatedAt     time.Time
}

// Decision is the outcome of a Reserve call. When Granted is false,
// Remaining reports how much of the daily limit is still available.
type Decision struct {
	Granted       bool
	CurrentTotal  int64
	Remaining     int64
	ReservationID uuid.UUID
}

// Expired describes a reservation cancelled by the TTL sweep. Returned so the
// caller can report reclaimed quota to the audit sink.
type Expired struct {
	ReservationID uuid.UUID
	UserID        string
	Reserved      int64
}

// Ledger is the admission-control contract. Implementations must serialize
// Reserve decisions per user: under N concurrent reservations of which only K
// fit, exactly K are granted.
type Ledger interface {
	// Reserve atomically checks the user's usage today and, if
	// currentTotal+estimated fits under dailyLimit, inserts a reserved
	// entry expiring after the ledger's TTL.
	Reserve(ctx context.Context, userID string, estimated, dailyLimit int64) (Decision, error)

	// Complete transitions a reservation to completed with the actual
	// consumed amount. Returns ErrNotFound if the reservation is unknown
	// or already terminal.
	Complete(ctx context.Context, reservationID uuid.UUID, actual int64) error

	// Cancel releases a reservation. Idempotent: cancelling a terminal
	// entry is a no-op.
	Cancel(ctx context.Context, reservationID uuid.UUID) error

	// Sweep cancels reserved entries whose TTL has passed, reclaiming
	// their quota. Bounded per call; run it on a ticker.
	Sweep(ctx context.Context) ([]Expired, error)

	// Close releases backing resources.
	Close(ctx context.Context) error
}

// windowStart returns the UTC day boundary containing t.
func windowStart(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// NextWindow returns the start of the UTC day after t. HTTP surfaces use it
// to compute the Retry-After hint on quota denials.
func NextWindow(t time.Time) time.Time {
	return windowStart(t).Add(24 * time.Hour)
}
