package quota

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger keeps all ledger entries in process memory. Reservation
// decisions are serialized by a single mutex, which satisfies the per-user
// atomicity requirement trivially. Entries from past windows are dropped by
// Sweep once no longer relevant to any admission decision.
type MemoryLedger struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[uuid.UUID]*Entry
}

// NewMemoryLedger creates an in-memory ledger. ttl bounds how long an
// uncompleted reservation counts against the daily limit.
func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	return &MemoryLedger{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[uuid.UUID]*Entry),
	}
}

// Reserve implements Ledger.
func (m *MemoryLedger) Reserve(_ context.Context, userID string, estimated, dailyLimit int64) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	total := m.currentTotalLocked(userID, now)

	if total+estimated > dailyLimit {
		remaining := dailyLimit - total
		if remaining < 0 {
			remaining = 0
		}
		return Decision{Granted: false, CurrentTotal: total, Remaining: remaining}, nil
	}

	e := &Entry{
		ReservationID: uuid.New(),
		UserID:        userID,
		WindowStart:   windowStart(now),
		Reserved:      estimated,
		Status:        StatusReserved,
		ExpiresAt:     now.Add(m.ttl),
		CreatedAt:     now,
	}
	m.entries[e.ReservationID] = e

	return Decision{
		Granted:       true,
		CurrentTotal:  total + estimated,
		Remaining:     dailyLimit - total - estimated,
		ReservationID: e.ReservationID,
	}, nil
}

// Complete implements Ledger.
func (m *MemoryLedger) Complete(_ context.Context, reservationID uuid.UUID, actual int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[reservationID]
	if !ok || e.Status != StatusReserved {
		return ErrNotFound
	}
	e.Status = StatusCompleted
	e.Committed = actual
	return nil
}

// Cancel implements Ledger.
func (m *MemoryLedger) Cancel(_ context.Context, reservationID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[reservationID]
	if !ok || e.Status != StatusReserved {
		return nil // Idempotent.
	}
	e.Status = StatusCancelled
	return nil
}

// Sweep implements Ledger. Besides expiring abandoned reservations it drops
// terminal entries from windows before today, bounding memory.
func (m *MemoryLedger) Sweep(_ context.Context) ([]Expired, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	today := windowStart(now)

	var expired []Expired
	for id, e := range m.entries {
		if e.Status == StatusReserved && !e.ExpiresAt.After(now) {
			e.Status = StatusCancelled
			expired = append(expired, Expired{
				ReservationID: e.ReservationID,
				UserID:        e.UserID,
				Reserved:      e.Reserved,
			})
			continue
		}
		if e.Status != StatusReserved && e.WindowStart.Before(today) {
			delete(m.entries, id)
		}
	}
	return expired, nil
}

// Close implements Ledger.
func (m *MemoryLedger) Close(context.Context) error { return nil }

// currentTotalLocked sums today's committed amounts plus unexpired
// reservations. Caller holds m.mu.
func (m *MemoryLedger) currentTotalLocked(userID string, now time.Time) int64 {
	today := windowStart(now)
	var total int64
	for _, e := range m.entries {
		if e.UserID != userID || !e.WindowStart.Equal(today) {
			continue
		}
		switch e.Status {
		case StatusCompleted:
			total += e.Committed
		case StatusReserved:
			if e.ExpiresAt.After(now) {
				total += e.Reserved
			}
		}
	}
	return total
}
