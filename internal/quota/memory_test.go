package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedger_ReserveScenario(t *testing.T) {
	// dailyLimit=1000: reserve 600 (ok, remaining 400), reserve 500 (denied,
	// remaining stays 400), cancel the first, reserve 500 (ok, remaining 500).
	ctx := context.Background()
	m := NewMemoryLedger(5 * time.Minute)

	first, err := m.Reserve(ctx, "u1", 600, 1000)
	require.NoError(t, err)
	assert.True(t, first.Granted)
	assert.Equal(t, int64(400), first.Remaining)

	denied, err := m.Reserve(ctx, "u1", 500, 1000)
	require.NoError(t, err)
	assert.False(t, denied.Granted)
	assert.Equal(t, int64(400), denied.Remaining)

	require.NoError(t, m.Cancel(ctx, first.ReservationID))

	second, err := m.Reserve(ctx, "u1", 500, 1000)
	require.NoError(t, err)
	assert.True(t, second.Granted)
	assert.Equal(t, int64(500), second.Remaining)
}

func TestMemoryLedger_AdmissionAtomicity(t *testing.T) {
	// 20 concurrent reservations of 100 under a limit of 500: exactly 5
	// succeed regardless of interleaving.
	ctx := context.Background()
	m := NewMemoryLedger(5 * time.Minute)

	const n = 20
	results := make([]Decision, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := m.Reserve(ctx, "u1", 100, 500)
			assert.NoError(t, err)
			results[i] = d
		}()
	}
	wg.Wait()

	granted := 0
	for _, d := range results {
		if d.Granted {
			granted++
		}
	}
	assert.Equal(t, 5, granted)
}

func TestMemoryLedger_CompleteCommitsActualAmount(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger(5 * time.Minute)

	d, err := m.Reserve(ctx, "u1", 300, 1000)
	require.NoError(t, err)
	require.True(t, d.Granted)

	// Actual cost came in lower than the estimate.
	require.NoError(t, m.Complete(ctx, d.ReservationID, 120))

	after, err := m.Reserve(ctx, "u1", 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(120), after.CurrentTotal)
}

func TestMemoryLedger_CompleteTerminalFails(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger(5 * time.Minute)

	d, err := m.Reserve(ctx, "u1", 100, 1000)
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, d.ReservationID, 100))

	assert.ErrorIs(t, m.Complete(ctx, d.ReservationID, 100), ErrNotFound)
	// Cancel after terminal is an idempotent no-op.
	assert.NoError(t, m.Cancel(ctx, d.ReservationID))
}

func TestMemoryLedger_SweepReclaimsExpired(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger(time.Minute)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	now := base
	m.now = func() time.Time { return now }

	d, err := m.Reserve(ctx, "u1", 900, 1000)
	require.NoError(t, err)
	require.True(t, d.Granted)

	// Past the TTL the reservation no longer counts, even before the sweep.
	now = base.Add(2 * time.Minute)
	probe, err := m.Reserve(ctx, "u1", 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(0), probe.CurrentTotal)

	expired, err := m.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, d.ReservationID, expired[0].ReservationID)
	assert.Equal(t, int64(900), expired[0].Reserved)

	after, err := m.Reserve(ctx, "u1", 1000, 1000)
	require.NoError(t, err)
	assert.True(t, after.Granted)
}

func TestMemoryLedger_WindowsAreIndependentPerDay(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger(5 * time.Minute)

	day1 := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	now := day1
	m.now = func() time.Time { return now }

	d, err := m.Reserve(ctx, "u1", 1000, 1000)
	require.NoError(t, err)
	require.True(t, d.Granted)
	require.NoError(t, m.Complete(ctx, d.ReservationID, 1000))

	// The next UTC day starts fresh.
	now = day1.Add(2 * time.Hour)
	next, err := m.Reserve(ctx, "u1", 1000, 1000)
	require.NoError(t, err)
	assert.True(t, next.Granted)
	assert.Equal(t, int64(0), next.CurrentTotal-1000)
}

func TestMemoryLedger_UsersAreIsolated(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger(5 * time.Minute)

	d, err := m.Reserve(ctx, "u1", 1000, 1000)
	require.NoError(t, err)
	require.True(t, d.Granted)

	other, err := m.Reserve(ctx, "u2", 1000, 1000)
	require.NoError(t, err)
	assert.True(t, other.Granted)
}
