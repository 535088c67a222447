package quota_test

import (
	"context"
	"flag"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/nagare/internal/quota"
	"github.com/ashita-ai/nagare/internal/testutil"
	"github.com/ashita-ai/nagare/migrations"
)

var testDSN string

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}
	tc := testutil.MustStartPostgres()
	testDSN = tc.DSN
	code := m.Run()
	tc.Terminate()
	os.Exit(code)
}

func newTestLedger(t *testing.T, ttl time.Duration) *quota.PostgresLedger {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in short mode")
	}
	ctx := context.Background()
	l, err := quota.NewPostgresLedger(ctx, testDSN, ttl, testutil.TestLogger())
	require.NoError(t, err)
	require.NoError(t, l.RunMigrations(ctx, migrations.FS))
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	return l
}

func TestPostgresLedger_ReserveScenario(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, 5*time.Minute)
	user := "pg-scenario-" + t.Name()

	first, err := l.Reserve(ctx, user, 600, 1000)
	require.NoError(t, err)
	assert.True(t, first.Granted)
	assert.Equal(t, int64(400), first.Remaining)

	denied, err := l.Reserve(ctx, user, 500, 1000)
	require.NoError(t, err)
	assert.False(t, denied.Granted)
	assert.Equal(t, int64(400), denied.Remaining)

	require.NoError(t, l.Cancel(ctx, first.ReservationID))

	second, err := l.Reserve(ctx, user, 500, 1000)
	require.NoError(t, err)
	assert.True(t, second.Granted)
	assert.Equal(t, int64(500), second.Remaining)
}

func TestPostgresLedger_AdmissionAtomicity(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, 5*time.Minute)
	user := "pg-atomicity-" + t.Name()

	const n = 16
	granted := make([]bool, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Reserve(ctx, user, 100, 400)
			assert.NoError(t, err)
			granted[i] = d.Granted
		}()
	}
	wg.Wait()

	count := 0
	for _, g := range granted {
		if g {
			count++
		}
	}
	assert.Equal(t, 4, count)
}

func TestPostgresLedger_SweepReclaimsExpired(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, 50*time.Millisecond)
	user := "pg-sweep-" + t.Name()

	d, err := l.Reserve(ctx, user, 900, 1000)
	require.NoError(t, err)
	require.True(t, d.Granted)

	time.Sleep(100 * time.Millisecond)

	expired, err := l.Sweep(ctx)
	require.NoError(t, err)
	found := false
	for _, e := range expired {
		if e.ReservationID == d.ReservationID {
			found = true
			assert.Equal(t, int64(900), e.Reserved)
		}
	}
	assert.True(t, found, "expected the abandoned reservation to be swept")

	after, err := l.Reserve(ctx, user, 1000, 1000)
	require.NoError(t, err)
	assert.True(t, after.Granted)

	// Completing the swept reservation must fail: it is already terminal.
	assert.ErrorIs(t, l.Complete(ctx, d.ReservationID, 900), quota.ErrNotFound)
}
