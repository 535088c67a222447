package ratelimit_test

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/nagare/internal/ratelimit"
	"github.com/ashita-ai/nagare/internal/testutil"
)

var testRedisURL string

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}
	tc := testutil.MustStartRedis()
	testRedisURL = tc.DSN
	code := m.Run()
	tc.Terminate()
	os.Exit(code)
}

// newRedisLimiter creates a limiter backed by the shared test Redis. Rules
// use a unique action name per test so keys never collide.
func newRedisLimiter(t *testing.T, action string, rule ratelimit.Rule) *ratelimit.Limiter {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis integration test in short mode")
	}
	store, err := ratelimit.NewRedisStore(context.Background(), testRedisURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return ratelimit.New(store, ratelimit.Config{
		Rules:    map[string]ratelimit.Rule{action: rule},
		MaxBlock: time.Hour,
	})
}

func uniqueAction(t *testing.T) string {
	return fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
}

func TestRedisLimiterScenario(t *testing.T) {
	ctx := context.Background()
	action := uniqueAction(t)
	l := newRedisLimiter(t, action, ratelimit.Rule{Limit: 5, Window: time.Minute})

	for i := range 5 {
		res, err := l.Check(ctx, action, "user-a")
		require.NoError(t, err, "attempt %d", i+1)
		assert.True(t, res.Allowed)
		assert.Equal(t, 5-i-1, res.Remaining)
	}

	res, err := l.Check(ctx, action, "user-a")
	require.Error(t, err)
	var limited *ratelimit.RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.False(t, res.Allowed)
	assert.InDelta(t, time.Minute.Seconds(), res.RetryAfter.Seconds(), 2,
		"first violation blocks for one window")
}

func TestRedisLimiterKeysIndependent(t *testing.T) {
	ctx := context.Background()
	action := uniqueAction(t)
	l := newRedisLimiter(t, action, ratelimit.Rule{Limit: 2, Window: time.Minute})

	for range 2 {
		_, err := l.Check(ctx, action, "user-a")
		require.NoError(t, err)
	}
	_, err := l.Check(ctx, action, "user-a")
	require.Error(t, err)

	res, err := l.Check(ctx, action, "user-b")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisLimiterWindowExpiry(t *testing.T) {
	ctx := context.Background()
	action := uniqueAction(t)
	l := newRedisLimiter(t, action, ratelimit.Rule{Limit: 2, Window: 500 * time.Millisecond})

	for range 2 {
		_, err := l.Check(ctx, action, "user-a")
		require.NoError(t, err)
	}

	time.Sleep(600 * time.Millisecond)

	res, err := l.Check(ctx, action, "user-a")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining, "expired window resets the count")
}

func TestRedisLimiterConcurrent(t *testing.T) {
	ctx := context.Background()
	action := uniqueAction(t)
	l := newRedisLimiter(t, action, ratelimit.Rule{Limit: 50, Window: time.Minute})

	results := make(chan bool, 100)
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Check(ctx, action, "user-a")
			if err != nil {
				// Denials are expected past the limit; anything else is
				// a store failure.
				var limited *ratelimit.RateLimitedError
				assert.ErrorAs(t, err, &limited)
			}
			results <- res.Allowed
		}()
	}
	wg.Wait()
	close(results)

	allowed := 0
	for ok := range results {
		if ok {
			allowed++
		}
	}
	assert.Equal(t, 50, allowed, "CAS transactions admit exactly the limit")
}
