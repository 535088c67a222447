// Package ratelimit implements keyed sliding-window rate limiting with
// exponential-backoff blocking.
//
// Each action (tool-stream, workflow, ...) carries its own Rule. Attempts
// are counted within a moving window; once a key exceeds its limit it is
// blocked for window · 2^(⌊attempts/limit⌋−1), doubling with repeated
// violations up to MaxBlock. Stores provide the atomic per-key
// read-modify-write: MemoryStore (default) or RedisStore for
// cross-instance coordination.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Rule configures one action's limit.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Record is the persisted state for one (action, key) pair.
type Record struct {
	Attempts     int       `json:"attempts"`
	WindowStart  time.Time `json:"windowStart"`
	BlockedUntil time.Time `json:"blockedUntil,omitzero"`
}

// Result reports the outcome of a Check and carries header material.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// FormatHeaders returns the standard rate limit response headers.
func (r Result) FormatHeaders() map[string]string {
	h := map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetAt.Unix(), 10),
	}
	if !r.Allowed {
		secs := int(r.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		h["Retry-After"] = strconv.Itoa(secs)
	}
	return h
}

// RateLimitedError is returned by Check when a key is over its limit or
// still blocked. It carries the Result so transports can set headers.
type RateLimitedError struct {
	Action     string
	RetryAfter time.Duration
	Result     Result
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("ratelimit: %s blocked, retry after %s", e.Action, e.RetryAfter.Round(time.Second))
}

// Store provides atomic per-key record updates. Apply must serialize
// concurrent updates to the same key (mutex, WATCH transaction, ...).
// ttl hints how long the record stays relevant; stores with native
// expiry use it, others ignore it and rely on Sweep.
type Store interface {
	// Apply loads the record for key, passes it (with an existence flag)
	// to fn, persists the returned record, and returns it.
	Apply(ctx context.Context, key string, ttl time.Duration, fn func(rec Record, exists bool) Record) (Record, error)

	// Sweep deletes up to batch stale records (window and block both
	// expired). Returns the number deleted.
	Sweep(ctx context.Context, batch int) (int, error)

	// Close releases backing resources.
	Close() error
}

// Limiter applies per-action Rules over a Store.
type Limiter struct {
	store    Store
	rules    map[string]Rule
	maxBlock time.Duration
	now      func() time.Time
}

// Config holds limiter construction parameters.
type Config struct {
	Rules    map[string]Rule // Keyed by action name.
	MaxBlock time.Duration   // Backoff block cap.
}

// New creates a Limiter. Actions without a configured Rule are not limited.
func New(store Store, cfg Config) *Limiter {
	return &Limiter{
		store:    store,
		rules:    cfg.Rules,
		maxBlock: cfg.MaxBlock,
		now:      time.Now,
	}
}

// Check records one attempt for (action, key) and decides admission.
// Returns a *RateLimitedError when the key is blocked or just exceeded its
// limit; any other error is a store malfunction and callers should treat it
// as fail-open.
func (l *Limiter) Check(ctx context.Context, action, key string) (Result, error) {
	rule, ok := l.rules[action]
	if !ok {
		return Result{Allowed: true}, nil
	}

	now := l.now()
	storeKey := action + ":" + key

	rec, err := l.store.Apply(ctx, storeKey, l.recordTTL(rule), func(rec Record, exists bool) Record {
		if !exists {
			return Record{Attempts: 1, WindowStart: now}
		}
		if rec.BlockedUntil.After(now) {
			// Violations during a block keep counting and push the
			// block out further, so repeat offenders escalate toward
			// maxBlock instead of resetting each window.
			rec.Attempts++
			rec.BlockedUntil = now.Add(l.blockDuration(rule, rec.Attempts))
			return rec
		}
		if now.Sub(rec.WindowStart) >= rule.Window {
			return Record{Attempts: 1, WindowStart: now}
		}
		rec.Attempts++
		if rec.Attempts > rule.Limit {
			rec.BlockedUntil = now.Add(l.blockDuration(rule, rec.Attempts))
		}
		return rec
	})
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: apply %s: %w", action, err)
	}

	if rec.BlockedUntil.After(now) {
		res := Result{
			Allowed:    false,
			Limit:      rule.Limit,
			Remaining:  0,
			ResetAt:    rec.BlockedUntil,
			RetryAfter: rec.BlockedUntil.Sub(now),
		}
		return res, &RateLimitedError{Action: action, RetryAfter: res.RetryAfter, Result: res}
	}

	remaining := rule.Limit - rec.Attempts
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: remaining,
		ResetAt:   rec.WindowStart.Add(rule.Window),
	}, nil
}

// Sweep deletes stale records, bounded to batch entries per call.
func (l *Limiter) Sweep(ctx context.Context, batch int) (int, error) {
	return l.store.Sweep(ctx, batch)
}

// Close releases the store.
func (l *Limiter) Close() error {
	return l.store.Close()
}

// blockDuration computes the exponential backoff block for a violation:
// window on the first violation, doubling with each further multiple of the
// limit, capped at maxBlock.
func (l *Limiter) blockDuration(rule Rule, attempts int) time.Duration {
	exp := attempts/rule.Limit - 1
	if exp < 0 {
		exp = 0
	}
	d := rule.Window
	for range exp {
		d *= 2
		if d >= l.maxBlock {
			return l.maxBlock
		}
	}
	if d > l.maxBlock {
		return l.maxBlock
	}
	return d
}

// recordTTL is how long a record can matter: the window plus the worst-case
// block, plus slack. Stores with native expiry use it.
func (l *Limiter) recordTTL(rule Rule) time.Duration {
	return rule.Window + l.maxBlock + time.Minute
}
