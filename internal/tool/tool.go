// Package tool defines the tool catalog: named units of work with a JSON
// Schema input contract, a per-tool deadline, and a quota cost estimate.
// The engine validates invocation input against the schema before the tool
// handler runs.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Handler executes one tool invocation. It must honor ctx cancellation at
// its checkpoints and may report staged progress through inv.Report.
type Handler func(ctx context.Context, inv Invocation) (*Result, error)

// Definition describes one tool in the catalog.
type Definition struct {
	Name        string
	Description string

	// InputSchema is a JSON Schema document for the invocation input.
	// Empty means any input is accepted.
	InputSchema json.RawMessage

	// Timeout bounds one invocation attempt. Zero means the engine default.
	Timeout time.Duration

	// EstimatedCost is the quota amount reserved at admission. Zero means 1.
	EstimatedCost int64

	Handler Handler
}

// Progress is a staged progress report from a running tool. Percent is
// 0-100; the engine clamps it non-decreasing within an attempt.
type Progress struct {
	Stage                  string
	Percent                float64
	Message                string
	EstimatedTimeRemaining time.Duration
}

// Invocation carries the validated input to a tool handler.
type Invocation struct {
	Input map[string]any

	// Report delivers a progress update to the stream. Never nil.
	Report func(Progress)
}

// Result is what a tool handler returns on success.
type Result struct {
	// Output is the tool's result value, marshalled into the
	// execution-complete event.
	Output any

	// CostUnits is the actual quota cost committed to the ledger.
	// Zero means the definition's estimate.
	CostUnits int64

	CacheHit bool
}

// permanentError marks a failure that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the engine treats it as non-retryable. Handlers
// use it for failures where another attempt cannot succeed (bad state,
// unsupported input the schema could not catch).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
