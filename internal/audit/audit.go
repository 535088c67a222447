// Package audit records engine decisions: admissions, reservation
// lifecycle, terminal executions, and cancellation requests. Sinks are
// fire-and-forget from the request path; losing an audit record never fails
// a request.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Action names one auditable engine decision.
type Action string

const (
	ActionAdmissionGranted    Action = "admission.granted"
	ActionAdmissionDenied     Action = "admission.denied"
	ActionReservationComplete Action = "reservation.completed"
	ActionReservationCancel   Action = "reservation.cancelled"
	ActionReservationExpired  Action = "reservation.expired"
	ActionExecutionFinished   Action = "execution.finished"
	ActionWorkflowSubmitted   Action = "workflow.submitted"
	ActionWorkflowFinished    Action = "workflow.finished"
	ActionCancelRequested     Action = "cancel.requested"
)

// Event is one audit record.
type Event struct {
	Action      Action         `json:"action"`
	UserID      string         `json:"userId,omitempty"`
	ExecutionID string         `json:"executionId,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Details     map[string]any `json:"details,omitempty"`
}

// Sink receives audit events. Record must not block the request path beyond
// a bounded enqueue; Close flushes whatever the sink buffered.
type Sink interface {
	Record(ctx context.Context, ev Event)
	Close() error
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(context.Context, Event) {}
func (NopSink) Close() error                  { return nil }

// LogSink writes audit events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	attrs := []slog.Attr{slog.String("action", string(ev.Action))}
	if ev.UserID != "" {
		attrs = append(attrs, slog.String("user_id", ev.UserID))
	}
	if ev.ExecutionID != "" {
		attrs = append(attrs, slog.String("execution_id", ev.ExecutionID))
	}
	if len(ev.Details) > 0 {
		attrs = append(attrs, slog.Any("details", ev.Details))
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
}

func (s *LogSink) Close() error { return nil }
