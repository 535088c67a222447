package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/nagare/internal/audit"
	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/quota"
	"github.com/ashita-ai/nagare/internal/registry"
	"github.com/ashita-ai/nagare/internal/tool"
)

// ErrUnknownTool is returned when a request names a tool that is not in the
// catalog.
var ErrUnknownTool = errors.New("execution: unknown tool")

// Recorder persists terminal execution records. *journal.Journal satisfies
// it; a nil Recorder disables persistence.
type Recorder interface {
	Record(ctx context.Context, rec model.ExecutionRecord)
}

// RunnerOptions wires the runner's collaborators.
type RunnerOptions struct {
	Tools    *tool.Registry
	Ledger   quota.Ledger
	Registry *registry.Registry
	Journal  Recorder
	Audit    audit.Sink
	Logger   *slog.Logger

	Machine Config

	// DefaultDailyQuota applies when the request carries no per-identity
	// override.
	DefaultDailyQuota int64
}

// Runner admits and runs tool executions: quota reservation, registry
// registration for cooperative cancellation, the state machine itself, and
// terminal bookkeeping (ledger settlement, journal, audit).
type Runner struct {
	tools      *tool.Registry
	ledger     quota.Ledger
	reg        *registry.Registry
	journal    Recorder
	audit      audit.Sink
	logger     *slog.Logger
	cfg        Config
	dailyQuota int64
}

func NewRunner(opts RunnerOptions) *Runner {
	sink := opts.Audit
	if sink == nil {
		sink = audit.NopSink{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		tools:      opts.Tools,
		ledger:     opts.Ledger,
		reg:        opts.Registry,
		journal:    opts.Journal,
		audit:      sink,
		logger:     logger,
		cfg:        opts.Machine.withDefaults(),
		dailyQuota: opts.DefaultDailyQuota,
	}
}

// Request describes one tool execution to admit.
type Request struct {
	ExecutionID uuid.UUID // zero means generate
	ToolName    string
	Input       map[string]any
	UserID      string
	SessionID   string

	// DailyQuota overrides the runner default for this identity. Zero
	// means no override.
	DailyQuota int64

	// Timeout lowers the tool's per-attempt deadline. It can never raise
	// it; zero means the tool's own timeout.
	Timeout time.Duration
}

// Session is a running execution. The caller must drain Events until close;
// Wait then returns the terminal outcome.
type Session struct {
	ExecutionID uuid.UUID
	ToolName    string

	events  <-chan model.Event
	done    chan struct{}
	outcome Outcome
}

func (s *Session) Events() <-chan model.Event {
	return s.events
}

// Wait blocks until the session is terminal and all bookkeeping has run.
func (s *Session) Wait() Outcome {
	<-s.done
	return s.outcome
}

// Start admits req and launches its state machine. Admission failures are
// synchronous: an unknown tool returns ErrUnknownTool, a denied reservation
// returns *quota.QuotaExceededError. The execution is cancelled when ctx is,
// or when the registry cancels it by id.
func (r *Runner) Start(ctx context.Context, req Request) (*Session, error) {
	def, ok := r.tools.Get(req.ToolName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, req.ToolName)
	}
	if req.Timeout > 0 {
		effective := def.Timeout
		if effective <= 0 {
			effective = r.cfg.DefaultTimeout
		}
		if req.Timeout < effective {
			def.Timeout = req.Timeout
		}
	}

	id := req.ExecutionID
	if id == uuid.Nil {
		id = uuid.New()
	}
	limit := req.DailyQuota
	if limit <= 0 {
		limit = r.dailyQuota
	}

	dec, err := r.ledger.Reserve(ctx, req.UserID, def.EstimatedCost, limit)
	if err != nil {
		return nil, fmt.Errorf("reserve quota: %w", err)
	}
	if !dec.Granted {
		r.audit.Record(ctx, audit.Event{
			Action:      audit.ActionAdmissionDenied,
			UserID:      req.UserID,
			ExecutionID: id.String(),
			Details: map[string]any{
				"reason":    "quota",
				"tool":      req.ToolName,
				"requested": def.EstimatedCost,
				"remaining": dec.Remaining,
			},
		})
		return nil, &quota.QuotaExceededError{
			UserID:    req.UserID,
			Requested: def.EstimatedCost,
			Limit:     limit,
			Remaining: dec.Remaining,
		}
	}
	r.audit.Record(ctx, audit.Event{
		Action:      audit.ActionAdmissionGranted,
		UserID:      req.UserID,
		ExecutionID: id.String(),
		Details: map[string]any{
			"tool":        req.ToolName,
			"reservation": dec.ReservationID.String(),
		},
	})

	execCtx := r.reg.Register(ctx, id, model.KindTool, req.ToolName, req.UserID)
	machine := NewMachine(id, def, r.tools, req.Input, r.cfg)
	s := &Session{
		ExecutionID: id,
		ToolName:    req.ToolName,
		events:      machine.Events(),
		done:        make(chan struct{}),
	}

	startedAt := time.Now().UTC()
	go func() {
		defer close(s.done)
		defer r.reg.Remove(id)

		out := machine.Run(execCtx)
		s.outcome = out
		r.finish(execCtx, req, id, dec.ReservationID, startedAt, out)
	}()
	return s, nil
}

// Cancel requests cooperative cancellation of a live execution.
func (r *Runner) Cancel(ctx context.Context, id uuid.UUID, reason string) bool {
	ok := r.reg.Cancel(id, reason)
	r.audit.Record(ctx, audit.Event{
		Action:      audit.ActionCancelRequested,
		ExecutionID: id.String(),
		Details:     map[string]any{"reason": reason, "found": ok},
	})
	return ok
}

// finish settles the reservation and records the terminal state. It runs on
// a context detached from the (possibly cancelled) execution context.
func (r *Runner) finish(execCtx context.Context, req Request, id, reservationID uuid.UUID, startedAt time.Time, out Outcome) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(execCtx), 10*time.Second)
	defer cancel()

	if out.State == model.StateComplete {
		if err := r.ledger.Complete(ctx, reservationID, out.Metadata.CostUnits); err != nil {
			r.logger.Warn("complete reservation", "execution_id", id, "error", err)
		}
		r.audit.Record(ctx, audit.Event{
			Action:      audit.ActionReservationComplete,
			UserID:      req.UserID,
			ExecutionID: id.String(),
			Details:     map[string]any{"reservation": reservationID.String(), "cost": out.Metadata.CostUnits},
		})
	} else {
		if err := r.ledger.Cancel(ctx, reservationID); err != nil && !errors.Is(err, quota.ErrNotFound) {
			r.logger.Warn("cancel reservation", "execution_id", id, "error", err)
		}
		r.audit.Record(ctx, audit.Event{
			Action:      audit.ActionReservationCancel,
			UserID:      req.UserID,
			ExecutionID: id.String(),
			Details:     map[string]any{"reservation": reservationID.String()},
		})
	}

	rec := model.ExecutionRecord{
		ExecutionID:  id,
		Kind:         model.KindTool,
		Name:         req.ToolName,
		UserID:       req.UserID,
		SessionID:    req.SessionID,
		State:        out.State,
		StartedAt:    startedAt,
		FinishedAt:   time.Now().UTC(),
		DurationMs:   out.Metadata.DurationMs,
		InputBytes:   out.Metadata.InputBytes,
		OutputBytes:  out.Metadata.OutputBytes,
		CostUnits:    out.Metadata.CostUnits,
		RetryCount:   out.Metadata.RetryCount,
		CancelReason: out.CancelReason,
	}
	if out.Err != nil {
		rec.ErrorType = string(out.Err.Type)
		rec.ErrorMessage = out.Err.Message
	}
	if r.journal != nil {
		r.journal.Record(ctx, rec)
	}
	r.audit.Record(ctx, audit.Event{
		Action:      audit.ActionExecutionFinished,
		UserID:      req.UserID,
		ExecutionID: id.String(),
		Details:     map[string]any{"tool": req.ToolName, "state": string(out.State)},
	})
}
