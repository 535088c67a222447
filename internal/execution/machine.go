// Package execution drives tool invocations through the staged state
// machine: idle → input-parsing → input-available → executing →
// (progress)* → complete | error, with cancelled reachable from any
// non-terminal state. Each transition emits exactly one event over an
// unbuffered channel; the consumer must drain until close.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/registry"
	"github.com/ashita-ai/nagare/internal/tool"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultAttempts   = 3
	defaultBackoff    = time.Second
	defaultDeltaBytes = 16 * 1024
)

// Config bounds one execution session.
type Config struct {
	// DefaultTimeout applies to tools whose definition sets none.
	DefaultTimeout time.Duration

	// MaxAttempts is the retry budget for retryable failures. Zero means 3.
	MaxAttempts int

	// RetryBackoff is the base delay before attempt n+1: backoff << n.
	RetryBackoff time.Duration

	// InputDeltaBytes is the threshold above which the marshalled input is
	// streamed as input-delta chunks during parsing.
	InputDeltaBytes int
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaultTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultBackoff
	}
	if c.InputDeltaBytes <= 0 {
		c.InputDeltaBytes = defaultDeltaBytes
	}
	return c
}

// Outcome is the terminal result of Run.
type Outcome struct {
	State        model.ExecutionState
	Result       any
	Metadata     model.ExecutionMetadata
	Err          *model.ExecutionError
	CancelReason string
}

// Machine is a single-use execution state machine. Run may be called once;
// events are delivered in transition order over Events until the channel is
// closed after the terminal event.
type Machine struct {
	id    uuid.UUID
	def   tool.Definition
	tools *tool.Registry
	input map[string]any
	cfg   Config

	events chan model.Event

	mu    sync.RWMutex
	state model.ExecutionState
}

// NewMachine builds a machine for one invocation of def. The definition must
// come from tools, which performs schema validation during input parsing.
func NewMachine(id uuid.UUID, def tool.Definition, tools *tool.Registry, input map[string]any, cfg Config) *Machine {
	return &Machine{
		id:     id,
		def:    def,
		tools:  tools,
		input:  input,
		cfg:    cfg.withDefaults(),
		events: make(chan model.Event),
		state:  model.StateIdle,
	}
}

// State returns the current state. Safe for concurrent use with Run.
func (m *Machine) State() model.ExecutionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Events is the ordered event stream. Sends block until the consumer
// receives; the channel closes after the terminal event.
func (m *Machine) Events() <-chan model.Event {
	return m.events
}

func (m *Machine) setState(s model.ExecutionState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Machine) emit(t model.EventType, payload any) {
	m.events <- model.Event{
		Type:        t,
		ExecutionID: m.id,
		ToolName:    m.def.Name,
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
	}
}

type handlerResult struct {
	res *tool.Result
	err error
}

// Run drives the machine to a terminal state and closes the event channel.
// A retryable failure restarts from idle after a cancellable backoff without
// emitting an error event; the next attempt re-emits the staged sequence.
func (m *Machine) Run(ctx context.Context) Outcome {
	defer close(m.events)

	started := time.Now()
	inputJSON, err := json.Marshal(m.input)
	if err != nil {
		return m.fail(started, 0, 0, model.NewExecutionError(model.ErrTypeInputValidation, "input is not JSON-representable", err))
	}

	for attempt := 0; ; attempt++ {
		out, execErr := m.attempt(ctx, started, attempt, inputJSON)
		if execErr == nil {
			return out
		}
		if execErr.Type == model.ErrTypeCancellation {
			reason, _ := registry.CancelReason(ctx)
			m.emit(model.EventError, model.ErrorPayload{
				Type:       model.ErrTypeCancellation,
				Message:    execErr.Message,
				Retryable:  false,
				RetryCount: attempt,
			})
			m.setState(model.StateCancelled)
			return Outcome{
				State:        model.StateCancelled,
				Metadata:     m.metadata(started, attempt, len(inputJSON), 0, false, 0),
				Err:          execErr,
				CancelReason: reason,
			}
		}
		if execErr.Retryable && attempt+1 < m.cfg.MaxAttempts {
			select {
			case <-time.After(m.cfg.RetryBackoff << attempt):
				m.setState(model.StateIdle)
				continue
			case <-ctx.Done():
				// Cancelled mid-backoff; next iteration reports it.
			}
			reason, _ := registry.CancelReason(ctx)
			m.emit(model.EventError, model.ErrorPayload{
				Type:       model.ErrTypeCancellation,
				Message:    "cancelled during retry backoff",
				Retryable:  false,
				RetryCount: attempt,
			})
			m.setState(model.StateCancelled)
			return Outcome{
				State:        model.StateCancelled,
				Metadata:     m.metadata(started, attempt, len(inputJSON), 0, false, 0),
				Err:          model.NewExecutionError(model.ErrTypeCancellation, "cancelled during retry backoff", ctx.Err()),
				CancelReason: reason,
			}
		}
		return m.fail(started, attempt, len(inputJSON), execErr)
	}
}

func (m *Machine) fail(started time.Time, attempt, inputBytes int, execErr *model.ExecutionError) Outcome {
	m.emit(model.EventError, model.ErrorPayload{
		Type:       execErr.Type,
		Message:    execErr.Message,
		Retryable:  execErr.Retryable,
		RetryCount: attempt,
	})
	m.setState(model.StateError)
	return Outcome{
		State:    model.StateError,
		Metadata: m.metadata(started, attempt, inputBytes, 0, false, 0),
		Err:      execErr,
	}
}

// attempt runs one staged pass. It returns a nil error with a complete
// Outcome on success, or a classified error the retry loop acts on.
func (m *Machine) attempt(ctx context.Context, started time.Time, attempt int, inputJSON []byte) (Outcome, *model.ExecutionError) {
	m.setState(model.StateInputParsing)
	m.emit(model.EventInputStart, model.InputStartPayload{InputSchema: m.def.InputSchema})

	if len(inputJSON) > m.cfg.InputDeltaBytes {
		for off := 0; off < len(inputJSON); off += m.cfg.InputDeltaBytes {
			end := min(off+m.cfg.InputDeltaBytes, len(inputJSON))
			m.emit(model.EventInputDelta, model.InputDeltaPayload{
				PartialInput: string(inputJSON[off:end]),
				Progress:     float64(end) / float64(len(inputJSON)),
			})
		}
	}

	warnings, err := m.tools.Validate(m.def.Name, m.input)
	if err != nil {
		return Outcome{}, model.NewExecutionError(model.ErrTypeInputValidation, err.Error(), err)
	}

	m.setState(model.StateInputAvailable)
	m.emit(model.EventInputAvailable, model.InputAvailablePayload{
		CompleteInput: m.input,
		Validation:    model.ValidationReport{Valid: true, Warnings: warnings},
	})

	m.setState(model.StateExecuting)
	m.emit(model.EventExecutionStart, model.ExecutionStartPayload{Input: m.input})

	timeout := m.def.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	progressCh := make(chan tool.Progress)
	done := make(chan handlerResult, 1)
	report := func(p tool.Progress) {
		select {
		case progressCh <- p:
		case <-attemptCtx.Done():
		}
	}
	go func() {
		res, herr := m.def.Handler(attemptCtx, tool.Invocation{Input: m.input, Report: report})
		done <- handlerResult{res: res, err: herr}
	}()

	lastPct := 0.0
	for {
		select {
		case p := <-progressCh:
			pct := max(min(p.Percent, 100), lastPct)
			lastPct = pct
			m.setState(model.StateProgress)
			payload := model.ExecutionProgressPayload{
				Stage:    p.Stage,
				Progress: pct,
				Message:  p.Message,
			}
			if p.EstimatedTimeRemaining > 0 {
				ms := p.EstimatedTimeRemaining.Milliseconds()
				payload.EstimatedTimeRemainingMs = &ms
			}
			m.emit(model.EventExecutionProgress, payload)

		case hr := <-done:
			return m.classify(ctx, started, attempt, inputJSON, hr)

		case <-ctx.Done():
			// Parent cancelled: abandon the handler goroutine. The done
			// channel is buffered and Report selects on the attempt
			// context, so the handler cannot block after we leave.
			return Outcome{}, model.NewExecutionError(model.ErrTypeCancellation, "execution cancelled", context.Cause(ctx))

		case <-attemptCtx.Done():
			if ctx.Err() != nil {
				return Outcome{}, model.NewExecutionError(model.ErrTypeCancellation, "execution cancelled", context.Cause(ctx))
			}
			return Outcome{}, model.NewExecutionError(model.ErrTypeTimeout, "tool exceeded its deadline", attemptCtx.Err())
		}
	}
}

func (m *Machine) classify(ctx context.Context, started time.Time, attempt int, inputJSON []byte, hr handlerResult) (Outcome, *model.ExecutionError) {
	switch {
	case hr.err == nil:
		res := hr.res
		if res == nil {
			res = &tool.Result{}
		}
		cost := res.CostUnits
		if cost <= 0 {
			cost = m.def.EstimatedCost
		}
		outputBytes := 0
		if res.Output != nil {
			if b, merr := json.Marshal(res.Output); merr == nil {
				outputBytes = len(b)
			}
		}
		meta := m.metadata(started, attempt, len(inputJSON), outputBytes, res.CacheHit, cost)
		m.emit(model.EventExecutionComplete, model.ExecutionCompletePayload{Result: res.Output, Metadata: meta})
		m.setState(model.StateComplete)
		return Outcome{State: model.StateComplete, Result: res.Output, Metadata: meta}, nil

	case tool.IsPermanent(hr.err):
		e := model.NewExecutionError(model.ErrTypeExecution, hr.err.Error(), hr.err)
		e.Retryable = false
		return Outcome{}, e

	case errors.Is(hr.err, context.Canceled) && ctx.Err() != nil:
		return Outcome{}, model.NewExecutionError(model.ErrTypeCancellation, "execution cancelled", context.Cause(ctx))

	case errors.Is(hr.err, context.DeadlineExceeded):
		return Outcome{}, model.NewExecutionError(model.ErrTypeTimeout, "tool exceeded its deadline", hr.err)

	default:
		return Outcome{}, model.NewExecutionError(model.ErrTypeExecution, hr.err.Error(), hr.err)
	}
}

func (m *Machine) metadata(started time.Time, attempt, inputBytes, outputBytes int, cacheHit bool, cost int64) model.ExecutionMetadata {
	return model.ExecutionMetadata{
		DurationMs:  time.Since(started).Milliseconds(),
		InputBytes:  inputBytes,
		OutputBytes: outputBytes,
		CacheHit:    cacheHit,
		RetryCount:  attempt,
		CostUnits:   cost,
	}
}
