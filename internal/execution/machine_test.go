package execution_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/nagare/internal/execution"
	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/registry"
	"github.com/ashita-ai/nagare/internal/tool"
)

var testConfig = execution.Config{
	DefaultTimeout: 5 * time.Second,
	MaxAttempts:    3,
	RetryBackoff:   time.Millisecond,
}

func newMachine(t *testing.T, def tool.Definition, input map[string]any, cfg execution.Config) *execution.Machine {
	t.Helper()
	tools := tool.NewRegistry()
	require.NoError(t, tools.Register(def))
	registered, ok := tools.Get(def.Name)
	require.True(t, ok)
	return execution.NewMachine(uuid.New(), registered, tools, input, cfg)
}

// drain runs the machine and collects every emitted event.
func drain(m *execution.Machine, ctx context.Context) ([]model.Event, execution.Outcome) {
	outCh := make(chan execution.Outcome, 1)
	go func() { outCh <- m.Run(ctx) }()
	var events []model.Event
	for ev := range m.Events() {
		events = append(events, ev)
	}
	return events, <-outCh
}

func eventTypes(events []model.Event) []model.EventType {
	types := make([]model.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestRunEmitsStagedSequence(t *testing.T) {
	def := tool.Definition{
		Name: "reverse",
		Handler: func(_ context.Context, inv tool.Invocation) (*tool.Result, error) {
			return &tool.Result{Output: inv.Input["text"]}, nil
		},
	}
	m := newMachine(t, def, map[string]any{"text": "hello"}, testConfig)

	events, out := drain(m, context.Background())

	assert.Equal(t, []model.EventType{
		model.EventInputStart,
		model.EventInputAvailable,
		model.EventExecutionStart,
		model.EventExecutionComplete,
	}, eventTypes(events))
	assert.Equal(t, model.StateComplete, out.State)
	assert.Equal(t, model.StateComplete, m.State())
	assert.Equal(t, "hello", out.Result)
	assert.Equal(t, 0, out.Metadata.RetryCount)
	assert.Positive(t, out.Metadata.InputBytes)

	for _, ev := range events {
		assert.Equal(t, "reverse", ev.ToolName)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestProgressClampedNonDecreasing(t *testing.T) {
	def := tool.Definition{
		Name: "staged",
		Handler: func(_ context.Context, inv tool.Invocation) (*tool.Result, error) {
			inv.Report(tool.Progress{Stage: "load", Percent: 10})
			inv.Report(tool.Progress{Stage: "work", Percent: 60})
			inv.Report(tool.Progress{Stage: "late", Percent: 30}) // must not regress
			return &tool.Result{Output: "done"}, nil
		},
	}
	m := newMachine(t, def, map[string]any{}, testConfig)

	events, out := drain(m, context.Background())
	require.Equal(t, model.StateComplete, out.State)

	var got []float64
	for _, ev := range events {
		if ev.Type == model.EventExecutionProgress {
			got = append(got, ev.Payload.(model.ExecutionProgressPayload).Progress)
		}
	}
	assert.Equal(t, []float64{10, 60, 60}, got)
}

func TestLargeInputEmitsDeltas(t *testing.T) {
	cfg := testConfig
	cfg.InputDeltaBytes = 64
	def := tool.Definition{
		Name: "ingest",
		Handler: func(_ context.Context, _ tool.Invocation) (*tool.Result, error) {
			return &tool.Result{Output: "ok"}, nil
		},
	}
	input := map[string]any{"blob": strings.Repeat("x", 500)}
	m := newMachine(t, def, input, cfg)

	events, out := drain(m, context.Background())
	require.Equal(t, model.StateComplete, out.State)

	var partial strings.Builder
	var lastProgress float64
	for _, ev := range events {
		if ev.Type == model.EventInputDelta {
			p := ev.Payload.(model.InputDeltaPayload)
			assert.LessOrEqual(t, len(p.PartialInput), 64)
			assert.GreaterOrEqual(t, p.Progress, lastProgress)
			lastProgress = p.Progress
			partial.WriteString(p.PartialInput)
		}
	}
	assert.Equal(t, 1.0, lastProgress)
	assert.Contains(t, partial.String(), strings.Repeat("x", 500))
}

func TestSchemaViolationFailsWithoutExecuting(t *testing.T) {
	def := tool.Definition{
		Name: "strict",
		InputSchema: []byte(`{
			"type": "object",
			"properties": {"count": {"type": "integer"}},
			"required": ["count"]
		}`),
		Handler: func(_ context.Context, _ tool.Invocation) (*tool.Result, error) {
			t.Error("handler must not run on invalid input")
			return nil, nil
		},
	}
	m := newMachine(t, def, map[string]any{"wrong": true}, testConfig)

	events, out := drain(m, context.Background())

	require.Equal(t, model.StateError, out.State)
	require.NotNil(t, out.Err)
	assert.Equal(t, model.ErrTypeInputValidation, out.Err.Type)
	assert.False(t, out.Err.Retryable)

	types := eventTypes(events)
	assert.Equal(t, []model.EventType{model.EventInputStart, model.EventError}, types)
	payload := events[len(events)-1].Payload.(model.ErrorPayload)
	assert.Equal(t, model.ErrTypeInputValidation, payload.Type)
	assert.False(t, payload.Retryable)
}

func TestRetryableFailureRestartsFromIdle(t *testing.T) {
	calls := 0
	def := tool.Definition{
		Name: "flaky",
		Handler: func(_ context.Context, _ tool.Invocation) (*tool.Result, error) {
			calls++
			if calls < 3 {
				return nil, fmt.Errorf("transient failure %d", calls)
			}
			return &tool.Result{Output: "recovered"}, nil
		},
	}
	m := newMachine(t, def, map[string]any{}, testConfig)

	events, out := drain(m, context.Background())

	require.Equal(t, model.StateComplete, out.State)
	assert.Equal(t, "recovered", out.Result)
	assert.Equal(t, 2, out.Metadata.RetryCount)

	starts := 0
	for _, ev := range events {
		assert.NotEqual(t, model.EventError, ev.Type, "retried failures emit no error event")
		if ev.Type == model.EventInputStart {
			starts++
		}
	}
	assert.Equal(t, 3, starts, "each attempt re-emits the staged sequence")
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	calls := 0
	def := tool.Definition{
		Name: "broken",
		Handler: func(_ context.Context, _ tool.Invocation) (*tool.Result, error) {
			calls++
			return nil, tool.Permanent(errors.New("unsupported input shape"))
		},
	}
	m := newMachine(t, def, map[string]any{}, testConfig)

	events, out := drain(m, context.Background())

	assert.Equal(t, 1, calls)
	require.Equal(t, model.StateError, out.State)
	require.NotNil(t, out.Err)
	assert.Equal(t, model.ErrTypeExecution, out.Err.Type)
	assert.False(t, out.Err.Retryable)

	last := events[len(events)-1]
	require.Equal(t, model.EventError, last.Type)
	assert.False(t, last.Payload.(model.ErrorPayload).Retryable)
}

func TestRetryBudgetExhausted(t *testing.T) {
	cfg := testConfig
	cfg.MaxAttempts = 2
	calls := 0
	def := tool.Definition{
		Name: "hopeless",
		Handler: func(_ context.Context, _ tool.Invocation) (*tool.Result, error) {
			calls++
			return nil, errors.New("still down")
		},
	}
	m := newMachine(t, def, map[string]any{}, cfg)

	events, out := drain(m, context.Background())

	assert.Equal(t, 2, calls)
	require.Equal(t, model.StateError, out.State)
	assert.Equal(t, model.ErrTypeExecution, out.Err.Type)

	last := events[len(events)-1]
	require.Equal(t, model.EventError, last.Type)
	payload := last.Payload.(model.ErrorPayload)
	assert.True(t, payload.Retryable)
	assert.Equal(t, 1, payload.RetryCount)
}

func TestDeadlineClassifiedAsTimeout(t *testing.T) {
	cfg := testConfig
	cfg.MaxAttempts = 1
	def := tool.Definition{
		Name:    "stuck",
		Timeout: 30 * time.Millisecond,
		Handler: func(ctx context.Context, _ tool.Invocation) (*tool.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	m := newMachine(t, def, map[string]any{}, cfg)

	events, out := drain(m, context.Background())

	require.Equal(t, model.StateError, out.State)
	assert.Equal(t, model.ErrTypeTimeout, out.Err.Type)
	last := events[len(events)-1]
	require.Equal(t, model.EventError, last.Type)
	assert.Equal(t, model.ErrTypeTimeout, last.Payload.(model.ErrorPayload).Type)
}

func TestCancellationCarriesReason(t *testing.T) {
	started := make(chan struct{})
	def := tool.Definition{
		Name: "patient",
		Handler: func(ctx context.Context, _ tool.Invocation) (*tool.Result, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	tools := tool.NewRegistry()
	require.NoError(t, tools.Register(def))
	registered, _ := tools.Get(def.Name)

	reg := registry.New()
	id := uuid.New()
	execCtx := reg.Register(context.Background(), id, model.KindTool, def.Name, "user-a")
	m := execution.NewMachine(id, registered, tools, map[string]any{}, testConfig)

	go func() {
		<-started
		reg.Cancel(id, "user requested")
	}()
	events, out := drain(m, execCtx)

	require.Equal(t, model.StateCancelled, out.State)
	assert.Equal(t, "user requested", out.CancelReason)
	require.NotNil(t, out.Err)
	assert.Equal(t, model.ErrTypeCancellation, out.Err.Type)

	last := events[len(events)-1]
	require.Equal(t, model.EventError, last.Type)
	assert.Equal(t, model.ErrTypeCancellation, last.Payload.(model.ErrorPayload).Type)
}

// stageRank orders event types within one attempt.
func stageRank(t model.EventType) (int, bool) {
	switch t {
	case model.EventInputStart:
		return 0, true
	case model.EventInputDelta:
		return 1, true
	case model.EventInputAvailable:
		return 2, true
	case model.EventExecutionStart:
		return 3, true
	case model.EventExecutionProgress:
		return 4, true
	case model.EventExecutionComplete, model.EventError:
		return 5, true
	default:
		return 0, false
	}
}

// isStagedSequence checks that types is one or more attempts, each of which
// follows the staged order, with only the final attempt terminal.
func isStagedSequence(types []model.EventType) bool {
	if len(types) == 0 || types[0] != model.EventInputStart {
		return false
	}
	rank := -1
	for i, t := range types {
		r, known := stageRank(t)
		if !known {
			return false
		}
		if t == model.EventInputStart && i > 0 {
			if rank >= 5 {
				return false // no attempt after a terminal event
			}
			rank = 0
			continue
		}
		if r < rank {
			return false
		}
		rank = r
	}
	return true
}

func TestEventOrderingProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 60
	properties := gopter.NewProperties(params)

	properties.Property("events follow the staged order across attempts", prop.ForAll(
		func(failures, reports int) bool {
			calls := 0
			def := tool.Definition{
				Name: "modelled",
				Handler: func(_ context.Context, inv tool.Invocation) (*tool.Result, error) {
					calls++
					for i := 0; i < reports; i++ {
						inv.Report(tool.Progress{Stage: "step", Percent: float64((i + 1) * 100 / reports)})
					}
					if calls <= failures {
						return nil, errors.New("transient")
					}
					return &tool.Result{Output: calls}, nil
				},
			}
			tools := tool.NewRegistry()
			if err := tools.Register(def); err != nil {
				return false
			}
			registered, _ := tools.Get(def.Name)
			m := execution.NewMachine(uuid.New(), registered, tools, map[string]any{}, testConfig)
			events, out := drain(m, context.Background())

			types := eventTypes(events)
			if !isStagedSequence(types) {
				return false
			}
			attempts := 0
			for _, ty := range types {
				if ty == model.EventInputStart {
					attempts++
				}
			}
			wantAttempts := min(failures+1, testConfig.MaxAttempts)
			if attempts != wantAttempts {
				return false
			}
			if failures < testConfig.MaxAttempts {
				return out.State == model.StateComplete
			}
			return out.State == model.StateError
		},
		gen.IntRange(0, 4),
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}
