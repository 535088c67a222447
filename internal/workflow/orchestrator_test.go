package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ashita-ai/nagare/internal/audit"
	"github.com/ashita-ai/nagare/internal/execution"
	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/quota"
	"github.com/ashita-ai/nagare/internal/registry"
	"github.com/ashita-ai/nagare/internal/telemetry"
	"github.com/ashita-ai/nagare/internal/testutil"
	"github.com/ashita-ai/nagare/internal/tool"
)

func newOrchestrator(t *testing.T, defs ...tool.Definition) (*Orchestrator, *registry.Registry) {
	t.Helper()
	tools := tool.NewRegistry()
	for _, def := range defs {
		require.NoError(t, tools.Register(def))
	}
	reg := registry.New()
	runner := execution.NewRunner(execution.RunnerOptions{
		Tools:    tools,
		Ledger:   quota.NewMemoryLedger(time.Minute),
		Registry: reg,
		Audit:    audit.NopSink{},
		Logger:   testutil.TestLogger(),
		Machine: execution.Config{
			DefaultTimeout: 5 * time.Second,
			MaxAttempts:    1,
			RetryBackoff:   time.Millisecond,
		},
		DefaultDailyQuota: 1000,
	})
	return NewOrchestrator(runner, reg, audit.NopSink{}, nil, testutil.TestLogger(), 0), reg
}

// inputRecorder captures the effective input each step invocation received.
type inputRecorder struct {
	mu     sync.Mutex
	inputs map[string]map[string]any
}

func newInputRecorder() *inputRecorder {
	return &inputRecorder{inputs: make(map[string]map[string]any)}
}

func (r *inputRecorder) tool(name string, output any) tool.Definition {
	return tool.Definition{
		Name: name,
		Handler: func(_ context.Context, inv tool.Invocation) (*tool.Result, error) {
			r.mu.Lock()
			r.inputs[name] = inv.Input
			r.mu.Unlock()
			return &tool.Result{Output: output}, nil
		},
	}
}

func (r *inputRecorder) inputFor(name string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inputs[name]
}

func TestSequentialThreadsOutputByInputFrom(t *testing.T) {
	rec := newInputRecorder()
	o, _ := newOrchestrator(t,
		rec.tool("create-doc", map[string]any{"doc": "quarterly report"}),
		rec.tool("summarize", "a short summary"),
	)

	result, err := o.Run(context.Background(), Request{
		Spec: Spec{
			Name: "doc-pipeline",
			Steps: []model.WorkflowStep{
				{ID: "create", ToolName: "create-doc", Parameters: map[string]any{"topic": "q3"}},
				{ID: "sum", ToolName: "summarize", DependsOn: []string{"create"}, InputFrom: "create"},
			},
		},
		UserID: "user-a",
	})
	require.NoError(t, err)

	assert.Equal(t, "doc-pipeline", result.WorkflowName)
	assert.Equal(t, 2, result.TotalSteps)
	assert.Equal(t, 2, result.CompletedSteps)
	assert.Empty(t, result.Errors)
	require.Len(t, result.Results, 2)
	assert.Equal(t, "create", result.Results[0].StepID)
	assert.Equal(t, "sum", result.Results[1].StepID)

	got := rec.inputFor("summarize")
	require.NotNil(t, got)
	assert.Equal(t, map[string]any{"doc": "quarterly report"}, got["input"])
}

func TestDefaultThreadingUsesLastCompletedOutput(t *testing.T) {
	rec := newInputRecorder()
	o, _ := newOrchestrator(t,
		rec.tool("first", "first-output"),
		rec.tool("second", "second-output"),
		rec.tool("third", "third-output"),
	)

	_, err := o.Run(context.Background(), Request{
		Spec: Spec{
			Name: "implicit",
			Steps: []model.WorkflowStep{
				{ID: "a", ToolName: "first"},
				{ID: "b", ToolName: "second", DependsOn: []string{"a"}},
				{ID: "c", ToolName: "third", DependsOn: []string{"b"}, Parameters: map[string]any{"input": "explicit"}},
			},
		},
		UserID: "user-a",
	})
	require.NoError(t, err)

	assert.Equal(t, "first-output", rec.inputFor("second")["input"])
	// Parameters that already set an input are left untouched.
	assert.Equal(t, "explicit", rec.inputFor("third")["input"])
}

func TestStopOnErrorReportsPartialResults(t *testing.T) {
	rec := newInputRecorder()
	failing := tool.Definition{
		Name: "explode",
		Handler: func(_ context.Context, _ tool.Invocation) (*tool.Result, error) {
			return nil, tool.Permanent(errors.New("boom"))
		},
	}
	o, _ := newOrchestrator(t, rec.tool("ok", "fine"), failing)

	result, err := o.Run(context.Background(), Request{
		Spec: Spec{
			Name: "brittle",
			Steps: []model.WorkflowStep{
				{ID: "a", ToolName: "ok"},
				{ID: "b", ToolName: "explode", DependsOn: []string{"a"}},
				{ID: "c", ToolName: "ok", DependsOn: []string{"b"}},
			},
		},
		UserID: "user-a",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.CompletedSteps)
	require.Len(t, result.Results, 1)
	assert.Equal(t, "a", result.Results[0].StepID)
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, "b", result.Errors[0].StepID)
	assert.Equal(t, "boom", result.Errors[0].Message)
}

func TestContinueOnErrorRunsRemainingSteps(t *testing.T) {
	rec := newInputRecorder()
	failing := tool.Definition{
		Name: "explode",
		Handler: func(_ context.Context, _ tool.Invocation) (*tool.Result, error) {
			return nil, tool.Permanent(errors.New("boom"))
		},
	}
	o, _ := newOrchestrator(t, rec.tool("ok", "fine"), failing)

	result, err := o.Run(context.Background(), Request{
		Spec: Spec{
			Name: "resilient",
			Steps: []model.WorkflowStep{
				{ID: "a", ToolName: "explode"},
				{ID: "b", ToolName: "ok", Parameters: map[string]any{"input": "own"}},
				{ID: "c", ToolName: "ok", DependsOn: []string{"a"}},
			},
			Options: model.WorkflowOptions{ContinueOnError: true},
		},
		UserID: "user-a",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.CompletedSteps)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, "a", result.Errors[0].StepID)
	// c is unrunnable: its dependency failed.
	assert.Equal(t, "c", result.Errors[1].StepID)
	assert.Contains(t, result.Errors[1].Message, "skipped")
}

func TestParallelDiamondRespectsDependencies(t *testing.T) {
	var order sync.Map
	var seq atomic.Int64
	mark := func(name string) tool.Definition {
		return tool.Definition{
			Name: name,
			Handler: func(_ context.Context, _ tool.Invocation) (*tool.Result, error) {
				order.Store(name, seq.Add(1))
				return &tool.Result{Output: name}, nil
			},
		}
	}
	o, _ := newOrchestrator(t, mark("root"), mark("left"), mark("right"), mark("join"))

	result, err := o.Run(context.Background(), Request{
		Spec: Spec{
			Name: "diamond",
			Steps: []model.WorkflowStep{
				{ID: "root", ToolName: "root"},
				{ID: "left", ToolName: "left", DependsOn: []string{"root"}},
				{ID: "right", ToolName: "right", DependsOn: []string{"root"}},
				{ID: "join", ToolName: "join", DependsOn: []string{"left", "right"}},
			},
			Parallel: true,
		},
		UserID: "user-a",
	})
	require.NoError(t, err)
	assert.Equal(t, 4, result.CompletedSteps)

	at := func(name string) int64 {
		v, ok := order.Load(name)
		require.True(t, ok, "step %s ran", name)
		return v.(int64)
	}
	assert.Less(t, at("root"), at("left"))
	assert.Less(t, at("root"), at("right"))
	assert.Greater(t, at("join"), at("left"))
	assert.Greater(t, at("join"), at("right"))
}

func TestParallelBoundsConcurrency(t *testing.T) {
	var active, peak atomic.Int64
	slow := tool.Definition{
		Name: "slow",
		Handler: func(_ context.Context, _ tool.Invocation) (*tool.Result, error) {
			cur := active.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			return &tool.Result{Output: "ok"}, nil
		},
	}
	o, _ := newOrchestrator(t, slow)

	steps := make([]model.WorkflowStep, 8)
	for i := range steps {
		steps[i] = model.WorkflowStep{ID: string(rune('a' + i)), ToolName: "slow"}
	}
	result, err := o.Run(context.Background(), Request{
		Spec:   Spec{Name: "fanout", Steps: steps, Parallel: true},
		UserID: "user-a",
	})
	require.NoError(t, err)
	assert.Equal(t, 8, result.CompletedSteps)
	assert.LessOrEqual(t, peak.Load(), int64(4))
}

func TestCancelWorkflowStopsSteps(t *testing.T) {
	started := make(chan struct{}, 1)
	blocking := tool.Definition{
		Name: "blocking",
		Handler: func(ctx context.Context, _ tool.Invocation) (*tool.Result, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	o, reg := newOrchestrator(t, blocking)

	wfID := uuid.New()
	done := make(chan *model.WorkflowResult, 1)
	go func() {
		result, err := o.Run(context.Background(), Request{
			WorkflowID: wfID,
			Spec: Spec{
				Name: "doomed",
				Steps: []model.WorkflowStep{
					{ID: "a", ToolName: "blocking"},
					{ID: "b", ToolName: "blocking", DependsOn: []string{"a"}},
				},
			},
			UserID: "user-a",
		})
		assert.NoError(t, err)
		done <- result
	}()

	<-started
	require.True(t, reg.Cancel(wfID, "operator stop"))

	select {
	case result := <-done:
		assert.Zero(t, result.CompletedSteps)
		require.NotEmpty(t, result.Errors)
		assert.Equal(t, "a", result.Errors[0].StepID)
		assert.Equal(t, model.ErrTypeCancellation, result.Errors[0].Type)
	case <-time.After(5 * time.Second):
		t.Fatal("workflow did not settle after cancellation")
	}
}

func TestRunRejectsInvalidSpec(t *testing.T) {
	o, _ := newOrchestrator(t)
	_, err := o.Run(context.Background(), Request{
		Spec: Spec{
			Name: "cyclic",
			Steps: []model.WorkflowStep{
				{ID: "a", ToolName: "echo", DependsOn: []string{"b"}},
				{ID: "b", ToolName: "echo", DependsOn: []string{"a"}},
			},
		},
		UserID: "user-a",
	})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestRunRecordsStepDurations(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	metrics, err := telemetry.NewMetrics(nil)
	require.NoError(t, err)

	rec := newInputRecorder()
	o, _ := newOrchestrator(t, rec.tool("first", "a"), rec.tool("second", "b"))
	o.metrics = metrics

	result, err := o.Run(context.Background(), Request{
		Spec: Spec{
			Name: "timed",
			Steps: []model.WorkflowStep{
				{ID: "s1", ToolName: "first"},
				{ID: "s2", ToolName: "second", DependsOn: []string{"s1"}},
			},
		},
		UserID: "user-a",
	})
	require.NoError(t, err)
	require.Len(t, result.Results, 2)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var recorded uint64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "nagare.workflow.step.duration" {
				continue
			}
			hist, ok := m.Data.(metricdata.Histogram[float64])
			require.True(t, ok)
			for _, dp := range hist.DataPoints {
				recorded += dp.Count
			}
		}
	}
	assert.EqualValues(t, 2, recorded)
}
