package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/nagare/internal/audit"
	"github.com/ashita-ai/nagare/internal/execution"
	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/quota"
	"github.com/ashita-ai/nagare/internal/registry"
	"github.com/ashita-ai/nagare/internal/telemetry"
)

// maxParallel bounds concurrent steps in one wave.
const maxParallel = 4

// Orchestrator runs validated workflows through the execution runner. Each
// step reserves its own quota and runs its own state machine with events
// drained internally.
type Orchestrator struct {
	runner   *execution.Runner
	reg      *registry.Registry
	audit    audit.Sink
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	maxSteps int
}

// NewOrchestrator creates an Orchestrator. metrics may be nil; maxSteps <= 0
// applies the MaxSteps default.
func NewOrchestrator(runner *execution.Runner, reg *registry.Registry, sink audit.Sink, metrics *telemetry.Metrics, logger *slog.Logger, maxSteps int) *Orchestrator {
	if sink == nil {
		sink = audit.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{runner: runner, reg: reg, audit: sink, metrics: metrics, logger: logger, maxSteps: maxSteps}
}

// Request is one workflow run.
type Request struct {
	WorkflowID uuid.UUID // zero means generate
	Spec       Spec
	UserID     string
	SessionID  string
	DailyQuota int64
}

// Validate checks spec against the orchestrator's step bound without
// running anything. Run repeats the check.
func (o *Orchestrator) Validate(spec Spec) error {
	return Validate(spec, o.maxSteps)
}

// Run validates and executes the workflow, blocking until it settles. Step
// failures surface in the result, not as an error; the error return covers
// validation failures only. Cancelling by workflow id (or ctx) stops new
// steps; steps already started run to their own cancellation or completion.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*model.WorkflowResult, error) {
	if err := Validate(req.Spec, o.maxSteps); err != nil {
		return nil, err
	}

	id := req.WorkflowID
	if id == uuid.Nil {
		id = uuid.New()
	}
	wfCtx := o.reg.Register(ctx, id, model.KindWorkflow, req.Spec.Name, req.UserID)
	defer o.reg.Remove(id)

	o.audit.Record(ctx, audit.Event{
		Action:      audit.ActionWorkflowSubmitted,
		UserID:      req.UserID,
		ExecutionID: id.String(),
		Details: map[string]any{
			"workflow": req.Spec.Name,
			"steps":    len(req.Spec.Steps),
			"parallel": req.Spec.Parallel,
		},
	})

	r := &workflowRun{
		o:       o,
		ctx:     wfCtx,
		req:     req,
		outputs: make(map[string]any, len(req.Spec.Steps)),
		settled: make(map[string]bool, len(req.Spec.Steps)),
		failed:  make(map[string]bool, len(req.Spec.Steps)),
	}
	if req.Spec.Parallel {
		r.runParallel()
	} else {
		r.runSequential()
	}

	result := &model.WorkflowResult{
		WorkflowID:     id,
		WorkflowName:   req.Spec.Name,
		TotalSteps:     len(req.Spec.Steps),
		CompletedSteps: len(r.results),
		Results:        r.results,
		Errors:         r.errors,
		ExecutedAt:     time.Now().UTC(),
	}
	o.audit.Record(ctx, audit.Event{
		Action:      audit.ActionWorkflowFinished,
		UserID:      req.UserID,
		ExecutionID: id.String(),
		Details: map[string]any{
			"workflow":  req.Spec.Name,
			"completed": result.CompletedSteps,
			"failed":    len(result.Errors),
		},
	})
	return result, nil
}

// workflowRun is the mutable state of one run. mu guards everything below
// it; parallel waves touch the state from multiple goroutines.
type workflowRun struct {
	o   *Orchestrator
	ctx context.Context
	req Request

	mu         sync.Mutex
	results    []model.StepResult
	errors     []model.StepError
	outputs    map[string]any
	settled    map[string]bool
	failed     map[string]bool
	lastOutput any
	hasLast    bool
	stopped    bool
}

func (r *workflowRun) runSequential() {
	order, err := topoOrder(r.req.Spec.Steps)
	if err != nil {
		return // Validate already rejected cycles.
	}
	for _, i := range order {
		step := r.req.Spec.Steps[i]
		if r.stopped && !r.req.Spec.Options.ContinueOnError {
			return
		}
		if dep, bad := r.failedDependency(step); bad {
			r.skip(step, dep)
			continue
		}
		r.runStep(step)
	}
}

// runParallel executes steps in waves: every step whose dependencies have
// settled runs in the current wave, bounded by maxParallel, joined before
// the next wave is computed.
func (r *workflowRun) runParallel() {
	steps := r.req.Spec.Steps
	for {
		r.mu.Lock()
		stop := r.stopped && !r.req.Spec.Options.ContinueOnError
		r.mu.Unlock()
		if stop {
			return
		}

		var wave []model.WorkflowStep
		for _, step := range steps {
			r.mu.Lock()
			done := r.settled[step.ID]
			ready := !done && r.dependenciesSettledLocked(step)
			r.mu.Unlock()
			if !ready {
				continue
			}
			if dep, bad := r.failedDependency(step); bad {
				r.skip(step, dep)
				continue
			}
			wave = append(wave, step)
		}
		if len(wave) == 0 {
			return
		}

		g := new(errgroup.Group)
		g.SetLimit(min(len(steps), maxParallel))
		for _, step := range wave {
			g.Go(func() error {
				r.runStep(step)
				return nil
			})
		}
		_ = g.Wait()
	}
}

func (r *workflowRun) dependenciesSettledLocked(step model.WorkflowStep) bool {
	for _, dep := range step.DependsOn {
		if !r.settled[dep] {
			return false
		}
	}
	return true
}

// failedDependency reports whether any dependency of step failed or was
// skipped, making the step unrunnable.
func (r *workflowRun) failedDependency(step model.WorkflowStep) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dep := range step.DependsOn {
		if r.failed[dep] {
			return dep, true
		}
	}
	return "", false
}

func (r *workflowRun) skip(step model.WorkflowStep, dep string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled[step.ID] = true
	r.failed[step.ID] = true
	r.errors = append(r.errors, model.StepError{
		StepID:  step.ID,
		Type:    model.ErrTypeExecution,
		Message: fmt.Sprintf("skipped: dependency %q failed", dep),
	})
}

// stepInput builds the step's effective input: an explicit inputFrom source
// wins; otherwise the most recently completed step's output is threaded in
// as "input" unless the parameters already set one.
func (r *workflowRun) stepInput(step model.WorkflowStep) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	input := maps.Clone(step.Parameters)
	if input == nil {
		input = make(map[string]any, 1)
	}
	if step.InputFrom != "" {
		input["input"] = r.outputs[step.InputFrom]
		return input
	}
	if _, set := input["input"]; !set && r.hasLast {
		input["input"] = r.lastOutput
	}
	return input
}

func (r *workflowRun) runStep(step model.WorkflowStep) {
	input := r.stepInput(step)

	start := time.Now()
	session, err := r.o.runner.Start(r.ctx, execution.Request{
		ToolName:   step.ToolName,
		Input:      input,
		UserID:     r.req.UserID,
		SessionID:  r.req.SessionID,
		DailyQuota: r.req.DailyQuota,
	})
	if err != nil {
		r.recordFailure(step, classifyStartError(err))
		return
	}

	// The workflow endpoint is non-streaming: drain the step's events.
	for range session.Events() {
	}
	out := session.Wait()
	r.o.metrics.WorkflowStepDuration(r.ctx, step.ToolName, time.Since(start).Seconds())

	if out.State == model.StateComplete {
		r.recordSuccess(step, out)
		return
	}
	stepErr := model.StepError{StepID: step.ID, Type: model.ErrTypeExecution, Message: "execution failed"}
	if out.Err != nil {
		stepErr.Type = out.Err.Type
		stepErr.Message = out.Err.Message
	}
	r.recordFailure(step, stepErr)
}

func classifyStartError(err error) model.StepError {
	var quotaErr *quota.QuotaExceededError
	if errors.As(err, &quotaErr) {
		return model.StepError{Type: model.ErrTypeQuotaExceeded, Message: err.Error()}
	}
	return model.StepError{Type: model.ErrTypeExecution, Message: err.Error()}
}

func (r *workflowRun) recordSuccess(step model.WorkflowStep, out execution.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled[step.ID] = true
	r.outputs[step.ID] = out.Result
	r.lastOutput = out.Result
	r.hasLast = true
	r.results = append(r.results, model.StepResult{
		StepID:      step.ID,
		ToolName:    step.ToolName,
		Output:      out.Result,
		Metadata:    out.Metadata,
		CompletedAt: time.Now().UTC(),
	})
}

func (r *workflowRun) recordFailure(step model.WorkflowStep, stepErr model.StepError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled[step.ID] = true
	r.failed[step.ID] = true
	r.stopped = true
	stepErr.StepID = step.ID
	r.errors = append(r.errors, stepErr)
}
