package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics is the engine's instrument set. A nil *Metrics is valid and
// records nothing, so callers never need to branch on telemetry being
// enabled.
type Metrics struct {
	executionsStarted  metric.Int64Counter
	executionsFinished metric.Int64Counter
	admissionDenials   metric.Int64Counter
	streamMessages     metric.Int64Counter
	stepDuration       metric.Float64Histogram
}

// NewMetrics registers the engine instruments. activeExecutions is observed
// on collection (typically registry.Len).
func NewMetrics(activeExecutions func() int) (*Metrics, error) {
	meter := Meter("github.com/ashita-ai/nagare")

	started, err := meter.Int64Counter("nagare.executions.started",
		metric.WithDescription("Executions admitted and started"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create counter: %w", err)
	}
	finished, err := meter.Int64Counter("nagare.executions.finished",
		metric.WithDescription("Executions reaching a terminal state"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create counter: %w", err)
	}
	denials, err := meter.Int64Counter("nagare.admission.denials",
		metric.WithDescription("Admission rejections by reason"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create counter: %w", err)
	}
	messages, err := meter.Int64Counter("nagare.stream.messages",
		metric.WithDescription("Events pushed over execution streams"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create counter: %w", err)
	}
	duration, err := meter.Float64Histogram("nagare.workflow.step.duration",
		metric.WithDescription("Workflow step duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create histogram: %w", err)
	}
	if activeExecutions != nil {
		_, err = meter.Int64ObservableGauge("nagare.executions.active",
			metric.WithDescription("Live executions in the registry"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(int64(activeExecutions()))
				return nil
			}))
		if err != nil {
			return nil, fmt.Errorf("telemetry: create gauge: %w", err)
		}
	}

	return &Metrics{
		executionsStarted:  started,
		executionsFinished: finished,
		admissionDenials:   denials,
		streamMessages:     messages,
		stepDuration:       duration,
	}, nil
}

func (m *Metrics) ExecutionStarted(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.executionsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) ExecutionFinished(ctx context.Context, kind, state string) {
	if m == nil {
		return
	}
	m.executionsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("state", state),
	))
}

func (m *Metrics) AdmissionDenied(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.admissionDenials.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) StreamMessages(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.streamMessages.Add(ctx, n)
}

func (m *Metrics) WorkflowStepDuration(ctx context.Context, toolName string, seconds float64) {
	if m == nil {
		return
	}
	m.stepDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("tool", toolName)))
}
