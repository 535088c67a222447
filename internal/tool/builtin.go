package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Builtins returns the reference tools registered by default. They exercise
// the engine surface (validation, progress, cancellation, chunked output)
// without any external business logic.
func Builtins() []Definition {
	return []Definition{echoTool(), sleepTool(), renderReportTool()}
}

// RegisterBuiltins adds the reference tools to r.
func RegisterBuiltins(r *Registry) error {
	for _, def := range Builtins() {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func echoTool() Definition {
	return Definition{
		Name:        "echo",
		Description: "Returns its input unchanged.",
		InputSchema: json.RawMessage(`{
			"type": "object"
		}`),
		EstimatedCost: 1,
		Handler: func(_ context.Context, inv Invocation) (*Result, error) {
			return &Result{Output: inv.Input}, nil
		},
	}
}

func sleepTool() Definition {
	return Definition{
		Name:        "sleep",
		Description: "Waits for durationMs, reporting progress ticks. Honors cancellation.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"durationMs": {"type": "integer", "minimum": 0, "maximum": 300000},
				"ticks": {"type": "integer", "minimum": 1, "maximum": 100}
			},
			"required": ["durationMs"]
		}`),
		EstimatedCost: 1,
		Handler: func(ctx context.Context, inv Invocation) (*Result, error) {
			durationMs := intField(inv.Input, "durationMs", 0)
			ticks := intField(inv.Input, "ticks", 10)
			total := time.Duration(durationMs) * time.Millisecond

			if total == 0 {
				return &Result{Output: map[string]any{"sleptMs": int64(0)}}, nil
			}

			interval := total / time.Duration(ticks)
			timer := time.NewTicker(interval)
			defer timer.Stop()

			start := time.Now()
			for i := 1; i <= ticks; i++ {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-timer.C:
					inv.Report(Progress{
						Stage:                  "sleeping",
						Percent:                float64(i) / float64(ticks) * 100,
						EstimatedTimeRemaining: total - time.Since(start),
					})
				}
			}
			return &Result{Output: map[string]any{"sleptMs": time.Since(start).Milliseconds()}}, nil
		},
	}
}

func renderReportTool() Definition {
	return Definition{
		Name:        "render-report",
		Description: "Generates a deterministic text report of the requested size.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"title": {"type": "string", "maxLength": 200},
				"sizeBytes": {"type": "integer", "minimum": 1, "maximum": 4194304}
			},
			"required": ["sizeBytes"]
		}`),
		EstimatedCost: 2,
		Handler: func(ctx context.Context, inv Invocation) (*Result, error) {
			size := intField(inv.Input, "sizeBytes", 1024)
			title, _ := inv.Input["title"].(string)
			if title == "" {
				title = "report"
			}

			inv.Report(Progress{Stage: "rendering", Percent: 10})

			var b strings.Builder
			b.Grow(size + 64)
			fmt.Fprintf(&b, "# %s\n", title)
			line := 0
			for b.Len() < size {
				if line%100 == 0 {
					select {
					case <-ctx.Done():
						return nil, ctx.Err()
					default:
					}
				}
				fmt.Fprintf(&b, "line %06d: lorem ipsum dolor sit amet consectetur\n", line)
				line++
			}
			body := b.String()[:size]

			inv.Report(Progress{Stage: "rendering", Percent: 100})
			return &Result{
				Output:    map[string]any{"title": title, "body": body, "lines": line},
				CostUnits: int64(size/65536) + 1,
			}, nil
		},
	}
}

// intField reads a numeric input field, tolerating the float64 form JSON
// decoding produces.
func intField(input map[string]any, key string, fallback int) int {
	switch v := input[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}
