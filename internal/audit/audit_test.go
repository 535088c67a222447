package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/nagare/internal/audit"
)

func TestLogSinkWritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	sink := audit.NewLogSink(logger)
	defer sink.Close()

	sink.Record(context.Background(), audit.Event{
		Action:      audit.ActionAdmissionDenied,
		UserID:      "user-a",
		ExecutionID: "exec-1",
		Details:     map[string]any{"reason": "quota"},
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "audit", line["msg"])
	assert.Equal(t, string(audit.ActionAdmissionDenied), line["action"])
	assert.Equal(t, "user-a", line["user_id"])
	assert.Equal(t, "exec-1", line["execution_id"])
	details := line["details"].(map[string]any)
	assert.Equal(t, "quota", details["reason"])
}

func TestLogSinkOmitsEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	sink := audit.NewLogSink(logger)
	defer sink.Close()

	sink.Record(context.Background(), audit.Event{Action: audit.ActionWorkflowSubmitted})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.NotContains(t, line, "user_id")
	assert.NotContains(t, line, "execution_id")
	assert.NotContains(t, line, "details")
}

func TestNopSink(t *testing.T) {
	var sink audit.Sink = audit.NopSink{}
	sink.Record(context.Background(), audit.Event{Action: audit.ActionExecutionFinished})
	assert.NoError(t, sink.Close())
}
