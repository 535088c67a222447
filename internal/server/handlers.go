package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/nagare/internal/auth"
	"github.com/ashita-ai/nagare/internal/ctxutil"
	"github.com/ashita-ai/nagare/internal/execution"
	"github.com/ashita-ai/nagare/internal/journal"
	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/quota"
	"github.com/ashita-ai/nagare/internal/registry"
	"github.com/ashita-ai/nagare/internal/stream"
	"github.com/ashita-ai/nagare/internal/telemetry"
	"github.com/ashita-ai/nagare/internal/tool"
	"github.com/ashita-ai/nagare/internal/workflow"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	runner       *execution.Runner
	orchestrator *workflow.Orchestrator
	tools        *tool.Registry
	journal      *journal.Journal
	reg          *registry.Registry
	auth         *auth.Authenticator
	metrics      *telemetry.Metrics
	logger       *slog.Logger

	version      string
	ledgerKind   string
	limiterKind  string
	journalPath  string
	chunkBytes   int
	keepalive    time.Duration
	maxBodyBytes int64
	openAPISpec  []byte
	startedAt    time.Time
}

// HandlersDeps wires handler dependencies. Journal and Metrics may be nil.
type HandlersDeps struct {
	Runner       *execution.Runner
	Orchestrator *workflow.Orchestrator
	Tools        *tool.Registry
	Journal      *journal.Journal
	Registry     *registry.Registry
	Auth         *auth.Authenticator
	Metrics      *telemetry.Metrics
	Logger       *slog.Logger

	Version             string
	LedgerKind          string
	LimiterKind         string
	JournalPath         string
	StreamChunkBytes    int
	StreamKeepalive     time.Duration
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates the HTTP handlers.
func NewHandlers(deps HandlersDeps) *Handlers {
	chunk := deps.StreamChunkBytes
	if chunk <= 0 {
		chunk = stream.DefaultChunkBytes
	}
	keepalive := deps.StreamKeepalive
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	return &Handlers{
		runner:       deps.Runner,
		orchestrator: deps.Orchestrator,
		tools:        deps.Tools,
		journal:      deps.Journal,
		reg:          deps.Registry,
		auth:         deps.Auth,
		metrics:      deps.Metrics,
		logger:       deps.Logger,
		version:      deps.Version,
		ledgerKind:   deps.LedgerKind,
		limiterKind:  deps.LimiterKind,
		journalPath:  deps.JournalPath,
		chunkBytes:   chunk,
		keepalive:    keepalive,
		maxBodyBytes: deps.MaxRequestBodyBytes,
		openAPISpec:  deps.OpenAPISpec,
		startedAt:    time.Now(),
	}
}

// identity resolves the acting user: the verified identity with auth
// enabled, otherwise the request-supplied fallback (dev mode).
func (h *Handlers) identity(r *http.Request, fallback string) (userID string, dailyQuota int64, err error) {
	if id := ctxutil.IdentityFromContext(r.Context()); id != nil {
		return id.UserID, id.DailyQuota, nil
	}
	if h.auth.Enabled() {
		return "", 0, fmt.Errorf("no identity in context")
	}
	if fallback == "" {
		fallback = r.URL.Query().Get("userId")
	}
	if fallback == "" {
		return "", 0, fmt.Errorf("userId is required when auth is disabled")
	}
	return fallback, 0, nil
}

// HandleToolStream handles POST /tool-stream: admits the request and pushes
// the execution's event stream over SSE. Admission failures are synchronous
// JSON errors; once the stream starts, failures surface as stream events.
func (h *Handlers) HandleToolStream(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	var req model.ToolStreamRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	userID, dailyQuota, err := h.identity(r, req.UserID)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, err.Error())
		return
	}

	startReq := execution.Request{
		ToolName:   req.ToolName,
		Input:      req.Input,
		UserID:     userID,
		SessionID:  req.SessionID,
		DailyQuota: dailyQuota,
	}
	if req.Options != nil && req.Options.TimeoutMs > 0 {
		startReq.Timeout = time.Duration(req.Options.TimeoutMs) * time.Millisecond
	}

	session, err := h.runner.Start(r.Context(), startReq)
	if err != nil {
		h.writeStartError(w, r, err)
		return
	}
	h.metrics.ExecutionStarted(r.Context(), string(model.KindTool))

	h.streamSession(w, r, session)

	out := session.Wait()
	h.metrics.ExecutionFinished(r.Context(), string(model.KindTool), string(out.State))
}

// writeStartError maps admission failures to HTTP responses.
func (h *Handlers) writeStartError(w http.ResponseWriter, r *http.Request, err error) {
	var quotaErr *quota.QuotaExceededError
	switch {
	case errors.Is(err, execution.ErrUnknownTool):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.As(err, &quotaErr):
		h.metrics.AdmissionDenied(r.Context(), "quota")
		w.Header().Set("X-Quota-Limit", strconv.FormatInt(quotaErr.Limit, 10))
		w.Header().Set("X-Quota-Remaining", strconv.FormatInt(quotaErr.Remaining, 10))
		retryAfter := int64(time.Until(quota.NextWindow(time.Now())) / time.Second)
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeQuotaExceeded, "daily quota exceeded")
	default:
		h.logger.Error("start execution", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to start execution")
	}
}

// streamSession pushes the session's events over SSE, bracketed by
// stream-start and end frames. Client disconnect cancels the execution; the
// channel is drained regardless so the producer never blocks.
func (h *Handlers) streamSession(w http.ResponseWriter, r *http.Request, session *execution.Session) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Execution-ID", session.ExecutionID.String())
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	enc := stream.NewEncoder(w, h.chunkBytes)
	_, err := enc.Encode(model.Event{
		Type:        model.EventStreamStart,
		ExecutionID: session.ExecutionID,
		ToolName:    session.ToolName,
		Timestamp:   time.Now().UTC(),
		Payload: model.StreamStartPayload{
			ExecutionID: session.ExecutionID,
			ToolName:    session.ToolName,
			Options: model.StreamOptions{
				ChunkBytes:  h.chunkBytes,
				KeepaliveMs: h.keepalive.Milliseconds(),
			},
		},
	})
	if err == nil {
		err = rc.Flush()
	}

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	events := session.Events()
	// done is nilled after the first fire: a closed channel is always
	// ready, and the loop must keep draining events without spinning.
	done := r.Context().Done()
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err == nil {
				if _, err = enc.Encode(ev); err == nil {
					err = rc.Flush()
				}
				h.metrics.StreamMessages(r.Context(), 1)
			}
		case <-ticker.C:
			if err == nil {
				if err = enc.Keepalive(); err == nil {
					err = rc.Flush()
				}
			}
		case <-done:
			done = nil
			h.runner.Cancel(r.Context(), session.ExecutionID, "client disconnected")
		}
	}

	out := session.Wait()
	reason := model.EndCompleted
	switch out.State {
	case model.StateError:
		reason = model.EndError
	case model.StateCancelled:
		reason = model.EndCancelled
	}
	if err == nil {
		if _, err = enc.Encode(model.Event{
			Type:        model.EventEnd,
			ExecutionID: session.ExecutionID,
			ToolName:    session.ToolName,
			Timestamp:   time.Now().UTC(),
			Payload:     model.EndPayload{Reason: reason},
		}); err == nil {
			err = rc.Flush()
		}
	}
	if err != nil && r.Context().Err() == nil {
		h.logger.Warn("stream write failed", "execution_id", session.ExecutionID, "error", err)
	}
}

// HandleCancelTool handles DELETE /tool-stream?executionId=...
func (h *Handlers) HandleCancelTool(w http.ResponseWriter, r *http.Request) {
	h.cancelByQuery(w, r, "cancelled via API")
}

// HandleCancelWorkflow handles DELETE /workflow?executionId=...
func (h *Handlers) HandleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	h.cancelByQuery(w, r, "workflow cancelled via API")
}

func (h *Handlers) cancelByQuery(w http.ResponseWriter, r *http.Request, reason string) {
	raw := r.URL.Query().Get("executionId")
	if raw == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "executionId query parameter is required")
		return
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "executionId must be a UUID")
		return
	}
	cancelled := h.runner.Cancel(r.Context(), id, reason)
	writeJSON(w, r, http.StatusOK, model.CancelResponse{
		Success:     true,
		Cancelled:   cancelled,
		ExecutionID: id,
	})
}

// HandleWorkflow handles POST /workflow: validates and runs the workflow to
// completion, returning the aggregate result. The workflow id is assigned
// before dispatch and sent in the X-Execution-ID header with the run still
// in flight, so a concurrent caller can cancel it via DELETE /workflow.
func (h *Handlers) HandleWorkflow(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	var req model.WorkflowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	userID, dailyQuota, err := h.identity(r, req.UserID)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, err.Error())
		return
	}

	spec := workflow.Spec{
		Name:     req.Name,
		Steps:    req.Steps,
		Parallel: req.Parallel,
	}
	if req.Options != nil {
		spec.Options = *req.Options
	}
	if err := h.orchestrator.Validate(spec); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	workflowID := uuid.New()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Execution-ID", workflowID.String())
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	// Long workflows outlive the server's write timeout, and the header
	// block must reach the client before the run starts.
	_ = rc.SetWriteDeadline(time.Time{})
	_ = rc.Flush()

	h.metrics.ExecutionStarted(r.Context(), string(model.KindWorkflow))
	result, err := h.orchestrator.Run(r.Context(), workflow.Request{
		WorkflowID: workflowID,
		Spec:       spec,
		UserID:     userID,
		SessionID:  req.SessionID,
		DailyQuota: dailyQuota,
	})
	if err != nil {
		// The spec passed Validate above, so Run cannot reject it again;
		// the status line is already committed, so the failure travels in
		// the body.
		h.logger.Error("run workflow", "error", err)
		writeCommittedError(w, r, model.ErrCodeInternalError, "failed to run workflow")
		return
	}

	state := model.StateComplete
	if len(result.Errors) > 0 {
		state = model.StateError
	}
	h.metrics.ExecutionFinished(r.Context(), string(model.KindWorkflow), string(state))

	resp := model.WorkflowResponse{
		Success:     len(result.Errors) == 0,
		ExecutionID: result.WorkflowID,
		Result:      result,
	}
	if len(result.Errors) > 0 {
		resp.Error = &model.ErrorPayload{
			Type:    result.Errors[0].Type,
			Message: result.Errors[0].Message,
		}
	}
	writeCommittedJSON(w, r, resp)
}

// HandleListTools handles GET /tools.
func (h *Handlers) HandleListTools(w http.ResponseWriter, r *http.Request) {
	defs := h.tools.List()
	infos := make([]model.ToolInfo, 0, len(defs))
	for _, def := range defs {
		info := model.ToolInfo{
			Name:          def.Name,
			Description:   def.Description,
			TimeoutMs:     def.Timeout.Milliseconds(),
			EstimatedCost: def.EstimatedCost,
		}
		if len(def.InputSchema) > 0 {
			var schema any
			if err := json.Unmarshal(def.InputSchema, &schema); err == nil {
				info.InputSchema = schema
			}
		}
		infos = append(infos, info)
	}
	writeJSON(w, r, http.StatusOK, infos)
}

// HandleListExecutions handles GET /executions. With auth enabled, results
// are scoped to the caller's identity.
func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "execution journal is disabled")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	userID := r.URL.Query().Get("userId")
	if identity := ctxutil.IdentityFromContext(r.Context()); identity != nil {
		userID = identity.UserID
	}

	recs, err := h.journal.Recent(r.Context(), limit, userID)
	if err != nil {
		h.logger.Error("list executions", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list executions")
		return
	}
	writeJSON(w, r, http.StatusOK, recs)
}

// HandleGetExecution handles GET /executions/{execution_id}.
func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "execution journal is disabled")
		return
	}
	id, err := uuid.Parse(r.PathValue("execution_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "execution_id must be a UUID")
		return
	}

	rec, err := h.journal.Get(r.Context(), id)
	if errors.Is(err, journal.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "execution not found")
		return
	}
	if err != nil {
		h.logger.Error("get execution", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load execution")
		return
	}
	if identity := ctxutil.IdentityFromContext(r.Context()); identity != nil && rec.UserID != identity.UserID {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "execution not found")
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:           "ok",
		Version:          h.version,
		Ledger:           h.ledgerKind,
		Limiter:          h.limiterKind,
		ActiveExecutions: h.reg.Len(),
		UptimeSeconds:    int64(time.Since(h.startedAt).Seconds()),
	}
	if h.journal != nil {
		resp.Journal = h.journalPath
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI document.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openAPISpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(h.openAPISpec)
}
