package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/shopfloor/internal/dispatch"
	"github.com/example/shopfloor/internal/observability"
	"github.com/example/shopfloor/internal/state"
	"github.com/example/shopfloor/internal/workflow"
	"github.com/example/shopfloor/pkg/shopapi"
)

type Server struct {
	engine    *dispatch.Engine
	workflows *workflow.Engine
	store     state.Store
	auth      *authorizer
}

func NewServer(engine *dispatch.Engine, workflows *workflow.Engine, store state.Store) *Server {
	return &Server{
		engine:    engine,
		workflows: workflows,
		store:     store,
		auth:      newAuthorizerFromEnv(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/metrics/prometheus", s.handleMetricsPrometheus)
	mux.HandleFunc("/v1/dispatch", s.handleDispatch)
	mux.HandleFunc("/v1/machines", s.handleMachines)
	mux.HandleFunc("/v1/workflows/delivery", s.handleDeliveryTransition)
	mux.HandleFunc("/v1/workflows/pipeline", s.handlePipelineTransition)
	mux.HandleFunc("/v1/workflows/pipeline/records", s.handlePipelineRecords)
	mux.HandleFunc("/v1/admin/transitions", s.handleTransitionLog)
	mux.HandleFunc("/v1/admin/audit", s.handleAuditEvents)
	return withTracing(withLogging(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, observability.Default.Snapshot())
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(observability.Default.RenderPrometheus()))
}

// notLiteralNull rejects the stringified empty values UI layers are known to
// send instead of omitting the field.
func notLiteralNull(v string) bool {
	switch strings.TrimSpace(v) {
	case "null", "undefined":
		return false
	}
	return true
}

func actorFor(p principal, r *http.Request) dispatch.Actor {
	return dispatch.Actor{
		ID:         p.id,
		Role:       p.role,
		Tenant:     p.tenant,
		RemoteAddr: r.RemoteAddr,
	}
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	p, status, msg := s.auth.authorize(r)
	if status != http.StatusOK {
		writeError(w, status, msg)
		return
	}
	var req shopapi.DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !notLiteralNull(req.TaskID) || !notLiteralNull(req.QueueItemID) || !notLiteralNull(req.TargetMachine) {
		writeError(w, http.StatusBadRequest, "identifier fields must not be null/undefined")
		return
	}
	actor := actorFor(p, r)
	ctx := r.Context()

	switch req.Action {
	case "dispatch":
		if req.TaskID == "" {
			writeError(w, http.StatusBadRequest, "taskId is required")
			return
		}
		result, err := s.engine.Dispatch(ctx, actor, req.TaskID)
		if err != nil {
			writeCodedError(w, err)
			return
		}
		resp := shopapi.DispatchResponse{
			Success:   true,
			Action:    req.Action,
			MachineID: result.MachineID,
			Queued:    result.Queued,
		}
		if result.Started {
			resp.RunID = result.Run.ID
		}
		if result.Queued {
			resp.QueueItemID = result.QueueItem.ID
			resp.Position = result.QueueItem.Position
		}
		writeJSON(w, http.StatusOK, resp)
	case "start-task":
		if req.QueueItemID == "" {
			writeError(w, http.StatusBadRequest, "queueItemId is required")
			return
		}
		run, err := s.engine.StartQueuedRun(ctx, actor, req.QueueItemID)
		if err != nil {
			writeCodedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, shopapi.DispatchResponse{
			Success:   true,
			Action:    req.Action,
			MachineID: run.MachineID,
			RunID:     run.ID,
		})
	case "move-task":
		if req.QueueItemID == "" {
			writeError(w, http.StatusBadRequest, "queueItemId is required")
			return
		}
		item, err := s.engine.Move(ctx, actor, req.QueueItemID, req.TargetMachine, req.TargetPosition)
		if err != nil {
			writeCodedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, shopapi.DispatchResponse{
			Success:     true,
			Action:      req.Action,
			MachineID:   item.MachineID,
			QueueItemID: item.ID,
			Position:    item.Position,
			Queued:      true,
		})
	case "get-queues":
		entries, err := s.engine.GetQueues(ctx, req.TargetMachine)
		if err != nil {
			writeCodedError(w, err)
			return
		}
		items := make([]shopapi.QueueItem, 0, len(entries))
		for _, e := range entries {
			items = append(items, shopapi.QueueItem{
				QueueItemID:  e.Item.ID,
				TaskID:       e.Item.TaskID,
				MachineID:    e.Item.MachineID,
				Position:     e.Item.Position,
				Status:       e.Item.Status,
				TaskType:     e.Task.Type,
				MaterialCode: e.Task.MaterialCode,
				QtyRequired:  e.Task.QtyRequired,
				QtyCompleted: e.Task.QtyCompleted,
				Priority:     e.Task.Priority,
			})
		}
		writeJSON(w, http.StatusOK, shopapi.DispatchResponse{
			Success:    true,
			Action:     req.Action,
			QueueItems: items,
		})
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
	}
}

func (s *Server) handleMachines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	p, status, msg := s.auth.authorize(r)
	if status != http.StatusOK {
		writeError(w, status, msg)
		return
	}
	var req shopapi.MachineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.MachineID) == "" && req.RunID == "" && req.QueueItemID == "" {
		writeError(w, http.StatusBadRequest, "machineId is required")
		return
	}
	if !notLiteralNull(req.MachineID) || !notLiteralNull(req.RunID) {
		writeError(w, http.StatusBadRequest, "identifier fields must not be null/undefined")
		return
	}
	for name, v := range map[string]*int{"qty": req.Qty, "outputQty": req.OutputQty, "scrapQty": req.ScrapQty} {
		if v != nil && *v < 0 {
			writeError(w, http.StatusBadRequest, name+" must be >= 0")
			return
		}
	}
	actor := actorFor(p, r)
	ctx := r.Context()

	resp := shopapi.MachineResponse{MachineID: req.MachineID, Action: req.Action}
	switch req.Action {
	case "update-status":
		machine, err := s.engine.UpdateMachineStatus(ctx, actor, req.MachineID, req.Status)
		if err != nil {
			writeCodedError(w, err)
			return
		}
		resp.Success = true
		resp.MachineStatus = machine.Status
	case "assign-operator":
		machine, err := s.engine.AssignOperator(ctx, actor, req.MachineID, req.OperatorProfileID)
		if err != nil {
			writeCodedError(w, err)
			return
		}
		resp.Success = true
		resp.MachineStatus = machine.Status
	case "start-run":
		qty := 0
		if req.Qty != nil {
			qty = *req.Qty
		}
		run, err := s.engine.StartRun(ctx, actor, dispatch.StartSpec{
			MachineID:    req.MachineID,
			Process:      req.Process,
			MaterialCode: req.BarCode,
			Qty:          qty,
			Length:       req.Length,
			WorkOrderID:  req.WorkOrderID,
			OperatorID:   req.OperatorProfileID,
			TaskID:       req.TaskID,
			Notes:        req.Notes,
		})
		if err != nil {
			writeCodedError(w, err)
			return
		}
		resp.Success = true
		resp.MachineRunID = run.ID
		resp.MachineStatus = state.MachineRunning
	case "start-queued-run":
		if req.QueueItemID == "" {
			writeError(w, http.StatusBadRequest, "queueItemId is required")
			return
		}
		run, err := s.engine.StartQueuedRun(ctx, actor, req.QueueItemID)
		if err != nil {
			writeCodedError(w, err)
			return
		}
		resp.Success = true
		resp.MachineID = run.MachineID
		resp.MachineRunID = run.ID
		resp.MachineStatus = state.MachineRunning
	case "pause-run", "block-run", "resume-run":
		if req.RunID == "" {
			writeError(w, http.StatusBadRequest, "runId is required")
			return
		}
		var run state.RunRecord
		var err error
		switch req.Action {
		case "pause-run":
			run, err = s.engine.PauseRun(ctx, actor, req.RunID, req.Notes)
		case "block-run":
			run, err = s.engine.BlockRun(ctx, actor, req.RunID, req.Notes)
		default:
			run, err = s.engine.ResumeRun(ctx, actor, req.RunID, req.Notes)
		}
		if err != nil {
			writeCodedError(w, err)
			return
		}
		resp.Success = true
		resp.MachineID = run.MachineID
		resp.MachineRunID = run.ID
		resp.MachineStatus = run.Status
	case "complete-run":
		if req.RunID == "" {
			writeError(w, http.StatusBadRequest, "runId is required")
			return
		}
		output, scrap := 0, 0
		if req.OutputQty != nil {
			output = *req.OutputQty
		}
		if req.ScrapQty != nil {
			scrap = *req.ScrapQty
		}
		run, err := s.engine.CompleteRun(ctx, actor, req.RunID, output, scrap, req.Notes)
		if err != nil {
			writeCodedError(w, err)
			return
		}
		resp.Success = true
		resp.MachineID = run.MachineID
		resp.MachineRunID = run.ID
		resp.MachineStatus = state.MachineIdle
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeliveryTransition(w http.ResponseWriter, r *http.Request) {
	s.handleWorkflowTransition(w, r, s.workflows.TransitionDelivery)
}

func (s *Server) handlePipelineTransition(w http.ResponseWriter, r *http.Request) {
	s.handleWorkflowTransition(w, r, s.workflows.TransitionPipeline)
}

type transitionFn func(ctx context.Context, actor dispatch.Actor, entityID, to string) (workflow.Outcome, error)

func (s *Server) handleWorkflowTransition(w http.ResponseWriter, r *http.Request, fn transitionFn) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	p, status, msg := s.auth.authorize(r)
	if status != http.StatusOK {
		writeError(w, status, msg)
		return
	}
	var req shopapi.WorkflowTransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !notLiteralNull(req.EntityID) {
		writeError(w, http.StatusBadRequest, "entityId must not be null/undefined")
		return
	}
	actor := actorFor(p, r)
	if req.CompanyID != "" {
		actor.Tenant = req.CompanyID
	}
	out, err := fn(r.Context(), actor, req.EntityID, req.To)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shopapi.WorkflowTransitionResponse{
		Success: out.Result == "allowed" || out.Result == "gate_completed",
		Graph:   out.Graph,
		From:    out.From,
		To:      out.To,
		Result:  out.Result,
		Reason:  out.Reason,
		Missing: out.Missing,
	})
}

func (s *Server) handlePipelineRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	p, status, msg := s.auth.authorize(r)
	if status != http.StatusOK {
		writeError(w, status, msg)
		return
	}
	var req shopapi.GateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	created, err := s.workflows.CompleteGate(r.Context(), actorFor(p, r), req.EntityID, req.Kind)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shopapi.GateRecordResponse{Success: true, Created: created})
}

func (s *Server) handleTransitionLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	p, status, msg := s.auth.authorize(r)
	if status != http.StatusOK {
		writeError(w, status, msg)
		return
	}
	if p.role != RoleAdmin && p.role != RoleOffice && p.role != RoleViewer && p.role != RoleWorkshop {
		writeError(w, http.StatusForbidden, "insufficient role")
		return
	}
	q := r.URL.Query()
	query := state.TransitionLogQuery{
		Limit:    parseIntParam(q.Get("limit"), 50),
		Offset:   parseIntParam(q.Get("offset"), 0),
		Graph:    q.Get("graph"),
		EntityID: q.Get("entityId"),
		Result:   q.Get("result"),
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			query.From = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			query.To = t
		}
	}
	entries, err := s.store.ListTransitionLog(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if q.Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"id", "created_at", "graph", "entity_id", "from_state", "to_state", "result", "block_reason_code", "block_reason_detail", "triggered_by", "user_id"})
		for _, e := range entries {
			_ = cw.Write([]string{
				strconv.FormatInt(e.ID, 10),
				e.CreatedAt.Format(time.RFC3339),
				e.Graph, e.EntityID, e.FromState, e.ToState, e.Result,
				e.BlockReasonCode, e.BlockReasonDetail, e.TriggeredBy, e.UserID,
			})
		}
		cw.Flush()
		return
	}
	out := make([]shopapi.TransitionLogEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, shopapi.TransitionLogEntry{
			ID:                e.ID,
			EntityID:          e.EntityID,
			Tenant:            e.Tenant,
			Graph:             e.Graph,
			FromState:         e.FromState,
			ToState:           e.ToState,
			Result:            e.Result,
			BlockReasonCode:   e.BlockReasonCode,
			BlockReasonDetail: e.BlockReasonDetail,
			TriggeredBy:       e.TriggeredBy,
			UserID:            e.UserID,
			CreatedAt:         e.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, shopapi.ListTransitionLogResponse{
		Returned: len(out),
		Limit:    query.Limit,
		Offset:   query.Offset,
		Entries:  out,
	})
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	p, status, msg := s.auth.authorize(r)
	if status != http.StatusOK {
		writeError(w, status, msg)
		return
	}
	if p.role != RoleAdmin {
		writeError(w, http.StatusForbidden, "insufficient role")
		return
	}
	q := r.URL.Query()
	query := state.AuditQuery{
		Limit:  parseIntParam(q.Get("limit"), 50),
		Offset: parseIntParam(q.Get("offset"), 0),
		Action: q.Get("action"),
		Actor:  q.Get("actor"),
		Tenant: q.Get("tenant"),
		Result: q.Get("result"),
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			query.From = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			query.To = t
		}
	}
	events, err := s.store.ListAuditEvents(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]shopapi.AuditEvent, 0, len(events))
	for _, e := range events {
		out = append(out, shopapi.AuditEvent{
			ID:          e.ID,
			Action:      e.Action,
			Actor:       e.Actor,
			Tenant:      e.Tenant,
			RemoteAddr:  e.RemoteAddr,
			Resource:    e.Resource,
			PayloadHash: e.PayloadHash,
			PrevHash:    e.PrevHash,
			EventHash:   e.EventHash,
			Result:      e.Result,
			Details:     e.Details,
			CreatedAt:   e.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, shopapi.ListAuditEventsResponse{
		Returned: len(out),
		Limit:    query.Limit,
		Offset:   query.Offset,
		Events:   out,
	})
}

func parseIntParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// writeCodedError maps the dispatch error taxonomy onto HTTP statuses. Every
// body carries the stable reason code.
func writeCodedError(w http.ResponseWriter, err error) {
	coded, ok := dispatch.AsCoded(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusInternalServerError
	body := shopapi.ErrorResponse{Error: coded.Error(), Reason: coded.Code()}
	switch coded.Code() {
	case dispatch.CodeValidation:
		status = http.StatusBadRequest
	case dispatch.CodeForbidden:
		status = http.StatusForbidden
	case dispatch.CodeNotFound:
		status = http.StatusNotFound
	case dispatch.CodeConflict:
		status = http.StatusConflict
	case dispatch.CodeCapabilityViolation:
		status = http.StatusUnprocessableEntity
	case dispatch.CodeGateRequired:
		status = http.StatusConflict
		if g, ok := coded.(*dispatch.GateRequired); ok {
			body.Missing = g.Missing
		}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, shopapi.ErrorResponse{Error: msg})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		if sc := span.SpanContext(); sc.HasTraceID() {
			sw.Header().Set("X-Trace-ID", sc.TraceID().String())
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}
