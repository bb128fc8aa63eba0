package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/shopfloor/internal/audit"
	"github.com/example/shopfloor/internal/capability"
	"github.com/example/shopfloor/internal/dispatch"
	"github.com/example/shopfloor/internal/state"
	"github.com/example/shopfloor/internal/transition"
	"github.com/example/shopfloor/internal/workflow"
	"github.com/example/shopfloor/pkg/shopapi"
)

func newTestServer(t *testing.T) (*Server, state.Store) {
	t.Helper()
	t.Setenv("SHOPFLOOR_API_TOKENS", "")
	store := state.NewMemoryStore()
	ctx := context.Background()

	machines := []state.MachineRecord{
		{ID: "cutter-1", Tenant: "acme", Type: "cutter", Status: state.MachineIdle, CreatedAt: time.Now().UTC()},
		{ID: "bender-1", Tenant: "acme", Type: "bender", Status: state.MachineIdle, CreatedAt: time.Now().UTC().Add(time.Second)},
	}
	for _, m := range machines {
		if err := store.CreateMachine(ctx, m); err != nil {
			t.Fatalf("create machine: %v", err)
		}
	}
	caps := []state.CapabilityRecord{
		{MachineID: "cutter-1", Process: "cut", MaterialCode: "10M", MaxQtyPerBatch: 50},
		{MachineID: "bender-1", Process: "bend", MaterialCode: "10M", MaxQtyPerBatch: 40},
	}
	for _, c := range caps {
		if err := store.UpsertCapability(ctx, c); err != nil {
			t.Fatalf("seed capability: %v", err)
		}
	}

	sink := audit.NewSink(store, 64)
	t.Cleanup(func() { _ = sink.Close(context.Background()) })
	engine := dispatch.NewEngine(store, capability.NewRegistry(store), sink)
	graphs := transition.NewRegistry(
		transition.DeliveryStatusGraph(),
		transition.DefaultPipelineGraph(),
	)
	workflows := workflow.NewEngine(store, graphs, sink)
	return NewServer(engine, workflows, store), store
}

func createTask(t *testing.T, store state.Store, id string, qty int) {
	t.Helper()
	err := store.CreateTask(context.Background(), state.TaskRecord{
		ID:           id,
		Tenant:       "acme",
		Type:         "cut",
		MaterialCode: "10M",
		Status:       state.TaskPending,
		QtyRequired:  qty,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
}

func doRequest(t *testing.T, h http.Handler, method, path, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if role != "" {
		req.Header.Set("X-Shopfloor-Role", role)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
}

func TestDispatchEndpointStartsRun(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()
	createTask(t, store, "task-1", 30)

	rec := doRequest(t, h, http.MethodPost, "/v1/dispatch", "workshop", shopapi.DispatchRequest{
		Action: "dispatch",
		TaskID: "task-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var resp shopapi.DispatchResponse
	decodeJSON(t, rec, &resp)
	if !resp.Success || resp.MachineID != "cutter-1" || resp.RunID == "" || resp.Queued {
		t.Fatalf("response %+v", resp)
	}
	m, _, _ := store.GetMachine(context.Background(), "cutter-1")
	if m.Status != state.MachineRunning {
		t.Fatalf("machine status %q", m.Status)
	}
}

func TestDispatchEndpointQueuesWhenBusy(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()
	createTask(t, store, "task-1", 30)
	createTask(t, store, "task-2", 20)

	rec := doRequest(t, h, http.MethodPost, "/v1/dispatch", "workshop", shopapi.DispatchRequest{Action: "dispatch", TaskID: "task-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("first dispatch: %d %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, h, http.MethodPost, "/v1/dispatch", "workshop", shopapi.DispatchRequest{Action: "dispatch", TaskID: "task-2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("second dispatch: %d %s", rec.Code, rec.Body.String())
	}
	var resp shopapi.DispatchResponse
	decodeJSON(t, rec, &resp)
	if !resp.Queued || resp.QueueItemID == "" || resp.Position != 1 {
		t.Fatalf("expected queued at position 1, got %+v", resp)
	}

	rec = doRequest(t, h, http.MethodPost, "/v1/dispatch", "viewer", shopapi.DispatchRequest{Action: "get-queues", TargetMachine: "cutter-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("get-queues: %d %s", rec.Code, rec.Body.String())
	}
	var queues shopapi.DispatchResponse
	decodeJSON(t, rec, &queues)
	if len(queues.QueueItems) != 1 {
		t.Fatalf("queue items %+v", queues.QueueItems)
	}
	item := queues.QueueItems[0]
	if item.TaskID != "task-2" || item.MaterialCode != "10M" || item.QtyRequired != 20 {
		t.Fatalf("queue item %+v", item)
	}
}

func TestDispatchRejectsLiteralNullIdentifiers(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	rec := doRequest(t, h, http.MethodPost, "/v1/dispatch", "workshop", shopapi.DispatchRequest{
		Action: "dispatch",
		TaskID: "null",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, h, http.MethodPost, "/v1/dispatch", "workshop", shopapi.DispatchRequest{
		Action:        "move-task",
		QueueItemID:   "qi-1",
		TargetMachine: "undefined",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestMachinesRejectsNegativeQuantities(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	neg := -5
	rec := doRequest(t, h, http.MethodPost, "/v1/machines", "workshop", shopapi.MachineRequest{
		Action:    "start-run",
		MachineID: "cutter-1",
		Process:   "cut",
		BarCode:   "10M",
		Qty:       &neg,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var errResp shopapi.ErrorResponse
	decodeJSON(t, rec, &errResp)
	if !strings.Contains(errResp.Error, "qty") {
		t.Fatalf("error %+v", errResp)
	}
}

func TestOfficeRoleForbiddenOnMachineMutations(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	qty := 10
	rec := doRequest(t, h, http.MethodPost, "/v1/machines", "office", shopapi.MachineRequest{
		Action:    "start-run",
		MachineID: "cutter-1",
		Process:   "cut",
		BarCode:   "10M",
		Qty:       &qty,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var errResp shopapi.ErrorResponse
	decodeJSON(t, rec, &errResp)
	if errResp.Reason != dispatch.CodeForbidden {
		t.Fatalf("reason %q", errResp.Reason)
	}
}

func TestCapabilityViolationMapsTo422(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	qty := 500
	rec := doRequest(t, h, http.MethodPost, "/v1/machines", "workshop", shopapi.MachineRequest{
		Action:    "start-run",
		MachineID: "cutter-1",
		Process:   "cut",
		BarCode:   "10M",
		Qty:       &qty,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var errResp shopapi.ErrorResponse
	decodeJSON(t, rec, &errResp)
	if errResp.Reason != dispatch.CodeCapabilityViolation {
		t.Fatalf("reason %q", errResp.Reason)
	}
}

func TestPipelineGateRequiredMapsTo409WithMissing(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	rec := doRequest(t, h, http.MethodPost, "/v1/workflows/pipeline", "office", shopapi.WorkflowTransitionRequest{
		EntityID: "lead-1",
		To:       "qualified",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var errResp shopapi.ErrorResponse
	decodeJSON(t, rec, &errResp)
	if errResp.Reason != dispatch.CodeGateRequired {
		t.Fatalf("reason %q", errResp.Reason)
	}
	if len(errResp.Missing) != 1 || errResp.Missing[0] != transition.GateQualification {
		t.Fatalf("missing %v", errResp.Missing)
	}

	rec = doRequest(t, h, http.MethodPost, "/v1/workflows/pipeline/records", "office", shopapi.GateRecordRequest{
		EntityID: "lead-1",
		Kind:     transition.GateQualification,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("gate record: %d %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, h, http.MethodPost, "/v1/workflows/pipeline", "office", shopapi.WorkflowTransitionRequest{
		EntityID: "lead-1",
		To:       "qualified",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("resubmit: %d %s", rec.Code, rec.Body.String())
	}
	var resp shopapi.WorkflowTransitionResponse
	decodeJSON(t, rec, &resp)
	if !resp.Success || resp.Result != "gate_completed" {
		t.Fatalf("response %+v", resp)
	}
}

func TestDeliveryTransitionEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	rec := doRequest(t, h, http.MethodPost, "/v1/workflows/delivery", "office", shopapi.WorkflowTransitionRequest{
		EntityID: "order-1",
		To:       "in-transit",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var resp shopapi.WorkflowTransitionResponse
	decodeJSON(t, rec, &resp)
	if !resp.Success || resp.From != "pending" || resp.To != "in-transit" {
		t.Fatalf("response %+v", resp)
	}
}

func TestTransitionLogEndpointJSONAndCSV(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := store.AppendTransitionLog(ctx, state.TransitionLogRecord{
			EntityID:  "run-1",
			Graph:     "machine_run",
			FromState: "running",
			ToState:   "paused",
			Result:    "allowed",
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	rec := doRequest(t, h, http.MethodGet, "/v1/admin/transitions?limit=2", "viewer", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var resp shopapi.ListTransitionLogResponse
	decodeJSON(t, rec, &resp)
	if resp.Returned != 2 || resp.Limit != 2 || len(resp.Entries) != 2 {
		t.Fatalf("response %+v", resp)
	}
	if resp.Entries[0].ID <= resp.Entries[1].ID {
		t.Fatalf("not newest first: %+v", resp.Entries)
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/admin/transitions?format=csv", "viewer", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("csv status %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("content type %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("csv lines %d: %q", len(lines), rec.Body.String())
	}
	if !strings.HasPrefix(lines[0], "id,created_at,graph") {
		t.Fatalf("csv header %q", lines[0])
	}
}

func TestAuditEndpointAdminOnly(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()
	audit.RecordSecurityEvent(context.Background(), store, state.AuditEventRecord{
		Action: "capability_violation",
		Actor:  "user-1",
		Result: "denied",
	})

	rec := doRequest(t, h, http.MethodGet, "/v1/admin/audit", "office", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("office status %d", rec.Code)
	}
	rec = doRequest(t, h, http.MethodGet, "/v1/admin/audit", "admin", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin status %d body %s", rec.Code, rec.Body.String())
	}
	var resp shopapi.ListAuditEventsResponse
	decodeJSON(t, rec, &resp)
	if resp.Returned != 1 || resp.Events[0].Action != "capability_violation" {
		t.Fatalf("response %+v", resp)
	}
	if resp.Events[0].EventHash == "" {
		t.Fatalf("event hash missing: %+v", resp.Events[0])
	}
}

func TestBearerTokenAuth(t *testing.T) {
	t.Setenv("SHOPFLOOR_API_TOKENS", "secret-a:workshop,secret-b:viewer:acme")
	auth := newAuthorizerFromEnv()
	if !auth.enabled {
		t.Fatalf("authorizer should be enabled")
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/dispatch", nil)
	if _, status, _ := auth.authorize(req); status != http.StatusUnauthorized {
		t.Fatalf("missing token status %d", status)
	}
	req.Header.Set("Authorization", "Bearer nope")
	if _, status, _ := auth.authorize(req); status != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", status)
	}
	req.Header.Set("Authorization", "Bearer secret-b")
	p, status, _ := auth.authorize(req)
	if status != http.StatusOK || p.role != RoleViewer || p.tenant != "acme" {
		t.Fatalf("principal %+v status %d", p, status)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv.Handler(), http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp map[string]string
	decodeJSON(t, rec, &resp)
	if resp["status"] != "ok" {
		t.Fatalf("body %v", resp)
	}
}
