package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/shopfloor/internal/audit"
	"github.com/example/shopfloor/internal/capability"
	"github.com/example/shopfloor/internal/state"
)

var workshopActor = Actor{ID: "user-1", Role: "workshop", Tenant: "acme"}

func newTestEngine(t *testing.T) (*Engine, state.Store, *audit.Sink) {
	t.Helper()
	store := state.NewMemoryStore()
	seedFixture(t, store)
	sink := audit.NewSink(store, 64)
	t.Cleanup(func() { _ = sink.Close(context.Background()) })
	return NewEngine(store, capability.NewRegistry(store), sink), store, sink
}

func seedFixture(t *testing.T, store state.Store) {
	t.Helper()
	ctx := context.Background()
	machines := []state.MachineRecord{
		{ID: "cutter-1", Tenant: "acme", Type: "cutter", Status: state.MachineIdle, CreatedAt: time.Now().UTC().Add(-2 * time.Hour)},
		{ID: "cutter-2", Tenant: "acme", Type: "cutter", Status: state.MachineIdle, CreatedAt: time.Now().UTC().Add(-1 * time.Hour)},
		{ID: "bender-1", Tenant: "acme", Type: "bender", Status: state.MachineIdle, CreatedAt: time.Now().UTC()},
	}
	for _, m := range machines {
		if err := store.CreateMachine(ctx, m); err != nil {
			t.Fatalf("create machine: %v", err)
		}
	}
	caps := []state.CapabilityRecord{
		{MachineID: "cutter-1", Process: "cut", MaterialCode: "10M", MaxQtyPerBatch: 50},
		{MachineID: "cutter-2", Process: "cut", MaterialCode: "10M", MaxQtyPerBatch: 50},
		{MachineID: "bender-1", Process: "bend", MaterialCode: "10M", MaxQtyPerBatch: 40},
	}
	for _, c := range caps {
		if err := store.UpsertCapability(ctx, c); err != nil {
			t.Fatalf("seed capability: %v", err)
		}
	}
}

func createTask(t *testing.T, store state.Store, id string, qty int) state.TaskRecord {
	t.Helper()
	task := state.TaskRecord{
		ID:           id,
		Tenant:       "acme",
		Type:         "cut",
		MaterialCode: "10M",
		Status:       state.TaskPending,
		QtyRequired:  qty,
	}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestStartRunHappyPath(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	run, err := e.StartRun(ctx, workshopActor, StartSpec{
		MachineID: "cutter-1", Process: "cut", MaterialCode: "10M", Qty: 40,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if run.Status != state.RunRunning {
		t.Fatalf("run status %q", run.Status)
	}
	m, _, _ := store.GetMachine(ctx, "cutter-1")
	if m.Status != state.MachineRunning {
		t.Fatalf("machine status %q", m.Status)
	}
	if m.CurrentRunID != run.ID {
		t.Fatalf("current run %q want %q", m.CurrentRunID, run.ID)
	}
}

func TestStartRunSecondRunConflicts(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.StartRun(ctx, workshopActor, StartSpec{MachineID: "cutter-1", Process: "cut", MaterialCode: "10M", Qty: 10}); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err := e.StartRun(ctx, workshopActor, StartSpec{MachineID: "cutter-1", Process: "cut", MaterialCode: "10M", Qty: 10})
	var conflict *Conflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
	if conflict.Reason != "machine_not_idle" {
		t.Fatalf("reason %q", conflict.Reason)
	}
}

func TestCapabilityViolationLeavesStateUnchanged(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.StartRun(ctx, workshopActor, StartSpec{
		MachineID: "cutter-1", Process: "cut", MaterialCode: "10M", Qty: 60,
	})
	var violation *capability.Violation
	if !errors.As(err, &violation) {
		t.Fatalf("expected Violation, got %v", err)
	}
	if violation.Reason != capability.ReasonQtyExceedsMax {
		t.Fatalf("reason %q", violation.Reason)
	}
	m, _, _ := store.GetMachine(ctx, "cutter-1")
	if m.Status != state.MachineIdle || m.CurrentRunID != "" {
		t.Fatalf("machine mutated: %+v", m)
	}
	if _, active, _ := store.ActiveRunForMachine(ctx, "cutter-1"); active {
		t.Fatalf("run created despite violation")
	}
	events, err := store.ListAuditEvents(ctx, state.AuditQuery{Action: "capability_violation"})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 security event, got %d", len(events))
	}
	if events[0].Result != "denied" || events[0].EventHash == "" {
		t.Fatalf("event %+v", events[0])
	}
}

func TestForbiddenRoleRejectedBeforeStateAccess(t *testing.T) {
	e, store, sink := newTestEngine(t)
	ctx := context.Background()
	office := Actor{ID: "user-2", Role: "office"}

	ops := []func() error{
		func() error { _, err := e.StartRun(ctx, office, StartSpec{MachineID: "cutter-1"}); return err },
		func() error { _, err := e.Dispatch(ctx, office, "t1"); return err },
		func() error { _, err := e.Enqueue(ctx, office, "t1", "cutter-1", nil); return err },
		func() error { _, err := e.PauseRun(ctx, office, "r1", ""); return err },
		func() error { _, err := e.CompleteRun(ctx, office, "r1", 0, 0, ""); return err },
	}
	for i, op := range ops {
		err := op()
		var forbidden *Forbidden
		if !errors.As(err, &forbidden) {
			t.Fatalf("op %d: expected Forbidden, got %v", i, err)
		}
	}
	if err := sink.Close(ctx); err != nil {
		t.Fatalf("close sink: %v", err)
	}
	entries, _ := store.ListTransitionLog(ctx, state.TransitionLogQuery{})
	if len(entries) != 0 {
		t.Fatalf("forbidden calls must not log transitions, got %d", len(entries))
	}
}

func TestDispatchScenario(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()
	// One eligible cutter keeps the scenario deterministic.
	if _, err := e.UpdateMachineStatus(ctx, workshopActor, "cutter-2", state.MachineDown); err != nil {
		t.Fatalf("down cutter-2: %v", err)
	}
	first := createTask(t, store, "task-1", 40)
	second := createTask(t, store, "task-2", 10)

	res, err := e.Dispatch(ctx, workshopActor, first.ID)
	if err != nil {
		t.Fatalf("dispatch first: %v", err)
	}
	if !res.Started || res.MachineID != "cutter-1" {
		t.Fatalf("first dispatch: %+v", res)
	}

	res2, err := e.Dispatch(ctx, workshopActor, second.ID)
	if err != nil {
		t.Fatalf("dispatch second: %v", err)
	}
	if !res2.Queued || res2.QueueItem.Position != 1 {
		t.Fatalf("second dispatch should queue at position 1: %+v", res2)
	}

	if _, err := e.CompleteRun(ctx, workshopActor, res.Run.ID, 40, 0, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	doneTask, _, _ := store.GetTask(ctx, first.ID)
	if doneTask.QtyCompleted != 40 || doneTask.Status != state.TaskCompleted {
		t.Fatalf("task after complete: %+v", doneTask)
	}

	// Completing the first run auto-starts the queued successor.
	run, active, err := store.ActiveRunForMachine(ctx, "cutter-1")
	if err != nil {
		t.Fatalf("active run: %v", err)
	}
	if !active || run.TaskID != second.ID {
		t.Fatalf("expected auto-started run for task-2, got active=%v run=%+v", active, run)
	}
	item, _, _ := store.GetQueueItem(ctx, res2.QueueItem.ID)
	if item.Status != state.QueueItemStarted {
		t.Fatalf("queue item status %q", item.Status)
	}
	m, _, _ := store.GetMachine(ctx, "cutter-1")
	if m.Status != state.MachineRunning || m.CurrentRunID != run.ID {
		t.Fatalf("machine after auto-start: %+v", m)
	}
}

func TestDispatchFallsBackToShortestQueue(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	// Occupy both cutters.
	for _, id := range []string{"task-a", "task-b"} {
		createTask(t, store, id, 10)
		if _, err := e.Dispatch(ctx, workshopActor, id); err != nil {
			t.Fatalf("dispatch %s: %v", id, err)
		}
	}
	// Load cutter-1's queue so the next task prefers cutter-2.
	createTask(t, store, "task-c", 10)
	if _, err := e.Enqueue(ctx, workshopActor, "task-c", "cutter-1", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	createTask(t, store, "task-d", 10)
	res, err := e.Dispatch(ctx, workshopActor, "task-d")
	if err != nil {
		t.Fatalf("dispatch task-d: %v", err)
	}
	if !res.Queued || res.MachineID != "cutter-2" {
		t.Fatalf("expected enqueue on cutter-2, got %+v", res)
	}
}

func TestDispatchNoMatchingCapability(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()
	task := state.TaskRecord{ID: "weld-1", Type: "weld", MaterialCode: "10M", Status: state.TaskPending, QtyRequired: 5}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	_, err := e.Dispatch(ctx, workshopActor, task.ID)
	var violation *capability.Violation
	if !errors.As(err, &violation) {
		t.Fatalf("expected Violation, got %v", err)
	}
	if violation.Reason != capability.ReasonNoMatch {
		t.Fatalf("reason %q", violation.Reason)
	}
	events, _ := store.ListAuditEvents(ctx, state.AuditQuery{Action: "capability_violation"})
	if len(events) != 1 || events[0].Resource != "task/weld-1" {
		t.Fatalf("security events %+v", events)
	}
}

func TestDispatchQtyOverMaxReportsQtyViolation(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()
	// Both cutters match cut/10M but cap the batch at 50.
	task := createTask(t, store, "task-big", 60)

	_, err := e.Dispatch(ctx, workshopActor, task.ID)
	var violation *capability.Violation
	if !errors.As(err, &violation) {
		t.Fatalf("expected Violation, got %v", err)
	}
	if violation.Reason != capability.ReasonQtyExceedsMax {
		t.Fatalf("reason %q want %q", violation.Reason, capability.ReasonQtyExceedsMax)
	}
	if violation.MachineID != "cutter-1" {
		t.Fatalf("violation machine %q", violation.MachineID)
	}
	events, err := store.ListAuditEvents(ctx, state.AuditQuery{Action: "capability_violation"})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 security event, got %d", len(events))
	}
	if events[0].Resource != "machine/cutter-1" {
		t.Fatalf("event resource %q", events[0].Resource)
	}
	if _, active, _ := store.ActiveRunForMachine(ctx, "cutter-1"); active {
		t.Fatalf("run created despite violation")
	}
}

// conflictStore fails a fixed number of CommitRun calls with a version
// conflict, simulating another request winning the machine CAS race.
type conflictStore struct {
	state.Store
	conflicts int
}

func (s *conflictStore) CommitRun(ctx context.Context, commit state.RunCommit) error {
	if s.conflicts > 0 {
		s.conflicts--
		return state.ErrVersionConflict
	}
	return s.Store.CommitRun(ctx, commit)
}

func TestDispatchCASConflictFallsBackToEnqueue(t *testing.T) {
	inner := state.NewMemoryStore()
	seedFixture(t, inner)
	store := &conflictStore{Store: inner, conflicts: 2}
	sink := audit.NewSink(store, 64)
	t.Cleanup(func() { _ = sink.Close(context.Background()) })
	e := NewEngine(store, capability.NewRegistry(store), sink)
	ctx := context.Background()

	// Both idle cutters lose their commit; the task lands queued instead
	// of surfacing the conflict.
	createTask(t, inner, "task-1", 10)
	res, err := e.Dispatch(ctx, workshopActor, "task-1")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Started || !res.Queued {
		t.Fatalf("expected queued fallback, got %+v", res)
	}
	if res.MachineID != "cutter-1" {
		t.Fatalf("queued on %q want cutter-1", res.MachineID)
	}
	m, _, _ := inner.GetMachine(ctx, "cutter-1")
	if m.Status != state.MachineIdle || m.CurrentRunID != "" {
		t.Fatalf("machine mutated by lost race: %+v", m)
	}

	// A single lost race moves on to the next idle candidate.
	store.conflicts = 1
	createTask(t, inner, "task-2", 10)
	res2, err := e.Dispatch(ctx, workshopActor, "task-2")
	if err != nil {
		t.Fatalf("dispatch second: %v", err)
	}
	if !res2.Started || res2.MachineID != "cutter-2" {
		t.Fatalf("expected start on cutter-2 after one lost race, got %+v", res2)
	}
}

func TestEnqueuePositionsUnique(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()
	createTask(t, store, "task-1", 5)
	createTask(t, store, "task-2", 5)

	pos := 3
	if _, err := e.Enqueue(ctx, workshopActor, "task-1", "cutter-1", &pos); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	_, err := e.Enqueue(ctx, workshopActor, "task-2", "cutter-1", &pos)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Reason != "position_taken" {
		t.Fatalf("reason %q", verr.Reason)
	}

	// Tail append lands after the explicit slot.
	item, err := e.Enqueue(ctx, workshopActor, "task-2", "cutter-1", nil)
	if err != nil {
		t.Fatalf("tail enqueue: %v", err)
	}
	if item.Position != 4 {
		t.Fatalf("tail position %d want 4", item.Position)
	}
}

func TestMoveToNonCapableMachineRejected(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()
	createTask(t, store, "task-1", 5)
	item, err := e.Enqueue(ctx, workshopActor, "task-1", "cutter-1", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	_, err = e.Move(ctx, workshopActor, item.ID, "bender-1", nil)
	var violation *capability.Violation
	if !errors.As(err, &violation) {
		t.Fatalf("expected Violation, got %v", err)
	}
	after, _, _ := store.GetQueueItem(ctx, item.ID)
	if after.MachineID != "cutter-1" || after.Position != item.Position {
		t.Fatalf("item moved despite rejection: %+v", after)
	}
}

func TestMoveIdempotent(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()
	createTask(t, store, "task-1", 5)
	item, err := e.Enqueue(ctx, workshopActor, "task-1", "cutter-1", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	pos := item.Position
	moved, err := e.Move(ctx, workshopActor, item.ID, "cutter-1", &pos)
	if err != nil {
		t.Fatalf("replayed move: %v", err)
	}
	if moved.MachineID != item.MachineID || moved.Position != item.Position {
		t.Fatalf("replay changed item: %+v", moved)
	}
}

func TestPausedMachineNotDispatchEligible(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.UpdateMachineStatus(ctx, workshopActor, "cutter-2", state.MachineDown); err != nil {
		t.Fatalf("down cutter-2: %v", err)
	}
	run, err := e.StartRun(ctx, workshopActor, StartSpec{MachineID: "cutter-1", Process: "cut", MaterialCode: "10M", Qty: 10})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := e.PauseRun(ctx, workshopActor, run.ID, "lunch"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	m, _, _ := store.GetMachine(ctx, "cutter-1")
	if m.Status != state.MachinePaused {
		t.Fatalf("machine status %q want paused", m.Status)
	}

	createTask(t, store, "task-1", 5)
	res, err := e.Dispatch(ctx, workshopActor, "task-1")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Started {
		t.Fatalf("paused machine must not auto-start: %+v", res)
	}
}

func TestRunLifecycleTransitions(t *testing.T) {
	e, store, sink := newTestEngine(t)
	ctx := context.Background()
	run, err := e.StartRun(ctx, workshopActor, StartSpec{MachineID: "cutter-1", Process: "cut", MaterialCode: "10M", Qty: 10})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := e.BlockRun(ctx, workshopActor, run.ID, "jam"); err != nil {
		t.Fatalf("block: %v", err)
	}
	if _, err := e.ResumeRun(ctx, workshopActor, run.ID, ""); err != nil {
		t.Fatalf("resume: %v", err)
	}
	// paused -> completed is not an edge.
	if _, err := e.PauseRun(ctx, workshopActor, run.ID, ""); err != nil {
		t.Fatalf("pause: %v", err)
	}
	_, err = e.CompleteRun(ctx, workshopActor, run.ID, 10, 0, "")
	var conflict *Conflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected Conflict for paused->completed, got %v", err)
	}
	if _, err := e.ResumeRun(ctx, workshopActor, run.ID, ""); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := e.CompleteRun(ctx, workshopActor, run.ID, 10, 1, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := sink.Close(ctx); err != nil {
		t.Fatalf("close sink: %v", err)
	}
	entries, err := store.ListTransitionLog(ctx, state.TransitionLogQuery{Graph: "machine_run", EntityID: run.ID, Limit: 100})
	if err != nil {
		t.Fatalf("list transitions: %v", err)
	}
	// start, block, resume, pause, failed complete, resume, complete
	if len(entries) != 7 {
		t.Fatalf("expected 7 log entries, got %d", len(entries))
	}
	blocked := 0
	for _, entry := range entries {
		if entry.Result == "blocked" {
			blocked++
			if entry.BlockReasonCode != "transition_not_permitted" {
				t.Fatalf("blocked entry reason %q", entry.BlockReasonCode)
			}
		}
	}
	if blocked != 1 {
		t.Fatalf("expected 1 blocked entry, got %d", blocked)
	}
}

func TestUpdateMachineStatusGuards(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.UpdateMachineStatus(ctx, workshopActor, "cutter-1", "exploded"); err == nil {
		t.Fatalf("expected validation error for unknown status")
	}
	run, err := e.StartRun(ctx, workshopActor, StartSpec{MachineID: "cutter-1", Process: "cut", MaterialCode: "10M", Qty: 10})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = run
	_, err = e.UpdateMachineStatus(ctx, workshopActor, "cutter-1", state.MachineIdle)
	var conflict *Conflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected Conflict with active run, got %v", err)
	}
}

func TestCancelQueueItemFreesPosition(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()
	task := createTask(t, store, "task-cancel", 10)
	other := createTask(t, store, "task-other", 10)

	pos := 2
	item, err := e.Enqueue(ctx, workshopActor, task.ID, "cutter-1", &pos)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := e.CancelQueueItem(ctx, workshopActor, item.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// Cancel is not repeatable.
	var conflict *Conflict
	if err := e.CancelQueueItem(ctx, workshopActor, item.ID); !errors.As(err, &conflict) {
		t.Fatalf("expected Conflict on double cancel, got %v", err)
	}
	// The freed position is reusable.
	if _, err := e.Enqueue(ctx, workshopActor, other.ID, "cutter-1", &pos); err != nil {
		t.Fatalf("enqueue into freed position: %v", err)
	}
	if _, ok, err := e.PopNext(ctx, "cutter-1"); err != nil || !ok {
		t.Fatalf("pop next: ok=%v err=%v", ok, err)
	}
}
