package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/shopfloor/internal/audit"
	"github.com/example/shopfloor/internal/capability"
	"github.com/example/shopfloor/internal/observability"
	"github.com/example/shopfloor/internal/state"
	"github.com/example/shopfloor/internal/transition"
)

// Actor is the pre-resolved caller identity handed down from the API layer.
// Role resolution happens upstream; the engine only enforces it.
type Actor struct {
	ID         string
	Role       string
	Tenant     string
	RemoteAddr string
}

// StartSpec carries everything needed to start a run directly on a machine.
type StartSpec struct {
	MachineID    string
	Process      string
	MaterialCode string
	Qty          int
	Length       float64
	WorkOrderID  string
	OperatorID   string
	TaskID       string
	Notes        string
}

// DispatchResult reports where a dispatched task landed: an immediately
// started run, or a queue slot.
type DispatchResult struct {
	Started   bool
	Queued    bool
	MachineID string
	Run       state.RunRecord
	QueueItem state.QueueItemRecord
}

// QueueEntry joins a queue item with its task summary for display.
type QueueEntry struct {
	Item state.QueueItemRecord
	Task state.TaskRecord
}

// Engine orchestrates run lifecycles, per-machine queues and dispatch.
// Every run-state change goes through the machine_run guard graph and is
// recorded on the transition log; capability violations additionally land on
// the security audit trail.
type Engine struct {
	store state.Store
	caps  *capability.Registry
	graph *transition.Graph
	sink  *audit.Sink
}

func NewEngine(store state.Store, caps *capability.Registry, sink *audit.Sink) *Engine {
	return &Engine{
		store: store,
		caps:  caps,
		graph: transition.MachineRunGraph(),
		sink:  sink,
	}
}

func (e *Engine) requireWorkshop(actor Actor, operation string) error {
	switch actor.Role {
	case "admin", "workshop":
		return nil
	default:
		return &Forbidden{Role: actor.Role, Operation: operation}
	}
}

func (e *Engine) logTransition(actor Actor, entityID, from, to string, o transition.Outcome) {
	entry := state.TransitionLogRecord{
		EntityID:    entityID,
		Tenant:      actor.Tenant,
		Graph:       transition.GraphMachineRun,
		FromState:   from,
		ToState:     to,
		TriggeredBy: actor.Role,
		UserID:      actor.ID,
		CreatedAt:   time.Now().UTC(),
	}
	switch o.Result {
	case transition.ResultGateRequired:
		entry.Result = transition.ResultBlocked
		entry.BlockReasonCode = transition.ReasonGateRequired
		entry.BlockReasonDetail = strings.Join(o.Missing, ",")
	case transition.ResultBlocked:
		entry.Result = transition.ResultBlocked
		entry.BlockReasonCode = o.Reason
	default:
		entry.Result = o.Result
	}
	e.sink.Record(entry)
}

func (e *Engine) recordViolation(ctx context.Context, actor Actor, resource string, violation *capability.Violation) {
	audit.RecordSecurityEvent(ctx, e.store, state.AuditEventRecord{
		Action:     "capability_violation",
		Actor:      actor.ID,
		Tenant:     actor.Tenant,
		RemoteAddr: actor.RemoteAddr,
		Resource:   resource,
		Result:     "denied",
		Details:    violation.Error(),
	})
}

func newRunID(machineID string, now time.Time) string {
	return fmt.Sprintf("run-%s-%d", machineID, now.UnixNano())
}

func newQueueItemID(taskID string, now time.Time) string {
	return fmt.Sprintf("qi-%s-%d", taskID, now.UnixNano())
}

// StartRun starts a run directly on a machine. The machine must be idle with
// no active run, and the (process, material, qty, length) must pass the
// capability check. Run creation, machine update and the optional task update
// commit atomically.
func (e *Engine) StartRun(ctx context.Context, actor Actor, spec StartSpec) (state.RunRecord, error) {
	ctx, span := observability.StartSpan(ctx, "dispatch.start_run",
		attribute.String("machine.id", spec.MachineID),
		attribute.String("process", spec.Process),
	)
	defer span.End()

	if err := e.requireWorkshop(actor, "start-run"); err != nil {
		return state.RunRecord{}, err
	}
	if strings.TrimSpace(spec.MachineID) == "" {
		return state.RunRecord{}, &ValidationError{Field: "machineId", Reason: "required"}
	}
	if spec.Qty < 0 {
		return state.RunRecord{}, &ValidationError{Field: "qty", Reason: "must be >= 0"}
	}
	run, err := e.startOnMachine(ctx, actor, spec)
	if err != nil {
		return state.RunRecord{}, err
	}
	observability.Default.IncCounter("runs_started_total", map[string]string{"source": "direct"}, 1)
	return run, nil
}

// startOnMachine is the shared start path for direct, queued and dispatched
// starts. queueItem, when set, is consumed (status started) in the same
// commit as the run creation.
func (e *Engine) startOnMachine(ctx context.Context, actor Actor, spec StartSpec) (state.RunRecord, error) {
	return e.startCommit(ctx, actor, spec, nil, nil)
}

func (e *Engine) startCommit(ctx context.Context, actor Actor, spec StartSpec, queueItem *state.QueueItemRecord, task *state.TaskRecord) (state.RunRecord, error) {
	machine, ok, err := e.store.GetMachine(ctx, spec.MachineID)
	if err != nil {
		return state.RunRecord{}, err
	}
	if !ok {
		return state.RunRecord{}, &NotFound{Resource: "machine", ID: spec.MachineID}
	}
	if machine.Status != state.MachineIdle {
		return state.RunRecord{}, &Conflict{Resource: "machine/" + machine.ID, Reason: "machine_not_idle"}
	}
	if _, active, err := e.store.ActiveRunForMachine(ctx, machine.ID); err != nil {
		return state.RunRecord{}, err
	} else if active {
		return state.RunRecord{}, &Conflict{Resource: "machine/" + machine.ID, Reason: "machine_not_idle"}
	}

	if err := e.caps.Validate(ctx, machine.ID, spec.Process, spec.MaterialCode, spec.Qty, spec.Length); err != nil {
		var violation *capability.Violation
		if errors.As(err, &violation) {
			e.recordViolation(ctx, actor, "machine/"+machine.ID, violation)
			return state.RunRecord{}, violation
		}
		return state.RunRecord{}, err
	}

	now := time.Now().UTC()
	outcome, err := e.graph.Apply(ctx, "", state.MachineIdle, state.RunRunning, nil)
	if err != nil {
		return state.RunRecord{}, err
	}
	run := state.RunRecord{
		ID:           newRunID(machine.ID, now),
		MachineID:    machine.ID,
		Process:      spec.Process,
		MaterialCode: spec.MaterialCode,
		Qty:          spec.Qty,
		TaskID:       spec.TaskID,
		WorkOrderID:  spec.WorkOrderID,
		OperatorID:   spec.OperatorID,
		Status:       state.RunRunning,
		StartedAt:    now,
		InputQty:     spec.Qty,
		Notes:        spec.Notes,
	}
	e.logTransition(actor, run.ID, state.MachineIdle, state.RunRunning, outcome)
	if !outcome.Committed() {
		return state.RunRecord{}, &Conflict{Resource: "machine/" + machine.ID, Reason: outcome.Reason}
	}

	updated := machine
	updated.Status = state.MachineRunning
	updated.CurrentRunID = run.ID
	if spec.OperatorID != "" {
		updated.OperatorID = spec.OperatorID
	}
	updated.UpdatedAt = now

	if queueItem != nil {
		qi := *queueItem
		qi.Status = state.QueueItemStarted
		qi.UpdatedAt = now
		queueItem = &qi
	}
	if task != nil {
		t := *task
		t.Status = state.TaskRunning
		t.UpdatedAt = now
		task = &t
	}
	err = e.store.CommitRun(ctx, state.RunCommit{
		Run:             run,
		CreateRun:       true,
		Machine:         updated,
		ExpectedVersion: machine.Version,
		QueueItem:       queueItem,
		Task:            task,
	})
	if errors.Is(err, state.ErrVersionConflict) {
		return state.RunRecord{}, &Conflict{Resource: "machine/" + machine.ID, Reason: "concurrent_update"}
	}
	if err != nil {
		return state.RunRecord{}, err
	}
	return run, nil
}

// StartQueuedRun starts the run for a specific queued item. The queue item is
// consumed in the same commit; capability is re-validated at start time.
func (e *Engine) StartQueuedRun(ctx context.Context, actor Actor, queueItemID string) (state.RunRecord, error) {
	ctx, span := observability.StartSpan(ctx, "dispatch.start_queued_run",
		attribute.String("queue_item.id", queueItemID),
	)
	defer span.End()

	if err := e.requireWorkshop(actor, "start-queued-run"); err != nil {
		return state.RunRecord{}, err
	}
	item, ok, err := e.store.GetQueueItem(ctx, queueItemID)
	if err != nil {
		return state.RunRecord{}, err
	}
	if !ok {
		return state.RunRecord{}, &NotFound{Resource: "queue item", ID: queueItemID}
	}
	if item.Status != state.QueueItemQueued {
		return state.RunRecord{}, &Conflict{Resource: "queue_item/" + item.ID, Reason: "not_queued"}
	}
	task, ok, err := e.store.GetTask(ctx, item.TaskID)
	if err != nil {
		return state.RunRecord{}, err
	}
	if !ok {
		return state.RunRecord{}, &NotFound{Resource: "task", ID: item.TaskID}
	}
	run, err := e.startCommit(ctx, actor, StartSpec{
		MachineID:    item.MachineID,
		Process:      task.Type,
		MaterialCode: task.MaterialCode,
		Qty:          task.QtyRequired - task.QtyCompleted,
		WorkOrderID:  task.WorkOrderID,
		TaskID:       task.ID,
	}, &item, &task)
	if err != nil {
		return state.RunRecord{}, err
	}
	observability.Default.IncCounter("runs_started_total", map[string]string{"source": "queue"}, 1)
	return run, nil
}

// PauseRun moves a run to paused. The machine reports paused as well, which
// keeps it out of dispatcher auto-selection until resumed.
func (e *Engine) PauseRun(ctx context.Context, actor Actor, runID, notes string) (state.RunRecord, error) {
	return e.transitionRun(ctx, actor, "pause-run", runID, state.RunPaused, state.MachinePaused, notes)
}

// BlockRun marks a run blocked pending operator intervention.
func (e *Engine) BlockRun(ctx context.Context, actor Actor, runID, notes string) (state.RunRecord, error) {
	return e.transitionRun(ctx, actor, "block-run", runID, state.RunBlocked, state.MachineBlocked, notes)
}

// ResumeRun returns a paused or blocked run to running.
func (e *Engine) ResumeRun(ctx context.Context, actor Actor, runID, notes string) (state.RunRecord, error) {
	return e.transitionRun(ctx, actor, "resume-run", runID, state.RunRunning, state.MachineRunning, notes)
}

func (e *Engine) transitionRun(ctx context.Context, actor Actor, operation, runID, runStatus, machineStatus, notes string) (state.RunRecord, error) {
	ctx, span := observability.StartSpan(ctx, "dispatch."+strings.ReplaceAll(operation, "-", "_"),
		attribute.String("run.id", runID),
	)
	defer span.End()

	if err := e.requireWorkshop(actor, operation); err != nil {
		return state.RunRecord{}, err
	}
	run, ok, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return state.RunRecord{}, err
	}
	if !ok {
		return state.RunRecord{}, &NotFound{Resource: "run", ID: runID}
	}
	machine, ok, err := e.store.GetMachine(ctx, run.MachineID)
	if err != nil {
		return state.RunRecord{}, err
	}
	if !ok {
		return state.RunRecord{}, &NotFound{Resource: "machine", ID: run.MachineID}
	}

	outcome, err := e.graph.Apply(ctx, run.ID, run.Status, runStatus, nil)
	if err != nil {
		return state.RunRecord{}, err
	}
	e.logTransition(actor, run.ID, run.Status, runStatus, outcome)
	if !outcome.Committed() {
		return state.RunRecord{}, &Conflict{Resource: "run/" + run.ID, Reason: outcome.Reason}
	}

	now := time.Now().UTC()
	run.Status = runStatus
	if notes != "" {
		run.Notes = notes
	}
	updated := machine
	updated.Status = machineStatus
	updated.UpdatedAt = now
	err = e.store.CommitRun(ctx, state.RunCommit{
		Run:             run,
		Machine:         updated,
		ExpectedVersion: machine.Version,
	})
	if errors.Is(err, state.ErrVersionConflict) {
		return state.RunRecord{}, &Conflict{Resource: "machine/" + machine.ID, Reason: "concurrent_update"}
	}
	if err != nil {
		return state.RunRecord{}, err
	}
	observability.Default.IncCounter("run_transitions_total", map[string]string{"to": runStatus}, 1)
	return run, nil
}

// CompleteRun finishes a run, credits the task's completed quantity, frees
// the machine and auto-starts the head of its queue when one is eligible.
func (e *Engine) CompleteRun(ctx context.Context, actor Actor, runID string, outputQty, scrapQty int, notes string) (state.RunRecord, error) {
	ctx, span := observability.StartSpan(ctx, "dispatch.complete_run",
		attribute.String("run.id", runID),
	)
	defer span.End()

	if err := e.requireWorkshop(actor, "complete-run"); err != nil {
		return state.RunRecord{}, err
	}
	if outputQty < 0 {
		return state.RunRecord{}, &ValidationError{Field: "outputQty", Reason: "must be >= 0"}
	}
	if scrapQty < 0 {
		return state.RunRecord{}, &ValidationError{Field: "scrapQty", Reason: "must be >= 0"}
	}
	run, ok, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return state.RunRecord{}, err
	}
	if !ok {
		return state.RunRecord{}, &NotFound{Resource: "run", ID: runID}
	}
	machine, ok, err := e.store.GetMachine(ctx, run.MachineID)
	if err != nil {
		return state.RunRecord{}, err
	}
	if !ok {
		return state.RunRecord{}, &NotFound{Resource: "machine", ID: run.MachineID}
	}

	outcome, err := e.graph.Apply(ctx, run.ID, run.Status, state.RunCompleted, nil)
	if err != nil {
		return state.RunRecord{}, err
	}
	e.logTransition(actor, run.ID, run.Status, state.RunCompleted, outcome)
	if !outcome.Committed() {
		return state.RunRecord{}, &Conflict{Resource: "run/" + run.ID, Reason: outcome.Reason}
	}

	now := time.Now().UTC()
	run.Status = state.RunCompleted
	run.EndedAt = now
	run.OutputQty = outputQty
	run.ScrapQty = scrapQty
	if notes != "" {
		run.Notes = notes
	}

	var taskUpdate *state.TaskRecord
	if run.TaskID != "" {
		task, ok, err := e.store.GetTask(ctx, run.TaskID)
		if err != nil {
			return state.RunRecord{}, err
		}
		if ok {
			task.QtyCompleted += outputQty
			if task.QtyCompleted >= task.QtyRequired {
				task.Status = state.TaskCompleted
			} else {
				task.Status = state.TaskPending
			}
			task.UpdatedAt = now
			taskUpdate = &task
		}
	}

	updated := machine
	updated.Status = state.MachineIdle
	updated.CurrentRunID = ""
	updated.UpdatedAt = now
	err = e.store.CommitRun(ctx, state.RunCommit{
		Run:             run,
		Machine:         updated,
		ExpectedVersion: machine.Version,
		Task:            taskUpdate,
	})
	if errors.Is(err, state.ErrVersionConflict) {
		return state.RunRecord{}, &Conflict{Resource: "machine/" + machine.ID, Reason: "concurrent_update"}
	}
	if err != nil {
		return state.RunRecord{}, err
	}
	observability.Default.IncCounter("runs_completed_total", nil, 1)

	e.autoStartNext(ctx, actor, machine.ID)
	return run, nil
}

// autoStartNext starts the lowest-position queued item after a completion.
// Best-effort: a capability or conflict failure leaves the item queued for
// an operator to resolve.
func (e *Engine) autoStartNext(ctx context.Context, actor Actor, machineID string) {
	item, ok, err := e.PopNext(ctx, machineID)
	if err != nil {
		observability.Default.IncCounter("auto_start_errors_total", nil, 1)
		return
	}
	if !ok {
		return
	}
	if _, err := e.StartQueuedRun(ctx, actor, item.ID); err != nil {
		observability.Default.IncCounter("auto_start_errors_total", nil, 1)
		return
	}
	observability.Default.IncCounter("auto_starts_total", nil, 1)
}

// Enqueue places a task on a machine's queue. Nil position appends at the
// tail; an explicit position must be free among non-cancelled items.
func (e *Engine) Enqueue(ctx context.Context, actor Actor, taskID, machineID string, position *int) (state.QueueItemRecord, error) {
	ctx, span := observability.StartSpan(ctx, "dispatch.enqueue",
		attribute.String("task.id", taskID),
		attribute.String("machine.id", machineID),
	)
	defer span.End()

	if err := e.requireWorkshop(actor, "enqueue"); err != nil {
		return state.QueueItemRecord{}, err
	}
	task, ok, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return state.QueueItemRecord{}, err
	}
	if !ok {
		return state.QueueItemRecord{}, &NotFound{Resource: "task", ID: taskID}
	}
	if _, ok, err := e.store.GetMachine(ctx, machineID); err != nil {
		return state.QueueItemRecord{}, err
	} else if !ok {
		return state.QueueItemRecord{}, &NotFound{Resource: "machine", ID: machineID}
	}
	if err := e.caps.Validate(ctx, machineID, task.Type, task.MaterialCode, task.QtyRequired-task.QtyCompleted, 0); err != nil {
		var violation *capability.Violation
		if errors.As(err, &violation) {
			e.recordViolation(ctx, actor, "machine/"+machineID, violation)
			return state.QueueItemRecord{}, violation
		}
		return state.QueueItemRecord{}, err
	}

	now := time.Now().UTC()
	pos := 0
	if position != nil {
		pos = *position
	} else {
		max, err := e.store.MaxQueuePosition(ctx, machineID)
		if err != nil {
			return state.QueueItemRecord{}, err
		}
		pos = max + 1
	}
	item := state.QueueItemRecord{
		ID:        newQueueItemID(taskID, now),
		TaskID:    taskID,
		MachineID: machineID,
		Position:  pos,
		Status:    state.QueueItemQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = e.store.CreateQueueItem(ctx, item)
	if errors.Is(err, state.ErrPositionTaken) {
		return state.QueueItemRecord{}, &ValidationError{Field: "targetPosition", Reason: "position_taken"}
	}
	if err != nil {
		return state.QueueItemRecord{}, err
	}
	if task.Status == state.TaskPending {
		task.Status = state.TaskQueued
		task.UpdatedAt = now
		if err := e.store.UpdateTask(ctx, task); err != nil {
			return state.QueueItemRecord{}, err
		}
	}
	observability.Default.IncCounter("queue_enqueued_total", map[string]string{"machine": machineID}, 1)
	return item, nil
}

// Move relocates a queued item, possibly across machines. Capability is
// re-validated against the target; a rejection leaves the item untouched.
// Replaying a move with identical arguments is a no-op.
func (e *Engine) Move(ctx context.Context, actor Actor, queueItemID, targetMachineID string, targetPosition *int) (state.QueueItemRecord, error) {
	ctx, span := observability.StartSpan(ctx, "dispatch.move",
		attribute.String("queue_item.id", queueItemID),
		attribute.String("machine.id", targetMachineID),
	)
	defer span.End()

	if err := e.requireWorkshop(actor, "move-task"); err != nil {
		return state.QueueItemRecord{}, err
	}
	item, ok, err := e.store.GetQueueItem(ctx, queueItemID)
	if err != nil {
		return state.QueueItemRecord{}, err
	}
	if !ok {
		return state.QueueItemRecord{}, &NotFound{Resource: "queue item", ID: queueItemID}
	}
	if item.Status != state.QueueItemQueued {
		return state.QueueItemRecord{}, &Conflict{Resource: "queue_item/" + item.ID, Reason: "not_queued"}
	}
	if targetMachineID == "" {
		targetMachineID = item.MachineID
	}
	if _, ok, err := e.store.GetMachine(ctx, targetMachineID); err != nil {
		return state.QueueItemRecord{}, err
	} else if !ok {
		return state.QueueItemRecord{}, &NotFound{Resource: "machine", ID: targetMachineID}
	}
	task, ok, err := e.store.GetTask(ctx, item.TaskID)
	if err != nil {
		return state.QueueItemRecord{}, err
	}
	if !ok {
		return state.QueueItemRecord{}, &NotFound{Resource: "task", ID: item.TaskID}
	}
	if err := e.caps.Validate(ctx, targetMachineID, task.Type, task.MaterialCode, task.QtyRequired-task.QtyCompleted, 0); err != nil {
		var violation *capability.Violation
		if errors.As(err, &violation) {
			e.recordViolation(ctx, actor, "machine/"+targetMachineID, violation)
			return state.QueueItemRecord{}, violation
		}
		return state.QueueItemRecord{}, err
	}

	pos := item.Position
	if targetPosition != nil {
		pos = *targetPosition
	} else if targetMachineID != item.MachineID {
		max, err := e.store.MaxQueuePosition(ctx, targetMachineID)
		if err != nil {
			return state.QueueItemRecord{}, err
		}
		pos = max + 1
	}
	if targetMachineID == item.MachineID && pos == item.Position {
		return item, nil
	}

	item.MachineID = targetMachineID
	item.Position = pos
	item.UpdatedAt = time.Now().UTC()
	err = e.store.UpdateQueueItem(ctx, item)
	if errors.Is(err, state.ErrPositionTaken) {
		return state.QueueItemRecord{}, &ValidationError{Field: "targetPosition", Reason: "position_taken"}
	}
	if err != nil {
		return state.QueueItemRecord{}, err
	}
	observability.Default.IncCounter("queue_moved_total", nil, 1)
	return item, nil
}

// PopNext returns the lowest-position queued item for a machine.
func (e *Engine) PopNext(ctx context.Context, machineID string) (state.QueueItemRecord, bool, error) {
	items, err := e.store.QueueItemsForMachine(ctx, machineID)
	if err != nil {
		return state.QueueItemRecord{}, false, err
	}
	if len(items) == 0 {
		return state.QueueItemRecord{}, false, nil
	}
	return items[0], true, nil
}

// CancelQueueItem removes a queued item from its machine's backlog.
func (e *Engine) CancelQueueItem(ctx context.Context, actor Actor, queueItemID string) error {
	if err := e.requireWorkshop(actor, "cancel-queue-item"); err != nil {
		return err
	}
	item, ok, err := e.store.GetQueueItem(ctx, queueItemID)
	if err != nil {
		return err
	}
	if !ok {
		return &NotFound{Resource: "queue item", ID: queueItemID}
	}
	if item.Status != state.QueueItemQueued {
		return &Conflict{Resource: "queue_item/" + item.ID, Reason: "not_queued"}
	}
	item.Status = state.QueueItemCancelled
	item.UpdatedAt = time.Now().UTC()
	return e.store.UpdateQueueItem(ctx, item)
}

// Dispatch resolves a target machine for a task. Selection policy: the first
// capability-matching idle machine in creation order starts the run
// immediately; with no idle candidate the task is enqueued on the matching
// machine with the shortest queue. A start lost to a concurrent update falls
// back to enqueue instead of erroring.
func (e *Engine) Dispatch(ctx context.Context, actor Actor, taskID string) (DispatchResult, error) {
	ctx, span := observability.StartSpan(ctx, "dispatch.dispatch",
		attribute.String("task.id", taskID),
	)
	defer span.End()

	if err := e.requireWorkshop(actor, "dispatch"); err != nil {
		return DispatchResult{}, err
	}
	task, ok, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return DispatchResult{}, err
	}
	if !ok {
		return DispatchResult{}, &NotFound{Resource: "task", ID: taskID}
	}
	qty := task.QtyRequired - task.QtyCompleted

	candidates, err := e.caps.MachinesFor(ctx, task.Type, task.MaterialCode)
	if err != nil {
		return DispatchResult{}, err
	}
	machines, err := e.store.ListMachines(ctx)
	if err != nil {
		return DispatchResult{}, err
	}

	// Eligible machines in creation order whose capability row admits the
	// task's quantity. A row that matches the process and material but
	// rejects the quantity is kept so the caller sees the real reason when
	// nothing qualifies.
	eligible := make([]state.MachineRecord, 0, len(candidates))
	var rejected *capability.Violation
	for _, m := range machines {
		if _, ok := candidates[m.ID]; !ok {
			continue
		}
		if err := e.caps.Validate(ctx, m.ID, task.Type, task.MaterialCode, qty, 0); err != nil {
			var violation *capability.Violation
			if errors.As(err, &violation) && rejected == nil && violation.Reason != capability.ReasonNoMatch {
				rejected = violation
			}
			continue
		}
		eligible = append(eligible, m)
	}
	if len(eligible) == 0 {
		if rejected != nil {
			e.recordViolation(ctx, actor, "machine/"+rejected.MachineID, rejected)
			return DispatchResult{}, rejected
		}
		violation := &capability.Violation{
			Process:      task.Type,
			MaterialCode: task.MaterialCode,
			Reason:       capability.ReasonNoMatch,
		}
		e.recordViolation(ctx, actor, "task/"+task.ID, violation)
		return DispatchResult{}, violation
	}

	for _, m := range eligible {
		if m.Status != state.MachineIdle {
			continue
		}
		run, err := e.startCommit(ctx, actor, StartSpec{
			MachineID:    m.ID,
			Process:      task.Type,
			MaterialCode: task.MaterialCode,
			Qty:          qty,
			WorkOrderID:  task.WorkOrderID,
			TaskID:       task.ID,
		}, nil, &task)
		if err == nil {
			observability.Default.IncCounter("runs_started_total", map[string]string{"source": "dispatch"}, 1)
			return DispatchResult{Started: true, MachineID: m.ID, Run: run}, nil
		}
		var conflict *Conflict
		if errors.As(err, &conflict) {
			// Lost the race for this machine; the remaining candidates
			// or the queue path absorb it.
			continue
		}
		return DispatchResult{}, err
	}

	// No idle machine: shortest queue among eligible machines, creation
	// order breaking ties.
	target := eligible[0]
	best := -1
	for _, m := range eligible {
		items, err := e.store.QueueItemsForMachine(ctx, m.ID)
		if err != nil {
			return DispatchResult{}, err
		}
		if best == -1 || len(items) < best {
			best = len(items)
			target = m
		}
	}
	item, err := e.Enqueue(ctx, actor, task.ID, target.ID, nil)
	if err != nil {
		return DispatchResult{}, err
	}
	return DispatchResult{Queued: true, MachineID: target.ID, QueueItem: item}, nil
}

// GetQueues returns queue items joined with task summaries, ordered by
// machine then position. An empty machineID returns every machine's queue.
func (e *Engine) GetQueues(ctx context.Context, machineID string) ([]QueueEntry, error) {
	var items []state.QueueItemRecord
	var err error
	if machineID != "" {
		items, err = e.store.QueueItemsForMachine(ctx, machineID)
	} else {
		items, err = e.store.ListQueueItems(ctx)
	}
	if err != nil {
		return nil, err
	}
	out := make([]QueueEntry, 0, len(items))
	for _, item := range items {
		if item.Status != state.QueueItemQueued {
			continue
		}
		entry := QueueEntry{Item: item}
		if task, ok, err := e.store.GetTask(ctx, item.TaskID); err != nil {
			return nil, err
		} else if ok {
			entry.Task = task
		}
		out = append(out, entry)
	}
	return out, nil
}

// UpdateMachineStatus sets a machine's status directly, for administrative
// state like down for maintenance. Machines with an active run refuse a
// manual override; the run lifecycle owns them.
func (e *Engine) UpdateMachineStatus(ctx context.Context, actor Actor, machineID, status string) (state.MachineRecord, error) {
	if err := e.requireWorkshop(actor, "update-status"); err != nil {
		return state.MachineRecord{}, err
	}
	switch status {
	case state.MachineIdle, state.MachineDown:
	default:
		return state.MachineRecord{}, &ValidationError{Field: "status", Reason: "must be idle or down"}
	}
	machine, ok, err := e.store.GetMachine(ctx, machineID)
	if err != nil {
		return state.MachineRecord{}, err
	}
	if !ok {
		return state.MachineRecord{}, &NotFound{Resource: "machine", ID: machineID}
	}
	if machine.CurrentRunID != "" {
		return state.MachineRecord{}, &Conflict{Resource: "machine/" + machine.ID, Reason: "active_run"}
	}
	expected := machine.Version
	machine.Status = status
	machine.UpdatedAt = time.Now().UTC()
	err = e.store.UpdateMachineCAS(ctx, machine, expected)
	if errors.Is(err, state.ErrVersionConflict) {
		return state.MachineRecord{}, &Conflict{Resource: "machine/" + machine.ID, Reason: "concurrent_update"}
	}
	if err != nil {
		return state.MachineRecord{}, err
	}
	return machine, nil
}

// AssignOperator attaches an operator profile to a machine.
func (e *Engine) AssignOperator(ctx context.Context, actor Actor, machineID, operatorID string) (state.MachineRecord, error) {
	if err := e.requireWorkshop(actor, "assign-operator"); err != nil {
		return state.MachineRecord{}, err
	}
	if strings.TrimSpace(operatorID) == "" {
		return state.MachineRecord{}, &ValidationError{Field: "operatorProfileId", Reason: "required"}
	}
	machine, ok, err := e.store.GetMachine(ctx, machineID)
	if err != nil {
		return state.MachineRecord{}, err
	}
	if !ok {
		return state.MachineRecord{}, &NotFound{Resource: "machine", ID: machineID}
	}
	expected := machine.Version
	machine.OperatorID = operatorID
	machine.UpdatedAt = time.Now().UTC()
	err = e.store.UpdateMachineCAS(ctx, machine, expected)
	if errors.Is(err, state.ErrVersionConflict) {
		return state.MachineRecord{}, &Conflict{Resource: "machine/" + machine.ID, Reason: "concurrent_update"}
	}
	if err != nil {
		return state.MachineRecord{}, err
	}
	return machine, nil
}
