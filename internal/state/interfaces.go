package state

import (
	"context"
	"errors"
)

// ErrVersionConflict is returned by CommitRun and UpdateMachineCAS when the
// machine row changed since the caller read it. The caller re-reads and
// re-evaluates; it must not retry the commit blindly.
var ErrVersionConflict = errors.New("machine version conflict")

// ErrPositionTaken is returned when a queue item would share a position with
// another non-cancelled item on the same machine.
var ErrPositionTaken = errors.New("queue position already taken")

type Store interface {
	CreateMachine(ctx context.Context, m MachineRecord) error
	GetMachine(ctx context.Context, machineID string) (MachineRecord, bool, error)
	ListMachines(ctx context.Context) ([]MachineRecord, error)
	UpdateMachineCAS(ctx context.Context, m MachineRecord, expectedVersion int64) error

	UpsertCapability(ctx context.Context, c CapabilityRecord) error
	GetCapability(ctx context.Context, machineID, process, materialCode string) (CapabilityRecord, bool, error)
	ListCapabilities(ctx context.Context, machineID string) ([]CapabilityRecord, error)

	CreateTask(ctx context.Context, t TaskRecord) error
	GetTask(ctx context.Context, taskID string) (TaskRecord, bool, error)
	UpdateTask(ctx context.Context, t TaskRecord) error

	CreateQueueItem(ctx context.Context, q QueueItemRecord) error
	GetQueueItem(ctx context.Context, queueItemID string) (QueueItemRecord, bool, error)
	UpdateQueueItem(ctx context.Context, q QueueItemRecord) error
	QueueItemsForMachine(ctx context.Context, machineID string) ([]QueueItemRecord, error)
	ListQueueItems(ctx context.Context) ([]QueueItemRecord, error)
	MaxQueuePosition(ctx context.Context, machineID string) (int, error)

	GetRun(ctx context.Context, runID string) (RunRecord, bool, error)
	ActiveRunForMachine(ctx context.Context, machineID string) (RunRecord, bool, error)
	CommitRun(ctx context.Context, commit RunCommit) error

	GetWorkflowState(ctx context.Context, graph, entityID string) (string, bool, error)
	SetWorkflowState(ctx context.Context, graph, entityID, stateName string) error
	AddWorkflowRecord(ctx context.Context, r WorkflowRecord) (bool, error)
	HasWorkflowRecord(ctx context.Context, entityID, kind string) (bool, error)

	AppendTransitionLog(ctx context.Context, entry TransitionLogRecord) error
	ListTransitionLog(ctx context.Context, query TransitionLogQuery) ([]TransitionLogRecord, error)
	AppendAuditEvent(ctx context.Context, event AuditEventRecord) error
	ListAuditEvents(ctx context.Context, query AuditQuery) ([]AuditEventRecord, error)
}
