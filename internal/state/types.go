package state

import "time"

// Machine status values. A machine mirrors its active run where one exists;
// paused is deliberately distinct from idle so a paused machine is never
// picked up by auto-dispatch.
const (
	MachineIdle    = "idle"
	MachineRunning = "running"
	MachinePaused  = "paused"
	MachineBlocked = "blocked"
	MachineDown    = "down"
)

const (
	RunRunning   = "running"
	RunPaused    = "paused"
	RunBlocked   = "blocked"
	RunCompleted = "completed"
)

const (
	TaskPending   = "pending"
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskCancelled = "cancelled"
)

const (
	QueueItemQueued    = "queued"
	QueueItemStarted   = "started"
	QueueItemCancelled = "cancelled"
)

type MachineRecord struct {
	ID           string
	Tenant       string
	Warehouse    string
	Type         string // cutter|bender|loader|other
	Status       string
	CurrentRunID string
	OperatorID   string
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type CapabilityRecord struct {
	MachineID      string
	Process        string
	MaterialCode   string
	MaxQtyPerBatch int
	MaxLength      float64 // 0 means unbounded
}

type TaskRecord struct {
	ID           string
	Tenant       string
	Type         string
	MaterialCode string
	Grade        string
	Priority     string
	Status       string
	QtyRequired  int
	QtyCompleted int
	ProjectID    string
	WorkOrderID  string
	BarListID    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type QueueItemRecord struct {
	ID        string
	TaskID    string
	MachineID string
	Position  int
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type RunRecord struct {
	ID           string
	MachineID    string
	Process      string
	MaterialCode string
	Qty          int
	TaskID       string
	WorkOrderID  string
	OperatorID   string
	SupervisorID string
	Status       string
	StartedAt    time.Time
	EndedAt      time.Time
	InputQty     int
	OutputQty    int
	ScrapQty     int
	Notes        string
}

// TransitionLogRecord is the append-only trail of guarded transition
// attempts. Never mutated or deleted once written.
type TransitionLogRecord struct {
	ID                int64
	EntityID          string
	Tenant            string
	Graph             string // machine_run|delivery_status|pipeline_stage
	FromState         string
	ToState           string
	Result            string // allowed|blocked|gate_completed
	BlockReasonCode   string
	BlockReasonDetail string
	TriggeredBy       string
	UserID            string
	CreatedAt         time.Time
}

type TransitionLogQuery struct {
	Limit    int
	Offset   int
	Graph    string
	EntityID string
	Result   string
	From     time.Time
	To       time.Time
}

// AuditEventRecord is the hash-chained security event record. Capability
// violations and admin actions land here, not in the transition log.
type AuditEventRecord struct {
	ID          int64
	Action      string
	Actor       string
	Tenant      string
	RemoteAddr  string
	Resource    string
	PayloadHash string
	PrevHash    string
	EventHash   string
	Result      string
	Details     string
	CreatedAt   time.Time
}

type AuditQuery struct {
	Limit  int
	Offset int
	Action string
	Actor  string
	Tenant string
	Result string
	From   time.Time
	To     time.Time
}

// WorkflowRecord marks a completed gate precondition for a business entity.
// Its presence, not its content, is what gate predicates check.
type WorkflowRecord struct {
	EntityID  string
	Kind      string // qualification|pricing|loss|outcome
	CreatedAt time.Time
}

// RunCommit is the atomic unit for every run-state mutation: the run row,
// the machine row guarded by its expected version, and optionally the queue
// item consumed and the task updated alongside. Either all rows commit or
// none do.
type RunCommit struct {
	Run             RunRecord
	CreateRun       bool
	Machine         MachineRecord
	ExpectedVersion int64
	QueueItem       *QueueItemRecord
	Task            *TaskRecord
}
