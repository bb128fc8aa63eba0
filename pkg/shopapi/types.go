package shopapi

import "time"

// Dispatch action envelope. Exactly one action per request; the optional
// fields that apply depend on the action.
type DispatchRequest struct {
	Action         string `json:"action"` // dispatch|start-task|move-task|get-queues
	TaskID         string `json:"taskId,omitempty"`
	QueueItemID    string `json:"queueItemId,omitempty"`
	TargetMachine  string `json:"targetMachineId,omitempty"`
	TargetPosition *int   `json:"targetPosition,omitempty"`
}

type DispatchResponse struct {
	Success     bool        `json:"success"`
	Action      string      `json:"action"`
	MachineID   string      `json:"machineId,omitempty"`
	RunID       string      `json:"machineRunId,omitempty"`
	QueueItemID string      `json:"queueItemId,omitempty"`
	Queued      bool        `json:"queued,omitempty"`
	Position    int         `json:"position,omitempty"`
	QueueItems  []QueueItem `json:"queueItems,omitempty"`
}

type QueueItem struct {
	QueueItemID  string `json:"queueItemId"`
	TaskID       string `json:"taskId"`
	MachineID    string `json:"machineId"`
	Position     int    `json:"position"`
	Status       string `json:"status"`
	TaskType     string `json:"taskType,omitempty"`
	MaterialCode string `json:"materialCode,omitempty"`
	QtyRequired  int    `json:"qtyRequired,omitempty"`
	QtyCompleted int    `json:"qtyCompleted,omitempty"`
	Priority     string `json:"priority,omitempty"`
}

// Machine management action envelope.
type MachineRequest struct {
	Action            string  `json:"action"` // update-status|assign-operator|start-run|start-queued-run|pause-run|block-run|complete-run
	MachineID         string  `json:"machineId"`
	Status            string  `json:"status,omitempty"`
	OperatorProfileID string  `json:"operatorProfileId,omitempty"`
	Process           string  `json:"process,omitempty"`
	WorkOrderID       string  `json:"workOrderId,omitempty"`
	Notes             string  `json:"notes,omitempty"`
	OutputQty         *int    `json:"outputQty,omitempty"`
	ScrapQty          *int    `json:"scrapQty,omitempty"`
	BarCode           string  `json:"barCode,omitempty"`
	Qty               *int    `json:"qty,omitempty"`
	Length            float64 `json:"length,omitempty"`
	RunID             string  `json:"runId,omitempty"`
	QueueItemID       string  `json:"queueItemId,omitempty"`
	TaskID            string  `json:"taskId,omitempty"`
}

type MachineResponse struct {
	Success       bool   `json:"success"`
	MachineID     string `json:"machineId"`
	Action        string `json:"action"`
	MachineRunID  string `json:"machineRunId,omitempty"`
	MachineStatus string `json:"machineStatus,omitempty"`
}

// Business workflow transition envelope (delivery status, pipeline stage).
type WorkflowTransitionRequest struct {
	EntityID  string `json:"entityId"`
	CompanyID string `json:"companyId,omitempty"`
	To        string `json:"to"`
}

type WorkflowTransitionResponse struct {
	Success bool     `json:"success"`
	Graph   string   `json:"graph"`
	From    string   `json:"from"`
	To      string   `json:"to"`
	Result  string   `json:"result"` // allowed|blocked|gate_completed
	Reason  string   `json:"reason,omitempty"`
	Missing []string `json:"missing,omitempty"`
}

type GateRecordRequest struct {
	EntityID string `json:"entityId"`
	Kind     string `json:"kind"` // qualification|pricing|loss|outcome
}

type GateRecordResponse struct {
	Success bool `json:"success"`
	Created bool `json:"created"`
}

type ErrorResponse struct {
	Error   string   `json:"error"`
	Reason  string   `json:"reason,omitempty"`
	Missing []string `json:"missing,omitempty"`
}

type TransitionLogEntry struct {
	ID               int64  `json:"id"`
	EntityID         string `json:"entityId"`
	Tenant           string `json:"tenant,omitempty"`
	Graph            string `json:"graph"`
	FromState        string `json:"fromState"`
	ToState          string `json:"toState"`
	Result           string `json:"result"`
	BlockReasonCode  string `json:"blockReasonCode,omitempty"`
	BlockReasonDetail string `json:"blockReasonDetail,omitempty"`
	TriggeredBy      string `json:"triggeredBy,omitempty"`
	UserID           string `json:"userId,omitempty"`
	CreatedAt        string `json:"createdAt"`
}

type ListTransitionLogResponse struct {
	Returned int                  `json:"returned"`
	Limit    int                  `json:"limit"`
	Offset   int                  `json:"offset"`
	Entries  []TransitionLogEntry `json:"entries"`
}

type AuditEvent struct {
	ID          int64  `json:"id"`
	Action      string `json:"action"`
	Actor       string `json:"actor"`
	Tenant      string `json:"tenant,omitempty"`
	RemoteAddr  string `json:"remote_addr,omitempty"`
	Resource    string `json:"resource,omitempty"`
	PayloadHash string `json:"payload_hash,omitempty"`
	PrevHash    string `json:"prev_hash,omitempty"`
	EventHash   string `json:"event_hash,omitempty"`
	Result      string `json:"result,omitempty"`
	Details     string `json:"details,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type ListAuditEventsResponse struct {
	Returned int          `json:"returned"`
	Limit    int          `json:"limit"`
	Offset   int          `json:"offset"`
	Events   []AuditEvent `json:"events"`
}

func RFC3339Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
