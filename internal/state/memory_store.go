package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu           sync.Mutex
	machines     map[string]MachineRecord
	capabilities map[string]CapabilityRecord
	tasks        map[string]TaskRecord
	queueItems   map[string]QueueItemRecord
	runs         map[string]RunRecord
	wfStates     map[string]string
	wfRecords    map[string]WorkflowRecord
	transitions  []TransitionLogRecord
	audits       []AuditEventRecord
	nextTransID  int64
	nextAuditID  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		machines:     make(map[string]MachineRecord),
		capabilities: make(map[string]CapabilityRecord),
		tasks:        make(map[string]TaskRecord),
		queueItems:   make(map[string]QueueItemRecord),
		runs:         make(map[string]RunRecord),
		wfStates:     make(map[string]string),
		wfRecords:    make(map[string]WorkflowRecord),
		transitions:  make([]TransitionLogRecord, 0, 128),
		audits:       make([]AuditEventRecord, 0, 64),
		nextTransID:  1,
		nextAuditID:  1,
	}
}

func capabilityKey(machineID, process, materialCode string) string {
	return machineID + "|" + process + "|" + materialCode
}

func workflowStateKey(graph, entityID string) string {
	return graph + "|" + entityID
}

func workflowRecordKey(entityID, kind string) string {
	return entityID + "|" + kind
}

func (m *MemoryStore) CreateMachine(_ context.Context, rec MachineRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Version == 0 {
		rec.Version = 1
	}
	m.machines[rec.ID] = rec
	return nil
}

func (m *MemoryStore) GetMachine(_ context.Context, machineID string) (MachineRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.machines[machineID]
	return rec, ok, nil
}

func (m *MemoryStore) ListMachines(_ context.Context) ([]MachineRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MachineRecord, 0, len(m.machines))
	for _, rec := range m.machines {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) UpdateMachineCAS(_ context.Context, rec MachineRecord, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateMachineCASLocked(rec, expectedVersion)
}

func (m *MemoryStore) updateMachineCASLocked(rec MachineRecord, expectedVersion int64) error {
	current, ok := m.machines[rec.ID]
	if !ok || current.Version != expectedVersion {
		return ErrVersionConflict
	}
	rec.Version = expectedVersion + 1
	rec.CreatedAt = current.CreatedAt
	rec.UpdatedAt = time.Now().UTC()
	m.machines[rec.ID] = rec
	return nil
}

func (m *MemoryStore) UpsertCapability(_ context.Context, c CapabilityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capabilities[capabilityKey(c.MachineID, c.Process, c.MaterialCode)] = c
	return nil
}

func (m *MemoryStore) GetCapability(_ context.Context, machineID, process, materialCode string) (CapabilityRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.capabilities[capabilityKey(machineID, process, materialCode)]
	return c, ok, nil
}

func (m *MemoryStore) ListCapabilities(_ context.Context, machineID string) ([]CapabilityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CapabilityRecord, 0, 8)
	for _, c := range m.capabilities {
		if machineID != "" && c.MachineID != machineID {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MachineID != out[j].MachineID {
			return out[i].MachineID < out[j].MachineID
		}
		if out[i].Process != out[j].Process {
			return out[i].Process < out[j].Process
		}
		return out[i].MaterialCode < out[j].MaterialCode
	})
	return out, nil
}

func (m *MemoryStore) CreateTask(_ context.Context, t TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	m.tasks[t.ID] = t
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, taskID string) (TaskRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	return t, ok, nil
}

func (m *MemoryStore) UpdateTask(_ context.Context, t TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.UpdatedAt = time.Now().UTC()
	m.tasks[t.ID] = t
	return nil
}

func (m *MemoryStore) positionTakenLocked(machineID string, position int, excludeID string) bool {
	for _, q := range m.queueItems {
		if q.MachineID != machineID || q.ID == excludeID {
			continue
		}
		if q.Status == QueueItemCancelled {
			continue
		}
		if q.Position == position {
			return true
		}
	}
	return false
}

func (m *MemoryStore) CreateQueueItem(_ context.Context, q QueueItemRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q.Status != QueueItemCancelled && m.positionTakenLocked(q.MachineID, q.Position, q.ID) {
		return ErrPositionTaken
	}
	now := time.Now().UTC()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	q.UpdatedAt = now
	m.queueItems[q.ID] = q
	return nil
}

func (m *MemoryStore) GetQueueItem(_ context.Context, queueItemID string) (QueueItemRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queueItems[queueItemID]
	return q, ok, nil
}

func (m *MemoryStore) UpdateQueueItem(_ context.Context, q QueueItemRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q.Status != QueueItemCancelled && m.positionTakenLocked(q.MachineID, q.Position, q.ID) {
		return ErrPositionTaken
	}
	q.UpdatedAt = time.Now().UTC()
	m.queueItems[q.ID] = q
	return nil
}

func (m *MemoryStore) QueueItemsForMachine(_ context.Context, machineID string) ([]QueueItemRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]QueueItemRecord, 0, 8)
	for _, q := range m.queueItems {
		if q.MachineID != machineID || q.Status != QueueItemQueued {
			continue
		}
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *MemoryStore) ListQueueItems(_ context.Context) ([]QueueItemRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]QueueItemRecord, 0, len(m.queueItems))
	for _, q := range m.queueItems {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MachineID != out[j].MachineID {
			return out[i].MachineID < out[j].MachineID
		}
		return out[i].Position < out[j].Position
	})
	return out, nil
}

func (m *MemoryStore) MaxQueuePosition(_ context.Context, machineID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for _, q := range m.queueItems {
		if q.MachineID != machineID || q.Status == QueueItemCancelled {
			continue
		}
		if q.Position > max {
			max = q.Position
		}
	}
	return max, nil
}

func (m *MemoryStore) GetRun(_ context.Context, runID string) (RunRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	return r, ok, nil
}

func (m *MemoryStore) ActiveRunForMachine(_ context.Context, machineID string) (RunRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.MachineID == machineID && r.Status != RunCompleted {
			return r, true, nil
		}
	}
	return RunRecord{}, false, nil
}

func (m *MemoryStore) CommitRun(_ context.Context, commit RunCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// The machine CAS is the serialization point; check it before writing
	// anything so a conflict leaves no partial state behind.
	current, ok := m.machines[commit.Machine.ID]
	if !ok || current.Version != commit.ExpectedVersion {
		return ErrVersionConflict
	}
	if commit.QueueItem != nil {
		if commit.QueueItem.Status != QueueItemCancelled &&
			m.positionTakenLocked(commit.QueueItem.MachineID, commit.QueueItem.Position, commit.QueueItem.ID) {
			return ErrPositionTaken
		}
	}
	if err := m.updateMachineCASLocked(commit.Machine, commit.ExpectedVersion); err != nil {
		return err
	}
	m.runs[commit.Run.ID] = commit.Run
	now := time.Now().UTC()
	if commit.QueueItem != nil {
		q := *commit.QueueItem
		q.UpdatedAt = now
		m.queueItems[q.ID] = q
	}
	if commit.Task != nil {
		t := *commit.Task
		t.UpdatedAt = now
		m.tasks[t.ID] = t
	}
	return nil
}

func (m *MemoryStore) GetWorkflowState(_ context.Context, graph, entityID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.wfStates[workflowStateKey(graph, entityID)]
	return s, ok, nil
}

func (m *MemoryStore) SetWorkflowState(_ context.Context, graph, entityID, stateName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wfStates[workflowStateKey(graph, entityID)] = stateName
	return nil
}

func (m *MemoryStore) AddWorkflowRecord(_ context.Context, r WorkflowRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := workflowRecordKey(r.EntityID, r.Kind)
	if _, ok := m.wfRecords[key]; ok {
		return false, nil
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.wfRecords[key] = r
	return true, nil
}

func (m *MemoryStore) HasWorkflowRecord(_ context.Context, entityID, kind string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.wfRecords[workflowRecordKey(entityID, kind)]
	return ok, nil
}

func (m *MemoryStore) AppendTransitionLog(_ context.Context, entry TransitionLogRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.ID = m.nextTransID
	m.nextTransID++
	m.transitions = append(m.transitions, entry)
	return nil
}

func (m *MemoryStore) ListTransitionLog(_ context.Context, query TransitionLogQuery) ([]TransitionLogRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := query.Limit
	offset := query.Offset
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	filtered := make([]TransitionLogRecord, 0, len(m.transitions))
	for _, e := range m.transitions {
		if query.Graph != "" && e.Graph != query.Graph {
			continue
		}
		if query.EntityID != "" && e.EntityID != query.EntityID {
			continue
		}
		if query.Result != "" && e.Result != query.Result {
			continue
		}
		if !query.From.IsZero() && e.CreatedAt.Before(query.From) {
			continue
		}
		if !query.To.IsZero() && e.CreatedAt.After(query.To) {
			continue
		}
		filtered = append(filtered, e)
	}
	// Newest first for operator-facing endpoint; page after reversing so
	// limit/offset walk back from the most recent entry.
	out := make([]TransitionLogRecord, 0, limit)
	for i := len(filtered) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, filtered[i])
	}
	return out, nil
}

func (m *MemoryStore) AppendAuditEvent(_ context.Context, event AuditEventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if len(m.audits) > 0 {
		event.PrevHash = m.audits[len(m.audits)-1].EventHash
	}
	event.EventHash = computeAuditHash(event)
	event.ID = m.nextAuditID
	m.nextAuditID++
	m.audits = append(m.audits, event)
	return nil
}

func (m *MemoryStore) ListAuditEvents(_ context.Context, query AuditQuery) ([]AuditEventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := query.Limit
	offset := query.Offset
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	filtered := make([]AuditEventRecord, 0, len(m.audits))
	for _, a := range m.audits {
		if query.Action != "" && a.Action != query.Action {
			continue
		}
		if query.Actor != "" && a.Actor != query.Actor {
			continue
		}
		if query.Tenant != "" && a.Tenant != query.Tenant {
			continue
		}
		if query.Result != "" && a.Result != query.Result {
			continue
		}
		if !query.From.IsZero() && a.CreatedAt.Before(query.From) {
			continue
		}
		if !query.To.IsZero() && a.CreatedAt.After(query.To) {
			continue
		}
		filtered = append(filtered, a)
	}
	out := make([]AuditEventRecord, 0, limit)
	for i := len(filtered) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, filtered[i])
	}
	return out, nil
}

func computeAuditHash(event AuditEventRecord) string {
	payload := map[string]any{
		"action":       event.Action,
		"actor":        event.Actor,
		"tenant":       event.Tenant,
		"remote_addr":  event.RemoteAddr,
		"resource":     event.Resource,
		"payload_hash": event.PayloadHash,
		"prev_hash":    event.PrevHash,
		"result":       event.Result,
		"details":      event.Details,
		"created_at":   event.CreatedAt.UnixNano(),
	}
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
