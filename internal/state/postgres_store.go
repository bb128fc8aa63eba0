package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/example/shopfloor/db/migrations"
)

// PostgresStore is the durable Store. Queue position uniqueness and the
// single-active-run invariant are enforced by partial unique indexes; the
// machine version column carries the optimistic concurrency check.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	store := &PostgresStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := p.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// 23505 is the Postgres unique_violation code; pgx embeds it in the
	// error text when the driver error type is not unwrapped.
	return strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "duplicate key")
}

func (p *PostgresStore) CreateMachine(ctx context.Context, m MachineRecord) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.Version == 0 {
		m.Version = 1
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO machines (id, tenant, warehouse, type, status, current_run_id, operator_id, version, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		m.ID, m.Tenant, m.Warehouse, m.Type, m.Status, m.CurrentRunID, m.OperatorID, m.Version, m.CreatedAt, m.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetMachine(ctx context.Context, machineID string) (MachineRecord, bool, error) {
	var m MachineRecord
	err := p.db.QueryRowContext(ctx,
		`SELECT id, tenant, warehouse, type, status, current_run_id, operator_id, version, created_at, updated_at
		 FROM machines WHERE id=$1`, machineID,
	).Scan(&m.ID, &m.Tenant, &m.Warehouse, &m.Type, &m.Status, &m.CurrentRunID, &m.OperatorID, &m.Version, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return MachineRecord{}, false, nil
	}
	if err != nil {
		return MachineRecord{}, false, err
	}
	return m, true, nil
}

func (p *PostgresStore) ListMachines(ctx context.Context) ([]MachineRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, tenant, warehouse, type, status, current_run_id, operator_id, version, created_at, updated_at
		 FROM machines ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]MachineRecord, 0)
	for rows.Next() {
		var m MachineRecord
		if err := rows.Scan(&m.ID, &m.Tenant, &m.Warehouse, &m.Type, &m.Status, &m.CurrentRunID, &m.OperatorID, &m.Version, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateMachineCAS(ctx context.Context, m MachineRecord, expectedVersion int64) error {
	m.UpdatedAt = time.Now().UTC()
	res, err := p.db.ExecContext(ctx,
		`UPDATE machines SET tenant=$2, warehouse=$3, type=$4, status=$5, current_run_id=$6, operator_id=$7, version=$8, updated_at=$9
		 WHERE id=$1 AND version=$10`,
		m.ID, m.Tenant, m.Warehouse, m.Type, m.Status, m.CurrentRunID, m.OperatorID, expectedVersion+1, m.UpdatedAt, expectedVersion,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (p *PostgresStore) UpsertCapability(ctx context.Context, c CapabilityRecord) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO machine_capabilities (machine_id, process, material_code, max_qty_per_batch, max_length)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (machine_id, process, material_code)
		 DO UPDATE SET max_qty_per_batch=EXCLUDED.max_qty_per_batch, max_length=EXCLUDED.max_length`,
		c.MachineID, c.Process, c.MaterialCode, c.MaxQtyPerBatch, c.MaxLength,
	)
	return err
}

func (p *PostgresStore) GetCapability(ctx context.Context, machineID, process, materialCode string) (CapabilityRecord, bool, error) {
	var c CapabilityRecord
	err := p.db.QueryRowContext(ctx,
		`SELECT machine_id, process, material_code, max_qty_per_batch, max_length
		 FROM machine_capabilities WHERE machine_id=$1 AND process=$2 AND material_code=$3`,
		machineID, process, materialCode,
	).Scan(&c.MachineID, &c.Process, &c.MaterialCode, &c.MaxQtyPerBatch, &c.MaxLength)
	if errors.Is(err, sql.ErrNoRows) {
		return CapabilityRecord{}, false, nil
	}
	if err != nil {
		return CapabilityRecord{}, false, err
	}
	return c, true, nil
}

func (p *PostgresStore) ListCapabilities(ctx context.Context, machineID string) ([]CapabilityRecord, error) {
	query := `SELECT machine_id, process, material_code, max_qty_per_batch, max_length
		 FROM machine_capabilities`
	args := []any{}
	if machineID != "" {
		query += ` WHERE machine_id=$1`
		args = append(args, machineID)
	}
	query += ` ORDER BY machine_id, process, material_code`
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]CapabilityRecord, 0)
	for rows.Next() {
		var c CapabilityRecord
		if err := rows.Scan(&c.MachineID, &c.Process, &c.MaterialCode, &c.MaxQtyPerBatch, &c.MaxLength); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateTask(ctx context.Context, t TaskRecord) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO tasks (id, tenant, type, material_code, grade, priority, status, qty_required, qty_completed, project_id, work_order_id, bar_list_id, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		t.ID, t.Tenant, t.Type, t.MaterialCode, t.Grade, t.Priority, t.Status, t.QtyRequired, t.QtyCompleted, t.ProjectID, t.WorkOrderID, t.BarListID, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetTask(ctx context.Context, taskID string) (TaskRecord, bool, error) {
	var t TaskRecord
	err := p.db.QueryRowContext(ctx,
		`SELECT id, tenant, type, material_code, grade, priority, status, qty_required, qty_completed, project_id, work_order_id, bar_list_id, created_at, updated_at
		 FROM tasks WHERE id=$1`, taskID,
	).Scan(&t.ID, &t.Tenant, &t.Type, &t.MaterialCode, &t.Grade, &t.Priority, &t.Status, &t.QtyRequired, &t.QtyCompleted, &t.ProjectID, &t.WorkOrderID, &t.BarListID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, err
	}
	return t, true, nil
}

func (p *PostgresStore) UpdateTask(ctx context.Context, t TaskRecord) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := p.db.ExecContext(ctx,
		`UPDATE tasks SET status=$2, qty_completed=$3, priority=$4, updated_at=$5 WHERE id=$1`,
		t.ID, t.Status, t.QtyCompleted, t.Priority, t.UpdatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("task %s not found", t.ID)
	}
	return nil
}

func (p *PostgresStore) CreateQueueItem(ctx context.Context, q QueueItemRecord) error {
	now := time.Now().UTC()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	q.UpdatedAt = now
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO queue_items (id, task_id, machine_id, position, status, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		q.ID, q.TaskID, q.MachineID, q.Position, q.Status, q.CreatedAt, q.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrPositionTaken
	}
	return err
}

func (p *PostgresStore) GetQueueItem(ctx context.Context, queueItemID string) (QueueItemRecord, bool, error) {
	var q QueueItemRecord
	err := p.db.QueryRowContext(ctx,
		`SELECT id, task_id, machine_id, position, status, created_at, updated_at
		 FROM queue_items WHERE id=$1`, queueItemID,
	).Scan(&q.ID, &q.TaskID, &q.MachineID, &q.Position, &q.Status, &q.CreatedAt, &q.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueItemRecord{}, false, nil
	}
	if err != nil {
		return QueueItemRecord{}, false, err
	}
	return q, true, nil
}

func (p *PostgresStore) UpdateQueueItem(ctx context.Context, q QueueItemRecord) error {
	q.UpdatedAt = time.Now().UTC()
	res, err := p.db.ExecContext(ctx,
		`UPDATE queue_items SET machine_id=$2, position=$3, status=$4, updated_at=$5 WHERE id=$1`,
		q.ID, q.MachineID, q.Position, q.Status, q.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrPositionTaken
	}
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("queue item %s not found", q.ID)
	}
	return nil
}

func (p *PostgresStore) QueueItemsForMachine(ctx context.Context, machineID string) ([]QueueItemRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, task_id, machine_id, position, status, created_at, updated_at
		 FROM queue_items WHERE machine_id=$1 AND status='queued' ORDER BY position`, machineID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

func (p *PostgresStore) ListQueueItems(ctx context.Context) ([]QueueItemRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, task_id, machine_id, position, status, created_at, updated_at
		 FROM queue_items ORDER BY machine_id, position`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

func scanQueueItems(rows *sql.Rows) ([]QueueItemRecord, error) {
	out := make([]QueueItemRecord, 0)
	for rows.Next() {
		var q QueueItemRecord
		if err := rows.Scan(&q.ID, &q.TaskID, &q.MachineID, &q.Position, &q.Status, &q.CreatedAt, &q.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MaxQueuePosition(ctx context.Context, machineID string) (int, error) {
	var max int
	err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), 0) FROM queue_items WHERE machine_id=$1 AND status<>'cancelled'`, machineID,
	).Scan(&max)
	return max, err
}

func (p *PostgresStore) GetRun(ctx context.Context, runID string) (RunRecord, bool, error) {
	r, err := p.scanRun(p.db.QueryRowContext(ctx,
		`SELECT id, machine_id, process, material_code, qty, task_id, work_order_id, operator_id, supervisor_id, status, started_at, ended_at, input_qty, output_qty, scrap_qty, notes
		 FROM machine_runs WHERE id=$1`, runID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, err
	}
	return r, true, nil
}

func (p *PostgresStore) ActiveRunForMachine(ctx context.Context, machineID string) (RunRecord, bool, error) {
	r, err := p.scanRun(p.db.QueryRowContext(ctx,
		`SELECT id, machine_id, process, material_code, qty, task_id, work_order_id, operator_id, supervisor_id, status, started_at, ended_at, input_qty, output_qty, scrap_qty, notes
		 FROM machine_runs WHERE machine_id=$1 AND status<>'completed'`, machineID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, err
	}
	return r, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (p *PostgresStore) scanRun(row rowScanner) (RunRecord, error) {
	var r RunRecord
	var ended sql.NullTime
	err := row.Scan(&r.ID, &r.MachineID, &r.Process, &r.MaterialCode, &r.Qty, &r.TaskID, &r.WorkOrderID, &r.OperatorID, &r.SupervisorID, &r.Status, &r.StartedAt, &ended, &r.InputQty, &r.OutputQty, &r.ScrapQty, &r.Notes)
	if err != nil {
		return RunRecord{}, err
	}
	if ended.Valid {
		r.EndedAt = ended.Time
	}
	return r, nil
}

// CommitRun writes the run, machine, optional queue item and optional task
// rows in one transaction. The machine version predicate serializes
// concurrent writers; zero rows affected means another commit won.
func (p *PostgresStore) CommitRun(ctx context.Context, commit RunCommit) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	m := commit.Machine
	m.UpdatedAt = now
	res, err := tx.ExecContext(ctx,
		`UPDATE machines SET status=$2, current_run_id=$3, operator_id=$4, version=$5, updated_at=$6
		 WHERE id=$1 AND version=$7`,
		m.ID, m.Status, m.CurrentRunID, m.OperatorID, commit.ExpectedVersion+1, m.UpdatedAt, commit.ExpectedVersion,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrVersionConflict
	}

	r := commit.Run
	if commit.CreateRun {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO machine_runs (id, machine_id, process, material_code, qty, task_id, work_order_id, operator_id, supervisor_id, status, started_at, ended_at, input_qty, output_qty, scrap_qty, notes)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			r.ID, r.MachineID, r.Process, r.MaterialCode, r.Qty, r.TaskID, r.WorkOrderID, r.OperatorID, r.SupervisorID, r.Status, r.StartedAt, nullTime(r.EndedAt), r.InputQty, r.OutputQty, r.ScrapQty, r.Notes,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE machine_runs SET status=$2, ended_at=$3, output_qty=$4, scrap_qty=$5, notes=$6 WHERE id=$1`,
			r.ID, r.Status, nullTime(r.EndedAt), r.OutputQty, r.ScrapQty, r.Notes,
		)
	}
	if err != nil {
		return err
	}

	if commit.QueueItem != nil {
		q := *commit.QueueItem
		q.UpdatedAt = now
		_, err = tx.ExecContext(ctx,
			`UPDATE queue_items SET machine_id=$2, position=$3, status=$4, updated_at=$5 WHERE id=$1`,
			q.ID, q.MachineID, q.Position, q.Status, q.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return ErrPositionTaken
		}
		if err != nil {
			return err
		}
	}
	if commit.Task != nil {
		t := *commit.Task
		t.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status=$2, qty_completed=$3, updated_at=$4 WHERE id=$1`,
			t.ID, t.Status, t.QtyCompleted, t.UpdatedAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) GetWorkflowState(ctx context.Context, graph, entityID string) (string, bool, error) {
	var s string
	err := p.db.QueryRowContext(ctx,
		`SELECT state FROM workflow_states WHERE graph=$1 AND entity_id=$2`, graph, entityID,
	).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return s, true, nil
}

func (p *PostgresStore) SetWorkflowState(ctx context.Context, graph, entityID, stateName string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO workflow_states (graph, entity_id, state, updated_at)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (graph, entity_id) DO UPDATE SET state=EXCLUDED.state, updated_at=EXCLUDED.updated_at`,
		graph, entityID, stateName, time.Now().UTC(),
	)
	return err
}

func (p *PostgresStore) AddWorkflowRecord(ctx context.Context, r WorkflowRecord) (bool, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO workflow_records (entity_id, kind, created_at)
		 VALUES ($1,$2,$3)
		 ON CONFLICT (entity_id, kind) DO NOTHING`,
		r.EntityID, r.Kind, r.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (p *PostgresStore) HasWorkflowRecord(ctx context.Context, entityID, kind string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM workflow_records WHERE entity_id=$1 AND kind=$2)`, entityID, kind,
	).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) AppendTransitionLog(ctx context.Context, entry TransitionLogRecord) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO transition_log (entity_id, tenant, graph, from_state, to_state, result, block_reason_code, block_reason_detail, triggered_by, user_id, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		entry.EntityID, entry.Tenant, entry.Graph, entry.FromState, entry.ToState, entry.Result, entry.BlockReasonCode, entry.BlockReasonDetail, entry.TriggeredBy, entry.UserID, entry.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListTransitionLog(ctx context.Context, query TransitionLogQuery) ([]TransitionLogRecord, error) {
	limit := query.Limit
	offset := query.Offset
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	where := []string{"1=1"}
	args := make([]any, 0, 8)
	argi := 1
	add := func(clause string, v any) {
		where = append(where, fmt.Sprintf(clause, argi))
		args = append(args, v)
		argi++
	}
	if query.Graph != "" {
		add("graph=$%d", query.Graph)
	}
	if query.EntityID != "" {
		add("entity_id=$%d", query.EntityID)
	}
	if query.Result != "" {
		add("result=$%d", query.Result)
	}
	if !query.From.IsZero() {
		add("created_at >= $%d", query.From)
	}
	if !query.To.IsZero() {
		add("created_at <= $%d", query.To)
	}
	args = append(args, limit, offset)
	sqlQuery := fmt.Sprintf(
		`SELECT id, entity_id, tenant, graph, from_state, to_state, result, block_reason_code, block_reason_detail, triggered_by, user_id, created_at
		 FROM transition_log
		 WHERE %s
		 ORDER BY id DESC
		 LIMIT $%d OFFSET $%d`, strings.Join(where, " AND "), argi, argi+1,
	)
	rows, err := p.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]TransitionLogRecord, 0)
	for rows.Next() {
		var e TransitionLogRecord
		if err := rows.Scan(&e.ID, &e.EntityID, &e.Tenant, &e.Graph, &e.FromState, &e.ToState, &e.Result, &e.BlockReasonCode, &e.BlockReasonDetail, &e.TriggeredBy, &e.UserID, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendAuditEvent(ctx context.Context, event AuditEventRecord) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	prevHash := ""
	_ = p.db.QueryRowContext(ctx, `SELECT event_hash FROM audit_events ORDER BY id DESC LIMIT 1`).Scan(&prevHash)
	event.PrevHash = prevHash
	event.EventHash = computeAuditHash(event)
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO audit_events (action, actor, tenant, remote_addr, resource, payload_hash, prev_hash, event_hash, result, details, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		event.Action, event.Actor, event.Tenant, event.RemoteAddr, event.Resource, event.PayloadHash, event.PrevHash, event.EventHash, event.Result, event.Details, event.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListAuditEvents(ctx context.Context, query AuditQuery) ([]AuditEventRecord, error) {
	limit := query.Limit
	offset := query.Offset
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	where := []string{"1=1"}
	args := make([]any, 0, 8)
	argi := 1
	add := func(clause string, v any) {
		where = append(where, fmt.Sprintf(clause, argi))
		args = append(args, v)
		argi++
	}
	if query.Action != "" {
		add("action=$%d", query.Action)
	}
	if query.Actor != "" {
		add("actor=$%d", query.Actor)
	}
	if query.Tenant != "" {
		add("tenant=$%d", query.Tenant)
	}
	if query.Result != "" {
		add("result=$%d", query.Result)
	}
	if !query.From.IsZero() {
		add("created_at >= $%d", query.From)
	}
	if !query.To.IsZero() {
		add("created_at <= $%d", query.To)
	}
	args = append(args, limit, offset)
	sqlQuery := fmt.Sprintf(
		`SELECT id, action, actor, tenant, remote_addr, resource, payload_hash, prev_hash, event_hash, result, details, created_at
		 FROM audit_events
		 WHERE %s
		 ORDER BY id DESC
		 LIMIT $%d OFFSET $%d`, strings.Join(where, " AND "), argi, argi+1,
	)
	rows, err := p.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]AuditEventRecord, 0)
	for rows.Next() {
		var a AuditEventRecord
		if err := rows.Scan(&a.ID, &a.Action, &a.Actor, &a.Tenant, &a.RemoteAddr, &a.Resource, &a.PayloadHash, &a.PrevHash, &a.EventHash, &a.Result, &a.Details, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
