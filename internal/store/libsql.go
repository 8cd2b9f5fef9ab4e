package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/nvela/flowd/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Tenants ---

func (s *LibSQLStore) CreateTenant(ctx context.Context, t *schema.Tenant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, plan, owner_email, executions_used, emails_sent, ai_calls_used, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, planOrFree(t.Plan), nullStr(t.OwnerEmail),
		t.Usage.ExecutionsUsed, t.Usage.EmailsSent, t.Usage.AICallsUsed, timeOrNow(t.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetTenant(ctx context.Context, id string) (*schema.Tenant, error) {
	t := &schema.Tenant{}
	var ownerEmail sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, plan, owner_email, executions_used, emails_sent, ai_calls_used, created_at
		 FROM tenants WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &t.Plan, &ownerEmail,
		&t.Usage.ExecutionsUsed, &t.Usage.EmailsSent, &t.Usage.AICallsUsed, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("tenant", id)
	}
	if err != nil {
		return nil, err
	}
	t.OwnerEmail = ownerEmail.String
	return t, nil
}

// IncrementUsage adds delta to a named counter with a single UPDATE, so it
// stays correct under concurrent executions for the same tenant.
func (s *LibSQLStore) IncrementUsage(ctx context.Context, tenantID, counter string, delta int64) error {
	switch counter {
	case schema.CounterExecutions, schema.CounterEmails, schema.CounterAICalls:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown usage counter %q", counter)
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE tenants SET %s = %s + ? WHERE id = ?`, counter, counter),
		delta, tenantID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "tenant", tenantID)
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	triggerCfg, err := marshalMapOrDefault(wf.Trigger.Config)
	if err != nil {
		return fmt.Errorf("marshal trigger config: %w", err)
	}
	conditions, err := json.Marshal(wf.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	actions, err := json.Marshal(wf.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	var provenance any
	if wf.Provenance != nil {
		b, err := json.Marshal(wf.Provenance)
		if err != nil {
			return fmt.Errorf("marshal provenance: %w", err)
		}
		provenance = string(b)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, tenant_id, name, description, trigger_kind, trigger_config, conditions, actions, status, provenance, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.TenantID, wf.Name, nullStr(wf.Description),
		string(wf.Trigger.Kind), string(triggerCfg), string(conditions), string(actions),
		string(wf.Status), provenance, timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

const workflowColumns = `id, tenant_id, name, description, trigger_kind, trigger_config, conditions, actions, status, provenance, created_at, updated_at`

func scanWorkflow(scan func(dest ...any) error) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	var (
		description, triggerCfg, conditions, provenance sql.NullString
		triggerKind, actions, status                    string
	)
	if err := scan(&wf.ID, &wf.TenantID, &wf.Name, &description, &triggerKind, &triggerCfg,
		&conditions, &actions, &status, &provenance, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Description = description.String
	wf.Trigger.Kind = schema.TriggerKind(triggerKind)
	wf.Status = schema.WorkflowStatus(status)
	if triggerCfg.Valid && triggerCfg.String != "" {
		_ = json.Unmarshal([]byte(triggerCfg.String), &wf.Trigger.Config)
	}
	if conditions.Valid && conditions.String != "" {
		if err := json.Unmarshal([]byte(conditions.String), &wf.Conditions); err != nil {
			return nil, fmt.Errorf("unmarshal conditions: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(actions), &wf.Actions); err != nil {
		return nil, fmt.Errorf("unmarshal actions: %w", err)
	}
	if provenance.Valid && provenance.String != "" {
		wf.Provenance = &schema.Provenance{}
		_ = json.Unmarshal([]byte(provenance.String), wf.Provenance)
	}
	return wf, nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id, tenantID string) (*schema.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ? AND tenant_id = ?`, id, tenantID)
	wf, err := scanWorkflow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	return wf, nil
}

func (s *LibSQLStore) UpdateWorkflowStatus(ctx context.Context, id, tenantID string, status schema.WorkflowStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND tenant_id = ?`,
		string(status), id, tenantID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.TriggerKind != nil {
		where = append(where, "trigger_kind = ?")
		args = append(args, string(*filter.TriggerKind))
	}

	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*schema.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, ex *schema.Execution) error {
	payload, err := marshalMapOrDefault(ex.Trigger.Payload)
	if err != nil {
		return fmt.Errorf("marshal trigger payload: %w", err)
	}
	steps, err := marshalSteps(ex.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, tenant_id, trigger_kind, trigger_payload, steps, status, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.WorkflowID, ex.TenantID, string(ex.Trigger.Kind), string(payload),
		string(steps), string(ex.Status), timeOrNow(ex.StartedAt),
		nullTime(ex.CompletedAt), nullInt(ex.DurationMs),
	)
	return err
}

const executionColumns = `id, workflow_id, tenant_id, trigger_kind, trigger_payload, steps, status, started_at, completed_at, duration_ms`

func scanExecution(scan func(dest ...any) error) (*schema.Execution, error) {
	ex := &schema.Execution{}
	var (
		payload     sql.NullString
		steps       string
		triggerKind string
		status      string
		completedAt sql.NullTime
		durationMs  sql.NullInt64
	)
	if err := scan(&ex.ID, &ex.WorkflowID, &ex.TenantID, &triggerKind, &payload,
		&steps, &status, &ex.StartedAt, &completedAt, &durationMs); err != nil {
		return nil, err
	}
	ex.Trigger.Kind = schema.TriggerKind(triggerKind)
	ex.Status = schema.ExecutionStatus(status)
	if payload.Valid && payload.String != "" {
		_ = json.Unmarshal([]byte(payload.String), &ex.Trigger.Payload)
	}
	if err := json.Unmarshal([]byte(steps), &ex.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if completedAt.Valid {
		ex.CompletedAt = &completedAt.Time
	}
	if durationMs.Valid {
		d := durationMs.Int64
		ex.DurationMs = &d
	}
	return ex, nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id, tenantID string) (*schema.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ? AND tenant_id = ?`, id, tenantID)
	ex, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	return ex, nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id, tenantID string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Steps != nil {
		steps, err := marshalSteps(update.Steps)
		if err != nil {
			return fmt.Errorf("marshal steps: %w", err)
		}
		sets = append(sets, "steps = ?")
		args = append(args, string(steps))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.DurationMs != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *update.DurationMs)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id, tenantID)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ? AND tenant_id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, int, error) {
	where := []string{"tenant_id = ?"}
	args := []any{filter.TenantID}

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}
	clause := " WHERE " + strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions"+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + executionColumns + ` FROM executions` + clause + " ORDER BY started_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT %d", limit)
	if filter.Skip > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Skip)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var executions []*schema.Execution
	for rows.Next() {
		ex, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		executions = append(executions, ex)
	}
	return executions, total, rows.Err()
}

// --- AI analyses ---

func (s *LibSQLStore) CreateAIAnalysis(ctx context.Context, a *schema.AIAnalysis) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ai_analyses (id, tenant_id, execution_id, input_text, detected_intent, confidence, reasoning, model, tokens_used, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.ExecutionID, a.InputText, a.Intent, a.Confidence,
		nullStr(a.Reasoning), nullStr(a.Model), a.TokensUsed, a.LatencyMs, timeOrNow(a.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListAIAnalyses(ctx context.Context, executionID, tenantID string) ([]*schema.AIAnalysis, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, execution_id, input_text, detected_intent, confidence, reasoning, model, tokens_used, latency_ms, created_at
		 FROM ai_analyses WHERE execution_id = ? AND tenant_id = ? ORDER BY created_at ASC`,
		executionID, tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var analyses []*schema.AIAnalysis
	for rows.Next() {
		a := &schema.AIAnalysis{}
		var reasoning, model sql.NullString
		if err := rows.Scan(&a.ID, &a.TenantID, &a.ExecutionID, &a.InputText, &a.Intent,
			&a.Confidence, &reasoning, &model, &a.TokensUsed, &a.LatencyMs, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Reasoning = reasoning.String
		a.Model = model.String
		analyses = append(analyses, a)
	}
	return analyses, rows.Err()
}

// --- Notifications ---

func (s *LibSQLStore) CreateNotification(ctx context.Context, n *schema.Notification) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, tenant_id, execution_id, message, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.TenantID, nullStr(n.ExecutionID), n.Message, nullRaw(n.Payload), timeOrNow(n.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListNotifications(ctx context.Context, tenantID string, limit int) ([]*schema.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, execution_id, message, payload, created_at
		 FROM notifications WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ?`,
		tenantID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []*schema.Notification
	for rows.Next() {
		n := &schema.Notification{}
		var executionID, payload sql.NullString
		if err := rows.Scan(&n.ID, &n.TenantID, &executionID, &n.Message, &payload, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.ExecutionID = executionID.String
		n.Payload = rawOrNil(payload)
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullInt(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func marshalSteps(steps []schema.Step) (json.RawMessage, error) {
	if steps == nil {
		return json.RawMessage("[]"), nil
	}
	return json.Marshal(steps)
}

func planOrFree(plan string) string {
	if plan == "" {
		return "free"
	}
	return plan
}
