package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/escalate/model"
)

// Schema is the PostgreSQL DDL applied by Migrate. Every statement is
// idempotent.
//
//go:embed schema.sql
var Schema string

const uniqueViolation = "23505"

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
	db   dbtx
	inTx bool
}

// NewPgStore creates a PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool, db: pool}
}

// Migrate applies Schema.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *PgStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// RunInTx runs fn in a transaction; nested calls use savepoints.
func (s *PgStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		return fn(ctx, &PgStore{pool: s.pool, db: tx, inTx: true})
	})
}

// lockClause returns FOR UPDATE inside a transaction.
func (s *PgStore) lockClause() string {
	if s.inTx {
		return " FOR UPDATE"
	}
	return ""
}

// --- workflow runtime ---

const instanceColumns = `id, workflow_id, workflow_name, COALESCE(document_id, ''), status,
	priority, current_step_order, context_data, created_at, updated_at`

// GetWorkflowInstance retrieves a workflow instance by ID, locking it inside
// a transaction.
func (s *PgStore) GetWorkflowInstance(ctx context.Context, id string) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var contextJSON []byte
	err := s.db.QueryRow(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`+s.lockClause(), id).Scan(
		&inst.ID, &inst.WorkflowID, &inst.WorkflowName, &inst.DocumentID, &inst.Status,
		&inst.Priority, &inst.CurrentStepOrder, &contextJSON, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	if err := unmarshalJSON(contextJSON, &inst.ContextData); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("unmarshal context data: %w", err)
	}
	return inst, nil
}

// UpdateWorkflowInstance persists priority and context data.
func (s *PgStore) UpdateWorkflowInstance(ctx context.Context, inst model.WorkflowInstance) error {
	contextJSON, err := json.Marshal(inst.ContextData)
	if err != nil {
		return fmt.Errorf("marshal context data: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE workflow_instances SET
			priority = $1,
			context_data = $2,
			updated_at = $3
		WHERE id = $4`,
		inst.Priority, contextJSON, time.Now().UTC(), inst.ID,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", inst.ID))
	}
	return nil
}

const stepColumns = `id, workflow_instance_id, step_id, step_name, step_order, status,
	decision, comments, assigned_to, started_at, due_date, completed_at,
	escalated, escalated_at, escalated_to`

func scanStep(row pgx.Row) (model.WorkflowStepInstance, error) {
	var st model.WorkflowStepInstance
	err := row.Scan(
		&st.ID, &st.WorkflowInstanceID, &st.StepID, &st.StepName, &st.StepOrder, &st.Status,
		&st.Decision, &st.Comments, &st.AssignedTo, &st.StartedAt, &st.DueDate, &st.CompletedAt,
		&st.Escalated, &st.EscalatedAt, &st.EscalatedTo,
	)
	return st, err
}

// GetStepInstance retrieves a step instance, locking it inside a transaction.
func (s *PgStore) GetStepInstance(ctx context.Context, id string) (model.WorkflowStepInstance, error) {
	st, err := scanStep(s.db.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM workflow_step_instances WHERE id = $1`+s.lockClause(), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowStepInstance{}, model.NewNotFoundError(fmt.Sprintf("step instance %q not found", id))
	}
	if err != nil {
		return model.WorkflowStepInstance{}, fmt.Errorf("query step instance: %w", err)
	}
	return st, nil
}

// UpdateStepInstance persists an updated step instance.
func (s *PgStore) UpdateStepInstance(ctx context.Context, st model.WorkflowStepInstance) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE workflow_step_instances SET
			status = $1,
			decision = $2,
			comments = $3,
			assigned_to = $4,
			completed_at = $5,
			escalated = $6,
			escalated_at = $7,
			escalated_to = $8
		WHERE id = $9`,
		st.Status, st.Decision, st.Comments, st.AssignedTo, st.CompletedAt,
		st.Escalated, st.EscalatedAt, st.EscalatedTo, st.ID,
	)
	if err != nil {
		return fmt.Errorf("update step instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("step instance %q not found", st.ID))
	}
	return nil
}

// ListStepInstances returns the steps of a workflow instance by step order.
func (s *PgStore) ListStepInstances(ctx context.Context, workflowInstanceID string) ([]model.WorkflowStepInstance, error) {
	return s.querySteps(ctx, `SELECT `+stepColumns+` FROM workflow_step_instances
		WHERE workflow_instance_id = $1
		ORDER BY step_order ASC, id ASC`, workflowInstanceID)
}

// FindEscalationCandidates returns open, started steps, oldest first.
func (s *PgStore) FindEscalationCandidates(ctx context.Context) ([]model.WorkflowStepInstance, error) {
	return s.querySteps(ctx, `SELECT `+stepColumns+` FROM workflow_step_instances
		WHERE status IN ('PENDING', 'IN_PROGRESS') AND started_at IS NOT NULL
		ORDER BY started_at ASC, id ASC`)
}

func (s *PgStore) querySteps(ctx context.Context, query string, args ...any) ([]model.WorkflowStepInstance, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query step instances: %w", err)
	}
	defer rows.Close()

	var steps []model.WorkflowStepInstance
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step instance: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// CountOpenAssignments counts open steps assigned to userID.
func (s *PgStore) CountOpenAssignments(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT count(*) FROM workflow_step_instances
		WHERE assigned_to = $1 AND status IN ('PENDING', 'IN_PROGRESS')`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open assignments: %w", err)
	}
	return n, nil
}

// GetDocument retrieves a document by ID.
func (s *PgStore) GetDocument(ctx context.Context, id string) (model.Document, error) {
	var doc model.Document
	var metaJSON, contentJSON []byte
	err := s.db.QueryRow(ctx, `
		SELECT id, title, document_type, status, created_by, created_at, metadata, content
		FROM documents WHERE id = $1`, id).Scan(
		&doc.ID, &doc.Title, &doc.DocumentType, &doc.Status, &doc.CreatedBy, &doc.CreatedAt,
		&metaJSON, &contentJSON,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Document{}, model.NewNotFoundError(fmt.Sprintf("document %q not found", id))
	}
	if err != nil {
		return model.Document{}, fmt.Errorf("query document: %w", err)
	}
	if err := unmarshalJSON(metaJSON, &doc.Metadata); err != nil {
		return model.Document{}, fmt.Errorf("unmarshal document metadata: %w", err)
	}
	if err := unmarshalJSON(contentJSON, &doc.Content); err != nil {
		return model.Document{}, fmt.Errorf("unmarshal document content: %w", err)
	}
	return doc, nil
}

// --- rules ---

// ListActiveConditionGroups returns active groups of a workflow.
func (s *PgStore) ListActiveConditionGroups(ctx context.Context, workflowID string) ([]model.ConditionGroup, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, workflow_id, name, logical_operator, is_active, conditions, actions
		FROM condition_groups
		WHERE workflow_id = $1 AND is_active
		ORDER BY created_at ASC, id ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("query condition groups: %w", err)
	}
	defer rows.Close()

	var groups []model.ConditionGroup
	for rows.Next() {
		var g model.ConditionGroup
		var condJSON, actJSON []byte
		if err := rows.Scan(&g.ID, &g.WorkflowID, &g.Name, &g.LogicalOperator, &g.IsActive, &condJSON, &actJSON); err != nil {
			return nil, fmt.Errorf("scan condition group: %w", err)
		}
		if err := unmarshalJSON(condJSON, &g.Conditions); err != nil {
			return nil, fmt.Errorf("unmarshal conditions of %q: %w", g.ID, err)
		}
		if err := unmarshalJSON(actJSON, &g.Actions); err != nil {
			return nil, fmt.Errorf("unmarshal actions of %q: %w", g.ID, err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// UpsertConditionGroup stores or replaces a condition group.
func (s *PgStore) UpsertConditionGroup(ctx context.Context, g model.ConditionGroup) error {
	condJSON, err := json.Marshal(g.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	actJSON, err := json.Marshal(g.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO condition_groups (id, workflow_id, name, logical_operator, is_active, conditions, actions)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			workflow_id = EXCLUDED.workflow_id,
			name = EXCLUDED.name,
			logical_operator = EXCLUDED.logical_operator,
			is_active = EXCLUDED.is_active,
			conditions = EXCLUDED.conditions,
			actions = EXCLUDED.actions`,
		g.ID, g.WorkflowID, g.Name, g.LogicalOperator, g.IsActive, condJSON, actJSON,
	)
	if err != nil {
		return fmt.Errorf("upsert condition group: %w", err)
	}
	return nil
}

const ruleColumns = `id, workflow_id, step_id, name, is_active, trigger_after_hours,
	trigger_conditions, escalation_chain, max_escalation_levels, notification_intervals,
	business_hours_only, exclude_weekends, auto_approve_after_escalation,
	priority_multiplier, created_at`

type ruleJSON struct {
	trigger, chain, intervals []byte
}

func marshalRule(r model.EscalationRule) (ruleJSON, error) {
	var out ruleJSON
	var err error
	if r.TriggerConditions != nil {
		if out.trigger, err = json.Marshal(r.TriggerConditions); err != nil {
			return out, fmt.Errorf("marshal trigger conditions: %w", err)
		}
	}
	if out.chain, err = json.Marshal(r.EscalationChain); err != nil {
		return out, fmt.Errorf("marshal escalation chain: %w", err)
	}
	if out.intervals, err = json.Marshal(r.NotificationIntervals); err != nil {
		return out, fmt.Errorf("marshal notification intervals: %w", err)
	}
	return out, nil
}

func scanRule(row pgx.Row) (model.EscalationRule, error) {
	var r model.EscalationRule
	var j ruleJSON
	if err := row.Scan(
		&r.ID, &r.WorkflowID, &r.StepID, &r.Name, &r.IsActive, &r.TriggerAfterHours,
		&j.trigger, &j.chain, &r.MaxEscalationLevels, &j.intervals,
		&r.BusinessHoursOnly, &r.ExcludeWeekends, &r.AutoApproveAfterEscalation,
		&r.PriorityMultiplier, &r.CreatedAt,
	); err != nil {
		return r, err
	}
	if len(j.trigger) > 0 && string(j.trigger) != "null" {
		r.TriggerConditions = &model.TriggerConditions{}
		if err := json.Unmarshal(j.trigger, r.TriggerConditions); err != nil {
			return r, fmt.Errorf("unmarshal trigger conditions of %q: %w", r.ID, err)
		}
	}
	if err := unmarshalJSON(j.chain, &r.EscalationChain); err != nil {
		return r, fmt.Errorf("unmarshal escalation chain of %q: %w", r.ID, err)
	}
	if err := unmarshalJSON(j.intervals, &r.NotificationIntervals); err != nil {
		return r, fmt.Errorf("unmarshal notification intervals of %q: %w", r.ID, err)
	}
	return r, nil
}

// CreateEscalationRule inserts a rule.
func (s *PgStore) CreateEscalationRule(ctx context.Context, r model.EscalationRule) error {
	return s.writeRule(ctx, r, `ON CONFLICT DO NOTHING`)
}

// UpsertEscalationRule stores or replaces a rule, keeping its created_at.
func (s *PgStore) UpsertEscalationRule(ctx context.Context, r model.EscalationRule) error {
	return s.writeRule(ctx, r, `ON CONFLICT (id) DO UPDATE SET
		workflow_id = EXCLUDED.workflow_id,
		step_id = EXCLUDED.step_id,
		name = EXCLUDED.name,
		is_active = EXCLUDED.is_active,
		trigger_after_hours = EXCLUDED.trigger_after_hours,
		trigger_conditions = EXCLUDED.trigger_conditions,
		escalation_chain = EXCLUDED.escalation_chain,
		max_escalation_levels = EXCLUDED.max_escalation_levels,
		notification_intervals = EXCLUDED.notification_intervals,
		business_hours_only = EXCLUDED.business_hours_only,
		exclude_weekends = EXCLUDED.exclude_weekends,
		auto_approve_after_escalation = EXCLUDED.auto_approve_after_escalation,
		priority_multiplier = EXCLUDED.priority_multiplier`)
}

func (s *PgStore) writeRule(ctx context.Context, r model.EscalationRule, onConflict string) error {
	j, err := marshalRule(r)
	if err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO escalation_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15) `+onConflict,
		r.ID, r.WorkflowID, r.StepID, r.Name, r.IsActive, r.TriggerAfterHours,
		j.trigger, j.chain, r.MaxEscalationLevels, j.intervals,
		r.BusinessHoursOnly, r.ExcludeWeekends, r.AutoApproveAfterEscalation,
		r.PriorityMultiplier, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("write escalation rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("escalation rule %q already exists", r.ID))
	}
	return nil
}

// GetEscalationRule retrieves a rule by ID, active or not.
func (s *PgStore) GetEscalationRule(ctx context.Context, id string) (model.EscalationRule, error) {
	r, err := scanRule(s.db.QueryRow(ctx, `SELECT `+ruleColumns+` FROM escalation_rules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.EscalationRule{}, model.NewNotFoundError(fmt.Sprintf("escalation rule %q not found", id))
	}
	if err != nil {
		return model.EscalationRule{}, fmt.Errorf("query escalation rule: %w", err)
	}
	return r, nil
}

// ListActiveEscalationRules returns active rules of a workflow.
func (s *PgStore) ListActiveEscalationRules(ctx context.Context, workflowID string) ([]model.EscalationRule, error) {
	rows, err := s.db.Query(ctx, `SELECT `+ruleColumns+` FROM escalation_rules
		WHERE workflow_id = $1 AND is_active
		ORDER BY created_at ASC, id ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("query escalation rules: %w", err)
	}
	defer rows.Close()

	var rules []model.EscalationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escalation rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// --- escalations ---

const escalationColumns = `id, rule_id, step_instance_id, workflow_instance_id, workflow_id,
	current_level, status, escalation_history, last_escalated_at, escalated_to,
	created_at, resolved_at, resolution_method`

func scanEscalation(row pgx.Row) (model.EscalationInstance, error) {
	var e model.EscalationInstance
	var historyJSON []byte
	if err := row.Scan(
		&e.ID, &e.RuleID, &e.StepInstanceID, &e.WorkflowInstanceID, &e.WorkflowID,
		&e.CurrentLevel, &e.Status, &historyJSON, &e.LastEscalatedAt, &e.EscalatedTo,
		&e.CreatedAt, &e.ResolvedAt, &e.ResolutionMethod,
	); err != nil {
		return e, err
	}
	if err := unmarshalJSON(historyJSON, &e.EscalationHistory); err != nil {
		return e, fmt.Errorf("unmarshal escalation history of %q: %w", e.ID, err)
	}
	return e, nil
}

// FindActiveEscalation returns the active escalation of a step instance,
// locking it inside a transaction.
func (s *PgStore) FindActiveEscalation(ctx context.Context, stepInstanceID string) (model.EscalationInstance, bool, error) {
	e, err := scanEscalation(s.db.QueryRow(ctx, `SELECT `+escalationColumns+` FROM escalation_instances
		WHERE step_instance_id = $1 AND status = 'active'`+s.lockClause(), stepInstanceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.EscalationInstance{}, false, nil
	}
	if err != nil {
		return model.EscalationInstance{}, false, fmt.Errorf("query active escalation: %w", err)
	}
	return e, true, nil
}

// CreateEscalation inserts an escalation instance. A second active
// instance for the same step violates escalation_instances_one_active and
// is reported as CONFLICT.
func (s *PgStore) CreateEscalation(ctx context.Context, e model.EscalationInstance) error {
	historyJSON, err := json.Marshal(historyOrEmpty(e.EscalationHistory))
	if err != nil {
		return fmt.Errorf("marshal escalation history: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO escalation_instances (`+escalationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.RuleID, e.StepInstanceID, e.WorkflowInstanceID, e.WorkflowID,
		e.CurrentLevel, e.Status, historyJSON, e.LastEscalatedAt, e.EscalatedTo,
		e.CreatedAt, e.ResolvedAt, e.ResolutionMethod,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return model.NewConflictError(
			fmt.Sprintf("step instance %q already has an active escalation", e.StepInstanceID),
		)
	}
	if err != nil {
		return fmt.Errorf("insert escalation instance: %w", err)
	}
	return nil
}

// UpdateEscalation persists an updated escalation instance.
func (s *PgStore) UpdateEscalation(ctx context.Context, e model.EscalationInstance) error {
	historyJSON, err := json.Marshal(historyOrEmpty(e.EscalationHistory))
	if err != nil {
		return fmt.Errorf("marshal escalation history: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE escalation_instances SET
			current_level = $1,
			status = $2,
			escalation_history = $3,
			last_escalated_at = $4,
			escalated_to = $5,
			resolved_at = $6,
			resolution_method = $7
		WHERE id = $8`,
		e.CurrentLevel, e.Status, historyJSON, e.LastEscalatedAt, e.EscalatedTo,
		e.ResolvedAt, e.ResolutionMethod, e.ID,
	)
	if err != nil {
		return fmt.Errorf("update escalation instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("escalation %q not found", e.ID))
	}
	return nil
}

// GetEscalation retrieves an escalation instance by ID.
func (s *PgStore) GetEscalation(ctx context.Context, id string) (model.EscalationInstance, error) {
	e, err := scanEscalation(s.db.QueryRow(ctx,
		`SELECT `+escalationColumns+` FROM escalation_instances WHERE id = $1`+s.lockClause(), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.EscalationInstance{}, model.NewNotFoundError(fmt.Sprintf("escalation %q not found", id))
	}
	if err != nil {
		return model.EscalationInstance{}, fmt.Errorf("query escalation: %w", err)
	}
	return e, nil
}

// ListEscalations returns escalations matching filter, oldest first.
func (s *PgStore) ListEscalations(ctx context.Context, filter EscalationFilter) ([]model.EscalationInstance, error) {
	query := `SELECT ` + escalationColumns + ` FROM escalation_instances WHERE TRUE`
	var args []any
	argIdx := 1

	if filter.WorkflowID != "" {
		query += fmt.Sprintf(" AND workflow_id = $%d", argIdx)
		args = append(args, filter.WorkflowID)
		argIdx++
	}
	if filter.StepInstanceID != "" {
		query += fmt.Sprintf(" AND step_instance_id = $%d", argIdx)
		args = append(args, filter.StepInstanceID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query escalations: %w", err)
	}
	defer rows.Close()

	var out []model.EscalationInstance
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EscalationTotals aggregates escalations, optionally for one workflow.
func (s *PgStore) EscalationTotals(ctx context.Context, workflowID string) (EscalationTotals, error) {
	var t EscalationTotals
	var resolvedSeconds float64
	err := s.db.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE status = 'active'),
		       count(*) FILTER (WHERE status = 'resolved'),
		       COALESCE(sum(EXTRACT(EPOCH FROM resolved_at - created_at))
		                FILTER (WHERE status = 'resolved' AND resolved_at IS NOT NULL), 0)
		FROM escalation_instances
		WHERE $1 = '' OR workflow_id = $1`, workflowID,
	).Scan(&t.Total, &t.Active, &t.Resolved, &resolvedSeconds)
	if err != nil {
		return EscalationTotals{}, fmt.Errorf("aggregate escalations: %w", err)
	}
	t.ResolvedDuration = time.Duration(resolvedSeconds * float64(time.Second))
	return t, nil
}

// --- audit ---

// AppendConditionEvaluation appends an evaluation row.
func (s *PgStore) AppendConditionEvaluation(ctx context.Context, ev model.ConditionEvaluation) error {
	resultsJSON, err := json.Marshal(ev.ConditionResults)
	if err != nil {
		return fmt.Errorf("marshal condition results: %w", err)
	}
	contextJSON, err := json.Marshal(ev.Context)
	if err != nil {
		return fmt.Errorf("marshal evaluation context: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO condition_evaluations (
			id, condition_group_id, workflow_instance_id, result, condition_results, context, evaluated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.ConditionGroupID, ev.WorkflowInstanceID, ev.Result, resultsJSON, contextJSON, ev.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert condition evaluation: %w", err)
	}
	return nil
}

// AppendActionExecution appends an execution row.
func (s *PgStore) AppendActionExecution(ctx context.Context, ex model.ActionExecution) error {
	dataJSON, err := json.Marshal(ex.ResultData)
	if err != nil {
		return fmt.Errorf("marshal result data: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO action_executions (
			id, conditional_action_id, condition_group_id, workflow_instance_id,
			action_type, status, result_data, error, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ex.ID, ex.ConditionalActionID, ex.ConditionGroupID, ex.WorkflowInstanceID,
		ex.ActionType, ex.Status, dataJSON, ex.Error, ex.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("insert action execution: %w", err)
	}
	return nil
}

func unmarshalJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func historyOrEmpty(h []model.EscalationHistoryEntry) []model.EscalationHistoryEntry {
	if h == nil {
		return []model.EscalationHistoryEntry{}
	}
	return h
}
