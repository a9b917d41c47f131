package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	_ "embed"

	"github.com/pitabwire/ringi/model"
)

//go:embed schema.sql
var schemaSQL string

// pgUniqueViolation is the SQLSTATE for unique constraint violations.
const pgUniqueViolation = "23505"

// PgStore is a PostgreSQL-backed Store using pgx/v5. Tenant isolation is
// enforced twice: every statement carries a tenant predicate, and every
// transaction sets a transaction-local app.tenant_id consumed by the row
// level security policies in the schema.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PostgreSQL store over an existing pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureSchema applies the embedded schema. Statements are idempotent so the
// call is safe on every startup.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// HealthCheck implements the readiness probe contract.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InTenantTx implements Store.
func (s *PgStore) InTenantTx(ctx context.Context, tenantID string, fn func(ctx context.Context, tx Tx) error) error {
	if tenantID == "" {
		return model.NewBadRequestError("tenant id is required")
	}
	return s.withTenantTx(ctx, tenantID, fn)
}

// withTenantTx begins a transaction, binds the tenant setting to it, runs
// fn, and commits or rolls back. set_config with is_local=true dies with the
// transaction, so the setting can never leak into another pool user.
func (s *PgStore) withTenantTx(ctx context.Context, tenantID string, fn func(ctx context.Context, tx Tx) error) error {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer pgtx.Rollback(ctx)

	if _, err := pgtx.Exec(ctx, `SELECT set_config('app.tenant_id', $1, true)`, tenantID); err != nil {
		return fmt.Errorf("bind tenant: %w", err)
	}

	if err := fn(ctx, &pgTx{tx: pgtx, tenantID: tenantID}); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetInstance implements Store.
func (s *PgStore) GetInstance(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	err := s.InTenantTx(ctx, tenantID, func(ctx context.Context, tx Tx) error {
		var err error
		inst, err = tx.GetInstance(ctx, instanceID)
		return err
	})
	return inst, err
}

// ListInstances implements Store.
func (s *PgStore) ListInstances(ctx context.Context, tenantID string, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	query := `SELECT id, tenant_id, display_number, definition_id, title, form_data,
	                 status, current_step_id, version, initiator_id, created_at, updated_at
	          FROM workflow_instances
	          WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}
	if filters.DefinitionID != "" {
		query += fmt.Sprintf(" AND definition_id = $%d", argIdx)
		args = append(args, filters.DefinitionID)
		argIdx++
	}
	if filters.InitiatorID != "" {
		query += fmt.Sprintf(" AND initiator_id = $%d", argIdx)
		args = append(args, filters.InitiatorID)
		argIdx++
	}

	query += " ORDER BY created_at DESC, display_number DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	var instances []model.WorkflowInstance
	err := s.withTenantTx(ctx, tenantID, func(ctx context.Context, tx Tx) error {
		pt := tx.(*pgTx)
		rows, err := pt.tx.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query workflow instances: %w", err)
		}
		defer rows.Close()
		instances, err = scanInstances(rows)
		return err
	})
	return instances, err
}

// ListSteps implements Store.
func (s *PgStore) ListSteps(ctx context.Context, tenantID, instanceID string) ([]model.WorkflowStep, error) {
	var steps []model.WorkflowStep
	err := s.withTenantTx(ctx, tenantID, func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetInstance(ctx, instanceID); err != nil {
			return err
		}
		var err error
		steps, err = tx.ListSteps(ctx, instanceID)
		return err
	})
	return steps, err
}

// GetDefinition implements Store.
func (s *PgStore) GetDefinition(ctx context.Context, tenantID, definitionID string) (model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	err := s.InTenantTx(ctx, tenantID, func(ctx context.Context, tx Tx) error {
		var err error
		def, err = tx.GetDefinition(ctx, definitionID)
		return err
	})
	return def, err
}

// ListDefinitions implements Store.
func (s *PgStore) ListDefinitions(ctx context.Context, tenantID string) ([]model.WorkflowDefinition, error) {
	var defs []model.WorkflowDefinition
	err := s.withTenantTx(ctx, tenantID, func(ctx context.Context, tx Tx) error {
		pt := tx.(*pgTx)
		rows, err := pt.tx.Query(ctx, `
			SELECT id, tenant_id, display_number, name, version, status, document, created_by, created_at, updated_at
			FROM workflow_definitions
			WHERE tenant_id = $1
			ORDER BY created_at DESC, id DESC`,
			tenantID,
		)
		if err != nil {
			return fmt.Errorf("query workflow definitions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			def, err := scanDefinition(rows)
			if err != nil {
				return err
			}
			defs = append(defs, def)
		}
		return rows.Err()
	})
	return defs, err
}

// pgTx implements Tx over a pgx transaction with the tenant bound.
type pgTx struct {
	tx       pgx.Tx
	tenantID string
}

func (t *pgTx) GetInstance(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT id, tenant_id, display_number, definition_id, title, form_data,
		       status, current_step_id, version, initiator_id, created_at, updated_at
		FROM workflow_instances
		WHERE id = $1 AND tenant_id = $2`,
		instanceID, t.tenantID,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError("workflow instance not found")
	}
	return inst, err
}

func (t *pgTx) InsertInstance(ctx context.Context, inst model.WorkflowInstance) error {
	formJSON, err := json.Marshal(inst.FormData)
	if err != nil {
		return fmt.Errorf("marshal form data: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, tenant_id, display_number, definition_id, title, form_data,
			status, current_step_id, version, initiator_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		inst.ID, t.tenantID, inst.DisplayNumber, inst.DefinitionID, inst.Title, formJSON,
		inst.Status, inst.CurrentStepID, inst.Version, inst.InitiatorID,
		inst.CreatedAt, inst.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError("workflow instance already exists")
	}
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateInstance(ctx context.Context, inst model.WorkflowInstance) (model.WorkflowInstance, error) {
	formJSON, err := json.Marshal(inst.FormData)
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("marshal form data: %w", err)
	}
	row := t.tx.QueryRow(ctx, `
		UPDATE workflow_instances SET
			title = $1,
			form_data = $2,
			status = $3,
			current_step_id = $4,
			version = version + 1,
			updated_at = $5
		WHERE id = $6 AND tenant_id = $7 AND version = $8
		RETURNING id, tenant_id, display_number, definition_id, title, form_data,
		          status, current_step_id, version, initiator_id, created_at, updated_at`,
		inst.Title, formJSON, inst.Status, inst.CurrentStepID, inst.UpdatedAt,
		inst.ID, t.tenantID, inst.Version,
	)
	updated, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, t.instanceWriteMiss(ctx, inst.ID, inst.Version)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("update workflow instance: %w", err)
	}
	return updated, nil
}

// instanceWriteMiss disambiguates a zero-row conditional update: the row
// exists at another version (conflict) or it is not visible at all (not
// found). Both checks run inside the same transaction.
func (t *pgTx) instanceWriteMiss(ctx context.Context, instanceID string, expected int64) error {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM workflow_instances WHERE id = $1 AND tenant_id = $2)`,
		instanceID, t.tenantID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check workflow instance: %w", err)
	}
	if exists {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance was modified concurrently, expected version %d", expected),
		)
	}
	return model.NewNotFoundError("workflow instance not found")
}

func (t *pgTx) ListSteps(ctx context.Context, instanceID string) ([]model.WorkflowStep, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, tenant_id, instance_id, display_number, step_id, name, assignee_id, due_at,
		       phase, decision, comment, started_at, completed_at, version, created_at, updated_at
		FROM workflow_steps
		WHERE instance_id = $1 AND tenant_id = $2
		ORDER BY display_number ASC`,
		instanceID, t.tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow steps: %w", err)
	}
	defer rows.Close()

	var steps []model.WorkflowStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (t *pgTx) InsertStep(ctx context.Context, step model.WorkflowStep) error {
	r := model.Record(step.State)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO workflow_steps (
			id, tenant_id, instance_id, display_number, step_id, name, assignee_id, due_at,
			phase, decision, comment, started_at, completed_at, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		step.ID, t.tenantID, step.InstanceID, step.DisplayNumber, step.StepID,
		step.Name, step.AssigneeID, step.DueAt,
		r.Phase, r.Decision, r.Comment, r.StartedAt, r.CompletedAt,
		step.Version, step.CreatedAt, step.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError("workflow step already exists")
	}
	if err != nil {
		return fmt.Errorf("insert workflow step: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateStep(ctx context.Context, step model.WorkflowStep) (model.WorkflowStep, error) {
	r := model.Record(step.State)
	row := t.tx.QueryRow(ctx, `
		UPDATE workflow_steps SET
			phase = $1,
			decision = $2,
			comment = $3,
			started_at = $4,
			completed_at = $5,
			version = version + 1,
			updated_at = $6
		WHERE id = $7 AND tenant_id = $8 AND version = $9
		RETURNING id, tenant_id, instance_id, display_number, step_id, name, assignee_id, due_at,
		          phase, decision, comment, started_at, completed_at, version, created_at, updated_at`,
		r.Phase, r.Decision, r.Comment, r.StartedAt, r.CompletedAt, step.UpdatedAt,
		step.ID, t.tenantID, step.Version,
	)
	updated, err := scanStep(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowStep{}, t.stepWriteMiss(ctx, step.ID, step.Version)
	}
	if err != nil {
		return model.WorkflowStep{}, fmt.Errorf("update workflow step: %w", err)
	}
	return updated, nil
}

func (t *pgTx) stepWriteMiss(ctx context.Context, stepID string, expected int64) error {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM workflow_steps WHERE id = $1 AND tenant_id = $2)`,
		stepID, t.tenantID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check workflow step: %w", err)
	}
	if exists {
		return model.NewConflictError(
			fmt.Sprintf("workflow step was modified concurrently, expected version %d", expected),
		)
	}
	return model.NewNotFoundError("workflow step not found")
}

func (t *pgTx) GetDefinition(ctx context.Context, definitionID string) (model.WorkflowDefinition, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT id, tenant_id, display_number, name, version, status, document, created_by, created_at, updated_at
		FROM workflow_definitions
		WHERE id = $1 AND tenant_id = $2`,
		definitionID, t.tenantID,
	)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowDefinition{}, model.NewNotFoundError("workflow definition not found")
	}
	return def, err
}

func (t *pgTx) InsertDefinition(ctx context.Context, def model.WorkflowDefinition) error {
	docJSON, err := json.Marshal(def.Document)
	if err != nil {
		return fmt.Errorf("marshal definition document: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO workflow_definitions (
			id, tenant_id, display_number, name, version, status, document, created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		def.ID, t.tenantID, def.DisplayNumber, def.Name, def.Version, def.Status, docJSON,
		def.CreatedBy, def.CreatedAt, def.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError("workflow definition already exists")
	}
	if err != nil {
		return fmt.Errorf("insert workflow definition: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateDefinition(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	docJSON, err := json.Marshal(def.Document)
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("marshal definition document: %w", err)
	}
	row := t.tx.QueryRow(ctx, `
		UPDATE workflow_definitions SET
			name = $1,
			status = $2,
			document = $3,
			version = version + 1,
			updated_at = $4
		WHERE id = $5 AND tenant_id = $6 AND version = $7
		RETURNING id, tenant_id, display_number, name, version, status, document, created_by, created_at, updated_at`,
		def.Name, def.Status, docJSON, def.UpdatedAt,
		def.ID, t.tenantID, def.Version,
	)
	updated, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowDefinition{}, t.definitionWriteMiss(ctx, def.ID, def.Version)
	}
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("update workflow definition: %w", err)
	}
	return updated, nil
}

func (t *pgTx) definitionWriteMiss(ctx context.Context, definitionID string, expected int) error {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM workflow_definitions WHERE id = $1 AND tenant_id = $2)`,
		definitionID, t.tenantID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check workflow definition: %w", err)
	}
	if exists {
		return model.NewConflictError(
			fmt.Sprintf("workflow definition was modified concurrently, expected version %d", expected),
		)
	}
	return model.NewNotFoundError("workflow definition not found")
}

// NextDisplayNumber implements Tx. A single statement creates the counter
// row on first use and increments it under the row lock the update takes,
// so concurrent transactions in the same tenant serialize on the counter.
func (t *pgTx) NextDisplayNumber(ctx context.Context, entityType string) (int64, error) {
	var next int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO display_id_counters (tenant_id, entity_type, next_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (tenant_id, entity_type)
		DO UPDATE SET next_value = display_id_counters.next_value + 1
		RETURNING next_value`,
		t.tenantID, entityType,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("allocate display number: %w", err)
	}
	return next, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var formJSON []byte
	err := row.Scan(
		&inst.ID, &inst.TenantID, &inst.DisplayNumber, &inst.DefinitionID, &inst.Title, &formJSON,
		&inst.Status, &inst.CurrentStepID, &inst.Version, &inst.InitiatorID,
		&inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if len(formJSON) > 0 {
		if err := json.Unmarshal(formJSON, &inst.FormData); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal form data: %w", err)
		}
	}
	return inst, nil
}

func scanInstances(rows pgx.Rows) ([]model.WorkflowInstance, error) {
	var instances []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func scanStep(row pgx.Row) (model.WorkflowStep, error) {
	var step model.WorkflowStep
	var r model.StepRecord
	err := row.Scan(
		&step.ID, &step.TenantID, &step.InstanceID, &step.DisplayNumber, &step.StepID,
		&step.Name, &step.AssigneeID, &step.DueAt,
		&r.Phase, &r.Decision, &r.Comment, &r.StartedAt, &r.CompletedAt,
		&step.Version, &step.CreatedAt, &step.UpdatedAt,
	)
	if err != nil {
		return model.WorkflowStep{}, err
	}
	state, err := model.StateFromRecord(r)
	if err != nil {
		return model.WorkflowStep{}, err
	}
	step.State = state
	return step, nil
}

func scanDefinition(row pgx.Row) (model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	var docJSON []byte
	err := row.Scan(
		&def.ID, &def.TenantID, &def.DisplayNumber, &def.Name, &def.Version, &def.Status, &docJSON,
		&def.CreatedBy, &def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	if len(docJSON) > 0 {
		if err := json.Unmarshal(docJSON, &def.Document); err != nil {
			return model.WorkflowDefinition{}, fmt.Errorf("unmarshal definition document: %w", err)
		}
	}
	return def, nil
}
