package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"signoff/backend/pkg/models"
)

// Schema is the DDL for the signoff tables. Applied by EnsureSchema and by
// the integration tests.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id UUID PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS templates (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS template_versions (
	id UUID PRIMARY KEY,
	template_id UUID NOT NULL REFERENCES templates(id),
	version_number INT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT false,
	UNIQUE (template_id, version_number)
);
CREATE TABLE IF NOT EXISTS template_steps (
	id UUID PRIMARY KEY,
	template_version_id UUID NOT NULL REFERENCES template_versions(id),
	step_order INT NOT NULL,
	name TEXT NOT NULL,
	rule TEXT NOT NULL,
	k_value INT,
	metadata JSONB,
	UNIQUE (template_version_id, step_order)
);
CREATE TABLE IF NOT EXISTS template_step_assignees (
	step_id UUID NOT NULL REFERENCES template_steps(id),
	user_id UUID NOT NULL REFERENCES users(id),
	PRIMARY KEY (step_id, user_id)
);
CREATE TABLE IF NOT EXISTS workflows (
	id UUID PRIMARY KEY,
	template_version_id UUID NOT NULL REFERENCES template_versions(id),
	current_step_order INT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS workflow_assignees (
	workflow_id UUID NOT NULL REFERENCES workflows(id),
	step_id UUID NOT NULL REFERENCES template_steps(id),
	user_id UUID NOT NULL REFERENCES users(id),
	PRIMARY KEY (workflow_id, step_id, user_id)
);
CREATE TABLE IF NOT EXISTS responses (
	id UUID PRIMARY KEY,
	workflow_id UUID NOT NULL REFERENCES workflows(id),
	step_id UUID NOT NULL REFERENCES template_steps(id),
	responder_id UUID NOT NULL REFERENCES users(id),
	response_type TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	revision_number INT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS attachments (
	id UUID PRIMARY KEY,
	response_id UUID NOT NULL REFERENCES responses(id),
	file_url TEXT NOT NULL,
	file_name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS history (
	id UUID PRIMARY KEY,
	workflow_id UUID NOT NULL REFERENCES workflows(id),
	step_id UUID NOT NULL REFERENCES template_steps(id),
	event_type TEXT NOT NULL,
	next_step_order INT,
	response_id UUID REFERENCES responses(id),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, so the
// same query methods serve both transactional and plain execution.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is a PostgreSQL implementation of the Store interface.
type Postgres struct {
	pool *pgxpool.Pool
	db   querier
}

// NewPostgres creates a new Postgres store backed by the given pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, db: pool}
}

// EnsureSchema applies the table definitions. Safe to call repeatedly.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	return err
}

// WithTx runs fn inside a single database transaction. Nested calls reuse
// the enclosing transaction.
func (s *Postgres) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		return mapPgError(fn(s))
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	// mapPgError on both exits: under serializable isolation a 40001 can
	// surface from any statement inside fn, not just from the commit.
	if err := fn(&Postgres{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return mapPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(err)
	}
	return nil
}

// mapPgError converts database-level failures into domain errors where a
// kind applies; serialization failures become retryable conflicts.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return models.Conflictf("transaction conflict: %s", pgErr.Message)
		case "23505":
			return models.Validationf("duplicate value: %s", pgErr.Message)
		}
	}
	return err
}

// Users

func (s *Postgres) CreateUser(ctx context.Context, user *models.User) error {
	err := s.db.QueryRow(ctx,
		"INSERT INTO users (id, email, name) VALUES ($1, $2, $3) RETURNING created_at",
		user.ID, user.Email, user.Name).Scan(&user.CreatedAt)
	return mapPgError(err)
}

func (s *Postgres) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.scanUser(s.db.QueryRow(ctx,
		"SELECT id, email, name, created_at FROM users WHERE id = $1", id), id)
}

func (s *Postgres) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.scanUser(s.db.QueryRow(ctx,
		"SELECT id, email, name, created_at FROM users WHERE email = $1", email), email)
}

func (s *Postgres) scanUser(row pgx.Row, key string) (*models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.Email, &user.Name, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.NotFoundf("user %s not found", key)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Postgres) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.Query(ctx, "SELECT id, email, name, created_at FROM users ORDER BY email")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.Email, &user.Name, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// Template catalog

func (s *Postgres) CreateTemplate(ctx context.Context, template *models.Template, version *models.TemplateVersion) error {
	err := s.db.QueryRow(ctx,
		"INSERT INTO templates (id, name, description) VALUES ($1, $2, $3) RETURNING created_at",
		template.ID, template.Name, template.Description).Scan(&template.CreatedAt)
	if err != nil {
		return mapPgError(err)
	}
	_, err = s.db.Exec(ctx,
		"INSERT INTO template_versions (id, template_id, version_number, is_active) VALUES ($1, $2, $3, $4)",
		version.ID, version.TemplateID, version.VersionNumber, version.IsActive)
	return mapPgError(err)
}

func (s *Postgres) ListTemplates(ctx context.Context) ([]models.Template, error) {
	rows, err := s.db.Query(ctx,
		"SELECT id, name, description, created_at FROM templates ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []models.Template
	for rows.Next() {
		var t models.Template
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Attach each template's active version, if one is marked.
	active, err := s.db.Query(ctx,
		"SELECT id, template_id, version_number, is_active FROM template_versions WHERE is_active")
	if err != nil {
		return nil, err
	}
	defer active.Close()

	byTemplate := make(map[string]models.TemplateVersion)
	for active.Next() {
		var v models.TemplateVersion
		if err := active.Scan(&v.ID, &v.TemplateID, &v.VersionNumber, &v.IsActive); err != nil {
			return nil, err
		}
		byTemplate[v.TemplateID] = v
	}
	if err := active.Err(); err != nil {
		return nil, err
	}
	for i := range templates {
		if v, ok := byTemplate[templates[i].ID]; ok {
			templates[i].Versions = []models.TemplateVersion{v}
		}
	}
	return templates, nil
}

func (s *Postgres) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	var t models.Template
	err := s.db.QueryRow(ctx,
		"SELECT id, name, description, created_at FROM templates WHERE id = $1", id).
		Scan(&t.ID, &t.Name, &t.Description, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.NotFoundf("template %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx,
		"SELECT id FROM template_versions WHERE template_id = $1 ORDER BY version_number", id)
	if err != nil {
		return nil, err
	}
	var versionIDs []string
	for rows.Next() {
		var vid string
		if err := rows.Scan(&vid); err != nil {
			rows.Close()
			return nil, err
		}
		versionIDs = append(versionIDs, vid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, vid := range versionIDs {
		version, err := s.GetTemplateVersion(ctx, vid)
		if err != nil {
			return nil, err
		}
		t.Versions = append(t.Versions, *version)
	}
	return &t, nil
}

func (s *Postgres) GetTemplateVersion(ctx context.Context, id string) (*models.TemplateVersion, error) {
	var v models.TemplateVersion
	err := s.db.QueryRow(ctx,
		"SELECT id, template_id, version_number, is_active FROM template_versions WHERE id = $1", id).
		Scan(&v.ID, &v.TemplateID, &v.VersionNumber, &v.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.NotFoundf("template version %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, template_version_id, step_order, name, rule, k_value, metadata
		 FROM template_steps WHERE template_version_id = $1 ORDER BY step_order`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	index := make(map[string]int)
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		index[step.ID] = len(v.Steps)
		v.Steps = append(v.Steps, *step)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	assignees, err := s.db.Query(ctx,
		`SELECT a.step_id, a.user_id FROM template_step_assignees a
		 JOIN template_steps s ON s.id = a.step_id
		 WHERE s.template_version_id = $1 ORDER BY a.user_id`, id)
	if err != nil {
		return nil, err
	}
	defer assignees.Close()

	for assignees.Next() {
		var stepID, userID string
		if err := assignees.Scan(&stepID, &userID); err != nil {
			return nil, err
		}
		if i, ok := index[stepID]; ok {
			v.Steps[i].AssigneeIDs = append(v.Steps[i].AssigneeIDs, userID)
		}
	}
	return &v, assignees.Err()
}

func scanStep(row pgx.Row) (*models.TemplateStep, error) {
	var step models.TemplateStep
	var metadata []byte
	err := row.Scan(&step.ID, &step.TemplateVersionID, &step.StepOrder,
		&step.Name, &step.Rule, &step.KValue, &metadata)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &step.Metadata); err != nil {
			return nil, fmt.Errorf("decode step metadata: %w", err)
		}
	}
	return &step, nil
}

func (s *Postgres) CreateStep(ctx context.Context, step *models.TemplateStep) error {
	var metadata []byte
	if step.Metadata != nil {
		var err error
		if metadata, err = json.Marshal(step.Metadata); err != nil {
			return fmt.Errorf("encode step metadata: %w", err)
		}
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO template_steps (id, template_version_id, step_order, name, rule, k_value, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		step.ID, step.TemplateVersionID, step.StepOrder, step.Name, step.Rule, step.KValue, metadata)
	return mapPgError(err)
}

func (s *Postgres) GetStep(ctx context.Context, id string) (*models.TemplateStep, error) {
	step, err := scanStep(s.db.QueryRow(ctx,
		`SELECT id, template_version_id, step_order, name, rule, k_value, metadata
		 FROM template_steps WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.NotFoundf("step %s not found", id)
		}
		return nil, err
	}

	rows, err := s.db.Query(ctx,
		"SELECT user_id FROM template_step_assignees WHERE step_id = $1 ORDER BY user_id", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		step.AssigneeIDs = append(step.AssigneeIDs, userID)
	}
	return step, rows.Err()
}

func (s *Postgres) AssignStepUsers(ctx context.Context, stepID string, userIDs []string) error {
	for _, userID := range userIDs {
		_, err := s.db.Exec(ctx,
			`INSERT INTO template_step_assignees (step_id, user_id) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`, stepID, userID)
		if err != nil {
			return mapPgError(err)
		}
	}
	return nil
}

func (s *Postgres) HasWorkflows(ctx context.Context, templateVersionID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM workflows WHERE template_version_id = $1)",
		templateVersionID).Scan(&exists)
	return exists, err
}

// Workflow instances

func (s *Postgres) CreateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO workflows (id, template_version_id, current_step_order, status)
		 VALUES ($1, $2, $3, $4) RETURNING created_at`,
		workflow.ID, workflow.TemplateVersionID, workflow.CurrentStepOrder, workflow.Status).
		Scan(&workflow.CreatedAt)
	return mapPgError(err)
}

func (s *Postgres) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	return s.getWorkflow(ctx, id, "")
}

// GetWorkflowForUpdate locks the workflow row until the enclosing
// transaction ends. This is the per-workflow serialization point: the whole
// append-evaluate-transition unit runs under this lock.
func (s *Postgres) GetWorkflowForUpdate(ctx context.Context, id string) (*models.Workflow, error) {
	return s.getWorkflow(ctx, id, " FOR UPDATE")
}

func (s *Postgres) getWorkflow(ctx context.Context, id, suffix string) (*models.Workflow, error) {
	var w models.Workflow
	err := s.db.QueryRow(ctx,
		`SELECT id, template_version_id, current_step_order, status, created_at, completed_at
		 FROM workflows WHERE id = $1`+suffix, id).
		Scan(&w.ID, &w.TemplateVersionID, &w.CurrentStepOrder, &w.Status, &w.CreatedAt, &w.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.NotFoundf("workflow %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Postgres) UpdateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE workflows SET current_step_order = $2, status = $3, completed_at = $4 WHERE id = $1`,
		workflow.ID, workflow.CurrentStepOrder, workflow.Status, workflow.CompletedAt)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.NotFoundf("workflow %s not found", workflow.ID)
	}
	return nil
}

func (s *Postgres) CreateWorkflowAssignees(ctx context.Context, assignees []models.WorkflowAssignee) error {
	for _, a := range assignees {
		_, err := s.db.Exec(ctx,
			`INSERT INTO workflow_assignees (workflow_id, step_id, user_id) VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`, a.WorkflowID, a.StepID, a.UserID)
		if err != nil {
			return mapPgError(err)
		}
	}
	return nil
}

func (s *Postgres) IsWorkflowAssignee(ctx context.Context, workflowID, stepID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM workflow_assignees
		 WHERE workflow_id = $1 AND step_id = $2 AND user_id = $3)`,
		workflowID, stepID, userID).Scan(&exists)
	return exists, err
}

func (s *Postgres) ListWorkflowAssignees(ctx context.Context, workflowID string) ([]models.WorkflowAssignee, error) {
	rows, err := s.db.Query(ctx,
		`SELECT workflow_id, step_id, user_id FROM workflow_assignees
		 WHERE workflow_id = $1 ORDER BY step_id, user_id`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignees []models.WorkflowAssignee
	for rows.Next() {
		var a models.WorkflowAssignee
		if err := rows.Scan(&a.WorkflowID, &a.StepID, &a.UserID); err != nil {
			return nil, err
		}
		assignees = append(assignees, a)
	}
	return assignees, rows.Err()
}

func (s *Postgres) CountStepAssignees(ctx context.Context, workflowID, stepID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM workflow_assignees WHERE workflow_id = $1 AND step_id = $2",
		workflowID, stepID).Scan(&count)
	return count, err
}

// Response ledger

func (s *Postgres) LatestRevision(ctx context.Context, workflowID, stepID string) (int, error) {
	var revision int
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(revision_number), 0) FROM responses
		 WHERE workflow_id = $1 AND step_id = $2`, workflowID, stepID).Scan(&revision)
	return revision, err
}

func (s *Postgres) CreateResponse(ctx context.Context, response *models.Response) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO responses (id, workflow_id, step_id, responder_id, response_type, description, revision_number)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at`,
		response.ID, response.WorkflowID, response.StepID, response.ResponderID,
		response.Type, response.Description, response.RevisionNumber).Scan(&response.CreatedAt)
	if err != nil {
		return mapPgError(err)
	}
	for _, a := range response.Attachments {
		_, err := s.db.Exec(ctx,
			"INSERT INTO attachments (id, response_id, file_url, file_name) VALUES ($1, $2, $3, $4)",
			a.ID, a.ResponseID, a.FileURL, a.FileName)
		if err != nil {
			return mapPgError(err)
		}
	}
	return nil
}

func (s *Postgres) ListRevisionResponses(ctx context.Context, workflowID, stepID string, revision int) ([]models.Response, error) {
	return s.listResponses(ctx,
		`SELECT id, workflow_id, step_id, responder_id, response_type, description, revision_number, created_at
		 FROM responses WHERE workflow_id = $1 AND step_id = $2 AND revision_number = $3
		 ORDER BY created_at`, workflowID, stepID, revision)
}

func (s *Postgres) ListWorkflowResponses(ctx context.Context, workflowID string) ([]models.Response, error) {
	responses, err := s.listResponses(ctx,
		`SELECT id, workflow_id, step_id, responder_id, response_type, description, revision_number, created_at
		 FROM responses WHERE workflow_id = $1 ORDER BY created_at DESC`, workflowID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx,
		`SELECT a.id, a.response_id, a.file_url, a.file_name FROM attachments a
		 JOIN responses r ON r.id = a.response_id WHERE r.workflow_id = $1`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	index := make(map[string]int, len(responses))
	for i := range responses {
		index[responses[i].ID] = i
	}
	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.ID, &a.ResponseID, &a.FileURL, &a.FileName); err != nil {
			return nil, err
		}
		if i, ok := index[a.ResponseID]; ok {
			responses[i].Attachments = append(responses[i].Attachments, a)
		}
	}
	return responses, rows.Err()
}

func (s *Postgres) listResponses(ctx context.Context, query string, args ...any) ([]models.Response, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var responses []models.Response
	for rows.Next() {
		var r models.Response
		err := rows.Scan(&r.ID, &r.WorkflowID, &r.StepID, &r.ResponderID,
			&r.Type, &r.Description, &r.RevisionNumber, &r.CreatedAt)
		if err != nil {
			return nil, err
		}
		responses = append(responses, r)
	}
	return responses, rows.Err()
}

// History log

func (s *Postgres) AppendHistory(ctx context.Context, entry *models.HistoryEntry) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO history (id, workflow_id, step_id, event_type, next_step_order, response_id)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`,
		entry.ID, entry.WorkflowID, entry.StepID, entry.Event, entry.NextStepOrder, entry.ResponseID).
		Scan(&entry.CreatedAt)
	return mapPgError(err)
}

func (s *Postgres) ListHistory(ctx context.Context, workflowID string) ([]models.HistoryEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, workflow_id, step_id, event_type, next_step_order, response_id, created_at
		 FROM history WHERE workflow_id = $1 ORDER BY created_at, id`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		err := rows.Scan(&e.ID, &e.WorkflowID, &e.StepID, &e.Event, &e.NextStepOrder, &e.ResponseID, &e.CreatedAt)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
