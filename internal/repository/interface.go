package repository

import (
	"context"

	"signoff/backend/pkg/models"
)

// Store is the persistence boundary for the workflow engine. Implementations
// must return *models.Error values for domain failures (not-found rows,
// constraint violations, transaction conflicts) so the service layer can
// surface them unchanged.
type Store interface {
	// WithTx runs fn against a transactional view of the store. All writes
	// made through the passed Store commit together or not at all; fn
	// returning an error aborts the transaction. The submit-response unit of
	// work runs entirely inside one WithTx call, which is the serialization
	// point required for per-workflow linearizability.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Users
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)

	// Template catalog. Templates and versions are immutable once created;
	// there is no update operation by design.
	CreateTemplate(ctx context.Context, template *models.Template, version *models.TemplateVersion) error
	ListTemplates(ctx context.Context) ([]models.Template, error)
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	GetTemplateVersion(ctx context.Context, id string) (*models.TemplateVersion, error)
	CreateStep(ctx context.Context, step *models.TemplateStep) error
	GetStep(ctx context.Context, id string) (*models.TemplateStep, error)
	// AssignStepUsers is idempotent: assigning an already-assigned user is a
	// no-op, not an error.
	AssignStepUsers(ctx context.Context, stepID string, userIDs []string) error
	// HasWorkflows reports whether any workflow instance references the
	// version. A referenced version must never be mutated.
	HasWorkflows(ctx context.Context, templateVersionID string) (bool, error)

	// Workflow instances
	CreateWorkflow(ctx context.Context, workflow *models.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	// GetWorkflowForUpdate locks the workflow row for the remainder of the
	// enclosing transaction (SELECT ... FOR UPDATE or equivalent).
	GetWorkflowForUpdate(ctx context.Context, id string) (*models.Workflow, error)
	UpdateWorkflow(ctx context.Context, workflow *models.Workflow) error
	CreateWorkflowAssignees(ctx context.Context, assignees []models.WorkflowAssignee) error
	IsWorkflowAssignee(ctx context.Context, workflowID, stepID, userID string) (bool, error)
	ListWorkflowAssignees(ctx context.Context, workflowID string) ([]models.WorkflowAssignee, error)
	CountStepAssignees(ctx context.Context, workflowID, stepID string) (int, error)

	// Response ledger. Responses are never updated or deleted once written.
	// LatestRevision returns the highest revision number recorded for the
	// (workflow, step) pair, or 0 if none exists.
	LatestRevision(ctx context.Context, workflowID, stepID string) (int, error)
	CreateResponse(ctx context.Context, response *models.Response) error
	ListRevisionResponses(ctx context.Context, workflowID, stepID string, revision int) ([]models.Response, error)
	ListWorkflowResponses(ctx context.Context, workflowID string) ([]models.Response, error)

	// History log, append-only.
	AppendHistory(ctx context.Context, entry *models.HistoryEntry) error
	ListHistory(ctx context.Context, workflowID string) ([]models.HistoryEntry, error)
}
