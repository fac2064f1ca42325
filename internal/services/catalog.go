package services

import (
	"context"

	"github.com/google/uuid"

	"signoff/backend/internal/repository"
	"signoff/backend/pkg/models"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// CatalogService manages workflow templates, versions, and step definitions.
// Versions are immutable once a workflow instance references them; editing a
// mistake means creating a new version.
type CatalogService struct {
	store  repository.Store
	logger Logger
}

// NewCatalogService creates a new CatalogService.
func NewCatalogService(store repository.Store, logger Logger) *CatalogService {
	return &CatalogService{store: store, logger: logger}
}

// CreateTemplate creates a template together with its initial version (v1)
// as a single atomic operation. The initial version is marked active.
func (s *CatalogService) CreateTemplate(ctx context.Context, name, description string) (*models.Template, error) {
	if name == "" {
		return nil, models.Validationf("template name is required")
	}

	template := &models.Template{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
	}
	version := &models.TemplateVersion{
		ID:            uuid.New().String(),
		TemplateID:    template.ID,
		VersionNumber: 1,
		IsActive:      true,
	}

	err := s.store.WithTx(ctx, func(tx repository.Store) error {
		return tx.CreateTemplate(ctx, template, version)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("template created", "template_id", template.ID, "name", template.Name)
	template.Versions = []models.TemplateVersion{*version}
	return template, nil
}

// AddStepInput is the input for AddStep.
type AddStepInput struct {
	TemplateVersionID string                `json:"template_version_id"`
	Name              string                `json:"name"`
	StepOrder         int                   `json:"step_order"`
	Rule              models.CompletionRule `json:"rule"`
	KValue            *int                  `json:"k_value,omitempty"`
	Metadata          map[string]any        `json:"metadata,omitempty"`
}

// AddStep adds an ordered step to a template version. It rejects duplicate
// step orders within the version, a K_OF_N rule without a usable k, and any
// version already referenced by a running workflow.
func (s *CatalogService) AddStep(ctx context.Context, input AddStepInput) (*models.TemplateStep, error) {
	if input.Name == "" {
		return nil, models.Validationf("step name is required")
	}
	if input.StepOrder < 1 {
		return nil, models.Validationf("step order must be a positive integer, got %d", input.StepOrder)
	}
	if !input.Rule.Valid() {
		return nil, models.Validationf("unknown completion rule %q", input.Rule)
	}
	if input.Rule == models.RuleKOfN {
		if input.KValue == nil || *input.KValue < 1 {
			return nil, models.Validationf("rule K_OF_N requires a threshold k >= 1")
		}
	} else {
		// k is meaningless for ALL and ANY; never store it.
		input.KValue = nil
	}

	step := &models.TemplateStep{
		ID:                uuid.New().String(),
		TemplateVersionID: input.TemplateVersionID,
		StepOrder:         input.StepOrder,
		Name:              input.Name,
		Rule:              input.Rule,
		KValue:            input.KValue,
		Metadata:          input.Metadata,
	}
	err := s.store.WithTx(ctx, func(tx repository.Store) error {
		if _, err := tx.GetTemplateVersion(ctx, input.TemplateVersionID); err != nil {
			return err
		}
		if err := ensureUnreferenced(ctx, tx, input.TemplateVersionID); err != nil {
			return err
		}
		return tx.CreateStep(ctx, step)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("step added", "step_id", step.ID, "version_id", input.TemplateVersionID, "order", step.StepOrder)
	return step, nil
}

// AssignStepUsers declares users as eligible responders for a step
// definition. Assigning an already-assigned user is a no-op.
func (s *CatalogService) AssignStepUsers(ctx context.Context, stepID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return models.Validationf("at least one assignee is required")
	}

	return s.store.WithTx(ctx, func(tx repository.Store) error {
		step, err := tx.GetStep(ctx, stepID)
		if err != nil {
			return err
		}
		if err := ensureUnreferenced(ctx, tx, step.TemplateVersionID); err != nil {
			return err
		}
		for _, userID := range userIDs {
			if _, err := tx.GetUser(ctx, userID); err != nil {
				return err
			}
		}
		return tx.AssignStepUsers(ctx, stepID, userIDs)
	})
}

// ensureUnreferenced rejects edits to a version that a workflow instance
// already references.
func ensureUnreferenced(ctx context.Context, store repository.Store, versionID string) error {
	referenced, err := store.HasWorkflows(ctx, versionID)
	if err != nil {
		return err
	}
	if referenced {
		return models.Validationf("template version %s is referenced by workflows and is immutable; create a new version", versionID)
	}
	return nil
}

// ListUsers returns all known users.
func (s *CatalogService) ListUsers(ctx context.Context) ([]models.User, error) {
	return s.store.ListUsers(ctx)
}

// ListTemplates returns all templates with their active version.
func (s *CatalogService) ListTemplates(ctx context.Context) ([]models.Template, error) {
	return s.store.ListTemplates(ctx)
}

// GetTemplate returns a template with all its versions and their full
// step/assignee trees.
func (s *CatalogService) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	return s.store.GetTemplate(ctx, id)
}

// GetTemplateVersion returns a version with its full step/assignee tree.
func (s *CatalogService) GetTemplateVersion(ctx context.Context, id string) (*models.TemplateVersion, error) {
	return s.store.GetTemplateVersion(ctx, id)
}
