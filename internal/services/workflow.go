package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"signoff/backend/internal/repository"
	"signoff/backend/pkg/models"
)

// Outcome describes what a submitted response did to the workflow.
type Outcome string

const (
	// OutcomePending: the response was recorded but the step's rule is not
	// yet satisfied.
	OutcomePending Outcome = "PENDING"
	// OutcomeSentBack: a negative response closed the current revision; the
	// next response to this step starts a new revision.
	OutcomeSentBack Outcome = "SENT_BACK"
	// OutcomeAdvanced: the step was satisfied and the workflow moved to the
	// next step.
	OutcomeAdvanced Outcome = "ADVANCED"
	// OutcomeCompleted: the final step was satisfied and the workflow is
	// done.
	OutcomeCompleted Outcome = "COMPLETED"
)

// WorkflowService drives workflow instances through their template's steps.
// Every state transition commits atomically with its history entry.
type WorkflowService struct {
	store  repository.Store
	logger Logger
}

// NewWorkflowService creates a new WorkflowService.
func NewWorkflowService(store repository.Store, logger Logger) *WorkflowService {
	return &WorkflowService{store: store, logger: logger}
}

// Start creates a workflow instance at the version's first step,
// materializes that step's assignees, and records the start in history.
// The version read happens inside the transaction so the validated step
// tree is exactly the one the instance is created from; a concurrent
// assignee edit cannot slip between validation and materialization.
func (s *WorkflowService) Start(ctx context.Context, templateVersionID string) (*models.Workflow, error) {
	workflow := &models.Workflow{
		ID:     uuid.New().String(),
		Status: models.StatusInProgress,
	}

	err := s.store.WithTx(ctx, func(tx repository.Store) error {
		version, err := tx.GetTemplateVersion(ctx, templateVersionID)
		if err != nil {
			return err
		}
		if len(version.Steps) == 0 {
			return models.Validationf("template version %s has no steps", templateVersionID)
		}
		for _, step := range version.Steps {
			if step.Rule == models.RuleKOfN {
				if step.KValue == nil || *step.KValue < 1 || *step.KValue > len(step.AssigneeIDs) {
					return models.Validationf(
						"step %q has rule K_OF_N with an unsatisfiable threshold for %d assignees",
						step.Name, len(step.AssigneeIDs))
				}
			}
			if len(step.AssigneeIDs) == 0 {
				return models.Validationf("step %q has no assignees", step.Name)
			}
		}

		first := version.Steps[0] // steps are ordered by step_order
		workflow.TemplateVersionID = version.ID
		workflow.CurrentStepOrder = first.StepOrder

		if err := tx.CreateWorkflow(ctx, workflow); err != nil {
			return err
		}
		if err := materializeAssignees(ctx, tx, workflow.ID, first); err != nil {
			return err
		}
		return tx.AppendHistory(ctx, &models.HistoryEntry{
			ID:            uuid.New().String(),
			WorkflowID:    workflow.ID,
			StepID:        first.ID,
			Event:         models.EventWorkflowStarted,
			NextStepOrder: &first.StepOrder,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("workflow started", "workflow_id", workflow.ID, "version_id", workflow.TemplateVersionID)
	return workflow, nil
}

// materializeAssignees copies a step definition's assignees into workflow
// assignee rows, fixing who may respond to this step for this instance.
func materializeAssignees(ctx context.Context, tx repository.Store, workflowID string, step models.TemplateStep) error {
	assignees := make([]models.WorkflowAssignee, 0, len(step.AssigneeIDs))
	for _, userID := range step.AssigneeIDs {
		assignees = append(assignees, models.WorkflowAssignee{
			WorkflowID: workflowID,
			StepID:     step.ID,
			UserID:     userID,
		})
	}
	return tx.CreateWorkflowAssignees(ctx, assignees)
}

// AttachmentInput is a file reference submitted with a response.
type AttachmentInput struct {
	FileURL  string `json:"file_url"`
	FileName string `json:"file_name"`
}

// SubmitInput is the input for SubmitResponse.
type SubmitInput struct {
	WorkflowID  string              `json:"workflow_id"`
	StepID      string              `json:"step_id"`
	ResponderID string              `json:"responder_id"`
	Type        models.ResponseType `json:"type"`
	Description string              `json:"description,omitempty"`
	Attachments []AttachmentInput   `json:"attachments,omitempty"`
}

// SubmitResult reports the committed effect of a response.
type SubmitResult struct {
	Outcome       Outcome          `json:"outcome"`
	Response      *models.Response `json:"response"`
	NextStepOrder *int             `json:"next_step_order,omitempty"`
}

// SubmitResponse records a response against the workflow's current step and
// applies the resulting transition, all inside one transaction that holds
// the workflow row lock. Two concurrent satisfying responses can therefore
// never both advance the step. Any precondition failure aborts the call with
// zero writes.
func (s *WorkflowService) SubmitResponse(ctx context.Context, input SubmitInput) (*SubmitResult, error) {
	if !input.Type.Valid() {
		return nil, models.Validationf("unknown response type %q", input.Type)
	}
	for _, a := range input.Attachments {
		if a.FileURL == "" || a.FileName == "" {
			return nil, models.Validationf("attachments require both file_url and file_name")
		}
	}

	var result *SubmitResult
	err := s.store.WithTx(ctx, func(tx repository.Store) error {
		var err error
		result, err = s.submit(ctx, tx, input)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("response submitted",
		"workflow_id", input.WorkflowID, "responder_id", input.ResponderID,
		"type", string(input.Type), "outcome", string(result.Outcome))
	return result, nil
}

func (s *WorkflowService) submit(ctx context.Context, tx repository.Store, input SubmitInput) (*SubmitResult, error) {
	workflow, err := tx.GetWorkflowForUpdate(ctx, input.WorkflowID)
	if err != nil {
		return nil, err
	}
	if workflow.Status != models.StatusInProgress {
		return nil, models.Validationf("workflow %s is %s, not in progress", workflow.ID, workflow.Status)
	}

	version, err := tx.GetTemplateVersion(ctx, workflow.TemplateVersionID)
	if err != nil {
		return nil, err
	}
	current, err := stepAtOrder(version, workflow.CurrentStepOrder)
	if err != nil {
		return nil, err
	}
	if input.StepID != current.ID {
		return nil, models.StaleStepf("step %s is not the workflow's current step; refetch state and retry", input.StepID)
	}

	authorized, err := tx.IsWorkflowAssignee(ctx, workflow.ID, current.ID, input.ResponderID)
	if err != nil {
		return nil, err
	}
	if !authorized {
		return nil, models.Authorizationf("user %s is not an assignee for the current step", input.ResponderID)
	}

	revision, err := activeRevision(ctx, tx, workflow.ID, current.ID)
	if err != nil {
		return nil, err
	}

	response := &models.Response{
		ID:             uuid.New().String(),
		WorkflowID:     workflow.ID,
		StepID:         current.ID,
		ResponderID:    input.ResponderID,
		Type:           input.Type,
		Description:    input.Description,
		RevisionNumber: revision,
	}
	for _, a := range input.Attachments {
		response.Attachments = append(response.Attachments, models.Attachment{
			ID:         uuid.New().String(),
			ResponseID: response.ID,
			FileURL:    a.FileURL,
			FileName:   a.FileName,
		})
	}
	if err := tx.CreateResponse(ctx, response); err != nil {
		return nil, err
	}

	if input.Type == models.ResponseNegative {
		// The round closes; the workflow stays on this step and the next
		// response opens a fresh revision.
		err := tx.AppendHistory(ctx, &models.HistoryEntry{
			ID:            uuid.New().String(),
			WorkflowID:    workflow.ID,
			StepID:        current.ID,
			Event:         models.EventStepSentBack,
			NextStepOrder: &current.StepOrder,
			ResponseID:    &response.ID,
		})
		if err != nil {
			return nil, err
		}
		return &SubmitResult{Outcome: OutcomeSentBack, Response: response}, nil
	}

	responses, err := tx.ListRevisionResponses(ctx, workflow.ID, current.ID, revision)
	if err != nil {
		return nil, err
	}
	total, err := tx.CountStepAssignees(ctx, workflow.ID, current.ID)
	if err != nil {
		return nil, err
	}
	satisfied, err := EvaluateRule(current, responses, total)
	if err != nil {
		return nil, err
	}
	if !satisfied {
		// Recorded, no transition. No history entry for a pending response.
		return &SubmitResult{Outcome: OutcomePending, Response: response}, nil
	}

	next := stepAfter(version, current.StepOrder)
	if next == nil {
		now := time.Now()
		workflow.Status = models.StatusCompleted
		workflow.CompletedAt = &now
		if err := tx.UpdateWorkflow(ctx, workflow); err != nil {
			return nil, err
		}
		err := tx.AppendHistory(ctx, &models.HistoryEntry{
			ID:         uuid.New().String(),
			WorkflowID: workflow.ID,
			StepID:     current.ID,
			Event:      models.EventWorkflowCompleted,
			ResponseID: &response.ID,
		})
		if err != nil {
			return nil, err
		}
		return &SubmitResult{Outcome: OutcomeCompleted, Response: response}, nil
	}

	workflow.CurrentStepOrder = next.StepOrder
	if err := tx.UpdateWorkflow(ctx, workflow); err != nil {
		return nil, err
	}
	if err := materializeAssignees(ctx, tx, workflow.ID, *next); err != nil {
		return nil, err
	}
	err = tx.AppendHistory(ctx, &models.HistoryEntry{
		ID:            uuid.New().String(),
		WorkflowID:    workflow.ID,
		StepID:        current.ID,
		Event:         models.EventStepAdvanced,
		NextStepOrder: &next.StepOrder,
		ResponseID:    &response.ID,
	})
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Outcome: OutcomeAdvanced, Response: response, NextStepOrder: &next.StepOrder}, nil
}

// activeRevision computes the revision the next response belongs to: the
// latest revision while its round is open, or one past it once a negative
// response has closed the round. Revisions start at 1.
func activeRevision(ctx context.Context, tx repository.Store, workflowID, stepID string) (int, error) {
	latest, err := tx.LatestRevision(ctx, workflowID, stepID)
	if err != nil {
		return 0, err
	}
	if latest == 0 {
		return 1, nil
	}
	responses, err := tx.ListRevisionResponses(ctx, workflowID, stepID, latest)
	if err != nil {
		return 0, err
	}
	for _, r := range responses {
		if r.Type == models.ResponseNegative {
			return latest + 1, nil
		}
	}
	return latest, nil
}

// stepAtOrder finds the step the workflow is currently on. A missing step
// means the version was mutated under a running instance, which the catalog
// forbids.
func stepAtOrder(version *models.TemplateVersion, order int) (*models.TemplateStep, error) {
	for i := range version.Steps {
		if version.Steps[i].StepOrder == order {
			return &version.Steps[i], nil
		}
	}
	return nil, fmt.Errorf("version %s has no step at order %d", version.ID, order)
}

// stepAfter returns the step with the lowest order strictly greater than
// order, or nil if the given order is the last.
func stepAfter(version *models.TemplateVersion, order int) *models.TemplateStep {
	for i := range version.Steps {
		if version.Steps[i].StepOrder > order {
			return &version.Steps[i]
		}
	}
	return nil
}

// Cancel terminates an in-progress workflow.
func (s *WorkflowService) Cancel(ctx context.Context, workflowID string) (*models.Workflow, error) {
	var workflow *models.Workflow
	err := s.store.WithTx(ctx, func(tx repository.Store) error {
		var err error
		workflow, err = tx.GetWorkflowForUpdate(ctx, workflowID)
		if err != nil {
			return err
		}
		if workflow.Status.Terminal() {
			return models.Validationf("workflow %s is already %s", workflowID, workflow.Status)
		}
		now := time.Now()
		workflow.Status = models.StatusCanceled
		workflow.CompletedAt = &now
		return tx.UpdateWorkflow(ctx, workflow)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("workflow canceled", "workflow_id", workflowID)
	return workflow, nil
}
