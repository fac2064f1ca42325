package services

import (
	"context"
	"time"

	"signoff/backend/pkg/models"
)

// StepView is a step of the workflow's template version with its runtime
// position marked.
type StepView struct {
	ID        string                `json:"id"`
	Order     int                   `json:"order"`
	Name      string                `json:"name"`
	Rule      models.CompletionRule `json:"rule"`
	KValue    *int                  `json:"k_value,omitempty"`
	IsCurrent bool                  `json:"is_current"`
	Assignees []string              `json:"assignees"`
}

// HistoryView is a history entry joined with step and responder names.
type HistoryView struct {
	Event         models.HistoryEvent `json:"event"`
	StepName      string              `json:"step_name"`
	NextStepOrder *int                `json:"next_step_order,omitempty"`
	TriggeredBy   string              `json:"triggered_by"`
	Timestamp     time.Time           `json:"timestamp"`
}

// WorkflowState is a read-only projection of a workflow instance.
type WorkflowState struct {
	ID              string                `json:"id"`
	Status          models.WorkflowStatus `json:"status"`
	TemplateName    string                `json:"template_name"`
	VersionNumber   int                   `json:"version_number"`
	CreatedAt       time.Time             `json:"created_at"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
	CurrentStep     *StepView             `json:"current_step,omitempty"`
	Steps           []StepView            `json:"steps"`
	ActiveAssignees []string              `json:"active_assignees"`
	Responses       []models.Response     `json:"responses"`
	History         []HistoryView         `json:"history"`
}

// GetState assembles the projection of current position, assignees, ledger,
// and history. It never mutates state; calling it twice with no intervening
// submissions yields identical results.
func (s *WorkflowService) GetState(ctx context.Context, workflowID string) (*WorkflowState, error) {
	workflow, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	version, err := s.store.GetTemplateVersion(ctx, workflow.TemplateVersionID)
	if err != nil {
		return nil, err
	}
	template, err := s.store.GetTemplate(ctx, version.TemplateID)
	if err != nil {
		return nil, err
	}
	assignees, err := s.store.ListWorkflowAssignees(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	responses, err := s.store.ListWorkflowResponses(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	history, err := s.store.ListHistory(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	names := make(map[string]string, len(users))
	for _, u := range users {
		names[u.ID] = u.Name
	}
	stepNames := make(map[string]string, len(version.Steps))
	responders := make(map[string]string, len(responses)) // response id -> responder name
	for _, r := range responses {
		responders[r.ID] = names[r.ResponderID]
	}

	state := &WorkflowState{
		ID:            workflow.ID,
		Status:        workflow.Status,
		TemplateName:  template.Name,
		VersionNumber: version.VersionNumber,
		CreatedAt:     workflow.CreatedAt,
		CompletedAt:   workflow.CompletedAt,
		Responses:     responses,
	}

	for _, step := range version.Steps {
		stepNames[step.ID] = step.Name
		view := StepView{
			ID:        step.ID,
			Order:     step.StepOrder,
			Name:      step.Name,
			Rule:      step.Rule,
			KValue:    step.KValue,
			IsCurrent: workflow.Status == models.StatusInProgress && step.StepOrder == workflow.CurrentStepOrder,
			Assignees: make([]string, 0, len(step.AssigneeIDs)),
		}
		for _, userID := range step.AssigneeIDs {
			view.Assignees = append(view.Assignees, names[userID])
		}
		state.Steps = append(state.Steps, view)
		if view.IsCurrent {
			current := view
			state.CurrentStep = &current
		}
	}

	state.ActiveAssignees = make([]string, 0, len(assignees))
	for _, a := range assignees {
		state.ActiveAssignees = append(state.ActiveAssignees, names[a.UserID])
	}

	state.History = make([]HistoryView, 0, len(history))
	for _, e := range history {
		view := HistoryView{
			Event:         e.Event,
			StepName:      stepNames[e.StepID],
			NextStepOrder: e.NextStepOrder,
			TriggeredBy:   "System",
			Timestamp:     e.CreatedAt,
		}
		if e.ResponseID != nil {
			if name, ok := responders[*e.ResponseID]; ok && name != "" {
				view.TriggeredBy = name
			}
		}
		state.History = append(state.History, view)
	}
	return state, nil
}
