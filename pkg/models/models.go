// Package models defines the domain models for the signoff service
package models

import (
	"time"
)

// CompletionRule determines when a step's responses are sufficient to advance.
type CompletionRule string

const (
	RuleAll  CompletionRule = "ALL"
	RuleAny  CompletionRule = "ANY"
	RuleKOfN CompletionRule = "K_OF_N"
)

// Valid reports whether r is one of the known completion rules.
func (r CompletionRule) Valid() bool {
	switch r {
	case RuleAll, RuleAny, RuleKOfN:
		return true
	}
	return false
}

// ResponseType is the verdict a responder gives on a step.
type ResponseType string

const (
	ResponsePositive ResponseType = "POSITIVE"
	ResponseNegative ResponseType = "NEGATIVE"
)

// Valid reports whether t is one of the known response types.
func (t ResponseType) Valid() bool {
	return t == ResponsePositive || t == ResponseNegative
}

// WorkflowStatus is the overall status of a workflow instance.
type WorkflowStatus string

const (
	StatusInProgress WorkflowStatus = "IN_PROGRESS"
	StatusCompleted  WorkflowStatus = "COMPLETED"
	StatusCanceled   WorkflowStatus = "CANCELED"
)

// Terminal reports whether s is a final status.
func (s WorkflowStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// HistoryEvent is the type of transition logged in the history table.
type HistoryEvent string

const (
	EventWorkflowStarted   HistoryEvent = "WORKFLOW_STARTED"
	EventStepAdvanced      HistoryEvent = "STEP_ADVANCED"
	EventStepSentBack      HistoryEvent = "STEP_SENT_BACK"
	EventWorkflowCompleted HistoryEvent = "WORKFLOW_COMPLETED"
)

// User is an identity that can be assigned to steps and submit responses.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Template is a reusable definition of an approval process shape.
type Template struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	CreatedAt   time.Time         `json:"created_at"`
	Versions    []TemplateVersion `json:"versions,omitempty"`
}

// TemplateVersion is an immutable, versioned snapshot of a template's steps.
// Once any workflow instance references a version it must never be mutated;
// correcting a mistake means creating a new version.
type TemplateVersion struct {
	ID            string         `json:"id"`
	TemplateID    string         `json:"template_id"`
	VersionNumber int            `json:"version_number"`
	IsActive      bool           `json:"is_active"`
	Steps         []TemplateStep `json:"steps,omitempty"`
}

// TemplateStep is one ordered stage of a workflow definition.
type TemplateStep struct {
	ID                string         `json:"id"`
	TemplateVersionID string         `json:"template_version_id"`
	StepOrder         int            `json:"step_order"`
	Name              string         `json:"name"`
	Rule              CompletionRule `json:"rule"`
	KValue            *int           `json:"k_value,omitempty"` // required iff Rule is K_OF_N
	Metadata          map[string]any `json:"metadata,omitempty"`
	AssigneeIDs       []string       `json:"assignee_ids,omitempty"`
}

// Workflow is a running execution of a template version. The referenced
// version is fixed for the workflow's lifetime.
type Workflow struct {
	ID                string         `json:"id"`
	TemplateVersionID string         `json:"template_version_id"`
	CurrentStepOrder  int            `json:"current_step_order"`
	Status            WorkflowStatus `json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"` // set iff Status is terminal
}

// WorkflowAssignee records who may respond to a given step of a specific
// running instance. Copied from the template assignees when the step becomes
// current, so later template edits never affect an in-flight workflow.
type WorkflowAssignee struct {
	WorkflowID string `json:"workflow_id"`
	StepID     string `json:"step_id"`
	UserID     string `json:"user_id"`
}

// Attachment is a file reference carried by a response.
type Attachment struct {
	ID         string `json:"id"`
	ResponseID string `json:"response_id"`
	FileURL    string `json:"file_url"`
	FileName   string `json:"file_name"`
}

// Response is one responder's verdict on a step, scoped to a revision.
// Revisions partition responses into independent rounds: after a step is
// sent back, a new revision begins and prior responses no longer count.
type Response struct {
	ID             string       `json:"id"`
	WorkflowID     string       `json:"workflow_id"`
	StepID         string       `json:"step_id"`
	ResponderID    string       `json:"responder_id"`
	Type           ResponseType `json:"type"`
	Description    string       `json:"description,omitempty"`
	RevisionNumber int          `json:"revision_number"`
	CreatedAt      time.Time    `json:"created_at"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// HistoryEntry is an immutable audit record of a workflow transition.
type HistoryEntry struct {
	ID            string       `json:"id"`
	WorkflowID    string       `json:"workflow_id"`
	StepID        string       `json:"step_id"`
	Event         HistoryEvent `json:"event"`
	NextStepOrder *int         `json:"next_step_order,omitempty"` // nil at completion
	ResponseID    *string      `json:"response_id,omitempty"`     // triggering response, if any
	CreatedAt     time.Time    `json:"created_at"`
}
