package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"signoff/backend/internal/services"
	"signoff/backend/pkg/models"
)

// StartWorkflowRequest is the payload for StartWorkflow.
type StartWorkflowRequest struct {
	TemplateVersionID string `json:"template_version_id"`
}

// StartWorkflow creates a workflow instance from a template version
// (POST /api/v1/workflows)
func (s *Server) StartWorkflow(c echo.Context) error {
	ctx := c.Request().Context()

	var req StartWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	workflow, err := s.Workflows.Start(ctx, req.TemplateVersionID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, workflow)
}

// SubmitResponseRequest is the payload for SubmitResponse. The responder is
// taken from the authenticated request context, never from the body.
type SubmitResponseRequest struct {
	StepID      string                     `json:"step_id"`
	Type        string                     `json:"type"`
	Description string                     `json:"description,omitempty"`
	Attachments []services.AttachmentInput `json:"attachments,omitempty"`
}

// SubmitResponse records a response against the workflow's current step
// (POST /api/v1/workflows/:id/responses)
func (s *Server) SubmitResponse(c echo.Context) error {
	ctx := c.Request().Context()

	userID, err := responderID(c)
	if err != nil {
		return err
	}

	var req SubmitResponseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	result, err := s.Workflows.SubmitResponse(ctx, services.SubmitInput{
		WorkflowID:  c.Param("id"),
		StepID:      req.StepID,
		ResponderID: userID,
		Type:        models.ResponseType(req.Type),
		Description: req.Description,
		Attachments: req.Attachments,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// GetWorkflowState returns the read-only projection of a workflow
// (GET /api/v1/workflows/:id)
func (s *Server) GetWorkflowState(c echo.Context) error {
	state, err := s.Workflows.GetState(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, state)
}

// CancelWorkflow terminates an in-progress workflow
// (POST /api/v1/workflows/:id/cancel)
func (s *Server) CancelWorkflow(c echo.Context) error {
	workflow, err := s.Workflows.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, workflow)
}

// ListUsers returns all known users
// (GET /api/v1/users)
func (s *Server) ListUsers(c echo.Context) error {
	users, err := s.Catalog.ListUsers(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, users)
}
