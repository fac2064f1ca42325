package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"signoff/backend/internal/services"
)

// CreateTemplateRequest is the payload for CreateTemplate.
type CreateTemplateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CreateTemplate creates a template with its initial version
// (POST /api/v1/templates)
func (s *Server) CreateTemplate(c echo.Context) error {
	ctx := c.Request().Context()

	var req CreateTemplateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	template, err := s.Catalog.CreateTemplate(ctx, req.Name, req.Description)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, template)
}

// ListTemplates returns all templates with their active version
// (GET /api/v1/templates)
func (s *Server) ListTemplates(c echo.Context) error {
	templates, err := s.Catalog.ListTemplates(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, templates)
}

// GetTemplate returns a template with all versions and their step trees
// (GET /api/v1/templates/:id)
func (s *Server) GetTemplate(c echo.Context) error {
	template, err := s.Catalog.GetTemplate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, template)
}

// GetTemplateVersion returns a version with its full step/assignee tree
// (GET /api/v1/templates/versions/:id)
func (s *Server) GetTemplateVersion(c echo.Context) error {
	version, err := s.Catalog.GetTemplateVersion(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, version)
}

// AddStep adds an ordered step to a template version
// (POST /api/v1/templates/versions/:id/steps)
func (s *Server) AddStep(c echo.Context) error {
	ctx := c.Request().Context()

	var input services.AddStepInput
	if err := c.Bind(&input); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	input.TemplateVersionID = c.Param("id")

	step, err := s.Catalog.AddStep(ctx, input)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, step)
}

// AssignStepUsersRequest is the payload for AssignStepUsers.
type AssignStepUsersRequest struct {
	UserIDs []string `json:"user_ids"`
}

// AssignStepUsers declares users eligible for a step definition
// (POST /api/v1/steps/:id/assignees)
func (s *Server) AssignStepUsers(c echo.Context) error {
	ctx := c.Request().Context()

	var req AssignStepUsersRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	if err := s.Catalog.AssignStepUsers(ctx, c.Param("id"), req.UserIDs); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
