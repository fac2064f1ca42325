// Package api contains the HTTP handlers for the signoff service
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"signoff/backend/internal/auth"
	"signoff/backend/internal/services"
	"signoff/backend/pkg/models"
)

// Server holds the dependencies for the API server.
type Server struct {
	Catalog   *services.CatalogService
	Workflows *services.WorkflowService
}

// NewServer creates a new Server.
func NewServer(catalog *services.CatalogService, workflows *services.WorkflowService) *Server {
	return &Server{Catalog: catalog, Workflows: workflows}
}

// Register mounts the API routes on the given group.
func (s *Server) Register(g *echo.Group) {
	g.POST("/templates", s.CreateTemplate)
	g.GET("/templates", s.ListTemplates)
	g.GET("/templates/:id", s.GetTemplate)
	g.GET("/templates/versions/:id", s.GetTemplateVersion)
	g.POST("/templates/versions/:id/steps", s.AddStep)
	g.POST("/steps/:id/assignees", s.AssignStepUsers)
	g.POST("/workflows", s.StartWorkflow)
	g.GET("/workflows/:id", s.GetWorkflowState)
	g.POST("/workflows/:id/responses", s.SubmitResponse)
	g.POST("/workflows/:id/cancel", s.CancelWorkflow)
	g.GET("/users", s.ListUsers)
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
}

// HandleHealth returns basic health status (always returns 200 OK)
func HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "signoff",
		Version:   "1.0.0",
	})
}

// errorBody is the JSON error payload.
type errorBody struct {
	Kind      models.ErrorKind `json:"kind"`
	Message   string           `json:"message"`
	Retryable bool             `json:"retryable,omitempty"`
}

// writeError maps domain error kinds to HTTP statuses. Unknown errors are
// internal failures and keep their message out of the response.
func writeError(c echo.Context, err error) error {
	var domainErr *models.Error
	if !errors.As(err, &domainErr) {
		c.Logger().Error(err)
		return c.JSON(http.StatusInternalServerError, map[string]errorBody{
			"error": {Kind: "INTERNAL", Message: "internal server error"},
		})
	}

	status := http.StatusInternalServerError
	switch domainErr.Kind {
	case models.KindNotFound:
		status = http.StatusNotFound
	case models.KindValidation:
		status = http.StatusBadRequest
	case models.KindAuthorization:
		status = http.StatusForbidden
	case models.KindStaleStep, models.KindConflict:
		status = http.StatusConflict
	}
	return c.JSON(status, map[string]errorBody{
		"error": {Kind: domainErr.Kind, Message: domainErr.Message, Retryable: domainErr.Retryable()},
	})
}

// responderID extracts the authenticated user id placed in the request
// context by the auth middleware.
func responderID(c echo.Context) (string, error) {
	userID, ok := c.Request().Context().Value(auth.UserIDKey).(string)
	if !ok || userID == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "user not found in context")
	}
	return userID, nil
}
