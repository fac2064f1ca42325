package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"signoff/backend/internal/services"
	"signoff/backend/pkg/models"
)

// Server exposes the workflow engine as MCP tools, sharing the service layer
// with the REST API so both surfaces enforce the same invariants.
type Server struct {
	mcpServer *server.MCPServer
	catalog   *services.CatalogService
	workflows *services.WorkflowService
}

func NewServer(catalog *services.CatalogService, workflows *services.WorkflowService) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Signoff Workflows",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		catalog:   catalog,
		workflows: workflows,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_templates",
			mcp.WithDescription("List the available workflow templates and their active versions"),
		),
		s.handleListTemplates,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_workflow_state",
			mcp.WithDescription("Get the current position, assignees, responses, and history of a workflow"),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The ID of the workflow")),
		),
		s.handleGetWorkflowState,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"submit_response",
			mcp.WithDescription("Submit a POSITIVE or NEGATIVE response to a workflow's current step"),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The ID of the workflow")),
			mcp.WithString("step_id", mcp.Required(), mcp.Description("The ID of the workflow's current step")),
			mcp.WithString("responder_id", mcp.Required(), mcp.Description("The user ID of the responder")),
			mcp.WithString("type", mcp.Required(), mcp.Description("POSITIVE or NEGATIVE")),
			mcp.WithString("description", mcp.Description("Optional comment attached to the response")),
		),
		s.handleSubmitResponse,
	)
}

func (s *Server) handleListTemplates(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templates, err := s.catalog.ListTemplates(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list templates: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(templates)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleGetWorkflowState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	workflowID, ok := args["workflow_id"].(string)
	if !ok || workflowID == "" {
		return mcp.NewToolResultError("Missing required parameter: workflow_id"), nil
	}

	state, err := s.workflows.GetState(ctx, workflowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get workflow state: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(state)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleSubmitResponse(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	input := services.SubmitInput{}
	if input.WorkflowID, ok = args["workflow_id"].(string); !ok || input.WorkflowID == "" {
		return mcp.NewToolResultError("Missing required parameter: workflow_id"), nil
	}
	if input.StepID, ok = args["step_id"].(string); !ok || input.StepID == "" {
		return mcp.NewToolResultError("Missing required parameter: step_id"), nil
	}
	if input.ResponderID, ok = args["responder_id"].(string); !ok || input.ResponderID == "" {
		return mcp.NewToolResultError("Missing required parameter: responder_id"), nil
	}
	responseType, ok := args["type"].(string)
	if !ok || responseType == "" {
		return mcp.NewToolResultError("Missing required parameter: type"), nil
	}
	input.Type = models.ResponseType(responseType)
	input.Description, _ = args["description"].(string)

	result, err := s.workflows.SubmitResponse(ctx, input)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit response: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// Use SSE server for /mcp/sse and /mcp/message endpoints
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	// SSE endpoints
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
