package ingest

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/recette/kit"
)

// RegisterMCP registers the ingestion tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerSubmitTool(srv)
	s.registerStatusTool(srv)
	s.registerEventsTool(srv)
	s.registerCommitTool(srv)
	s.registerRejectTool(srv)
	s.registerNormalizeTool(srv)
	s.registerCancelTool(srv)
	s.registerProvidersTool(srv)
	s.registerBreakersTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	sch := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sch["required"] = required
	}
	return sch
}

var (
	taskIDProp  = map[string]any{"type": "string", "description": "Task id"}
	versionProp = map[string]any{"type": "integer", "description": "State version the reviewer saw"}
	actorProp   = map[string]any{"type": "string", "description": "Reviewer name recorded in the audit trail"}
)

func (s *Service) tool(srv *mcp.Server, tool *mcp.Tool, ep kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	kit.RegisterMCPTool(srv, tool, kit.Logging(s.logger, tool.Name)(ep), decode)
}

// --- submit ---

func (s *Service) registerSubmitTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ingest_submit",
		Description: "Queue a recipe ingestion task: mode url (fetch one page), query (search then fetch) or normalize (propose edits to a stored recipe).",
		InputSchema: inputSchema(map[string]any{
			"taskId":      map[string]any{"type": "string", "description": "Optional idempotency id"},
			"mode":        map[string]any{"type": "string", "enum": []string{"url", "query", "normalize"}},
			"url":         map[string]any{"type": "string"},
			"query":       map[string]any{"type": "string"},
			"recipeId":    map[string]any{"type": "string", "description": "Target record in normalize mode"},
			"focusAreas":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"constraints": map[string]any{"type": "object", "description": "providerId, market, allowDomains, denyDomains, maxResults, fallback"},
		}, []string{"mode"}),
	}
	ep := func(ctx context.Context, req any) (any, error) {
		return s.Submit(ctx, req.(*Task))
	}
	s.tool(srv, tool, ep, kit.DecodeJSON[Task]())
}

// --- status ---

type taskRef struct {
	TaskID string `json:"taskId"`
}

func (s *Service) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ingest_status",
		Description: "Return the current state of a task, including its draft or proposal once review_ready.",
		InputSchema: inputSchema(map[string]any{"taskId": taskIDProp}, []string{"taskId"}),
	}
	ep := func(ctx context.Context, req any) (any, error) {
		return s.Status(ctx, req.(*taskRef).TaskID)
	}
	s.tool(srv, tool, ep, kit.DecodeJSON[taskRef]())
}

// --- events ---

type eventsReq struct {
	TaskID string `json:"taskId"`
	After  int64  `json:"after"`
	Limit  int    `json:"limit"`
}

type eventsResp struct {
	Events []Event `json:"events"`
	Next   int64   `json:"next"`
}

func (s *Service) registerEventsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ingest_events",
		Description: "Read progress events of a task after a cursor. Pass the returned next value as after to continue.",
		InputSchema: inputSchema(map[string]any{
			"taskId": taskIDProp,
			"after":  map[string]any{"type": "integer", "description": "Cursor from a previous call (default 0)"},
			"limit":  map[string]any{"type": "integer", "description": "Max events (default 100)"},
		}, []string{"taskId"}),
	}
	ep := func(ctx context.Context, req any) (any, error) {
		r := req.(*eventsReq)
		evs, next, err := s.Events(ctx, r.TaskID, r.After, r.Limit)
		if err != nil {
			return nil, err
		}
		if evs == nil {
			evs = []Event{}
		}
		return eventsResp{Events: evs, Next: next}, nil
	}
	s.tool(srv, tool, ep, kit.DecodeJSON[eventsReq]())
}

// --- dispositions ---

func (s *Service) registerCommitTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ingest_commit",
		Description: "Commit a review_ready task. Pass an edited recipe to commit an edit, or approvedPatches for a normalize proposal.",
		InputSchema: inputSchema(map[string]any{
			"taskId":          taskIDProp,
			"version":         versionProp,
			"actor":           actorProp,
			"recipe":          map[string]any{"type": "object", "description": "Edited recipe replacing the draft"},
			"approvedPatches": map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
		}, []string{"taskId", "version"}),
	}
	ep := func(ctx context.Context, req any) (any, error) {
		return s.Commit(ctx, *req.(*CommitRequest))
	}
	s.tool(srv, tool, ep, kit.DecodeJSON[CommitRequest]())
}

func (s *Service) registerRejectTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ingest_reject",
		Description: "Reject a review_ready task with an optional reason.",
		InputSchema: inputSchema(map[string]any{
			"taskId":  taskIDProp,
			"version": versionProp,
			"actor":   actorProp,
			"reason":  map[string]any{"type": "string"},
		}, []string{"taskId", "version"}),
	}
	ep := func(ctx context.Context, req any) (any, error) {
		return s.Reject(ctx, *req.(*RejectRequest))
	}
	s.tool(srv, tool, ep, kit.DecodeJSON[RejectRequest]())
}

func (s *Service) registerNormalizeTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ingest_normalize",
		Description: "Commit a review_ready draft and queue a normalize task over the committed recipe.",
		InputSchema: inputSchema(map[string]any{
			"taskId":     taskIDProp,
			"version":    versionProp,
			"actor":      actorProp,
			"focusAreas": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		}, []string{"taskId", "version"}),
	}
	ep := func(ctx context.Context, req any) (any, error) {
		return s.Normalize(ctx, *req.(*NormalizeRequest))
	}
	s.tool(srv, tool, ep, kit.DecodeJSON[NormalizeRequest]())
}

func (s *Service) registerCancelTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ingest_cancel",
		Description: "Cancel a pending or running task.",
		InputSchema: inputSchema(map[string]any{"taskId": taskIDProp}, []string{"taskId"}),
	}
	ep := func(ctx context.Context, req any) (any, error) {
		return s.Cancel(ctx, req.(*taskRef).TaskID)
	}
	s.tool(srv, tool, ep, kit.DecodeJSON[taskRef]())
}

// --- operations ---

type empty struct{}

func (s *Service) registerProvidersTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ingest_providers",
		Description: "List the enabled search providers, default first.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	ep := func(context.Context, any) (any, error) {
		return map[string]any{"providers": s.Providers()}, nil
	}
	s.tool(srv, tool, ep, kit.DecodeJSON[empty]())
}

func (s *Service) registerBreakersTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "ingest_breakers",
		Description: "Show per-domain fetch circuit breakers. Pass reset to close one domain's circuit.",
		InputSchema: inputSchema(map[string]any{
			"reset": map[string]any{"type": "string", "description": "Domain to reset"},
		}, nil),
	}
	type breakersReq struct {
		Reset string `json:"reset"`
	}
	ep := func(_ context.Context, req any) (any, error) {
		if d := req.(*breakersReq).Reset; d != "" {
			s.ResetBreaker(d)
		}
		return map[string]any{"breakers": s.Breakers()}, nil
	}
	s.tool(srv, tool, ep, kit.DecodeJSON[breakersReq]())
}
