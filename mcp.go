package pwkeeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterMCP registers pwkeeper tools on an MCP server.
func (k *Keeper) RegisterMCP(srv *mcp.Server) {
	k.registerCreateSessionTool(srv)
	k.registerForwardTool(srv)
	k.registerGetContentTool(srv)
	k.registerGetConsoleTool(srv)
	k.registerListSessionsTool(srv)
	k.registerResumeSessionTool(srv)
	k.registerCloseSessionTool(srv)
	k.registerHealthTool(srv)
}

// registerTool adapts an endpoint onto the MCP handler signature. Tool
// failures become in-band tool errors, not protocol errors.
func registerTool[Req any](srv *mcp.Server, tool *mcp.Tool, endpoint func(context.Context, *Req) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var r Req
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
				var res mcp.CallToolResult
				res.SetError(fmt.Errorf("invalid arguments: %w", err))
				return &res, nil
			}
		}

		resp, err := endpoint(ctx, &r)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(errors.New(err.Error()))
			return &res, nil
		}

		data, err := json.Marshal(resp)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// --- create_session ---

type createSessionRequest struct{}

func (k *Keeper) registerCreateSessionTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pwkeeper_create_session",
		Description: "Create a new browser session. Returns the session id to use with pwkeeper_forward.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	registerTool(srv, tool, func(ctx context.Context, _ *createSessionRequest) (any, error) {
		id, err := k.CreateSession(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{"session_id": id}, nil
	})
}

// --- forward ---

type forwardRequest struct {
	SessionID string         `json:"session_id"`
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params,omitempty"`
}

func (k *Keeper) registerForwardTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pwkeeper_forward",
		Description: "Forward a tool call to the browser subprocess. Returns a reference id and metadata; fetch large payloads with pwkeeper_get_content / pwkeeper_get_console.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string", "description": "Session to run the call in"},
			"tool":       map[string]any{"type": "string", "description": "Playwright MCP tool name (e.g. browser_navigate, browser_snapshot)"},
			"params":     map[string]any{"type": "object", "description": "Tool arguments, passed through"},
		}, []string{"session_id", "tool"}),
	}
	registerTool(srv, tool, func(ctx context.Context, r *forwardRequest) (any, error) {
		return k.Forward(ctx, r.SessionID, r.Tool, r.Params)
	})
}

// --- get_content ---

type getContentRequest struct {
	RefID       string `json:"ref_id"`
	Search      string `json:"search,omitempty"`
	BeforeLines int    `json:"before_lines,omitempty"`
	AfterLines  int    `json:"after_lines,omitempty"`
	ResetCursor bool   `json:"reset_cursor,omitempty"`
}

func (k *Keeper) registerGetContentTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pwkeeper_get_content",
		Description: "Fetch stored page content for a reference id. Unchanged content since the last read returns empty; pass reset_cursor to force the full payload.",
		InputSchema: inputSchema(map[string]any{
			"ref_id":       map[string]any{"type": "string", "description": "Reference id from pwkeeper_forward"},
			"search":       map[string]any{"type": "string", "description": "Keep only lines containing this substring"},
			"before_lines": map[string]any{"type": "integer", "description": "Context lines before each match"},
			"after_lines":  map[string]any{"type": "integer", "description": "Context lines after each match"},
			"reset_cursor": map[string]any{"type": "boolean", "description": "Return full content and reset the diff cursor"},
		}, []string{"ref_id"}),
	}
	registerTool(srv, tool, func(ctx context.Context, r *getContentRequest) (any, error) {
		content, err := k.ReadContent(ctx, r.RefID, ContentOptions{
			Search:      r.Search,
			BeforeLines: r.BeforeLines,
			AfterLines:  r.AfterLines,
			ResetCursor: r.ResetCursor,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"ref_id": r.RefID, "content": content, "unchanged": content == ""}, nil
	})
}

// --- get_console ---

type getConsoleRequest struct {
	RefID string `json:"ref_id"`
	Level string `json:"level,omitempty"`
}

func (k *Keeper) registerGetConsoleTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pwkeeper_get_console",
		Description: "Fetch console log entries for a reference id, optionally filtered by level. Console output is never diffed.",
		InputSchema: inputSchema(map[string]any{
			"ref_id": map[string]any{"type": "string", "description": "Reference id from pwkeeper_forward"},
			"level":  map[string]any{"type": "string", "enum": []any{"debug", "info", "warn", "error"}, "description": "Filter by level"},
		}, []string{"ref_id"}),
	}
	registerTool(srv, tool, func(ctx context.Context, r *getConsoleRequest) (any, error) {
		return k.ReadConsole(ctx, r.RefID, r.Level)
	})
}

// --- list_sessions ---

type listSessionsRequest struct {
	State string `json:"state,omitempty"`
}

func (k *Keeper) registerListSessionsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pwkeeper_list_sessions",
		Description: "List browser sessions, most recently active first.",
		InputSchema: inputSchema(map[string]any{
			"state": map[string]any{"type": "string", "enum": []any{"active", "closed", "recoverable", "stale", "failed", "error"}, "description": "Filter by state"},
		}, nil),
	}
	registerTool(srv, tool, func(ctx context.Context, r *listSessionsRequest) (any, error) {
		return k.ListSessions(ctx, r.State)
	})
}

// --- resume_session ---

type resumeSessionRequest struct {
	SessionID string `json:"session_id"`
}

func (k *Keeper) registerResumeSessionTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pwkeeper_resume_session",
		Description: "Rehydrate a recoverable session into the running subprocess from its latest snapshot.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string", "description": "Session to resume"},
		}, []string{"session_id"}),
	}
	registerTool(srv, tool, func(ctx context.Context, r *resumeSessionRequest) (any, error) {
		return k.ResumeSession(ctx, r.SessionID)
	})
}

// --- close_session ---

type closeSessionRequest struct {
	SessionID string `json:"session_id"`
}

func (k *Keeper) registerCloseSessionTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pwkeeper_close_session",
		Description: "Close a session cleanly. Closed sessions are not rehydrated on restart.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string", "description": "Session to close"},
		}, []string{"session_id"}),
	}
	registerTool(srv, tool, func(ctx context.Context, r *closeSessionRequest) (any, error) {
		if err := k.CloseSession(ctx, r.SessionID); err != nil {
			return nil, err
		}
		return map[string]string{"status": "closed"}, nil
	})
}

// --- health ---

type healthRequest struct{}

func (k *Keeper) registerHealthTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pwkeeper_health",
		Description: "Report subprocess health and supervisor state.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	registerTool(srv, tool, func(ctx context.Context, _ *healthRequest) (any, error) {
		return k.Health(), nil
	})
}
