package mirror

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/defectmirror/analytics"
	"github.com/hazyhaar/defectmirror/defect"
	"github.com/hazyhaar/defectmirror/idgen"
	"github.com/hazyhaar/defectmirror/kit"
	"github.com/hazyhaar/defectmirror/query"
)

var mcpRequestID = idgen.Prefixed("req_", idgen.UUIDv7())

// RegisterMCP registers the defect tools on an MCP server.
func (m *Mirror) RegisterMCP(srv *mcp.Server) {
	m.registerSearchTool(srv)
	m.registerGetTool(srv)
	m.registerStatsTool(srv)
	m.registerHistoryTool(srv)
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

func (m *Mirror) tool(name string, ep kit.Endpoint) kit.Endpoint {
	return kit.Chain(kit.RequestID(mcpRequestID), kit.Logging(m.logger, name))(ep)
}

var stringList = map[string]any{"type": "array", "items": map[string]any{"type": "string"}}

// --- search ---

func (m *Mirror) registerSearchTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "defects_search",
		Description: "Search and list defects of the current snapshot. A numeric query looks up that defect id only; otherwise the query is matched as word prefixes against title, description, developer comments, owner and reporter. Without a query, lists defects matching the filters.",
		InputSchema: inputSchema(map[string]any{
			"q":           map[string]any{"type": "string", "description": "Full-text query or defect id"},
			"status":      stringList,
			"priority":    stringList,
			"owner":       stringList,
			"module":      stringList,
			"workstream":  stringList,
			"defect_type": stringList,
			"scenario":    stringList,
			"integration": stringList,
			"blocks":      map[string]any{"type": "array", "items": map[string]any{"type": "integer"}, "description": "Defects blocking these ids"},
			"sort":        map[string]any{"type": "string", "description": "Sort field"},
			"order":       map[string]any{"type": "string", "enum": []any{"asc", "desc"}},
			"page":        map[string]any{"type": "integer", "description": "Page number (default 1)"},
			"page_size":   map[string]any{"type": "integer", "description": "Page size (default 50)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*query.Request)
		if r.Query != "" {
			return m.Search(ctx, *r)
		}
		return m.Find(ctx, *r)
	}

	kit.RegisterMCPTool(srv, tool, m.tool(tool.Name, endpoint), kit.DecodeArgs[query.Request]())
}

// --- get ---

type getRequest struct {
	ID int `json:"id"`
}

func (m *Mirror) registerGetTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "defects_get",
		Description: "Get one defect by id, with sanitised description and formatted developer comments.",
		InputSchema: inputSchema(map[string]any{
			"id": map[string]any{"type": "integer", "description": "Defect id"},
		}, []string{"id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*getRequest)
		d, err := m.Get(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		return NewDefectView(d), nil
	}

	kit.RegisterMCPTool(srv, tool, m.tool(tool.Name, endpoint), kit.DecodeArgs[getRequest]())
}

// --- stats ---

type statsRequest struct {
	View          string `json:"view,omitempty"`
	IncludeClosed bool   `json:"include_closed,omitempty"`
	TopN          int    `json:"top_n,omitempty"`
	Lane          string `json:"lane,omitempty"`
	IncludeHidden bool   `json:"include_hidden,omitempty"`
}

var statsViews = []any{"summary", "burndown", "aging", "velocity", "priority_trend", "executive", "kanban"}

func (m *Mirror) registerStatsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "defects_stats",
		Description: "Analytics over the current snapshot: summary counts, burndown with projection, aging buckets, weekly velocity, priority trend, executive scorecard or kanban board.",
		InputSchema: inputSchema(map[string]any{
			"view":           map[string]any{"type": "string", "enum": statsViews, "description": "View (default summary)"},
			"include_closed": map[string]any{"type": "boolean", "description": "summary: break down closed defects too"},
			"top_n":          map[string]any{"type": "integer", "description": "summary: entries per breakdown"},
			"lane":           map[string]any{"type": "string", "enum": []any{"priority", "owner", "module", "workstream", LaneNone}, "description": "kanban: swimlane field, none for a board without lanes"},
			"include_hidden": map[string]any{"type": "boolean", "description": "kanban: include rejected/duplicate/deferred"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*statsRequest)
		switch r.View {
		case "", "summary":
			return m.Stats(ctx, analytics.StatsOptions{IncludeClosed: r.IncludeClosed, TopN: r.TopN})
		case "burndown":
			return m.Burndown(ctx)
		case "aging":
			return m.Aging(ctx)
		case "velocity":
			return m.Velocity(ctx)
		case "priority_trend":
			return m.PriorityTrend(ctx)
		case "executive":
			return m.Executive(ctx)
		case "kanban":
			return m.Kanban(ctx, KanbanLane(r.Lane), r.IncludeHidden)
		}
		return nil, defect.Invalid("view", r.View, fmt.Sprintf("view must be one of %v", statsViews))
	}

	kit.RegisterMCPTool(srv, tool, m.tool(tool.Name, endpoint), kit.DecodeArgs[statsRequest]())
}

// --- history ---

type historyRequest struct {
	Generation string `json:"generation,omitempty"`
	ID         int    `json:"id,omitempty"`
}

func (m *Mirror) registerHistoryTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "defects_history",
		Description: "Browse past snapshots. Without arguments lists generations newest first; with a generation returns its records, or only defect id when given.",
		InputSchema: inputSchema(map[string]any{
			"generation": map[string]any{"type": "string", "description": "Generation id (YYYYMMDD-HHMMSS)"},
			"id":         map[string]any{"type": "integer", "description": "Defect id within the generation"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*historyRequest)
		if r.Generation == "" {
			if r.ID != 0 {
				return nil, defect.Invalid("generation", "", "generation is required with id")
			}
			return m.Generations()
		}
		records, err := m.GenerationRecords(r.Generation)
		if err != nil {
			return nil, err
		}
		if r.ID == 0 {
			return map[string]any{"generation": r.Generation, "count": len(records), "defects": records}, nil
		}
		for _, d := range records {
			if d.ID == r.ID {
				return d, nil
			}
		}
		return nil, fmt.Errorf("defect %d in generation %s: %w", r.ID, r.Generation, defect.ErrNotFound)
	}

	kit.RegisterMCPTool(srv, tool, m.tool(tool.Name, endpoint), kit.DecodeArgs[historyRequest]())
}
