package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"pkt.systems/pslog"

	"github.com/prbarcelon/crmbridge/internal/auth"
	"github.com/prbarcelon/crmbridge/internal/crm"
	"github.com/prbarcelon/crmbridge/internal/logging"
	"github.com/prbarcelon/crmbridge/internal/metrics"
	"github.com/prbarcelon/crmbridge/internal/protocol"
	"github.com/prbarcelon/crmbridge/internal/upstream"
)

const DefaultServerName = "crm-bridge"

// unknownTool is registered but never listed. Calls naming a tool outside
// the catalog are rerouted to it so they are answered with a content
// message instead of a JSON-RPC error.
const (
	unknownTool    = "crm_unknown_tool"
	unknownNameArg = "tool"
	unknownArgsArg = "arguments"
)

// HistoryRecorder receives one entry per dispatched tool call.
type HistoryRecorder interface {
	Record(ctx context.Context, item protocol.HistoryItem)
}

type Options struct {
	Name     string
	Version  string
	Logger   pslog.Logger
	Metrics  *metrics.Metrics
	Recorder HistoryRecorder
}

type toolFunc func(ctx context.Context, svc *crm.Service, args arguments) (upstream.Result, error)

// Surface exposes the CRM service as MCP tools. Every registered handler,
// whichever transport delivers the call, goes through Call.
type Surface struct {
	svc      *crm.Service
	tools    []mcpproto.Tool
	handlers map[string]toolFunc
	logger   pslog.Logger
	metrics  *metrics.Metrics
	recorder HistoryRecorder
	server   *mcpserver.MCPServer
	now      func() time.Time
}

func NewSurface(svc *crm.Service, opts Options) *Surface {
	if opts.Name == "" {
		opts.Name = DefaultServerName
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Surface{
		svc:      svc,
		tools:    catalogTools(),
		handlers: toolHandlers(),
		logger:   logging.WithSubsystem(opts.Logger, "mcp.server"),
		metrics:  opts.Metrics,
		recorder: opts.Recorder,
		now:      time.Now,
	}

	hooks := &mcpserver.Hooks{}
	hooks.AddBeforeCallTool(func(ctx context.Context, id any, req *mcpproto.CallToolRequest) {
		logging.FromContext(ctx, s.logger).Debug("mcp.tool.begin", "tool", req.Params.Name, "has_token", auth.TokenFromContext(ctx) != "")
		rerouteUnknown(req, s.handlers)
	})
	hooks.AddOnError(func(ctx context.Context, id any, method mcpproto.MCPMethod, message any, err error) {
		logging.FromContext(ctx, s.logger).Warn("mcp.request.failed", "method", string(method), "error", err)
	})

	s.server = mcpserver.NewMCPServer(opts.Name, opts.Version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
		mcpserver.WithHooks(hooks),
		mcpserver.WithToolFilter(hideUnknownTool),
		mcpserver.WithInstructions("Tools for reading and updating tasks and contacts in the CRM. Calls act on behalf of the bearer token sent with each request."),
	)
	serverTools := make([]mcpserver.ServerTool, 0, len(s.tools))
	for _, tool := range s.tools {
		name := tool.Name
		serverTools = append(serverTools, mcpserver.ServerTool{
			Tool: tool,
			Handler: func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
				return s.Call(ctx, name, req.GetArguments()), nil
			},
		})
	}
	serverTools = append(serverTools, mcpserver.ServerTool{
		Tool: mcpproto.NewTool(unknownTool, mcpproto.WithDescription("Answers calls to tools outside the catalog.")),
		Handler: func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			args := req.GetArguments()
			name, _ := args[unknownNameArg].(string)
			inner, _ := args[unknownArgsArg].(map[string]any)
			return s.Call(ctx, name, inner), nil
		},
	})
	s.server.AddTools(serverTools...)
	return s
}

// rerouteUnknown points a call for a name outside handlers at unknownTool,
// keeping the requested name and arguments.
func rerouteUnknown(req *mcpproto.CallToolRequest, handlers map[string]toolFunc) {
	if _, ok := handlers[req.Params.Name]; ok {
		return
	}
	req.Params.Arguments = map[string]any{
		unknownNameArg: req.Params.Name,
		unknownArgsArg: req.GetArguments(),
	}
	req.Params.Name = unknownTool
}

func hideUnknownTool(_ context.Context, tools []mcpproto.Tool) []mcpproto.Tool {
	out := make([]mcpproto.Tool, 0, len(tools))
	for _, t := range tools {
		if t.Name != unknownTool {
			out = append(out, t)
		}
	}
	return out
}

// MCPServer returns the protocol server every transport is built on.
func (s *Surface) MCPServer() *mcpserver.MCPServer {
	return s.server
}

// SSE builds the legacy SSE transport: GET /sse opens the stream and
// POST /messages carries tool calls. baseURL may be empty.
func (s *Surface) SSE(baseURL string) *mcpserver.SSEServer {
	opts := []mcpserver.SSEOption{
		mcpserver.WithSSEEndpoint("/sse"),
		mcpserver.WithMessageEndpoint("/messages"),
		mcpserver.WithKeepAlive(true),
		mcpserver.WithSSEContextFunc(auth.ContextFunc),
	}
	if baseURL != "" {
		opts = append(opts, mcpserver.WithBaseURL(strings.TrimRight(baseURL, "/")))
	}
	return mcpserver.NewSSEServer(s.server, opts...)
}

// Streamable builds the streamable HTTP transport served at /mcp.
func (s *Surface) Streamable() *mcpserver.StreamableHTTPServer {
	return mcpserver.NewStreamableHTTPServer(s.server,
		mcpserver.WithEndpointPath("/mcp"),
		mcpserver.WithHTTPContextFunc(auth.ContextFunc),
	)
}

// Tools returns the advertised tool definitions in catalog order.
func (s *Surface) Tools() []mcpproto.Tool {
	out := make([]mcpproto.Tool, len(s.tools))
	copy(out, s.tools)
	return out
}

func (s *Surface) Catalog() []protocol.ToolInfo {
	return toolInfos(s.tools)
}

func (s *Surface) Detail(name string) (*protocol.ToolDetail, error) {
	for _, t := range s.tools {
		if t.Name == name {
			return toolDetail(t), nil
		}
	}
	return nil, fmt.Errorf("unknown tool %q", name)
}

// Call dispatches one tool call and folds every outcome into a result. It
// never returns nil and never returns a protocol error.
func (s *Surface) Call(ctx context.Context, name string, args map[string]any) *mcpproto.CallToolResult {
	started := s.now()
	logger := logging.FromContext(ctx, s.logger)

	fn, ok := s.handlers[name]
	if !ok {
		logger.Warn("mcp.tool.unknown", "tool", name)
		s.metrics.ObserveTool(name, false)
		return mcpproto.NewToolResultError("Unknown tool: " + name)
	}

	res, err := fn(ctx, s.svc, arguments(args))
	result, errText := s.toResult(res, err)

	success := errText == ""
	s.metrics.ObserveTool(name, success)
	elapsed := s.now().Sub(started)
	if success {
		logger.Debug("mcp.tool.done", "tool", name, "elapsed_ms", elapsed.Milliseconds())
	} else {
		logger.Info("mcp.tool.failed", "tool", name, "error", errText, "elapsed_ms", elapsed.Milliseconds())
	}
	if s.recorder != nil {
		s.recorder.Record(ctx, protocol.HistoryItem{
			At:         started.UTC(),
			Surface:    protocol.SurfaceMCP,
			Operation:  name,
			Args:       args,
			Success:    success,
			Error:      errText,
			DurationMs: elapsed.Milliseconds(),
		})
	}
	return result
}

func (s *Surface) toResult(res upstream.Result, err error) (*mcpproto.CallToolResult, string) {
	if err != nil {
		return mcpproto.NewToolResultError("Error: " + err.Error()), err.Error()
	}
	text, merr := json.MarshalIndent(res, "", "  ")
	if merr != nil {
		return mcpproto.NewToolResultError("Error: " + merr.Error()), merr.Error()
	}
	if !res.OK() {
		return mcpproto.NewToolResultError(string(text)), res.Err
	}
	return mcpproto.NewToolResultText(string(text)), ""
}

func toolHandlers() map[string]toolFunc {
	return map[string]toolFunc{
		ToolGetTasks: func(ctx context.Context, svc *crm.Service, a arguments) (upstream.Result, error) {
			limit, err := a.integer("limit")
			if err != nil {
				return upstream.Result{}, err
			}
			return svc.GetTasks(ctx, crm.TaskQuery{Limit: limit, Status: a.text("status"), Search: a.text("search")})
		},
		ToolCreateTask: func(ctx context.Context, svc *crm.Service, a arguments) (upstream.Result, error) {
			return svc.CreateTask(ctx, crm.NewTask{Title: a.text("title"), Priority: a.text("priority")})
		},
		ToolUpdateTask: func(ctx context.Context, svc *crm.Service, a arguments) (upstream.Result, error) {
			return svc.UpdateTask(ctx, a.text("task_id"), crm.TaskUpdate{
				Title:    a.optional("title"),
				TaskType: a.optional("task_type"),
				Priority: a.optional("priority"),
				Status:   a.optional("status"),
				DueDate:  a.optional("due_date"),
				Notes:    a.optional("notes"),
			})
		},
		ToolUpdateTaskStatus: func(ctx context.Context, svc *crm.Service, a arguments) (upstream.Result, error) {
			return svc.UpdateTaskStatus(ctx, a.text("task_id"), a.text("status"))
		},
		ToolUpdateTaskPriority: func(ctx context.Context, svc *crm.Service, a arguments) (upstream.Result, error) {
			return svc.UpdateTaskPriority(ctx, a.text("task_id"), a.text("priority"))
		},
		ToolLatestTasks: func(ctx context.Context, svc *crm.Service, _ arguments) (upstream.Result, error) {
			return svc.LatestTasks(ctx)
		},
		ToolTaskStatistics: func(ctx context.Context, svc *crm.Service, _ arguments) (upstream.Result, error) {
			return svc.TaskStatistics(ctx)
		},
		ToolSearchContacts: func(ctx context.Context, svc *crm.Service, a arguments) (upstream.Result, error) {
			limit, err := a.integer("limit")
			if err != nil {
				return upstream.Result{}, err
			}
			return svc.SearchContacts(ctx, crm.ContactQuery{Search: a.text("search"), Limit: limit})
		},
		ToolCreateContact: func(ctx context.Context, svc *crm.Service, a arguments) (upstream.Result, error) {
			return svc.CreateContact(ctx, crm.NewContact{
				Name:        a.text("name"),
				LastName:    a.optional("last_name"),
				Email:       a.text("email"),
				Title:       a.optional("title"),
				MobilePhone: a.optional("mobile_phone"),
				Seniority:   a.optional("seniority"),
				Departments: a.optional("departments"),
				Country:     a.optional("country"),
			})
		},
		ToolUpdateContact: func(ctx context.Context, svc *crm.Service, a arguments) (upstream.Result, error) {
			return svc.UpdateContact(ctx, a.text("contact_id"), crm.ContactUpdate{
				Name:        a.optional("name"),
				LastName:    a.optional("last_name"),
				Email:       a.optional("email"),
				Title:       a.optional("title"),
				MobilePhone: a.optional("mobile_phone"),
				Seniority:   a.optional("seniority"),
				Departments: a.optional("departments"),
			})
		},
		ToolDeleteContact: func(ctx context.Context, svc *crm.Service, a arguments) (upstream.Result, error) {
			return svc.DeleteContact(ctx, a.text("contact_id"))
		},
		ToolSendEmail: func(ctx context.Context, svc *crm.Service, a arguments) (upstream.Result, error) {
			return svc.SendEmail(ctx, crm.Email{
				To:      a.text("to"),
				Subject: a.text("subject"),
				Body:    a.text("body"),
				CC:      a.optional("cc"),
				BCC:     a.optional("bcc"),
				From:    a.optional("from"),
			})
		},
	}
}

// arguments is the raw argument object of a tool call. Clients send ids as
// strings or numbers, so scalar values are read leniently.
type arguments map[string]any

func (a arguments) optional(key string) *string {
	v, ok := a[key]
	if !ok || v == nil {
		return nil
	}
	s := scalarString(v)
	return &s
}

func (a arguments) text(key string) string {
	if p := a.optional(key); p != nil {
		return *p
	}
	return ""
}

// integer returns nil when key is absent so the service applies its default.
func (a arguments) integer(key string) (*int, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return nil, nil
	}
	invalid := &crm.ValidationError{Field: key, Message: "Input should be a valid integer"}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return nil, invalid
		}
		i := int(n)
		return &i, nil
	case int:
		return &n, nil
	case int64:
		i := int(n)
		return &i, nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return nil, invalid
		}
		out := int(i)
		return &out, nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return nil, invalid
		}
		return &i, nil
	default:
		return nil, invalid
	}
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

