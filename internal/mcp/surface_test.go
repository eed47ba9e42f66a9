package mcp

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpproto "github.com/mark3labs/mcp-go/mcp"

	"github.com/prbarcelon/crmbridge/internal/auth"
	"github.com/prbarcelon/crmbridge/internal/crm"
	"github.com/prbarcelon/crmbridge/internal/protocol"
	"github.com/prbarcelon/crmbridge/internal/upstream"
)

type fakeCaller struct {
	mu      sync.Mutex
	reqs    []upstream.Request
	tokens  []string
	respond func(upstream.Request) upstream.Result
}

func (f *fakeCaller) Call(ctx context.Context, req upstream.Request) upstream.Result {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.tokens = append(f.tokens, auth.TokenFromContext(ctx))
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(req)
	}
	return upstream.Success(map[string]any{"ok": true})
}

func (f *fakeCaller) calls() []upstream.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upstream.Request(nil), f.reqs...)
}

type memoryRecorder struct {
	mu    sync.Mutex
	items []protocol.HistoryItem
}

func (m *memoryRecorder) Record(_ context.Context, item protocol.HistoryItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, item)
}

func newTestSurface(caller *fakeCaller) *Surface {
	return NewSurface(crm.NewService(caller), Options{Version: "test"})
}

func newInProcessClient(t *testing.T, s *Surface) *mcpclient.Client {
	t.Helper()
	cli, err := mcpclient.NewInProcessClient(s.MCPServer())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	ctx := context.Background()
	if err := cli.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	initReq := mcpproto.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpproto.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpproto.Implementation{Name: "test", Version: "dev"}
	if _, err := cli.Initialize(ctx, initReq); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return cli
}

func callRequest(name string, args map[string]any) mcpproto.CallToolRequest {
	req := mcpproto.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcpproto.CallToolResult) string {
	t.Helper()
	if res == nil {
		t.Fatal("nil result")
	}
	if len(res.Content) != 1 {
		t.Fatalf("expected one content item, got %d", len(res.Content))
	}
	text, ok := mcpproto.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text
}

func TestToolsListedOverProtocol(t *testing.T) {
	cli := newInProcessClient(t, newTestSurface(&fakeCaller{}))

	list, err := cli.ListTools(context.Background(), mcpproto.ListToolsRequest{})
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	got := make([]string, 0, len(list.Tools))
	for _, tool := range list.Tools {
		got = append(got, tool.Name)
	}
	sort.Strings(got)
	want := []string{
		ToolCreateContact, ToolCreateTask, ToolDeleteContact, ToolGetTasks,
		ToolTaskStatistics, ToolLatestTasks, ToolSearchContacts, ToolSendEmail,
		ToolUpdateContact, ToolUpdateTask, ToolUpdateTaskPriority, ToolUpdateTaskStatus,
	}
	sort.Strings(want)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("tools = %v, want %v", got, want)
	}
	for _, tool := range list.Tools {
		if tool.Name == ToolDeleteContact {
			if tool.Annotations.DestructiveHint == nil || !*tool.Annotations.DestructiveHint {
				t.Errorf("%s should be marked destructive", tool.Name)
			}
		}
		if tool.Name == ToolGetTasks {
			if tool.Annotations.ReadOnlyHint == nil || !*tool.Annotations.ReadOnlyHint {
				t.Errorf("%s should be marked read-only", tool.Name)
			}
		}
	}
}

func TestGetTasksOverProtocol(t *testing.T) {
	caller := &fakeCaller{respond: func(upstream.Request) upstream.Result {
		return upstream.Success([]any{map[string]any{"id": "7", "title": "Call Bob"}})
	}}
	cli := newInProcessClient(t, newTestSurface(caller))

	res, err := cli.CallTool(context.Background(), callRequest(ToolGetTasks, map[string]any{"limit": 5, "status": "to-do"}))
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %+v", res)
	}
	text := resultText(t, res)
	if !strings.Contains(text, `"title": "Call Bob"`) {
		t.Fatalf("backend JSON missing from %q", text)
	}

	calls := caller.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one backend call, got %d", len(calls))
	}
	if calls[0].Method != http.MethodGet || calls[0].Endpoint != "tasks/" {
		t.Fatalf("unexpected request %s %s", calls[0].Method, calls[0].Endpoint)
	}
	if q := calls[0].Query.Encode(); q != "limit=5&status=to-do" {
		t.Fatalf("query = %q", q)
	}
}

func TestExplicitZeroLimitForwarded(t *testing.T) {
	caller := &fakeCaller{}
	s := newTestSurface(caller)
	s.Call(context.Background(), ToolSearchContacts, map[string]any{"limit": float64(0)})
	s.Call(context.Background(), ToolSearchContacts, map[string]any{})

	calls := caller.calls()
	if len(calls) != 2 {
		t.Fatalf("expected two backend calls, got %d", len(calls))
	}
	if q := calls[0].Query.Encode(); q != "limit=0" {
		t.Fatalf("explicit limit query = %q", q)
	}
	if q := calls[1].Query.Encode(); q != "limit=10" {
		t.Fatalf("default limit query = %q", q)
	}
}

func TestUnknownToolKeepsSessionUsable(t *testing.T) {
	caller := &fakeCaller{}
	s := newTestSurface(caller)

	res := s.Call(context.Background(), "nonexistent_tool", map[string]any{})
	if !res.IsError {
		t.Fatal("expected error result")
	}
	if got := resultText(t, res); got != "Unknown tool: nonexistent_tool" {
		t.Fatalf("text = %q", got)
	}

	cli := newInProcessClient(t, s)
	res, err := cli.CallTool(context.Background(), callRequest("nonexistent_tool", map[string]any{}))
	if err != nil {
		t.Fatalf("unknown tool must not fail the request: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected error result over the channel")
	}
	if got := resultText(t, res); got != "Unknown tool: nonexistent_tool" {
		t.Fatalf("channel text = %q", got)
	}

	res, err = cli.CallTool(context.Background(), callRequest(unknownTool, nil))
	if err != nil {
		t.Fatalf("call by reserved name: %v", err)
	}
	if got := resultText(t, res); got != "Unknown tool: "+unknownTool {
		t.Fatalf("reserved name text = %q", got)
	}

	res, err = cli.CallTool(context.Background(), callRequest(ToolLatestTasks, nil))
	if err != nil {
		t.Fatalf("follow-up call failed: %v", err)
	}
	if res.IsError {
		t.Fatalf("follow-up call returned error: %s", resultText(t, res))
	}
	if len(caller.calls()) != 1 {
		t.Fatalf("expected one backend call, got %d", len(caller.calls()))
	}
}

func TestOperationErrorsBecomeText(t *testing.T) {
	cases := []struct {
		name string
		tool string
		args map[string]any
		want string
	}{
		{"missing title", ToolCreateTask, map[string]any{}, "Error: title: Field required"},
		{"empty update", ToolUpdateTask, map[string]any{"task_id": "1"}, "Error: No fields provided to update."},
		{"bad enum", ToolUpdateTask, map[string]any{"task_id": "1", "priority": "urgent"}, "Error: priority: Input should be 'none', 'low', 'medium', 'high'"},
		{"fractional limit", ToolGetTasks, map[string]any{"limit": 2.5}, "Error: limit: Input should be a valid integer"},
		{"missing contact id", ToolDeleteContact, map[string]any{}, "Error: contact_id: Field required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			caller := &fakeCaller{}
			res := newTestSurface(caller).Call(context.Background(), tc.tool, tc.args)
			if !res.IsError {
				t.Fatal("expected error result")
			}
			if got := resultText(t, res); got != tc.want {
				t.Fatalf("text = %q, want %q", got, tc.want)
			}
			if n := len(caller.calls()); n != 0 {
				t.Fatalf("expected no backend call, got %d", n)
			}
		})
	}
}

func TestUpstreamFailureIsReported(t *testing.T) {
	caller := &fakeCaller{respond: func(upstream.Request) upstream.Result {
		return upstream.Failure(upstream.ErrAuthRequired)
	}}
	res := newTestSurface(caller).Call(context.Background(), ToolTaskStatistics, nil)
	if !res.IsError {
		t.Fatal("expected error result")
	}
	if got := resultText(t, res); !strings.Contains(got, `"error": "Authentication required."`) {
		t.Fatalf("text = %q", got)
	}
}

func TestNumericIDsAccepted(t *testing.T) {
	caller := &fakeCaller{}
	s := newTestSurface(caller)
	res := s.Call(context.Background(), ToolUpdateTaskStatus, map[string]any{"task_id": float64(42), "status": "completed"})
	if res.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, res))
	}
	calls := caller.calls()
	if len(calls) != 1 || calls[0].Endpoint != "tasks/42/update-status/" {
		t.Fatalf("unexpected calls %+v", calls)
	}
	if calls[0].Method != http.MethodPatch {
		t.Fatalf("method = %s", calls[0].Method)
	}
}

func TestEachCallCarriesItsOwnToken(t *testing.T) {
	caller := &fakeCaller{respond: func(upstream.Request) upstream.Result { return upstream.Success(nil) }}
	s := newTestSurface(caller)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token := fmt.Sprintf("token-%d", i)
			ctx := auth.WithToken(context.Background(), token)
			s.Call(ctx, ToolDeleteContact, map[string]any{"contact_id": token})
		}(i)
	}
	wg.Wait()

	caller.mu.Lock()
	defer caller.mu.Unlock()
	if len(caller.reqs) != 20 {
		t.Fatalf("expected 20 calls, got %d", len(caller.reqs))
	}
	for i, req := range caller.reqs {
		want := "contacts/" + caller.tokens[i] + "/"
		if req.Endpoint != want {
			t.Fatalf("call %d used token %q for %s", i, caller.tokens[i], req.Endpoint)
		}
	}
}

func TestCallsAreRecorded(t *testing.T) {
	rec := &memoryRecorder{}
	s := NewSurface(crm.NewService(&fakeCaller{}), Options{Recorder: rec})
	s.Call(context.Background(), ToolSearchContacts, map[string]any{"search": "ann"})
	s.Call(context.Background(), ToolCreateContact, map[string]any{"name": "Ann"})

	if len(rec.items) != 2 {
		t.Fatalf("expected 2 history items, got %d", len(rec.items))
	}
	if !rec.items[0].Success || rec.items[0].Operation != ToolSearchContacts || rec.items[0].Surface != protocol.SurfaceMCP {
		t.Fatalf("unexpected first item %+v", rec.items[0])
	}
	if rec.items[1].Success || rec.items[1].Error != "email: Field required" {
		t.Fatalf("unexpected second item %+v", rec.items[1])
	}
}

func TestDetail(t *testing.T) {
	s := newTestSurface(&fakeCaller{})
	detail, err := s.Detail(ToolCreateTask)
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if len(detail.Properties) != 2 {
		t.Fatalf("expected 2 properties, got %+v", detail.Properties)
	}
	title, priority := detail.Properties[0], detail.Properties[1]
	if title.Name != "title" || !title.Required {
		t.Errorf("unexpected first property %+v", title)
	}
	if priority.Name != "priority" || priority.Default != "medium" || len(priority.Enum) != 4 {
		t.Errorf("unexpected second property %+v", priority)
	}
	if _, err := s.Detail("nope"); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestRemoteStreamableCarriesToken(t *testing.T) {
	caller := &fakeCaller{}
	s := newTestSurface(caller)
	mux := http.NewServeMux()
	mux.Handle("/mcp", s.Streamable())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	remote := NewRemote(RemoteConfig{URL: srv.URL, Token: "remote-token"})
	tools, err := remote.ListTools(context.Background())
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools) != 12 {
		t.Fatalf("expected 12 tools, got %d", len(tools))
	}

	res, err := remote.Call(context.Background(), ToolLatestTasks, nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", resultText(t, res))
	}
	caller.mu.Lock()
	defer caller.mu.Unlock()
	if len(caller.tokens) != 1 || caller.tokens[0] != "remote-token" {
		t.Fatalf("tokens = %v", caller.tokens)
	}
}

func TestRemoteEndpoint(t *testing.T) {
	cases := []struct {
		cfg  RemoteConfig
		want string
	}{
		{RemoteConfig{URL: "http://h:8005"}, "http://h:8005/mcp"},
		{RemoteConfig{URL: "http://h:8005/", Transport: TransportSSE}, "http://h:8005/sse"},
		{RemoteConfig{URL: "http://h/sse", Transport: TransportStreamable}, "http://h/sse"},
		{RemoteConfig{URL: " http://h/mcp/ "}, "http://h/mcp"},
	}
	for _, tc := range cases {
		if got := tc.cfg.Endpoint(); got != tc.want {
			t.Errorf("Endpoint(%+v) = %q, want %q", tc.cfg, got, tc.want)
		}
	}
	if _, _, err := newClient(RemoteConfig{URL: "http://h", Transport: "stdio"}); err == nil {
		t.Fatal("expected error for unsupported transport")
	}
}
