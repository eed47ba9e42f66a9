package mcp

import (
	"context"
	"fmt"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpproto "github.com/mark3labs/mcp-go/mcp"

	"github.com/prbarcelon/crmbridge/internal/protocol"
)

// Transport names accepted by RemoteConfig.
const (
	TransportStreamable = "streamable"
	TransportSSE        = "sse"
)

// RemoteConfig points a client at a running bridge.
type RemoteConfig struct {
	URL        string
	Token      string
	Transport  string
	ClientName string
	Version    string
}

// Endpoint resolves the transport URL from a bridge base URL. A URL that
// already names /sse or /mcp is used as given.
func (c RemoteConfig) Endpoint() string {
	base := strings.TrimRight(strings.TrimSpace(c.URL), "/")
	if strings.HasSuffix(base, "/sse") || strings.HasSuffix(base, "/mcp") {
		return base
	}
	if c.Transport == TransportSSE {
		return base + "/sse"
	}
	return base + "/mcp"
}

// Remote talks to a bridge over MCP, one session per operation.
type Remote struct {
	cfg RemoteConfig
}

func NewRemote(cfg RemoteConfig) *Remote {
	if cfg.ClientName == "" {
		cfg.ClientName = "crmbridge"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &Remote{cfg: cfg}
}

func (r *Remote) ListTools(ctx context.Context) ([]protocol.ToolInfo, error) {
	tools, err := r.fetchTools(ctx)
	if err != nil {
		return nil, err
	}
	return toolInfos(tools), nil
}

func (r *Remote) InspectTool(ctx context.Context, name string) (*protocol.ToolDetail, error) {
	tools, err := r.fetchTools(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tools {
		if t.Name == name {
			return toolDetail(t), nil
		}
	}
	return nil, fmt.Errorf("tool %q not found", name)
}

func (r *Remote) Call(ctx context.Context, name string, args map[string]interface{}) (*mcpproto.CallToolResult, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	return runOperation(ctx, r, func(cli compatibleClient) (*mcpproto.CallToolResult, error) {
		req := mcpproto.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args
		return cli.CallTool(ctx, req)
	})
}

func (r *Remote) fetchTools(ctx context.Context) ([]mcpproto.Tool, error) {
	return runOperation(ctx, r, func(cli compatibleClient) ([]mcpproto.Tool, error) {
		list, err := cli.ListTools(ctx, mcpproto.ListToolsRequest{})
		if err != nil {
			return nil, err
		}
		return list.Tools, nil
	})
}

type compatibleClient interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context, request mcpproto.InitializeRequest) (*mcpproto.InitializeResult, error)
	ListTools(ctx context.Context, req mcpproto.ListToolsRequest) (*mcpproto.ListToolsResult, error)
	CallTool(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error)
	Close() error
}

func runOperation[T any](ctx context.Context, r *Remote, operation func(compatibleClient) (T, error)) (T, error) {
	var zero T
	cli, closeFn, err := newClient(r.cfg)
	if err != nil {
		return zero, err
	}
	defer closeFn()

	if err := cli.Start(ctx); err != nil {
		return zero, err
	}
	initReq := mcpproto.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpproto.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpproto.Implementation{Name: r.cfg.ClientName, Version: r.cfg.Version}
	if _, err := cli.Initialize(ctx, initReq); err != nil {
		return zero, err
	}
	return operation(cli)
}

func newClient(cfg RemoteConfig) (compatibleClient, func(), error) {
	headers := map[string]string{}
	if token := strings.TrimSpace(cfg.Token); token != "" {
		headers["Authorization"] = "Bearer " + token
	}

	var cli compatibleClient
	switch cfg.Transport {
	case TransportSSE:
		opts := []transport.ClientOption{}
		if len(headers) > 0 {
			opts = append(opts, transport.WithHeaders(headers))
		}
		c, err := mcpclient.NewSSEMCPClient(cfg.Endpoint(), opts...)
		if err != nil {
			return nil, nil, err
		}
		cli = c
	case "", TransportStreamable:
		opts := []transport.StreamableHTTPCOption{}
		if len(headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(headers))
		}
		c, err := mcpclient.NewStreamableHttpClient(cfg.Endpoint(), opts...)
		if err != nil {
			return nil, nil, err
		}
		cli = c
	default:
		return nil, nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
	return cli, func() { _ = cli.Close() }, nil
}
