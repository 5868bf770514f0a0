package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"google.golang.org/genai"
)

const sessionKeyHeader = "X-Session-Key"

// MCPFactory builds per-connection MCP clients against a streamable HTTP
// tool server. The connection identity travels as a request header so the
// server can scope tool effects per user.
type MCPFactory struct {
	BaseURL        string
	ConnectTimeout time.Duration
	ClientName     string
	ClientVersion  string
}

func (f MCPFactory) NewForIdentity(ctx context.Context, identity string) (Backend, error) {
	if strings.TrimSpace(f.BaseURL) == "" {
		return nil, fmt.Errorf("mcp base url is required")
	}

	c, err := client.NewStreamableHttpClient(f.BaseURL,
		transport.WithHTTPHeaders(map[string]string{sessionKeyHeader: identity}))
	if err != nil {
		return nil, fmt.Errorf("create mcp client: %w", err)
	}

	initCtx := ctx
	if f.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, f.ConnectTimeout)
		defer cancel()
	}

	if err := c.Start(initCtx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("start mcp client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    orDefault(f.ClientName, "bridgelite"),
		Version: orDefault(f.ClientVersion, "dev"),
	}
	if _, err := c.Initialize(initCtx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize mcp client: %w", err)
	}

	return &mcpBackend{client: c}, nil
}

type mcpBackend struct {
	client *client.Client
}

func (b *mcpBackend) ListDeclarations(ctx context.Context) ([]*genai.Tool, error) {
	result, err := b.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return genaiDeclarations(result.Tools), nil
}

func (b *mcpBackend) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := b.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("call tool %q: %w", name, err)
	}
	text, err := textFromResult(result)
	if err != nil {
		return "", fmt.Errorf("tool %q: %w", name, err)
	}
	return text, nil
}

func (b *mcpBackend) Close() error {
	return b.client.Close()
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
