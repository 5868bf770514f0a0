// Package tools provides the external tool-execution backend used by the
// relay's dispatcher. The production implementation speaks MCP; tests and
// callers depend only on the Backend interface.
package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"google.golang.org/genai"
)

// Backend executes named tool functions on behalf of one connection.
type Backend interface {
	// ListDeclarations returns the backend's tool catalog in the shape the
	// upstream live session expects at setup time.
	ListDeclarations(ctx context.Context) ([]*genai.Tool, error)
	// CallTool runs one function invocation and returns its text result.
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Close() error
}

// Factory mints one Backend per connection, bound to the connection's
// identity so tool executions are attributed to the right user.
type Factory interface {
	NewForIdentity(ctx context.Context, identity string) (Backend, error)
}

// genaiDeclarations converts an MCP tool catalog into genai function
// declarations for the upstream setup frame. Schema conversion is shallow
// but recursive on properties/items, which covers the flat argument maps
// tool servers advertise in practice.
func genaiDeclarations(catalog []mcp.Tool) []*genai.Tool {
	if len(catalog) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(catalog))
	for _, tool := range catalog {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			continue
		}
		decl := &genai.FunctionDeclaration{
			Name:        name,
			Description: tool.Description,
		}
		if schema := convertSchema(map[string]any{
			"type":       tool.InputSchema.Type,
			"properties": anyProperties(tool.InputSchema.Properties),
			"required":   tool.InputSchema.Required,
		}); schema != nil {
			decl.Parameters = schema
		}
		decls = append(decls, decl)
	}
	if len(decls) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func anyProperties(props map[string]any) map[string]any {
	if len(props) == 0 {
		return nil
	}
	return props
}

func convertSchema(raw map[string]any) *genai.Schema {
	if raw == nil {
		return nil
	}
	schema := &genai.Schema{}

	switch t, _ := raw["type"].(string); strings.ToLower(t) {
	case "object":
		schema.Type = genai.TypeObject
	case "string":
		schema.Type = genai.TypeString
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	case "array":
		schema.Type = genai.TypeArray
	default:
		schema.Type = genai.TypeObject
	}

	if desc, ok := raw["description"].(string); ok {
		schema.Description = desc
	}
	if required, ok := raw["required"].([]string); ok {
		schema.Required = required
	} else if rawRequired, ok := raw["required"].([]any); ok {
		for _, r := range rawRequired {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if props, ok := raw["properties"].(map[string]any); ok && len(props) > 0 {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for key, val := range props {
			if sub, ok := val.(map[string]any); ok {
				schema.Properties[key] = convertSchema(sub)
			}
		}
	}
	if items, ok := raw["items"].(map[string]any); ok {
		schema.Items = convertSchema(items)
	}
	return schema
}

// textFromResult flattens a tool call result into a single text payload.
func textFromResult(result *mcp.CallToolResult) (string, error) {
	if result == nil {
		return "", fmt.Errorf("tool returned no result")
	}
	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if result.IsError {
		if strings.TrimSpace(text) == "" {
			text = "tool execution failed"
		}
		return "", fmt.Errorf("%s", text)
	}
	return text, nil
}
