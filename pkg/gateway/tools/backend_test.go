package tools

import (
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"google.golang.org/genai"
)

func TestGenaiDeclarations(t *testing.T) {
	catalog := []mcp.Tool{
		{
			Name:        "move_robot",
			Description: "Moves the robot to a named location.",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"location": map[string]any{
						"type":        "string",
						"description": "Target location name.",
					},
					"speed": map[string]any{"type": "number"},
				},
				Required: []string{"location"},
			},
		},
		{Name: "   "}, // blank names are dropped
		{Name: "get_battery"},
	}

	tools := genaiDeclarations(catalog)
	if len(tools) != 1 {
		t.Fatalf("len(tools)=%d, want 1", len(tools))
	}
	decls := tools[0].FunctionDeclarations
	if len(decls) != 2 {
		t.Fatalf("len(decls)=%d, want 2", len(decls))
	}
	if decls[0].Name != "move_robot" {
		t.Fatalf("decls[0].Name=%q, want move_robot", decls[0].Name)
	}
	params := decls[0].Parameters
	if params == nil || params.Type != genai.TypeObject {
		t.Fatalf("params=%+v, want object schema", params)
	}
	if got := params.Required; len(got) != 1 || got[0] != "location" {
		t.Fatalf("required=%v, want [location]", got)
	}
	loc := params.Properties["location"]
	if loc == nil || loc.Type != genai.TypeString {
		t.Fatalf("location schema=%+v, want string", loc)
	}
	if loc.Description != "Target location name." {
		t.Fatalf("location description=%q", loc.Description)
	}
	if speed := params.Properties["speed"]; speed == nil || speed.Type != genai.TypeNumber {
		t.Fatalf("speed schema=%+v, want number", speed)
	}
	if decls[1].Name != "get_battery" {
		t.Fatalf("decls[1].Name=%q, want get_battery", decls[1].Name)
	}
}

func TestGenaiDeclarationsEmpty(t *testing.T) {
	if got := genaiDeclarations(nil); got != nil {
		t.Fatalf("genaiDeclarations(nil)=%v, want nil", got)
	}
	if got := genaiDeclarations([]mcp.Tool{{Name: ""}}); got != nil {
		t.Fatalf("genaiDeclarations(blank)=%v, want nil", got)
	}
}

func TestConvertSchemaNested(t *testing.T) {
	schema := convertSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"waypoints": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"x": map[string]any{"type": "integer"},
						"y": map[string]any{"type": "integer"},
					},
					"required": []any{"x", "y"},
				},
			},
			"loop": map[string]any{"type": "boolean"},
		},
	})
	wp := schema.Properties["waypoints"]
	if wp == nil || wp.Type != genai.TypeArray {
		t.Fatalf("waypoints=%+v, want array", wp)
	}
	if wp.Items == nil || wp.Items.Type != genai.TypeObject {
		t.Fatalf("waypoints.Items=%+v, want object", wp.Items)
	}
	if got := wp.Items.Required; len(got) != 2 {
		t.Fatalf("items required=%v, want 2 entries", got)
	}
	if x := wp.Items.Properties["x"]; x == nil || x.Type != genai.TypeInteger {
		t.Fatalf("x schema=%+v, want integer", x)
	}
	if loop := schema.Properties["loop"]; loop == nil || loop.Type != genai.TypeBoolean {
		t.Fatalf("loop schema=%+v, want boolean", loop)
	}
}

func TestConvertSchemaUnknownTypeDefaultsToObject(t *testing.T) {
	schema := convertSchema(map[string]any{"type": "mystery"})
	if schema.Type != genai.TypeObject {
		t.Fatalf("Type=%v, want object", schema.Type)
	}
}

func TestTextFromResult(t *testing.T) {
	result := &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: "line one"},
			mcp.TextContent{Type: "text", Text: "line two"},
		},
	}
	text, err := textFromResult(result)
	if err != nil {
		t.Fatalf("textFromResult: %v", err)
	}
	if text != "line one\nline two" {
		t.Fatalf("text=%q", text)
	}
}

func TestTextFromResultError(t *testing.T) {
	result := &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "no such tool"}},
	}
	if _, err := textFromResult(result); err == nil || !strings.Contains(err.Error(), "no such tool") {
		t.Fatalf("err=%v, want tool error text", err)
	}

	if _, err := textFromResult(&mcp.CallToolResult{IsError: true}); err == nil {
		t.Fatalf("expected error for empty error result")
	}
	if _, err := textFromResult(nil); err == nil {
		t.Fatalf("expected error for nil result")
	}
}

func TestMCPFactoryRequiresBaseURL(t *testing.T) {
	_, err := MCPFactory{}.NewForIdentity(t.Context(), "user-1")
	if err == nil {
		t.Fatalf("expected error for empty base url")
	}
}
