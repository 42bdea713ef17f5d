package mcp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rhuss/toolmux/pkg/api"
)

// convertTool converts a protocol Tool into a descriptor owned by server.
func convertTool(server string, t *mcp.Tool) (api.ToolDescriptor, error) {
	d := api.ToolDescriptor{
		Name:        t.Name,
		Server:      server,
		Description: t.Description,
	}
	if t.InputSchema != nil {
		data, err := json.Marshal(t.InputSchema)
		if err != nil {
			return api.ToolDescriptor{}, fmt.Errorf("marshaling input schema: %w", err)
		}
		d.InputSchema = data
	}
	if t.OutputSchema != nil {
		data, err := json.Marshal(t.OutputSchema)
		if err != nil {
			return api.ToolDescriptor{}, fmt.Errorf("marshaling output schema: %w", err)
		}
		d.OutputSchema = data
	}
	return d, nil
}

// convertResult extracts text and structured content from a tool result.
func convertResult(result *mcp.CallToolResult) (*api.ToolOutput, error) {
	var texts []string
	for _, content := range result.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}

	out := &api.ToolOutput{Text: strings.Join(texts, "\n")}
	if result.StructuredContent != nil {
		data, err := json.Marshal(result.StructuredContent)
		if err != nil {
			return nil, fmt.Errorf("marshaling structured content: %w", err)
		}
		out.Structured = data
	}
	return out, nil
}
