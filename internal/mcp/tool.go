package mcp

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/strandapp/strand/internal/llm"
)

// serverTool adapts one MCP tool to the llm.Tool interface. The tool is
// registered under server.tool so two servers can advertise the same name.
type serverTool struct {
	manager *Manager
	server  string
	spec    ToolSpec
}

func (t *serverTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        sanitizeToolName(t.server + "." + t.spec.Name),
		Description: t.spec.Description,
		Schema:      t.spec.Schema,
	}
}

func (t *serverTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	out, err := t.manager.CallTool(ctx, t.server, t.spec.Name, args)
	if err != nil {
		// MCP failures are surfaced to the model so it can recover.
		return "", &llm.ToolExecutionError{
			Tool:        t.spec.Name,
			Recoverable: true,
			Err:         err,
		}
	}
	return out, nil
}

// RegisterTools adds every tool from the manager's running servers to the
// registry. Call after StartAll.
func RegisterTools(m *Manager, registry *llm.ToolRegistry) {
	for _, qt := range m.AllTools() {
		registry.Register(&serverTool{
			manager: m,
			server:  qt.Server,
			spec:    qt.Spec,
		})
	}
}

// sanitizeToolName maps qualified names onto the character set providers
// accept for tool names.
func sanitizeToolName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '_' || r == '-':
			return r
		default:
			return '_'
		}
	}, name)
}
