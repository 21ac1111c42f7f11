package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.sessions)
	assert.Same(t, s.mcpServer, s.MCPServer())
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"workflow.create", "Define a custom workflow from a list of steps"},
		{"workflow.run", "Execute a custom workflow or a template and wait for the result"},
		{"workflow.status", "Get the status of a workflow, template run, or template"},
		{"workflow.list", "List templates and custom workflows"},
		{"workflow.history", "Query recorded runs and their events"},
		{"workflow.cancel", "Cancel a running workflow, or mark an idle one cancelled"},
		{"workflow.pause", "Pause a workflow; a running one stops before its next step"},
		{"actions.list", "List the actions workflow steps can call"},
		{"workflow.diagram", "Draw a workflow as a flowchart coloured by its current step status"},
	}

	s := NewServer(ServerDeps{})
	require.Len(t, s.mcpServer.ListTools(), len(tests))

	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}

func TestToolRequiredArguments(t *testing.T) {
	s := NewServer(ServerDeps{})

	run := s.mcpServer.GetTool("workflow.run")
	require.NotNil(t, run)
	assert.Equal(t, []string{"workflow_id"}, run.Tool.InputSchema.Required)

	create := s.mcpServer.GetTool("workflow.create")
	require.NotNil(t, create)
	assert.ElementsMatch(t, []string{"name", "steps", "owner"}, create.Tool.InputSchema.Required)
}
