package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all ledger tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("mpescrow", version,
		server.WithToolCapabilities(false),
	)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetBalance, h.HandleGetBalance)
	s.AddTool(ToolGetChannel, h.HandleGetChannel)
	s.AddTool(ToolListSenderChannels, h.HandleListSenderChannels)
	s.AddTool(ToolAuditStatus, h.HandleAuditStatus)

	return s
}
