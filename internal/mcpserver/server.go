package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all relay tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("htlcrelay", version)
	h := NewHandlers(NewRelayClient(cfg))

	s.AddTool(ToolRelayClaim, h.HandleRelayClaim)
	s.AddTool(ToolGetTransactions, h.HandleGetTransactions)
	s.AddTool(ToolRelaySnapshot, h.HandleRelaySnapshot)
	s.AddTool(ToolRelayStatus, h.HandleRelayStatus)

	return s
}
