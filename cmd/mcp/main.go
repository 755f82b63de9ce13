// Command mcp exposes a running relay as MCP tools over stdio.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/htlcrelay/internal/mcpserver"
)

// Version is set by ldflags
var Version = "dev"

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:  envOrDefault("HTLCRELAY_API_URL", "http://localhost:8080"),
		APIKey:  os.Getenv("HTLCRELAY_API_KEY"),
		Account: os.Getenv("HTLCRELAY_ACCOUNT"),
	}

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
