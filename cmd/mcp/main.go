// mpescrow MCP server - exposes read-only ledger queries as MCP tools
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/mpescrow/internal/mcpserver"
	"github.com/mbd888/mpescrow/internal/validation"
)

// Version is set by ldflags
var Version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL:  envOrDefault("MPESCROW_API_URL", "http://localhost:8080"),
		Account: os.Getenv("MPESCROW_ACCOUNT"),
	}

	if cfg.Account != "" && !validation.IsValidEthAddress(cfg.Account) {
		fmt.Fprintln(os.Stderr, "MPESCROW_ACCOUNT must be a 0x-prefixed 20-byte hex address")
		os.Exit(1)
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
