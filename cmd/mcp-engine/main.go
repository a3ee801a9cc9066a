/*
Package main implements mcp-engine, a binary serving the demo capability set over stdio or
HTTP, and calling tools on any engine from the command line.
*/
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	cobra.EnableCommandSorting = false

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp-engine",
		Short: "mcp-engine serves and calls Model Context Protocol servers",
		Long: `mcp-engine runs the MCP protocol engine with a demo capability set over stdio or
streamable HTTP, with sessions kept in memory, on disk or in Redis.`,
		SilenceUsage: true,
		Version:      Version,
	}
	cmd.PersistentFlags().String(flagConfig, "", "config file (default ./mcp-engine.yaml or $HOME/.config/mcp-engine/mcp-engine.yaml)")

	cmd.AddCommand(newServeCmd(), newCallCmd())
	return cmd
}
