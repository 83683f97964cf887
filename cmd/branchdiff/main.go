// Branchdiff builds two refs of a web project and compares their rendered previews.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "branchdiff",
	Short: "Branchdiff: visual diffs between two refs of a web project.",
	Long: `Branchdiff clones two refs of a repository, builds and serves each one
in isolation, screenshots both previews and reports the pixels that changed.
It runs as an HTTP/WebSocket service, an MCP tool server, or a one-shot CLI.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, submitCmd, mcpCmd, sweepCmd, initCmd, versionCmd)
	_ = godotenv.Load()

}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
