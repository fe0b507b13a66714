package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/tracecast/internal/git"
	"github.com/joescharf/tracecast/internal/ingest"
	"github.com/joescharf/tracecast/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for coding agents",
	Long: `Start an MCP (Model Context Protocol) server on stdio that forwards
walkthrough steps to a running tracecast serve. Configure your agent with:

  {
    "mcpServers": {
      "tracecast": { "command": "tracecast", "args": ["mcp"] }
    }
  }

Available tools: walkthrough_start, walkthrough_step, walkthrough_end,
walkthrough_status`,
	RunE: func(cmd *cobra.Command, args []string) error {
		srv := mcp.NewServer(ingest.NewClient(ingestPort()), buildVersion)
		srv.DefaultCommit = workingTreeCommit
		return srv.ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

// ingestPort returns the port of the running server, falling back to the
// configured one when none is recorded.
func ingestPort() int {
	if port, ok := runFile().Port(); ok {
		return port
	}
	return viper.GetInt("ingest.port")
}

// gitClient is replaced in tests.
var gitClient git.Client = git.NewClient()

// workingTreeCommit returns HEAD of the current directory's repository, or
// "" outside one.
func workingTreeCommit() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	commit, err := gitClient.HeadCommit(wd)
	if err != nil {
		return ""
	}
	return commit
}
