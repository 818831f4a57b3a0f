package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	mcpserver "github.com/ziadkadry99/partychat/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP server for AI agent integration",
	Long:  `Starts a Model Context Protocol (MCP) server on stdio, exposing the ask_party_positions and list_parties tools to AI agents.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p, err := setup(ctx)
		if err != nil {
			return err
		}
		defer p.logger.Sync()
		defer p.Close()

		mcpserver.Version = Version

		p.logger.Info("partychat MCP server started on stdio",
			zap.Strings("indexed_parties", p.indexes.PartyIDs()))

		srv := mcpserver.NewServer(p.orch, p.parties)
		return srv.Serve()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
