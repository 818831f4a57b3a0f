package cmd

import (
	"github.com/spf13/cobra"

	"github.com/ziadkadry99/partychat/internal/config"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "partychat",
	Short: "Sourced answers about what political parties stand for",
	Long: `partychat answers questions about party positions. It searches each
party's indexed program, then streams an answer whose citations point
at the passages it was grounded in. Answers are served over a websocket,
on the command line, or to AI agents via MCP.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultConfigFile, "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
