package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ziadkadry99/partychat/internal/config"
	"github.com/ziadkadry99/partychat/internal/evidence"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize partychat configuration with an interactive wizard",
	Long:  `Runs an interactive wizard to configure the answer pipeline and writes the config file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.RunWizard(cfgFile)
		if err != nil {
			return err
		}
		fmt.Printf("\nPlace one chromem export per party at %s, named <party-id>%s.\n", cfg.IndexPattern(), evidence.IndexExt)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
