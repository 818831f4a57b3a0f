package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/ziadkadry99/partychat/internal/config"
	"github.com/ziadkadry99/partychat/internal/evidence"
	"github.com/ziadkadry99/partychat/internal/party"
)

var partiesCmd = &cobra.Command{
	Use:   "parties",
	Short: "List the configured parties and their index files",
	RunE:  runParties,
}

func init() {
	partiesCmd.Flags().Bool("json", false, "output parties as JSON")
	rootCmd.AddCommand(partiesCmd)
}

type partyStatus struct {
	party.Party
	Index string `json:"index,omitempty"`
}

func runParties(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	statuses, err := partyStatuses(cfg)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	}

	if len(statuses) == 0 {
		fmt.Println("No parties configured. Add them under `parties:` in", cfgFile)
		return nil
	}
	fmt.Printf("%d parties:\n\n", len(statuses))
	for _, s := range statuses {
		index := s.Index
		if index == "" {
			index = "(no index)"
		}
		fmt.Printf("  %-16s %-24s %s\n", s.ID, s.Name, index)
	}
	return nil
}

// partyStatuses pairs every configured party with its index export, if any.
func partyStatuses(cfg *config.Config) ([]partyStatus, error) {
	reg, err := party.NewRegistry(cfg.Parties)
	if err != nil {
		return nil, err
	}
	paths, err := doublestar.FilepathGlob(cfg.IndexPattern())
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", cfg.IndexPattern(), err)
	}
	byParty := make(map[string]string, len(paths))
	for _, path := range paths {
		byParty[strings.TrimSuffix(filepath.Base(path), evidence.IndexExt)] = path
	}

	statuses := make([]partyStatus, 0, len(reg.All()))
	for _, p := range reg.All() {
		statuses = append(statuses, partyStatus{Party: p, Index: byParty[p.ID]})
	}
	return statuses, nil
}
