package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/KaramelBytes/chartloom/internal/ai"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect the model catalog used to size dataset context",
	Example: `  chartloom models show
  chartloom models show --file ./models.json`,
}

var modelsFile string

var modelsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current model catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		if modelsFile != "" {
			m, err := ai.LoadCatalogFromJSON(modelsFile)
			if err != nil {
				return fmt.Errorf("load catalog: %w", err)
			}
			ai.MergeCatalog(m)
		}
		return writeJSON(cmd.OutOrStdout(), ai.Catalog(), "")
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.AddCommand(modelsShowCmd)
	modelsShowCmd.Flags().StringVar(&modelsFile, "file", "", "merge a JSON catalog file before showing")
}
