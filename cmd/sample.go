package cmd

import (
	"github.com/spf13/cobra"
)

var sampleLimit int

var sampleCmd = &cobra.Command{
	Use:   "sample [dataset]",
	Short: "Print the first rows of a dataset and its total row count",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := datasetRef(srcFlags, args)
		if err != nil {
			return err
		}
		ctx := background(cmd)
		svc, closeEngine, err := newService(ctx, cfg, serviceOptions{})
		if err != nil {
			return err
		}
		defer closeEngine()

		s, err := svc.Sample(ctx, ref, sampleLimit)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), s, "")
	},
}

func init() {
	rootCmd.AddCommand(sampleCmd)
	addSourceFlags(sampleCmd)
	sampleCmd.Flags().IntVar(&sampleLimit, "limit", 0, "rows to read (default sample_rows from config)")
}
