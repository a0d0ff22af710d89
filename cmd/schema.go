package cmd

import (
	"github.com/spf13/cobra"
)

var schemaCmd = &cobra.Command{
	Use:   "schema [dataset]",
	Short: "Print a dataset's columns and their types",
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

		cols, err := svc.Describe(ctx, ref)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), cols, "")
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
	addSourceFlags(schemaCmd)
}
