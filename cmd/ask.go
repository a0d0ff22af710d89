package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
)

var (
	askPrior    []string
	askModel    string
	askProvider string
	askOutput   string
)

var askCmd = &cobra.Command{
	Use:   "ask <dataset> <question>",
	Short: "Answer a question about a dataset with chart-ready series",
	Example: `  chartloom ask ./superstore.csv "total sales in Kentucky by month in 2016"
  chartloom ask s3://bucket/sales.parquet "Kentucky vs Ohio sales by quarter"
  chartloom ask ./sales.csv "only 2017" --prior "sales by month"
  chartloom ask "average order value by region" --warehouse-driver postgres --warehouse-dsn "$DSN" --table orders`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		// With a warehouse target the only positional argument is the question.
		dsArgs, question := args[:len(args)-1], args[len(args)-1]
		ref, err := datasetRef(srcFlags, dsArgs)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		svc, closeEngine, err := newService(ctx, cfg, serviceOptions{Model: askModel, Provider: askProvider})
		if err != nil {
			return err
		}
		defer closeEngine()

		res, err := svc.ResolveChartQuery(ctx, ref, strings.TrimSpace(question), askPrior)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), res, askOutput)
	},
}

func init() {
	rootCmd.AddCommand(askCmd)
	addSourceFlags(askCmd)
	askCmd.Flags().StringArrayVar(&askPrior, "prior", nil, "earlier question in the same chart conversation (repeatable, oldest first)")
	askCmd.Flags().StringVar(&askModel, "model", "", "model to use (default from config)")
	askCmd.Flags().StringVar(&askProvider, "provider", "", "model provider: openrouter or ollama (default from config)")
	askCmd.Flags().StringVar(&askOutput, "output", "", "also write the result JSON to this file")
}

// background is the context for commands run without one (tests).
func background(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
