package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/KaramelBytes/chartloom/internal/compiler"
)

var compileIntentPath string

// compiledPlan is the printable view of a plan.
type compiledPlan struct {
	Layout     string         `json:"layout"`
	Queries    []compiledPart `json:"queries"`
	Fallback   string         `json:"fallback"`
	ValueLabel string         `json:"valueLabel,omitempty"`
}

type compiledPart struct {
	Series string `json:"series,omitempty"`
	SQL    string `json:"sql"`
}

var compileCmd = &cobra.Command{
	Use:   "compile [dataset] --intent file.json",
	Short: "Validate and compile a query intent without calling a model",
	Example: `  chartloom compile ./sales.csv --intent kentucky.json
  echo '{"dataQuery":"group","dimension":"Region","aggregation":"COUNT"}' | chartloom compile ./sales.csv --intent -`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if compileIntentPath == "" {
			return fmt.Errorf("--intent is required")
		}
		raw, err := readIntent(cmd.InOrStdin(), compileIntentPath)
		if err != nil {
			return err
		}
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

		p, err := svc.CompileIntent(ctx, ref, raw)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), describePlan(p), "")
	},
}

func readIntent(stdin io.Reader, path string) (string, error) {
	var (
		b   []byte
		err error
	)
	if path == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read intent: %w", err)
	}
	return string(b), nil
}

func describePlan(p *compiler.Plan) compiledPlan {
	out := compiledPlan{Layout: p.Layout.String(), Fallback: p.Fallback, ValueLabel: p.ValueLabel}
	for _, part := range p.Parts {
		out.Queries = append(out.Queries, compiledPart{Series: part.Series, SQL: part.SQL})
	}
	return out
}

func init() {
	rootCmd.AddCommand(compileCmd)
	addSourceFlags(compileCmd)
	compileCmd.Flags().StringVar(&compileIntentPath, "intent", "", "path to a Query Intent JSON file, or - for stdin")
}
