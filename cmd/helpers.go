package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/KaramelBytes/chartloom/internal/ai"
	"github.com/KaramelBytes/chartloom/internal/chart"
	"github.com/KaramelBytes/chartloom/internal/compiler"
	cfgpkg "github.com/KaramelBytes/chartloom/internal/config"
	"github.com/KaramelBytes/chartloom/internal/dataset"
	"github.com/KaramelBytes/chartloom/internal/intent"
	"github.com/KaramelBytes/chartloom/internal/reader"
	"github.com/KaramelBytes/chartloom/internal/storage"
	"github.com/KaramelBytes/chartloom/internal/summary"
	"github.com/KaramelBytes/chartloom/internal/utils"

	// Warehouse connectors register themselves.
	_ "github.com/KaramelBytes/chartloom/internal/warehouse/mssql"
	_ "github.com/KaramelBytes/chartloom/internal/warehouse/postgres"
)

// sourceFlags select the dataset a command works on.
type sourceFlags struct {
	FileType        string
	Sheet           string
	WarehouseDriver string
	WarehouseDSN    string
	Schema          string
	Table           string
}

var srcFlags sourceFlags

func addSourceFlags(c *cobra.Command) {
	c.Flags().StringVar(&srcFlags.FileType, "type", "", "file type override (csv, tsv, json, parquet, xlsx)")
	c.Flags().StringVar(&srcFlags.Sheet, "sheet", "", "XLSX sheet name (default first sheet)")
	c.Flags().StringVar(&srcFlags.WarehouseDriver, "warehouse-driver", "", "warehouse driver (postgres, sqlserver) instead of a file")
	c.Flags().StringVar(&srcFlags.WarehouseDSN, "warehouse-dsn", "", "warehouse connection string")
	c.Flags().StringVar(&srcFlags.Schema, "schema", "", "warehouse schema (driver default if empty)")
	c.Flags().StringVar(&srcFlags.Table, "table", "", "warehouse table")
}

// datasetRef builds the reference for a positional dataset argument or the
// warehouse flags. args holds at most the dataset location.
func datasetRef(f sourceFlags, args []string) (dataset.Ref, error) {
	if f.WarehouseDriver != "" {
		if f.Table == "" {
			return dataset.Ref{}, fmt.Errorf("--table is required with --warehouse-driver")
		}
		dsn := f.WarehouseDSN
		if dsn == "" {
			dsn = os.Getenv("CHARTLOOM_WAREHOUSE_DSN")
		}
		if dsn == "" {
			return dataset.Ref{}, fmt.Errorf("--warehouse-dsn is required with --warehouse-driver")
		}
		return dataset.Ref{Warehouse: &dataset.WarehouseTarget{
			Driver: strings.ToLower(strings.TrimSpace(f.WarehouseDriver)),
			DSN:    dsn,
			Schema: f.Schema,
			Table:  f.Table,
		}}, nil
	}
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return dataset.Ref{}, fmt.Errorf("dataset path or s3:// identifier is required")
	}
	ft := dataset.FileType(strings.ToLower(strings.TrimSpace(f.FileType)))
	switch ft {
	case "", dataset.FileCSV, dataset.FileTSV, dataset.FileJSON, dataset.FileParquet, dataset.FileXLSX:
	default:
		return dataset.Ref{}, fmt.Errorf("unsupported --type %q", f.FileType)
	}
	return dataset.Ref{Location: args[0], FileType: ft, Sheet: f.Sheet}, nil
}

type runtimeOptions struct {
	ProviderFlag string
	OllamaHost   string
}

func buildRuntime(cfg *cfgpkg.Global, opts runtimeOptions) (ai.Runtime, string, error) {
	httpTimeout := 60 * time.Second
	retryMax := 3
	baseDelay := 500 * time.Millisecond
	maxDelay := 4 * time.Second
	if cfg != nil {
		if cfg.HTTPTimeoutSec > 0 {
			httpTimeout = time.Duration(cfg.HTTPTimeoutSec) * time.Second
		}
		if cfg.RetryMaxAttempts > 0 {
			retryMax = cfg.RetryMaxAttempts
		}
		if cfg.RetryBaseDelayMs > 0 {
			baseDelay = time.Duration(cfg.RetryBaseDelayMs) * time.Millisecond
		}
		if cfg.RetryMaxDelayMs > 0 {
			maxDelay = time.Duration(cfg.RetryMaxDelayMs) * time.Millisecond
		}
	}

	providerName := strings.ToLower(strings.TrimSpace(opts.ProviderFlag))
	if providerName == "" && cfg != nil && cfg.DefaultProvider != "" {
		providerName = strings.ToLower(cfg.DefaultProvider)
	}
	providerName = ai.ResolveProvider(providerName)

	apiKey := os.Getenv("OPENROUTER_API_KEY")
	if apiKey == "" && cfg != nil && cfg.APIKey != "" {
		apiKey = cfg.APIKey
	}

	rc := ai.RuntimeConfig{
		HTTPTimeout: httpTimeout,
		RetryMax:    retryMax,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		APIKey:      apiKey,
	}

	if providerName == ai.ProviderOllama {
		host := strings.TrimSpace(opts.OllamaHost)
		if host == "" {
			host = os.Getenv("CHARTLOOM_OLLAMA_HOST")
		}
		if host == "" && cfg != nil && cfg.OllamaHost != "" {
			host = cfg.OllamaHost
		}
		if host == "" {
			host = "http://127.0.0.1:11434"
		}
		rc.Host = host
		if v := os.Getenv("CHARTLOOM_OLLAMA_TIMEOUT_SEC"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				rc.HTTPTimeout = time.Duration(n) * time.Second
			}
		}
		if cfg != nil && cfg.OllamaTimeoutSec > 0 {
			rc.HTTPTimeout = time.Duration(cfg.OllamaTimeoutSec) * time.Second
		}
	}

	client, ok := ai.GetRuntime(providerName, rc)
	if !ok {
		return nil, providerName, fmt.Errorf("provider not supported: %s", providerName)
	}
	return client, providerName, nil
}

func selectModel(cfg *cfgpkg.Global, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if cfg != nil && cfg.DefaultModel != "" {
		return cfg.DefaultModel
	}
	return "openai/gpt-4o-mini"
}

type serviceOptions struct {
	Model    string
	Provider string
}

// newService wires the pipeline from configuration. The returned func closes
// the engine.
func newService(ctx context.Context, cfg *cfgpkg.Global, opts serviceOptions) (*chart.Service, func(), error) {
	if cfg == nil {
		c, err := cfgpkg.Load(cfgFile)
		if err != nil {
			return nil, nil, err
		}
		cfg = c
	}

	router := storage.NewRouter()
	s3, err := storage.NewS3(ctx, cfg.S3())
	if err != nil {
		return nil, nil, fmt.Errorf("init s3: %w", err)
	}
	router.Handle("s3", s3)

	eng, err := reader.New(reader.Options{
		MaxConns: cfg.EngineMaxConns,
		TempDir:  cfg.TempDir,
		Cleanup:  cfg.Cleanup(),
		Logger:   log,
	})
	if err != nil {
		return nil, nil, err
	}
	closeEngine := func() { _ = eng.Close() }

	runtime, _, err := buildRuntime(cfg, runtimeOptions{ProviderFlag: opts.Provider})
	if err != nil {
		closeEngine()
		return nil, nil, err
	}
	model := selectModel(cfg, opts.Model)
	resolver := intent.NewResolver(&ai.RuntimeCompleter{
		Runtime:     runtime,
		Model:       model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		JSONMode:    true,
	}, intent.Options{
		Timeout:     cfg.IntentTimeout(),
		MaxAttempts: cfg.IntentMaxAttempts,
		Logger:      log,
	})

	svc, err := chart.NewService(chart.Options{
		Engine:     eng,
		Fetcher:    router,
		Resolver:   resolver,
		Summarizer: summary.New(summary.DefaultOptions(), log),
		SampleRows: cfg.SampleRows,
		Compile: compiler.Options{
			RawRowCap:      cfg.RawRowCap,
			FilterRowLimit: cfg.FilterRowLimit,
		},
		Model:  model,
		Logger: log,
	})
	if err != nil {
		closeEngine()
		return nil, nil, err
	}
	return svc, closeEngine, nil
}

// writeJSON prints v as indented JSON and optionally saves it to path.
func writeJSON(w io.Writer, v any, path string) error {
	b, err := utils.PrettyJSON(v)
	if err != nil {
		return err
	}
	if w == nil {
		w = os.Stdout
	}
	fmt.Fprintln(w, string(b))
	if path == "" {
		return nil
	}
	if err := utils.SafeWriteFile(path, b); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
