package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	cfgpkg "github.com/KaramelBytes/chartloom/internal/config"
	"github.com/KaramelBytes/chartloom/internal/failure"
	"github.com/KaramelBytes/chartloom/internal/logging"
)

var (
	cfgFile string
	debug   bool
	// Retry/HTTP flags (override config if set)
	flagHTTPTimeoutSec   int
	flagRetryMaxAttempts int
	flagRetryBaseDelayMs int
	flagRetryMaxDelayMs  int
	flagIntentTimeoutSec int

	// Loaded configuration
	cfg *cfgpkg.Global
	log = logging.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "chartloom",
	Short: "ChartLoom CLI: turn questions about a dataset into chart series",
	Long: `ChartLoom reads a tabular dataset (CSV, TSV, JSON, Parquet, XLSX, S3 objects or a
warehouse table), asks a language model for a structured query intent, compiles
it to SQL and returns chart-ready labels and datasets.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called by main.main()
func Execute() {
	cobra.OnInitialize(loadConfig)
	err := rootCmd.Execute()
	_ = log.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "✗ Error:", userMessage(err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.chartloom/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging to stderr")
	rootCmd.PersistentFlags().IntVar(&flagHTTPTimeoutSec, "http-timeout", 0, "HTTP client timeout in seconds (overrides config)")
	rootCmd.PersistentFlags().IntVar(&flagRetryMaxAttempts, "retry-max", 0, "max retry attempts on 429/5xx (overrides config)")
	rootCmd.PersistentFlags().IntVar(&flagRetryBaseDelayMs, "retry-base-ms", 0, "base retry backoff in ms (overrides config)")
	rootCmd.PersistentFlags().IntVar(&flagRetryMaxDelayMs, "retry-max-ms", 0, "max retry backoff cap in ms (overrides config)")
	rootCmd.PersistentFlags().IntVar(&flagIntentTimeoutSec, "intent-timeout", 0, "per-call model timeout in seconds (overrides config)")
}

func loadConfig() {
	c, err := cfgpkg.Load(cfgFile)
	if err != nil {
		// Non-fatal: allow running commands that don't need config
		fmt.Fprintf(os.Stderr, "⚠ Warning: failed to load config: %v\n", err)
		return
	}
	cfg = c

	// Apply CLI overrides if provided
	f := rootCmd.PersistentFlags()
	if f.Changed("http-timeout") && flagHTTPTimeoutSec > 0 {
		cfg.HTTPTimeoutSec = flagHTTPTimeoutSec
	}
	if f.Changed("retry-max") && flagRetryMaxAttempts > 0 {
		cfg.RetryMaxAttempts = flagRetryMaxAttempts
	}
	if f.Changed("retry-base-ms") && flagRetryBaseDelayMs > 0 {
		cfg.RetryBaseDelayMs = flagRetryBaseDelayMs
	}
	if f.Changed("retry-max-ms") && flagRetryMaxDelayMs > 0 {
		cfg.RetryMaxDelayMs = flagRetryMaxDelayMs
	}
	if f.Changed("intent-timeout") && flagIntentTimeoutSec > 0 {
		cfg.IntentTimeoutSec = flagIntentTimeoutSec
	}

	l, err := logging.New(cfg.Debug || debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠ Warning: logger init failed: %v\n", err)
		return
	}
	log = l
	log.Debug("config loaded", zap.String("model", cfg.DefaultModel), zap.String("provider", cfg.DefaultProvider))
}

// userMessage renders pipeline errors without driver or model internals
// unless --debug is set.
func userMessage(err error) string {
	var uf failure.UserFacing
	if debug || !errors.As(err, &uf) {
		return err.Error()
	}
	return failure.UserMessage(err)
}
