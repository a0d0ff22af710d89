package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	cfgpkg "github.com/KaramelBytes/chartloom/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or set ChartLoom configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		if cfg == nil {
			fmt.Fprintln(w, "No config loaded")
			return nil
		}
		fmt.Fprintf(w, "api_key: %s\n", mask(cfg.APIKey))
		fmt.Fprintf(w, "default_model: %s\n", cfg.DefaultModel)
		fmt.Fprintf(w, "default_provider: %s\n", cfg.DefaultProvider)
		fmt.Fprintf(w, "max_tokens: %d\n", cfg.MaxTokens)
		fmt.Fprintf(w, "temperature: %.3f\n", cfg.Temperature)
		fmt.Fprintf(w, "intent_timeout_sec: %d\n", cfg.IntentTimeoutSec)
		fmt.Fprintf(w, "intent_max_attempts: %d\n", cfg.IntentMaxAttempts)
		fmt.Fprintf(w, "sample_rows: %d\n", cfg.SampleRows)
		fmt.Fprintf(w, "raw_row_cap: %d\n", cfg.RawRowCap)
		fmt.Fprintf(w, "filter_row_limit: %d\n", cfg.FilterRowLimit)
		fmt.Fprintf(w, "engine_max_conns: %d\n", cfg.EngineMaxConns)
		fmt.Fprintf(w, "temp_dir: %s\n", cfg.TempDir)
		if cfg.S3Region != "" {
			fmt.Fprintf(w, "s3_region: %s\n", cfg.S3Region)
		}
		if cfg.S3Endpoint != "" {
			fmt.Fprintf(w, "s3_endpoint: %s\n", cfg.S3Endpoint)
			fmt.Fprintf(w, "s3_path_style: %t\n", cfg.S3PathStyle)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config value and save to disk",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			c, err := cfgpkg.Load(cfgFile)
			if err != nil {
				return err
			}
			cfg = c
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := cfgpkg.Save(cfg, cfgFile); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Saved config")
		return nil
	},
}

func setConfigValue(c *cfgpkg.Global, key, val string) error {
	positive := func(dst *int) error {
		i, err := strconv.Atoi(val)
		if err != nil || i <= 0 {
			return fmt.Errorf("invalid positive int for %s: %v", key, val)
		}
		*dst = i
		return nil
	}
	switch key {
	case "api_key":
		c.APIKey = val
	case "default_model":
		c.DefaultModel = val
	case "default_provider":
		switch val {
		case "openrouter", "OpenRouter", "OPENROUTER":
			c.DefaultProvider = "openrouter"
		case "ollama", "local", "Ollama", "LOCAL":
			c.DefaultProvider = "ollama"
		default:
			return fmt.Errorf("invalid default_provider: %s (use openrouter or ollama)", val)
		}
	case "max_tokens":
		return positive(&c.MaxTokens)
	case "temperature":
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid float for temperature: %w", err)
		}
		c.Temperature = f
	case "intent_timeout_sec":
		return positive(&c.IntentTimeoutSec)
	case "intent_max_attempts":
		return positive(&c.IntentMaxAttempts)
	case "sample_rows":
		return positive(&c.SampleRows)
	case "raw_row_cap":
		return positive(&c.RawRowCap)
	case "filter_row_limit":
		return positive(&c.FilterRowLimit)
	case "engine_max_conns":
		return positive(&c.EngineMaxConns)
	case "temp_dir":
		c.TempDir = val
	case "s3_region":
		c.S3Region = val
	case "s3_endpoint":
		c.S3Endpoint = val
	case "s3_path_style":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid bool for s3_path_style: %w", err)
		}
		c.S3PathStyle = b
	default:
		return fmt.Errorf("unknown key: %s", key)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 6 {
		return "******"
	}
	return s[:3] + "****" + s[len(s)-3:]
}
