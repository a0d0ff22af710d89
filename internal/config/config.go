package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/KaramelBytes/chartloom/internal/storage"
)

// Global configuration structure.
type Global struct {
	APIKey          string  `mapstructure:"api_key" yaml:"api_key"`
	DefaultModel    string  `mapstructure:"default_model" yaml:"default_model"`
	DefaultProvider string  `mapstructure:"default_provider" yaml:"default_provider"`
	MaxTokens       int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature" yaml:"temperature"`

	// HTTP/Retry configuration
	HTTPTimeoutSec   int `mapstructure:"http_timeout_sec" yaml:"http_timeout_sec"`
	RetryMaxAttempts int `mapstructure:"retry_max_attempts" yaml:"retry_max_attempts"`
	RetryBaseDelayMs int `mapstructure:"retry_base_delay_ms" yaml:"retry_base_delay_ms"`
	RetryMaxDelayMs  int `mapstructure:"retry_max_delay_ms" yaml:"retry_max_delay_ms"`

	// Local runtimes (Ollama)
	OllamaHost       string `mapstructure:"ollama_host" yaml:"ollama_host"`
	OllamaTimeoutSec int    `mapstructure:"ollama_timeout_sec" yaml:"ollama_timeout_sec"`

	// Intent resolution
	IntentTimeoutSec  int `mapstructure:"intent_timeout_sec" yaml:"intent_timeout_sec"`
	IntentMaxAttempts int `mapstructure:"intent_max_attempts" yaml:"intent_max_attempts"`

	// Reading and query bounds
	SampleRows     int    `mapstructure:"sample_rows" yaml:"sample_rows"`
	RawRowCap      int    `mapstructure:"raw_row_cap" yaml:"raw_row_cap"`
	FilterRowLimit int    `mapstructure:"filter_row_limit" yaml:"filter_row_limit"`
	EngineMaxConns int    `mapstructure:"engine_max_conns" yaml:"engine_max_conns"`
	TempDir        string `mapstructure:"temp_dir" yaml:"temp_dir"`

	// Temporary file cleanup
	CleanupRetries   int `mapstructure:"cleanup_retries" yaml:"cleanup_retries"`
	CleanupBackoffMs int `mapstructure:"cleanup_backoff_ms" yaml:"cleanup_backoff_ms"`

	// Remote datasets
	S3Region    string `mapstructure:"s3_region" yaml:"s3_region"`
	S3Endpoint  string `mapstructure:"s3_endpoint" yaml:"s3_endpoint"`
	S3PathStyle bool   `mapstructure:"s3_path_style" yaml:"s3_path_style"`

	Debug bool `mapstructure:"debug" yaml:"debug"`
}

// IntentTimeout returns the per-call model timeout.
func (c *Global) IntentTimeout() time.Duration {
	return time.Duration(c.IntentTimeoutSec) * time.Second
}

// Cleanup returns the temporary file removal policy.
func (c *Global) Cleanup() storage.CleanupPolicy {
	return storage.CleanupPolicy{
		Attempts: c.CleanupRetries,
		Backoff:  time.Duration(c.CleanupBackoffMs) * time.Millisecond,
	}
}

// S3 returns the remote storage settings.
func (c *Global) S3() storage.S3Config {
	return storage.S3Config{
		Region:       c.S3Region,
		Endpoint:     c.S3Endpoint,
		UsePathStyle: c.S3PathStyle,
		TempDir:      c.TempDir,
		Cleanup:      c.Cleanup(),
	}
}

// Dir returns ~/.chartloom.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".chartloom"), nil
}

// Save writes the given configuration to the cfgFile path. If cfgFile is empty,
// it writes to ~/.chartloom/config.yaml, creating the directory if necessary.
func Save(c *Global, cfgFile string) error {
	path := cfgFile
	if path == "" {
		dir, err := Dir()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir config dir: %w", err)
		}
		path = filepath.Join(dir, "config.yaml")
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("default_model", "openai/gpt-4o-mini")
	v.SetDefault("default_provider", "openrouter")
	v.SetDefault("max_tokens", 1024)
	v.SetDefault("temperature", 0.0)
	// HTTP/retry defaults
	v.SetDefault("http_timeout_sec", 60)
	v.SetDefault("retry_max_attempts", 3)
	v.SetDefault("retry_base_delay_ms", 500)
	v.SetDefault("retry_max_delay_ms", 4000)
	// Ollama defaults
	v.SetDefault("ollama_host", "http://127.0.0.1:11434")
	v.SetDefault("ollama_timeout_sec", 60)
	// Pipeline defaults
	v.SetDefault("intent_timeout_sec", 30)
	v.SetDefault("intent_max_attempts", 2)
	v.SetDefault("sample_rows", 10)
	v.SetDefault("raw_row_cap", 500)
	v.SetDefault("filter_row_limit", 100)
	v.SetDefault("engine_max_conns", 1)
	v.SetDefault("temp_dir", os.TempDir())
	v.SetDefault("cleanup_retries", 4)
	v.SetDefault("cleanup_backoff_ms", 25)
	v.SetDefault("s3_region", "")
	v.SetDefault("s3_endpoint", "")
	v.SetDefault("s3_path_style", false)
	v.SetDefault("debug", false)
}

// Load loads configuration from file, env, and defaults.
// Precedence: flags (cfgFile) > env > config file > defaults.
func Load(cfgFile string) (*Global, error) {
	v := viper.New()
	v.SetEnvPrefix("CHARTLOOM")
	v.AutomaticEnv()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	} else {
		dir, err := Dir()
		if err != nil {
			return nil, err
		}
		v.AddConfigPath(dir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		// optional read
		_ = v.ReadInConfig()
	}

	var c Global
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}
