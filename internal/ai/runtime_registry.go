package ai

import (
	"sort"
	"sync"
	"time"
)

// RuntimeFactory builds a Runtime from the generic config below.
type RuntimeFactory func(RuntimeConfig) Runtime

// RuntimeConfig carries common knobs used by runtimes. Zero values take the
// provider's defaults.
type RuntimeConfig struct {
	HTTPTimeout time.Duration
	RetryMax    int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// OpenRouter
	APIKey string
	// Ollama
	Host string
}

// withDefaults fills zero fields from d.
func (c RuntimeConfig) withDefaults(d RuntimeConfig) RuntimeConfig {
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = d.HTTPTimeout
	}
	if c.RetryMax <= 0 {
		c.RetryMax = d.RetryMax
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Host == "" {
		c.Host = d.Host
	}
	return c
}

var (
	registryMu sync.RWMutex
	registry   = map[string]RuntimeFactory{}
)

// RegisterRuntime registers a provider name with its factory, replacing any
// earlier registration.
func RegisterRuntime(name string, f RuntimeFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// GetRuntime creates a Runtime for the given provider if registered.
func GetRuntime(name string, cfg RuntimeConfig) (Runtime, bool) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, false
	}
	return f(cfg), true
}

// Providers lists registered provider names.
func Providers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func init() {
	RegisterRuntime(ProviderOpenRouter, func(c RuntimeConfig) Runtime {
		c = c.withDefaults(RuntimeConfig{
			HTTPTimeout: 60 * time.Second,
			RetryMax:    3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    4 * time.Second,
		})
		return NewClient(c.APIKey, c.HTTPTimeout, c.RetryMax, c.BaseDelay, c.MaxDelay)
	})
	// Intent calls are short; local models get fewer, quicker retries.
	RegisterRuntime(ProviderOllama, func(c RuntimeConfig) Runtime {
		c = c.withDefaults(RuntimeConfig{
			HTTPTimeout: 60 * time.Second,
			RetryMax:    2,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    time.Second,
			Host:        "http://127.0.0.1:11434",
		})
		return NewOllamaClient(c.Host, c.HTTPTimeout, c.RetryMax, c.BaseDelay, c.MaxDelay)
	})
}
