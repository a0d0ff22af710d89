package ai

import "context"

// Runtime is a minimal interface implemented by AI backends/runtimes
// such as OpenRouter and local runtimes (e.g., Ollama).
type Runtime interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// Provider identifiers used across the CLI for selection.
const (
	ProviderOpenRouter = "openrouter"
	ProviderOllama     = "ollama"
	ProviderLocal      = "local"
)

// ResolveProvider maps a configured provider name to a registered runtime
// name. "local" is an alias for Ollama; anything else goes through OpenRouter.
func ResolveProvider(name string) string {
	switch name {
	case ProviderOllama, ProviderLocal:
		return ProviderOllama
	}
	return ProviderOpenRouter
}
