// Package factory assembles adapters from configuration. A provider whose
// key or URL is absent is skipped, never a startup failure.
package factory

import (
	"fmt"
	"log/slog"
	"strings"

	"gravity-gateway/internal/config"
	"gravity-gateway/internal/httpclient"
	"gravity-gateway/internal/provider"
	anthropicProvider "gravity-gateway/internal/provider/anthropic"
	ollamaProvider "gravity-gateway/internal/provider/ollama"
	openaiProvider "gravity-gateway/internal/provider/openai"
)

// BuildConfiguredAdapters returns the enabled adapters in registry
// declaration order. That order is load-bearing: model-name collisions
// across providers resolve to the first match.
func BuildConfiguredAdapters(cfg config.Config) ([]provider.Adapter, error) {
	var adapters []provider.Adapter

	if strings.TrimSpace(cfg.Providers.OpenAI.APIKey) != "" {
		adapter, err := openaiProvider.New("openai", cfg.Providers.OpenAI, cfg.HostedTimeout(cfg.Providers.OpenAI))
		if err != nil {
			return nil, fmt.Errorf("initialise openai provider: %w", err)
		}
		adapters = append(adapters, adapter)
	} else {
		slog.Info("openai provider disabled, no api key configured")
	}

	if strings.TrimSpace(cfg.Providers.Anthropic.APIKey) != "" {
		client := newClient(cfg.Providers.Anthropic, httpclient.WithTimeout(cfg.HostedTimeout(cfg.Providers.Anthropic)))
		adapter, err := anthropicProvider.New("anthropic", cfg.Providers.Anthropic, client)
		if err != nil {
			return nil, fmt.Errorf("initialise anthropic provider: %w", err)
		}
		adapters = append(adapters, adapter)
	} else {
		slog.Info("anthropic provider disabled, no api key configured")
	}

	if strings.TrimSpace(cfg.Providers.Ollama.BaseURL) != "" {
		client := newClient(cfg.Providers.Ollama, httpclient.WithTimeout(cfg.OllamaTimeout()))
		adapter, err := ollamaProvider.New("ollama", cfg.Providers.Ollama, client)
		if err != nil {
			return nil, fmt.Errorf("initialise ollama provider: %w", err)
		}
		adapters = append(adapters, adapter)
	} else {
		slog.Info("ollama provider disabled, no base url configured")
	}

	if len(adapters) == 0 {
		slog.Warn("no providers configured, every chat request will fail model resolution")
	}

	return adapters, nil
}

func newClient(cfg config.ProviderConfig, opts ...httpclient.Option) *httpclient.Client {
	if cfg.RPS > 0 {
		opts = append(opts, httpclient.WithRateLimit(cfg.RPS))
	}
	return httpclient.New(opts...)
}
