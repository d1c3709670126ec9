package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort               = 8080
	defaultCatalogTTL         = 5 * time.Minute
	defaultOllamaTimeout      = 5 * time.Second
	defaultHostedTimeout      = 2 * time.Minute
	defaultTopK               = 4
	defaultCorrectionMaxToken = 512

	defaultOpenAIBaseURL    = "https://api.openai.com/v1"
	defaultAnthropicBaseURL = "https://api.anthropic.com"
)

// Duration wraps time.Duration so it can be written as "5m" in YAML.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration, or fallback when unset.
func (d Duration) Std(fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return time.Duration(d)
}

// Config represents the application configuration parsed from YAML with
// environment overrides applied on top.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	PostProcess PostProcessConfig `yaml:"postprocess"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// CatalogConfig controls the model catalog cache.
type CatalogConfig struct {
	TTL Duration `yaml:"ttl"`
}

// ProvidersConfig catalogues configured upstream providers. A provider
// whose key/URL is absent is disabled, never a startup failure.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	Ollama    ProviderConfig `yaml:"ollama"`
}

// ProviderConfig captures authentication and routing info for a provider.
type ProviderConfig struct {
	APIKey  string            `yaml:"api_key"`
	BaseURL string            `yaml:"base_url"`
	Timeout Duration          `yaml:"timeout"`
	RPS     float64           `yaml:"rps"`
	Headers map[string]string `yaml:"headers"`
	Models  []ModelConfig     `yaml:"models"`
}

// ModelConfig declares a model for providers without a listing endpoint.
type ModelConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// RetrievalConfig points at the embedding service and the memory store.
// Leaving MemoryURL empty disables augmentation and persistence.
type RetrievalConfig struct {
	EmbeddingURL    string `yaml:"embedding_url"`
	EmbeddingAPIKey string `yaml:"embedding_api_key"`
	MemoryURL       string `yaml:"memory_url"`
	MemoryAPIKey    string `yaml:"memory_api_key"`
	TopK            int    `yaml:"top_k"`
}

// PostProcessConfig selects the model used for JSON correction calls.
type PostProcessConfig struct {
	CorrectionModel     string `yaml:"correction_model"`
	CorrectionMaxTokens int    `yaml:"correction_max_tokens"`
}

// envOverrides are the environment-provided secrets and endpoints. They
// take precedence over the YAML file so deployments can omit keys from disk.
type envOverrides struct {
	OpenAIAPIKey     string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL    string `envconfig:"OPENAI_BASE_URL"`
	AnthropicAPIKey  string `envconfig:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL string `envconfig:"ANTHROPIC_BASE_URL"`
	OllamaBaseURL    string `envconfig:"OLLAMA_BASE_URL"`
	EmbeddingURL     string `envconfig:"EMBEDDING_URL"`
	EmbeddingAPIKey  string `envconfig:"EMBEDDING_API_KEY"`
	MemoryURL        string `envconfig:"MEMORY_URL"`
	MemoryAPIKey     string `envconfig:"MEMORY_API_KEY"`
}

// Load reads YAML configuration from disk, applies environment overrides,
// and validates the result. An empty path loads defaults plus environment.
func Load(path string) (Config, error) {
	var cfg Config

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("read environment overrides: %w", err)
	}

	setIfPresent(&c.Providers.OpenAI.APIKey, env.OpenAIAPIKey)
	setIfPresent(&c.Providers.OpenAI.BaseURL, env.OpenAIBaseURL)
	setIfPresent(&c.Providers.Anthropic.APIKey, env.AnthropicAPIKey)
	setIfPresent(&c.Providers.Anthropic.BaseURL, env.AnthropicBaseURL)
	setIfPresent(&c.Providers.Ollama.BaseURL, env.OllamaBaseURL)
	setIfPresent(&c.Retrieval.EmbeddingURL, env.EmbeddingURL)
	setIfPresent(&c.Retrieval.EmbeddingAPIKey, env.EmbeddingAPIKey)
	setIfPresent(&c.Retrieval.MemoryURL, env.MemoryURL)
	setIfPresent(&c.Retrieval.MemoryAPIKey, env.MemoryAPIKey)
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Providers.OpenAI.BaseURL == "" {
		c.Providers.OpenAI.BaseURL = defaultOpenAIBaseURL
	}
	if c.Providers.Anthropic.BaseURL == "" {
		c.Providers.Anthropic.BaseURL = defaultAnthropicBaseURL
	}
	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = defaultTopK
	}
	if c.PostProcess.CorrectionMaxTokens == 0 {
		c.PostProcess.CorrectionMaxTokens = defaultCorrectionMaxToken
	}
}

// CatalogTTL returns the configured catalog cache TTL or the default.
func (c Config) CatalogTTL() time.Duration {
	return c.Catalog.TTL.Std(defaultCatalogTTL)
}

// OllamaTimeout is the short fixed timeout for the self-hosted backend.
func (c Config) OllamaTimeout() time.Duration {
	return c.Providers.Ollama.Timeout.Std(defaultOllamaTimeout)
}

// HostedTimeout bounds hosted-provider calls so a hung upstream cannot
// hang a request indefinitely.
func (c Config) HostedTimeout(p ProviderConfig) time.Duration {
	return p.Timeout.Std(defaultHostedTimeout)
}

// Validate performs sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Retrieval.TopK < 0 {
		return fmt.Errorf("retrieval.top_k must not be negative, got %d", c.Retrieval.TopK)
	}
	if c.PostProcess.CorrectionMaxTokens < 0 {
		return fmt.Errorf("postprocess.correction_max_tokens must not be negative, got %d", c.PostProcess.CorrectionMaxTokens)
	}

	for name, provider := range map[string]ProviderConfig{
		"openai":    c.Providers.OpenAI,
		"anthropic": c.Providers.Anthropic,
		"ollama":    c.Providers.Ollama,
	} {
		for headerKey := range provider.Headers {
			if !isCanonicalHTTPHeader(headerKey) {
				return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
			}
		}
		for _, model := range provider.Models {
			if strings.TrimSpace(model.Name) == "" {
				return fmt.Errorf("provider %s: model name must not be empty", name)
			}
		}
	}

	return nil
}

func setIfPresent(dst *string, value string) {
	if strings.TrimSpace(value) != "" {
		*dst = value
	}
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}
	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
