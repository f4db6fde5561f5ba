package embedding

import (
	"fmt"
	"time"
)

// Config holds all configuration needed to create any embedding provider.
type Config struct {
	Provider string // "openai", "ollama", "custom", "null"
	APIKey   string
	Model    string
	BaseURL  string // Override for self-hosted / custom endpoints

	// Dimensions pins the expected vector size; zero learns it from the
	// first response.
	Dimensions int
	// MaxInputChars is the per-text input budget; oversized inputs are
	// truncated, not rejected (see Truncate).
	MaxInputChars int
	// BatchSize bounds how many texts go into one backend request.
	BatchSize int

	// Timeout and retry configuration
	Timeout    time.Duration // Per-request timeout (default: 30s)
	MaxRetries int           // Max retry attempts (default: 3)
	RetryDelay time.Duration // Initial retry delay for exponential backoff (default: 1s)
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxInputChars: 8000,
		BatchSize:     64,
		Timeout:       30 * time.Second,
		MaxRetries:    3,
		RetryDelay:    1 * time.Second,
	}
}

// Constructor builds a Provider from config.
type Constructor func(cfg Config) (Provider, error)

// Factory creates Provider instances from config.
type Factory struct {
	constructors map[string]Constructor
}

// NewFactory creates an empty factory; callers register constructors for the
// backends they link in.
func NewFactory() *Factory {
	return &Factory{constructors: make(map[string]Constructor)}
}

// Register adds a provider constructor under the given name.
func (f *Factory) Register(name string, ctor Constructor) {
	f.constructors[name] = ctor
}

// Create builds a Provider from config. An empty, "none" or "null" provider
// yields the NullProvider so the retrieval path degrades to keyword search
// instead of failing. The returned provider is wrapped with retry logic when
// timeout or retries are configured.
func (f *Factory) Create(cfg Config) (Provider, error) {
	if cfg.Provider == "" || cfg.Provider == "none" || cfg.Provider == "null" {
		return NewNullProvider(), nil
	}

	ctor, ok := f.constructors[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown embedding provider %q (registered: %v)", cfg.Provider, f.names())
	}

	provider, err := ctor(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Timeout > 0 || cfg.MaxRetries > 0 {
		return WrapWithRetry(provider, cfg), nil
	}
	return provider, nil
}

func (f *Factory) names() []string {
	var out []string
	for k := range f.constructors {
		out = append(out, k)
	}
	return out
}

// KnownProviders documents the built-in provider presets. For any
// OpenAI-compatible embeddings API (Ollama, vLLM, Together, etc.) use the
// "openai" constructor with a custom base_url.
var KnownProviders = map[string]string{
	"openai": "https://api.openai.com/v1",
	"ollama": "http://localhost:11434/v1",
	"null":   "",
}
