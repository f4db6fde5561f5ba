// Package secrets resolves sensitive configuration values from pluggable
// backends so credentials stay out of config files.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Well-known secret keys.
const (
	KeyEmbeddingAPIKey = "embedding_api_key"
	KeyStoreDSN        = "store_dsn"
	KeyStorePassword   = "store_password"
	KeyTemporalToken   = "temporal_token"
)

// Provider is a secret backend.
type Provider interface {
	// Get retrieves a secret by key.
	Get(ctx context.Context, key string) (string, error)
	// Set stores a secret (not all backends support this).
	Set(ctx context.Context, key, value string) error
	// Delete removes a secret (not all backends support this).
	Delete(ctx context.Context, key string) error
	// Name returns the backend name.
	Name() string
}

// Config selects and configures the secrets backend.
type Config struct {
	// Provider is one of "env", "vault", "file". Empty means env.
	Provider string
	// Vault holds HashiCorp Vault settings when Provider is "vault".
	Vault *VaultConfig
	// File holds file backend settings when Provider is "file".
	File *FileConfig
	// EnvPrefix prefixes environment variable lookups (default "GRANARY_").
	EnvPrefix string
}

// Manager resolves secrets from a primary backend with the environment as
// fallback, caching successful lookups.
type Manager struct {
	primary  Provider
	fallback Provider

	mu    sync.RWMutex
	cache map[string]string
}

// NewManager builds a manager for the configured backend. A nil config
// yields the env-only manager.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	var primary Provider
	var err error
	switch cfg.Provider {
	case "", "env":
		primary = NewEnvProvider(cfg.EnvPrefix)
	case "vault":
		primary, err = NewVaultProvider(cfg.Vault)
		if err != nil {
			return nil, fmt.Errorf("vault provider: %w", err)
		}
	case "file":
		primary, err = NewFileProvider(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("file provider: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown secrets provider %q", cfg.Provider)
	}

	return &Manager{
		primary:  primary,
		fallback: NewEnvProvider(cfg.EnvPrefix),
		cache:    make(map[string]string),
	}, nil
}

// Get resolves a secret from the primary backend, then the environment.
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	val, ok := m.cache[key]
	m.mu.RUnlock()
	if ok {
		return val, nil
	}

	if val, err := m.primary.Get(ctx, key); err == nil && val != "" {
		m.cacheSet(key, val)
		return val, nil
	}
	if val, err := m.fallback.Get(ctx, key); err == nil && val != "" {
		m.cacheSet(key, val)
		return val, nil
	}
	return "", fmt.Errorf("secret not found: %s", key)
}

// GetOrDefault resolves a secret, falling back to def when absent.
func (m *Manager) GetOrDefault(ctx context.Context, key, def string) string {
	val, err := m.Get(ctx, key)
	if err != nil || val == "" {
		return def
	}
	return val
}

// Set writes a secret to the primary backend.
func (m *Manager) Set(ctx context.Context, key, value string) error {
	if err := m.primary.Set(ctx, key, value); err != nil {
		return err
	}
	m.cacheSet(key, value)
	return nil
}

// Delete removes a secret from the primary backend.
func (m *Manager) Delete(ctx context.Context, key string) error {
	if err := m.primary.Delete(ctx, key); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.cache, key)
	m.mu.Unlock()
	return nil
}

// ClearCache drops cached lookups, forcing fresh reads.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	m.cache = make(map[string]string)
	m.mu.Unlock()
}

func (m *Manager) cacheSet(key, value string) {
	m.mu.Lock()
	m.cache[key] = value
	m.mu.Unlock()
}

// EnvProvider reads secrets from environment variables. Keys are upcased
// and looked up with the prefix first, then bare.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates an environment-backed provider.
func NewEnvProvider(prefix string) *EnvProvider {
	if prefix == "" {
		prefix = "GRANARY_"
	}
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Get(ctx context.Context, key string) (string, error) {
	upper := strings.ToUpper(key)
	if val := os.Getenv(p.prefix + upper); val != "" {
		return val, nil
	}
	if val := os.Getenv(upper); val != "" {
		return val, nil
	}
	return "", fmt.Errorf("env var not found: %s%s", p.prefix, upper)
}

func (p *EnvProvider) Set(ctx context.Context, key, value string) error {
	return os.Setenv(p.prefix+strings.ToUpper(key), value)
}

func (p *EnvProvider) Delete(ctx context.Context, key string) error {
	return os.Unsetenv(p.prefix + strings.ToUpper(key))
}
