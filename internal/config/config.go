package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/granary-ai/granary/internal/secrets"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Vector     VectorConfig     `mapstructure:"vector"`
	Store      StoreConfig      `mapstructure:"store"`
	Processing ProcessingConfig `mapstructure:"processing"`
	Temporal   TemporalConfig   `mapstructure:"temporal"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
}

type EmbeddingConfig struct {
	Provider      string        `mapstructure:"provider"`
	Model         string        `mapstructure:"model"`
	APIKey        string        `mapstructure:"api_key"`
	BaseURL       string        `mapstructure:"base_url"`
	Dimensions    int           `mapstructure:"dimensions"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxInputChars int           `mapstructure:"max_input_chars"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
}

type VectorConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Collection string `mapstructure:"collection"`
}

// StoreConfig selects the side store backend: "memory", "postgres" or
// "neo4j".
type StoreConfig struct {
	Backend string `mapstructure:"backend"`

	// Postgres
	DSN string `mapstructure:"dsn"`

	// Neo4j
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type ProcessingConfig struct {
	MaxChunkSize int `mapstructure:"max_chunk_size"`
	OverlapSize  int `mapstructure:"overlap_size"`
}

type TemporalConfig struct {
	Host      string `mapstructure:"host"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

type ServerConfig struct {
	MetricsAddr  string `mapstructure:"metrics_addr"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	AuditPath    string `mapstructure:"audit_path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SecretsConfig selects where sensitive values (API keys, store
// credentials) are resolved from when the config file leaves them empty.
type SecretsConfig struct {
	Provider string `mapstructure:"provider"` // "env", "vault", "file"

	// Vault
	VaultAddress string `mapstructure:"vault_address"`
	VaultToken   string `mapstructure:"vault_token"`
	VaultMount   string `mapstructure:"vault_mount"`
	VaultPath    string `mapstructure:"vault_path"`

	// File
	FilePath string `mapstructure:"file_path"`
}

// Validate checks configuration for issues and returns warnings.
func (c *Config) Validate() []string {
	var warnings []string

	if c.Embedding.Provider != "" && c.Embedding.Provider != "none" && c.Embedding.Provider != "null" && c.Embedding.APIKey == "" {
		warnings = append(warnings, fmt.Sprintf("embedding provider '%s' is configured but api_key is empty", c.Embedding.Provider))
	}
	if c.Embedding.BatchSize < 0 {
		warnings = append(warnings, fmt.Sprintf("embedding batch_size %d is negative", c.Embedding.BatchSize))
	}
	if c.Processing.MaxChunkSize > 0 && c.Processing.OverlapSize >= c.Processing.MaxChunkSize {
		warnings = append(warnings, fmt.Sprintf("overlap_size %d must be smaller than max_chunk_size %d", c.Processing.OverlapSize, c.Processing.MaxChunkSize))
	}
	switch c.Store.Backend {
	case "", "memory", "postgres", "neo4j":
	default:
		warnings = append(warnings, fmt.Sprintf("unknown store backend '%s'", c.Store.Backend))
	}
	if c.Store.Backend == "postgres" && c.Store.DSN == "" {
		warnings = append(warnings, "store backend 'postgres' is configured but dsn is empty")
	}
	if c.Store.Backend == "neo4j" && c.Store.URI == "" {
		warnings = append(warnings, "store backend 'neo4j' is configured but uri is empty")
	}
	switch c.Secrets.Provider {
	case "", "env", "vault", "file":
	default:
		warnings = append(warnings, fmt.Sprintf("unknown secrets provider '%s'", c.Secrets.Provider))
	}

	return warnings
}

// resolveSecrets fills empty sensitive fields from the secrets backend.
// Resolution failures are not fatal: a missing key just leaves the field
// empty and the relevant component degrades or warns on its own.
func (c *Config) resolveSecrets(ctx context.Context) error {
	mgr, err := secrets.NewManager(&secrets.Config{
		Provider: c.Secrets.Provider,
		Vault: &secrets.VaultConfig{
			Address:    c.Secrets.VaultAddress,
			Token:      c.Secrets.VaultToken,
			MountPath:  c.Secrets.VaultMount,
			SecretPath: c.Secrets.VaultPath,
		},
		File: &secrets.FileConfig{Path: c.Secrets.FilePath},
	})
	if err != nil {
		return err
	}

	if c.Embedding.APIKey == "" {
		c.Embedding.APIKey = mgr.GetOrDefault(ctx, secrets.KeyEmbeddingAPIKey, "")
	}
	if c.Store.DSN == "" {
		c.Store.DSN = mgr.GetOrDefault(ctx, secrets.KeyStoreDSN, "")
	}
	if c.Store.Password == "" {
		c.Store.Password = mgr.GetOrDefault(ctx, secrets.KeyStorePassword, "")
	}
	return nil
}

// Load reads configuration from file and environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GRANARY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.resolveSecrets(context.Background()); err != nil {
		return nil, fmt.Errorf("resolving secrets: %w", err)
	}

	if warnings := cfg.Validate(); len(warnings) > 0 {
		for _, warning := range warnings {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
		}
	}

	return &cfg, nil
}
