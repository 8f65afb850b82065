package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/robfig/cron/v3"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Embedding providers.
const (
	ProviderNone    = "none"
	ProviderOpenAI  = "openai"
	ProviderHashing = "hashing"
)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	Vault     VaultConfig       `yaml:"vault"`
	SQLite    SQLiteConfig      `yaml:"sqlite"`
	Auth      AuthConfig        `yaml:"auth"`
	Embedding EmbeddingConfig   `yaml:"embedding"`
	Index     IndexConfig       `yaml:"index"`
	Search    SearchConfig      `yaml:"search"`
	MCP       MCPConfig         `yaml:"mcp"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Vault.Validate(); err != nil {
		return err
	}
	if err := c.SQLite.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if err := c.Embedding.Validate(); err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	if err := c.Index.Validate(); err != nil {
		return fmt.Errorf("index: %w", err)
	}
	return c.Search.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level    `yaml:"log_level"`
	LogFile  LogFileConfig `yaml:"log_file"`
	HTTP     HTTPConfig    `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	if err := c.LogFile.Validate(); err != nil {
		return err
	}
	return c.HTTP.Validate()
}

// LogFileConfig routes logs to a rotated file. An empty path logs to
// stderr.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Validate validates the log file configuration.
func (c *LogFileConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxSizeMB, validation.Min(0)),
		validation.Field(&c.MaxBackups, validation.Min(0)),
		validation.Field(&c.MaxAgeDays, validation.Min(0)),
	)
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// VaultConfig holds the path to the vault directory.
type VaultConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the vault configuration.
func (c *VaultConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// SQLiteConfig holds the index database configuration. The database is
// derived state and can be deleted at any time.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// EmbeddingConfig selects the vector provider.
//
// Provider is one of:
//   - "none": lexical-only; chunks stay flagged until a provider is configured.
//   - "openai": any OpenAI-compatible /embeddings endpoint.
//   - "hashing": local feature hashing, for offline use and tests.
type EmbeddingConfig struct {
	Provider          string        `yaml:"provider"`
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	Model             string        `yaml:"model"`
	Dimensions        int           `yaml:"dimensions"`
	BatchSize         int           `yaml:"batch_size"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// Validate validates the embedding configuration.
func (c *EmbeddingConfig) Validate() error {
	if c.Provider == "" {
		c.Provider = ProviderNone
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Provider, validation.In(ProviderNone, ProviderOpenAI, ProviderHashing)),
		validation.Field(&c.APIKey, validation.When(c.Provider == ProviderOpenAI && c.BaseURL == "", validation.Required)),
		validation.Field(&c.Model, validation.When(c.Provider == ProviderOpenAI, validation.Required)),
		validation.Field(&c.Dimensions, validation.When(c.Provider != ProviderNone, validation.Required), validation.Min(0)),
		validation.Field(&c.BatchSize, validation.Min(0), validation.Max(2048)),
		validation.Field(&c.RequestsPerSecond, validation.Min(0.0)),
	)
}

// IndexConfig controls reconciliation.
type IndexConfig struct {
	// FullInterval is a cron spec for periodic full passes.
	FullInterval string        `yaml:"full_interval"`
	Debounce     time.Duration `yaml:"debounce"`
	Watch        bool          `yaml:"watch"`
	Workers      int           `yaml:"workers"`
	Chunking     ChunkConfig   `yaml:"chunking"`
}

// Validate validates the index configuration.
func (c *IndexConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.FullInterval, validation.By(func(any) error {
			if c.FullInterval == "" {
				return nil
			}
			_, err := cron.ParseStandard(c.FullInterval)
			return err
		})),
		validation.Field(&c.Debounce, validation.Min(time.Duration(0))),
		validation.Field(&c.Workers, validation.Min(0), validation.Max(64)),
	)
}

// ChunkConfig tunes chunk boundaries. Zero values use the chunker defaults.
type ChunkConfig struct {
	SingleChunkThreshold int `yaml:"single_chunk_threshold"`
	MinSectionChars      int `yaml:"min_section_chars"`
	MaxChunkChars        int `yaml:"max_chunk_chars"`
}

// SearchConfig tunes the query engine.
type SearchConfig struct {
	RRFK       int `yaml:"rrf_k"`
	Candidates int `yaml:"candidates"`
	CacheSize  int `yaml:"cache_size"`
}

// Validate validates the search configuration.
func (c *SearchConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.RRFK, validation.Min(0)),
		validation.Field(&c.Candidates, validation.Min(0), validation.Max(1000)),
		validation.Field(&c.CacheSize, validation.Min(0)),
	)
}

// MCPConfig configures the stdio MCP server. Ghost pins the identity the
// process acts as; without it each call names its ghost.
type MCPConfig struct {
	Ghost string `yaml:"ghost"`
	Model string `yaml:"model"`
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			LogFile: LogFileConfig{
				MaxSizeMB:  100,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Vault: VaultConfig{
			Path: "./vault",
		},
		SQLite: SQLiteConfig{
			Path: "./ghostkb.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Embedding: EmbeddingConfig{
			Provider:  ProviderNone,
			BatchSize: 64,
			Timeout:   30 * time.Second,
		},
		Index: IndexConfig{
			FullInterval: "@every 10m",
			Debounce:     2 * time.Second,
			Watch:        true,
			Workers:      4,
		},
		Search: SearchConfig{
			RRFK:       60,
			Candidates: 50,
			CacheSize:  512,
		},
	}
}
