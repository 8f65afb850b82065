package internal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	pkgconfig "github.com/starford/ghostkb/pkg/config"
)

func TestAuthConfig_Modes(t *testing.T) {
	tests := []struct {
		name    string
		cfg     AuthConfig
		enabled bool
		wantErr string
	}{
		{name: "disabled", cfg: AuthConfig{Mode: "disabled"}},
		{name: "empty defaults to disabled", cfg: AuthConfig{}},
		{name: "token", cfg: AuthConfig{Mode: "token", Token: "s3cret"}, enabled: true},
		{name: "token without value", cfg: AuthConfig{Mode: "token"}, wantErr: "token is empty"},
		{name: "unknown mode", cfg: AuthConfig{Mode: "magic", Token: "x"}, wantErr: "Mode: must be a valid value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.cfg.Mode == "" {
				t.Error("mode should be normalised")
			}
			if tt.cfg.AuthEnabled() != tt.enabled {
				t.Errorf("AuthEnabled = %v, want %v", tt.cfg.AuthEnabled(), tt.enabled)
			}
		})
	}
}

func TestEmbeddingConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     EmbeddingConfig
		wantErr bool
	}{
		{name: "none", cfg: EmbeddingConfig{}},
		{name: "hashing", cfg: EmbeddingConfig{Provider: "hashing", Dimensions: 64}},
		{name: "hashing without dimensions", cfg: EmbeddingConfig{Provider: "hashing"}, wantErr: true},
		{name: "openai", cfg: EmbeddingConfig{Provider: "openai", APIKey: "k", Model: "text-embedding-3-small", Dimensions: 1536}},
		{name: "openai local endpoint needs no key", cfg: EmbeddingConfig{Provider: "openai", BaseURL: "http://localhost:11434/v1", Model: "nomic", Dimensions: 768}},
		{name: "openai without key", cfg: EmbeddingConfig{Provider: "openai", Model: "m", Dimensions: 8}, wantErr: true},
		{name: "openai without model", cfg: EmbeddingConfig{Provider: "openai", APIKey: "k", Dimensions: 8}, wantErr: true},
		{name: "unknown provider", cfg: EmbeddingConfig{Provider: "word2vec"}, wantErr: true},
		{name: "negative rate", cfg: EmbeddingConfig{RequestsPerSecond: -1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestIndexConfig_Schedule(t *testing.T) {
	ok := []string{"", "@every 10m", "*/5 * * * *", "@hourly"}
	for _, spec := range ok {
		cfg := IndexConfig{FullInterval: spec}
		if err := cfg.Validate(); err != nil {
			t.Errorf("%q: unexpected error %v", spec, err)
		}
	}
	bad := IndexConfig{FullInterval: "every ten minutes"}
	if err := bad.Validate(); err == nil {
		t.Error("malformed schedule should fail")
	}
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Search.RRFK != 60 {
		t.Errorf("rrf_k = %d, want 60", cfg.Search.RRFK)
	}
	if cfg.Index.Debounce != 2*time.Second {
		t.Errorf("debounce = %v, want 2s", cfg.Index.Debounce)
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}

func TestLoad_YAMLWithEnv(t *testing.T) {
	t.Setenv("GHOSTKB_TEST_KEY", "sk-from-env")
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
app:
  log_level: debug
  http:
    port: 9090
vault:
  path: /srv/vault
sqlite:
  path: /srv/index.db
embedding:
  provider: openai
  api_key: ${GHOSTKB_TEST_KEY}
  model: text-embedding-3-small
  dimensions: 1536
  timeout: 5s
index:
  full_interval: "@every 1h"
  debounce: 500ms
mcp:
  ghost: kestrel
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefaultConfig()
	if err := pkgconfig.Load(path, cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Embedding.APIKey != "sk-from-env" {
		t.Errorf("api_key = %q", cfg.Embedding.APIKey)
	}
	if cfg.App.HTTP.Port != 9090 || cfg.App.LogLevel.String() != "DEBUG" {
		t.Errorf("app = %+v", cfg.App)
	}
	if cfg.Embedding.Timeout != 5*time.Second || cfg.Index.Debounce != 500*time.Millisecond {
		t.Errorf("durations: timeout=%v debounce=%v", cfg.Embedding.Timeout, cfg.Index.Debounce)
	}
	// Unset keys keep their defaults.
	if cfg.Search.CacheSize != 512 || !cfg.Index.Watch {
		t.Errorf("defaults lost: %+v %+v", cfg.Search, cfg.Index)
	}
	if cfg.MCP.Ghost != "kestrel" {
		t.Errorf("mcp ghost = %q", cfg.MCP.Ghost)
	}
}
