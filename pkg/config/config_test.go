package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type sample struct {
	Name string `yaml:"name"`
	Port int    `yaml:"port"`
	Mode string `yaml:"mode"`
}

func (s *sample) Validate() error {
	if s.Port <= 0 {
		return errors.New("port must be positive")
	}
	return nil
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_ExpandsEnvWithDefaults(t *testing.T) {
	t.Setenv("CFG_TEST_NAME", "vault")
	p := writeConfig(t, "name: ${CFG_TEST_NAME}\nport: ${CFG_TEST_PORT:-8080}\n")

	s := sample{Mode: "keep"}
	if err := Load(p, &s); err != nil {
		t.Fatal(err)
	}
	if s.Name != "vault" || s.Port != 8080 {
		t.Errorf("got %+v", s)
	}
	if s.Mode != "keep" {
		t.Errorf("absent key overwrote default: %q", s.Mode)
	}
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	p := writeConfig(t, "name: x\nport: 1\nprot: 2\n")
	var s sample
	err := Load(p, &s)
	if err == nil || !strings.Contains(err.Error(), "prot") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoad_Validates(t *testing.T) {
	p := writeConfig(t, "name: x\nport: 0\n")
	var s sample
	if err := Load(p, &s); err == nil || !strings.Contains(err.Error(), "validation") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLoadOptional_MissingFileKeepsDefaults(t *testing.T) {
	s := sample{Port: 9000}
	found, err := LoadOptional(filepath.Join(t.TempDir(), "absent.yaml"), &s)
	if err != nil {
		t.Fatal(err)
	}
	if found || s.Port != 9000 {
		t.Errorf("found=%v sample=%+v", found, s)
	}

	var bad sample
	if _, err := LoadOptional(filepath.Join(t.TempDir(), "absent.yaml"), &bad); err == nil {
		t.Error("defaults should still be validated")
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	p := writeConfig(t, "\n")
	s := sample{Port: 1}
	if err := Load(p, &s); err != nil {
		t.Fatalf("empty file should keep defaults: %v", err)
	}
}
