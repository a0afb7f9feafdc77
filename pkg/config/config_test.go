package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(&Flags{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.UpstreamURL.String() != defaultUpstreamURL {
		t.Fatalf("unexpected upstream: %s", cfg.UpstreamURL)
	}
	if cfg.Port != defaultPort {
		t.Fatalf("unexpected port: %d", cfg.Port)
	}
	if cfg.MaxBodySize != defaultMaxBodySize {
		t.Fatalf("unexpected max body size: %d", cfg.MaxBodySize)
	}
	if cfg.ConnectTimeout != defaultConnectTimeoutSecs*time.Second {
		t.Fatalf("unexpected connect timeout: %s", cfg.ConnectTimeout)
	}
}

func TestLoadFlagsOverrideDefaults(t *testing.T) {
	cfg, err := Load(&Flags{UpstreamURL: "https://example.social", Port: 9090})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.UpstreamURL.String() != "https://example.social" {
		t.Fatalf("unexpected upstream: %s", cfg.UpstreamURL)
	}
	if cfg.Port != 9090 {
		t.Fatalf("unexpected port: %d", cfg.Port)
	}
}

func TestLoadEnvOverridesFileAndDefaults(t *testing.T) {
	t.Setenv("IVORYVALLEY_PORT", "9191")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("port = 7070\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(&Flags{ConfigFile: path})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9191 {
		t.Fatalf("expected env to win over file, got %d", cfg.Port)
	}
}

func TestLoadTomlFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := "upstream_url = \"https://toml.example\"\ndatabase_path = \"toml.db\"\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(&Flags{ConfigFile: path})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.UpstreamURL.String() != "https://toml.example" {
		t.Fatalf("unexpected upstream: %s", cfg.UpstreamURL)
	}
	if cfg.DatabasePath != "toml.db" {
		t.Fatalf("unexpected database path: %s", cfg.DatabasePath)
	}
}

func TestLoadYamlFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := "upstream_url: https://yaml.example\ndatabase_path: yaml.db\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(&Flags{ConfigFile: path})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.UpstreamURL.String() != "https://yaml.example" {
		t.Fatalf("unexpected upstream: %s", cfg.UpstreamURL)
	}
	if cfg.DatabasePath != "yaml.db" {
		t.Fatalf("unexpected database path: %s", cfg.DatabasePath)
	}
}

func TestLoadRejectsRelativeUpstream(t *testing.T) {
	if _, err := Load(&Flags{UpstreamURL: "not-a-url"}); err == nil {
		t.Fatal("expected error for non-absolute upstream url")
	}
}

func TestLoadRejectsUnknownConfigExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(&Flags{ConfigFile: path}); err == nil {
		t.Fatal("expected error for unsupported config extension")
	}
}
