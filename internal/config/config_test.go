package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
socket_path: /tmp/binchotan.sock
db_path: /tmp/binchotan.db
filter_dir: /tmp/filters
twitter_client_id: client-id
twitter_client_secret: client-secret
redirect_host: 127.0.0.1:8080
scopes: [tweet.read, users.read, offline.access]
pipelines:
  default: [mute.lua]
  "111": [mute.lua, dedup.lua]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_ValidWithDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SocketPath != "/tmp/binchotan.sock" {
		t.Errorf("socket_path = %q", cfg.SocketPath)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("request_timeout = %v, want default 30s", cfg.RequestTimeout)
	}
	if cfg.FilterTimeout != 3*time.Second {
		t.Errorf("filter_timeout = %v, want default 3s", cfg.FilterTimeout)
	}
	if len(cfg.Scopes) != 3 {
		t.Errorf("scopes = %v", cfg.Scopes)
	}
}

func TestLoad_MissingRequiredField(t *testing.T) {
	content := strings.Replace(validYAML, "socket_path: /tmp/binchotan.sock\n", "", 1)
	if _, err := Load(writeConfig(t, content)); err == nil || !strings.Contains(err.Error(), "socket_path") {
		t.Fatalf("expected socket_path error, got %v", err)
	}
}

func TestLoad_FilterTimeoutMustBeShorter(t *testing.T) {
	content := validYAML + "request_timeout: 2s\nfilter_timeout: 5s\n"
	if _, err := Load(writeConfig(t, content)); err == nil || !strings.Contains(err.Error(), "filter_timeout") {
		t.Fatalf("expected filter_timeout error, got %v", err)
	}
}

func TestLoad_EnvOverridesClientCredentials(t *testing.T) {
	t.Setenv("BINCHOTAN_CLIENT_ID", "env-id")
	t.Setenv("BINCHOTAN_CLIENT_SECRET", "env-secret")

	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TwitterClientID != "env-id" || cfg.TwitterClientSecret != "env-secret" {
		t.Fatalf("credentials not overridden: %q %q", cfg.TwitterClientID, cfg.TwitterClientSecret)
	}
}

func TestLoad_EnvConfigPath(t *testing.T) {
	path := writeConfig(t, validYAML)
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load via env: %v", err)
	}
	if cfg.DBPath != "/tmp/binchotan.db" {
		t.Errorf("db_path = %q", cfg.DBPath)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestPipelineFor(t *testing.T) {
	cfg := &Config{Pipelines: map[string][]string{
		DefaultPipeline: {"mute.lua"},
		"111":           {"mute.lua", "dedup.lua"},
	}}

	if p := cfg.PipelineFor("111"); len(p) != 2 {
		t.Errorf("explicit entry: %v", p)
	}
	if p := cfg.PipelineFor("222"); len(p) != 1 || p[0] != "mute.lua" {
		t.Errorf("default fallback: %v", p)
	}

	empty := &Config{}
	if p := empty.PipelineFor("111"); p != nil {
		t.Errorf("no pipelines configured: %v", p)
	}
}
