package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_NoFile_ReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend.Type != "memory" {
		t.Fatalf("Backend.Type = %q, want memory", cfg.Backend.Type)
	}
	if cfg.Agent.UserID != "NA" {
		t.Fatalf("Agent.UserID = %q, want NA", cfg.Agent.UserID)
	}
	if cfg.Backend.Supabase.HeartbeatInterval != 30*time.Second {
		t.Fatalf("HeartbeatInterval = %v, want 30s", cfg.Backend.Supabase.HeartbeatInterval)
	}
	if cfg.Backend.Supabase.ReconnectDelay != time.Second {
		t.Fatalf("ReconnectDelay = %v, want 1s", cfg.Backend.Supabase.ReconnectDelay)
	}
}

func TestLoad_ParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
server:
  port: 9090
backend:
  type: sqlite
  sqlite:
    path: /tmp/chat.db
agent:
  url: https://agent.example.com/api/run
  timeout: 5s
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Backend.SQLite.Path != "/tmp/chat.db" {
		t.Fatalf("SQLite.Path = %q", cfg.Backend.SQLite.Path)
	}
	if cfg.Agent.Timeout != 5*time.Second {
		t.Fatalf("Agent.Timeout = %v, want 5s", cfg.Agent.Timeout)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CHAT_SERVER_PORT", "7070")
	t.Setenv("CHAT_LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("Server.Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoad_SupabaseRequiresCredentials(t *testing.T) {
	t.Setenv("CHAT_BACKEND_TYPE", "supabase")
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_ANON_KEY", "")

	if _, err := Load(""); err == nil {
		t.Fatalf("expected validation error without supabase credentials")
	}

	t.Setenv("SUPABASE_URL", "https://abc.supabase.co")
	t.Setenv("SUPABASE_ANON_KEY", "anon")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend.Supabase.AnonKey != "anon" {
		t.Fatalf("AnonKey = %q, want anon", cfg.Backend.Supabase.AnonKey)
	}
}

func TestLoad_UnknownBackend(t *testing.T) {
	t.Setenv("CHAT_BACKEND_TYPE", "mongo")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for unknown backend type")
	}
}
