package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.AgentListenAddr != ":8377" {
		t.Errorf("AgentListenAddr = %s, want :8377", cfg.AgentListenAddr)
	}
	if cfg.AttemptLimit != 5 {
		t.Errorf("AttemptLimit = %d, want 5", cfg.AttemptLimit)
	}
	if cfg.EntryDelay != 150*time.Millisecond {
		t.Errorf("EntryDelay = %v, want 150ms", cfg.EntryDelay)
	}
	if cfg.ProbeURL != "http://localhost:8000/healthz" {
		t.Errorf("ProbeURL = %s, want derived from base_url", cfg.ProbeURL)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	body := `
base_url: https://field.example.com
attempt_limit: 3
offline_page: /fallback/
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.BaseURL != "https://field.example.com" {
		t.Errorf("BaseURL = %s, want file value", cfg.BaseURL)
	}
	if cfg.AttemptLimit != 3 {
		t.Errorf("AttemptLimit = %d, want 3", cfg.AttemptLimit)
	}
	if cfg.OfflinePage != "/fallback/" {
		t.Errorf("OfflinePage = %s, want /fallback/", cfg.OfflinePage)
	}
	if cfg.ProbeURL != "https://field.example.com/healthz" {
		t.Errorf("ProbeURL = %s, want derived from base_url", cfg.ProbeURL)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("FIELDSYNC_AGENT_URL", "10.0.0.5:9000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.AgentURL != "10.0.0.5:9000" {
		t.Errorf("AgentURL = %s, want env override", cfg.AgentURL)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() with a missing explicit file succeeded, want error")
	}
}
