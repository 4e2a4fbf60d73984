package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseYAMLAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
log_level: debug
dedup:
  burst_window: 30s
profiles:
  mode: YAML
normalization:
  rules:
    - regex: 'zone\s+(\d+)'
      extract:
        zone_label: 1
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Dedup.BurstWindow != 30*time.Second {
		t.Fatalf("burst window: %s", cfg.Dedup.BurstWindow)
	}
	if cfg.Dedup.RawTTL != 60*time.Second {
		t.Fatalf("raw ttl default: %s", cfg.Dedup.RawTTL)
	}
	if cfg.Profiles.Mode != ProfilesYAML {
		t.Fatalf("mode: %s", cfg.Profiles.Mode)
	}
	if cfg.Profiles.Scoring.FilenameBonus != 5 || cfg.Profiles.Scoring.KeywordPenalty != -10 {
		t.Fatalf("scoring defaults: %+v", cfg.Profiles.Scoring)
	}
	if !cfg.Normalization.StopFirst() {
		t.Fatalf("stop_at_first_match should default to true")
	}
	if cfg.Ingestion.LockTTL != 900*time.Second {
		t.Fatalf("lock ttl: %s", cfg.Ingestion.LockTTL)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"mode":       "profiles:\n  mode: sideways\n",
		"hours":      "alerting:\n  business_hours_start: '8h'\n  business_hours_end: '18:00'\n",
		"email":      "ingestion:\n  email:\n    enabled: true\n",
		"rawcode":    "rules:\n  raw_code_mode: FUZZY\n",
		"kafka":      "notify:\n  kafka:\n    enabled: true\n",
		"empty rule": "normalization:\n  rules:\n    - regex: ''\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestManagerReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if m.Get().LogLevel != "info" {
		t.Fatalf("initial level: %s", m.Get().LogLevel)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.WriteFile(path, []byte("log_level: warn\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	needs, err := m.NeedsReload()
	if err != nil || !needs {
		t.Fatalf("expected reload needed, err=%v", err)
	}
	cfg, err := m.Reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.LogLevel != "warn" || m.Get().LogLevel != "warn" {
		t.Fatalf("reloaded level: %s", cfg.LogLevel)
	}
}
