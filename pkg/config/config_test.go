package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "provgate.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
store:
  path: /var/lib/provgate/provgate.db
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Path != "/var/lib/provgate/provgate.db" {
		t.Fatalf("store path = %q", cfg.Store.Path)
	}
	if cfg.Orchestrator.MaxParallel != 4 {
		t.Fatalf("max_parallel default = %d", cfg.Orchestrator.MaxParallel)
	}
	if cfg.Workflow.ApprovalTTL != 72*time.Hour {
		t.Fatalf("approval_ttl default = %v", cfg.Workflow.ApprovalTTL)
	}
	if cfg.Telemetry.Logging.Level != "info" {
		t.Fatalf("log level default = %q", cfg.Telemetry.Logging.Level)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
store:
  path: provgate.db
orchestrator:
  max_parallel: 8
  apply_max_attempts: 2
workflow:
  approval_ttl: 24h
telemetry:
  logging:
    level: debug
    format: json
  metrics:
    enabled: true
    listen_addr: ":9100"
connectors:
  memory: [ldap]
  sql:
    - name: hrdb
      dsn: postgres://localhost/hr?sslmode=disable
      table: accounts
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Orchestrator.MaxParallel != 8 || cfg.Orchestrator.ApplyMaxAttempts != 2 {
		t.Fatalf("orchestrator = %+v", cfg.Orchestrator)
	}
	if cfg.Workflow.ApprovalTTL != 24*time.Hour {
		t.Fatalf("approval_ttl = %v", cfg.Workflow.ApprovalTTL)
	}
	if len(cfg.Connectors.SQL) != 1 || cfg.Connectors.SQL[0].Name != "hrdb" {
		t.Fatalf("sql connectors = %+v", cfg.Connectors.SQL)
	}

	tc := cfg.TelemetrySettings("1.2.3")
	if tc.Logging.Level != "debug" || tc.Logging.Format != "json" {
		t.Fatalf("telemetry logging = %+v", tc.Logging)
	}
	if tc.ServiceVersion != "1.2.3" {
		t.Fatalf("service version = %q", tc.ServiceVersion)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"empty store path", "store:\n  path: \"\"\n"},
		{"bad log level", "store:\n  path: x.db\ntelemetry:\n  logging:\n    level: loud\n"},
		{"max_parallel out of range", "store:\n  path: x.db\norchestrator:\n  max_parallel: 500\n"},
		{"sql connector missing table", "store:\n  path: x.db\nconnectors:\n  sql:\n    - name: hrdb\n      dsn: postgres://x\n"},
		{"duplicate connector names", "store:\n  path: x.db\nconnectors:\n  memory: [ldap, ldap]\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			if _, err := Load(path); err == nil {
				t.Fatalf("config accepted: %s", tc.content)
			}
		})
	}
}
