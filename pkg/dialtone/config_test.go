package dialtone

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dialtone.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "transport:\n  provider: mock\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Session.AutoRegister {
		t.Fatal("auto_register should default to true")
	}
	if cfg.Session.CommandTimeoutMS != 15000 {
		t.Fatalf("command_timeout_ms = %d, want 15000", cfg.Session.CommandTimeoutMS)
	}
	if !cfg.Web.Enabled || cfg.Web.Addr == "" {
		t.Fatalf("web defaults missing: %+v", cfg.Web)
	}
	if !cfg.Privacy.RedactPII {
		t.Fatal("redact_pii should default to true")
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Fatalf("log defaults = %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("DIALTONE_TEST_PASSWORD", "hunter2")
	t.Setenv("DIALTONE_TEST_TOKEN", "tok-123")
	path := writeConfig(t, `transport:
  provider: sip
  settings:
    domain: sipgate.example
    token: ${DIALTONE_TEST_TOKEN}
credentials:
  username: 1234567e0
  password: ${DIALTONE_TEST_PASSWORD}
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Credentials.Password != "hunter2" {
		t.Fatalf("password not expanded: %q", cfg.Credentials.Password)
	}
	if got := cfg.Transport.Settings["token"]; got != "tok-123" {
		t.Fatalf("settings token not expanded: %v", got)
	}
	if got := cfg.Transport.Settings["domain"]; got != "sipgate.example" {
		t.Fatalf("settings domain = %v", got)
	}
}

func TestLoadConfigRequiresProvider(t *testing.T) {
	path := writeConfig(t, "log_level: debug\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected a validation error without transport.provider")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected read error for missing file")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.Session.AutoRegister {
		t.Fatal("auto_register should default to true")
	}
	if cfg.Web.Addr == "" {
		t.Fatal("web.addr default missing")
	}
	if cfg.Transport.Provider != "" {
		t.Fatalf("default config must not pick a transport, got %q", cfg.Transport.Provider)
	}
}
