package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestApplyEnvOverridesDefaults(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{
		"ADDR":               ":9000",
		"JWT_SECRET":         "s3cret",
		"STORE":              StoreMemory,
		"BACKPLANE":          BackplaneRedis,
		"ALLOWED_ORIGINS":    "https://a.example, https://b.example,",
		"HANDLER_TIMEOUT":    "3s",
		"MAX_MESSAGE_LENGTH": "120",
	}))
	if err != nil {
		t.Fatalf("applyEnv: %v", err)
	}

	if cfg.Addr != ":9000" {
		t.Errorf("Addr = %q, want :9000", cfg.Addr)
	}
	if cfg.Backplane != BackplaneRedis {
		t.Errorf("Backplane = %q, want redis", cfg.Backplane)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.HandlerTimeout != 3*time.Second {
		t.Errorf("HandlerTimeout = %v, want 3s", cfg.HandlerTimeout)
	}
	if cfg.MaxMessageLength != 120 {
		t.Errorf("MaxMessageLength = %d, want 120", cfg.MaxMessageLength)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestApplyEnvRejectsBadDuration(t *testing.T) {
	cfg := Default()
	if err := cfg.applyEnv(envMap(map[string]string{"HANDLER_TIMEOUT": "soon"})); err == nil {
		t.Fatal("expected error for malformed HANDLER_TIMEOUT")
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Backplane = "carrier-pigeon"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"JWT_SECRET", "DB_DSN", "carrier-pigeon"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat.yaml")
	content := `
addr: ":7070"
store: memory
jwt_secret: from-file
allowed_origins:
  - https://market.example
handler_timeout: 2s
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	// The environment wins over the file.
	t.Setenv("ADDR", ":7171")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":7171" {
		t.Errorf("Addr = %q, want :7171", cfg.Addr)
	}
	if cfg.JWTSecret != "from-file" {
		t.Errorf("JWTSecret = %q, want from-file", cfg.JWTSecret)
	}
	if cfg.HandlerTimeout != 2*time.Second {
		t.Errorf("HandlerTimeout = %v, want 2s", cfg.HandlerTimeout)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://market.example" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
