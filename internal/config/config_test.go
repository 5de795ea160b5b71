package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	path := writeTempConfig(t, `{}`)

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("Storage.Backend = %q, want sqlite", cfg.Storage.Backend)
	}
	if cfg.Quota.FreeMessageLimit != 20 {
		t.Errorf("Quota.FreeMessageLimit = %d, want 20", cfg.Quota.FreeMessageLimit)
	}
	if cfg.Cache.ProfileTTL != 5*time.Minute {
		t.Errorf("Cache.ProfileTTL = %v, want 5m", cfg.Cache.ProfileTTL)
	}
	if cfg.Cache.ProgressionTTL != time.Hour {
		t.Errorf("Cache.ProgressionTTL = %v, want 1h", cfg.Cache.ProgressionTTL)
	}
	if !cfg.Cache.FastPathEnabled {
		t.Error("Cache.FastPathEnabled = false, want true")
	}
	if cfg.Reminder.InactivityDays != 3 || cfg.Reminder.CooldownDays != 7 {
		t.Errorf("Reminder days = %d/%d, want 3/7", cfg.Reminder.InactivityDays, cfg.Reminder.CooldownDays)
	}
	if cfg.Persona.Default != "friend" {
		t.Errorf("Persona.Default = %q, want friend", cfg.Persona.Default)
	}
}

// TestFileValues verifies typed values are read from the JSON file.
func TestFileValues(t *testing.T) {
	path := writeTempConfig(t, `{
		"server.port": 9000,
		"storage.backend": "memory",
		"cache.staleness": "30m",
		"cache.fast_path_enabled": false,
		"reminder.enabled": "true",
		"storage.database_url": "postgres://ignored"
	}`)

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("Storage.Backend = %q", cfg.Storage.Backend)
	}
	if cfg.Cache.Staleness != 30*time.Minute {
		t.Errorf("Cache.Staleness = %v, want 30m", cfg.Cache.Staleness)
	}
	if cfg.Cache.FastPathEnabled {
		t.Error("Cache.FastPathEnabled = true, want false")
	}
	if !cfg.Reminder.Enabled {
		t.Error("Reminder.Enabled = false, want true")
	}
	if cfg.Storage.DatabaseURL != "" {
		t.Errorf("secret read from file: %q", cfg.Storage.DatabaseURL)
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, `{"server.port": 9000, "llm.model": "file-model"}`)

	t.Setenv("COMPANION_SERVER_PORT", "9100")
	t.Setenv("COMPANION_LLM_MODEL", "env-model")
	t.Setenv("COMPANION_AUTH_JWT_SECRET", "s3cret")
	t.Setenv("COMPANION_REMINDER_BATCH_DELAY", "500ms")

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.LLM.Model != "env-model" {
		t.Errorf("LLM.Model = %q, want env-model", cfg.LLM.Model)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Errorf("Auth.JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Reminder.BatchDelay != 500*time.Millisecond {
		t.Errorf("Reminder.BatchDelay = %v", cfg.Reminder.BatchDelay)
	}
}

// TestInvalidEnvKeepsDefault verifies unparseable env values fall back to the default.
func TestInvalidEnvKeepsDefault(t *testing.T) {
	path := writeTempConfig(t, `{}`)
	t.Setenv("COMPANION_CACHE_PROFILE_TTL", "soon")

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Cache.ProfileTTL != 5*time.Minute {
		t.Errorf("Cache.ProfileTTL = %v, want default 5m", cfg.Cache.ProfileTTL)
	}
}

func TestHistoryWindowClamped(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want int
	}{
		{`{"composer.history_window": 2}`, 6},
		{`{"composer.history_window": 40}`, 10},
		{`{"composer.history_window": 7}`, 7},
	} {
		cfg, err := loadWith(newFileBackend(writeTempConfig(t, tc.in)))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := cfg.Composer.HistoryWindow; got != tc.want {
			t.Errorf("%s: HistoryWindow = %d, want %d", tc.in, got, tc.want)
		}
	}
}

// TestValidateServe verifies a clear error when required secrets are missing.
func TestValidateServe(t *testing.T) {
	cfg := defaults()
	err := cfg.ValidateServe()
	if err == nil {
		t.Fatal("expected error for missing secrets, got nil")
	}
	if !strings.Contains(err.Error(), "missing required config") {
		t.Errorf("error = %q", err)
	}

	cfg.Auth.JWTSecret = "x"
	cfg.Proxy.OpenRouterAPIKey = "y"
	if err := cfg.ValidateServe(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	cfg.LLM.Provider = "gemini"
	if err := cfg.ValidateServe(); err == nil {
		t.Error("expected error for missing Gemini key")
	}

	cfg.LLM.Provider = "ollama"
	if err := cfg.ValidateServe(); err != nil {
		t.Errorf("ollama needs no key, got: %v", err)
	}
	cfg.Ollama.BaseURL = ""
	if err := cfg.ValidateServe(); err == nil {
		t.Error("expected error for missing Ollama base URL")
	}

	cfg.LLM.Provider = "carrier-pigeon"
	if err := cfg.ValidateServe(); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestSetKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	b := newFileBackend(path)

	if err := setKeyIn(b, "quota.free_message_limit", "50"); err != nil {
		t.Fatalf("setKeyIn int: %v", err)
	}
	if err := setKeyIn(b, "cache.staleness", "2h"); err != nil {
		t.Fatalf("setKeyIn duration: %v", err)
	}
	if err := setKeyIn(b, "cache.staleness", "forever"); err == nil {
		t.Error("expected error for invalid duration")
	}
	if err := setKeyIn(b, "auth.jwt_secret", "x"); err == nil {
		t.Error("expected error when setting a secret")
	}
	if err := setKeyIn(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Quota.FreeMessageLimit != 50 {
		t.Errorf("FreeMessageLimit = %d, want 50", cfg.Quota.FreeMessageLimit)
	}
	if cfg.Cache.Staleness != 2*time.Hour {
		t.Errorf("Staleness = %v, want 2h", cfg.Cache.Staleness)
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Auth.JWTSecret = "hidden"
	for _, k := range ShowAll(cfg) {
		if k.Value == "hidden" {
			t.Errorf("secret exposed under %s", k.Key)
		}
	}
	for _, k := range ValidKeys() {
		if k == "auth.jwt_secret" {
			t.Error("ValidKeys lists a secret key")
		}
	}
}

func TestOrigins(t *testing.T) {
	s := ServerConfig{AllowedOrigins: " https://a.example , ,https://b.example"}
	got := s.Origins()
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Errorf("Origins = %v", got)
	}
}
