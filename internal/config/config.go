package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server        ServerConfig
	Log           LogConfig
	Storage       StorageConfig
	LLM           LLMConfig
	Proxy         ProxyConfig
	Gemini        GeminiConfig
	Ollama        OllamaConfig
	Auth          AuthConfig
	Quota         QuotaConfig
	Persona       PersonaConfig
	Composer      ComposerConfig
	Understanding UnderstandingConfig
	Cache         CacheConfig
	Reminder      ReminderConfig
	Matrix        MatrixConfig
}

type ServerConfig struct {
	Port           int
	AllowedOrigins string
}

// Origins splits the comma separated allow-list.
func (s ServerConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(s.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

type LogConfig struct {
	Level  string
	Format string
}

type StorageConfig struct {
	Backend     string
	DataDir     string
	DatabaseURL string
}

type LLMConfig struct {
	Provider      string
	Model         string
	AnalysisModel string
}

type ProxyConfig struct {
	OpenRouterAPIKey string
}

type GeminiConfig struct {
	APIKey string
}

type OllamaConfig struct {
	BaseURL string
}

type AuthConfig struct {
	JWTSecret string
}

type QuotaConfig struct {
	FreeMessageLimit int
}

type PersonaConfig struct {
	Default string
}

type ComposerConfig struct {
	HistoryWindow int
}

type UnderstandingConfig struct {
	TriggerEvery int
	MinMessages  int
	PollInterval time.Duration
}

type CacheConfig struct {
	ProfileTTL      time.Duration
	ProgressionTTL  time.Duration
	Staleness       time.Duration
	FastPathEnabled bool
	Capacity        int
}

type ReminderConfig struct {
	Enabled        bool
	RunAt          string
	Timezone       string
	InactivityDays int
	CooldownDays   int
	BatchSize      int
	BatchDelay     time.Duration
	Gateway        string
	WebhookURL     string
	WebhookToken   string
}

type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
}

// LogLevel maps the configured level name onto slog.
func (c LogConfig) LogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           8080,
			AllowedOrigins: "*",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			DataDir: defaultDataDir(),
		},
		LLM: LLMConfig{
			Provider:      "openrouter",
			Model:         "openai/gpt-4o-mini",
			AnalysisModel: "openai/gpt-4o-mini",
		},
		Ollama:   OllamaConfig{BaseURL: "http://localhost:11434"},
		Quota:    QuotaConfig{FreeMessageLimit: 20},
		Persona:  PersonaConfig{Default: "friend"},
		Composer: ComposerConfig{HistoryWindow: 8},
		Understanding: UnderstandingConfig{
			TriggerEvery: 5,
			MinMessages:  5,
			PollInterval: 2 * time.Second,
		},
		Cache: CacheConfig{
			ProfileTTL:      5 * time.Minute,
			ProgressionTTL:  time.Hour,
			Staleness:       time.Hour,
			FastPathEnabled: true,
			Capacity:        10000,
		},
		Reminder: ReminderConfig{
			RunAt:          "19:00",
			Timezone:       "Local",
			InactivityDays: 3,
			CooldownDays:   7,
			BatchSize:      20,
			BatchDelay:     2 * time.Second,
			Gateway:        "log",
		},
	}
}

// Load reads configuration from the JSON file backend, a .env file in the
// working directory, and environment variables.
//
// The backend is a JSON file at $XDG_CONFIG_HOME/companion/config.json.
// Secrets are never read from the file and must come from the environment.
// A .env file only fills variables that are not already set.
// Environment variables (COMPANION_*) override backend values.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not read .env file: %v\n", err)
	}
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Composer.HistoryWindow < 6 {
		cfg.Composer.HistoryWindow = 6
	}
	if cfg.Composer.HistoryWindow > 10 {
		cfg.Composer.HistoryWindow = 10
	}

	return cfg, nil
}

// ValidateServe checks the settings the HTTP server cannot start without.
func (c Config) ValidateServe() error {
	var missing []string
	if c.Auth.JWTSecret == "" {
		missing = append(missing, "JWT secret (COMPANION_AUTH_JWT_SECRET)")
	}
	switch c.LLM.Provider {
	case "openrouter":
		if c.Proxy.OpenRouterAPIKey == "" {
			missing = append(missing, "OpenRouter API key (COMPANION_OPENROUTER_API_KEY)")
		}
	case "gemini":
		if c.Gemini.APIKey == "" {
			missing = append(missing, "Gemini API key (COMPANION_GEMINI_API_KEY)")
		}
	case "ollama":
		if c.Ollama.BaseURL == "" {
			missing = append(missing, "Ollama base URL (COMPANION_OLLAMA_BASE_URL)")
		}
	default:
		return fmt.Errorf("unknown llm.provider %q (want openrouter, gemini or ollama)", c.LLM.Provider)
	}
	if c.Storage.Backend == "postgres" && c.Storage.DatabaseURL == "" {
		missing = append(missing, "database URL (COMPANION_DATABASE_URL)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}
