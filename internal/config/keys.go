package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "COMPANION_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.allowed_origins", typ: kString, env: "COMPANION_SERVER_ALLOWED_ORIGINS",
		apply:   func(cfg *Config, v any) { cfg.Server.AllowedOrigins = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.AllowedOrigins },
	},
	{
		key: "log.level", typ: kString, env: "COMPANION_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "COMPANION_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "storage.backend", typ: kString, env: "COMPANION_STORAGE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Backend },
	},
	{
		key: "storage.data_dir", typ: kString, env: "COMPANION_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.database_url", typ: kString, env: "COMPANION_DATABASE_URL",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Storage.DatabaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DatabaseURL },
	},
	{
		key: "llm.provider", typ: kString, env: "COMPANION_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.model", typ: kString, env: "COMPANION_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.analysis_model", typ: kString, env: "COMPANION_LLM_ANALYSIS_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.AnalysisModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.AnalysisModel },
	},
	{
		key: "proxy.openrouter_api_key", typ: kString, env: "COMPANION_OPENROUTER_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Proxy.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.OpenRouterAPIKey },
	},
	{
		key: "gemini.api_key", typ: kString, env: "COMPANION_GEMINI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Gemini.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.APIKey },
	},
	{
		key: "ollama.base_url", typ: kString, env: "COMPANION_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "auth.jwt_secret", typ: kString, env: "COMPANION_AUTH_JWT_SECRET",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Auth.JWTSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.JWTSecret },
	},
	{
		key: "quota.free_message_limit", typ: kInt, env: "COMPANION_QUOTA_FREE_MESSAGE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Quota.FreeMessageLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Quota.FreeMessageLimit },
	},
	{
		key: "persona.default", typ: kString, env: "COMPANION_PERSONA_DEFAULT",
		apply:   func(cfg *Config, v any) { cfg.Persona.Default = v.(string) },
		extract: func(cfg Config) any { return cfg.Persona.Default },
	},
	{
		key: "composer.history_window", typ: kInt, env: "COMPANION_COMPOSER_HISTORY_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Composer.HistoryWindow = v.(int) },
		extract: func(cfg Config) any { return cfg.Composer.HistoryWindow },
	},
	{
		key: "understanding.trigger_every", typ: kInt, env: "COMPANION_UNDERSTANDING_TRIGGER_EVERY",
		apply:   func(cfg *Config, v any) { cfg.Understanding.TriggerEvery = v.(int) },
		extract: func(cfg Config) any { return cfg.Understanding.TriggerEvery },
	},
	{
		key: "understanding.min_messages", typ: kInt, env: "COMPANION_UNDERSTANDING_MIN_MESSAGES",
		apply:   func(cfg *Config, v any) { cfg.Understanding.MinMessages = v.(int) },
		extract: func(cfg Config) any { return cfg.Understanding.MinMessages },
	},
	{
		key: "understanding.poll_interval", typ: kDuration, env: "COMPANION_UNDERSTANDING_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Understanding.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Understanding.PollInterval },
	},
	{
		key: "cache.profile_ttl", typ: kDuration, env: "COMPANION_CACHE_PROFILE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.ProfileTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.ProfileTTL },
	},
	{
		key: "cache.progression_ttl", typ: kDuration, env: "COMPANION_CACHE_PROGRESSION_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.ProgressionTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.ProgressionTTL },
	},
	{
		key: "cache.staleness", typ: kDuration, env: "COMPANION_CACHE_STALENESS",
		apply:   func(cfg *Config, v any) { cfg.Cache.Staleness = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.Staleness },
	},
	{
		key: "cache.fast_path_enabled", typ: kBool, env: "COMPANION_CACHE_FAST_PATH_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Cache.FastPathEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Cache.FastPathEnabled },
	},
	{
		key: "cache.capacity", typ: kInt, env: "COMPANION_CACHE_CAPACITY",
		apply:   func(cfg *Config, v any) { cfg.Cache.Capacity = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.Capacity },
	},
	{
		key: "reminder.enabled", typ: kBool, env: "COMPANION_REMINDER_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Reminder.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Reminder.Enabled },
	},
	{
		key: "reminder.run_at", typ: kString, env: "COMPANION_REMINDER_RUN_AT",
		apply:   func(cfg *Config, v any) { cfg.Reminder.RunAt = v.(string) },
		extract: func(cfg Config) any { return cfg.Reminder.RunAt },
	},
	{
		key: "reminder.timezone", typ: kString, env: "COMPANION_REMINDER_TIMEZONE",
		apply:   func(cfg *Config, v any) { cfg.Reminder.Timezone = v.(string) },
		extract: func(cfg Config) any { return cfg.Reminder.Timezone },
	},
	{
		key: "reminder.inactivity_days", typ: kInt, env: "COMPANION_REMINDER_INACTIVITY_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Reminder.InactivityDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Reminder.InactivityDays },
	},
	{
		key: "reminder.cooldown_days", typ: kInt, env: "COMPANION_REMINDER_COOLDOWN_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Reminder.CooldownDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Reminder.CooldownDays },
	},
	{
		key: "reminder.batch_size", typ: kInt, env: "COMPANION_REMINDER_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Reminder.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Reminder.BatchSize },
	},
	{
		key: "reminder.batch_delay", typ: kDuration, env: "COMPANION_REMINDER_BATCH_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Reminder.BatchDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Reminder.BatchDelay },
	},
	{
		key: "reminder.gateway", typ: kString, env: "COMPANION_REMINDER_GATEWAY",
		apply:   func(cfg *Config, v any) { cfg.Reminder.Gateway = v.(string) },
		extract: func(cfg Config) any { return cfg.Reminder.Gateway },
	},
	{
		key: "reminder.webhook_url", typ: kString, env: "COMPANION_REMINDER_WEBHOOK_URL",
		apply:   func(cfg *Config, v any) { cfg.Reminder.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Reminder.WebhookURL },
	},
	{
		key: "reminder.webhook_token", typ: kString, env: "COMPANION_REMINDER_WEBHOOK_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Reminder.WebhookToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Reminder.WebhookToken },
	},
	{
		key: "matrix.homeserver", typ: kString, env: "COMPANION_MATRIX_HOMESERVER",
		apply:   func(cfg *Config, v any) { cfg.Matrix.Homeserver = v.(string) },
		extract: func(cfg Config) any { return cfg.Matrix.Homeserver },
	},
	{
		key: "matrix.user_id", typ: kString, env: "COMPANION_MATRIX_USER_ID",
		apply:   func(cfg *Config, v any) { cfg.Matrix.UserID = v.(string) },
		extract: func(cfg Config) any { return cfg.Matrix.UserID },
	},
	{
		key: "matrix.access_token", typ: kString, env: "COMPANION_MATRIX_ACCESS_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Matrix.AccessToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Matrix.AccessToken },
	},
}

// parseValue converts a raw string for a key of type typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return nil, fmt.Errorf("unsupported key type %d", typ)
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
