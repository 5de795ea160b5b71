package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/companion/internal/config"
	"github.com/kalambet/companion/internal/engine"
	"github.com/kalambet/companion/internal/persona"
	"github.com/kalambet/companion/internal/profile"
	"github.com/kalambet/companion/internal/reminder"
	"github.com/kalambet/companion/internal/storage"
	"github.com/kalambet/companion/internal/understanding"
)

// newLogger builds the process logger from the log settings.
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// app holds the components shared by serve, mcp and remind.
type app struct {
	cfg      config.Config
	store    storage.Repository
	personas *persona.Catalog
	profiles *profile.Manager

	engine      engine.Engine
	closeEngine func() error
}

// openApp opens storage and loads personas and profile caches. The engine
// is opened only when withEngine is set.
func openApp(ctx context.Context, cfg config.Config, withEngine bool) (*app, error) {
	personas, err := persona.Load(cfg.Persona.Default)
	if err != nil {
		return nil, fmt.Errorf("loading personas: %w", err)
	}

	store, err := storage.Open(ctx, cfg.Storage.Backend, cfg.Storage.DataDir, cfg.Storage.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	profiles, err := profile.NewManager(store, profileOptions(cfg.Cache))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating profile cache: %w", err)
	}

	a := &app{
		cfg:         cfg,
		store:       store,
		personas:    personas,
		profiles:    profiles,
		closeEngine: func() error { return nil },
	}

	if withEngine {
		eng, closeEng, err := engine.New(ctx, engine.Options{
			Provider:         cfg.LLM.Provider,
			OpenRouterAPIKey: cfg.Proxy.OpenRouterAPIKey,
			GeminiAPIKey:     cfg.Gemini.APIKey,
			OllamaURL:        cfg.Ollama.BaseURL,
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("creating generation engine: %w", err)
		}
		a.engine = eng
		a.closeEngine = closeEng
	}
	return a, nil
}

// analyzer returns a recomputer that drops cached views after each save.
func (a *app) analyzer() (*understanding.Analyzer, error) {
	an, err := understanding.NewAnalyzer(a.store, a.engine, a.cfg.LLM.AnalysisModel, a.cfg.Understanding.MinMessages)
	if err != nil {
		return nil, err
	}
	an.SetInvalidator(a.profiles)
	return an, nil
}

// scheduler builds the inactivity reminder scheduler from config.
func (a *app) scheduler() (*reminder.Scheduler, error) {
	rc := a.cfg.Reminder
	loc, err := time.LoadLocation(rc.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid reminder.timezone %q: %w", rc.Timezone, err)
	}
	gw, err := reminder.NewGateway(rc.Gateway, reminder.GatewayOptions{
		WebhookURL:        rc.WebhookURL,
		WebhookToken:      rc.WebhookToken,
		MatrixHomeserver:  a.cfg.Matrix.Homeserver,
		MatrixUserID:      a.cfg.Matrix.UserID,
		MatrixAccessToken: a.cfg.Matrix.AccessToken,
	})
	if err != nil {
		return nil, err
	}
	return reminder.NewScheduler(a.store, gw, a.personas, reminder.Options{
		RunAt:          rc.RunAt,
		Location:       loc,
		InactivityDays: rc.InactivityDays,
		CooldownDays:   rc.CooldownDays,
		BatchSize:      rc.BatchSize,
		BatchDelay:     rc.BatchDelay,
	})
}

func (a *app) Close() {
	a.profiles.Wait()
	if err := a.closeEngine(); err != nil {
		slog.Warn("closing engine", "error", err)
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("closing storage", "error", err)
	}
}

func profileOptions(c config.CacheConfig) profile.Options {
	return profile.Options{
		ProfileTTL:     c.ProfileTTL,
		ProgressionTTL: c.ProgressionTTL,
		Staleness:      c.Staleness,
		Capacity:       c.Capacity,
		FastPath:       c.FastPathEnabled,
	}
}
