package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/companion/internal/api"
	"github.com/kalambet/companion/internal/config"
	"github.com/kalambet/companion/internal/engine"
	"github.com/kalambet/companion/internal/ollama"
	"github.com/kalambet/companion/internal/pipeline"
	"github.com/kalambet/companion/internal/quota"
	"github.com/kalambet/companion/internal/session"
	"github.com/kalambet/companion/internal/understanding"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the companion HTTP server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "companion version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}
	slog.SetDefault(newLogger(os.Stderr, cfg.Log))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.LLM.Provider == engine.ProviderOllama {
		printStep("Checking local models...")
		if err := ollama.EnsureReady(ctx, ollama.New(cfg.Ollama.BaseURL), os.Stderr, cfg.LLM.Model, cfg.LLM.AnalysisModel); err != nil {
			return err
		}
	}

	// Background profile recomputation.
	analyzer, err := a.analyzer()
	if err != nil {
		return fmt.Errorf("creating analyzer: %w", err)
	}
	queue := understanding.NewQueue(0)
	worker := understanding.NewWorker(a.store, analyzer, queue, cfg.Understanding.PollInterval)
	go worker.Run(ctx)

	if cfg.Reminder.Enabled {
		sched, err := a.scheduler()
		if err != nil {
			return fmt.Errorf("creating reminder scheduler: %w", err)
		}
		go sched.Run(ctx)
		slog.Info("reminder scheduler started", "run_at", cfg.Reminder.RunAt, "timezone", cfg.Reminder.Timezone, "gateway", cfg.Reminder.Gateway)
	}

	sessions := session.NewManager(a.store)
	gate := quota.NewGate(a.store, cfg.Quota.FreeMessageLimit)
	chat := pipeline.New(pipeline.Deps{
		Store:    a.store,
		Sessions: sessions,
		Quota:    gate,
		Personas: a.personas,
		Engine:   a.engine,
		Profiles: a.profiles,
		Trigger:  queue,
	}, pipeline.Options{
		Model:         cfg.LLM.Model,
		HistoryWindow: cfg.Composer.HistoryWindow,
		TriggerEvery:  cfg.Understanding.TriggerEvery,
	})

	handler := api.NewHandler(api.Deps{
		Store:          a.store,
		Chat:           chat,
		Sessions:       sessions,
		Profiles:       a.profiles,
		Quota:          gate,
		Personas:       a.personas,
		JWTSecret:      []byte(cfg.Auth.JWTSecret),
		AllowedOrigins: cfg.Server.Origins(),
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := api.NewServer(addr, handler)
	srv.BaseContext = func(_ net.Listener) context.Context { return ctx }

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("companion listening", "addr", addr, "storage", cfg.Storage.Backend, "llm", cfg.LLM.Provider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
