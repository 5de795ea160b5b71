package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/companion/internal/api"
	"github.com/kalambet/companion/internal/config"
	"github.com/kalambet/companion/internal/storage"
	"github.com/kalambet/companion/internal/understanding"
)

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve profile tools over MCP (stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		// stdout carries the protocol; logs go to stderr.
		slog.SetDefault(newLogger(os.Stderr, cfg.Log))

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		withEngine := cfg.ValidateServe() == nil
		a, err := openApp(ctx, cfg, withEngine)
		if err != nil {
			return err
		}
		defer a.Close()

		deps := api.MCPDeps{Profiles: a.profiles, Personas: a.personas}
		if withEngine {
			analyzer, err := a.analyzer()
			if err != nil {
				return err
			}
			deps.Recomputer = analyzer
		} else {
			slog.Warn("no generation engine configured, recompute_profile disabled")
		}

		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	},
}

// --- remind ---

var remindCmd = &cobra.Command{
	Use:   "remind",
	Short: "Run one inactivity reminder pass now",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		slog.SetDefault(newLogger(os.Stderr, cfg.Log))

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		sched, err := a.scheduler()
		if err != nil {
			return err
		}

		printStep("Sending reminders via %s gateway...", cfg.Reminder.Gateway)
		report, err := sched.RunOnce(ctx)
		if err != nil {
			return err
		}
		printStatus("Candidates", "%d", report.Candidates)
		printStatus("Sent", "%d", report.Sent)
		printStatus("Skipped", "%d", report.Skipped)
		printStatus("Failed", "%d", report.Failed)
		if report.Failed > 0 {
			printWarning("%d reminder(s) failed, see logs", report.Failed)
		}
		return nil
	},
}

// --- progression ---

var progressionCmd = &cobra.Command{
	Use:   "progression <sessions>",
	Short: "Print the understanding level progression for a session count",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("sessions must be a positive integer, got %q", args[0])
		}
		return writeProgression(cmd.OutOrStdout(), understanding.NewProgressionView(n))
	},
}

// --- user ---

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var userPlanCmd = &cobra.Command{
	Use:   "plan <user-id> <free|premium>",
	Short: "Set a user's plan",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := parsePlan(args[1])
		if err != nil {
			return err
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		store, err := storage.Open(ctx, cfg.Storage.Backend, cfg.Storage.DataDir, cfg.Storage.DatabaseURL)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		if err := setPlan(ctx, store, args[0], plan, cfg.Persona.Default); err != nil {
			return err
		}
		printSuccess("User %s is now on the %s plan", args[0], plan)
		return nil
	},
}

var userShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Show a user's record and usage as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		store, err := storage.Open(ctx, cfg.Storage.Backend, cfg.Storage.DataDir, cfg.Storage.DatabaseURL)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		u, err := store.GetUser(ctx, args[0])
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				printError("user %s not found", args[0])
			}
			return err
		}
		usage, err := store.GetUsage(ctx, u.ID)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"id":             u.ID,
			"name":           u.Name,
			"plan":           u.Plan,
			"persona":        u.Persona,
			"remindersOptIn": u.RemindersOptIn,
			"lastActiveAt":   u.LastActiveAt,
			"messageCount":   usage.MessageCount,
			"messageLimit":   cfg.Quota.FreeMessageLimit,
		})
	},
}

func init() {
	userCmd.AddCommand(userPlanCmd)
	userCmd.AddCommand(userShowCmd)
}

func parsePlan(s string) (storage.Plan, error) {
	switch p := storage.Plan(s); p {
	case storage.PlanFree, storage.PlanPremium:
		return p, nil
	default:
		return "", fmt.Errorf("unknown plan %q (want free or premium)", s)
	}
}

// planStore is the subset of storage used by setPlan.
type planStore interface {
	GetUser(ctx context.Context, id string) (storage.User, error)
	SaveUser(ctx context.Context, u storage.User) error
}

// setPlan flips the plan flag, creating the user if needed.
func setPlan(ctx context.Context, store planStore, userID string, plan storage.Plan, defaultPersona string) error {
	u, err := store.GetUser(ctx, userID)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		u = storage.User{ID: userID, Persona: defaultPersona, CreatedAt: time.Now().UTC()}
	default:
		return fmt.Errorf("loading user: %w", err)
	}
	u.Plan = plan
	if err := store.SaveUser(ctx, u); err != nil {
		return fmt.Errorf("saving user: %w", err)
	}
	return nil
}

// --- token ---

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint an access token for a user (development)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("missing JWT secret (COMPANION_AUTH_JWT_SECRET)")
		}

		tok, err := api.IssueToken([]byte(cfg.Auth.JWTSecret), args[0], ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <user-id> <message>",
	Short: "Send one message to the running server and print the reply",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")

		client, err := newAPIClient(args[0])
		if err != nil {
			return err
		}
		done, err := sendChat(cmd.Context(), client, args[1], sessionID, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout())
		printStatus("Session", "%s", done.SessionID)
		printStatus("Messages", "%d/%d", done.MessageCount, done.MessageLimit)
		return nil
	},
}

func init() {
	chatCmd.Flags().String("session", "", "session id to continue")
}

func sendChat(ctx context.Context, client *apiClient, content, sessionID string, out io.Writer) (streamFrame, error) {
	body := map[string]any{"content": content}
	if sessionID != "" {
		body["sessionId"] = sessionID
	}
	resp, err := client.post(ctx, "/chat", body)
	if err != nil {
		return streamFrame{}, err
	}
	return readChatStream(resp, out)
}

// --- summary ---

var summaryCmd = &cobra.Command{
	Use:   "summary <user-id>",
	Short: "Show what the companion has learned about a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(args[0])
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/user-summary/"+args[0])
		if err != nil {
			return err
		}
		var summary any
		if err := decodeJSON(resp, &summary); err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		printStatus("Config file", "%s", config.ConfigPath())
		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
