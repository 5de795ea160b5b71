package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kalambet/companion/internal/persona"
	"github.com/kalambet/companion/internal/pipeline"
	"github.com/kalambet/companion/internal/profile"
	"github.com/kalambet/companion/internal/quota"
	"github.com/kalambet/companion/internal/session"
	"github.com/kalambet/companion/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Store is the persistence the HTTP layer reads directly.
type Store interface {
	GetUser(ctx context.Context, id string) (storage.User, error)
	SaveUser(ctx context.Context, u storage.User) error
	GetUsage(ctx context.Context, userID string) (storage.Usage, error)
	ListSessions(ctx context.Context, userID string) ([]storage.Session, error)
	ListMessages(ctx context.Context, sessionID string) ([]storage.Message, error)
}

// Deps holds everything the handlers need.
type Deps struct {
	Store     Store
	Chat      *pipeline.Chat
	Sessions  *session.Manager
	Profiles  *profile.Manager
	Quota     *quota.Gate
	Personas  *persona.Catalog
	JWTSecret []byte
	// AllowedOrigins configures CORS and WebSocket origin checks.
	AllowedOrigins []string
}

// NewHandler returns the companion HTTP API.
func NewHandler(deps Deps) http.Handler {
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"X-Cache", "X-Cache-Source"},
		MaxAge:         300,
	}))

	r.Get("/health", handleHealth)

	r.Group(func(pr chi.Router) {
		pr.Use(Authenticate(deps.JWTSecret, deps.Store, string(deps.Personas.Default().ID)))

		pr.Post("/session", handleResolveSession(deps))
		pr.Post("/session/{id}/end", handleEndSession(deps))
		pr.Get("/messages", handleListMessages(deps))

		pr.Post("/chat", handleChat(deps))
		pr.Get("/chat/ws", handleChatWebSocket(deps, origins))

		pr.Get("/user-summary/{userId}", handleUserSummary(deps))
		pr.Get("/user-summary/{userId}/progression", handleProgression(deps))
		pr.Get("/user-summary/{userId}/stats", handleStats(deps))

		pr.Get("/me", handleGetMe(deps))
		pr.Patch("/me", handlePatchMe(deps))
	})

	return r
}

// NewServer wraps handler in an http.Server with conservative timeouts. There
// is no write timeout because chat replies are long-lived streams.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
