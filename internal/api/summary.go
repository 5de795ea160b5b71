package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/companion/internal/cache"
	"github.com/kalambet/companion/internal/profile"
	"github.com/kalambet/companion/internal/storage"
	"github.com/kalambet/companion/internal/understanding"
)

type summaryResponse struct {
	Success bool             `json:"success"`
	Summary *profile.Summary `json:"summary,omitempty"`
	Error   string           `json:"error,omitempty"`
}

type progressionResponse struct {
	Success bool `json:"success"`
	understanding.ProgressionView
}

type statsResponse struct {
	Success bool                `json:"success"`
	Stats   understanding.Stats `json:"stats"`
}

// ownUserID returns the {userId} path parameter if it names the caller.
// Otherwise it writes 403 and returns false.
func ownUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "userId")
	if id != UserIDFromContext(r.Context()) {
		writeJSON(w, http.StatusForbidden, summaryResponse{Error: "cannot read another user's summary"})
		return "", false
	}
	return id, true
}

func setCacheHeaders(w http.ResponseWriter, status cache.Status, source string) {
	w.Header().Set("X-Cache", string(status))
	w.Header().Set("X-Cache-Source", source)
}

func handleUserSummary(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := ownUserID(w, r)
		if !ok {
			return
		}

		res, err := deps.Profiles.Profile(r.Context(), userID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeJSON(w, http.StatusNotFound, summaryResponse{Error: "no summary yet, keep chatting"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, summaryResponse{Error: "failed to load summary"})
			return
		}

		setCacheHeaders(w, res.Status, res.Source)
		s := profile.NewSummary(res.Value)
		writeJSON(w, http.StatusOK, summaryResponse{Success: true, Summary: &s})
	}
}

func handleProgression(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := ownUserID(w, r)
		if !ok {
			return
		}

		res, err := deps.Profiles.Progression(r.Context(), userID)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, summaryResponse{Error: "failed to load progression"})
			return
		}

		setCacheHeaders(w, res.Status, res.Source)
		writeJSON(w, http.StatusOK, progressionResponse{Success: true, ProgressionView: res.Value})
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := ownUserID(w, r)
		if !ok {
			return
		}

		res, err := deps.Profiles.Stats(r.Context(), userID)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, summaryResponse{Error: "failed to load stats"})
			return
		}

		setCacheHeaders(w, res.Status, res.Source)
		writeJSON(w, http.StatusOK, statsResponse{Success: true, Stats: res.Value})
	}
}
