package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/companion/internal/persona"
	"github.com/kalambet/companion/internal/storage"
)

type meResponse struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Plan           storage.Plan `json:"plan"`
	Persona        string       `json:"persona"`
	Phone          string       `json:"phone"`
	RemindersOptIn bool         `json:"remindersOptIn"`
	LastActiveAt   *time.Time   `json:"lastActiveAt"`
	CreatedAt      time.Time    `json:"createdAt"`
	MessageCount   int          `json:"messageCount"`
	MessageLimit   int          `json:"messageLimit"`
}

// patchMeRequest uses pointers so absent fields are left unchanged.
type patchMeRequest struct {
	Name           *string `json:"name"`
	Persona        *string `json:"persona"`
	Phone          *string `json:"phone"`
	RemindersOptIn *bool   `json:"remindersOptIn"`
}

func handleGetMe(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := loadMe(w, r, deps)
		if !ok {
			return
		}
		writeMe(w, r, deps, u)
	}
}

func handlePatchMe(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req patchMeRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: %v", err)
			return
		}

		u, ok := loadMe(w, r, deps)
		if !ok {
			return
		}

		if req.Persona != nil {
			id, valid := persona.ParseID(*req.Persona)
			if !valid {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown persona %q", *req.Persona)
				return
			}
			u.Persona = string(id)
		}
		if req.Name != nil {
			u.Name = strings.TrimSpace(*req.Name)
		}
		if req.Phone != nil {
			u.Phone = strings.TrimSpace(*req.Phone)
		}
		if req.RemindersOptIn != nil {
			u.RemindersOptIn = *req.RemindersOptIn
		}

		if err := deps.Store.SaveUser(r.Context(), u); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save user: %v", err)
			return
		}
		writeMe(w, r, deps, u)
	}
}

func loadMe(w http.ResponseWriter, r *http.Request, deps Deps) (storage.User, bool) {
	userID := UserIDFromContext(r.Context())
	u, err := deps.Store.GetUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "user not found")
			return storage.User{}, false
		}
		httpError(w, http.StatusInternalServerError, "api_error", "failed to load user: %v", err)
		return storage.User{}, false
	}
	return u, true
}

func writeMe(w http.ResponseWriter, r *http.Request, deps Deps, u storage.User) {
	resp := meResponse{
		ID:             u.ID,
		Name:           u.Name,
		Plan:           u.Plan,
		Persona:        u.Persona,
		Phone:          u.Phone,
		RemindersOptIn: u.RemindersOptIn,
		LastActiveAt:   u.LastActiveAt,
		CreatedAt:      u.CreatedAt,
		MessageLimit:   deps.Quota.Limit(),
	}
	if usage, err := deps.Store.GetUsage(r.Context(), u.ID); err == nil {
		resp.MessageCount = usage.MessageCount
	}
	writeJSON(w, http.StatusOK, resp)
}
