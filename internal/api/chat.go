package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/spotter/internal/chat"
	"github.com/ashureev/spotter/internal/domain"
	"github.com/ashureev/spotter/internal/identity"
)

// GetMe returns the authenticated user's profile.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	user := identity.UserFromContext(r.Context())
	if user == nil {
		Error(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	JSON(w, http.StatusOK, user)
}

// ListConversations returns the caller's conversations, most recent first.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	views, err := h.svc.ListConversations(r.Context(), identity.UserIDFromContext(r.Context()))
	if err != nil {
		fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"conversations": views})
}

// History returns one page of messages and marks them read for the caller.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		fail(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		fail(w, r, err)
		return
	}

	result, err := h.svc.History(r.Context(), chi.URLParam(r, "id"), identity.UserIDFromContext(r.Context()), page, limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, result)
}

// MarkRead marks every unread message addressed to the caller as read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.svc.MarkRead(r.Context(), chi.URLParam(r, "id"), identity.UserIDFromContext(r.Context()))
	if err != nil {
		fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, receipt)
}

// SendMessage sends a text or media message.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req chat.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, r, fmt.Errorf("%w: decode body: %v", domain.ErrInvalidMessage, err))
		return
	}

	view, err := h.svc.Send(r.Context(), identity.UserIDFromContext(r.Context()), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, view)
}

// DeleteMessage deletes one of the caller's messages.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id"), identity.UserIDFromContext(r.Context())); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Presence reports whether a user is online and when they were last seen.
func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Presence(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, status)
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", domain.ErrInvalidMessage, key)
	}
	return n, nil
}
