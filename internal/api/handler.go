// Package api provides the REST handlers of the chat core.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/spotter/internal/chat"
	"github.com/ashureev/spotter/internal/domain"
	"github.com/ashureev/spotter/internal/event"
	"github.com/ashureev/spotter/internal/identity"
)

// ChatService is the slice of the chat core served over REST. *chat.Service satisfies it.
type ChatService interface {
	ListConversations(ctx context.Context, userID string) ([]domain.ConversationView, error)
	History(ctx context.Context, conversationID, userID string, page, limit int) (*domain.Page, error)
	MarkRead(ctx context.Context, conversationID, userID string) (domain.ReadReceipt, error)
	Send(ctx context.Context, senderID string, req chat.SendRequest) (*domain.MessageView, error)
	Delete(ctx context.Context, messageID, requesterID string) error
	Presence(ctx context.Context, userID string) (event.Status, error)
}

// Handler serves the REST surface.
type Handler struct {
	svc  ChatService
	auth func(http.Handler) http.Handler
}

// NewHandler creates a Handler. auth guards every route and must store the user in the request context.
func NewHandler(svc ChatService, auth func(http.Handler) http.Handler) *Handler {
	return &Handler{svc: svc, auth: auth}
}

// RegisterRoutes registers the /api routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(h.auth)
		r.Get("/me", h.GetMe)
		r.Get("/conversations", h.ListConversations)
		r.Get("/conversations/{id}/messages", h.History)
		r.Put("/conversations/{id}/read", h.MarkRead)
		r.Post("/messages", h.SendMessage)
		r.Delete("/messages/{id}", h.DeleteMessage)
		r.Get("/presence/{userId}", h.Presence)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StatusFor maps a chat core error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidParticipants), errors.Is(err, domain.ErrInvalidMessage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Internal errors are logged and never leak detail.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "user_id", identity.UserIDFromContext(r.Context()), "error", err)
	}
	JSON(w, status, map[string]string{
		"error": domain.PublicMessage(err),
		"code":  domain.Code(err),
	})
}
