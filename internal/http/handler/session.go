package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"chatloop.dev/dispatch/internal/service"
	"chatloop.dev/dispatch/internal/store"
)

type SessionHandler struct {
	sessions service.SessionService
	store    store.SessionStore
}

func NewSessionHandler(sessions service.SessionService, sessionStore store.SessionStore) *SessionHandler {
	return &SessionHandler{sessions: sessions, store: sessionStore}
}

func (h *SessionHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()

	session, err := h.store.GetByID(ctx, c.Param("id"), false)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		slog.ErrorContext(ctx, "session lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up session"})
		return
	}

	c.JSON(http.StatusOK, session)
}

// Deactivate retires a session; the user's next request starts a fresh one.
func (h *SessionHandler) Deactivate(c *gin.Context) {
	ctx := c.Request.Context()

	if err := h.sessions.Deactivate(ctx, c.Param("id")); err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		slog.ErrorContext(ctx, "session deactivation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to deactivate session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}
