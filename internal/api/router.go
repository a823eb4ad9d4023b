// Package api exposes the control surface over HTTP.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailbrain/internal/actions"
	"github.com/Martian-dev/mailbrain/internal/auth"
	"github.com/Martian-dev/mailbrain/internal/store"
	mailsync "github.com/Martian-dev/mailbrain/internal/sync"
)

// Verifier identifies the caller of a request.
type Verifier interface {
	UserFromRequest(r *http.Request) (*auth.User, error)
}

// Scheduler starts sync passes in the background.
type Scheduler interface {
	Trigger(accountID string, ingest bool) error
	IsRunning(accountID string) bool
	Running() []string
}

// Handler serves the API.
type Handler struct {
	store    *store.Store
	sched    Scheduler
	actions  *actions.Service
	verifier Verifier
	logger   *slog.Logger
}

// NewRouter builds the gin engine. A nil verifier disables authentication;
// callers then act for the user named in the request.
func NewRouter(st *store.Store, sched Scheduler, act *actions.Service, verifier Verifier, logger *slog.Logger) *gin.Engine {
	h := &Handler{
		store:    st,
		sched:    sched,
		actions:  act,
		verifier: verifier,
		logger:   logger.With("component", "api"),
	}

	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())
	r.GET("/healthz", h.health)

	authorized := r.Group("/")
	authorized.Use(h.authMiddleware())

	authorized.POST("/accounts", h.createAccount)
	authorized.GET("/accounts", h.listAccounts)
	authorized.GET("/accounts/:id", h.getAccount)
	authorized.DELETE("/accounts/:id", h.deleteAccount)
	authorized.GET("/accounts/:id/settings", h.getSettings)
	authorized.PUT("/accounts/:id/settings", h.updateSettings)
	authorized.POST("/accounts/:id/ingest", h.ingest)
	authorized.POST("/accounts/:id/sync", h.sync)
	authorized.GET("/accounts/:id/emails", h.listEmails)

	authorized.GET("/emails/:id", h.getEmail)
	authorized.POST("/emails/:id/:action", h.applyAction)
	authorized.GET("/emails/:id/attachments/:attachment", h.downloadAttachment)
	return r
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (h *Handler) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.verifier == nil {
			c.Next()
			return
		}
		user, err := h.verifier.UserFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing bearer token"})
			c.Abort()
			return
		}
		c.Set("user", user)
		c.Next()
	}
}

// userID returns the authenticated user, or "" when auth is disabled.
func userID(c *gin.Context) string {
	if v, ok := c.Get("user"); ok {
		return v.(*auth.User).ID
	}
	return ""
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, mailsync.ErrBusy),
		errors.Is(err, mailsync.ErrIngestNotAllowed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
