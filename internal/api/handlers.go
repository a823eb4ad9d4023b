package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailbrain/internal/actions"
	"github.com/Martian-dev/mailbrain/internal/classifier"
	"github.com/Martian-dev/mailbrain/internal/message"
	"github.com/Martian-dev/mailbrain/internal/store"
	mailsync "github.com/Martian-dev/mailbrain/internal/sync"
)

type tokenRequest struct {
	AccessToken  string    `json:"access_token" binding:"required"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	Expiry       time.Time `json:"expiry"`
}

type createAccountRequest struct {
	UserID   string           `json:"user_id"`
	Provider message.Provider `json:"provider" binding:"required"`
	Email    string           `json:"email" binding:"required,email"`
	Token    *tokenRequest    `json:"token"`
}

type accountResponse struct {
	store.Account
	Syncing bool `json:"syncing"`
	Emails  int  `json:"emails"`
}

type healthResponse struct {
	Status      string   `json:"status"`
	Syncing     []string `json:"syncing"`
	PendingJobs int      `json:"pending_jobs"`
}

func (h *Handler) health(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	pending, err := h.store.PendingOutbox(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, healthResponse{Status: "ok", Syncing: h.sched.Running(), PendingJobs: pending})
}

// createAccount connects a mailbox and starts its first ingest.
func (h *Handler) createAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if uid := userID(c); uid != "" {
		req.UserID = uid
	}
	if req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	if !req.Provider.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported provider %q", req.Provider)})
		return
	}

	ctx := c.Request.Context()
	acct, created, err := h.store.GetOrCreateAccount(ctx, req.UserID, req.Provider, req.Email)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if req.Token != nil {
		err := h.store.SaveToken(ctx, acct.ID, &oauth2.Token{
			AccessToken:  req.Token.AccessToken,
			RefreshToken: req.Token.RefreshToken,
			TokenType:    req.Token.TokenType,
			Expiry:       req.Token.Expiry,
		})
		if err != nil {
			h.writeError(c, err)
			return
		}
	}

	ingesting := false
	if acct.Status == store.StatusNotStarted {
		if err := h.sched.Trigger(acct.ID, true); err == nil {
			ingesting = true
		} else {
			h.logger.Warn("ingest not started", "account_id", acct.ID, "err", err)
		}
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"account": acct, "created": created, "ingesting": ingesting})
}

func (h *Handler) listAccounts(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		uid = c.Query("user_id")
	}
	accounts, err := h.store.ListAccounts(c.Request.Context(), uid)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

// account loads the :id account, hiding accounts of other users.
func (h *Handler) account(c *gin.Context) (store.Account, bool) {
	acct, err := h.store.GetAccount(c.Request.Context(), c.Param("id"))
	if err == nil && userID(c) != "" && acct.UserID != userID(c) {
		err = fmt.Errorf("account %s: %w", acct.ID, store.ErrNotFound)
	}
	if err != nil {
		h.writeError(c, err)
		return store.Account{}, false
	}
	return acct, true
}

func (h *Handler) getAccount(c *gin.Context) {
	acct, ok := h.account(c)
	if !ok {
		return
	}
	n, err := h.store.CountEmails(c.Request.Context(), acct.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, accountResponse{Account: acct, Syncing: h.sched.IsRunning(acct.ID), Emails: n})
}

func (h *Handler) deleteAccount(c *gin.Context) {
	acct, ok := h.account(c)
	if !ok {
		return
	}
	if h.sched.IsRunning(acct.ID) {
		h.writeError(c, fmt.Errorf("account %s: %w", acct.ID, mailsync.ErrBusy))
		return
	}
	if err := h.store.DeleteAccount(c.Request.Context(), acct.ID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getSettings(c *gin.Context) {
	acct, ok := h.account(c)
	if !ok {
		return
	}
	lists, err := h.store.GetOrCreateSettings(c.Request.Context(), acct.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"email_list": lists})
}

func (h *Handler) updateSettings(c *gin.Context) {
	acct, ok := h.account(c)
	if !ok {
		return
	}
	var req struct {
		EmailList classifier.Lists `json:"email_list"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.UpdateSettings(c.Request.Context(), acct.ID, req.EmailList); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"email_list": req.EmailList})
}

func (h *Handler) ingest(c *gin.Context) {
	acct, ok := h.account(c)
	if !ok {
		return
	}
	if acct.Status != store.StatusNotStarted && acct.Status != store.StatusFailed {
		h.writeError(c, fmt.Errorf("account %s is %s: %w", acct.ID, acct.Status, mailsync.ErrIngestNotAllowed))
		return
	}
	h.trigger(c, acct, true)
}

func (h *Handler) sync(c *gin.Context) {
	acct, ok := h.account(c)
	if !ok {
		return
	}
	h.trigger(c, acct, false)
}

func (h *Handler) trigger(c *gin.Context, acct store.Account, ingest bool) {
	if err := h.sched.Trigger(acct.ID, ingest); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"account_id": acct.ID, "ingest": ingest})
}

func (h *Handler) listEmails(c *gin.Context) {
	acct, ok := h.account(c)
	if !ok {
		return
	}
	folder := message.Folder(c.Query("folder"))
	if folder != "" && !folder.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown folder %q", folder)})
		return
	}
	limit, err := queryInt(c, "limit", 50)
	if err != nil || limit < 1 || limit > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must not be negative"})
		return
	}

	emails, err := h.store.ListEmails(c.Request.Context(), acct.ID, folder, limit, offset)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"emails": emails})
}

func (h *Handler) getEmail(c *gin.Context) {
	ctx := c.Request.Context()
	email, err := h.store.GetEmail(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if uid := userID(c); uid != "" {
		acct, err := h.store.GetAccount(ctx, email.AccountID)
		if err != nil || acct.UserID != uid {
			h.writeError(c, fmt.Errorf("email %s: %w", email.ID, store.ErrNotFound))
			return
		}
	}
	c.JSON(http.StatusOK, email)
}

func (h *Handler) applyAction(c *gin.Context) {
	action := actions.Action(c.Param("action"))
	if !action.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown action %q", action)})
		return
	}
	if err := h.actions.Apply(c.Request.Context(), userID(c), c.Param("id"), action); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"email_id": c.Param("id"), "action": action})
}

func (h *Handler) downloadAttachment(c *gin.Context) {
	att, data, err := h.actions.Attachment(c.Request.Context(), userID(c), c.Param("id"), c.Param("attachment"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", att.Name))
	c.Data(http.StatusOK, contentType, data)
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
